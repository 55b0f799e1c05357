package sqlexport

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ipenrich/dataset"
)

const testFeed = "1.1.1.0\t1.1.1.255\t13335\tUS\tCloudflare\n" +
	"8.8.8.0\t8.8.8.255\t15169\tUS\tGOOGLE\n" +
	"8.8.4.0\t8.8.4.255\t15169\tUS\tGOOGLE\n" +
	"2001:4860::\t2001:4860:ffff:ffff:ffff:ffff:ffff:ffff\t15169\tUS\tGOOGLE\n"

func testSnapshot(t *testing.T) *dataset.Snapshot {
	t.Helper()
	records, err := dataset.ParseFeed(strings.NewReader(testFeed), "test")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	snap, err := dataset.NewSnapshot(records, time.Now(), "test")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func writeExport(t *testing.T) (string, *dataset.Snapshot) {
	t.Helper()
	snap := testSnapshot(t)
	path := filepath.Join(t.TempDir(), "out", "ip2asn.sqlite")
	if err := Write(context.Background(), snap, path); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path, snap
}

func TestReadIndexMatchesSnapshot(t *testing.T) {
	path, snap := writeExport(t)
	idx, err := ReadIndex(context.Background(), path)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	rec, ok := idx.Lookup(15169)
	if !ok {
		t.Fatalf("AS15169 missing from export")
	}
	want, _ := snap.Index.Lookup(15169)
	if rec.Owner != want.Owner || rec.CountryCode != want.CountryCode || len(rec.Ranges) != len(want.Ranges) {
		t.Fatalf("record differs: %+v vs %+v", rec, want)
	}
	for i := range rec.Ranges {
		if rec.Ranges[i] != want.Ranges[i] {
			t.Fatalf("range %d: %+v vs %+v", i, rec.Ranges[i], want.Ranges[i])
		}
	}
	if !rec.IPv4Count.Equals(want.IPv4Count) || !rec.IPv6Count.Equals(want.IPv6Count) {
		t.Fatalf("counts differ: %s/%s vs %s/%s", rec.IPv4Count, rec.IPv6Count, want.IPv4Count, want.IPv6Count)
	}
	if _, ok := idx.Lookup(64512); ok {
		t.Fatalf("unexpected AS64512 in export")
	}
}

func TestCheck(t *testing.T) {
	path, snap := writeExport(t)
	if err := Check(context.Background(), path, snap); err != nil {
		t.Fatalf("check: %v", err)
	}

	records, err := dataset.ParseFeed(strings.NewReader(testFeed+"9.9.9.0\t9.9.9.255\t19281\tUS\tQUAD9\n"), "other")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	other, err := dataset.NewSnapshot(records, time.Now(), "other")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := Check(context.Background(), path, other); err == nil {
		t.Fatalf("expected mismatch against a different snapshot")
	}
	if err := Check(context.Background(), filepath.Join(t.TempDir(), "absent.sqlite"), snap); err == nil {
		t.Fatalf("missing export should fail")
	}
}

func TestReadIndex(t *testing.T) {
	path, snap := writeExport(t)
	idx, err := ReadIndex(context.Background(), path)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if idx.Len() != snap.Index.Len() {
		t.Fatalf("asn count %d vs %d", idx.Len(), snap.Index.Len())
	}
	rec, ok := idx.Lookup(13335)
	if !ok || rec.Owner != "Cloudflare" || len(rec.Ranges) != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestVerifyAndMissing(t *testing.T) {
	path, _ := writeExport(t)
	if err := Verify(context.Background(), path); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify(context.Background(), filepath.Join(t.TempDir(), "absent.sqlite")); err == nil {
		t.Fatalf("missing export should fail")
	}
	junk := filepath.Join(t.TempDir(), "junk.sqlite")
	if err := os.WriteFile(junk, []byte("not a sqlite database at all, just text"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	if err := Verify(context.Background(), junk); err == nil {
		t.Fatalf("junk export should fail")
	}
}

func TestWriteReplacesExisting(t *testing.T) {
	path, snap := writeExport(t)
	if err := Write(context.Background(), snap, path); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.dbtmp"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}
