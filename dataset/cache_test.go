package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestCacheRoundTrip(t *testing.T) {
	records := append(sampleRecords(t), rng(t, "10.0.0.0", "10.0.0.255", 64512, "", "Owner\twith tab"))
	fetched := time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)
	snap, err := NewSnapshot(records, fetched, "test")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cache", "ip2asn.cache.tsv")
	if err := WriteCache(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := ReadCache(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !loaded.FetchedAt.Equal(fetched) || loaded.Checksum != snap.Checksum {
		t.Fatalf("header mismatch: %v %x vs %v %x", loaded.FetchedAt, loaded.Checksum, fetched, snap.Checksum)
	}
	if !reflect.DeepEqual(loaded.Records(), snap.Records()) {
		t.Fatalf("records differ after round trip")
	}
	for _, addrStr := range []string{"1.1.1.1", "8.8.8.8", "10.0.0.7", "203.0.113.5", "2606:4700::1"} {
		a, aok := snap.Ranges.Lookup(mustAddr(t, addrStr))
		b, bok := loaded.Ranges.Lookup(mustAddr(t, addrStr))
		if aok != bok || a != b {
			t.Fatalf("%s: lookup differs after round trip", addrStr)
		}
	}
	for _, asn := range snap.Index.ASNs() {
		a, _ := snap.Index.Lookup(asn)
		b, ok := loaded.Index.Lookup(asn)
		if !ok || !reflect.DeepEqual(a, b) {
			t.Fatalf("%s: index differs after round trip", asn)
		}
	}
	hdr, err := ReadCacheHeader(path)
	if err != nil || hdr.Records != len(records) {
		t.Fatalf("header: %+v %v", hdr, err)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestCacheChecksumDetectsTampering(t *testing.T) {
	snap, err := NewSnapshot(sampleRecords(t), time.Now(), "test")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cache.tsv")
	if err := WriteCache(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	tampered := strings.Replace(string(data), "\t15169\tUS\tGOOGLE", "\t15170\tUS\tGOOGLE", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := ReadCache(path); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestReadCacheMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadCache(filepath.Join(dir, "absent")); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	bad := filepath.Join(dir, "bad")
	if err := os.WriteFile(bad, []byte("1.1.1.0\t1.1.1.255\t13335\tUS\tCloudflare\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := ReadCache(bad)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("headerless cache: expected ErrMalformed, got %v", err)
	}
	var ce *CacheError
	if !errors.As(err, &ce) || ce.Path != bad {
		t.Fatalf("corrupt cache should be reported as a cache error: %v", err)
	}
	if _, err := ReadCacheHeader(bad); !errors.Is(err, ErrMalformed) {
		t.Fatalf("headerless header: expected ErrMalformed, got %v", err)
	}
}
