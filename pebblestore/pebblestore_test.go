package pebblestore

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ipenrich/dataset"
)

const testFeed = "1.1.1.0\t1.1.1.255\t13335\tUS\tCloudflare\n" +
	"1.0.1.0\t1.0.3.255\t0\tNone\tNot routed\n" +
	"8.8.8.0\t8.8.8.255\t15169\tUS\tGOOGLE\n" +
	"8.8.4.0\t8.8.4.255\t15169\tUS\tGOOGLE\n" +
	"2001:4860::\t2001:4860:ffff:ffff:ffff:ffff:ffff:ffff\t15169\tUS\tGOOGLE\n" +
	"2606:4700::\t2606:4700:ffff:ffff:ffff:ffff:ffff:ffff\t13335\tUS\tCloudflare\n"

func testSnapshot(t *testing.T) *dataset.Snapshot {
	t.Helper()
	records, err := dataset.ParseFeed(strings.NewReader(testFeed), "test")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	snap, err := dataset.NewSnapshot(records, time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC), "test")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func buildStore(t *testing.T) (*Store, string, *dataset.Snapshot) {
	t.Helper()
	snap := testSnapshot(t)
	root := filepath.Join(t.TempDir(), "pebble")
	dbPath, err := Build(context.Background(), snap, root, true)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := UpdateCurrent(root, dbPath); err != nil {
		t.Fatalf("update current: %v", err)
	}
	resolved, err := Resolve(root)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	store, err := Open(resolved, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, root, snap
}

func TestPebbleLookupMatchesSnapshot(t *testing.T) {
	store, _, snap := buildStore(t)
	for _, addrStr := range []string{
		"1.1.1.1", "1.1.1.0", "1.1.1.255", "1.1.2.0", "1.0.2.9", "8.8.8.8",
		"8.8.5.5", "0.0.0.1", "255.255.255.255", "2001:4860::8888",
		"2606:4700:4700::1111", "2400::1", "::ffff:8.8.4.4",
	} {
		addr := netip.MustParseAddr(addrStr)
		want, wantOK := snap.Ranges.Lookup(addr)
		got, ok := store.Lookup(addr)
		if ok != wantOK || got != want {
			t.Fatalf("%s: pebble=%+v/%v memory=%+v/%v", addrStr, got, ok, want, wantOK)
		}
	}
	if !store.FetchedAt().Equal(snap.FetchedAt) {
		t.Fatalf("fetched_at = %v", store.FetchedAt())
	}
}

func TestPebbleLookupASN(t *testing.T) {
	store, _, snap := buildStore(t)
	ranges, err := store.LookupASN(15169)
	if err != nil {
		t.Fatalf("lookup asn: %v", err)
	}
	rec, _ := snap.Index.Lookup(15169)
	if len(ranges) != len(rec.Ranges) {
		t.Fatalf("got %d ranges, want %d", len(ranges), len(rec.Ranges))
	}
	for i := range ranges {
		if ranges[i] != rec.Ranges[i] {
			t.Fatalf("range %d: %+v vs %+v", i, ranges[i], rec.Ranges[i])
		}
	}
	none, err := store.LookupASN(64512)
	if err != nil || len(none) != 0 {
		t.Fatalf("unknown asn: %v %v", none, err)
	}
}

func TestPebbleSnapshotRoundTrip(t *testing.T) {
	store, _, snap := buildStore(t)
	loaded, err := store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if loaded.Checksum != snap.Checksum || loaded.Ranges.Len() != snap.Ranges.Len() {
		t.Fatalf("snapshot differs: %x/%d vs %x/%d", loaded.Checksum, loaded.Ranges.Len(), snap.Checksum, snap.Ranges.Len())
	}
}

func TestPebbleCleanupKeepsCurrent(t *testing.T) {
	_, root, snap := buildStore(t)
	current, err := Resolve(root)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	stale, err := Build(context.Background(), snap, root, false)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if err := Cleanup(root, current); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("old db not removed: %v", err)
	}
	if _, err := os.Stat(current); err != nil {
		t.Fatalf("current db removed: %v", err)
	}
}

func TestPebbleBuildHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	root := t.TempDir()
	if _, err := Build(ctx, testSnapshot(t), root, false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Fatalf("failed build left %d entries behind", len(entries))
	}
}

func TestResolveWithoutCurrent(t *testing.T) {
	if _, err := Resolve(t.TempDir()); err == nil {
		t.Fatalf("expected error without CURRENT_DB")
	}
}
