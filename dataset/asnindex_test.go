package dataset

import (
	"math/rand"
	"reflect"
	"testing"

	"lukechampine.com/uint128"
)

func TestASNIndexGroupsAndSortsRanges(t *testing.T) {
	idx := BuildASNIndex([]AddressRange{
		rng(t, "8.8.8.0", "8.8.8.255", 15169, "US", "GOOGLE"),
		rng(t, "8.8.4.0", "8.8.4.255", 15169, "US", "GOOGLE"),
		rng(t, "1.1.1.0", "1.1.1.255", 13335, "US", "Cloudflare"),
	})
	rec, ok := idx.Lookup(15169)
	if !ok {
		t.Fatalf("AS15169 missing")
	}
	if rec.Owner != "GOOGLE" || rec.CountryCode != "US" {
		t.Fatalf("unexpected metadata: %+v", rec)
	}
	if len(rec.Ranges) != 2 || rec.Ranges[0].Start.String() != "8.8.4.0" || rec.Ranges[1].Start.String() != "8.8.8.0" {
		t.Fatalf("ranges not sorted by start: %+v", rec.Ranges)
	}
	if _, ok := idx.Lookup(999999999); ok {
		t.Fatalf("unexpected record for unknown asn")
	}
	if idx.Len() != 2 || !reflect.DeepEqual(idx.ASNs(), []ASNumber{13335, 15169}) {
		t.Fatalf("unexpected asn list: %v", idx.ASNs())
	}
}

func TestASNIndexShuffleDeterministic(t *testing.T) {
	records := sampleRecords(t)
	// Conflicting metadata for one ASN exercises the tie-break.
	records = append(records, rng(t, "9.9.9.0", "9.9.9.255", 15169, "IE", "Google Ireland"))
	want := BuildASNIndex(records)

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]AddressRange(nil), records...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := BuildASNIndex(shuffled)
		for _, asn := range want.ASNs() {
			w, _ := want.Lookup(asn)
			g, ok := got.Lookup(asn)
			if !ok || !reflect.DeepEqual(w, g) {
				t.Fatalf("shuffle %d: %s differs:\nwant %+v\ngot  %+v", i, asn, w, g)
			}
		}
	}
}

func TestASNIndexConflictTieBreak(t *testing.T) {
	idx := BuildASNIndex([]AddressRange{
		rng(t, "9.9.9.0", "9.9.9.255", 15169, "IE", "Google Ireland"),
		rng(t, "8.8.8.0", "8.8.8.255", 15169, "US", "GOOGLE"),
		rng(t, "2001:4860::", "2001:4860::ffff", 15169, "DE", "Google DE"),
	})
	rec, _ := idx.Lookup(15169)
	if rec.Owner != "GOOGLE" || rec.CountryCode != "US" {
		t.Fatalf("lowest ipv4 start should win, got %q/%q", rec.Owner, rec.CountryCode)
	}
	if idx.Conflicts() != 1 {
		t.Fatalf("expected 1 conflicting asn, got %d", idx.Conflicts())
	}
}

func TestASNIndexRegisteredWithoutRanges(t *testing.T) {
	idx := BuildASNIndex(
		[]AddressRange{rng(t, "1.1.1.0", "1.1.1.255", 13335, "US", "Cloudflare")},
		ASNRecord{ASN: 64512, Owner: "Private", CountryCode: "ZZ"},
		ASNRecord{ASN: 13335, Owner: "ignored"},
	)
	rec, ok := idx.Lookup(64512)
	if !ok {
		t.Fatalf("registered asn missing")
	}
	if len(rec.Ranges) != 0 || rec.Owner != "Private" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	cf, _ := idx.Lookup(13335)
	if cf.Owner != "Cloudflare" {
		t.Fatalf("feed metadata should win over registration, got %q", cf.Owner)
	}
}

func TestASNIndexAddressCounts(t *testing.T) {
	idx := BuildASNIndex([]AddressRange{
		rng(t, "8.8.4.0", "8.8.4.255", 15169, "US", "GOOGLE"),
		rng(t, "8.8.8.0", "8.8.8.255", 15169, "US", "GOOGLE"),
		rng(t, "2001:4860::", "2001:4860:ffff:ffff:ffff:ffff:ffff:ffff", 15169, "US", "GOOGLE"),
		rng(t, "::", "ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff", 1, "", "everything"),
	})
	rec, _ := idx.Lookup(15169)
	if !rec.IPv4Count.Equals64(512) {
		t.Fatalf("ipv4 count = %s", rec.IPv4Count)
	}
	if !rec.IPv6Count.Equals(uint128.From64(1).Lsh(96)) {
		t.Fatalf("ipv6 count = %s", rec.IPv6Count)
	}
	all, _ := idx.Lookup(1)
	if !all.IPv6Count.Equals(uint128.Max) {
		t.Fatalf("full ipv6 space should saturate, got %s", all.IPv6Count)
	}
}

func TestSearchOwner(t *testing.T) {
	idx := BuildASNIndex(sampleRecords(t))
	hits := idx.SearchOwner("cloudflare", 10)
	if len(hits) != 1 || hits[0].ASN != 13335 {
		t.Fatalf("substring search: %+v", hits)
	}
	hits = idx.SearchOwner("gogle", 10)
	if len(hits) == 0 || hits[0].ASN != 15169 {
		t.Fatalf("fuzzy search: %+v", hits)
	}
	if hits := idx.SearchOwner("   ", 10); hits != nil {
		t.Fatalf("blank query should return nothing")
	}
	if hits := idx.SearchOwner("o", 1); len(hits) != 1 {
		t.Fatalf("limit not applied: %d", len(hits))
	}
}
