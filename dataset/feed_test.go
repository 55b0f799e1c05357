package dataset

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParseFeedPlainAndGzip(t *testing.T) {
	plain, err := ParseFeed(strings.NewReader(sampleFeed), "plain")
	if err != nil {
		t.Fatalf("plain: %v", err)
	}
	zipped, err := ParseFeed(bytes.NewReader(gzipBytes(t, sampleFeed)), "gzip")
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if len(plain) != 7 || len(zipped) != len(plain) {
		t.Fatalf("record counts: plain=%d gzip=%d", len(plain), len(zipped))
	}
	for i := range plain {
		if plain[i] != zipped[i] {
			t.Fatalf("row %d differs: %+v vs %+v", i, plain[i], zipped[i])
		}
	}
	notRouted := plain[1]
	if notRouted.ASN != 0 || notRouted.CountryCode != "" || notRouted.Owner != "Not routed" {
		t.Fatalf("not routed row: %+v", notRouted)
	}
}

func TestParseFeedSkipsCommentsAndKeepsOwnerTabs(t *testing.T) {
	input := "# header\n\n10.0.0.0\t10.0.0.255\t64512\tzz\tOwner\twith tab\r\n"
	records, err := ParseFeed(strings.NewReader(input), "t")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].Owner != "Owner\twith tab" || records[0].CountryCode != "ZZ" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestParseFeedReportsLine(t *testing.T) {
	input := "1.0.0.0\t1.0.0.255\t13335\tUS\tA\n1.0.1.0\tbogus\t1\tUS\tB\n"
	_, err := ParseFeed(strings.NewReader(input), "feed.tsv")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Line != 2 || pe.Source != "feed.tsv" {
		t.Fatalf("expected line 2 of feed.tsv, got %v", err)
	}

	for _, bad := range []string{
		"1.0.0.0\t1.0.0.255\t13335\tUS\n",
		"1.0.0.0\t1.0.0.255\tAS13335\tUS\tX\n",
		"1.0.0.9\t1.0.0.0\t1\tUS\tX\n",
		"1.0.0.0\t::1\t1\tUS\tX\n",
	} {
		if _, err := ParseFeed(strings.NewReader(bad), "x"); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: expected ErrMalformed, got %v", bad, err)
		}
	}
}

func TestParseASN(t *testing.T) {
	for _, raw := range []string{"13335", "AS13335", "as13335", " As13335 "} {
		asn, err := ParseASN(raw)
		if err != nil || asn != 13335 {
			t.Fatalf("%q: %v %v", raw, asn, err)
		}
	}
	for _, raw := range []string{"", "AS", "ASX", "-1", "4294967296"} {
		if _, err := ParseASN(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
	if ASNumber(15169).String() != "AS15169" {
		t.Fatalf("unexpected String()")
	}
}
