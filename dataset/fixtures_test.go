package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"
)

const sampleFeed = "1.0.0.0\t1.0.0.255\t13335\tUS\tCloudflare\n" +
	"1.0.1.0\t1.0.3.255\t0\tNone\tNot routed\n" +
	"1.1.1.0\t1.1.1.255\t13335\tUS\tCloudflare\n" +
	"8.8.4.0\t8.8.4.255\t15169\tUS\tGOOGLE\n" +
	"8.8.8.0\t8.8.8.255\t15169\tUS\tGOOGLE\n" +
	"2001:4860::\t2001:4860:ffff:ffff:ffff:ffff:ffff:ffff\t15169\tUS\tGOOGLE\n" +
	"2606:4700::\t2606:4700:ffff:ffff:ffff:ffff:ffff:ffff\t13335\tUS\tCloudflare\n"

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse addr %q: %v", s, err)
	}
	return addr
}

func rng(t *testing.T, start, end string, asn ASNumber, cc, owner string) AddressRange {
	t.Helper()
	return AddressRange{Start: mustAddr(t, start), End: mustAddr(t, end), ASN: asn, CountryCode: cc, Owner: owner}
}

func sampleRecords(t *testing.T) []AddressRange {
	t.Helper()
	records, err := ParseFeed(strings.NewReader(sampleFeed), "sample")
	if err != nil {
		t.Fatalf("parse sample feed: %v", err)
	}
	return records
}

func gzipBytes(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(data)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}
