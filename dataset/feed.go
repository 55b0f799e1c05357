package dataset

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
)

const (
	feedFields    = 5
	maxFeedLine   = 1 << 20
	feedNoCountry = "None"
)

var gzipMagic = []byte{0x1f, 0x8b}

// ParseFeed reads an iptoasn.com style TSV feed: range_start, range_end,
// AS_number, country_code, AS_description. Gzip input is detected by its
// magic bytes. Blank lines and lines starting with '#' are skipped. Any
// unparsable row aborts the parse with a *ParseError.
func ParseFeed(r io.Reader, source string) ([]AddressRange, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	if magic, err := br.Peek(len(gzipMagic)); err == nil && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, &ParseError{Source: source, Line: 0, Err: fmt.Errorf("gzip header: %w", err)}
		}
		defer zr.Close()
		return scanRows(zr, source, true)
	}
	return scanRows(br, source, true)
}

func scanRows(r io.Reader, source string, feed bool) ([]AddressRange, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFeedLine)

	pool := make(map[string]string)
	var out []AddressRange
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rec, err := parseRow(text, pool, feed)
		if err != nil {
			return nil, &ParseError{Source: source, Line: line, Err: err}
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &ParseError{Source: source, Line: line + 1, Err: err}
		}
		return nil, fmt.Errorf("dataset: read %s: %w", source, err)
	}
	return out, nil
}

// parseRow splits one row. The owner is everything after the fourth tab so
// owners containing tabs survive a cache round trip. Feed rows map the
// "None" country placeholder to an empty code.
func parseRow(text string, pool map[string]string, feed bool) (AddressRange, error) {
	fields := strings.SplitN(text, "\t", feedFields)
	if len(fields) < feedFields {
		return AddressRange{}, fmt.Errorf("expected %d tab-separated fields, got %d", feedFields, len(fields))
	}
	start, err := netip.ParseAddr(strings.TrimSpace(fields[0]))
	if err != nil {
		return AddressRange{}, fmt.Errorf("range start: %w", err)
	}
	end, err := netip.ParseAddr(strings.TrimSpace(fields[1]))
	if err != nil {
		return AddressRange{}, fmt.Errorf("range end: %w", err)
	}
	asn, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 32)
	if err != nil {
		return AddressRange{}, fmt.Errorf("asn: %w", err)
	}
	cc := fields[3]
	owner := fields[4]
	if feed {
		cc = strings.ToUpper(strings.TrimSpace(cc))
		if strings.EqualFold(cc, feedNoCountry) {
			cc = ""
		}
		owner = strings.TrimSpace(owner)
	}
	rec := AddressRange{
		Start:       normalizeAddr(start),
		End:         normalizeAddr(end),
		ASN:         ASNumber(asn),
		CountryCode: internString(pool, cc),
		Owner:       internString(pool, owner),
	}
	if err := rec.validate(); err != nil {
		return AddressRange{}, err
	}
	return rec, nil
}

func formatRow(r AddressRange) string {
	var b strings.Builder
	b.Grow(64 + len(r.Owner))
	b.WriteString(r.Start.String())
	b.WriteByte('\t')
	b.WriteString(r.End.String())
	b.WriteByte('\t')
	b.WriteString(strconv.FormatUint(uint64(r.ASN), 10))
	b.WriteByte('\t')
	b.WriteString(r.CountryCode)
	b.WriteByte('\t')
	b.WriteString(r.Owner)
	return b.String()
}

func internString(pool map[string]string, value string) string {
	if value == "" {
		return ""
	}
	if existing, ok := pool[value]; ok {
		return existing
	}
	pool[value] = value
	return value
}
