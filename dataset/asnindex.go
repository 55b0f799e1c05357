package dataset

import (
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"lukechampine.com/uint128"
)

// ASNRecord groups everything the feed says about one ASN. Ranges are in
// canonical order (IPv4 before IPv6, ascending start). Records returned by
// the index are shared and must be treated as read-only.
type ASNRecord struct {
	ASN         ASNumber
	Owner       string
	CountryCode string
	Ranges      []AddressRange
	IPv4Count   uint128.Uint128
	IPv6Count   uint128.Uint128
}

// ASNIndex maps ASNs to their records.
type ASNIndex struct {
	records   map[ASNumber]*ASNRecord
	asns      []ASNumber
	owners    []ownerEntry
	conflicts int
}

type ownerEntry struct {
	asn    ASNumber
	lower  string
	tokens []string
}

// BuildASNIndex groups records by ASN. Owner and country come from the
// range with the lowest canonical position, so any permutation of the same
// input yields the same index. ASNs whose ranges disagree on owner or
// country are counted in Conflicts. Entries in registered describe ASNs that
// may have no ranges at all; their Ranges field is ignored and any ranges in
// records take precedence for metadata.
func BuildASNIndex(records []AddressRange, registered ...ASNRecord) *ASNIndex {
	sorted := make([]AddressRange, len(records))
	for i, r := range records {
		r.Start = normalizeAddr(r.Start)
		r.End = normalizeAddr(r.End)
		sorted[i] = r
	}
	sort.SliceStable(sorted, func(i, j int) bool { return compareRanges(sorted[i], sorted[j]) < 0 })
	return buildASNIndexSorted(sorted, registered...)
}

func buildASNIndexSorted(sorted []AddressRange, registered ...ASNRecord) *ASNIndex {
	idx := &ASNIndex{records: make(map[ASNumber]*ASNRecord)}
	conflicted := make(map[ASNumber]struct{})
	for _, r := range sorted {
		rec := idx.records[r.ASN]
		if rec == nil {
			rec = &ASNRecord{ASN: r.ASN, Owner: r.Owner, CountryCode: r.CountryCode}
			idx.records[r.ASN] = rec
		} else if rec.Owner != r.Owner || rec.CountryCode != r.CountryCode {
			conflicted[r.ASN] = struct{}{}
		}
		rec.Ranges = append(rec.Ranges, r)
		if r.Is4() {
			rec.IPv4Count = saturatingAdd(rec.IPv4Count, r.Size())
		} else {
			rec.IPv6Count = saturatingAdd(rec.IPv6Count, r.Size())
		}
	}
	for _, reg := range registered {
		if _, ok := idx.records[reg.ASN]; ok {
			continue
		}
		idx.records[reg.ASN] = &ASNRecord{ASN: reg.ASN, Owner: reg.Owner, CountryCode: reg.CountryCode}
	}
	idx.conflicts = len(conflicted)

	idx.asns = make([]ASNumber, 0, len(idx.records))
	for asn := range idx.records {
		idx.asns = append(idx.asns, asn)
	}
	sort.Slice(idx.asns, func(i, j int) bool { return idx.asns[i] < idx.asns[j] })
	idx.owners = make([]ownerEntry, 0, len(idx.asns))
	for _, asn := range idx.asns {
		lower := strings.ToLower(idx.records[asn].Owner)
		idx.owners = append(idx.owners, ownerEntry{asn: asn, lower: lower, tokens: ownerTokens(lower)})
	}
	return idx
}

// Lookup returns the record for asn.
func (idx *ASNIndex) Lookup(asn ASNumber) (*ASNRecord, bool) {
	if idx == nil {
		return nil, false
	}
	rec, ok := idx.records[asn]
	return rec, ok
}

// Len returns the number of distinct ASNs.
func (idx *ASNIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.asns)
}

// ASNs returns all ASNs in ascending order. The slice is shared.
func (idx *ASNIndex) ASNs() []ASNumber {
	if idx == nil {
		return nil
	}
	return idx.asns
}

// Conflicts returns how many ASNs had ranges with disagreeing metadata.
func (idx *ASNIndex) Conflicts() int {
	if idx == nil {
		return 0
	}
	return idx.conflicts
}

// SearchOwner finds ASNs by owner name. Substring matches rank first (by
// ASN); the remaining slots go to owners whose name or a word of it is
// within a small edit distance of the query.
func (idx *ASNIndex) SearchOwner(query string, limit int) []*ASNRecord {
	if idx == nil {
		return nil
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	if limit <= 0 {
		limit = 20
	}
	maxDist := len(query) / 4
	if maxDist < 1 {
		maxDist = 1
	}

	type fuzzyHit struct {
		asn  ASNumber
		dist int
	}
	var exact []ASNumber
	var fuzzy []fuzzyHit
	for _, entry := range idx.owners {
		if strings.Contains(entry.lower, query) {
			exact = append(exact, entry.asn)
			continue
		}
		best := levenshtein.ComputeDistance(query, entry.lower)
		for _, tok := range entry.tokens {
			if d := levenshtein.ComputeDistance(query, tok); d < best {
				best = d
			}
		}
		if best <= maxDist {
			fuzzy = append(fuzzy, fuzzyHit{asn: entry.asn, dist: best})
		}
	}
	sort.SliceStable(fuzzy, func(i, j int) bool { return fuzzy[i].dist < fuzzy[j].dist })

	out := make([]*ASNRecord, 0, limit)
	for _, asn := range exact {
		if len(out) >= limit {
			return out
		}
		out = append(out, idx.records[asn])
	}
	for _, hit := range fuzzy {
		if len(out) >= limit {
			break
		}
		out = append(out, idx.records[hit.asn])
	}
	return out
}

func ownerTokens(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
