// Package enrich answers IP and ASN enrichment queries against the current
// dataset snapshot.
package enrich

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go4.org/netipx"
	"lukechampine.com/uint128"

	"ipenrich/dataset"
	"ipenrich/geo"
)

// Provider supplies snapshots and freshness. *dataset.Manager,
// *dataset.Static and *pebblestore.Provider implement it.
type Provider interface {
	Current(ctx context.Context) (*dataset.Snapshot, error)
	IsStale() bool
	Update(ctx context.Context, force bool) (*dataset.Snapshot, error)
}

// PointReader is implemented by providers that answer single lookups from
// disk without materializing a snapshot. The engine prefers it for EnrichIP
// and LookupASN.
type PointReader interface {
	LookupRange(addr netip.Addr) (dataset.AddressRange, bool, error)
	RangesForASN(asn dataset.ASNumber) ([]dataset.AddressRange, error)
	FetchedAt() time.Time
}

// Locator adds geolocation to IP results. *geo.Reader implements it.
type Locator interface {
	Lookup(addr netip.Addr) (*geo.Location, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithGeo attaches a geolocation source to EnrichIP results.
func WithGeo(l Locator) Option {
	return func(e *Engine) { e.geo = l }
}

// Engine is safe for concurrent use. Queries never wait on a refresh.
type Engine struct {
	provider Provider
	geo      Locator

	// staleWarned is re-armed whenever the served fetch time changes.
	staleWarned atomic.Bool
	lastFetched atomic.Int64
}

// New returns an engine reading from provider.
func New(provider Provider, opts ...Option) *Engine {
	e := &Engine{provider: provider}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IPResult is the enrichment of one address. Covered reports whether any
// dataset range contains the address; Assigned additionally requires a
// non-zero ASN.
type IPResult struct {
	IP          netip.Addr
	ASN         dataset.ASNumber
	Owner       string
	CountryCode string
	Assigned    bool
	Covered     bool
	RangeStart  netip.Addr
	RangeEnd    netip.Addr
	Stale       bool
	Geo         *geo.Location
}

// Range is one address block of an ASN.
type Range struct {
	Start netip.Addr
	End   netip.Addr
}

// ASNResult describes an ASN and everything it announces.
type ASNResult struct {
	ASN         dataset.ASNumber
	Owner       string
	CountryCode string
	Ranges      []Range
	Prefixes    []netip.Prefix
	IPv4Count   uint128.Uint128
	IPv6Count   uint128.Uint128
	Stale       bool
}

// Status summarizes the dataset behind the engine.
type Status struct {
	FetchedAt  time.Time
	Source     string
	Checksum   uint64
	IPv4Ranges int
	IPv6Ranges int
	ASNs       int
	Conflicts  int
	Stale      bool
}

// EnrichIP resolves ip to its announcing ASN. An address no range covers is
// a normal result with Assigned and Covered false, not an error.
func (e *Engine) EnrichIP(ctx context.Context, ip string) (IPResult, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return IPResult{}, &InputError{Input: ip, Kind: ErrInvalidAddress, Err: err}
	}
	addr = addr.WithZone("").Unmap()

	r, ok, stale, err := e.lookupRange(ctx, addr)
	if err != nil {
		return IPResult{}, err
	}
	res := IPResult{IP: addr, Stale: stale}
	if ok {
		res.Covered = true
		res.Assigned = r.ASN != 0
		res.ASN = r.ASN
		res.Owner = r.Owner
		res.CountryCode = r.CountryCode
		res.RangeStart = r.Start
		res.RangeEnd = r.End
	}
	if e.geo != nil {
		loc, err := e.geo.Lookup(addr)
		if err != nil {
			log.Debug("geo lookup failed", "ip", addr, "error", err)
		} else {
			res.Geo = loc
		}
	}
	return res, nil
}

// LookupASN returns the record for asn, or ErrNotFound.
func (e *Engine) LookupASN(ctx context.Context, asn dataset.ASNumber) (ASNResult, error) {
	rec, ok, stale, err := e.lookupASN(ctx, asn)
	if err != nil {
		return ASNResult{}, err
	}
	if !ok {
		return ASNResult{}, fmt.Errorf("%w: %s", ErrNotFound, asn)
	}
	res := asnResult(rec)
	res.Stale = stale
	return res, nil
}

// LookupASNString accepts "13335", "AS13335" or "as13335".
func (e *Engine) LookupASNString(ctx context.Context, raw string) (ASNResult, error) {
	asn, err := dataset.ParseASN(raw)
	if err != nil {
		return ASNResult{}, &InputError{Input: raw, Kind: ErrInvalidASN, Err: err}
	}
	return e.LookupASN(ctx, asn)
}

// SearchOwner finds ASNs whose owner name matches query.
func (e *Engine) SearchOwner(ctx context.Context, query string, limit int) ([]ASNResult, error) {
	snap, stale, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	recs := snap.Index.SearchOwner(query, limit)
	out := make([]ASNResult, 0, len(recs))
	for _, rec := range recs {
		res := asnResult(rec)
		res.Stale = stale
		out = append(out, res)
	}
	return out, nil
}

// TriggerUpdate refreshes the dataset. force bypasses the freshness check
// and conditional request.
func (e *Engine) TriggerUpdate(ctx context.Context, force bool) error {
	_, err := e.provider.Update(ctx, force)
	return err
}

// Status reports what the engine is currently serving.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	snap, stale, err := e.snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	v4, v6 := snap.Ranges.Families()
	return Status{
		FetchedAt:  snap.FetchedAt,
		Source:     snap.Source,
		Checksum:   snap.Checksum,
		IPv4Ranges: v4,
		IPv6Ranges: v6,
		ASNs:       snap.Index.Len(),
		Conflicts:  snap.Index.Conflicts(),
		Stale:      stale,
	}, nil
}

// snapshot checks staleness before reading so a result never claims to be
// fresher than the data behind it.
func (e *Engine) snapshot(ctx context.Context) (*dataset.Snapshot, bool, error) {
	stale := e.provider.IsStale()
	snap, err := e.provider.Current(ctx)
	if err != nil {
		return nil, false, err
	}
	e.noteStale(stale, snap.FetchedAt)
	return snap, stale, nil
}

func (e *Engine) lookupRange(ctx context.Context, addr netip.Addr) (dataset.AddressRange, bool, bool, error) {
	pr, ok := e.provider.(PointReader)
	if !ok {
		snap, stale, err := e.snapshot(ctx)
		if err != nil {
			return dataset.AddressRange{}, false, false, err
		}
		r, found := snap.Ranges.Lookup(addr)
		return r, found, stale, nil
	}
	stale := e.provider.IsStale()
	r, found, err := pr.LookupRange(addr)
	if err != nil {
		return dataset.AddressRange{}, false, false, err
	}
	e.noteStale(stale, pr.FetchedAt())
	return r, found, stale, nil
}

// lookupASN builds the record from the ASN's own ranges when the provider
// reads from disk. Owner and country resolution only looks at those ranges,
// so the result matches the full index.
func (e *Engine) lookupASN(ctx context.Context, asn dataset.ASNumber) (*dataset.ASNRecord, bool, bool, error) {
	pr, ok := e.provider.(PointReader)
	if !ok {
		snap, stale, err := e.snapshot(ctx)
		if err != nil {
			return nil, false, false, err
		}
		rec, found := snap.Index.Lookup(asn)
		return rec, found, stale, nil
	}
	stale := e.provider.IsStale()
	ranges, err := pr.RangesForASN(asn)
	if err != nil {
		return nil, false, false, err
	}
	e.noteStale(stale, pr.FetchedAt())
	rec, found := dataset.BuildASNIndex(ranges).Lookup(asn)
	return rec, found, stale, nil
}

// noteStale logs once per served fetch time while the data is stale.
func (e *Engine) noteStale(stale bool, fetchedAt time.Time) {
	if fetched := fetchedAt.UnixNano(); e.lastFetched.Swap(fetched) != fetched {
		e.staleWarned.Store(false)
	}
	if stale && e.staleWarned.CompareAndSwap(false, true) {
		log.Warn("serving stale dataset, run an update to refresh", "fetched_at", fetchedAt)
	}
}

func asnResult(rec *dataset.ASNRecord) ASNResult {
	res := ASNResult{
		ASN:         rec.ASN,
		Owner:       rec.Owner,
		CountryCode: rec.CountryCode,
		Ranges:      make([]Range, 0, len(rec.Ranges)),
		IPv4Count:   rec.IPv4Count,
		IPv6Count:   rec.IPv6Count,
	}
	var b netipx.IPSetBuilder
	for _, r := range rec.Ranges {
		res.Ranges = append(res.Ranges, Range{Start: r.Start, End: r.End})
		b.AddRange(netipx.IPRangeFrom(r.Start, r.End))
	}
	if set, err := b.IPSet(); err == nil {
		res.Prefixes = set.Prefixes()
	}
	return res
}
