package dataset

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Snapshot is one immutable, fully built dataset. The range store and the
// ASN index share the same AddressRange values.
type Snapshot struct {
	FetchedAt time.Time
	Checksum  uint64
	Source    string
	Ranges    *RangeStore
	Index     *ASNIndex
}

// NewSnapshot validates records and builds both query structures in one
// pass. The input slice is not modified.
func NewSnapshot(records []AddressRange, fetchedAt time.Time, source string) (*Snapshot, error) {
	if len(records) == 0 {
		return nil, ErrEmpty
	}
	sorted := make([]AddressRange, len(records))
	for i, r := range records {
		r.Start = normalizeAddr(r.Start)
		r.End = normalizeAddr(r.End)
		if err := r.validate(); err != nil {
			return nil, err
		}
		sorted[i] = r
	}
	sort.SliceStable(sorted, func(i, j int) bool { return compareRanges(sorted[i], sorted[j]) < 0 })

	store, err := newRangeStoreSorted(sorted)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		FetchedAt: fetchedAt.UTC(),
		Checksum:  Checksum(sorted),
		Source:    source,
		Ranges:    store,
		Index:     buildASNIndexSorted(sorted),
	}, nil
}

// Records returns the snapshot's ranges in canonical order.
func (s *Snapshot) Records() []AddressRange {
	if s == nil {
		return nil
	}
	return s.Ranges.All()
}

// Age returns how long ago the data was fetched.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil || s.FetchedAt.IsZero() {
		return 0
	}
	return now.Sub(s.FetchedAt)
}

// IsStale reports whether data fetched at fetchedAt is older than maxAge at
// now. A zero fetch time is always stale; a non-positive maxAge disables
// staleness.
func IsStale(fetchedAt time.Time, maxAge time.Duration, now time.Time) bool {
	if fetchedAt.IsZero() {
		return true
	}
	if maxAge <= 0 {
		return false
	}
	return now.Sub(fetchedAt) > maxAge
}

// Static serves a fixed snapshot. It satisfies the same provider contract as
// Manager and is meant for tests and embedded datasets.
type Static struct {
	snap   *Snapshot
	maxAge time.Duration
	now    func() time.Time
}

// NewStatic wraps snap. maxAge drives IsStale against the snapshot's fetch
// time; zero never reports stale.
func NewStatic(snap *Snapshot, maxAge time.Duration) *Static {
	return &Static{snap: snap, maxAge: maxAge, now: time.Now}
}

// WithClock replaces the time source used for staleness.
func (s *Static) WithClock(now func() time.Time) *Static {
	s.now = now
	return s
}

func (s *Static) Current(ctx context.Context) (*Snapshot, error) {
	if s.snap == nil {
		return nil, ErrMissing
	}
	return s.snap, nil
}

func (s *Static) IsStale() bool {
	if s.snap == nil {
		return true
	}
	if s.maxAge <= 0 {
		return false
	}
	return IsStale(s.snap.FetchedAt, s.maxAge, s.now())
}

func (s *Static) Update(ctx context.Context, force bool) (*Snapshot, error) {
	if s.snap == nil {
		return nil, errors.New("dataset: static provider has no snapshot to refresh")
	}
	return s.snap, nil
}
