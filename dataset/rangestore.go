package dataset

import (
	"fmt"
	"net/netip"
	"sort"

	"lukechampine.com/uint128"
)

// RangeStore answers point-containment queries over a sorted, disjoint set
// of ranges. All IPv4 ranges come first, then all IPv6 ranges; starts and
// ends are parallel key arrays so the search never touches the range structs.
// Invariants: within each family block keys are strictly increasing and
// starts[i] > ends[i-1].
type RangeStore struct {
	ranges []AddressRange
	starts []uint128.Uint128
	ends   []uint128.Uint128
	split  int
}

// BuildRangeStore sorts records and validates that they are disjoint.
// The input slice is not modified.
func BuildRangeStore(records []AddressRange) (*RangeStore, error) {
	if len(records) == 0 {
		return nil, ErrEmpty
	}
	ranges := make([]AddressRange, len(records))
	for i, r := range records {
		r.Start = normalizeAddr(r.Start)
		r.End = normalizeAddr(r.End)
		if err := r.validate(); err != nil {
			return nil, err
		}
		ranges[i] = r
	}
	sort.SliceStable(ranges, func(i, j int) bool { return compareRanges(ranges[i], ranges[j]) < 0 })
	return newRangeStoreSorted(ranges)
}

// newRangeStoreSorted takes ownership of ranges, which must already be
// validated and in canonical order.
func newRangeStoreSorted(ranges []AddressRange) (*RangeStore, error) {
	store := &RangeStore{
		ranges: ranges,
		starts: make([]uint128.Uint128, len(ranges)),
		ends:   make([]uint128.Uint128, len(ranges)),
		split:  len(ranges),
	}
	for i, r := range ranges {
		store.starts[i] = addrKey(r.Start)
		store.ends[i] = addrKey(r.End)
		if !r.Is4() && store.split == len(ranges) {
			store.split = i
		}
		if i == 0 || i == store.split {
			continue
		}
		if store.starts[i].Cmp(store.ends[i-1]) <= 0 {
			return nil, &OverlapError{First: ranges[i-1], Second: r}
		}
	}
	return store, nil
}

// Lookup returns the range containing addr, if any.
func (s *RangeStore) Lookup(addr netip.Addr) (AddressRange, bool) {
	if s == nil || !addr.IsValid() {
		return AddressRange{}, false
	}
	addr = normalizeAddr(addr)
	lo, hi := 0, s.split
	if addr.Is6() {
		lo, hi = s.split, len(s.ranges)
	}
	if lo == hi {
		return AddressRange{}, false
	}
	key := addrKey(addr)
	// First start strictly greater than key; the candidate sits just before it.
	i := sort.Search(hi-lo, func(i int) bool { return s.starts[lo+i].Cmp(key) > 0 })
	if i == 0 {
		return AddressRange{}, false
	}
	idx := lo + i - 1
	if key.Cmp(s.ends[idx]) > 0 {
		return AddressRange{}, false
	}
	return s.ranges[idx], true
}

// Len returns the number of ranges.
func (s *RangeStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ranges)
}

// Families returns the IPv4 and IPv6 range counts.
func (s *RangeStore) Families() (v4, v6 int) {
	if s == nil {
		return 0, 0
	}
	return s.split, len(s.ranges) - s.split
}

// All returns the ranges in canonical order. The slice is shared and must
// not be modified.
func (s *RangeStore) All() []AddressRange {
	if s == nil {
		return nil
	}
	return s.ranges
}

func (s *RangeStore) String() string {
	v4, v6 := s.Families()
	return fmt.Sprintf("RangeStore{v4=%d v6=%d}", v4, v6)
}
