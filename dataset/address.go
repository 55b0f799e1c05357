package dataset

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"go4.org/netipx"
	"lukechampine.com/uint128"
)

// AddressRange is one contiguous block of addresses announced by a single ASN.
// Values are immutable once loaded.
type AddressRange struct {
	Start       netip.Addr
	End         netip.Addr
	ASN         ASNumber
	CountryCode string
	Owner       string
}

// Is4 reports whether the range holds IPv4 addresses.
func (r AddressRange) Is4() bool {
	return r.Start.Is4()
}

// Contains reports whether addr falls within the range. Addresses of the
// other family never match.
func (r AddressRange) Contains(addr netip.Addr) bool {
	addr = normalizeAddr(addr)
	if !addr.IsValid() || addr.Is4() != r.Start.Is4() {
		return false
	}
	return r.Start.Compare(addr) <= 0 && addr.Compare(r.End) <= 0
}

// Size returns the number of addresses in the range, saturating at 2^128-1.
func (r AddressRange) Size() uint128.Uint128 {
	return rangeSize(addrKey(r.Start), addrKey(r.End))
}

// Prefixes returns the minimal CIDR cover of the range.
func (r AddressRange) Prefixes() []netip.Prefix {
	ipr := netipx.IPRangeFrom(r.Start, r.End)
	if !ipr.IsValid() {
		return nil
	}
	return ipr.Prefixes()
}

func (r AddressRange) validate() error {
	if !r.Start.IsValid() || !r.End.IsValid() {
		return fmt.Errorf("%w: invalid range bounds", ErrMalformed)
	}
	if r.Start.Is4() != r.End.Is4() {
		return fmt.Errorf("%w: range %s-%s mixes address families", ErrMalformed, r.Start, r.End)
	}
	if r.End.Less(r.Start) {
		return fmt.Errorf("%w: range start %s after end %s", ErrMalformed, r.Start, r.End)
	}
	return nil
}

// normalizeAddr strips zones and unmaps IPv4-mapped IPv6 so ::ffff:1.1.1.1
// resolves against the IPv4 block.
func normalizeAddr(addr netip.Addr) netip.Addr {
	if !addr.IsValid() {
		return addr
	}
	return addr.WithZone("").Unmap()
}

// addrKey maps an address to its ordered numeric form. IPv4 and IPv6 keys
// live in separate blocks, so the family is never encoded in the key.
func addrKey(addr netip.Addr) uint128.Uint128 {
	if addr.Is4() {
		b := addr.As4()
		return uint128.From64(uint64(binary.BigEndian.Uint32(b[:])))
	}
	b := addr.As16()
	return uint128.FromBytesBE(b[:])
}

func rangeSize(start, end uint128.Uint128) uint128.Uint128 {
	diff := end.Sub(start)
	if diff.Equals(uint128.Max) {
		return uint128.Max
	}
	return diff.Add64(1)
}

func saturatingAdd(a, b uint128.Uint128) uint128.Uint128 {
	if uint128.Max.Sub(a).Cmp(b) < 0 {
		return uint128.Max
	}
	return a.Add(b)
}

func compareRanges(a, b AddressRange) int {
	if a.Is4() != b.Is4() {
		if a.Is4() {
			return -1
		}
		return 1
	}
	return a.Start.Compare(b.Start)
}
