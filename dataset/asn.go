package dataset

import (
	"fmt"
	"strconv"
	"strings"
)

// ASNumber is a 32-bit autonomous system number. Zero marks address space
// the feed lists as not routed.
type ASNumber uint32

// String renders the number in the conventional "AS13335" form.
func (a ASNumber) String() string {
	return "AS" + strconv.FormatUint(uint64(a), 10)
}

// ParseASN accepts "13335", "AS13335" and "as13335".
func ParseASN(raw string) (ASNumber, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > 2 && strings.EqualFold(raw[:2], "AS") {
		raw = raw[2:]
	}
	if raw == "" {
		return 0, fmt.Errorf("asn: empty value")
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("asn %q: %w", raw, err)
	}
	return ASNumber(v), nil
}
