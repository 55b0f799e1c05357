package enrich

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress means the input is not an IPv4 or IPv6 address.
	ErrInvalidAddress = errors.New("enrich: invalid address")
	// ErrInvalidASN means the input is not an AS number.
	ErrInvalidASN = errors.New("enrich: invalid asn")
	// ErrNotFound means the ASN has no entry in the dataset.
	ErrNotFound = errors.New("enrich: asn not found")
)

// InputError reports caller input that was rejected before any lookup.
type InputError struct {
	Input string
	Kind  error
	Err   error
}

func (e *InputError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %q", e.Kind, e.Input)
	}
	return fmt.Sprintf("%v: %q: %v", e.Kind, e.Input, e.Err)
}

func (e *InputError) Is(target error) bool { return target == e.Kind }

func (e *InputError) Unwrap() error { return e.Err }
