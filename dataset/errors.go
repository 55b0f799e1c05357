package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrMissing means no cached dataset exists and fetching was not allowed.
	ErrMissing = errors.New("dataset: no cached dataset")
	// ErrFetchFailed covers network, HTTP status and timeout failures while
	// downloading the feed.
	ErrFetchFailed = errors.New("dataset: fetch failed")
	// ErrOverlap means two ranges of the same family share addresses.
	ErrOverlap = errors.New("dataset: overlapping ranges")
	// ErrEmpty means the feed or cache held no ranges.
	ErrEmpty = errors.New("dataset: no ranges")
	// ErrMalformed covers unparsable records and corrupt cache files.
	ErrMalformed = errors.New("dataset: malformed record")
	// ErrInconsistent means too many ASNs carry conflicting owner/country
	// metadata for the feed to be trusted.
	ErrInconsistent = errors.New("dataset: inconsistent asn metadata")
)

// OverlapError names the two ranges that collided during a build.
type OverlapError struct {
	First  AddressRange
	Second AddressRange
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("dataset: range %s-%s (%s) overlaps %s-%s (%s)",
		e.Second.Start, e.Second.End, e.Second.ASN,
		e.First.Start, e.First.End, e.First.ASN)
}

func (e *OverlapError) Is(target error) bool { return target == ErrOverlap }

// FetchError wraps the underlying cause of a failed download.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("dataset: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }

func (e *FetchError) Unwrap() error { return e.Err }

// CacheError marks a failure reading the local cache, as opposed to the
// downloaded feed.
type CacheError struct {
	Path string
	Err  error
}

func (e *CacheError) Error() string { return e.Err.Error() }

func (e *CacheError) Unwrap() error { return e.Err }

// ParseError locates a malformed line in a feed or cache file.
type ParseError struct {
	Source string
	Line   int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("dataset: line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("dataset: %s:%d: %v", e.Source, e.Line, e.Err)
}

func (e *ParseError) Is(target error) bool { return target == ErrMalformed }

func (e *ParseError) Unwrap() error { return e.Err }
