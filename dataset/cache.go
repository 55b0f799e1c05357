package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

const (
	cacheMagic     = "# ipenrich-cache v1"
	cacheFetchedAt = "# fetched_at "
	cacheRecords   = "# records "
	cacheChecksum  = "# checksum "
)

// CacheHeader is the metadata block at the top of a cache file.
type CacheHeader struct {
	FetchedAt time.Time
	Records   int
	Checksum  uint64
}

// Checksum hashes records in the order given using their cache row form.
func Checksum(records []AddressRange) uint64 {
	h := xxh3.New()
	for _, r := range records {
		_, _ = h.WriteString(formatRow(r))
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}

// WriteCache persists a snapshot to path. The file is written to a temp file
// in the same directory, synced and renamed into place, so readers see either
// the old cache or the complete new one.
func WriteCache(path string, snap *Snapshot) error {
	if snap == nil {
		return errors.New("dataset: nil snapshot")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dataset: create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("dataset: create temp cache: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriterSize(tmp, 256*1024)
	records := snap.Records()
	fmt.Fprintln(w, cacheMagic)
	fmt.Fprintf(w, "%s%s\n", cacheFetchedAt, snap.FetchedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(w, "%s%d\n", cacheRecords, len(records))
	fmt.Fprintf(w, "%s%016x\n", cacheChecksum, snap.Checksum)
	for _, r := range records {
		w.WriteString(formatRow(r))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("dataset: write temp cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("dataset: sync temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("dataset: close temp cache: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("dataset: replace cache: %w", err)
	}
	return nil
}

// ReadCache loads a cache file and rebuilds the snapshot it describes.
// A missing file yields ErrMissing. Any other failure is a *CacheError; a
// bad header, row or checksum also matches ErrMalformed.
func ReadCache(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return nil, &CacheError{Path: path, Err: fmt.Errorf("dataset: open cache: %w", err)}
	}
	defer f.Close()
	snap, err := readCache(f, path)
	if err != nil {
		return nil, &CacheError{Path: path, Err: err}
	}
	return snap, nil
}

func readCache(f *os.File, path string) (*Snapshot, error) {

	br := bufio.NewReaderSize(f, 256*1024)
	hdr, lines, err := readHeader(br, path)
	if err != nil {
		return nil, err
	}
	records, err := scanRows(br, path, false)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Line += lines
		}
		return nil, err
	}
	if len(records) != hdr.Records {
		return nil, &ParseError{Source: path, Err: fmt.Errorf("header declares %d records, found %d", hdr.Records, len(records))}
	}
	snap, err := NewSnapshot(records, hdr.FetchedAt, path)
	if err != nil {
		return nil, err
	}
	if snap.Checksum != hdr.Checksum {
		return nil, &ParseError{Source: path, Err: fmt.Errorf("checksum mismatch: header %016x, content %016x", hdr.Checksum, snap.Checksum)}
	}
	return snap, nil
}

// ReadCacheHeader reads only the header block, which is enough to answer
// staleness questions without parsing every row.
func ReadCacheHeader(path string) (CacheHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CacheHeader{}, fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return CacheHeader{}, fmt.Errorf("dataset: open cache: %w", err)
	}
	defer f.Close()
	hdr, _, err := readHeader(bufio.NewReader(f), path)
	return hdr, err
}

func readHeader(br *bufio.Reader, source string) (CacheHeader, int, error) {
	var hdr CacheHeader
	expect := []string{cacheMagic, cacheFetchedAt, cacheRecords, cacheChecksum}
	for i, prefix := range expect {
		line, err := br.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return hdr, i, &ParseError{Source: source, Line: i + 1, Err: fmt.Errorf("truncated header: %w", err)}
		}
		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, prefix) {
			return hdr, i, &ParseError{Source: source, Line: i + 1, Err: fmt.Errorf("expected %q", strings.TrimSpace(prefix))}
		}
		value := strings.TrimSpace(line[len(prefix):])
		switch prefix {
		case cacheMagic:
			if value != "" {
				return hdr, i, &ParseError{Source: source, Line: i + 1, Err: errors.New("unsupported cache version")}
			}
		case cacheFetchedAt:
			ts, perr := time.Parse(time.RFC3339Nano, value)
			if perr != nil {
				return hdr, i, &ParseError{Source: source, Line: i + 1, Err: perr}
			}
			hdr.FetchedAt = ts.UTC()
		case cacheRecords:
			n, perr := strconv.Atoi(value)
			if perr != nil || n < 0 {
				return hdr, i, &ParseError{Source: source, Line: i + 1, Err: fmt.Errorf("bad record count %q", value)}
			}
			hdr.Records = n
		case cacheChecksum:
			sum, perr := strconv.ParseUint(value, 16, 64)
			if perr != nil {
				return hdr, i, &ParseError{Source: source, Line: i + 1, Err: perr}
			}
			hdr.Checksum = sum
		}
	}
	return hdr, len(expect), nil
}
