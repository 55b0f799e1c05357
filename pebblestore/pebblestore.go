// Package pebblestore exports a dataset snapshot to an on-disk Pebble range
// index so lookups can run without holding the dataset in memory.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"

	"ipenrich/dataset"
)

const (
	storeVersion = 1

	prefixV4  = byte('4')
	prefixV6  = byte('6')
	prefixASN = byte('a')

	currentFile = "CURRENT_DB"

	metaVersion   = "meta|version"
	metaFetchedAt = "meta|fetched_at"
	metaChecksum  = "meta|checksum"
	metaSource    = "meta|source"
	metaRowsV4    = "meta|rows_v4"
	metaRowsV6    = "meta|rows_v6"

	batchLimit = 20000
)

var (
	v4Lower = []byte{prefixV4}
	v4Upper = []byte{prefixV4 + 1}
	v6Lower = []byte{prefixV6}
	v6Upper = []byte{prefixV6 + 1}
)

// Store answers range lookups from a Pebble database built by Build.
// Invariants: range keys are sorted by start within each family and ranges
// never overlap.
type Store struct {
	db        *pebble.DB
	cache     *pebble.Cache
	path      string
	fetchedAt time.Time
	checksum  uint64
	source    string
}

// Open opens an existing database read-only. cacheBytes sizes the block
// cache; zero uses Pebble's default.
func Open(path string, cacheBytes int64) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("pebblestore: path is empty")
	}
	opts := &pebble.Options{ReadOnly: true}
	if cacheBytes > 0 {
		opts.Cache = pebble.NewCache(cacheBytes)
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(10),
		FilterType:   pebble.TableFilter,
	}
	opts.Levels = make([]pebble.LevelOptions, 7)
	for i := range opts.Levels {
		opts.Levels[i] = level
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		if opts.Cache != nil {
			opts.Cache.Unref()
		}
		return nil, fmt.Errorf("pebblestore: open: %w", err)
	}
	store := &Store{db: db, cache: opts.Cache, path: path}
	version, err := readMetaInt(db, metaVersion)
	if err != nil || version != storeVersion {
		store.Close()
		if err != nil {
			return nil, fmt.Errorf("pebblestore: read version: %w", err)
		}
		return nil, fmt.Errorf("pebblestore: version %d unsupported (expected %d)", version, storeVersion)
	}
	if raw, err := readMeta(db, metaFetchedAt); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			store.fetchedAt = ts.UTC()
		}
	}
	if raw, err := readMeta(db, metaChecksum); err == nil {
		store.checksum, _ = strconv.ParseUint(raw, 16, 64)
	}
	if raw, err := readMeta(db, metaSource); err == nil {
		store.source = raw
	}
	return store, nil
}

// Close releases Pebble resources.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Path returns the database directory.
func (s *Store) Path() string { return s.path }

// FetchedAt returns the fetch time of the snapshot the store was built from.
func (s *Store) FetchedAt() time.Time { return s.fetchedAt }

// Lookup returns the range covering addr.
func (s *Store) Lookup(addr netip.Addr) (dataset.AddressRange, bool) {
	if s == nil || s.db == nil || !addr.IsValid() {
		return dataset.AddressRange{}, false
	}
	addr = addr.WithZone("").Unmap()
	lower, upper := v4Lower, v4Upper
	if addr.Is6() {
		lower, upper = v6Lower, v6Upper
	}
	key := rangeKey(addr)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return dataset.AddressRange{}, false
	}
	defer iter.Close()

	if !iter.SeekGE(key) {
		iter.Last()
	} else if bytes.Compare(iter.Key(), key) > 0 {
		iter.Prev()
	}
	if !iter.Valid() {
		return dataset.AddressRange{}, false
	}
	r, ok := decodeRange(iter.Key(), iter.Value())
	if !ok || r.End.Less(addr) {
		return dataset.AddressRange{}, false
	}
	return r, true
}

// LookupASN returns every range announced by asn in canonical order. An
// unknown ASN yields an empty slice.
func (s *Store) LookupASN(asn dataset.ASNumber) ([]dataset.AddressRange, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("pebblestore: store not open")
	}
	lower := make([]byte, 5)
	lower[0] = prefixASN
	binary.BigEndian.PutUint32(lower[1:], uint32(asn))
	upper := make([]byte, 5)
	upper[0] = prefixASN
	binary.BigEndian.PutUint32(upper[1:], uint32(asn)+1)
	if uint32(asn) == ^uint32(0) {
		upper = []byte{prefixASN + 1}
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []dataset.AddressRange
	for iter.First(); iter.Valid(); iter.Next() {
		// a|asn|family|start -> the range key is family|start.
		key := append([]byte(nil), iter.Key()[5:]...)
		value, closer, err := s.db.Get(key)
		if err != nil {
			return nil, fmt.Errorf("pebblestore: range for %s: %w", asn, err)
		}
		r, ok := decodeRange(key, value)
		closer.Close()
		if !ok {
			return nil, fmt.Errorf("pebblestore: corrupt range record for %s", asn)
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

// Snapshot rebuilds an in-memory snapshot from the store and verifies it
// against the checksum recorded at build time.
func (s *Store) Snapshot() (*dataset.Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("pebblestore: store not open")
	}
	var records []dataset.AddressRange
	for _, bounds := range [][2][]byte{{v4Lower, v4Upper}, {v6Lower, v6Upper}} {
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: bounds[0], UpperBound: bounds[1]})
		if err != nil {
			return nil, err
		}
		for iter.First(); iter.Valid(); iter.Next() {
			r, ok := decodeRange(iter.Key(), iter.Value())
			if !ok {
				iter.Close()
				return nil, fmt.Errorf("pebblestore: corrupt range key %x", iter.Key())
			}
			records = append(records, r)
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
	}
	snap, err := dataset.NewSnapshot(records, s.fetchedAt, s.source)
	if err != nil {
		return nil, err
	}
	if snap.Checksum != s.checksum {
		return nil, fmt.Errorf("%w: pebble checksum %016x, content %016x", dataset.ErrMalformed, s.checksum, snap.Checksum)
	}
	return snap, nil
}

// Build writes snap into a new database directory under rootDir and returns
// its path. The directory is removed again on any failure.
func Build(ctx context.Context, snap *dataset.Snapshot, rootDir string, compact bool) (string, error) {
	if snap == nil {
		return "", errors.New("pebblestore: nil snapshot")
	}
	if strings.TrimSpace(rootDir) == "" {
		return "", errors.New("pebblestore: root path is empty")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return "", fmt.Errorf("pebblestore: root mkdir: %w", err)
	}
	dbPath, err := os.MkdirTemp(rootDir, "db-"+time.Now().UTC().Format("20060102-150405")+"-")
	if err != nil {
		return "", fmt.Errorf("pebblestore: mkdir: %w", err)
	}
	opts := &pebble.Options{
		DisableWAL:            true,
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 16,
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		_ = os.RemoveAll(dbPath)
		return "", fmt.Errorf("pebblestore: open: %w", err)
	}
	cleanup := func(err error) (string, error) {
		if db != nil {
			_ = db.Close()
		}
		_ = os.RemoveAll(dbPath)
		return "", err
	}

	batch := db.NewBatch()
	defer batch.Close()
	rowsV4, rowsV6 := 0, 0
	var prev dataset.AddressRange
	for i, r := range snap.Records() {
		if err := ctx.Err(); err != nil {
			return cleanup(err)
		}
		if i > 0 && prev.Is4() == r.Is4() && !prev.End.Less(r.Start) {
			return cleanup(&dataset.OverlapError{First: prev, Second: r})
		}
		prev = r
		key := rangeKey(r.Start)
		if err := batch.Set(key, encodeValue(r), pebble.NoSync); err != nil {
			return cleanup(err)
		}
		if err := batch.Set(asnKey(r.ASN, key), nil, pebble.NoSync); err != nil {
			return cleanup(err)
		}
		if r.Is4() {
			rowsV4++
		} else {
			rowsV6++
		}
		if (i+1)%batchLimit == 0 {
			if err := batch.Commit(pebble.NoSync); err != nil {
				return cleanup(err)
			}
			batch.Reset()
		}
	}
	meta := map[string]string{
		metaVersion:   strconv.Itoa(storeVersion),
		metaFetchedAt: snap.FetchedAt.UTC().Format(time.RFC3339Nano),
		metaChecksum:  fmt.Sprintf("%016x", snap.Checksum),
		metaSource:    snap.Source,
		metaRowsV4:    strconv.Itoa(rowsV4),
		metaRowsV6:    strconv.Itoa(rowsV6),
	}
	for k, v := range meta {
		if err := batch.Set([]byte(k), []byte(v), pebble.NoSync); err != nil {
			return cleanup(err)
		}
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return cleanup(err)
	}
	if err := db.Flush(); err != nil {
		return cleanup(err)
	}
	if compact {
		start := time.Now()
		if err := db.Compact([]byte{0x00}, []byte{0xFF}, false); err != nil {
			return cleanup(fmt.Errorf("pebblestore: compact: %w", err))
		}
		log.Info("pebble compaction completed", "took", time.Since(start))
	}
	if err := db.Close(); err != nil {
		db = nil
		return cleanup(err)
	}
	db = nil
	return dbPath, nil
}

// Resolve returns the database directory CURRENT_DB points at.
func Resolve(rootDir string) (string, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return "", errors.New("pebblestore: root path is empty")
	}
	data, err := os.ReadFile(filepath.Join(rootDir, currentFile))
	if err != nil {
		return "", fmt.Errorf("pebblestore: read %s: %w", currentFile, err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return "", fmt.Errorf("pebblestore: %s is empty", currentFile)
	}
	return filepath.Join(rootDir, trimmed), nil
}

// UpdateCurrent points CURRENT_DB at dbPath via temp file and rename.
func UpdateCurrent(rootDir, dbPath string) error {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return errors.New("pebblestore: root path is empty")
	}
	if dbPath == "" {
		return errors.New("pebblestore: db path is empty")
	}
	rel, err := filepath.Rel(rootDir, dbPath)
	if err != nil {
		return err
	}
	tmp := filepath.Join(rootDir, currentFile+".tmp")
	if err := os.WriteFile(tmp, []byte(rel), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(rootDir, currentFile))
}

// Cleanup removes every database directory under rootDir except keepPath.
func Cleanup(rootDir, keepPath string) error {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil
	}
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "db-") {
			continue
		}
		full := filepath.Join(rootDir, entry.Name())
		if keepPath != "" && samePath(full, keepPath) {
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			log.Warn("unable to remove old pebble db", "path", full, "error", err)
		}
	}
	return nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}

func rangeKey(addr netip.Addr) []byte {
	if addr.Is4() {
		b := addr.As4()
		return append([]byte{prefixV4}, b[:]...)
	}
	b := addr.As16()
	return append([]byte{prefixV6}, b[:]...)
}

func asnKey(asn dataset.ASNumber, rangeKey []byte) []byte {
	out := make([]byte, 5, 5+len(rangeKey))
	out[0] = prefixASN
	binary.BigEndian.PutUint32(out[1:], uint32(asn))
	return append(out, rangeKey...)
}

// encodeValue stores end | uvarint asn | len-prefixed country | len-prefixed owner.
func encodeValue(r dataset.AddressRange) []byte {
	end := r.End.AsSlice()
	out := make([]byte, 0, len(end)+len(r.CountryCode)+len(r.Owner)+16)
	out = append(out, end...)
	out = binary.AppendUvarint(out, uint64(r.ASN))
	out = binary.AppendUvarint(out, uint64(len(r.CountryCode)))
	out = append(out, r.CountryCode...)
	out = binary.AppendUvarint(out, uint64(len(r.Owner)))
	out = append(out, r.Owner...)
	return out
}

func decodeRange(key, value []byte) (dataset.AddressRange, bool) {
	if len(key) < 1 {
		return dataset.AddressRange{}, false
	}
	width := 4
	if key[0] == prefixV6 {
		width = 16
	} else if key[0] != prefixV4 {
		return dataset.AddressRange{}, false
	}
	if len(key) != 1+width || len(value) < width {
		return dataset.AddressRange{}, false
	}
	start, ok1 := netip.AddrFromSlice(key[1:])
	end, ok2 := netip.AddrFromSlice(value[:width])
	if !ok1 || !ok2 {
		return dataset.AddressRange{}, false
	}
	rest := value[width:]
	asn, n := binary.Uvarint(rest)
	if n <= 0 || asn > uint64(^uint32(0)) {
		return dataset.AddressRange{}, false
	}
	rest = rest[n:]
	cc, rest, ok := readString(rest)
	if !ok {
		return dataset.AddressRange{}, false
	}
	owner, _, ok := readString(rest)
	if !ok {
		return dataset.AddressRange{}, false
	}
	return dataset.AddressRange{Start: start, End: end, ASN: dataset.ASNumber(asn), CountryCode: cc, Owner: owner}, true
}

func readString(data []byte) (string, []byte, bool) {
	size, n := binary.Uvarint(data)
	if n <= 0 || size > uint64(len(data)-n) {
		return "", nil, false
	}
	data = data[n:]
	return string(data[:size]), data[size:], true
}

func readMeta(db *pebble.DB, key string) (string, error) {
	data, closer, err := db.Get([]byte(key))
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(data), nil
}

func readMetaInt(db *pebble.DB, key string) (int, error) {
	raw, err := readMeta(db, key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(raw))
}
