// Package sqlexport writes a dataset snapshot to a slim SQLite database
// (one row per ASN, one row per range) for ad-hoc SQL use.
package sqlexport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ipenrich/dataset"

	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE meta (
		key TEXT PRIMARY KEY,
		value TEXT
	);`,
	`CREATE TABLE asn (
		asn INTEGER PRIMARY KEY,
		owner TEXT,
		country_code TEXT,
		range_count INTEGER,
		ipv4_count TEXT,
		ipv6_count TEXT
	);`,
	`CREATE TABLE ranges (
		family INTEGER,
		start_ip TEXT,
		end_ip TEXT,
		asn INTEGER
	);`,
}

var indexes = []string{
	"CREATE INDEX idx_ranges_asn ON ranges (asn);",
	"CREATE INDEX idx_asn_owner ON asn (owner);",
}

// Write exports snap to path. The database is built in a temp file next to
// path and renamed into place once complete.
func Write(ctx context.Context, snap *dataset.Snapshot, path string) error {
	if snap == nil {
		return errors.New("sqlexport: nil snapshot")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("sqlexport: path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sqlexport: create directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "ipenrich-*.dbtmp")
	if err != nil {
		return fmt.Errorf("sqlexport: create temp db: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath+"?_pragma=journal_mode(OFF)&_pragma=synchronous(OFF)")
	if err != nil {
		return fmt.Errorf("sqlexport: open sqlite: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlexport: create schema: %w", err)
		}
	}
	if err := load(ctx, db, snap); err != nil {
		return err
	}
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlexport: create index: %w", err)
		}
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("sqlexport: close sqlite: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("sqlexport: replace db: %w", err)
	}
	return nil
}

func load(ctx context.Context, db *sql.DB, snap *dataset.Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlexport: begin tx: %w", err)
	}
	defer tx.Rollback()

	meta := [][2]string{
		{"fetched_at", snap.FetchedAt.UTC().Format(time.RFC3339Nano)},
		{"checksum", fmt.Sprintf("%016x", snap.Checksum)},
		{"source", snap.Source},
	}
	for _, kv := range meta {
		if _, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)", kv[0], kv[1]); err != nil {
			return fmt.Errorf("sqlexport: insert meta: %w", err)
		}
	}

	asnStmt, err := tx.PrepareContext(ctx, "INSERT INTO asn (asn, owner, country_code, range_count, ipv4_count, ipv6_count) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("sqlexport: prepare asn insert: %w", err)
	}
	defer asnStmt.Close()
	rangeStmt, err := tx.PrepareContext(ctx, "INSERT INTO ranges (family, start_ip, end_ip, asn) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("sqlexport: prepare range insert: %w", err)
	}
	defer rangeStmt.Close()

	for _, asn := range snap.Index.ASNs() {
		rec, _ := snap.Index.Lookup(asn)
		if _, err := asnStmt.ExecContext(ctx, int64(rec.ASN), rec.Owner, rec.CountryCode, len(rec.Ranges),
			rec.IPv4Count.String(), rec.IPv6Count.String()); err != nil {
			return fmt.Errorf("sqlexport: insert %s: %w", rec.ASN, err)
		}
	}
	for _, r := range snap.Records() {
		family := 6
		if r.Is4() {
			family = 4
		}
		if _, err := rangeStmt.ExecContext(ctx, family, r.Start.String(), r.End.String(), int64(r.ASN)); err != nil {
			return fmt.Errorf("sqlexport: insert range %s-%s: %w", r.Start, r.End, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlexport: commit: %w", err)
	}
	return nil
}

// ReadIndex rebuilds an ASN index from an export. Each range takes its ASN's
// exported owner and country, and ASNs without ranges are kept.
func ReadIndex(ctx context.Context, path string) (*dataset.ASNIndex, error) {
	db, err := openExisting(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "SELECT asn, owner, country_code FROM asn ORDER BY asn")
	if err != nil {
		return nil, fmt.Errorf("sqlexport: query asn: %w", err)
	}
	var registered []dataset.ASNRecord
	meta := make(map[dataset.ASNumber]dataset.ASNRecord)
	for rows.Next() {
		var asn int64
		var rec dataset.ASNRecord
		if err := rows.Scan(&asn, &rec.Owner, &rec.CountryCode); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlexport: scan asn: %w", err)
		}
		rec.ASN = dataset.ASNumber(asn)
		registered = append(registered, rec)
		meta[rec.ASN] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, "SELECT start_ip, end_ip, asn FROM ranges ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("sqlexport: query ranges: %w", err)
	}
	defer rows.Close()
	var ranges []dataset.AddressRange
	for rows.Next() {
		var start, end string
		var asn int64
		if err := rows.Scan(&start, &end, &asn); err != nil {
			return nil, fmt.Errorf("sqlexport: scan range: %w", err)
		}
		r, err := parseRange(start, end)
		if err != nil {
			return nil, err
		}
		r.ASN = dataset.ASNumber(asn)
		r.Owner = meta[r.ASN].Owner
		r.CountryCode = meta[r.ASN].CountryCode
		ranges = append(ranges, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dataset.BuildASNIndex(ranges, registered...), nil
}

// Check reads the export back and compares it with the snapshot it was
// written from: same ASNs, and for each the same owner, country and ranges.
func Check(ctx context.Context, path string, snap *dataset.Snapshot) error {
	if snap == nil {
		return errors.New("sqlexport: nil snapshot")
	}
	idx, err := ReadIndex(ctx, path)
	if err != nil {
		return err
	}
	if idx.Len() != snap.Index.Len() {
		return fmt.Errorf("sqlexport: export holds %d asns, snapshot %d", idx.Len(), snap.Index.Len())
	}
	for _, asn := range snap.Index.ASNs() {
		want, _ := snap.Index.Lookup(asn)
		got, ok := idx.Lookup(asn)
		switch {
		case !ok:
			return fmt.Errorf("sqlexport: %s missing from export", asn)
		case got.Owner != want.Owner || got.CountryCode != want.CountryCode:
			return fmt.Errorf("sqlexport: %s exported as %q/%s, snapshot has %q/%s", asn, got.Owner, got.CountryCode, want.Owner, want.CountryCode)
		case len(got.Ranges) != len(want.Ranges):
			return fmt.Errorf("sqlexport: %s has %d ranges in export, %d in snapshot", asn, len(got.Ranges), len(want.Ranges))
		}
		for i := range want.Ranges {
			if got.Ranges[i].Start != want.Ranges[i].Start || got.Ranges[i].End != want.Ranges[i].End {
				return fmt.Errorf("sqlexport: %s range %d is %s-%s in export, %s-%s in snapshot", asn, i,
					got.Ranges[i].Start, got.Ranges[i].End, want.Ranges[i].Start, want.Ranges[i].End)
			}
		}
	}
	return nil
}

// Verify runs SQLite's quick_check against an export.
func Verify(ctx context.Context, path string) error {
	db, err := openExisting(path)
	if err != nil {
		return err
	}
	defer db.Close()
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return fmt.Errorf("sqlexport: quick_check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("sqlexport: quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func openExisting(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("sqlexport: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlexport: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func parseRange(start, end string) (dataset.AddressRange, error) {
	s, err := netip.ParseAddr(start)
	if err != nil {
		return dataset.AddressRange{}, fmt.Errorf("sqlexport: start_ip %q: %w", start, err)
	}
	e, err := netip.ParseAddr(end)
	if err != nil {
		return dataset.AddressRange{}, fmt.Errorf("sqlexport: end_ip %q: %w", end, err)
	}
	return dataset.AddressRange{Start: s, End: e}, nil
}
