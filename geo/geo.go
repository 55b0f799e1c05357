// Package geo adds MaxMind GeoLite2 location data to enrichment results.
package geo

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Location is the subset of a GeoLite2 record surfaced by ipenrich.
type Location struct {
	CountryCode   string
	Country       string
	City          string
	ContinentCode string
	TimeZone      string
	Latitude      float64
	Longitude     float64
}

// Reader wraps a GeoLite2 City or Country database. A nil *Reader is valid
// and returns no locations.
type Reader struct {
	db     *geoip2.Reader
	dbType string
	city   bool
}

// Open loads the mmdb file at path.
func Open(path string) (*Reader, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("geo: database path is empty")
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: open %s: %w", path, err)
	}
	dbType := db.Metadata().DatabaseType
	city := strings.Contains(dbType, "City")
	if !city && !strings.Contains(dbType, "Country") {
		db.Close()
		return nil, fmt.Errorf("geo: %s is a %q database, need City or Country", path, dbType)
	}
	return &Reader{db: db, dbType: dbType, city: city}, nil
}

// DatabaseType reports the mmdb database type, e.g. "GeoLite2-City".
func (r *Reader) DatabaseType() string {
	if r == nil {
		return ""
	}
	return r.dbType
}

// Lookup returns the location for addr, or nil when the database has no
// entry for it.
func (r *Reader) Lookup(addr netip.Addr) (*Location, error) {
	if r == nil || r.db == nil || !addr.IsValid() {
		return nil, nil
	}
	ip := net.IP(addr.Unmap().AsSlice())
	if r.city {
		rec, err := r.db.City(ip)
		if err != nil {
			return nil, fmt.Errorf("geo: lookup %s: %w", addr, err)
		}
		loc := &Location{
			CountryCode:   rec.Country.IsoCode,
			Country:       rec.Country.Names["en"],
			City:          rec.City.Names["en"],
			ContinentCode: rec.Continent.Code,
			TimeZone:      rec.Location.TimeZone,
			Latitude:      rec.Location.Latitude,
			Longitude:     rec.Location.Longitude,
		}
		if loc.empty() {
			return nil, nil
		}
		return loc, nil
	}
	rec, err := r.db.Country(ip)
	if err != nil {
		return nil, fmt.Errorf("geo: lookup %s: %w", addr, err)
	}
	loc := &Location{
		CountryCode:   rec.Country.IsoCode,
		Country:       rec.Country.Names["en"],
		ContinentCode: rec.Continent.Code,
	}
	if loc.empty() {
		return nil, nil
	}
	return loc, nil
}

// Close releases the database.
func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (l *Location) empty() bool {
	return l.CountryCode == "" && l.City == "" && l.ContinentCode == ""
}
