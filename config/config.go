package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDatasetURL        = "https://iptoasn.com/data/ip2asn-combined.tsv.gz"
	DefaultCachePath         = "data/ip2asn.cache.tsv"
	DefaultDownloadPath      = "data/ip2asn-combined.tsv.gz"
	DefaultMaxAge            = 7 * 24 * time.Hour
	DefaultFetchTimeout      = 2 * time.Minute
	DefaultRefreshUTC        = "03:00"
	DefaultConflictTolerance = 0.05
	DefaultUserAgent         = "ipenrich/1 (+offline ip2asn enrichment)"
	DefaultPebbleRoot        = "data/pebble"
	DefaultSQLitePath        = "data/ip2asn.sqlite"
	DefaultWhoisListen       = "127.0.0.1:4343"
	DefaultWhoisMaxConns     = 64
	DefaultLogLevel          = "info"
	DefaultLogRetentionDays  = 7
)

// Config represents the complete ipenrich configuration
type Config struct {
	Dataset DatasetConfig `yaml:"dataset"`
	GeoIP   GeoIPConfig   `yaml:"geoip"`
	Export  ExportConfig  `yaml:"export"`
	Whois   WhoisConfig   `yaml:"whois"`
	Logging LoggingConfig `yaml:"logging"`

	// LoadedFrom records the file or directory the config was read from.
	LoadedFrom string `yaml:"-"`
}

// DatasetConfig controls where the ip2asn feed comes from and how long a
// cached copy is trusted.
type DatasetConfig struct {
	URL                 string        `yaml:"url"`
	CachePath           string        `yaml:"cache_path"`
	DownloadPath        string        `yaml:"download_path"`
	MaxAge              time.Duration `yaml:"max_age"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	RefreshUTC          string        `yaml:"refresh_utc"`
	AllowFetchOnMissing bool          `yaml:"allow_fetch_on_missing"`
	ConflictTolerance   float64       `yaml:"conflict_tolerance"`
	UserAgent           string        `yaml:"user_agent"`
}

// GeoIPConfig points at an optional MaxMind GeoLite2 City/Country database.
type GeoIPConfig struct {
	CityDBPath string `yaml:"city_db_path"`
}

// ExportConfig holds destinations for derived on-disk indexes.
type ExportConfig struct {
	PebbleRoot string `yaml:"pebble_root"`
	SQLitePath string `yaml:"sqlite_path"`
}

// WhoisConfig contains query listener settings
type WhoisConfig struct {
	Listen         string `yaml:"listen"`
	MaxConnections int    `yaml:"max_connections"`
	Transport      string `yaml:"transport"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string `yaml:"level"`
	FileDir       string `yaml:"file_dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.normalize()
	return cfg
}

// Load loads configuration from a YAML file, or from every *.yaml/*.yml file
// in a directory merged in lexical order.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no yaml files found in %s", path)
		}
	}

	var cfg Config
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Decoding into the same struct merges later files over earlier ones.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(file), err)
		}
	}
	cfg.LoadedFrom = path
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (c *Config) normalize() {
	d := &c.Dataset
	d.URL = strings.TrimSpace(d.URL)
	if d.URL == "" {
		d.URL = DefaultDatasetURL
	}
	if strings.TrimSpace(d.CachePath) == "" {
		d.CachePath = DefaultCachePath
	}
	if strings.TrimSpace(d.DownloadPath) == "" {
		d.DownloadPath = DefaultDownloadPath
	}
	if d.MaxAge <= 0 {
		d.MaxAge = DefaultMaxAge
	}
	if d.FetchTimeout <= 0 {
		d.FetchTimeout = DefaultFetchTimeout
	}
	if strings.TrimSpace(d.RefreshUTC) == "" {
		d.RefreshUTC = DefaultRefreshUTC
	}
	if d.ConflictTolerance <= 0 {
		d.ConflictTolerance = DefaultConflictTolerance
	}
	if strings.TrimSpace(d.UserAgent) == "" {
		d.UserAgent = DefaultUserAgent
	}

	if strings.TrimSpace(c.Export.PebbleRoot) == "" {
		c.Export.PebbleRoot = DefaultPebbleRoot
	}
	if strings.TrimSpace(c.Export.SQLitePath) == "" {
		c.Export.SQLitePath = DefaultSQLitePath
	}

	if strings.TrimSpace(c.Whois.Listen) == "" {
		c.Whois.Listen = DefaultWhoisListen
	}
	if c.Whois.MaxConnections <= 0 {
		c.Whois.MaxConnections = DefaultWhoisMaxConns
	}
	c.Whois.Transport = strings.ToLower(strings.TrimSpace(c.Whois.Transport))
	if c.Whois.Transport == "" {
		c.Whois.Transport = "native"
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = DefaultLogRetentionDays
	}
}

func (c *Config) validate() error {
	if c.Dataset.ConflictTolerance > 1 {
		return fmt.Errorf("dataset.conflict_tolerance must be within (0,1], got %v", c.Dataset.ConflictTolerance)
	}
	if _, err := ParseRefreshUTC(c.Dataset.RefreshUTC); err != nil {
		return fmt.Errorf("dataset.refresh_utc: %w", err)
	}
	switch c.Whois.Transport {
	case "native", "telnet":
	default:
		return fmt.Errorf("whois.transport %q: expected native or telnet", c.Whois.Transport)
	}
	return nil
}

// ParseRefreshUTC parses a daily refresh time of "HH:MM", optionally with a
// trailing "Z" or a leading "daily@", into an offset from UTC midnight.
func ParseRefreshUTC(raw string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "DAILY@")
	s = strings.TrimSuffix(s, "Z")
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("refresh time %q: expected HH:MM or daily@HH:MMZ", raw)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Print writes a short summary of the effective configuration to w.
func (c *Config) Print(w io.Writer) {
	if c.LoadedFrom != "" {
		fmt.Fprintf(w, "Config: %s\n", c.LoadedFrom)
	}
	fmt.Fprintf(w, "Dataset: %s\n", c.Dataset.URL)
	fmt.Fprintf(w, "Cache: %s (max age %s, fetch timeout %s, refresh %s UTC)\n",
		c.Dataset.CachePath, c.Dataset.MaxAge, c.Dataset.FetchTimeout, c.Dataset.RefreshUTC)
	if c.GeoIP.CityDBPath != "" {
		fmt.Fprintf(w, "GeoIP: %s\n", c.GeoIP.CityDBPath)
	}
	fmt.Fprintf(w, "Export: pebble %s, sqlite %s\n", c.Export.PebbleRoot, c.Export.SQLitePath)
	fmt.Fprintf(w, "Whois: %s (%s, max %d connections)\n", c.Whois.Listen, c.Whois.Transport, c.Whois.MaxConnections)
	if c.Logging.FileDir != "" {
		fmt.Fprintf(w, "Logging: %s to %s (%d days)\n", c.Logging.Level, c.Logging.FileDir, c.Logging.RetentionDays)
	}
}
