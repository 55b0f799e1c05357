package dataset

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ipenrich/config"
	"ipenrich/download"
)

// Manager owns the cached dataset, its freshness and the published snapshot.
// Queries read the snapshot through an atomic pointer and never wait on a
// refresh; Update is the only writer.
type Manager struct {
	cfg    config.DatasetConfig
	client *http.Client
	now    func() time.Time

	current atomic.Pointer[Snapshot]

	// refreshMu keeps at most one refresh running; group collapses callers
	// asking for the same kind of refresh onto the in-flight one.
	group     singleflight.Group
	refreshMu sync.Mutex
	loadMu    sync.Mutex
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient sets the client used to fetch the feed.
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) { m.client = client }
}

// WithClock replaces time.Now, mainly for staleness tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager validates cfg and returns a manager with no snapshot loaded.
func NewManager(cfg config.DatasetConfig, opts ...ManagerOption) (*Manager, error) {
	cfg.CachePath = strings.TrimSpace(cfg.CachePath)
	cfg.DownloadPath = strings.TrimSpace(cfg.DownloadPath)
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.CachePath == "" {
		return nil, errors.New("dataset: cache_path is empty")
	}
	if cfg.DownloadPath == "" {
		cfg.DownloadPath = cfg.CachePath + ".download"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = config.DefaultFetchTimeout
	}
	m := &Manager{cfg: cfg, client: &http.Client{}, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CachePath returns the cache file location.
func (m *Manager) CachePath() string { return m.cfg.CachePath }

// FetchedAt returns the fetch time of the published snapshot, or the zero
// time when nothing is loaded.
func (m *Manager) FetchedAt() time.Time {
	if snap := m.current.Load(); snap != nil {
		return snap.FetchedAt
	}
	return time.Time{}
}

// Current returns the published snapshot, loading the cache on first use.
func (m *Manager) Current(ctx context.Context) (*Snapshot, error) {
	if snap := m.current.Load(); snap != nil {
		return snap, nil
	}
	return m.Load(ctx)
}

// Purpose: Publish a snapshot built from the on-disk cache.
// Key aspects: Falls back to a forced Update only when the config allows a
// fetch on a missing cache; otherwise a missing cache is ErrMissing. Only
// fills an empty slot, so it never replaces a snapshot a refresh published.
// Upstream: Current, CLI startup.
// Downstream: ReadCache, Update.
func (m *Manager) Load(ctx context.Context) (*Snapshot, error) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	if snap := m.current.Load(); snap != nil {
		return snap, nil
	}
	snap, err := ReadCache(m.cfg.CachePath)
	if err == nil {
		// A refresh that finished while the cache was being read has
		// already published newer data; keep it.
		if !m.current.CompareAndSwap(nil, snap) {
			return m.current.Load(), nil
		}
		return snap, nil
	}
	if !errors.Is(err, ErrMissing) || !m.cfg.AllowFetchOnMissing {
		return nil, err
	}
	log.Info("no cached dataset, fetching", "url", m.cfg.URL)
	return m.Update(ctx, true)
}

// IsStale reports whether the recorded fetch time is older than max_age.
// It only consults the published snapshot or the cache header and never
// fetches. No snapshot and no cache counts as stale.
func (m *Manager) IsStale() bool {
	fetchedAt := m.FetchedAt()
	if fetchedAt.IsZero() {
		hdr, err := ReadCacheHeader(m.cfg.CachePath)
		if err != nil {
			return true
		}
		fetchedAt = hdr.FetchedAt
	}
	return IsStale(fetchedAt, m.cfg.MaxAge, m.now())
}

// Purpose: Refresh the dataset from the remote feed.
// Key aspects: Concurrent callers with the same force flag share one
// refresh; refreshes never overlap. The caller's ctx bounds only its own
// wait, so a canceled caller does not abort a refresh others depend on; it
// gets a FetchError wrapping the ctx error.
// Upstream: enrich.Engine.TriggerUpdate, Run, CLI --update-db.
// Downstream: refresh.
func (m *Manager) Update(ctx context.Context, force bool) (*Snapshot, error) {
	key := "update"
	if force {
		key = "update-force"
	}
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return m.refresh(context.WithoutCancel(ctx), force)
	})
	select {
	case <-ctx.Done():
		return nil, &FetchError{URL: m.cfg.URL, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// Purpose: Perform one refresh cycle.
// Key aspects: Skips the network when the cache is fresh and not forced;
// validates before writing; every failure leaves the old cache and the
// published snapshot in place.
// Upstream: Update.
// Downstream: download.Download, ParseFeed, NewSnapshot, WriteCache.
func (m *Manager) refresh(ctx context.Context, force bool) (*Snapshot, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if !force {
		if hdr, err := ReadCacheHeader(m.cfg.CachePath); err == nil && !IsStale(hdr.FetchedAt, m.cfg.MaxAge, m.now()) {
			if snap := m.current.Load(); snap != nil && snap.Checksum == hdr.Checksum && snap.FetchedAt.Equal(hdr.FetchedAt) {
				return snap, nil
			}
			snap, err := ReadCache(m.cfg.CachePath)
			if err == nil {
				m.publish(snap)
				return snap, nil
			}
			log.Warn("cached dataset unreadable, refetching", "path", m.cfg.CachePath, "error", err)
		}
	}

	if m.cfg.URL == "" {
		return nil, &FetchError{Err: errors.New("dataset url is empty")}
	}
	metaPath := download.MetadataPath(m.cfg.DownloadPath)
	res, err := download.Download(ctx, download.Request{
		URL:          m.cfg.URL,
		Destination:  m.cfg.DownloadPath,
		Timeout:      m.cfg.FetchTimeout,
		Force:        force,
		MetadataPath: metaPath,
		UserAgent:    m.cfg.UserAgent,
		Client:       m.client,
	})
	if err != nil {
		return nil, &FetchError{URL: m.cfg.URL, Err: err}
	}
	now := m.now().UTC()

	if res.Status != download.StatusUpdated && res.Meta.ProcessedOK {
		snap, err := m.confirmCache(now)
		if err == nil {
			log.Info("dataset unchanged upstream", "status", res.Status, "ranges", snap.Ranges.Len())
			return snap, nil
		}
		log.Warn("cached dataset unusable after unchanged fetch, rebuilding from download", "error", err)
	}

	snap, err := m.buildFromDownload(now)
	if err != nil {
		if merr := download.UpdateProcessedStatus(metaPath, false); merr != nil {
			log.Warn("unable to update download metadata", "path", metaPath, "error", merr)
		}
		return nil, err
	}
	if err := WriteCache(m.cfg.CachePath, snap); err != nil {
		return nil, err
	}
	if err := download.UpdateProcessedStatus(metaPath, true); err != nil {
		log.Warn("unable to update download metadata", "path", metaPath, "error", err)
	}
	m.publish(snap)
	v4, v6 := snap.Ranges.Families()
	log.Info("dataset updated", "v4_ranges", v4, "v6_ranges", v6, "asns", snap.Index.Len(), "conflicts", snap.Index.Conflicts())
	return snap, nil
}

// confirmCache re-stamps the existing cache with a new fetch time after the
// feed was confirmed unchanged.
func (m *Manager) confirmCache(now time.Time) (*Snapshot, error) {
	old, err := ReadCache(m.cfg.CachePath)
	if err != nil {
		return nil, err
	}
	snap := *old
	snap.FetchedAt = now
	if err := WriteCache(m.cfg.CachePath, &snap); err != nil {
		return nil, err
	}
	m.publish(&snap)
	return &snap, nil
}

func (m *Manager) buildFromDownload(now time.Time) (*Snapshot, error) {
	f, err := os.Open(m.cfg.DownloadPath)
	if err != nil {
		return nil, fmt.Errorf("dataset: open download: %w", err)
	}
	defer f.Close()
	records, err := ParseFeed(f, m.cfg.URL)
	if err != nil {
		return nil, err
	}
	snap, err := NewSnapshot(records, now, m.cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := checkConsistency(snap.Index, m.cfg.ConflictTolerance); err != nil {
		return nil, err
	}
	return snap, nil
}

// checkConsistency rejects an index where the share of ASNs with
// conflicting owner/country exceeds tolerance.
func checkConsistency(idx *ASNIndex, tolerance float64) error {
	if idx.Len() == 0 || idx.Conflicts() == 0 {
		return nil
	}
	ratio := float64(idx.Conflicts()) / float64(idx.Len())
	if ratio > tolerance {
		return fmt.Errorf("%w: %d of %d asns (%.2f%%) exceed tolerance %.2f%%",
			ErrInconsistent, idx.Conflicts(), idx.Len(), ratio*100, tolerance*100)
	}
	return nil
}

func (m *Manager) publish(snap *Snapshot) {
	m.current.Store(snap)
}

// Purpose: Run the daily refresh schedule until ctx is canceled.
// Key aspects: Non-forced updates, so a fresh cache costs no network.
// Upstream: whois serve command.
// Downstream: refreshSchedule, Update.
func (m *Manager) Run(ctx context.Context) {
	schedule := refreshSchedule(m.cfg.RefreshUTC)
	for {
		now := m.now()
		timer := time.NewTimer(schedule.next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := m.Update(ctx, false); err != nil {
			log.Warn("scheduled dataset refresh failed", "error", err)
		}
	}
}
