package pebblestore

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"ipenrich/dataset"
)

var errClosed = errors.New("pebblestore: provider closed")

// Provider serves enrichment queries from the database CURRENT_DB points
// at. Point lookups read Pebble directly; a full snapshot is only built for
// callers that need one (owner search, status) and is cached until the next
// reload.
type Provider struct {
	root       string
	cacheBytes int64
	maxAge     time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	store *Store
	snap  *dataset.Snapshot
}

// NewProvider opens the current database under root.
func NewProvider(root string, cacheBytes int64, maxAge time.Duration) (*Provider, error) {
	p := &Provider{root: root, cacheBytes: cacheBytes, maxAge: maxAge, now: time.Now}
	store, err := p.openCurrent()
	if err != nil {
		return nil, err
	}
	p.store = store
	return p, nil
}

func (p *Provider) openCurrent() (*Store, error) {
	dbPath, err := Resolve(p.root)
	if err != nil {
		return nil, err
	}
	return Open(dbPath, p.cacheBytes)
}

// Path returns the database directory being served.
func (p *Provider) Path() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.store == nil {
		return ""
	}
	return p.store.Path()
}

// FetchedAt returns the fetch time recorded when the database was built.
func (p *Provider) FetchedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.store == nil {
		return time.Time{}
	}
	return p.store.FetchedAt()
}

// LookupRange returns the range covering addr without loading a snapshot.
func (p *Provider) LookupRange(addr netip.Addr) (dataset.AddressRange, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.store == nil {
		return dataset.AddressRange{}, false, errClosed
	}
	r, ok := p.store.Lookup(addr)
	return r, ok, nil
}

// RangesForASN returns every range announced by asn without loading a
// snapshot.
func (p *Provider) RangesForASN(asn dataset.ASNumber) ([]dataset.AddressRange, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.store == nil {
		return nil, errClosed
	}
	return p.store.LookupASN(asn)
}

// Current materializes the database into a snapshot on first use.
func (p *Provider) Current(ctx context.Context) (*dataset.Snapshot, error) {
	p.mu.RLock()
	snap, store := p.snap, p.store
	p.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}
	if store == nil {
		return nil, errClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap != nil {
		return p.snap, nil
	}
	if p.store == nil {
		return nil, errClosed
	}
	start := time.Now()
	snap, err := p.store.Snapshot()
	if err != nil {
		return nil, err
	}
	p.snap = snap
	log.Debug("pebble snapshot loaded", "path", p.store.Path(), "ranges", snap.Ranges.Len(), "took", time.Since(start))
	return snap, nil
}

// IsStale reports whether the database was built from data older than
// maxAge.
func (p *Provider) IsStale() bool {
	fetchedAt := p.FetchedAt()
	if fetchedAt.IsZero() {
		return true
	}
	return dataset.IsStale(fetchedAt, p.maxAge, p.now())
}

// Update re-reads CURRENT_DB and switches to the database it names when it
// changed since the last open. force also drops the cached snapshot of an
// unchanged database so it is rebuilt from disk.
func (p *Provider) Update(ctx context.Context, force bool) (*dataset.Snapshot, error) {
	dbPath, err := Resolve(p.root)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.store != nil && samePath(p.store.Path(), dbPath) {
		if force {
			p.snap = nil
		}
		p.mu.Unlock()
		return p.Current(ctx)
	}
	store, err := Open(dbPath, p.cacheBytes)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	old := p.store
	p.store, p.snap = store, nil
	p.mu.Unlock()

	if err := old.Close(); err != nil {
		log.Warn("unable to close previous pebble db", "path", old.Path(), "error", err)
	}
	log.Info("pebble database reloaded", "path", dbPath, "fetched_at", store.FetchedAt())
	return p.Current(ctx)
}

// Close releases the open database.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.store.Close()
	p.store, p.snap = nil, nil
	return err
}
