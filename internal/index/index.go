package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/gitadr/internal/models"
)

// Loader supplies the full corpus for a rebuild. *notestore.Store satisfies it.
type Loader interface {
	List(ctx context.Context) ([]*models.ADR, error)
}

// Entry is the metadata projection of an ADR used for listing and filtering.
type Entry struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Date          time.Time     `json:"date"`
	Status        models.Status `json:"status"`
	Tags          []string      `json:"tags"`
	Deciders      []string      `json:"deciders"`
	LinkedCommits []string      `json:"linked_commits"`
	Supersedes    string        `json:"supersedes,omitempty"`
	SupersededBy  string        `json:"superseded_by,omitempty"`
	Format        string        `json:"format,omitempty"`
}

func entryOf(a *models.ADR) Entry {
	return Entry{
		ID:            a.ID,
		Title:         a.Title,
		Date:          a.Date,
		Status:        a.Status,
		Tags:          append([]string{}, a.Tags...),
		Deciders:      append([]string{}, a.Deciders...),
		LinkedCommits: append([]string{}, a.LinkedCommits...),
		Supersedes:    a.Supersedes,
		SupersededBy:  a.SupersededBy,
		Format:        a.Format,
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for recency scoring.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache is a caller-owned, lazily built index. It is UNLOADED until the
// first read or an explicit Rebuild, and returns to UNLOADED on Invalidate.
// All methods are safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	loader Loader
	logger *slog.Logger
	now    func() time.Time
	snap   *snapshot
}

// New creates an unloaded cache over loader.
func New(loader Loader, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{loader: loader, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Loaded reports whether a snapshot is currently held.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap != nil
}

// Invalidate discards the snapshot; the next read rebuilds it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

// Rebuild loads a fresh snapshot now, replacing any held one.
func (c *Cache) Rebuild(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return c.loadLocked(ctx)
}

// Upsert patches a held snapshot with adr. An unloaded cache is left alone
// since the next read loads the current corpus anyway.
func (c *Cache) Upsert(ctx context.Context, adr *models.ADR) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap == nil {
		return
	}
	if err := c.snap.upsert(ctx, adr); err != nil {
		c.logger.Warn("index: patch failed, invalidating", slog.String("id", adr.ID), slog.String("error", err.Error()))
		c.dropLocked()
	}
}

// Delete removes id from a held snapshot.
func (c *Cache) Delete(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap == nil {
		return
	}
	if err := c.snap.delete(ctx, id); err != nil {
		c.logger.Warn("index: patch failed, invalidating", slog.String("id", id), slog.String("error", err.Error()))
		c.dropLocked()
	}
}

// Close releases the snapshot.
func (c *Cache) Close() error {
	c.Invalidate()
	return nil
}

func (c *Cache) dropLocked() {
	if c.snap == nil {
		return
	}
	if err := c.snap.close(); err != nil {
		c.logger.Warn("index: close snapshot", slog.String("error", err.Error()))
	}
	c.snap = nil
}

func (c *Cache) loadLocked(ctx context.Context) error {
	start := time.Now()
	adrs, err := c.loader.List(ctx)
	if err != nil {
		return fmt.Errorf("index: load: %w", err)
	}
	snap, err := openSnapshot(ctx, adrs)
	if err != nil {
		return err
	}
	c.snap = snap
	c.logger.Debug("index: loaded",
		slog.Int("adrs", len(adrs)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// acquire locks the cache with a loaded snapshot. The caller must call the
// returned release function.
func (c *Cache) acquire(ctx context.Context) (*snapshot, func(), error) {
	c.mu.Lock()
	if c.snap == nil {
		if err := c.loadLocked(ctx); err != nil {
			c.mu.Unlock()
			return nil, nil, err
		}
	}
	return c.snap, c.mu.Unlock, nil
}
