// Package adrservice coordinates the notes store, the index and sync. Every
// mutation goes through here so the index never serves stale data.
package adrservice

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/starford/gitadr/internal/apperr"
	"github.com/starford/gitadr/internal/checksum"
	"github.com/starford/gitadr/internal/index"
	"github.com/starford/gitadr/internal/models"
	"github.com/starford/gitadr/internal/notestore"
	"github.com/starford/gitadr/internal/notesync"
	"github.com/starford/gitadr/internal/parser"
)

// EventKind names a mutation reported to the Observer.
type EventKind string

const (
	EventCreated          EventKind = "adr.created"
	EventUpdated          EventKind = "adr.updated"
	EventDeleted          EventKind = "adr.deleted"
	EventArtifactAttached EventKind = "artifact.attached"
	EventArtifactDetached EventKind = "artifact.detached"
	EventSynced           EventKind = "notes.synced"
)

// Observer is notified after each successful mutation.
type Observer func(kind EventKind, id string)

var commitRe = regexp.MustCompile(`^[0-9a-f]{7,64}$`)

// Detail is an ADR with the checksum of its stored note, used for
// optimistic concurrency on update.
type Detail struct {
	*models.ADR
	Checksum string   `json:"checksum"`
	Problems []string `json:"problems,omitempty"`
}

// Problem is one soft-invariant violation found across the corpus.
type Problem struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Service is the single entry point for reading and mutating ADRs.
type Service struct {
	store    *notestore.Store
	cache    *index.Cache
	sync     *notesync.Coordinator
	logger   *slog.Logger
	now      func() time.Time
	observer Observer
}

// Option configures a Service.
type Option func(*Service)

// WithObserver registers fn to receive mutation events.
func WithObserver(fn Observer) Option {
	return func(s *Service) { s.observer = fn }
}

// WithClock overrides the time source used for default ADR dates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Service. sync may be nil when the caller never syncs.
func New(store *notestore.Store, cache *index.Cache, sync *notesync.Coordinator, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, cache: cache, sync: sync, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetObserver replaces the observer. It must be called before the service is shared.
func (s *Service) SetObserver(fn Observer) { s.observer = fn }

// Create stores a new ADR. An empty id is generated from the date and title;
// an explicit id that is already taken fails with ErrAlreadyExists.
func (s *Service) Create(ctx context.Context, adr *models.ADR) (*Detail, error) {
	if adr == nil {
		return nil, apperr.Invalid("adr", "", "is nil")
	}
	a := parser.Canonical(adr)
	if a.Date.IsZero() {
		now := s.now().UTC()
		a.Date = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	if a.Status == "" {
		a.Status = models.StatusDraft
	}
	if strings.TrimSpace(a.Title) == "" {
		return nil, apperr.Invalid("title", "", "cannot be blank")
	}

	if a.ID == "" {
		id, err := models.NewID(a.Date, a.Title, func(id string) (bool, error) {
			return s.store.Exists(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		a.ID = id
	} else {
		exists, err := s.store.Exists(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("adrservice: create %s: %w", a.ID, apperr.ErrAlreadyExists)
		}
	}

	if err := s.store.Add(ctx, a); err != nil {
		return nil, err
	}
	d, err := s.commit(ctx, a)
	s.notify(EventCreated, a.ID)
	s.logger.Info("adr created", slog.String("id", a.ID))
	return d, err
}

// Update overwrites an existing ADR. When ifMatch is non-empty it must equal
// the checksum of the currently stored note. A zero date or empty status keeps
// the stored value.
func (s *Service) Update(ctx context.Context, adr *models.ADR, ifMatch string) (*Detail, error) {
	if adr == nil {
		return nil, apperr.Invalid("adr", "", "is nil")
	}
	current, err := s.Get(ctx, adr.ID)
	if err != nil {
		return nil, err
	}
	if ifMatch != "" && ifMatch != current.Checksum {
		return nil, fmt.Errorf("adrservice: update %s: %w", adr.ID, apperr.ErrConflict)
	}
	a := parser.Canonical(adr)
	if a.Date.IsZero() {
		a.Date = current.Date
	}
	if a.Status == "" {
		a.Status = current.Status
	}
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	d, err := s.commit(ctx, a)
	s.notify(EventUpdated, a.ID)
	return d, err
}

// Get returns the ADR with id or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	a, found, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("adrservice: %s: %w", id, apperr.ErrNotFound)
	}
	return detail(a)
}

// Remove deletes the ADR. It reports false when nothing was stored under id.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := s.store.Remove(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		s.cache.Delete(ctx, id)
		s.notify(EventDeleted, id)
		s.logger.Info("adr removed", slog.String("id", id))
	}
	return removed, nil
}

// Supersede marks oldID as superseded by newID and links both records. The
// older record is written first; if the newer one cannot be written the older
// one is restored.
func (s *Service) Supersede(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return apperr.Invalid("superseded_by", newID, "an ADR cannot supersede itself")
	}
	older, err := s.Get(ctx, oldID)
	if err != nil {
		return err
	}
	newer, err := s.Get(ctx, newID)
	if err != nil {
		return err
	}

	original := older.Clone()
	older.Status = models.StatusSuperseded
	older.SupersededBy = newID
	newer.Supersedes = oldID

	if err := s.store.Update(ctx, older.ADR); err != nil {
		return err
	}
	if err := s.store.Update(ctx, newer.ADR); err != nil {
		if rerr := s.store.Update(ctx, original); rerr != nil {
			s.logger.Error("supersede left a one-sided link",
				slog.String("superseded", oldID),
				slog.String("by", newID),
				slog.String("error", rerr.Error()))
			s.refresh(ctx, oldID)
			s.notify(EventUpdated, oldID)
		}
		return err
	}
	for _, id := range []string{oldID, newID} {
		s.refresh(ctx, id)
		s.notify(EventUpdated, id)
	}
	return nil
}

// LinkCommit records sha as implementing the ADR. Linking twice is a no-op.
func (s *Service) LinkCommit(ctx context.Context, id, sha string) (*Detail, error) {
	sha = strings.ToLower(strings.TrimSpace(sha))
	if !commitRe.MatchString(sha) {
		return nil, apperr.Invalid("commit", sha, "must be an abbreviated or full hex object name")
	}
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.HasCommit(sha) {
		return d, nil
	}
	d.LinkedCommits = append(d.LinkedCommits, sha)
	if err := s.store.Update(ctx, d.ADR); err != nil {
		return nil, err
	}
	d, err = s.commit(ctx, d.ADR)
	s.notify(EventUpdated, id)
	return d, err
}

// AttachArtifact stores data and references it from the ADR id.
func (s *Service) AttachArtifact(ctx context.Context, id string, data []byte, name, alt string) (models.ArtifactInfo, error) {
	info, err := s.store.AttachArtifact(ctx, id, data, name, alt)
	if err != nil {
		return info, err
	}
	s.refresh(ctx, id)
	s.notify(EventArtifactAttached, id)
	return info, nil
}

// ListArtifacts returns the artifacts referenced by the ADR id.
func (s *Service) ListArtifacts(ctx context.Context, id string) ([]models.ArtifactInfo, error) {
	return s.store.ListArtifacts(ctx, id)
}

// GetArtifact returns an artifact's metadata and bytes, or ErrNotFound.
func (s *Service) GetArtifact(ctx context.Context, sha string) (models.ArtifactInfo, []byte, error) {
	info, data, found, err := s.store.GetArtifact(ctx, sha)
	if err != nil {
		return info, nil, err
	}
	if !found {
		return info, nil, fmt.Errorf("adrservice: artifact %s: %w", sha, apperr.ErrNotFound)
	}
	return info, data, nil
}

// DetachArtifact drops the references to sha from the ADR id.
func (s *Service) DetachArtifact(ctx context.Context, id, sha string) (bool, error) {
	removed, err := s.store.RemoveArtifact(ctx, id, sha)
	if err != nil || !removed {
		return removed, err
	}
	s.refresh(ctx, id)
	s.notify(EventArtifactDetached, id)
	return true, nil
}

// Query lists index entries.
func (s *Service) Query(ctx context.Context, opts index.QueryOptions) (index.QueryResult, error) {
	return s.cache.Query(ctx, opts)
}

// Search ranks ADRs against a text query.
func (s *Service) Search(ctx context.Context, opts index.SearchOptions) ([]index.SearchMatch, error) {
	return s.cache.Search(ctx, opts)
}

// Stats summarizes the corpus.
func (s *Service) Stats(ctx context.Context) (index.Stats, error) {
	return s.cache.Stats(ctx)
}

// Rebuild reloads the index from the store.
func (s *Service) Rebuild(ctx context.Context) error {
	return s.cache.Rebuild(ctx)
}

// Problems reports soft-invariant violations and broken supersede links.
func (s *Service) Problems(ctx context.Context) ([]Problem, error) {
	all, err := s.cache.All(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]*models.ADR, len(all))
	for _, a := range all {
		known[a.ID] = a
	}
	out := []Problem{}
	for _, a := range all {
		for _, msg := range a.Problems() {
			out = append(out, Problem{ID: a.ID, Message: msg})
		}
		if a.SupersededBy != "" && a.SupersededBy != a.ID {
			switch by, ok := known[a.SupersededBy]; {
			case !ok:
				out = append(out, Problem{ID: a.ID, Message: fmt.Sprintf("superseded_by %s does not exist", a.SupersededBy)})
			case by.Supersedes != a.ID:
				out = append(out, Problem{ID: a.ID, Message: fmt.Sprintf("superseded_by %s, which does not list it in supersedes", a.SupersededBy)})
			}
		}
		if _, ok := known[a.Supersedes]; a.Supersedes != "" && !ok {
			out = append(out, Problem{ID: a.ID, Message: fmt.Sprintf("supersedes %s does not exist", a.Supersedes)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Pull fetches and merges remote notes, then drops the index.
func (s *Service) Pull(ctx context.Context, opts notesync.PullOptions) (notesync.Result, error) {
	if s.sync == nil {
		return notesync.Result{}, fmt.Errorf("adrservice: sync is not configured")
	}
	res, err := s.sync.Pull(ctx, opts)
	if len(res.Synced) > 0 {
		s.cache.Invalidate()
		s.notify(EventSynced, "")
	}
	return res, err
}

// Push pushes the notes refs.
func (s *Service) Push(ctx context.Context, opts notesync.PushOptions) (notesync.Result, error) {
	if s.sync == nil {
		return notesync.Result{}, fmt.Errorf("adrservice: sync is not configured")
	}
	return s.sync.Push(ctx, opts)
}

// refresh re-reads id after a write and patches the index with the stored
// record. When the read fails the index is dropped and nil is returned.
func (s *Service) refresh(ctx context.Context, id string) *models.ADR {
	a, found, err := s.store.Get(ctx, id)
	if err != nil || !found {
		s.cache.Invalidate()
		return nil
	}
	s.cache.Upsert(ctx, a)
	return a
}

// commit refreshes a's index entry and describes the stored record, falling
// back to a itself when it cannot be read back.
func (s *Service) commit(ctx context.Context, a *models.ADR) (*Detail, error) {
	if stored := s.refresh(ctx, a.ID); stored != nil {
		return detail(stored)
	}
	return detail(a)
}

func (s *Service) notify(kind EventKind, id string) {
	if s.observer != nil {
		s.observer(kind, id)
	}
}

func detail(a *models.ADR) (*Detail, error) {
	data, err := parser.Serialize(a)
	if err != nil {
		return nil, err
	}
	return &Detail{ADR: a, Checksum: checksum.Sum(data), Problems: a.Problems()}, nil
}
