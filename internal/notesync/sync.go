// Package notesync pushes and pulls the ADR notes refs to and from a remote.
// Conflict resolution is delegated to git's notes merge strategies.
package notesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/starford/gitadr/internal/apperr"
	"github.com/starford/gitadr/internal/storage"
)

const (
	DefaultRemote   = "origin"
	DefaultStrategy = storage.MergeUnion
)

// Coordinator synchronizes a primary notes ref and an optional secondary one.
// The primary ref is always pushed; optional refs are pushed only once they
// exist locally.
type Coordinator struct {
	exec     storage.Executor
	primary  string
	optional []string
	logger   *slog.Logger
}

// New creates a Coordinator for primary (e.g. refs/notes/adr) and optional
// refs (e.g. refs/notes/adr-artifacts).
func New(exec storage.Executor, primary string, optional []string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{exec: exec, primary: primary, optional: optional, logger: logger}
}

// PushOptions configures Push.
type PushOptions struct {
	Remote  string
	Force   bool
	Timeout time.Duration
}

// PullOptions configures Pull. An empty Strategy resolves from git config.
type PullOptions struct {
	Remote   string
	Strategy storage.MergeStrategy
	Timeout  time.Duration
}

// Result lists what a sync step did per ref.
type Result struct {
	Remote   string                `json:"remote"`
	Strategy storage.MergeStrategy `json:"strategy,omitempty"`
	Synced   []string              `json:"synced"`
	Skipped  []string              `json:"skipped"`
}

// Push pushes the notes refs to the remote.
func (c *Coordinator) Push(ctx context.Context, opts PushOptions) (Result, error) {
	res := Result{Remote: remoteOrDefault(opts.Remote), Synced: []string{}, Skipped: []string{}}
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	refs := []string{c.primary}
	for _, ref := range c.optional {
		ok, err := c.exec.RefExists(ctx, ref)
		if err != nil {
			return res, fmt.Errorf("notesync: push: %w", err)
		}
		if !ok {
			c.logger.Debug("notesync: optional ref absent, not pushing", slog.String("ref", ref))
			res.Skipped = append(res.Skipped, ref)
			continue
		}
		refs = append(refs, ref)
	}

	specs := make([]string, len(refs))
	for i, ref := range refs {
		specs[i] = ref + ":" + ref
	}
	if err := c.exec.Push(ctx, res.Remote, specs, opts.Force); err != nil {
		return res, fmt.Errorf("notesync: push %s: %w", res.Remote, err)
	}
	res.Synced = refs
	c.logger.Info("notesync: pushed", slog.String("remote", res.Remote), slog.Any("refs", refs))
	return res, nil
}

// Pull fetches each notes ref into refs/notes/remotes/<remote>/<name> and
// merges it into the local ref. A ref the remote does not have yet is
// skipped; transport failures are returned.
func (c *Coordinator) Pull(ctx context.Context, opts PullOptions) (Result, error) {
	res := Result{Remote: remoteOrDefault(opts.Remote), Synced: []string{}, Skipped: []string{}}
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	for _, ref := range append([]string{c.primary}, c.optional...) {
		strategy, err := c.resolveStrategy(ctx, ref, opts.Strategy)
		if err != nil {
			return res, err
		}
		if ref == c.primary {
			res.Strategy = strategy
		}

		tracking := TrackingRef(res.Remote, ref)
		err = c.exec.Fetch(ctx, res.Remote, []string{"+" + ref + ":" + tracking})
		if errors.Is(err, apperr.ErrRemoteRefNotFound) {
			c.logger.Info("notesync: remote has no notes yet", slog.String("remote", res.Remote), slog.String("ref", ref))
			res.Skipped = append(res.Skipped, ref)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("notesync: fetch %s: %w", ref, err)
		}
		if err := c.exec.NotesMerge(ctx, ref, tracking, strategy); err != nil {
			return res, fmt.Errorf("notesync: merge %s: %w", ref, err)
		}
		res.Synced = append(res.Synced, ref)
	}
	c.logger.Info("notesync: pulled",
		slog.String("remote", res.Remote),
		slog.String("strategy", string(res.Strategy)),
		slog.Any("refs", res.Synced))
	return res, nil
}

// Sync pulls then pushes.
func (c *Coordinator) Sync(ctx context.Context, remote string, strategy storage.MergeStrategy, timeout time.Duration) (Result, Result, error) {
	pulled, err := c.Pull(ctx, PullOptions{Remote: remote, Strategy: strategy, Timeout: timeout})
	if err != nil {
		return pulled, Result{}, err
	}
	pushed, err := c.Push(ctx, PushOptions{Remote: remote, Timeout: timeout})
	return pulled, pushed, err
}

// SetDefaultStrategy records strategy in git config for every managed ref so
// later pulls without an explicit strategy use it.
func (c *Coordinator) SetDefaultStrategy(ctx context.Context, strategy storage.MergeStrategy) error {
	if err := ValidateStrategy(strategy); err != nil {
		return err
	}
	for _, ref := range append([]string{c.primary}, c.optional...) {
		if err := c.exec.ConfigSet(ctx, configKey(ref), string(strategy)); err != nil {
			return fmt.Errorf("notesync: set strategy: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) resolveStrategy(ctx context.Context, ref string, explicit storage.MergeStrategy) (storage.MergeStrategy, error) {
	if explicit != "" {
		return explicit, ValidateStrategy(explicit)
	}
	v, ok, err := c.exec.ConfigGet(ctx, configKey(ref))
	if err != nil {
		return "", fmt.Errorf("notesync: read strategy: %w", err)
	}
	if !ok || v == "" {
		return DefaultStrategy, nil
	}
	s := storage.MergeStrategy(v)
	if ValidateStrategy(s) != nil {
		c.logger.Warn("notesync: ignoring unknown configured strategy", slog.String("ref", ref), slog.String("strategy", v))
		return DefaultStrategy, nil
	}
	return s, nil
}

// ValidateStrategy rejects anything but git's built-in notes merge strategies.
func ValidateStrategy(s storage.MergeStrategy) error {
	if slices.Contains(storage.MergeStrategies, s) {
		return nil
	}
	names := make([]string, len(storage.MergeStrategies))
	for i, m := range storage.MergeStrategies {
		names[i] = string(m)
	}
	return apperr.Invalid("strategy", string(s), "must be one of "+strings.Join(names, ", "))
}

// TrackingRef is where ref from remote is fetched before merging.
func TrackingRef(remote, ref string) string {
	return "refs/notes/remotes/" + remote + "/" + strings.TrimPrefix(ref, "refs/notes/")
}

// configKey mirrors git's own notes.<name>.mergeStrategy setting.
func configKey(ref string) string {
	return "notes." + strings.TrimPrefix(ref, "refs/notes/") + ".mergeStrategy"
}

func remoteOrDefault(remote string) string {
	if remote == "" {
		return DefaultRemote
	}
	return remote
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
