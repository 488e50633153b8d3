package internal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/gitadr/internal/adrservice"
	"github.com/starford/gitadr/internal/index"
	"github.com/starford/gitadr/internal/notestore"
	"github.com/starford/gitadr/internal/notesync"
	"github.com/starford/gitadr/internal/storage"
)

// Engine bundles the storage, index and sync components for one repository.
type Engine struct {
	GitDir  string
	Git     *storage.Git
	Store   *notestore.Store
	Index   *index.Cache
	Sync    *notesync.Coordinator
	Service *adrservice.Service

	cfg *Config
}

// OpenEngine connects to the repository named by cfg and wires the components.
// The index is empty until first use.
func OpenEngine(ctx context.Context, cfg *Config, logger *slog.Logger) (*Engine, error) {
	git, err := storage.NewGit(ctx, cfg.Git.RepoPath,
		storage.WithBinary(cfg.Git.Binary),
		storage.WithTimeout(cfg.Git.Timeout),
		storage.WithNetworkTimeout(cfg.Sync.Timeout),
		storage.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", cfg.Git.RepoPath, err)
	}
	gitDir, err := git.GitDir(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve git dir: %w", err)
	}

	store := notestore.New(git, notestore.Options{
		ADRRef:          cfg.Notes.ADRRef,
		ArtifactRef:     cfg.Notes.ArtifactRef,
		MaxArtifactSize: cfg.Artifacts.MaxSize,
	}, logger)
	cache := index.New(store, logger)
	coord := notesync.New(git, store.ADRRef(), []string{store.ArtifactRef()}, logger)

	return &Engine{
		GitDir:  gitDir,
		Git:     git,
		Store:   store,
		Index:   cache,
		Sync:    coord,
		Service: adrservice.New(store, cache, coord, logger),
		cfg:     cfg,
	}, nil
}

// Refs returns the notes refs the engine reads and writes.
func (e *Engine) Refs() []string {
	return []string{e.Store.ADRRef(), e.Store.ArtifactRef()}
}

// PullOptions returns pull options from config, overridden by non-empty arguments.
func (e *Engine) PullOptions(remote, strategy string) notesync.PullOptions {
	opts := notesync.PullOptions{
		Remote:   e.cfg.Sync.Remote,
		Strategy: storage.MergeStrategy(e.cfg.Sync.MergeStrategy),
		Timeout:  e.cfg.Sync.Timeout,
	}
	if remote != "" {
		opts.Remote = remote
	}
	if strategy != "" {
		opts.Strategy = storage.MergeStrategy(strategy)
	}
	return opts
}

// PushOptions returns push options from config, overridden by a non-empty remote.
func (e *Engine) PushOptions(remote string, force bool) notesync.PushOptions {
	opts := notesync.PushOptions{Remote: e.cfg.Sync.Remote, Force: force, Timeout: e.cfg.Sync.Timeout}
	if remote != "" {
		opts.Remote = remote
	}
	return opts
}

// Close releases the index.
func (e *Engine) Close() error {
	return e.Index.Close()
}
