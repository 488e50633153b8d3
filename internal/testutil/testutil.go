// Package testutil provides shared test helpers: an in-memory notes substrate,
// real throwaway repositories and quiet loggers.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/starford/gitadr/internal/storage"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GitRepo initializes a repository with one commit in a temp dir and returns
// an executor for it. The test is skipped when git is not installed.
func GitRepo(t *testing.T) (*storage.Git, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	Git(t, dir, "init", "-q")
	Git(t, dir, "config", "user.name", "test")
	Git(t, dir, "config", "user.email", "test@example.com")
	Git(t, dir, "commit", "-q", "--allow-empty", "-m", "init")

	g, err := storage.NewGit(context.Background(), dir, storage.WithLogger(Logger()))
	if err != nil {
		t.Fatalf("NewGit: %v", err)
	}
	return g, dir
}

// Git runs a git command in dir with a fixed identity and returns trimmed stdout.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}
