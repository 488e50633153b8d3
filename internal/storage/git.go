package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/gitadr/internal/apperr"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultNetworkTimeout = 2 * time.Minute
)

// networkMarkers are stderr fragments git prints for transport and auth failures.
var networkMarkers = []string{
	"could not read from remote repository",
	"authentication failed",
	"permission denied",
	"could not resolve host",
	"unable to access",
	"connection refused",
	"connection timed out",
	"does not appear to be a git repository",
	"repository not found",
	"terminal prompts disabled",
}

// Git implements Executor by running the git binary against one repository.
type Git struct {
	binary         string
	dir            string
	timeout        time.Duration
	networkTimeout time.Duration
	logger         *slog.Logger
}

// GitOption configures a Git executor.
type GitOption func(*Git)

// WithBinary overrides the git binary (default "git" from PATH).
func WithBinary(path string) GitOption {
	return func(g *Git) {
		if path != "" {
			g.binary = path
		}
	}
}

// WithTimeout bounds local git calls whose context carries no deadline.
func WithTimeout(d time.Duration) GitOption {
	return func(g *Git) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithNetworkTimeout bounds push and fetch calls whose context carries no deadline.
func WithNetworkTimeout(d time.Duration) GitOption {
	return func(g *Git) {
		if d > 0 {
			g.networkTimeout = d
		}
	}
}

// WithLogger sets the logger used for debug tracing of git invocations.
func WithLogger(l *slog.Logger) GitOption {
	return func(g *Git) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGit returns an executor rooted at dir. It fails with a NotARepository
// SubstrateError when dir is not inside a git work tree or git directory.
func NewGit(ctx context.Context, dir string, opts ...GitOption) (*Git, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve repo path: %w", err)
	}
	g := &Git{
		binary:         "git",
		dir:            abs,
		timeout:        DefaultTimeout,
		networkTimeout: DefaultNetworkTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if _, err := g.GitDir(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// GitDir returns the absolute git directory.
func (g *Git) GitDir(ctx context.Context) (string, error) {
	out, err := g.run(ctx, g.timeout, nil, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// NotesAdd writes content as a blob and attaches it with `notes add -C`, which
// stores the blob verbatim instead of running git's message cleanup.
func (g *Git) NotesAdd(ctx context.Context, ref, object string, content []byte) error {
	out, err := g.run(ctx, g.timeout, bytes.NewReader(content), "hash-object", "-w", "--stdin")
	if err != nil {
		return err
	}
	blob := strings.TrimSpace(string(out))
	_, err = g.run(ctx, g.timeout, nil, "notes", "--ref="+ref, "add", "-f", "-C", blob, object)
	return err
}

// NotesShow returns the note content for object.
func (g *Git) NotesShow(ctx context.Context, ref, object string) ([]byte, error) {
	out, err := g.run(ctx, g.timeout, nil, "notes", "--ref="+ref, "show", object)
	if err != nil {
		if stderrContains(err, "no note found") {
			return nil, fmt.Errorf("storage: note for %s: %w", object, apperr.ErrNotFound)
		}
		return nil, err
	}
	return out, nil
}

// NotesList enumerates the notes under ref. A ref that does not exist yet has no notes.
func (g *Git) NotesList(ctx context.Context, ref string) ([]Note, error) {
	out, err := g.run(ctx, g.timeout, nil, "notes", "--ref="+ref, "list")
	if err != nil {
		return nil, err
	}
	var notes []Note
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		notes = append(notes, Note{Blob: fields[0], Object: fields[1]})
	}
	return notes, sc.Err()
}

// NotesRemove detaches the note from object.
func (g *Git) NotesRemove(ctx context.Context, ref, object string) (bool, error) {
	_, err := g.run(ctx, g.timeout, nil, "notes", "--ref="+ref, "remove", object)
	if err != nil {
		if stderrContains(err, "has no note") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// NotesMerge merges from into ref with the given strategy.
func (g *Git) NotesMerge(ctx context.Context, ref, from string, strategy MergeStrategy) error {
	_, err := g.run(ctx, g.timeout, nil, "notes", "--ref="+ref, "merge", "-q", "-s", string(strategy), from)
	return err
}

// CatFileBatch streams ids through one `git cat-file --batch` process. The
// writer and reader run concurrently so neither side of the pipe can stall.
func (g *Git) CatFileBatch(ctx context.Context, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := g.deadline(ctx, g.timeout)
	defer cancel()

	cmd := g.command(ctx, "cat-file", "--batch")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, g.classify(ctx, "cat-file", "", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, g.classify(ctx, "cat-file", "", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, g.classify(ctx, "cat-file", stderr.String(), err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		defer stdin.Close()
		w := bufio.NewWriter(stdin)
		for _, id := range ids {
			if _, err := w.WriteString(id + "\n"); err != nil {
				return err
			}
		}
		return w.Flush()
	})
	eg.Go(func() error {
		r := bufio.NewReader(stdout)
		for range ids {
			id, body, err := readBatchEntry(r)
			if err != nil {
				cancel()
				return err
			}
			if body != nil {
				out[id] = body
			}
		}
		_, _ = io.Copy(io.Discard, r)
		return nil
	})
	streamErr := eg.Wait()
	if err := cmd.Wait(); err != nil {
		return nil, g.classify(ctx, "cat-file", stderr.String(), err)
	}
	if streamErr != nil {
		return nil, g.classify(ctx, "cat-file", stderr.String(), streamErr)
	}
	g.logger.Debug("git: cat-file batch", slog.Int("requested", len(ids)), slog.Int("found", len(out)))
	return out, nil
}

// readBatchEntry reads one "<oid> <type> <size>\n<content>\n" record. Missing
// objects yield a nil body.
func readBatchEntry(r *bufio.Reader) (string, []byte, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return "", nil, fmt.Errorf("read batch header: %w", err)
	}
	fields := strings.Fields(header)
	if len(fields) == 2 && fields[1] == "missing" {
		return fields[0], nil, nil
	}
	if len(fields) != 3 {
		return "", nil, fmt.Errorf("malformed batch header %q", strings.TrimSpace(header))
	}
	size, err := strconv.Atoi(fields[2])
	if err != nil {
		return "", nil, fmt.Errorf("malformed batch size %q: %w", fields[2], err)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", nil, fmt.Errorf("read batch body: %w", err)
	}
	if _, err := r.Discard(1); err != nil {
		return "", nil, fmt.Errorf("read batch terminator: %w", err)
	}
	return fields[0], body, nil
}

// RefExists reports whether ref resolves.
func (g *Git) RefExists(ctx context.Context, ref string) (bool, error) {
	_, err := g.run(ctx, g.timeout, nil, "rev-parse", "--verify", "--quiet", ref)
	if err != nil {
		if exitCode(err) == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Push pushes refspecs to remote.
func (g *Git) Push(ctx context.Context, remote string, refspecs []string, force bool) error {
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, remote)
	args = append(args, refspecs...)
	_, err := g.run(ctx, g.networkTimeout, nil, args...)
	return err
}

// Fetch fetches refspecs from remote.
func (g *Git) Fetch(ctx context.Context, remote string, refspecs []string) error {
	args := append([]string{"fetch", remote}, refspecs...)
	_, err := g.run(ctx, g.networkTimeout, nil, args...)
	if err != nil && stderrContains(err, "couldn't find remote ref") {
		return fmt.Errorf("storage: fetch %s: %w", strings.Join(refspecs, " "), apperr.ErrRemoteRefNotFound)
	}
	return err
}

// ConfigGet reads key from git config.
func (g *Git) ConfigGet(ctx context.Context, key string) (string, bool, error) {
	out, err := g.run(ctx, g.timeout, nil, "config", "--get", key)
	if err != nil {
		if exitCode(err) == 1 {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(out)), true, nil
}

// ConfigSet writes key to the repository config.
func (g *Git) ConfigSet(ctx context.Context, key, value string) error {
	_, err := g.run(ctx, g.timeout, nil, "config", key, value)
	return err
}

func (g *Git) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, g.binary, append([]string{"-C", g.dir}, args...)...)
	// Never block on credential prompts; fail closed instead.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd
}

func (g *Git) run(ctx context.Context, timeout time.Duration, stdin io.Reader, args ...string) ([]byte, error) {
	ctx, cancel := g.deadline(ctx, timeout)
	defer cancel()

	cmd := g.command(ctx, args...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	g.logger.Debug("git: run",
		slog.String("args", strings.Join(args, " ")),
		slog.Duration("elapsed", time.Since(start)))
	if err != nil {
		return nil, g.classify(ctx, opName(args), stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// deadline applies timeout unless the caller already supplied a deadline.
func (g *Git) deadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (g *Git) classify(ctx context.Context, op, stderr string, err error) error {
	se := &apperr.SubstrateError{Kind: apperr.KindGeneric, Op: op, Stderr: strings.TrimSpace(stderr), Err: err}
	lower := strings.ToLower(stderr)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		se.Kind = apperr.KindTimeout
	case strings.Contains(lower, "not a git repository") && !strings.Contains(lower, "does not appear to be a git repository"):
		se.Kind = apperr.KindNotARepository
	default:
		for _, m := range networkMarkers {
			if strings.Contains(lower, m) {
				se.Kind = apperr.KindNetworkAuth
				break
			}
		}
	}
	return se
}

func opName(args []string) string {
	if len(args) >= 3 && args[0] == "notes" {
		return "notes " + args[2]
	}
	if len(args) > 0 {
		return args[0]
	}
	return "git"
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func stderrContains(err error, fragment string) bool {
	var se *apperr.SubstrateError
	if errors.As(err, &se) {
		return strings.Contains(strings.ToLower(se.Stderr), fragment)
	}
	return false
}
