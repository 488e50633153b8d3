package testutil

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/starford/gitadr/internal/apperr"
	"github.com/starford/gitadr/internal/storage"
)

// Memory is an in-process storage.Executor. Notes live in per-ref maps of
// object -> blob id; blobs are content-addressed the way git addresses them.
// Remotes are other Memory values registered under a name.
type Memory struct {
	mu       sync.Mutex
	gitDir   string
	blobs    map[string][]byte
	refs     map[string]map[string]string
	config   map[string]string
	remotes  map[string]*Memory
	failures map[string]error
	nth      map[string]map[int]error
	calls    map[string]int
}

var _ storage.Executor = (*Memory)(nil)

// NewMemory returns an empty substrate.
func NewMemory() *Memory {
	return &Memory{
		blobs:    map[string][]byte{},
		refs:     map[string]map[string]string{},
		config:   map[string]string{},
		remotes:  map[string]*Memory{},
		failures: map[string]error{},
		nth:      map[string]map[int]error{},
		calls:    map[string]int{},
	}
}

// SetGitDir sets the value GitDir reports.
func (m *Memory) SetGitDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gitDir = dir
}

// AddRemote registers r as the remote called name.
func (m *Memory) AddRemote(name string, r *Memory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remotes[name] = r
}

// FailOn makes every call to the named method (e.g. "NotesAdd") return err.
// A nil err clears the injection.
func (m *Memory) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// FailCall makes only the nth (1-based) call to method, counted from now,
// return err.
func (m *Memory) FailCall(method string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nth[method] == nil {
		m.nth[method] = map[int]error{}
	}
	m.nth[method][m.calls[method]+n] = err
}

// Calls reports how many times the named method was invoked.
func (m *Memory) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Notes returns a copy of ref's object -> content mapping.
func (m *Memory) Notes(ref string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for obj, blob := range m.refs[ref] {
		out[obj] = string(m.blobs[blob])
	}
	return out
}

func (m *Memory) enter(method string) error {
	m.calls[method]++
	if err, ok := m.nth[method][m.calls[method]]; ok {
		return err
	}
	return m.failures[method]
}

func blobID(content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Memory) GitDir(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GitDir"); err != nil {
		return "", err
	}
	return m.gitDir, nil
}

func (m *Memory) NotesAdd(_ context.Context, ref, object string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("NotesAdd"); err != nil {
		return err
	}
	m.put(ref, object, content)
	return nil
}

func (m *Memory) put(ref, object string, content []byte) {
	id := blobID(content)
	m.blobs[id] = append([]byte(nil), content...)
	if m.refs[ref] == nil {
		m.refs[ref] = map[string]string{}
	}
	m.refs[ref][object] = id
}

func (m *Memory) NotesShow(_ context.Context, ref, object string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("NotesShow"); err != nil {
		return nil, err
	}
	id, ok := m.refs[ref][object]
	if !ok {
		return nil, fmt.Errorf("memory: note for %s: %w", object, apperr.ErrNotFound)
	}
	return append([]byte(nil), m.blobs[id]...), nil
}

func (m *Memory) NotesList(_ context.Context, ref string) ([]storage.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("NotesList"); err != nil {
		return nil, err
	}
	notes := make([]storage.Note, 0, len(m.refs[ref]))
	for obj, blob := range m.refs[ref] {
		notes = append(notes, storage.Note{Blob: blob, Object: obj})
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].Object < notes[j].Object })
	return notes, nil
}

func (m *Memory) NotesRemove(_ context.Context, ref, object string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("NotesRemove"); err != nil {
		return false, err
	}
	if _, ok := m.refs[ref][object]; !ok {
		return false, nil
	}
	delete(m.refs[ref], object)
	return true, nil
}

// NotesMerge folds the notes of from into ref, resolving conflicts the way
// git's built-in strategies do.
func (m *Memory) NotesMerge(_ context.Context, ref, from string, strategy storage.MergeStrategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("NotesMerge"); err != nil {
		return err
	}
	src, ok := m.refs[from]
	if !ok {
		return &apperr.SubstrateError{Kind: apperr.KindGeneric, Op: "notes merge", Stderr: "unknown ref " + from}
	}
	for obj, theirs := range src {
		ours, exists := m.refs[ref][obj]
		if !exists || ours == theirs {
			m.put(ref, obj, m.blobs[theirs])
			continue
		}
		local, remote := string(m.blobs[ours]), string(m.blobs[theirs])
		switch strategy {
		case storage.MergeOurs:
		case storage.MergeTheirs:
			m.put(ref, obj, []byte(remote))
		case storage.MergeUnion:
			m.put(ref, obj, []byte(strings.TrimRight(local, "\n")+"\n\n"+remote))
		case storage.MergeCatSortUniq:
			m.put(ref, obj, []byte(catSortUniq(local, remote)))
		default:
			return &apperr.SubstrateError{Kind: apperr.KindGeneric, Op: "notes merge", Stderr: "unknown strategy " + string(strategy)}
		}
	}
	return nil
}

func catSortUniq(a, b string) string {
	seen := map[string]bool{}
	var lines []string
	for _, l := range strings.Split(a+"\n"+b, "\n") {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		lines = append(lines, l)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func (m *Memory) CatFileBatch(_ context.Context, ids []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CatFileBatch"); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if b, ok := m.blobs[id]; ok {
			out[id] = append([]byte(nil), b...)
		}
	}
	return out, nil
}

func (m *Memory) RefExists(_ context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RefExists"); err != nil {
		return false, err
	}
	_, ok := m.refs[ref]
	return ok, nil
}

// Push copies each "src:dst" refspec's notes to the remote, replacing dst.
func (m *Memory) Push(_ context.Context, remote string, refspecs []string, _ bool) error {
	m.mu.Lock()
	if err := m.enter("Push"); err != nil {
		m.mu.Unlock()
		return err
	}
	r, ok := m.remotes[remote]
	if !ok {
		m.mu.Unlock()
		return unreachable("push", remote)
	}
	type copyJob struct {
		dst   string
		notes map[string][]byte
	}
	var jobs []copyJob
	for _, spec := range refspecs {
		src, dst := splitRefspec(spec)
		notes, ok := m.refs[src]
		if !ok {
			m.mu.Unlock()
			return &apperr.SubstrateError{Kind: apperr.KindGeneric, Op: "push", Stderr: "src refspec " + src + " does not match any"}
		}
		job := copyJob{dst: dst, notes: map[string][]byte{}}
		for obj, blob := range notes {
			job.notes[obj] = m.blobs[blob]
		}
		jobs = append(jobs, job)
	}
	m.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range jobs {
		r.refs[j.dst] = map[string]string{}
		for obj, content := range j.notes {
			r.put(j.dst, obj, content)
		}
	}
	return nil
}

// Fetch copies each "src:dst" refspec's notes from the remote, replacing dst.
func (m *Memory) Fetch(_ context.Context, remote string, refspecs []string) error {
	m.mu.Lock()
	if err := m.enter("Fetch"); err != nil {
		m.mu.Unlock()
		return err
	}
	r, ok := m.remotes[remote]
	m.mu.Unlock()
	if !ok {
		return unreachable("fetch", remote)
	}

	fetched := map[string]map[string][]byte{}
	r.mu.Lock()
	for _, spec := range refspecs {
		src, dst := splitRefspec(spec)
		notes, ok := r.refs[src]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("memory: fetch %s: %w", src, apperr.ErrRemoteRefNotFound)
		}
		fetched[dst] = map[string][]byte{}
		for obj, blob := range notes {
			fetched[dst][obj] = r.blobs[blob]
		}
	}
	r.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for dst, notes := range fetched {
		m.refs[dst] = map[string]string{}
		for obj, content := range notes {
			m.put(dst, obj, content)
		}
	}
	return nil
}

func (m *Memory) ConfigGet(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ConfigGet"); err != nil {
		return "", false, err
	}
	v, ok := m.config[key]
	return v, ok, nil
}

func (m *Memory) ConfigSet(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ConfigSet"); err != nil {
		return err
	}
	m.config[key] = value
	return nil
}

func splitRefspec(spec string) (string, string) {
	spec = strings.TrimPrefix(spec, "+")
	src, dst, ok := strings.Cut(spec, ":")
	if !ok {
		return src, src
	}
	return src, dst
}

func unreachable(op, remote string) error {
	return &apperr.SubstrateError{
		Kind:   apperr.KindNetworkAuth,
		Op:     op,
		Stderr: fmt.Sprintf("fatal: '%s' does not appear to be a git repository", remote),
	}
}
