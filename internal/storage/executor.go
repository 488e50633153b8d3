// Package storage defines the git notes substrate the engine is built on.
package storage

import "context"

// MergeStrategy selects how `git notes merge` resolves conflicting notes.
type MergeStrategy string

const (
	MergeUnion       MergeStrategy = "union"
	MergeOurs        MergeStrategy = "ours"
	MergeTheirs      MergeStrategy = "theirs"
	MergeCatSortUniq MergeStrategy = "cat_sort_uniq"
)

// MergeStrategies lists the strategies the engine can select.
var MergeStrategies = []MergeStrategy{MergeUnion, MergeOurs, MergeTheirs, MergeCatSortUniq}

// Note pairs a note blob with the object it annotates.
type Note struct {
	Blob   string
	Object string
}

// Executor is the capability surface of the git binary the engine consumes.
// Failures are reported as *apperr.SubstrateError; a missing note from
// NotesShow is apperr.ErrNotFound and a missing remote ref from Fetch is
// apperr.ErrRemoteRefNotFound.
type Executor interface {
	// GitDir returns the absolute path of the repository's git directory.
	GitDir(ctx context.Context) (string, error)
	// NotesAdd attaches content to object under ref, replacing any existing note.
	NotesAdd(ctx context.Context, ref, object string, content []byte) error
	// NotesShow returns the note attached to object under ref.
	NotesShow(ctx context.Context, ref, object string) ([]byte, error)
	// NotesList enumerates every note under ref.
	NotesList(ctx context.Context, ref string) ([]Note, error)
	// NotesRemove detaches the note from object and reports whether one existed.
	NotesRemove(ctx context.Context, ref, object string) (bool, error)
	// NotesMerge merges the notes ref from into ref using strategy.
	NotesMerge(ctx context.Context, ref, from string, strategy MergeStrategy) error
	// CatFileBatch fetches many blobs in one call. Missing ids are absent from the result.
	CatFileBatch(ctx context.Context, ids []string) (map[string][]byte, error)
	// RefExists reports whether ref resolves locally.
	RefExists(ctx context.Context, ref string) (bool, error)
	// Push pushes refspecs to remote.
	Push(ctx context.Context, remote string, refspecs []string, force bool) error
	// Fetch fetches refspecs from remote.
	Fetch(ctx context.Context, remote string, refspecs []string) error
	// ConfigGet reads a git config value; ok is false when unset.
	ConfigGet(ctx context.Context, key string) (value string, ok bool, err error)
	// ConfigSet writes a git config value in the repository config.
	ConfigSet(ctx context.Context, key, value string) error
}
