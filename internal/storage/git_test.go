package storage

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/gitadr/internal/apperr"
)

const testRef = "refs/notes/test"

// initRepo creates a git repository with one commit and returns an executor for it.
func initRepo(t *testing.T) (*Git, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-q")
	gitCmd(t, dir, "config", "user.name", "test")
	gitCmd(t, dir, "config", "user.email", "test@example.com")
	gitCmd(t, dir, "commit", "-q", "--allow-empty", "-m", "init")

	g, err := NewGit(context.Background(), dir)
	if err != nil {
		t.Fatalf("NewGit: %v", err)
	}
	return g, dir
}

func gitCmd(t *testing.T, dir string, args ...string) string {
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

func hashObject(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obj")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return gitCmd(t, dir, "hash-object", "-w", path)
}

func TestNewGit_NotARepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_CEILING_DIRECTORIES", os.TempDir())
	_, err := NewGit(context.Background(), t.TempDir())
	if !apperr.IsKind(err, apperr.KindNotARepository) {
		t.Errorf("err = %v, want not-a-repository", err)
	}
}

func TestNotes_AddShowRemove(t *testing.T) {
	g, dir := initRepo(t)
	ctx := context.Background()
	obj := hashObject(t, dir, "anchor")

	body := []byte("---\nid: x\n---\n\n\n  leading and trailing space kept  \n\n\n")
	if err := g.NotesAdd(ctx, testRef, obj, body); err != nil {
		t.Fatalf("NotesAdd: %v", err)
	}
	got, err := g.NotesShow(ctx, testRef, obj)
	if err != nil {
		t.Fatalf("NotesShow: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("note = %q, want %q", got, body)
	}

	removed, err := g.NotesRemove(ctx, testRef, obj)
	if err != nil || !removed {
		t.Fatalf("NotesRemove = %v, %v", removed, err)
	}
	removed, err = g.NotesRemove(ctx, testRef, obj)
	if err != nil || removed {
		t.Errorf("second NotesRemove = %v, %v", removed, err)
	}
	if _, err := g.NotesShow(ctx, testRef, obj); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("show after remove: %v", err)
	}
}

func TestNotes_ListAndBatch(t *testing.T) {
	g, dir := initRepo(t)
	ctx := context.Background()

	notes, err := g.NotesList(ctx, testRef)
	if err != nil {
		t.Fatalf("NotesList on missing ref: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("notes = %v", notes)
	}

	want := map[string]string{}
	for _, s := range []string{"a", "b", "c"} {
		obj := hashObject(t, dir, "anchor-"+s)
		if err := g.NotesAdd(ctx, testRef, obj, []byte("note "+s+"\n")); err != nil {
			t.Fatal(err)
		}
		want[obj] = "note " + s + "\n"
	}

	notes, err = g.NotesList(ctx, testRef)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 3 {
		t.Fatalf("notes = %v", notes)
	}
	ids := make([]string, 0, len(notes)+1)
	blobToObj := map[string]string{}
	for _, n := range notes {
		ids = append(ids, n.Blob)
		blobToObj[n.Blob] = n.Object
	}
	ids = append(ids, strings.Repeat("1", 40))

	blobs, err := g.CatFileBatch(ctx, ids)
	if err != nil {
		t.Fatalf("CatFileBatch: %v", err)
	}
	if len(blobs) != 3 {
		t.Fatalf("blobs = %d, want 3 (missing id skipped)", len(blobs))
	}
	for blob, content := range blobs {
		if want[blobToObj[blob]] != string(content) {
			t.Errorf("blob %s = %q", blob, content)
		}
	}
}

func TestRefExistsAndConfig(t *testing.T) {
	g, dir := initRepo(t)
	ctx := context.Background()

	ok, err := g.RefExists(ctx, testRef)
	if err != nil || ok {
		t.Errorf("RefExists before write = %v, %v", ok, err)
	}
	if err := g.NotesAdd(ctx, testRef, hashObject(t, dir, "x"), []byte("x")); err != nil {
		t.Fatal(err)
	}
	ok, err = g.RefExists(ctx, testRef)
	if err != nil || !ok {
		t.Errorf("RefExists after write = %v, %v", ok, err)
	}

	if _, set, err := g.ConfigGet(ctx, "notes.test.mergeStrategy"); err != nil || set {
		t.Errorf("ConfigGet unset = %v, %v", set, err)
	}
	if err := g.ConfigSet(ctx, "notes.test.mergeStrategy", "union"); err != nil {
		t.Fatal(err)
	}
	v, set, err := g.ConfigGet(ctx, "notes.test.mergeStrategy")
	if err != nil || !set || v != "union" {
		t.Errorf("ConfigGet = %q, %v, %v", v, set, err)
	}
}

func TestPushFetchMerge(t *testing.T) {
	local, localDir := initRepo(t)
	ctx := context.Background()

	remoteDir := t.TempDir()
	gitCmd(t, remoteDir, "init", "-q", "--bare")
	gitCmd(t, localDir, "remote", "add", "origin", remoteDir)

	obj := hashObject(t, localDir, "anchor")
	if err := local.NotesAdd(ctx, testRef, obj, []byte("from local\n")); err != nil {
		t.Fatal(err)
	}
	if err := local.Push(ctx, "origin", []string{testRef + ":" + testRef}, false); err != nil {
		t.Fatalf("Push: %v", err)
	}

	other, otherDir := initRepo(t)
	gitCmd(t, otherDir, "remote", "add", "origin", remoteDir)
	tracking := "refs/notes/remotes/origin/test"
	if err := other.Fetch(ctx, "origin", []string{"+" + testRef + ":" + tracking}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := other.NotesMerge(ctx, testRef, tracking, MergeUnion); err != nil {
		t.Fatalf("NotesMerge: %v", err)
	}
	got, err := other.NotesShow(ctx, testRef, obj)
	if err != nil {
		t.Fatalf("NotesShow after merge: %v", err)
	}
	if string(got) != "from local\n" {
		t.Errorf("merged note = %q", got)
	}

	err = other.Fetch(ctx, "origin", []string{"refs/notes/absent:refs/notes/remotes/origin/absent"})
	if !errors.Is(err, apperr.ErrRemoteRefNotFound) {
		t.Errorf("fetch missing ref: %v", err)
	}
}

func TestFetch_UnreachableRemoteIsNetworkAuth(t *testing.T) {
	g, _ := initRepo(t)
	err := g.Fetch(context.Background(), filepath.Join(t.TempDir(), "nope"), []string{testRef})
	if !apperr.IsKind(err, apperr.KindNetworkAuth) {
		t.Errorf("err = %v, want network-auth", err)
	}
}
