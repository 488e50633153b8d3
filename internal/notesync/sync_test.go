package notesync

import (
	"context"
	"maps"
	"slices"
	"testing"

	"github.com/starford/gitadr/internal/apperr"
	"github.com/starford/gitadr/internal/storage"
	"github.com/starford/gitadr/internal/testutil"
)

const (
	adrRef      = "refs/notes/adr"
	artifactRef = "refs/notes/adr-artifacts"
)

func pair(t *testing.T) (*testutil.Memory, *testutil.Memory, *Coordinator) {
	t.Helper()
	local, remote := testutil.NewMemory(), testutil.NewMemory()
	local.AddRemote("origin", remote)
	return local, remote, New(local, adrRef, []string{artifactRef}, testutil.Logger())
}

func addNote(t *testing.T, m *testutil.Memory, ref, obj, content string) {
	t.Helper()
	if err := m.NotesAdd(context.Background(), ref, obj, []byte(content)); err != nil {
		t.Fatalf("NotesAdd(%s, %s): %v", ref, obj, err)
	}
}

func wantRefs(t *testing.T, what string, got []string, want ...string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !slices.Equal(got, want) {
		t.Errorf("%s = %v, want %v", what, got, want)
	}
}

func TestPush_SkipsAbsentArtifactRef(t *testing.T) {
	local, remote, c := pair(t)
	ctx := context.Background()
	addNote(t, local, adrRef, "obj1", "adr note")

	res, err := c.Push(ctx, PushOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Remote != "origin" {
		t.Errorf("Remote = %q, want origin", res.Remote)
	}
	wantRefs(t, "Synced", res.Synced, adrRef)
	wantRefs(t, "Skipped", res.Skipped, artifactRef)
	if got := remote.Notes(adrRef); !maps.Equal(got, map[string]string{"obj1": "adr note"}) {
		t.Errorf("remote notes = %v", got)
	}

	addNote(t, local, artifactRef, "obj2", "artifact")
	res, err = c.Push(ctx, PushOptions{Remote: "origin"})
	if err != nil {
		t.Fatal(err)
	}
	wantRefs(t, "Synced", res.Synced, adrRef, artifactRef)
	if n := len(remote.Notes(artifactRef)); n != 1 {
		t.Errorf("remote artifact notes = %d, want 1", n)
	}
}

func TestPush_TransportFailurePropagates(t *testing.T) {
	local, _, c := pair(t)
	addNote(t, local, adrRef, "obj1", "x")

	_, err := c.Push(context.Background(), PushOptions{Remote: "nowhere"})
	if !apperr.IsKind(err, apperr.KindNetworkAuth) {
		t.Errorf("err = %v, want network/auth failure", err)
	}
}

func TestPull_FirstSyncRemoteEmpty(t *testing.T) {
	_, _, c := pair(t)
	res, err := c.Pull(context.Background(), PullOptions{})
	if err != nil {
		t.Fatal(err)
	}
	wantRefs(t, "Synced", res.Synced)
	wantRefs(t, "Skipped", res.Skipped, adrRef, artifactRef)
	if res.Strategy != storage.MergeUnion {
		t.Errorf("Strategy = %s, want union", res.Strategy)
	}
}

func TestPull_MergesWithStrategy(t *testing.T) {
	cases := []struct {
		strategy storage.MergeStrategy
		want     string
	}{
		{storage.MergeOurs, "local\n"},
		{storage.MergeTheirs, "remote\n"},
		{storage.MergeUnion, "local\n\nremote\n"},
		{storage.MergeCatSortUniq, "local\nremote\n"},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			local, remote, c := pair(t)
			addNote(t, local, adrRef, "shared", "local\n")
			addNote(t, remote, adrRef, "shared", "remote\n")
			addNote(t, remote, adrRef, "only-remote", "new\n")

			res, err := c.Pull(context.Background(), PullOptions{Strategy: tc.strategy})
			if err != nil {
				t.Fatal(err)
			}
			wantRefs(t, "Synced", res.Synced, adrRef)
			wantRefs(t, "Skipped", res.Skipped, artifactRef)

			notes := local.Notes(adrRef)
			if notes["shared"] != tc.want {
				t.Errorf("shared = %q, want %q", notes["shared"], tc.want)
			}
			if notes["only-remote"] != "new\n" {
				t.Errorf("only-remote = %q", notes["only-remote"])
			}
			if _, ok := local.Notes(TrackingRef("origin", adrRef))["only-remote"]; !ok {
				t.Error("tracking ref missing the fetched note")
			}
		})
	}
}

func TestPull_StrategyFromConfig(t *testing.T) {
	local, remote, c := pair(t)
	ctx := context.Background()
	addNote(t, local, adrRef, "shared", "local\n")
	addNote(t, remote, adrRef, "shared", "remote\n")

	if err := c.SetDefaultStrategy(ctx, storage.MergeTheirs); err != nil {
		t.Fatal(err)
	}
	v, ok, err := local.ConfigGet(ctx, "notes.adr.mergeStrategy")
	if err != nil || !ok || v != "theirs" {
		t.Fatalf("config = %q, %v, %v", v, ok, err)
	}

	res, err := c.Pull(ctx, PullOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != storage.MergeTheirs {
		t.Errorf("Strategy = %s, want theirs", res.Strategy)
	}
	if got := local.Notes(adrRef)["shared"]; got != "remote\n" {
		t.Errorf("shared = %q", got)
	}
}

func TestStrategyValidation(t *testing.T) {
	local, _, c := pair(t)
	ctx := context.Background()

	if err := c.SetDefaultStrategy(ctx, "octopus"); !apperr.IsValidation(err) {
		t.Errorf("SetDefaultStrategy: err = %v", err)
	}
	if _, err := c.Pull(ctx, PullOptions{Strategy: "octopus"}); !apperr.IsValidation(err) {
		t.Errorf("Pull: err = %v", err)
	}

	if err := local.ConfigSet(ctx, "notes.adr.mergeStrategy", "bogus"); err != nil {
		t.Fatal(err)
	}
	res, err := c.Pull(ctx, PullOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != DefaultStrategy {
		t.Errorf("Strategy = %s, want %s for an unknown configured value", res.Strategy, DefaultStrategy)
	}
}

func TestPull_TransportFailurePropagates(t *testing.T) {
	local, _, c := pair(t)
	local.FailOn("Fetch", &apperr.SubstrateError{Kind: apperr.KindNetworkAuth, Op: "fetch", Stderr: "Authentication failed"})
	if _, err := c.Pull(context.Background(), PullOptions{}); !apperr.IsKind(err, apperr.KindNetworkAuth) {
		t.Errorf("err = %v, want network/auth failure", err)
	}
}

func TestSync_RoundTripBetweenClones(t *testing.T) {
	a, b, server := testutil.NewMemory(), testutil.NewMemory(), testutil.NewMemory()
	a.AddRemote("origin", server)
	b.AddRemote("origin", server)
	ca := New(a, adrRef, []string{artifactRef}, testutil.Logger())
	cb := New(b, adrRef, []string{artifactRef}, testutil.Logger())
	ctx := context.Background()

	addNote(t, a, adrRef, "from-a", "a\n")
	if _, _, err := ca.Sync(ctx, "", "", 0); err != nil {
		t.Fatal(err)
	}

	addNote(t, b, adrRef, "from-b", "b\n")
	if _, _, err := cb.Sync(ctx, "origin", storage.MergeUnion, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := ca.Pull(ctx, PullOptions{}); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"from-a": "a\n", "from-b": "b\n"}
	if got := a.Notes(adrRef); !maps.Equal(got, want) {
		t.Errorf("notes = %v, want %v", got, want)
	}
}

func TestRealGit_PushPull(t *testing.T) {
	g1, dir1 := testutil.GitRepo(t)
	g2, dir2 := testutil.GitRepo(t)
	bare := t.TempDir()
	testutil.Git(t, bare, "init", "-q", "--bare")
	testutil.Git(t, dir1, "remote", "add", "origin", bare)
	testutil.Git(t, dir2, "remote", "add", "origin", bare)
	ctx := context.Background()

	c2 := New(g2, adrRef, []string{artifactRef}, testutil.Logger())
	res, err := c2.Pull(ctx, PullOptions{})
	if err != nil {
		t.Fatalf("first pull from an empty remote: %v", err)
	}
	wantRefs(t, "Synced", res.Synced)

	obj := testutil.Git(t, dir1, "rev-parse", "HEAD^{tree}")
	if err := g1.NotesAdd(ctx, adrRef, obj, []byte("shared note\n")); err != nil {
		t.Fatal(err)
	}
	c1 := New(g1, adrRef, []string{artifactRef}, testutil.Logger())
	res, err = c1.Push(ctx, PushOptions{})
	if err != nil {
		t.Fatal(err)
	}
	wantRefs(t, "Skipped", res.Skipped, artifactRef)

	res, err = c2.Pull(ctx, PullOptions{})
	if err != nil {
		t.Fatal(err)
	}
	wantRefs(t, "Synced", res.Synced, adrRef)
	got, err := g2.NotesShow(ctx, adrRef, obj)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "shared note\n" {
		t.Errorf("note = %q", got)
	}
}
