package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/starford/gitadr/internal/adrservice"
	"github.com/starford/gitadr/internal/index"
	"github.com/starford/gitadr/internal/models"
	"github.com/starford/gitadr/internal/notestore"
	"github.com/starford/gitadr/internal/notesync"
	"github.com/starford/gitadr/internal/testutil"
)

// testEnv builds a service over an in-memory notes substrate and mounts the router.
// An empty authToken means auth is disabled.
func testEnv(t *testing.T, authToken string) (*adrservice.Service, http.Handler) {
	t.Helper()
	return testEnvWithSSE(t, authToken != "", authToken, nil)
}

func testEnvWithSSE(t *testing.T, authEnabled bool, token string, sseHandler http.Handler) (*adrservice.Service, http.Handler) {
	t.Helper()
	mem := testutil.NewMemory()
	mem.AddRemote("origin", testutil.NewMemory())
	logger := testutil.Logger()
	store := notestore.New(mem, notestore.Options{MaxArtifactSize: 1 << 10}, logger)
	cache := index.New(store, logger)
	t.Cleanup(func() { cache.Close() })
	coord := notesync.New(mem, store.ADRRef(), []string{store.ArtifactRef()}, logger)
	svc := adrservice.New(store, cache, coord, logger)
	return svc, NewRouter(svc, authEnabled, token, sseHandler)
}

func do(t *testing.T, router http.Handler, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestCreateAndGetADR(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/adrs", ADRRequest{
		Title: "Use PostgreSQL", Date: "2025-01-10", Status: "accepted",
		Tags: []string{"database"}, Content: "## Context\nWe need a database.\n",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	created := decode[adrservice.Detail](t, w)
	if created.ID != "20250110-use-postgresql" {
		t.Errorf("id = %q", created.ID)
	}
	if w.Header().Get("ETag") != strconv.Quote(created.Checksum) {
		t.Errorf("etag = %q", w.Header().Get("ETag"))
	}

	w = do(t, router, http.MethodGet, "/adrs/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	got := decode[adrservice.Detail](t, w)
	if got.Title != "Use PostgreSQL" || got.Status != models.StatusAccepted {
		t.Errorf("got = %+v", got.ADR)
	}
	if got.Content != "## Context\nWe need a database.\n" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestCreate_Invalid(t *testing.T) {
	_, router := testEnv(t, "")

	cases := map[string]any{
		"bad status": ADRRequest{Title: "X", Status: "approved"},
		"bad date":   ADRRequest{Title: "X", Date: "10/01/2025"},
		"no title":   ADRRequest{Content: "body"},
		"bad json":   "not an object",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/adrs", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateDuplicate(t *testing.T) {
	_, router := testEnv(t, "")

	req := ADRRequest{ID: "20250110-dup", Title: "Dup"}
	if w := do(t, router, http.MethodPost, "/adrs", req); w.Code != http.StatusCreated {
		t.Fatalf("first create = %d", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/adrs", req); w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}
}

func TestUpdateWithOptimisticLocking(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Lock", Date: "2025-01-10", Content: "v1\n"})
	created := decode[adrservice.Detail](t, w)

	// Stale checksum → 409.
	w = do(t, router, http.MethodPut, "/adrs/"+created.ID, ADRRequest{Title: "Lock", Content: "v2\n"}, "If-Match", `"stale"`)
	if w.Code != http.StatusConflict {
		t.Fatalf("stale update = %d, want 409", w.Code)
	}

	w = do(t, router, http.MethodPut, "/adrs/"+created.ID, ADRRequest{Title: "Lock", Content: "v2\n"}, "If-Match", strconv.Quote(created.Checksum))
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d, body = %s", w.Code, w.Body.String())
	}
	updated := decode[adrservice.Detail](t, w)
	if updated.Content != "v2\n" || updated.Checksum == created.Checksum {
		t.Errorf("updated = %+v", updated)
	}
	if !updated.Date.Equal(created.Date) || updated.Status != models.StatusDraft {
		t.Errorf("stored date/status not kept: %v %s", updated.Date, updated.Status)
	}
}

func TestUpdateWithoutIfMatch(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Free"})
	created := decode[adrservice.Detail](t, w)
	w = do(t, router, http.MethodPut, "/adrs/"+created.ID, ADRRequest{Title: "Free", Status: "proposed"})
	if w.Code != http.StatusOK {
		t.Errorf("update without If-Match = %d", w.Code)
	}
}

func TestUpdateADR_NotFound(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPut, "/adrs/20250110-ghost", ADRRequest{Title: "Ghost"})
	if w.Code != http.StatusNotFound {
		t.Errorf("update missing = %d, want 404", w.Code)
	}
}

func TestGetADR_NotFound(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodGet, "/adrs/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing adr = %d, want 404", w.Code)
	}
}

func TestDeleteADR(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Gone"})
	created := decode[adrservice.Detail](t, w)

	if w := do(t, router, http.MethodDelete, "/adrs/"+created.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/adrs/"+created.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", w.Code)
	}
	if w := do(t, router, http.MethodDelete, "/adrs/"+created.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestListADRs(t *testing.T) {
	svc, router := testEnv(t, "")
	ctx := context.Background()

	for _, a := range []*models.ADR{
		{ID: "a", Title: "A", Status: models.StatusAccepted, Date: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Tags: []string{"db"}},
		{ID: "b", Title: "B", Status: models.StatusAccepted, Date: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "c", Title: "C", Status: models.StatusDraft, Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Tags: []string{"DB"}},
	} {
		if _, err := svc.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	w := do(t, router, http.MethodGet, "/adrs?status=accepted&reverse=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[index.QueryResult](t, w)
	if res.TotalCount != 3 || res.FilteredCount != 2 {
		t.Errorf("counts = %d/%d", res.TotalCount, res.FilteredCount)
	}
	if len(res.Entries) != 2 || res.Entries[0].ID != "b" {
		t.Errorf("entries = %+v", res.Entries)
	}

	res = decode[index.QueryResult](t, do(t, router, http.MethodGet, "/adrs?tag=db&since=2025-02-01", nil))
	if len(res.Entries) != 1 || res.Entries[0].ID != "c" {
		t.Errorf("tag+since entries = %+v", res.Entries)
	}

	res = decode[index.QueryResult](t, do(t, router, http.MethodGet, "/adrs?limit=1&offset=1", nil))
	if len(res.Entries) != 1 || res.Entries[0].ID != "b" {
		t.Errorf("paged entries = %+v", res.Entries)
	}

	for _, q := range []string{"status=approved", "since=yesterday", "limit=-1", "linked=maybe"} {
		if w := do(t, router, http.MethodGet, "/adrs?"+q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", q, w.Code)
		}
	}
}

func TestSearchEndpoint(t *testing.T) {
	_, router := testEnv(t, "")

	do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Use Kafka", Content: "Streams.\n"})
	do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Queues", Content: "Kafka or RabbitMQ.\n"})

	w := do(t, router, http.MethodGet, "/search?q=kafka&context=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[SearchResponse](t, w)
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if resp.Results[0].Entry.Title != "Use Kafka" {
		t.Errorf("title hit should rank first, got %q", resp.Results[0].Entry.Title)
	}

	w = do(t, router, http.MethodGet, "/search?q=nothing-matches", nil)
	if resp := decode[SearchResponse](t, w); resp.Results == nil || len(resp.Results) != 0 {
		t.Errorf("empty results = %#v", resp.Results)
	}
}

func TestSearchMissingQuery(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodGet, "/search", nil); w.Code != http.StatusBadRequest {
		t.Errorf("search no query = %d, want 400", w.Code)
	}
}

func TestSupersedeAndProblems(t *testing.T) {
	_, router := testEnv(t, "")

	old := decode[adrservice.Detail](t, do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Old", Status: "accepted"}))
	newer := decode[adrservice.Detail](t, do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "New", Status: "accepted"}))

	w := do(t, router, http.MethodPost, "/adrs/"+old.ID+"/supersede", SupersedeRequest{By: newer.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("supersede = %d, body = %s", w.Code, w.Body.String())
	}
	got := decode[adrservice.Detail](t, w)
	if got.Status != models.StatusSuperseded || got.SupersededBy != newer.ID {
		t.Errorf("superseded = %+v", got.ADR)
	}

	do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Orphan", Status: "superseded"})
	resp := decode[ProblemsResponse](t, do(t, router, http.MethodGet, "/problems", nil))
	if len(resp.Problems) != 1 {
		t.Errorf("problems = %+v", resp.Problems)
	}

	stats := decode[index.Stats](t, do(t, router, http.MethodGet, "/stats", nil))
	if stats.Total != 3 || stats.ByStatus["superseded"] != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestLinkCommit(t *testing.T) {
	_, router := testEnv(t, "")

	a := decode[adrservice.Detail](t, do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Linked"}))
	w := do(t, router, http.MethodPost, "/adrs/"+a.ID+"/commits", LinkCommitRequest{Commit: "ABCDEF1"})
	if w.Code != http.StatusOK {
		t.Fatalf("link = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decode[adrservice.Detail](t, w); len(got.LinkedCommits) != 1 || got.LinkedCommits[0] != "abcdef1" {
		t.Errorf("linked = %v", got.LinkedCommits)
	}
	if w := do(t, router, http.MethodPost, "/adrs/"+a.ID+"/commits", LinkCommitRequest{Commit: "zz"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad sha = %d, want 400", w.Code)
	}
}

func TestSyncEndpoints(t *testing.T) {
	_, router := testEnv(t, "")

	do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Shared"})
	w := do(t, router, http.MethodPost, "/sync/push", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("push = %d, body = %s", w.Code, w.Body.String())
	}
	if res := decode[notesync.Result](t, w); len(res.Synced) != 1 {
		t.Errorf("pushed = %+v", res)
	}

	if w := do(t, router, http.MethodPost, "/sync/pull?strategy=bogus", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad strategy = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/sync/pull?remote=nowhere", nil); w.Code != http.StatusBadGateway {
		t.Errorf("unknown remote = %d, want 502", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	w := do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Auth"}, "Authorization", "Bearer secret123")
	if w.Code != http.StatusCreated {
		t.Errorf("authed create = %d, want 201", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	if w := do(t, router, http.MethodGet, "/adrs", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	if w := do(t, router, http.MethodGet, "/adrs", nil, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodGet, "/adrs", nil); w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// SSE endpoint auth tests.

func blockingSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	_, router := testEnvWithSSE(t, true, "secret", blockingSSE())

	if w := do(t, router, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	_, router := testEnvWithSSE(t, true, "tok", blockingSSE())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

// Artifact tests.

func uploadFile(t *testing.T, router http.Handler, id, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(part, bytes.NewReader(content))
	_ = mw.WriteField("alt", "a diagram")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/adrs/"+id+"/artifacts", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUploadAndServeArtifact(t *testing.T) {
	_, router := testEnv(t, "")
	a := decode[adrservice.Detail](t, do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Diagrams"}))

	w := uploadFile(t, router, a.ID, "flow.png", []byte("fake-png-data"))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload = %d, body = %s", w.Code, w.Body.String())
	}
	info := decode[models.ArtifactInfo](t, w)
	if info.Name != "flow.png" || info.MimeType != "image/png" || info.Size != 13 || info.AltText != "a diagram" {
		t.Errorf("info = %+v", info)
	}

	list := decode[ArtifactListResponse](t, do(t, router, http.MethodGet, "/adrs/"+a.ID+"/artifacts", nil))
	if len(list.Artifacts) != 1 || list.Artifacts[0].SHA256 != info.SHA256 {
		t.Errorf("artifacts = %+v", list.Artifacts)
	}

	w = do(t, router, http.MethodGet, "/artifacts/"+info.SHA256, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("serve = %d", w.Code)
	}
	if w.Body.String() != "fake-png-data" || w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("served %q as %q", w.Body.String(), w.Header().Get("Content-Type"))
	}

	if w := do(t, router, http.MethodDelete, "/adrs/"+a.ID+"/artifacts/"+info.SHA256, nil); w.Code != http.StatusNoContent {
		t.Errorf("detach = %d", w.Code)
	}
	if w := do(t, router, http.MethodDelete, "/adrs/"+a.ID+"/artifacts/"+info.SHA256, nil); w.Code != http.StatusNotFound {
		t.Errorf("second detach = %d, want 404", w.Code)
	}
}

func TestServeArtifact_Errors(t *testing.T) {
	_, router := testEnv(t, "")

	missing := "0000000000000000000000000000000000000000000000000000000000000000"
	if w := do(t, router, http.MethodGet, "/artifacts/"+missing, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing artifact = %d, want 404", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/artifacts/not-a-sha", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad sha = %d, want 400", w.Code)
	}
}

func TestUploadArtifact_Errors(t *testing.T) {
	_, router := testEnv(t, "")
	a := decode[adrservice.Detail](t, do(t, router, http.MethodPost, "/adrs", ADRRequest{Title: "Uploads"}))

	if w := uploadFile(t, router, "20250110-nobody", "x.txt", []byte("x")); w.Code != http.StatusNotFound {
		t.Errorf("unknown owner = %d, want 404", w.Code)
	}
	if w := uploadFile(t, router, a.ID, "big.bin", bytes.Repeat([]byte("x"), 2<<10)); w.Code != http.StatusBadRequest {
		t.Errorf("oversize = %d, want 400", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/adrs/"+a.ID+"/artifacts", bytes.NewReader([]byte("not multipart")))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing file field = %d, want 400", w.Code)
	}
}
