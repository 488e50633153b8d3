package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/gitadr/internal/adrservice"
	"github.com/starford/gitadr/internal/index"
	"github.com/starford/gitadr/internal/notestore"
	"github.com/starford/gitadr/internal/testutil"
)

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func testServer(t *testing.T) *Server {
	t.Helper()
	mem := testutil.NewMemory()
	logger := testutil.Logger()
	store := notestore.New(mem, notestore.Options{}, logger)
	cache := index.New(store, logger)
	t.Cleanup(func() { cache.Close() })
	return New(adrservice.New(store, cache, nil, logger), "test")
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" helper, so handlers are invoked directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_adrs":
		result, err = srv.listADRs(ctx, req)
	case "get_adr":
		result, err = srv.getADR(ctx, req)
	case "search_adrs":
		result, err = srv.searchADRs(ctx, req)
	case "create_adr":
		result, err = srv.createADR(ctx, req)
	case "link_commit":
		result, err = srv.linkCommit(ctx, req)
	case "attach_artifact":
		result, err = srv.attachArtifact(ctx, req)
	case "list_artifacts":
		result, err = srv.listArtifacts(ctx, req)
	case "get_adr_contract":
		result, err = srv.getContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func createADR(t *testing.T, srv *Server, args map[string]interface{}) string {
	t.Helper()
	r := callTool(t, srv, "create_adr", args)
	text := resultText(r)
	if r.IsError || !strings.HasPrefix(text, "created: ") {
		t.Fatalf("create result = %q", text)
	}
	return strings.TrimPrefix(text, "created: ")
}

func TestCreateAndGetADR(t *testing.T) {
	srv := testServer(t)

	id := createADR(t, srv, map[string]interface{}{
		"title":   "Use PostgreSQL",
		"date":    "2025-01-10",
		"status":  "accepted",
		"tags":    "database, infra",
		"content": "## Context\nWe need a database.\n",
	})
	if id != "20250110-use-postgresql" {
		t.Errorf("id = %q", id)
	}

	text := resultText(callTool(t, srv, "get_adr", map[string]interface{}{"id": id}))
	for _, want := range []string{"id: 20250110-use-postgresql", "status: accepted", "- infra", "## Context\nWe need a database.\n"} {
		if !strings.Contains(text, want) {
			t.Errorf("note missing %q:\n%s", want, text)
		}
	}
}

func TestCreateADR_Invalid(t *testing.T) {
	srv := testServer(t)

	for name, args := range map[string]map[string]interface{}{
		"no title":   {"content": "x"},
		"bad status": {"title": "X", "status": "approved"},
		"bad date":   {"title": "X", "date": "tomorrow"},
	} {
		t.Run(name, func(t *testing.T) {
			if r := callTool(t, srv, "create_adr", args); !r.IsError {
				t.Errorf("expected error, got %q", resultText(r))
			}
		})
	}
}

func TestGetADRMissing(t *testing.T) {
	srv := testServer(t)
	r := callTool(t, srv, "get_adr", map[string]interface{}{"id": "20250110-nope"})
	if !r.IsError {
		t.Error("expected error for missing ADR")
	}
}

func TestListAndSearch(t *testing.T) {
	srv := testServer(t)
	createADR(t, srv, map[string]interface{}{"title": "Adopt Kafka", "date": "2025-01-01", "status": "accepted"})
	createADR(t, srv, map[string]interface{}{"title": "Queues", "date": "2025-02-01", "content": "Kafka vs RabbitMQ\n"})

	var res index.QueryResult
	if err := json.Unmarshal([]byte(resultText(callTool(t, srv, "list_adrs", map[string]interface{}{"status": "accepted"}))), &res); err != nil {
		t.Fatal(err)
	}
	if res.FilteredCount != 1 || res.Entries[0].Title != "Adopt Kafka" {
		t.Errorf("list = %+v", res)
	}

	var hits []index.SearchMatch
	if err := json.Unmarshal([]byte(resultText(callTool(t, srv, "search_adrs", map[string]interface{}{"query": "kafka", "limit": float64(1)}))), &hits); err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Entry.Title != "Adopt Kafka" {
		t.Errorf("hits = %+v", hits)
	}

	if text := resultText(callTool(t, srv, "search_adrs", map[string]interface{}{"query": "postgres"})); text != "no matches" {
		t.Errorf("empty search = %q", text)
	}
}

func TestLinkCommit(t *testing.T) {
	srv := testServer(t)
	id := createADR(t, srv, map[string]interface{}{"title": "Linked"})

	r := callTool(t, srv, "link_commit", map[string]interface{}{"id": id, "commit": "4B825DC"})
	if text := resultText(r); text != "linked: 4b825dc" {
		t.Errorf("link = %q", text)
	}
	if r := callTool(t, srv, "link_commit", map[string]interface{}{"id": id, "commit": "main"}); !r.IsError {
		t.Error("expected error for non-hex commit")
	}
}

func TestAttachArtifact(t *testing.T) {
	srv := testServer(t)
	id := createADR(t, srv, map[string]interface{}{"title": "Diagrams"})

	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader)
	r := callTool(t, srv, "attach_artifact", map[string]interface{}{"id": id, "url": uri, "alt": "Flow"})
	if r.IsError {
		t.Fatalf("attach = %q", resultText(r))
	}
	var out attachResult
	if err := json.Unmarshal([]byte(resultText(r)), &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out.Name, ".png") || out.Size != int64(len(pngHeader)) {
		t.Errorf("result = %+v", out)
	}
	if !strings.HasPrefix(out.MarkdownImage, "![Flow](artifact:"+out.SHA256) {
		t.Errorf("markdown = %q", out.MarkdownImage)
	}

	list := resultText(callTool(t, srv, "list_artifacts", map[string]interface{}{"id": id}))
	if !strings.Contains(list, out.SHA256) {
		t.Errorf("list = %q", list)
	}
	note := resultText(callTool(t, srv, "get_adr", map[string]interface{}{"id": id}))
	if !strings.Contains(note, "artifact:"+out.SHA256) {
		t.Errorf("body has no reference:\n%s", note)
	}
}

func TestAttachArtifact_Rejects(t *testing.T) {
	srv := testServer(t)
	id := createADR(t, srv, map[string]interface{}{"title": "Rejects"})
	png := base64.StdEncoding.EncodeToString(pngHeader)

	cases := map[string]map[string]interface{}{
		"http url":       {"id": id, "url": "https://example.com/a.png"},
		"not base64":     {"id": id, "url": "data:image/png,raw"},
		"unknown mime":   {"id": id, "url": "data:text/html;base64,PGI+"},
		"bad extension":  {"id": id, "url": "data:image/png;base64," + png, "filename": "a.exe"},
		"magic mismatch": {"id": id, "url": "data:image/png;base64," + png, "filename": "a.gif"},
		"unknown owner":  {"id": "20250110-ghost", "url": "data:image/png;base64," + png},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if r := callTool(t, srv, "attach_artifact", args); !r.IsError {
				t.Errorf("expected error, got %q", resultText(r))
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	for in, want := range map[string]string{
		"../../etc/passwd": "passwd",
		"my diagram.png":   "my_diagram.png",
		"схема.svg":        "_____.svg",
	} {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContract(t *testing.T) {
	srv := testServer(t)
	text := resultText(callTool(t, srv, "get_adr_contract", map[string]interface{}{}))
	if !strings.Contains(text, "refs/notes/adr") {
		t.Error("contract does not name the notes ref")
	}
	res, err := srv.readContractResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil || len(res) != 1 {
		t.Fatalf("resource = %v, %v", res, err)
	}
}
