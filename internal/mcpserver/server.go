// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the ADR engine to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/gitadr/internal/adrservice"
	"github.com/starford/gitadr/internal/apperr"
	"github.com/starford/gitadr/internal/index"
	"github.com/starford/gitadr/internal/models"
	"github.com/starford/gitadr/internal/parser"
)

const contractURI = "gitadr://adr-format"

// Server wraps the MCP server with ADR tools.
type Server struct {
	mcp *server.MCPServer
	svc *adrservice.Service
}

// New creates a new MCP server with all ADR tools registered.
func New(svc *adrservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"gitadr",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_adrs",
		mcp.WithDescription("List ADRs ordered by date, optionally filtered."),
		mcp.WithString("status", mcp.Description("Filter by status: draft, proposed, accepted, rejected, deprecated, superseded")),
		mcp.WithString("tag", mcp.Description("Filter by tag (case-insensitive)")),
		mcp.WithString("since", mcp.Description("Earliest date, YYYY-MM-DD")),
		mcp.WithString("until", mcp.Description("Latest date, YYYY-MM-DD")),
		mcp.WithNumber("limit", mcp.Description("Max entries (default: all)")),
	), s.listADRs)

	s.mcp.AddTool(mcp.NewTool("get_adr",
		mcp.WithDescription("Read one ADR in its canonical note form (YAML preamble plus Markdown body)."),
		mcp.WithString("id", mcp.Required(), mcp.Description("ADR id, e.g. 20250110-use-postgresql")),
	), s.getADR)

	s.mcp.AddTool(mcp.NewTool("search_adrs",
		mcp.WithDescription("Ranked full-text search over ADR titles and bodies."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text, or a regular expression when regex is true")),
		mcp.WithString("status", mcp.Description("Filter by status")),
		mcp.WithString("tag", mcp.Description("Filter by tag")),
		mcp.WithBoolean("regex", mcp.Description("Treat query as a regular expression")),
		mcp.WithBoolean("case_sensitive", mcp.Description("Match case exactly")),
		mcp.WithNumber("context", mcp.Description("Lines of context around each match (default: 0)")),
		mcp.WithNumber("limit", mcp.Description("Max results (default: 20)")),
	), s.searchADRs)

	s.mcp.AddTool(mcp.NewTool("create_adr",
		mcp.WithDescription("Record a new ADR. The id is derived from the date and title. "+
			"The body SHOULD follow the section layout described by get_adr_contract or the "+
			contractURI+" resource."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Decision title")),
		mcp.WithString("content", mcp.Description("Markdown body")),
		mcp.WithString("status", mcp.Description("Initial status (default: draft)")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags")),
		mcp.WithString("date", mcp.Description("Decision date, YYYY-MM-DD (default: today)")),
	), s.createADR)

	s.mcp.AddTool(mcp.NewTool("link_commit",
		mcp.WithDescription("Record that a commit implements an ADR."),
		mcp.WithString("id", mcp.Required(), mcp.Description("ADR id")),
		mcp.WithString("commit", mcp.Required(), mcp.Description("Commit SHA (7 to 64 hex characters)")),
	), s.linkCommit)

	s.mcp.AddTool(mcp.NewTool("attach_artifact",
		mcp.WithDescription("Attach an image or PDF to an ADR. Returns a markdownImage reference "+
			"that can be pasted into the ADR body."),
		mcp.WithString("id", mcp.Required(), mcp.Description("ADR id")),
		mcp.WithString("url", mcp.Required(), mcp.Description("Base64 data URI (data:image/png;base64,...)")),
		mcp.WithString("filename", mcp.Description("Optional file name; generated when empty")),
		mcp.WithString("alt", mcp.Description("Alt text")),
	), s.attachArtifact)

	s.mcp.AddTool(mcp.NewTool("list_artifacts",
		mcp.WithDescription("List the artifacts attached to an ADR."),
		mcp.WithString("id", mcp.Required(), mcp.Description("ADR id")),
	), s.listArtifacts)

	s.mcp.AddTool(mcp.NewTool("get_adr_contract",
		mcp.WithDescription("Returns the canonical ADR format contract. "+
			"Call this before creating ADRs to ensure correct structure."),
	), s.getContract)

	// Resource: ADR format contract.
	s.mcp.AddResource(
		mcp.NewResource(contractURI, "ADR Format Contract",
			mcp.WithResourceDescription("Canonical note format that all ADRs follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// intArg extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string) bool {
	v, _ := req.GetArguments()[key].(bool)
	return v
}

func statusArg(req mcp.CallToolRequest) (models.Status, error) {
	v := req.GetString("status", "")
	if v == "" {
		return "", nil
	}
	return models.ParseStatus(v)
}

func dateArg(req mcp.CallToolRequest, key string) (time.Time, error) {
	v := req.GetString(key, "")
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(models.DateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD", key)
	}
	return t, nil
}

// toolError renders err for the model. Substrate failures are reported by
// kind only.
func toolError(err error) *mcp.CallToolResult {
	var se *apperr.SubstrateError
	if errors.As(err, &se) {
		return mcp.NewToolResultError(fmt.Sprintf("git %s failed (%s)", se.Op, se.Kind))
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func (s *Server) listADRs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		opts index.QueryOptions
		err  error
	)
	if opts.Status, err = statusArg(req); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if opts.Since, err = dateArg(req, "since"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if opts.Until, err = dateArg(req, "until"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts.Tag = req.GetString("tag", "")
	opts.Limit = intArg(req, "limit", 0)

	res, err := s.svc.Query(ctx, opts)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(res), nil
}

func (s *Server) getADR(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.svc.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
		}
		return toolError(err), nil
	}
	text, err := parser.Serialize(d.ADR)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(string(text)), nil
}

func (s *Server) searchADRs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := statusArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, index.SearchOptions{
		Query:         query,
		Status:        status,
		Tag:           req.GetString("tag", ""),
		Regex:         boolArg(req, "regex"),
		CaseSensitive: boolArg(req, "case_sensitive"),
		ContextLines:  intArg(req, "context", 0),
		Limit:         intArg(req, "limit", index.DefaultSearchLimit),
	})
	if err != nil {
		return toolError(err), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("no matches"), nil
	}
	return jsonResult(results), nil
}

func (s *Server) createADR(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a := &models.ADR{Title: title, Content: req.GetString("content", "")}
	if a.Status, err = statusArg(req); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if a.Date, err = dateArg(req, "date"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	for _, tag := range strings.Split(req.GetString("tags", ""), ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			a.Tags = append(a.Tags, tag)
		}
	}

	d, err := s.svc.Create(ctx, a)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", d.ID)), nil
}

func (s *Server) linkCommit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sha, err := req.RequireString("commit")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	d, err := s.svc.LinkCommit(ctx, id, sha)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("linked: %s", strings.Join(d.LinkedCommits, ", "))), nil
}

func (s *Server) listArtifacts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	list, err := s.svc.ListArtifacts(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("no artifacts"), nil
	}
	return jsonResult(list), nil
}

func (s *Server) getContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ADRFormatContract), nil
}

func (s *Server) readContractResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     ADRFormatContract,
		},
	}, nil
}
