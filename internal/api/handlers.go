package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/starford/gitadr/internal/adrservice"
	"github.com/starford/gitadr/internal/apperr"
	"github.com/starford/gitadr/internal/index"
	"github.com/starford/gitadr/internal/models"
	"github.com/starford/gitadr/internal/notesync"
	"github.com/starford/gitadr/internal/storage"
)

const maxBodyBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *adrservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *adrservice.Service) *Handler {
	return &Handler{svc: svc}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Invalid(name, v, "must be a non-negative integer")
	}
	return n, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperr.Invalid(name, v, "must be a boolean")
	}
	return b, nil
}

func dateParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(models.DateLayout, v)
	if err != nil {
		return time.Time{}, apperr.Invalid(name, v, "must be YYYY-MM-DD")
	}
	return t, nil
}

func statusParam(r *http.Request) (models.Status, error) {
	v := r.URL.Query().Get("status")
	if v == "" {
		return "", nil
	}
	st, err := models.ParseStatus(v)
	if err != nil {
		return "", apperr.Invalid("status", v, "unknown status")
	}
	return st, nil
}

func listOptions(r *http.Request) (index.QueryOptions, error) {
	var (
		opts index.QueryOptions
		err  error
	)
	q := r.URL.Query()
	opts.Tag = q.Get("tag")
	if opts.Status, err = statusParam(r); err != nil {
		return opts, err
	}
	if opts.Since, err = dateParam(r, "since"); err != nil {
		return opts, err
	}
	if opts.Until, err = dateParam(r, "until"); err != nil {
		return opts, err
	}
	if q.Get("linked") != "" {
		linked, err := boolParam(r, "linked")
		if err != nil {
			return opts, err
		}
		opts.HasLinkedCommits = &linked
	}
	if opts.Reverse, err = boolParam(r, "reverse"); err != nil {
		return opts, err
	}
	if opts.Limit, err = intParam(r, "limit"); err != nil {
		return opts, err
	}
	if opts.Offset, err = intParam(r, "offset"); err != nil {
		return opts, err
	}
	return opts, nil
}

func searchOptions(r *http.Request) (index.SearchOptions, error) {
	var err error
	opts := index.SearchOptions{
		Query: r.URL.Query().Get("q"),
		Tag:   r.URL.Query().Get("tag"),
	}
	if opts.Status, err = statusParam(r); err != nil {
		return opts, err
	}
	if opts.CaseSensitive, err = boolParam(r, "case"); err != nil {
		return opts, err
	}
	if opts.Regex, err = boolParam(r, "regex"); err != nil {
		return opts, err
	}
	if opts.ContextLines, err = intParam(r, "context"); err != nil {
		return opts, err
	}
	if opts.Limit, err = intParam(r, "limit"); err != nil {
		return opts, err
	}
	return opts, nil
}

// ListADRs handles GET /api/adrs.
//
//	@Summary		List ADRs with filtering and pagination
//	@Tags			adrs
//	@Produce		json
//	@Param			status	query		string	false	"Filter by status"	Enums(draft, proposed, accepted, rejected, deprecated, superseded)
//	@Param			tag		query		string	false	"Filter by tag (case-insensitive)"
//	@Param			since	query		string	false	"Earliest date, inclusive (YYYY-MM-DD)"
//	@Param			until	query		string	false	"Latest date, inclusive (YYYY-MM-DD)"
//	@Param			linked	query		bool	false	"Only ADRs with (true) or without (false) linked commits"
//	@Param			reverse	query		bool	false	"Newest first"
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	ADRListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/adrs [get]
func (h *Handler) ListADRs(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, "list adrs", err)
		return
	}
	res, err := h.svc.Query(r.Context(), opts)
	if err != nil {
		writeError(w, "list adrs", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetADR handles GET /api/adrs/{id}.
//
//	@Summary		Get a single ADR
//	@Tags			adrs
//	@Produce		json
//	@Param			id	path		string	true	"ADR id"
//	@Success		200	{object}	ADRDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/adrs/{id} [get]
func (h *Handler) GetADR(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get adr", err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(d.Checksum))
	writeJSON(w, http.StatusOK, d)
}

// CreateADR handles POST /api/adrs.
//
//	@Summary		Create a new ADR
//	@Tags			adrs
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ADRRequest	true	"ADR to create"
//	@Success		201		{object}	ADRDetail
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/adrs [post]
func (h *Handler) CreateADR(w http.ResponseWriter, r *http.Request) {
	var req ADRRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := req.toADR()
	if err != nil {
		writeError(w, "create adr", err)
		return
	}
	d, err := h.svc.Create(r.Context(), a)
	if err != nil {
		writeError(w, "create adr", err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(d.Checksum))
	writeJSON(w, http.StatusCreated, d)
}

// UpdateADR handles PUT /api/adrs/{id}.
//
//	@Summary		Replace an ADR with optimistic concurrency
//	@Tags			adrs
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string		true	"ADR id"
//	@Param			If-Match	header		string		false	"Checksum from a previous read"
//	@Param			body		body		ADRRequest	true	"Replacement ADR"
//	@Success		200			{object}	ADRDetail
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/adrs/{id} [put]
func (h *Handler) UpdateADR(w http.ResponseWriter, r *http.Request) {
	var req ADRRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := req.toADR()
	if err != nil {
		writeError(w, "update adr", err)
		return
	}
	a.ID = chi.URLParam(r, "id")

	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	d, err := h.svc.Update(r.Context(), a, ifMatch)
	if err != nil {
		writeError(w, "update adr", err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(d.Checksum))
	writeJSON(w, http.StatusOK, d)
}

// DeleteADR handles DELETE /api/adrs/{id}.
//
//	@Summary		Delete an ADR
//	@Tags			adrs
//	@Param			id	path	string	true	"ADR id"
//	@Success		204	"ADR deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/adrs/{id} [delete]
func (h *Handler) DeleteADR(w http.ResponseWriter, r *http.Request) {
	removed, err := h.svc.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "delete adr", err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Supersede handles POST /api/adrs/{id}/supersede.
//
//	@Summary		Mark an ADR as superseded by another
//	@Tags			adrs
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Superseded ADR id"
//	@Param			body	body		SupersedeRequest	true	"Replacing ADR"
//	@Success		200		{object}	ADRDetail
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/adrs/{id}/supersede [post]
func (h *Handler) Supersede(w http.ResponseWriter, r *http.Request) {
	var req SupersedeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.svc.Supersede(r.Context(), id, req.By); err != nil {
		writeError(w, "supersede adr", err)
		return
	}
	d, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, "supersede adr", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// LinkCommit handles POST /api/adrs/{id}/commits.
//
//	@Summary		Link a commit to an ADR
//	@Tags			adrs
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"ADR id"
//	@Param			body	body		LinkCommitRequest	true	"Commit SHA"
//	@Success		200		{object}	ADRDetail
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/adrs/{id}/commits [post]
func (h *Handler) LinkCommit(w http.ResponseWriter, r *http.Request) {
	var req LinkCommitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := h.svc.LinkCommit(r.Context(), chi.URLParam(r, "id"), req.Commit)
	if err != nil {
		writeError(w, "link commit", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Search handles GET /api/search.
//
//	@Summary		Ranked full-text search across ADRs
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search pattern"
//	@Param			status	query		string	false	"Filter by status"
//	@Param			tag		query		string	false	"Filter by tag"
//	@Param			case	query		bool	false	"Case-sensitive matching"
//	@Param			regex	query		bool	false	"Treat q as a regular expression"
//	@Param			context	query		int		false	"Lines of context around matches"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	opts, err := searchOptions(r)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	results, err := h.svc.Search(r.Context(), opts)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	if results == nil {
		results = []index.SearchMatch{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Stats handles GET /api/stats.
//
//	@Summary		Counts by status and tag
//	@Tags			adrs
//	@Produce		json
//	@Success		200	{object}	index.Stats
//	@Security		BearerAuth
//	@Router			/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Problems handles GET /api/problems.
//
//	@Summary		Report ADRs with inconsistent metadata
//	@Tags			adrs
//	@Produce		json
//	@Success		200	{object}	ProblemsResponse
//	@Security		BearerAuth
//	@Router			/problems [get]
func (h *Handler) Problems(w http.ResponseWriter, r *http.Request) {
	problems, err := h.svc.Problems(r.Context())
	if err != nil {
		writeError(w, "problems", err)
		return
	}
	if problems == nil {
		problems = []adrservice.Problem{}
	}
	writeJSON(w, http.StatusOK, ProblemsResponse{Problems: problems})
}

// Pull handles POST /api/sync/pull.
//
//	@Summary		Fetch and merge notes from a remote
//	@Tags			sync
//	@Produce		json
//	@Param			remote		query		string	false	"Remote name"	default(origin)
//	@Param			strategy	query		string	false	"Merge strategy"	Enums(union, ours, theirs, cat_sort_uniq)
//	@Success		200			{object}	notesync.Result
//	@Failure		400			{object}	errResponse
//	@Failure		502			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync/pull [post]
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	opts := notesync.PullOptions{
		Remote:   r.URL.Query().Get("remote"),
		Strategy: storage.MergeStrategy(r.URL.Query().Get("strategy")),
	}
	res, err := h.svc.Pull(r.Context(), opts)
	if err != nil {
		writeError(w, "pull notes", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Push handles POST /api/sync/push.
//
//	@Summary		Push notes refs to a remote
//	@Tags			sync
//	@Produce		json
//	@Param			remote	query		string	false	"Remote name"	default(origin)
//	@Param			force	query		bool	false	"Force push"
//	@Success		200		{object}	notesync.Result
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync/push [post]
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	force, err := boolParam(r, "force")
	if err != nil {
		writeError(w, "push notes", err)
		return
	}
	res, err := h.svc.Push(r.Context(), notesync.PushOptions{Remote: r.URL.Query().Get("remote"), Force: force})
	if err != nil {
		writeError(w, "push notes", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
