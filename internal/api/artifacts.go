package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/starford/gitadr/internal/models"
)

// maxUploadBytes bounds the multipart body. The store enforces its own,
// usually smaller, per-artifact limit.
const maxUploadBytes = 50 << 20

// UploadArtifact handles POST /api/adrs/{id}/artifacts (multipart/form-data,
// field "file", optional field "alt").
//
//	@Summary		Attach a file to an ADR
//	@Tags			artifacts
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			id		path		string	true	"ADR id"
//	@Param			file	formData	file	true	"Artifact content"
//	@Param			alt		formData	string	false	"Alt text"
//	@Success		201		{object}	models.ArtifactInfo
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/adrs/{id}/artifacts [post]
func (h *Handler) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}

	info, err := h.svc.AttachArtifact(r.Context(), chi.URLParam(r, "id"), data, header.Filename, r.FormValue("alt"))
	if err != nil {
		writeError(w, "attach artifact", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// ListArtifacts handles GET /api/adrs/{id}/artifacts.
//
//	@Summary		List the artifacts attached to an ADR
//	@Tags			artifacts
//	@Produce		json
//	@Param			id	path		string	true	"ADR id"
//	@Success		200	{object}	ArtifactListResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/adrs/{id}/artifacts [get]
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListArtifacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "list artifacts", err)
		return
	}
	if list == nil {
		list = []models.ArtifactInfo{}
	}
	writeJSON(w, http.StatusOK, ArtifactListResponse{Artifacts: list})
}

// DetachArtifact handles DELETE /api/adrs/{id}/artifacts/{sha}. The blob
// stays reachable for other ADRs that reference it.
//
//	@Summary		Detach an artifact from an ADR
//	@Tags			artifacts
//	@Param			id	path	string	true	"ADR id"
//	@Param			sha	path	string	true	"Artifact SHA-256"
//	@Success		204	"Artifact detached"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/adrs/{id}/artifacts/{sha} [delete]
func (h *Handler) DetachArtifact(w http.ResponseWriter, r *http.Request) {
	removed, err := h.svc.DetachArtifact(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "sha"))
	if err != nil {
		writeError(w, "detach artifact", err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeArtifact handles GET /api/artifacts/{sha} and writes the raw bytes.
//
//	@Summary		Download artifact content
//	@Tags			artifacts
//	@Produce		octet-stream
//	@Param			sha	path		string	true	"Artifact SHA-256"
//	@Success		200	{file}		binary
//	@Failure		400	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/artifacts/{sha} [get]
func (h *Handler) ServeArtifact(w http.ResponseWriter, r *http.Request) {
	sha := chi.URLParam(r, "sha")
	info, data, err := h.svc.GetArtifact(r.Context(), sha)
	if err != nil {
		writeError(w, "get artifact", err)
		return
	}
	mt := info.MimeType
	if mt == "" {
		mt = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mt)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", strconv.Quote(sha))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if info.Name != "" {
		w.Header().Set("Content-Disposition", `inline; filename=`+strconv.Quote(info.Name))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
