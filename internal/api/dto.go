package api

import (
	"time"

	"github.com/starford/gitadr/internal/adrservice"
	"github.com/starford/gitadr/internal/apperr"
	"github.com/starford/gitadr/internal/index"
	"github.com/starford/gitadr/internal/models"
)

// ADRRequest is the request body for creating or replacing an ADR.
// An empty id on create is generated from date and title.
type ADRRequest struct {
	ID            string   `json:"id,omitempty" example:"20250110-use-postgresql"`
	Title         string   `json:"title" example:"Use PostgreSQL" validate:"required"`
	Date          string   `json:"date,omitempty" example:"2025-01-10"`
	Status        string   `json:"status,omitempty" example:"proposed"`
	Tags          []string `json:"tags,omitempty" example:"database,infra"`
	Deciders      []string `json:"deciders,omitempty"`
	Consulted     []string `json:"consulted,omitempty"`
	Informed      []string `json:"informed,omitempty"`
	LinkedCommits []string `json:"linked_commits,omitempty"`
	Supersedes    string   `json:"supersedes,omitempty"`
	SupersededBy  string   `json:"superseded_by,omitempty"`
	Format        string   `json:"format,omitempty" example:"madr"`
	Content       string   `json:"content" example:"## Context\n..."`
}

// toADR converts the request, using strict status parsing for user input.
func (r ADRRequest) toADR() (*models.ADR, error) {
	a := &models.ADR{
		ID:            r.ID,
		Title:         r.Title,
		Tags:          r.Tags,
		Deciders:      r.Deciders,
		Consulted:     r.Consulted,
		Informed:      r.Informed,
		LinkedCommits: r.LinkedCommits,
		Supersedes:    r.Supersedes,
		SupersededBy:  r.SupersededBy,
		Format:        r.Format,
		Content:       r.Content,
	}
	if r.Status != "" {
		st, err := models.ParseStatus(r.Status)
		if err != nil {
			return nil, apperr.Invalid("status", r.Status, "unknown status")
		}
		a.Status = st
	}
	if r.Date != "" {
		d, err := time.Parse(models.DateLayout, r.Date)
		if err != nil {
			return nil, apperr.Invalid("date", r.Date, "must be YYYY-MM-DD")
		}
		a.Date = d
	}
	return a, nil
}

// SupersedeRequest names the ADR that replaces the one in the path.
type SupersedeRequest struct {
	By string `json:"by" example:"20260101-use-cockroach" validate:"required"`
}

// LinkCommitRequest names a commit implementing the ADR.
type LinkCommitRequest struct {
	Commit string `json:"commit" example:"4b825dc" validate:"required"`
}

// ADRDetail is the full ADR response type (aliased from the domain layer).
type ADRDetail = adrservice.Detail

// ADRListResponse wraps paginated listings.
type ADRListResponse = index.QueryResult

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []index.SearchMatch `json:"results" validate:"required"`
}

// ArtifactListResponse wraps the artifacts of one ADR.
type ArtifactListResponse struct {
	Artifacts []models.ArtifactInfo `json:"artifacts" validate:"required"`
}

// ProblemsResponse wraps the consistency report.
type ProblemsResponse struct {
	Problems []adrservice.Problem `json:"problems" validate:"required"`
}
