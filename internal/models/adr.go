// Package models defines the domain types for gitadr.
package models

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DateLayout is the ISO-8601 calendar date used in ids and preambles.
const DateLayout = "2006-01-02"

// Status is the lifecycle state of an ADR.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusProposed   Status = "proposed"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusDeprecated Status = "deprecated"
	StatusSuperseded Status = "superseded"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{
	StatusDraft, StatusProposed, StatusAccepted,
	StatusRejected, StatusDeprecated, StatusSuperseded,
}

// ParseStatus strictly converts s (case-insensitive) to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Statuses, st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

var idRe = regexp.MustCompile(`^\d{8}-[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ADR is an Architecture Decision Record.
type ADR struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Date          time.Time `json:"date"`
	Status        Status    `json:"status"`
	Tags          []string  `json:"tags"`
	Deciders      []string  `json:"deciders"`
	Consulted     []string  `json:"consulted"`
	Informed      []string  `json:"informed"`
	LinkedCommits []string  `json:"linked_commits"`
	Supersedes    string    `json:"supersedes,omitempty"`
	SupersededBy  string    `json:"superseded_by,omitempty"`
	Format        string    `json:"format,omitempty"`
	Content       string    `json:"content"`
}

// Validate checks the fields the store refuses to persist without.
func (a *ADR) Validate() error {
	statuses := make([]interface{}, len(Statuses))
	for i, s := range Statuses {
		statuses[i] = s
	}
	return validation.ValidateStruct(a,
		validation.Field(&a.ID, validation.Required, validation.Match(idRe).Error("must look like YYYYMMDD-slug")),
		validation.Field(&a.Title, validation.Required),
		validation.Field(&a.Status, validation.Required, validation.In(statuses...)),
	)
}

// HasTag reports whether tag is present, ignoring case.
func (a *ADR) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// HasCommit reports whether sha is already linked.
func (a *ADR) HasCommit(sha string) bool {
	return slices.Contains(a.LinkedCommits, sha)
}

// Problems reports soft-invariant violations. They never block a write.
func (a *ADR) Problems() []string {
	var out []string
	if a.Status == StatusSuperseded && a.SupersededBy == "" {
		out = append(out, fmt.Sprintf("%s is superseded but superseded_by is not set", a.ID))
	}
	if a.SupersededBy != "" && a.SupersededBy == a.ID {
		out = append(out, fmt.Sprintf("%s supersedes itself", a.ID))
	}
	return out
}

// Clone returns a deep copy of a.
func (a *ADR) Clone() *ADR {
	c := *a
	c.Tags = slices.Clone(a.Tags)
	c.Deciders = slices.Clone(a.Deciders)
	c.Consulted = slices.Clone(a.Consulted)
	c.Informed = slices.Clone(a.Informed)
	c.LinkedCommits = slices.Clone(a.LinkedCommits)
	return &c
}
