// Package parser converts ADRs and artifacts to and from their git note text form.
//
// An ADR note is a YAML preamble between "---" marker lines followed by the
// Markdown body:
//
//	---
//	id: 20250110-use-postgresql
//	title: Use PostgreSQL
//	date: 2025-01-10
//	status: accepted
//	tags:
//	  - database
//	---
//
//	## Context
//	...
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/starford/gitadr/internal/apperr"
	"github.com/starford/gitadr/internal/models"
)

const delimiter = "---"

// legacyDecidersKey is accepted in place of "deciders" when the latter is absent.
const legacyDecidersKey = "decision_makers"

var (
	errNoPreamble       = errors.New("missing preamble marker")
	errUnclosedPreamble = errors.New("preamble is not closed")
	errMissingID        = errors.New("preamble has no id")

	yamlLineRe = regexp.MustCompile(`line (\d+)`)
)

// preamble fixes the key order of serialized notes.
type preamble struct {
	ID            string   `yaml:"id"`
	Title         string   `yaml:"title"`
	Date          string   `yaml:"date,omitempty"`
	Status        string   `yaml:"status"`
	Tags          []string `yaml:"tags,omitempty"`
	Deciders      []string `yaml:"deciders,omitempty"`
	Consulted     []string `yaml:"consulted,omitempty"`
	Informed      []string `yaml:"informed,omitempty"`
	LinkedCommits []string `yaml:"linked_commits,omitempty"`
	Supersedes    string   `yaml:"supersedes,omitempty"`
	SupersededBy  string   `yaml:"superseded_by,omitempty"`
	Format        string   `yaml:"format,omitempty"`
}

// Canonical returns a copy of a in the form Parse produces for its note:
// scalar fields trimmed, list items trimmed with blanks dropped, and the date
// reduced to a UTC calendar day. Serialize writes this form.
func Canonical(a *models.ADR) *models.ADR {
	c := a.Clone()
	c.ID = strings.TrimSpace(c.ID)
	c.Title = strings.TrimSpace(c.Title)
	c.Supersedes = strings.TrimSpace(c.Supersedes)
	c.SupersededBy = strings.TrimSpace(c.SupersededBy)
	c.Format = strings.TrimSpace(c.Format)
	for _, list := range []*[]string{&c.Tags, &c.Deciders, &c.Consulted, &c.Informed, &c.LinkedCommits} {
		*list = cleanList(*list)
	}
	if !c.Date.IsZero() {
		c.Date = time.Date(c.Date.Year(), c.Date.Month(), c.Date.Day(), 0, 0, 0, 0, time.UTC)
	}
	return c
}

// Serialize renders the canonical form of a as note text. Empty optional
// fields are omitted.
func Serialize(a *models.ADR) ([]byte, error) {
	a = Canonical(a)
	p := preamble{
		ID:            a.ID,
		Title:         a.Title,
		Status:        string(a.Status),
		Tags:          a.Tags,
		Deciders:      a.Deciders,
		Consulted:     a.Consulted,
		Informed:      a.Informed,
		LinkedCommits: a.LinkedCommits,
		Supersedes:    a.Supersedes,
		SupersededBy:  a.SupersededBy,
		Format:        a.Format,
	}
	if !a.Date.IsZero() {
		p.Date = a.Date.Format(models.DateLayout)
	}
	head, err := marshalHeader(p)
	if err != nil {
		return nil, fmt.Errorf("parser: serialize %s: %w", a.ID, err)
	}
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	buf.Write(head)
	buf.WriteString(delimiter + "\n\n")
	buf.WriteString(a.Content)
	return buf.Bytes(), nil
}

// Parse decodes note text into an ADR.
func Parse(data []byte) (*models.ADR, error) {
	head, body, err := splitPreamble(string(data))
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := yaml.Unmarshal([]byte(head), &fields); err != nil {
		return nil, yamlError(head, err)
	}
	a, err := fromMap(fields)
	if err != nil {
		return nil, &apperr.DeserializationError{Line: 2, Snippet: snippet(head), Err: err}
	}
	a.Content = body
	return a, nil
}

// splitPreamble separates the text between the marker lines from the body.
// One blank line after the closing marker belongs to the format, not the body.
func splitPreamble(text string) (string, string, error) {
	trimmed := strings.TrimLeft(text, "\r\n")
	first, rest, _ := strings.Cut(trimmed, "\n")
	if strings.TrimRight(first, "\r") != delimiter {
		return "", "", &apperr.DeserializationError{Line: 1, Snippet: snippet(first), Err: errNoPreamble}
	}

	var head strings.Builder
	for rest != "" {
		var line string
		line, rest, _ = strings.Cut(rest, "\n")
		if strings.TrimRight(line, "\r") == delimiter {
			body := strings.TrimPrefix(rest, "\r")
			body = strings.TrimPrefix(body, "\n")
			return head.String(), body, nil
		}
		head.WriteString(line)
		head.WriteByte('\n')
	}
	return "", "", &apperr.DeserializationError{Line: 1, Snippet: snippet(trimmed), Err: errUnclosedPreamble}
}

// fromMap is the single boundary between the untyped preamble and the typed
// record. Defaults and the legacy deciders alias are applied here only.
func fromMap(m map[string]any) (*models.ADR, error) {
	id := strings.TrimSpace(cast.ToString(m["id"]))
	if id == "" {
		return nil, errMissingID
	}
	a := &models.ADR{
		ID:           id,
		Title:        strings.TrimSpace(cast.ToString(m["title"])),
		Status:       lenientStatus(m["status"]),
		Supersedes:   strings.TrimSpace(cast.ToString(m["supersedes"])),
		SupersededBy: strings.TrimSpace(cast.ToString(m["superseded_by"])),
		Format:       strings.TrimSpace(cast.ToString(m["format"])),
	}

	var err error
	if a.Date, err = parseDate(m["date"]); err != nil {
		return nil, err
	}

	decidersKey := "deciders"
	if _, ok := m[decidersKey]; !ok {
		decidersKey = legacyDecidersKey
	}
	lists := []struct {
		key string
		dst *[]string
	}{
		{"tags", &a.Tags},
		{decidersKey, &a.Deciders},
		{"consulted", &a.Consulted},
		{"informed", &a.Informed},
		{"linked_commits", &a.LinkedCommits},
	}
	for _, l := range lists {
		if *l.dst, err = stringList(m[l.key]); err != nil {
			return nil, fmt.Errorf("%s: %w", l.key, err)
		}
	}
	return a, nil
}

// lenientStatus maps unknown or missing statuses to draft.
func lenientStatus(v any) models.Status {
	st, err := models.ParseStatus(cast.ToString(v))
	if err != nil {
		return models.StatusDraft
	}
	return st
}

func parseDate(v any) (time.Time, error) {
	if v == nil {
		return time.Time{}, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("date: %w", err)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// stringList accepts a YAML sequence or a comma-separated string.
func stringList(v any) ([]string, error) {
	switch tv := v.(type) {
	case nil:
		return []string{}, nil
	case string:
		return cleanList(strings.Split(tv, ",")), nil
	}
	items, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil, err
	}
	return cleanList(items), nil
}

// cleanList trims items and drops blank ones. The result is never nil.
func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func marshalHeader(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// yamlError converts a YAML failure into a DeserializationError pointing at
// the offending line of the note (the opening marker is line 1).
func yamlError(head string, err error) error {
	de := &apperr.DeserializationError{Line: 2, Snippet: snippet(head), Err: err}
	if m := yamlLineRe.FindStringSubmatch(err.Error()); m != nil {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil {
			de.Line = n + 1
			lines := strings.Split(head, "\n")
			if n-1 < len(lines) && n >= 1 {
				de.Snippet = snippet(lines[n-1])
			}
		}
	}
	return de
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
