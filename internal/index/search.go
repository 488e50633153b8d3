package index

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/starford/gitadr/internal/apperr"
	"github.com/starford/gitadr/internal/models"
)

const (
	DefaultSearchLimit = 20
	maxContextWindows  = 5

	titleWeight    = 5.0
	acceptedBonus  = 2.0
	commitWeight   = 0.5
	recencyBonus   = 1.0
	recencyHorizon = 365 * 24 * time.Hour
)

// SearchOptions controls a full-text search over titles and bodies.
type SearchOptions struct {
	Query         string
	Status        models.Status
	Tag           string
	CaseSensitive bool
	Regex         bool
	ContextLines  int
	Limit         int
}

// ContextWindow is a slice of body lines around a match. Lines are 1-based
// and inclusive.
type ContextWindow struct {
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Text      string `json:"text"`
}

// SearchMatch is one ranked hit.
type SearchMatch struct {
	Entry        Entry           `json:"entry"`
	Score        float64         `json:"score"`
	MatchCount   int             `json:"match_count"`
	TitleMatches int             `json:"title_matches"`
	Contexts     []ContextWindow `json:"contexts"`
}

// Search ranks ADRs whose title or body matches opts.Query. An invalid
// regular expression is matched literally instead of failing.
func (c *Cache) Search(ctx context.Context, opts SearchOptions) ([]SearchMatch, error) {
	if strings.TrimSpace(opts.Query) == "" {
		return nil, apperr.Invalid("query", "", "must not be empty")
	}
	re := compilePattern(opts)
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	snap, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	now := c.now()

	var out []SearchMatch
	for _, a := range snap.adrs {
		if opts.Status != "" && a.Status != opts.Status {
			continue
		}
		if opts.Tag != "" && !a.HasTag(opts.Tag) {
			continue
		}
		m, ok := scoreADR(a, re, opts, now)
		if ok {
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Entry.Date.Equal(out[j].Entry.Date) {
			return out[i].Entry.Date.After(out[j].Entry.Date)
		}
		return out[i].Entry.ID < out[j].Entry.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []SearchMatch{}
	}
	return out, nil
}

func compilePattern(opts SearchOptions) *regexp.Regexp {
	flags := "(?i)"
	if opts.CaseSensitive {
		flags = ""
	}
	if opts.Regex {
		if re, err := regexp.Compile(flags + opts.Query); err == nil {
			return re
		}
	}
	return regexp.MustCompile(flags + regexp.QuoteMeta(opts.Query))
}

func scoreADR(a *models.ADR, re *regexp.Regexp, opts SearchOptions, now time.Time) (SearchMatch, bool) {
	matches := re.FindAllString(a.Title, -1)
	matches = append(matches, re.FindAllString(a.Content, -1)...)
	matches = nonEmpty(matches)
	if len(matches) == 0 {
		return SearchMatch{}, false
	}

	titleHits := 0
	for _, m := range matches {
		if inTitle(a.Title, m, opts.CaseSensitive) {
			titleHits++
		}
	}

	score := float64(len(matches)) + titleWeight*float64(titleHits)
	score += recency(a.Date, now)
	if a.Status == models.StatusAccepted {
		score += acceptedBonus
	}
	score += commitWeight * float64(len(a.LinkedCommits))

	return SearchMatch{
		Entry:        entryOf(a),
		Score:        score,
		MatchCount:   len(matches),
		TitleMatches: titleHits,
		Contexts:     contextWindows(a.Content, re, opts.ContextLines),
	}, true
}

// nonEmpty drops zero-width regex matches, which carry no text to score.
func nonEmpty(ms []string) []string {
	out := ms[:0]
	for _, m := range ms {
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

func inTitle(title, text string, caseSensitive bool) bool {
	if caseSensitive {
		return strings.Contains(title, text)
	}
	return strings.Contains(strings.ToLower(title), strings.ToLower(text))
}

// recency decays linearly from recencyBonus today to zero at the horizon.
// Undated ADRs get nothing; future dates get the full bonus.
func recency(date, now time.Time) float64 {
	if date.IsZero() {
		return 0
	}
	age := now.Sub(date)
	if age <= 0 {
		return recencyBonus
	}
	if age >= recencyHorizon {
		return 0
	}
	return recencyBonus * (1 - float64(age)/float64(recencyHorizon))
}

// contextWindows returns up to maxContextWindows non-overlapping windows of
// ±n lines around matching body lines.
func contextWindows(body string, re *regexp.Regexp, n int) []ContextWindow {
	if n < 0 {
		n = 0
	}
	lines := strings.Split(body, "\n")
	out := []ContextWindow{}
	lastEnd := -1
	for i, line := range lines {
		if len(out) == maxContextWindows {
			break
		}
		if loc := re.FindStringIndex(line); loc == nil || loc[0] == loc[1] {
			continue
		}
		start := max(i-n, 0)
		end := min(i+n, len(lines)-1)
		if start <= lastEnd {
			continue
		}
		out = append(out, ContextWindow{
			StartLine: start + 1,
			EndLine:   end + 1,
			Text:      strings.Join(lines[start:end+1], "\n"),
		})
		lastEnd = end
	}
	return out
}
