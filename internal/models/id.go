package models

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

const maxSlugLen = 50

// Slugify lowercases title and collapses anything outside [a-z0-9] into single dashes.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}

// NewID builds a YYYYMMDD-slug id for title, appending -2, -3, ... until exists
// reports the candidate free.
func NewID(date time.Time, title string, exists func(string) (bool, error)) (string, error) {
	base := date.Format("20060102") + "-" + Slugify(title)
	id := base
	for n := 2; ; n++ {
		taken, err := exists(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}
