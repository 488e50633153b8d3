package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/starford/gitadr/internal/models"
)

// ArtifactScheme prefixes the link target of an artifact reference marker.
const ArtifactScheme = "artifact:"

// Reference markers are Markdown images whose target is artifact:<sha256>,
// with the artifact name as the optional link title:
//
//	![Deployment diagram](artifact:9f86d0...0a08 "diagram.png")
var artifactRefRe = regexp.MustCompile(`!\[([^\]\n]*)\]\(artifact:([0-9a-f]{64})(?:[ \t]+"([^"\n]*)")?\)`)

// ArtifactRef is one reference marker found in an ADR body.
type ArtifactRef struct {
	SHA256 string
	Name   string
	Alt    string
}

// ArtifactMarker renders the reference marker for info.
func ArtifactMarker(info models.ArtifactInfo) string {
	alt := info.AltText
	if alt == "" {
		alt = info.Name
	}
	alt = strings.NewReplacer("[", "(", "]", ")", "\n", " ").Replace(alt)
	name := MarkerName(info.Name)
	if name == "" {
		return fmt.Sprintf("![%s](%s%s)", alt, ArtifactScheme, info.SHA256)
	}
	return fmt.Sprintf("![%s](%s%s \"%s\")", alt, ArtifactScheme, info.SHA256, name)
}

// MarkerName returns name as it appears in a reference marker title.
func MarkerName(name string) string {
	return strings.NewReplacer(`"`, "'", "\n", " ").Replace(name)
}

// ExtractArtifactRefs returns the markers in body in order of appearance,
// de-duplicated by (sha256, name).
func ExtractArtifactRefs(body string) []ArtifactRef {
	matches := artifactRefRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []ArtifactRef
	for _, m := range matches {
		ref := ArtifactRef{Alt: m[1], SHA256: m[2], Name: m[3]}
		key := ref.SHA256 + "\x00" + ref.Name
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// HasArtifactRef reports whether body already references sha under name.
// name is compared in its marker form.
func HasArtifactRef(body, sha, name string) bool {
	name = MarkerName(name)
	for _, ref := range ExtractArtifactRefs(body) {
		if ref.SHA256 == sha && ref.Name == name {
			return true
		}
	}
	return false
}

// AppendArtifactRef adds the marker for info as its own paragraph at the end of body.
func AppendArtifactRef(body string, info models.ArtifactInfo) string {
	marker := ArtifactMarker(info)
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return marker + "\n"
	}
	return body + "\n\n" + marker + "\n"
}

// StripArtifactRef removes every marker for sha. Lines left empty by the
// removal are dropped. It reports whether anything was removed.
func StripArtifactRef(body, sha string) (string, bool) {
	lines := strings.Split(body, "\n")
	out := lines[:0]
	removed := false
	for _, line := range lines {
		stripped := artifactRefRe.ReplaceAllStringFunc(line, func(m string) string {
			if artifactRefRe.FindStringSubmatch(m)[2] == sha {
				removed = true
				return ""
			}
			return m
		})
		if stripped != line && strings.TrimSpace(stripped) == "" {
			continue
		}
		out = append(out, stripped)
	}
	if !removed {
		return body, false
	}
	result := strings.TrimRight(strings.Join(out, "\n"), "\n")
	if result == "" {
		return "", true
	}
	return result + "\n", true
}
