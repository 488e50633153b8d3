// Package anchor derives the stable 40-hex handles that git notes are attached to.
//
// An anchor is never dereferenced as an object; it only addresses a note. Keys are
// tagged with their namespace before hashing so the ADR id space and the artifact
// hash space cannot collide.
package anchor

import (
	"crypto/sha1" //nolint:gosec // handle generator, not a security primitive
	"encoding/hex"
	"regexp"
)

// Namespace tags the key space an anchor belongs to.
type Namespace string

const (
	NamespaceADR      Namespace = "adr"
	NamespaceArtifact Namespace = "artifact"
)

// Sentinel is the reserved all-zero anchor. Listings skip it.
const Sentinel = "0000000000000000000000000000000000000000"

var hexRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// For returns the anchor of key within ns.
func For(ns Namespace, key string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(ns))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// ADR returns the anchor of an ADR id.
func ADR(id string) string { return For(NamespaceADR, id) }

// Artifact returns the anchor of an artifact's SHA-256 digest.
func Artifact(sha256 string) string { return For(NamespaceArtifact, sha256) }

// Valid reports whether s has the shape of an anchor.
func Valid(s string) bool { return hexRe.MatchString(s) }
