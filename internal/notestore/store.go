// Package notestore persists ADRs and their artifacts as git notes.
//
// Each ADR lives on the ADR notes ref under the anchor derived from its id.
// Artifacts live on a separate ref under the anchor derived from their
// SHA-256, so identical bytes are stored once no matter how many ADRs
// reference them. The association between an ADR and an artifact is a
// reference marker in the ADR body.
package notestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/gitadr/internal/anchor"
	"github.com/starford/gitadr/internal/apperr"
	"github.com/starford/gitadr/internal/checksum"
	"github.com/starford/gitadr/internal/models"
	"github.com/starford/gitadr/internal/parser"
	"github.com/starford/gitadr/internal/storage"
)

const (
	DefaultADRRef          = "refs/notes/adr"
	DefaultArtifactRef     = "refs/notes/adr-artifacts"
	DefaultMaxArtifactSize = 10 << 20
)

// Options configures a Store. Zero values select the defaults.
type Options struct {
	ADRRef          string
	ArtifactRef     string
	MaxArtifactSize int64
}

// Store reads and writes ADR and artifact notes through an executor.
type Store struct {
	exec   storage.Executor
	opts   Options
	logger *slog.Logger
}

// New creates a Store.
func New(exec storage.Executor, opts Options, logger *slog.Logger) *Store {
	if opts.ADRRef == "" {
		opts.ADRRef = DefaultADRRef
	}
	if opts.ArtifactRef == "" {
		opts.ArtifactRef = DefaultArtifactRef
	}
	if opts.MaxArtifactSize <= 0 {
		opts.MaxArtifactSize = DefaultMaxArtifactSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{exec: exec, opts: opts, logger: logger}
}

// ADRRef returns the notes ref holding ADRs.
func (s *Store) ADRRef() string { return s.opts.ADRRef }

// ArtifactRef returns the notes ref holding artifacts.
func (s *Store) ArtifactRef() string { return s.opts.ArtifactRef }

// Add validates and writes the canonical form of adr, overwriting any note
// under the same id. A later Get returns exactly that form.
func (s *Store) Add(ctx context.Context, adr *models.ADR) error {
	if adr != nil {
		adr = parser.Canonical(adr)
	}
	if err := validateADR(adr); err != nil {
		return err
	}
	data, err := parser.Serialize(adr)
	if err != nil {
		return err
	}
	if err := s.exec.NotesAdd(ctx, s.opts.ADRRef, anchor.ADR(adr.ID), data); err != nil {
		return fmt.Errorf("notestore: add %s: %w", adr.ID, err)
	}
	s.logger.Debug("notestore: wrote adr", slog.String("id", adr.ID))
	return nil
}

// Update overwrites adr. It has the same semantics as Add.
func (s *Store) Update(ctx context.Context, adr *models.ADR) error {
	return s.Add(ctx, adr)
}

// Get loads the ADR with id. A missing note reports found == false.
func (s *Store) Get(ctx context.Context, id string) (*models.ADR, bool, error) {
	data, err := s.exec.NotesShow(ctx, s.opts.ADRRef, anchor.ADR(id))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("notestore: get %s: %w", id, err)
	}
	adr, err := parser.Parse(data)
	if err != nil {
		return nil, false, withKey(err, id)
	}
	return adr, true, nil
}

// Exists reports whether an ADR note is stored under id, without parsing it.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.exec.NotesShow(ctx, s.opts.ADRRef, anchor.ADR(id))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("notestore: exists %s: %w", id, err)
	}
	return true, nil
}

// Remove drops the ADR note. It reports false when there was nothing to remove.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := s.exec.NotesRemove(ctx, s.opts.ADRRef, anchor.ADR(id))
	if err != nil {
		return false, fmt.Errorf("notestore: remove %s: %w", id, err)
	}
	return removed, nil
}

// List returns every parseable ADR ordered by id. All note bodies are read in
// a single batch; notes that fail to parse are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*models.ADR, error) {
	notes, err := s.exec.NotesList(ctx, s.opts.ADRRef)
	if err != nil {
		return nil, fmt.Errorf("notestore: list: %w", err)
	}
	blobs := make([]string, 0, len(notes))
	objects := make(map[string]string, len(notes))
	for _, n := range notes {
		if n.Object == anchor.Sentinel {
			continue
		}
		blobs = append(blobs, n.Blob)
		objects[n.Blob] = n.Object
	}
	if len(blobs) == 0 {
		return []*models.ADR{}, nil
	}

	contents, err := s.exec.CatFileBatch(ctx, blobs)
	if err != nil {
		return nil, fmt.Errorf("notestore: list: %w", err)
	}

	out := make([]*models.ADR, 0, len(contents))
	seen := make(map[string]struct{}, len(contents))
	for _, blob := range blobs {
		data, ok := contents[blob]
		if !ok {
			s.logger.Warn("notestore: note blob missing", slog.String("blob", blob))
			continue
		}
		adr, err := parser.Parse(data)
		if err != nil {
			s.logger.Warn("notestore: skipping unparseable note",
				slog.String("anchor", objects[blob]),
				slog.String("error", err.Error()))
			continue
		}
		// Two anchors can share a blob when identical notes were stored twice.
		if _, dup := seen[adr.ID]; dup {
			continue
		}
		seen[adr.ID] = struct{}{}
		out = append(out, adr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AttachArtifact stores data as a content-addressed artifact and references it
// from the ADR ownerID. Attaching identical bytes again reuses the stored note;
// the reference marker is added only if no marker with the same hash and name exists.
func (s *Store) AttachArtifact(ctx context.Context, ownerID string, data []byte, name, alt string) (models.ArtifactInfo, error) {
	var info models.ArtifactInfo
	if len(data) == 0 {
		return info, apperr.Invalid("artifact", strings.TrimSpace(name), "content is empty")
	}
	if int64(len(data)) > s.opts.MaxArtifactSize {
		return info, apperr.Invalid("artifact", name, fmt.Sprintf("%s exceeds the %s limit",
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(s.opts.MaxArtifactSize))))
	}
	sum := checksum.Sum(data)
	name = artifactName(name, sum, data)

	owner, found, err := s.Get(ctx, ownerID)
	if err != nil {
		return info, err
	}
	if !found {
		return info, fmt.Errorf("notestore: attach to %s: %w", ownerID, apperr.ErrNotFound)
	}

	info = models.ArtifactInfo{
		Name:     name,
		SHA256:   sum,
		Size:     int64(len(data)),
		MimeType: detectMIME(name, data),
		AltText:  strings.TrimSpace(alt),
	}

	key := anchor.Artifact(info.SHA256)
	stored, err := s.exec.NotesShow(ctx, s.opts.ArtifactRef, key)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		note, serr := parser.SerializeArtifact(info, data)
		if serr != nil {
			return info, serr
		}
		if err := s.exec.NotesAdd(ctx, s.opts.ArtifactRef, key, note); err != nil {
			return info, fmt.Errorf("notestore: store artifact %s: %w", info.SHA256, err)
		}
		s.logger.Debug("notestore: stored artifact", slog.String("sha256", info.SHA256), slog.Int64("size", info.Size))
	case err != nil:
		return info, fmt.Errorf("notestore: lookup artifact %s: %w", info.SHA256, err)
	default:
		if _, _, perr := parser.ParseArtifact(stored); perr != nil {
			s.logger.Warn("notestore: rewriting damaged artifact note",
				slog.String("sha256", info.SHA256), slog.String("error", perr.Error()))
			note, serr := parser.SerializeArtifact(info, data)
			if serr != nil {
				return info, serr
			}
			if err := s.exec.NotesAdd(ctx, s.opts.ArtifactRef, key, note); err != nil {
				return info, fmt.Errorf("notestore: store artifact %s: %w", info.SHA256, err)
			}
		}
	}

	if parser.HasArtifactRef(owner.Content, info.SHA256, info.Name) {
		return info, nil
	}
	owner.Content = parser.AppendArtifactRef(owner.Content, info)
	if err := s.Update(ctx, owner); err != nil {
		return info, err
	}
	return info, nil
}

// GetArtifact loads the artifact stored under sha.
func (s *Store) GetArtifact(ctx context.Context, sha string) (models.ArtifactInfo, []byte, bool, error) {
	var info models.ArtifactInfo
	if !checksum.Valid(sha) {
		return info, nil, false, apperr.Invalid("sha256", sha, "must be 64 lowercase hex characters")
	}
	note, err := s.exec.NotesShow(ctx, s.opts.ArtifactRef, anchor.Artifact(sha))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return info, nil, false, nil
		}
		return info, nil, false, fmt.Errorf("notestore: get artifact %s: %w", sha, err)
	}
	info, data, err := parser.ParseArtifact(note)
	if err != nil {
		return info, nil, false, withKey(err, sha)
	}
	return info, data, true, nil
}

// ListArtifacts resolves the artifacts referenced by ownerID's body in marker
// order. The marker's name and alt text take precedence over the stored header.
// Markers whose artifact cannot be loaded are logged and skipped.
func (s *Store) ListArtifacts(ctx context.Context, ownerID string) ([]models.ArtifactInfo, error) {
	owner, found, err := s.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("notestore: artifacts of %s: %w", ownerID, apperr.ErrNotFound)
	}
	out := []models.ArtifactInfo{}
	for _, ref := range parser.ExtractArtifactRefs(owner.Content) {
		info, _, ok, err := s.GetArtifact(ctx, ref.SHA256)
		if err != nil && !apperr.IsDeserialization(err) {
			return nil, err
		}
		if err != nil || !ok {
			s.logger.Warn("notestore: dangling artifact reference",
				slog.String("adr", ownerID), slog.String("sha256", ref.SHA256))
			continue
		}
		if ref.Name != "" {
			info.Name = ref.Name
		}
		if ref.Alt != "" && ref.Alt != ref.Name {
			info.AltText = ref.Alt
		}
		out = append(out, info)
	}
	return out, nil
}

// RemoveArtifact strips every marker for sha from ownerID's body. The artifact
// note itself is left in place since other ADRs may reference it.
func (s *Store) RemoveArtifact(ctx context.Context, ownerID, sha string) (bool, error) {
	if !checksum.Valid(sha) {
		return false, apperr.Invalid("sha256", sha, "must be 64 lowercase hex characters")
	}
	owner, found, err := s.Get(ctx, ownerID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("notestore: detach from %s: %w", ownerID, apperr.ErrNotFound)
	}
	body, removed := parser.StripArtifactRef(owner.Content, sha)
	if !removed {
		return false, nil
	}
	owner.Content = body
	if err := s.Update(ctx, owner); err != nil {
		return false, err
	}
	return true, nil
}

// validateADR converts ozzo field errors into the engine's ValidationError.
func validateADR(adr *models.ADR) error {
	if adr == nil {
		return apperr.Invalid("adr", "", "is nil")
	}
	err := adr.Validate()
	if err == nil {
		return nil
	}
	var fields validation.Errors
	if errors.As(err, &fields) {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if fields[k] != nil {
				return apperr.Invalid(k, fieldValue(adr, k), fields[k].Error())
			}
		}
	}
	return apperr.Invalid("adr", adr.ID, err.Error())
}

// fieldValue maps ozzo's json-tag field keys back to the offending value.
func fieldValue(adr *models.ADR, k string) string {
	switch k {
	case "id":
		return adr.ID
	case "title":
		return adr.Title
	case "status":
		return string(adr.Status)
	}
	return ""
}

// artifactName reduces name to its marker form. Without a usable name the
// artifact is named after the first 12 hex digits of its hash, with an
// extension for the sniffed content type when one is known.
func artifactName(name, sum string, data []byte) string {
	name = strings.TrimSpace(name)
	if name != "" {
		name = strings.TrimSpace(filepath.Base(name))
	}
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = sum[:12]
		if exts, _ := mime.ExtensionsByType(http.DetectContentType(data)); len(exts) > 0 {
			name += exts[0]
		}
	}
	return parser.MarkerName(name)
}

func detectMIME(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

func withKey(err error, key string) error {
	var de *apperr.DeserializationError
	if errors.As(err, &de) && de.Key == "" {
		de.Key = key
	}
	return err
}
