package models

// ArtifactInfo describes a content-addressed attachment.
type ArtifactInfo struct {
	Name     string `json:"name" yaml:"name"`
	SHA256   string `json:"sha256" yaml:"sha256"`
	Size     int64  `json:"size" yaml:"size"`
	MimeType string `json:"mime_type" yaml:"mime_type"`
	AltText  string `json:"alt_text,omitempty" yaml:"alt_text,omitempty"`
}
