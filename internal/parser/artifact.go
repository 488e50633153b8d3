package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/gitadr/internal/apperr"
	"github.com/starford/gitadr/internal/checksum"
	"github.com/starford/gitadr/internal/models"
)

const base64LineLen = 76

// SerializeArtifact renders an artifact note: YAML header, separator line,
// then the content as wrapped base64.
func SerializeArtifact(info models.ArtifactInfo, data []byte) ([]byte, error) {
	head, err := marshalHeader(info)
	if err != nil {
		return nil, fmt.Errorf("parser: serialize artifact %s: %w", info.SHA256, err)
	}
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	buf.Write(head)
	buf.WriteString(delimiter + "\n")

	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > base64LineLen {
		buf.WriteString(enc[:base64LineLen])
		buf.WriteByte('\n')
		enc = enc[base64LineLen:]
	}
	if enc != "" {
		buf.WriteString(enc)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ParseArtifact decodes an artifact note and verifies the content against the
// recorded size and digest.
func ParseArtifact(note []byte) (models.ArtifactInfo, []byte, error) {
	var info models.ArtifactInfo
	head, body, err := splitPreamble(string(note))
	if err != nil {
		return info, nil, err
	}
	if err := yaml.Unmarshal([]byte(head), &info); err != nil {
		return info, nil, yamlError(head, err)
	}
	key := info.SHA256

	encoded := strings.Join(strings.Fields(body), "")
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return info, nil, &apperr.DeserializationError{Key: key, Snippet: snippet(body), Err: fmt.Errorf("content: %w", err)}
	}
	if int64(len(data)) != info.Size {
		return info, nil, &apperr.DeserializationError{Key: key, Err: fmt.Errorf("size mismatch: header %d, content %d", info.Size, len(data))}
	}
	if sum := checksum.Sum(data); sum != info.SHA256 {
		return info, nil, &apperr.DeserializationError{Key: key, Err: fmt.Errorf("sha256 mismatch: content hashes to %s", sum)}
	}
	return info, data, nil
}
