package internal

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/gitadr/internal/notestore"
	"github.com/starford/gitadr/internal/notesync"
	"github.com/starford/gitadr/internal/storage"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

var notesRefRe = regexp.MustCompile(`^refs/notes/[A-Za-z0-9._/-]+$`)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Git       GitConfig         `yaml:"git"`
	Notes     NotesConfig       `yaml:"notes"`
	Artifacts ArtifactsConfig   `yaml:"artifacts"`
	Sync      SyncConfig        `yaml:"sync"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Git.Validate(); err != nil {
		return fmt.Errorf("git: %w", err)
	}
	if err := c.Notes.Validate(); err != nil {
		return fmt.Errorf("notes: %w", err)
	}
	if err := c.Artifacts.Validate(); err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// GitConfig locates the repository and bounds every git invocation.
type GitConfig struct {
	Binary   string        `yaml:"binary"`
	RepoPath string        `yaml:"repo_path"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Validate validates the git configuration.
func (c *GitConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Binary, validation.Required),
		validation.Field(&c.RepoPath, validation.Required),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Second)),
	)
}

// NotesConfig names the notes refs.
type NotesConfig struct {
	ADRRef      string `yaml:"adr_ref"`
	ArtifactRef string `yaml:"artifact_ref"`
}

// Validate validates the notes configuration.
func (c *NotesConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.ADRRef, validation.Required, validation.Match(notesRefRe)),
		validation.Field(&c.ArtifactRef, validation.Required, validation.Match(notesRefRe)),
	); err != nil {
		return err
	}
	if c.ADRRef == c.ArtifactRef {
		return fmt.Errorf("adr_ref and artifact_ref must differ")
	}
	return nil
}

// ArtifactsConfig bounds attached artifacts.
type ArtifactsConfig struct {
	MaxSize int64 `yaml:"max_size"`
}

// Validate validates the artifacts configuration.
func (c *ArtifactsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSize, validation.Required, validation.Min(int64(1))),
	)
}

// SyncConfig holds push/pull defaults. An empty MergeStrategy defers to git
// config and then to union.
type SyncConfig struct {
	Remote        string        `yaml:"remote"`
	MergeStrategy string        `yaml:"merge_strategy"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Remote, validation.Required),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Second)),
	); err != nil {
		return err
	}
	if c.MergeStrategy == "" {
		return nil
	}
	return notesync.ValidateStrategy(storage.MergeStrategy(c.MergeStrategy))
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Git: GitConfig{
			Binary:   "git",
			RepoPath: ".",
			Timeout:  storage.DefaultTimeout,
		},
		Notes: NotesConfig{
			ADRRef:      notestore.DefaultADRRef,
			ArtifactRef: notestore.DefaultArtifactRef,
		},
		Artifacts: ArtifactsConfig{
			MaxSize: notestore.DefaultMaxArtifactSize,
		},
		Sync: SyncConfig{
			Remote:  notesync.DefaultRemote,
			Timeout: storage.DefaultNetworkTimeout,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
