// Package config loads the s3-watch-sync configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/yuya-takeyama/s3-watch-sync/internal/s3client"
	"github.com/yuya-takeyama/s3-watch-sync/internal/walker"
)

const (
	// DefaultPath is where the config file is looked up when --config is not
	// given.
	DefaultPath = "~/.s3-watch-sync.yaml"

	// DefaultProgressFile stores resumable upload sessions between runs.
	DefaultProgressFile = "~/.s3-watch-sync/upload_progress.json"

	// InitialVersion is assumed for config files that do not specify one.
	InitialVersion = "v1alpha1"

	// SupportedVersion is the config version this binary understands.
	SupportedVersion = "v1alpha1"

	// MinChunkSize is the smallest part size S3 accepts for multipart uploads.
	MinChunkSize = 5 * 1024 * 1024
)

// ErrNotFound is returned by Parse when the file does not exist.
var ErrNotFound = errors.New("config file not found")

const parseErrTemplate = "config file %q could not be parsed. " +
	"Check for wrong field types or unknown fields: %v"

// homedirExpand is replaced in tests.
var homedirExpand = homedir.Expand

// Duration is a time.Duration written as a string such as "20s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %s", b)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Folder is a local directory to watch. Remote is the remote folder it syncs
// into; an empty Remote leaves the folder unpaired until one is chosen.
type Folder struct {
	Path   string `json:"path"`
	Remote string `json:"remote,omitempty"`
}

// Config is the contents of the config file.
type Config struct {
	Version string `json:"version,omitempty"`

	Target     string `json:"target"`
	Region     string `json:"region,omitempty"`
	Profile    string `json:"profile,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	QuotaBytes int64  `json:"quotaBytes,omitempty"`

	ProgressFile string `json:"progressFile,omitempty"`

	PollInterval           Duration `json:"pollInterval,omitempty"`
	StabilityCheckInterval Duration `json:"stabilityCheckInterval,omitempty"`
	StabilityThreshold     Duration `json:"stabilityThreshold,omitempty"`

	ChunkSize  int64    `json:"chunkSize,omitempty"`
	MaxRetries int      `json:"maxRetries"`
	RetryDelay Duration `json:"retryDelay,omitempty"`

	Excludes []string `json:"excludes,omitempty"`
	Folders  []Folder `json:"folders,omitempty"`

	LogLevel    string `json:"logLevel,omitempty"`
	LogFormat   string `json:"logFormat,omitempty"`
	MetricsAddr string `json:"metricsAddr,omitempty"`
}

// Default returns a config with every optional field set.
func Default() Config {
	return Config{
		Version:                InitialVersion,
		ProgressFile:           DefaultProgressFile,
		PollInterval:           Duration(5 * time.Second),
		StabilityCheckInterval: Duration(5 * time.Second),
		StabilityThreshold:     Duration(20 * time.Second),
		ChunkSize:              64 * 1024 * 1024,
		MaxRetries:             5,
		RetryDelay:             Duration(10 * time.Second),
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return fmt.Sprintf("config file %q is incompatible with this version "+
		"of s3-watch-sync: expected version %q, but got %q", err.path, err.exp, err.actual)
}

// Parse reads the config file at path on top of the defaults. Paths in the
// file may start with ~.
func Parse(fs afero.Fs, path string) (Config, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return Config{}, fmt.Errorf("expand config path: %w", err)
	}

	b, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Config{}, fmt.Errorf("read file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf(parseErrTemplate, path, err)
	}

	if cfg.Version != SupportedVersion {
		return Config{}, incompatibleVersionError{path, SupportedVersion, cfg.Version}
	}

	// Strict pass after the version check so an old file reports its version
	// rather than its unknown fields.
	if err := yaml.UnmarshalStrict(b, &cfg, yaml.DisallowUnknownFields); err != nil {
		return Config{}, fmt.Errorf(parseErrTemplate, path, err)
	}

	if err := cfg.ExpandPaths(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ExpandPaths resolves a leading ~ in file and folder paths.
func (c *Config) ExpandPaths() error {
	var err error
	if c.ProgressFile, err = homedirExpand(c.ProgressFile); err != nil {
		return fmt.Errorf("expand progress file path: %w", err)
	}
	for i := range c.Folders {
		if c.Folders[i].Path, err = homedirExpand(c.Folders[i].Path); err != nil {
			return fmt.Errorf("expand folder path: %w", err)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Target == "" {
		return errors.New("target is required")
	}
	if _, _, err := s3client.ParseS3URI(c.Target); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if c.QuotaBytes < 0 {
		return errors.New("quotaBytes must not be negative")
	}
	if c.ChunkSize < MinChunkSize {
		return fmt.Errorf("chunkSize must be at least %d bytes", MinChunkSize)
	}
	if c.MaxRetries < 0 {
		return errors.New("maxRetries must not be negative")
	}

	for name, d := range map[string]Duration{
		"pollInterval":           c.PollInterval,
		"stabilityCheckInterval": c.StabilityCheckInterval,
		"stabilityThreshold":     c.StabilityThreshold,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.RetryDelay < 0 {
		return errors.New("retryDelay must not be negative")
	}

	if err := walker.ValidatePatterns(c.Excludes); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, f := range c.Folders {
		if f.Path == "" {
			return errors.New("folder path is required")
		}
		if seen[f.Path] {
			return fmt.Errorf("folder %q is listed twice", f.Path)
		}
		seen[f.Path] = true
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logFormat %q", c.LogFormat)
	}
	return nil
}

// ParseFolder parses a --folder flag value of the form path[=remote].
func ParseFolder(s string) (Folder, error) {
	localPath, remote, _ := strings.Cut(s, "=")
	if localPath == "" {
		return Folder{}, fmt.Errorf("invalid folder %q: missing path", s)
	}
	expanded, err := homedirExpand(localPath)
	if err != nil {
		return Folder{}, fmt.Errorf("expand folder path: %w", err)
	}
	return Folder{Path: expanded, Remote: remote}, nil
}
