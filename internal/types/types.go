package types

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/imgdedup/internal/errors"
)

// DefaultMinSize is the smallest file, in bytes, considered for deduplication.
const DefaultMinSize int64 = 1000000

// CompressionType represents the compression algorithm used for rewritten layers
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

func (c CompressionType) Valid() bool {
	switch c {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return true
	}
	return false
}

type DedupConfig struct {
	ImagePath     string          `json:"image" yaml:"image"`
	OutputPath    string          `json:"output" yaml:"output"`
	MinSize       int64           `json:"min_size" yaml:"min_size"`
	Compression   CompressionType `json:"compression" yaml:"compression"`
	NoCompression bool            `json:"no_compression,omitempty" yaml:"no_compression,omitempty"`
	Concurrency   int             `json:"concurrency" yaml:"concurrency"`
	WorkDir       string          `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	DryRun        bool            `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	ReportPath    string          `json:"report,omitempty" yaml:"report,omitempty"`
	LogLevel      string          `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat     string          `json:"log_format,omitempty" yaml:"log_format,omitempty"`
}

func DefaultDedupConfig() *DedupConfig {
	return &DedupConfig{
		MinSize:     DefaultMinSize,
		Compression: CompressionGzip,
		Concurrency: runtime.NumCPU(),
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// LoadConfigFile reads a YAML config file on top of the defaults.
func LoadConfigFile(path string) (*DedupConfig, error) {
	config := DefaultDedupConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewErrorBuilder().
			Category(errors.ErrorCategoryConfiguration).
			Operation("load_config").
			Messagef("failed to read config file %s", path).
			Cause(err).
			Build()
	}

	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, errors.NewErrorBuilder().
			Category(errors.ErrorCategoryConfiguration).
			Operation("load_config").
			Messagef("failed to parse config file %s", path).
			Cause(err).
			Build()
	}

	return config, nil
}

// EffectiveCompression folds NoCompression into the compression setting.
func (c *DedupConfig) EffectiveCompression() CompressionType {
	if c.NoCompression {
		return CompressionNone
	}
	if c.Compression == "" {
		return CompressionGzip
	}
	return c.Compression
}

func (c *DedupConfig) Validate() error {
	if c.ImagePath == "" {
		return errors.NewConfigurationError("input image path is required")
	}
	if c.OutputPath == "" && !c.DryRun {
		return errors.NewConfigurationError("output path is required")
	}
	if c.OutputPath != "" && c.OutputPath == c.ImagePath {
		return errors.NewConfigurationError("output path must differ from the input image path")
	}
	if c.MinSize < 0 {
		return errors.NewConfigurationError(fmt.Sprintf("min size must not be negative, got %d", c.MinSize))
	}
	if c.Compression != "" && !c.Compression.Valid() {
		return errors.NewConfigurationError(fmt.Sprintf("unsupported compression %q", c.Compression))
	}
	if c.Concurrency < 1 {
		return errors.NewConfigurationError(fmt.Sprintf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	return nil
}

type GroupSummary struct {
	Digest     string   `json:"digest" yaml:"digest"`
	Size       int64    `json:"size" yaml:"size"`
	Canonical  string   `json:"canonical" yaml:"canonical"`
	Hardlinks  []string `json:"hardlinks,omitempty" yaml:"hardlinks,omitempty"`
	Symlinks   []string `json:"symlinks,omitempty" yaml:"symlinks,omitempty"`
	Skipped    []string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	BytesSaved int64    `json:"bytes_saved" yaml:"bytes_saved"`
}

type DedupResult struct {
	Image           string         `json:"image" yaml:"image"`
	Output          string         `json:"output,omitempty" yaml:"output,omitempty"`
	DryRun          bool           `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	Layers          int            `json:"layers" yaml:"layers"`
	RewrittenLayers int            `json:"rewritten_layers" yaml:"rewritten_layers"`
	FilesIndexed    int            `json:"files_indexed" yaml:"files_indexed"`
	DuplicateGroups int            `json:"duplicate_groups" yaml:"duplicate_groups"`
	Hardlinks       int            `json:"hardlinks" yaml:"hardlinks"`
	Symlinks        int            `json:"symlinks" yaml:"symlinks"`
	Skipped         int            `json:"skipped" yaml:"skipped"`
	BytesSaved      int64          `json:"bytes_saved" yaml:"bytes_saved"`
	InputSize       int64          `json:"input_size" yaml:"input_size"`
	OutputSize      int64          `json:"output_size,omitempty" yaml:"output_size,omitempty"`
	Duration        time.Duration  `json:"duration" yaml:"duration"`
	Stages          []StageSummary `json:"stages,omitempty" yaml:"stages,omitempty"`
	Groups          []GroupSummary `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// StageSummary is the wall time spent in one pipeline stage.
type StageSummary struct {
	Name     string        `json:"name" yaml:"name"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Status   string        `json:"status" yaml:"status"`
}

// WriteReport stores the result as YAML.
func (r *DedupResult) WriteReport(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return errors.NewWriteError("marshal_report", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.NewWriteError("write_report", err)
	}
	return nil
}
