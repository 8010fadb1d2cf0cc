package types

import (
	goerrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/imgdedup/internal/errors"
)

func TestDefaultDedupConfig(t *testing.T) {
	config := DefaultDedupConfig()

	if config.MinSize != 1000000 {
		t.Errorf("Expected default min size 1000000, got %d", config.MinSize)
	}
	if config.EffectiveCompression() != CompressionGzip {
		t.Errorf("Expected gzip by default, got %s", config.EffectiveCompression())
	}
	if config.Concurrency < 1 {
		t.Errorf("Expected positive concurrency, got %d", config.Concurrency)
	}
}

func TestEffectiveCompression(t *testing.T) {
	config := &DedupConfig{Compression: CompressionZstd, NoCompression: true}
	if config.EffectiveCompression() != CompressionNone {
		t.Errorf("Expected no-compression to win, got %s", config.EffectiveCompression())
	}

	config.NoCompression = false
	if config.EffectiveCompression() != CompressionZstd {
		t.Errorf("Expected zstd, got %s", config.EffectiveCompression())
	}
}

func TestDedupConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *DedupConfig)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *DedupConfig) {},
		},
		{
			name:    "missing image",
			mutate:  func(c *DedupConfig) { c.ImagePath = "" },
			wantErr: "input image path is required",
		},
		{
			name:    "missing output",
			mutate:  func(c *DedupConfig) { c.OutputPath = "" },
			wantErr: "output path is required",
		},
		{
			name: "dry run needs no output",
			mutate: func(c *DedupConfig) {
				c.OutputPath = ""
				c.DryRun = true
			},
		},
		{
			name:    "output equals input",
			mutate:  func(c *DedupConfig) { c.OutputPath = c.ImagePath },
			wantErr: "must differ",
		},
		{
			name:    "negative min size",
			mutate:  func(c *DedupConfig) { c.MinSize = -1 },
			wantErr: "must not be negative",
		},
		{
			name:    "unknown compression",
			mutate:  func(c *DedupConfig) { c.Compression = "brotli" },
			wantErr: "unsupported compression",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *DedupConfig) { c.Concurrency = 0 },
			wantErr: "concurrency must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultDedupConfig()
			config.ImagePath = "in.tar"
			config.OutputPath = "out.tar"
			tt.mutate(config)

			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
			if !goerrors.Is(err, errors.ErrConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imgdedup.yaml")
	content := "min_size: 4096\ncompression: zstd\nconcurrency: 2\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	config, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	if config.MinSize != 4096 {
		t.Errorf("Expected min size 4096, got %d", config.MinSize)
	}
	if config.Compression != CompressionZstd {
		t.Errorf("Expected zstd, got %s", config.Compression)
	}
	if config.Concurrency != 2 {
		t.Errorf("Expected concurrency 2, got %d", config.Concurrency)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected default log level to survive, got %q", config.LogLevel)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("min_sise: 1\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfigFile(bad); !goerrors.Is(err, errors.ErrConfiguration) {
		t.Errorf("Expected configuration error for unknown key, got %v", err)
	}

	if _, err := LoadConfigFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestDedupResult_WriteReport(t *testing.T) {
	result := &DedupResult{
		Image:           "in.tar",
		Layers:          2,
		DuplicateGroups: 1,
		Hardlinks:       1,
		Symlinks:        1,
		BytesSaved:      4000000,
		Groups: []GroupSummary{{
			Digest:    "sha256:abc",
			Size:      2000000,
			Canonical: "0:a/file.bin",
			Hardlinks: []string{"0:a/file2.bin"},
		}},
	}

	path := filepath.Join(t.TempDir(), "report.yaml")
	if err := result.WriteReport(path); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	var decoded DedupResult
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if decoded.BytesSaved != result.BytesSaved || len(decoded.Groups) != 1 {
		t.Errorf("Report did not round-trip: %+v", decoded)
	}
	if decoded.Groups[0].Canonical != "0:a/file.bin" {
		t.Errorf("Unexpected canonical %q", decoded.Groups[0].Canonical)
	}
}
