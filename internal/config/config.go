// Package config loads the CXDB core server's environment-style
// configuration (spec §6 "Configuration (environment-style)").
//
// The surface is six scalar keys, so this follows the teacher's own
// cmd/node/main.go getenv/mustGetenv pattern rather than reaching for a
// config library — see DESIGN.md for why that's the right call here.
package config

import (
	"fmt"
	"os"
	"strconv"
)

const (
	defaultBind             = ":9009"
	defaultMaxBlobSize      = 10 << 20 // 10 MiB
	defaultCompressionLevel = 3
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
)

// Config holds the recognized environment options from spec §6.
type Config struct {
	// DataDir is the base directory for storage; blobs/ and turns/
	// subdirectories are created beneath it on first use.
	DataDir string

	// Bind is the TCP listen address for the binary protocol.
	Bind string

	// HTTPBind, if non-empty, serves the optional informational status
	// surface (internal/statusapi). Out of core scope per spec §1.
	HTTPBind string

	// MaxBlobSize ceilings Blob.raw_len.
	MaxBlobSize int64

	// CompressionLevel is the zstd level used by the Blob Store.
	CompressionLevel int

	// LogLevel and LogFormat configure zap; observability only.
	LogLevel  string
	LogFormat string
}

// FromEnv populates a Config from the process environment, applying the
// spec's documented defaults. DATA_DIR is the only required key.
func FromEnv() (Config, error) {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		return Config{}, fmt.Errorf("missing required env DATA_DIR")
	}

	cfg := Config{
		DataDir:          dataDir,
		Bind:             getenv("BIND", defaultBind),
		HTTPBind:         os.Getenv("HTTP_BIND"),
		MaxBlobSize:      defaultMaxBlobSize,
		CompressionLevel: defaultCompressionLevel,
		LogLevel:         getenv("LOG_LEVEL", defaultLogLevel),
		LogFormat:        getenv("LOG_FORMAT", defaultLogFormat),
	}

	if v := os.Getenv("MAX_BLOB_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid MAX_BLOB_SIZE %q: %w", v, err)
		}
		cfg.MaxBlobSize = n
	}

	if v := os.Getenv("COMPRESSION_LEVEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COMPRESSION_LEVEL %q: %w", v, err)
		}
		cfg.CompressionLevel = n
	}

	return cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
