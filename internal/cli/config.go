package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/webptar/internal/compress"
	"github.com/ChuLiYu/webptar/internal/convert"
	"github.com/ChuLiYu/webptar/internal/metrics"
	"github.com/ChuLiYu/webptar/internal/mode"
	"github.com/ChuLiYu/webptar/internal/pipeline"
	"github.com/ChuLiYu/webptar/internal/staging"
	"github.com/ChuLiYu/webptar/pkg/types"
)

// DefaultConfigPath is read when --config is not given. A missing file at
// this path is not an error.
const DefaultConfigPath = "configs/default.yaml"

// Config represents the complete configuration file.
// YAML and TOML share the same keys.
type Config struct {
	Output struct {
		Dir      string `yaml:"dir" toml:"dir"`
		Prefix   string `yaml:"prefix" toml:"prefix"`
		Manifest bool   `yaml:"manifest" toml:"manifest"`
	} `yaml:"output" toml:"output"`

	Convert struct {
		Quality   float64 `yaml:"quality" toml:"quality"`
		Encoder   string  `yaml:"encoder" toml:"encoder"` // webp or png
		CWebPPath string  `yaml:"cwebp_path" toml:"cwebp_path"`
	} `yaml:"convert" toml:"convert"`

	Staging struct {
		Backend             string `yaml:"backend" toml:"backend"`
		Dir                 string `yaml:"dir" toml:"dir"`
		AllowMemoryFallback bool   `yaml:"allow_memory_fallback" toml:"allow_memory_fallback"`
		Sync                bool   `yaml:"sync" toml:"sync"`
	} `yaml:"staging" toml:"staging"`

	Execution struct {
		Mode string `yaml:"mode" toml:"mode"` // auto, background or inline
	} `yaml:"execution" toml:"execution"`

	Compress struct {
		Level string `yaml:"level" toml:"level"`
	} `yaml:"compress" toml:"compress"`

	Archive struct {
		ModTime string `yaml:"mod_time" toml:"mod_time"` // RFC 3339 or unix seconds
	} `yaml:"archive" toml:"archive"`

	Metrics struct {
		Enabled  bool   `yaml:"enabled" toml:"enabled"`
		Textfile string `yaml:"textfile" toml:"textfile"`
	} `yaml:"metrics" toml:"metrics"`

	Log struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"`
	} `yaml:"log" toml:"log"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Output.Dir = "."
	cfg.Output.Prefix = "images"
	cfg.Convert.Quality = convert.DefaultQuality
	cfg.Convert.Encoder = types.FormatWebP
	cfg.Convert.CWebPPath = convert.DefaultCWebPBinary
	cfg.Staging.Backend = string(types.StagingSegment)
	cfg.Staging.Dir = staging.DefaultDir()
	cfg.Staging.AllowMemoryFallback = true
	cfg.Execution.Mode = string(mode.PolicyAuto)
	cfg.Compress.Level = "default"
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	return cfg
}

// loadConfig reads path over the defaults. The format follows the
// extension: .toml is TOML, anything else YAML.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no batch could run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Convert.Quality <= 0 || c.Convert.Quality > 1 {
		errs = append(errs, fmt.Errorf("convert.quality %.2f out of range (0,1]", c.Convert.Quality))
	}
	switch c.Convert.Encoder {
	case types.FormatWebP, types.FormatPNG:
	default:
		errs = append(errs, fmt.Errorf("convert.encoder %q: want webp or png", c.Convert.Encoder))
	}
	switch types.StagingKind(c.Staging.Backend) {
	case types.StagingSegment, types.StagingSQLite, types.StagingMemory:
	default:
		errs = append(errs, fmt.Errorf("staging.backend %q: want segment, sqlite or memory", c.Staging.Backend))
	}
	if _, err := mode.ParsePolicy(c.Execution.Mode); err != nil {
		errs = append(errs, fmt.Errorf("execution.mode: %w", err))
	}
	if _, err := compress.ParseLevel(c.Compress.Level); err != nil {
		errs = append(errs, fmt.Errorf("compress.level: %w", err))
	}
	if _, err := parseModTime(c.Archive.ModTime); err != nil {
		errs = append(errs, fmt.Errorf("archive.mod_time: %w", err))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want console or json", c.Log.Format))
	}
	if c.Output.Prefix == "" || strings.ContainsAny(c.Output.Prefix, `/\`) {
		errs = append(errs, fmt.Errorf("output.prefix %q must be a plain file name", c.Output.Prefix))
	}

	return errors.Join(errs...)
}

// parseModTime accepts RFC 3339 or integer unix seconds. Empty means the
// batch start time and returns the zero time.
func parseModTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 0 {
			return time.Time{}, fmt.Errorf("%d is before the epoch", secs)
		}
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor unix seconds", s)
	}
	if t.Before(time.Unix(0, 0)) {
		return time.Time{}, fmt.Errorf("%q is before the epoch", s)
	}
	return t, nil
}

// pipelineConfig converts a validated Config.
func (c *Config) pipelineConfig(logger *slog.Logger) (pipeline.Config, error) {
	policy, err := mode.ParsePolicy(c.Execution.Mode)
	if err != nil {
		return pipeline.Config{}, err
	}
	level, err := compress.ParseLevel(c.Compress.Level)
	if err != nil {
		return pipeline.Config{}, err
	}
	modTime, err := parseModTime(c.Archive.ModTime)
	if err != nil {
		return pipeline.Config{}, err
	}

	pc := pipeline.Config{
		Policy: policy,
		Staging: staging.Options{
			Backend: types.StagingKind(c.Staging.Backend),
			Dir:     c.Staging.Dir,
			Sync:    c.Staging.Sync,
		},
		AllowMemoryFallback: c.Staging.AllowMemoryFallback,
		CWebP:               c.Convert.CWebPPath,
		PNGOnly:             c.Convert.Encoder == types.FormatPNG,
		Quality:             c.Convert.Quality,
		CompressLevel:       level,
		ModTime:             modTime,
		OutputDir:           c.Output.Dir,
		Prefix:              c.Output.Prefix,
		Manifest:            c.Output.Manifest,
		Logger:              logger,
	}
	if c.Metrics.Enabled {
		pc.Metrics = metrics.NewCollector(nil)
		pc.MetricsTextfile = c.Metrics.Textfile
	}
	return pc, nil
}
