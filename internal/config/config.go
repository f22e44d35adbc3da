// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the YAML run configuration of focustree.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/focustree/internal/backend"
	"github.com/AleutianAI/focustree/internal/sfc"
)

// Config is a complete run configuration.
type Config struct {
	// Ranks is the number of ranks taking part in the run.
	Ranks int `yaml:"ranks" validate:"min=1,max=4096"`

	// Particles is the total number of generated particles.
	Particles int `yaml:"particles" validate:"min=1"`
	Seed      int64 `yaml:"seed"`

	BucketSize uint32 `yaml:"bucket_size" validate:"min=1"`

	// Theta is the opening angle of the MAC; the engine works with 1/Theta.
	Theta float64 `yaml:"theta" validate:"gt=0,lte=1"`

	// SearchExtFact scales smoothing lengths for halo discovery.
	SearchExtFact float64 `yaml:"search_ext_fact" validate:"gt=0"`

	MaxRounds int `yaml:"max_rounds" validate:"min=1,max=10000"`

	Backend string `yaml:"backend" validate:"oneof=serial parallel"`
	Workers int    `yaml:"workers" validate:"min=0"`

	Box       BoxConfig       `yaml:"box"`
	Transport TransportConfig `yaml:"transport"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type BoxConfig struct {
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max" validate:"gtfield=Min"`
	Boundary string  `yaml:"boundary" validate:"boundary"`
}

type TransportConfig struct {
	// Kind is "local" for all ranks in one process or "websocket" for one
	// rank per process.
	Kind string `yaml:"kind" validate:"oneof=local websocket"`

	// Rank of this process. Websocket only.
	Rank int `yaml:"rank" validate:"min=0"`

	// Listen is the address this rank serves. Websocket only.
	Listen string `yaml:"listen,omitempty"`

	// Peers holds the URL of every rank in rank order. Websocket only.
	Peers []string `yaml:"peers,omitempty" validate:"dive,url"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type SnapshotConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir,omitempty"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
	PrometheusPort int    `yaml:"prometheus_port" validate:"min=0,max=65535"`
}

// DefaultConfig returns a small open-box run on four in-process ranks.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		Ranks:         4,
		Particles:     20000,
		Seed:          42,
		BucketSize:    64,
		Theta:         0.5,
		SearchExtFact: 1.0,
		MaxRounds:     100,
		Backend:       string(backend.KindSerial),
		Box:           BoxConfig{Min: -1, Max: 1, Boundary: "open"},
		Transport:     TransportConfig{Kind: "local", DialTimeout: 30 * time.Second},
		Snapshot:      SnapshotConfig{Dir: filepath.Join(home, ".focustree", "snapshots")},
		Logging:       LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "none",
			PrometheusPort: 9464,
		},
	}
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("boundary", validateBoundary)
	validate.RegisterStructValidation(validateTransport, Config{})
}

func validateBoundary(fl validator.FieldLevel) bool {
	_, err := sfc.ParseBoundaryType(fl.Field().String())
	return err == nil
}

// validateTransport checks the websocket fields against the rank count.
func validateTransport(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if c.Transport.Kind != "websocket" {
		return
	}
	if len(c.Transport.Peers) != c.Ranks {
		sl.ReportError(c.Transport.Peers, "Peers", "peers", "peers_per_rank", "")
	}
	if c.Transport.Rank >= c.Ranks {
		sl.ReportError(c.Transport.Rank, "Rank", "rank", "rank_in_range", "")
	}
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks all fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// SFCBox returns the configured box.
func (c Config) SFCBox() sfc.Box {
	bt, _ := sfc.ParseBoundaryType(c.Box.Boundary)
	return sfc.NewBox(c.Box.Min, c.Box.Max, bt)
}

// InvTheta returns 1/Theta.
func (c Config) InvTheta() float64 { return 1 / c.Theta }

// InvThetaEff is the opening parameter of the geometric MAC used while
// converging. It is half a unit stricter than InvTheta so that the tree
// also resolves the vector MAC evaluated with expansion centers.
func (c Config) InvThetaEff() float64 { return c.InvTheta() + 0.5 }

// Load reads path over the defaults and validates the result. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path, creating its
// directory.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
