// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads layoutbench.yaml and turns it into the
// configuration of each component.
//
// Precedence is defaults, then the preset named in the file, then the
// file's explicit matrix fields, then command-line flags applied by the
// caller on the returned File.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/layoutbench/pkg/logging"
	"github.com/AleutianAI/layoutbench/services/layoutbench/backend"
	"github.com/AleutianAI/layoutbench/services/layoutbench/compare"
	"github.com/AleutianAI/layoutbench/services/layoutbench/layout"
	"github.com/AleutianAI/layoutbench/services/layoutbench/matrix"
	"github.com/AleutianAI/layoutbench/services/layoutbench/regression"
	"github.com/AleutianAI/layoutbench/services/layoutbench/store"
	"github.com/AleutianAI/layoutbench/services/layoutbench/telemetry"
	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
	"github.com/AleutianAI/layoutbench/services/layoutbench/timing"
)

// DefaultPath is the config file looked up in the working directory.
const DefaultPath = "layoutbench.yaml"

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid configuration")
)

var validate = validator.New()

// -----------------------------------------------------------------------------
// File schema
// -----------------------------------------------------------------------------

// File is the layoutbench.yaml document.
type File struct {
	// Preset is "small" or "full" and seeds the matrix.
	Preset string `yaml:"preset" validate:"oneof=small full"`

	// Backends are opened in order.
	Backends []string `yaml:"backends" validate:"min=1,dive,oneof=cpu stream"`

	Matrix    MatrixFile         `yaml:"matrix"`
	Device    DeviceFile         `yaml:"device"`
	Timing    TimingFile         `yaml:"timing"`
	Compare   CompareFile        `yaml:"compare"`
	Gate      GateFile           `yaml:"gate"`
	Store     store.Config       `yaml:"store"`
	Influx    store.InfluxConfig `yaml:"influx"`
	Telemetry telemetry.Config   `yaml:"telemetry"`
	Logging   logging.Config     `yaml:"logging"`
}

// MatrixFile overrides the preset. Empty fields keep the preset's value.
type MatrixFile struct {
	Ops        []string     `yaml:"ops,omitempty"`
	DTypes     []string     `yaml:"dtypes,omitempty"`
	Layouts    [][]string   `yaml:"layouts,omitempty"`
	Sizes      []int        `yaml:"sizes,omitempty" validate:"omitempty,dive,gte=0,lte=40"`
	Budget     ByteSize     `yaml:"budget,omitempty" validate:"gte=0"`
	Rules      matrix.Rules `yaml:"rules,omitempty"`
	SplitMixed bool         `yaml:"split_mixed"`
}

// DeviceFile sizes the backends.
type DeviceFile struct {
	HostCapacity       ByteSize `yaml:"host_capacity" validate:"gte=0"`
	HostMemoryFraction float64  `yaml:"host_memory_fraction" validate:"gte=0,lte=1"`
	StreamCapacity     ByteSize `yaml:"stream_capacity" validate:"gte=0"`
	StreamQueueDepth   int      `yaml:"stream_queue_depth" validate:"gte=0"`
}

// TimingFile mirrors timing.Config.
type TimingFile struct {
	MinLoopTime      Duration `yaml:"min_loop_time"`
	MaxLoops         int      `yaml:"max_loops" validate:"gt=0"`
	Repeats          int      `yaml:"repeats" validate:"gt=0"`
	Statistic        string   `yaml:"statistic" validate:"oneof=min median"`
	RemoveOutliers   bool     `yaml:"remove_outliers"`
	OutlierThreshold float64  `yaml:"outlier_threshold" validate:"gte=0"`
	Reclaim          bool     `yaml:"reclaim"`
}

// CompareFile configures the comparison engine.
type CompareFile struct {
	// MinDuration is the baseline floor in seconds.
	MinDuration float64 `yaml:"min_duration" validate:"gt=0"`
}

// GateFile configures the regression gate.
type GateFile struct {
	WarnChange         float64 `yaml:"warn_change" validate:"gte=0"`
	FailChange         float64 `yaml:"fail_change" validate:"gtefield=WarnChange"`
	CriticalChange     float64 `yaml:"critical_change" validate:"gtefield=FailChange"`
	MaxPointChange     float64 `yaml:"max_point_change" validate:"gte=0"`
	MinPoints          int     `yaml:"min_points" validate:"gte=1"`
	AllowedRegressions int     `yaml:"allowed_regressions" validate:"gte=0"`
	FailOnWarnings     bool    `yaml:"fail_on_warnings"`
	MaxExcluded        int     `yaml:"max_excluded" validate:"gte=-1"`
	FailOnHostMismatch bool    `yaml:"fail_on_host_mismatch"`
}

// -----------------------------------------------------------------------------
// Defaults and loading
// -----------------------------------------------------------------------------

// Default returns the configuration used without a file.
func Default() *File {
	t := timing.DefaultConfig()
	d := regression.DefaultDetectorConfig()
	h := backend.DefaultHostConfig()
	s := backend.DefaultStreamConfig()
	return &File{
		Preset:   "small",
		Backends: []string{backend.HostName},
		Device: DeviceFile{
			HostMemoryFraction: h.MemoryFraction,
			StreamCapacity:     ByteSize(s.Capacity),
			StreamQueueDepth:   s.QueueDepth,
		},
		Timing: TimingFile{
			MinLoopTime:      Duration(t.MinLoopTime),
			MaxLoops:         t.MaxLoops,
			Repeats:          t.Repeats,
			Statistic:        string(t.Statistic),
			OutlierThreshold: t.OutlierThreshold,
			Reclaim:          t.Reclaim,
		},
		Compare: CompareFile{MinDuration: compare.DefaultMinDuration},
		Gate: GateFile{
			WarnChange:     d.WarnChange,
			FailChange:     d.FailChange,
			CriticalChange: d.CriticalChange,
			MaxPointChange: d.MaxPointChange,
			MinPoints:      d.MinPoints,
			MaxExcluded:    -1,
		},
		Store:     store.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Logging:   logging.Config{Level: logging.LevelInfo, Service: "layoutbench"},
	}
}

// Load reads path over the defaults and validates the result.
//
// Description:
//
//	An empty path returns the validated defaults. Unknown keys are
//	rejected so typos do not silently fall back to defaults.
//
// Inputs:
//
//	path - YAML file, or "" for defaults.
//
// Outputs:
//
//	*File - The merged configuration.
//	error - Read, parse or ErrInvalid errors.
func Load(path string) (*File, error) {
	f := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// WriteDefault writes the default configuration to path, creating its
// directory.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks struct tags, then the cross-field rules of each
// component.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := f.MatrixConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := f.TimingConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := f.DetectorConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Component configs
// -----------------------------------------------------------------------------

// MatrixConfig resolves the preset and applies the file's overrides.
func (f *File) MatrixConfig() (matrix.Config, error) {
	cfg, err := matrix.Preset(f.Preset)
	if err != nil {
		return matrix.Config{}, err
	}
	m := f.Matrix
	if len(m.Ops) > 0 {
		cfg.Ops = append([]string(nil), m.Ops...)
	}
	if len(m.DTypes) > 0 {
		cfg.DTypes = cfg.DTypes[:0]
		for _, s := range m.DTypes {
			d, err := tensor.ParseDType(s)
			if err != nil {
				return matrix.Config{}, err
			}
			cfg.DTypes = append(cfg.DTypes, d)
		}
	}
	if len(m.Layouts) > 0 {
		cfg.Layouts = cfg.Layouts[:0]
		for _, tags := range m.Layouts {
			d, err := layout.ParseDescriptor(tags)
			if err != nil {
				return matrix.Config{}, err
			}
			cfg.Layouts = append(cfg.Layouts, d)
		}
	}
	if len(m.Sizes) > 0 {
		cfg.Sizes = append([]int(nil), m.Sizes...)
	}
	if m.Budget > 0 {
		cfg.Budget = int64(m.Budget)
	}
	if m.Rules != nil {
		if err := m.Rules.Validate(); err != nil {
			return matrix.Config{}, err
		}
		cfg.Rules = m.Rules
	}
	cfg.SplitMixed = m.SplitMixed
	return cfg, nil
}

// TimingConfig returns the harness configuration.
func (f *File) TimingConfig() timing.Config {
	t := f.Timing
	return timing.Config{
		MinLoopTime:      t.MinLoopTime.Std(),
		MaxLoops:         t.MaxLoops,
		Repeats:          t.Repeats,
		Statistic:        timing.Statistic(t.Statistic),
		RemoveOutliers:   t.RemoveOutliers,
		OutlierThreshold: t.OutlierThreshold,
		Reclaim:          t.Reclaim,
	}
}

// BackendConfig returns the backend configuration. The host denies
// nothing itself; dtype filtering is done by the matrix rules.
func (f *File) BackendConfig() backend.Config {
	cfg := backend.DefaultConfig()
	cfg.Host.Capacity = int64(f.Device.HostCapacity)
	if f.Device.HostMemoryFraction > 0 {
		cfg.Host.MemoryFraction = f.Device.HostMemoryFraction
	}
	if f.Device.StreamCapacity > 0 {
		cfg.Stream.Capacity = int64(f.Device.StreamCapacity)
	}
	if f.Device.StreamQueueDepth > 0 {
		cfg.Stream.QueueDepth = f.Device.StreamQueueDepth
	}
	return cfg
}

// DetectorConfig returns the regression thresholds.
func (f *File) DetectorConfig() *regression.DetectorConfig {
	g := f.Gate
	return &regression.DetectorConfig{
		WarnChange:     g.WarnChange,
		FailChange:     g.FailChange,
		CriticalChange: g.CriticalChange,
		MaxPointChange: g.MaxPointChange,
		MinPoints:      g.MinPoints,
	}
}

// GateOptions returns options for regression.NewGate.
func (f *File) GateOptions() []regression.GateOption {
	g := f.Gate
	return []regression.GateOption{
		regression.WithWarnChange(g.WarnChange),
		regression.WithCriticalChange(g.CriticalChange),
		regression.WithFailChange(g.FailChange),
		regression.WithMaxPointChange(g.MaxPointChange),
		regression.WithMinPoints(g.MinPoints),
		regression.WithAllowedRegressions(g.AllowedRegressions),
		regression.WithFailOnWarnings(g.FailOnWarnings),
		regression.WithMaxExcluded(g.MaxExcluded),
		regression.WithFailOnHostMismatch(g.FailOnHostMismatch),
	}
}

// CompareOptions returns options for compare.NewEngine.
func (f *File) CompareOptions() []compare.Option {
	return []compare.Option{compare.WithMinDuration(f.Compare.MinDuration)}
}
