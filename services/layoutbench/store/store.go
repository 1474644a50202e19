// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists benchmark runs by name.
//
// Three backends share the Store interface: a directory of JSON files,
// an embedded BadgerDB, and a Google Cloud Storage bucket. Every backend
// stores the same JSON document the results codec writes, so a run saved
// in one can be copied to another byte for byte.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
	"github.com/AleutianAI/layoutbench/services/layoutbench/storage/badger"
)

var (
	// ErrNotFound is returned by Get for an unknown name.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidName is returned for names outside [A-Za-z0-9._-].
	ErrInvalidName = errors.New("invalid run name")

	// ErrUnknownKind is returned by Open for an unsupported store kind.
	ErrUnknownKind = errors.New("unknown store kind")
)

// Store kinds accepted by Open.
const (
	KindFile   = "file"
	KindBadger = "badger"
	KindGCS    = "gcs"
)

// Store persists runs by name.
type Store interface {
	// Put writes run under name, replacing any previous run.
	Put(ctx context.Context, name string, run *results.Run) error

	// Get reads the run stored under name. Returns ErrNotFound if absent.
	Get(ctx context.Context, name string) (*results.Run, error)

	// List returns stored names in ascending order.
	List(ctx context.Context) ([]string, error)

	// Close releases the backend.
	Close() error
}

// Config selects and configures a store.
type Config struct {
	Kind string `yaml:"kind" json:"kind" validate:"omitempty,oneof=file badger gcs"`

	// Dir is the directory for file and badger stores.
	Dir string `yaml:"dir" json:"dir" validate:"required_unless=Kind gcs"`

	// Bucket, Prefix and CredentialsFile configure the gcs store.
	Bucket          string `yaml:"bucket" json:"bucket" validate:"required_if=Kind gcs"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`

	// Badger tunes the badger store. Path is taken from Dir.
	Badger badger.Config `yaml:"badger" json:"badger"`
}

// DefaultConfig returns a file store under ./runs.
func DefaultConfig() Config {
	return Config{
		Kind:   KindFile,
		Dir:    "runs",
		Badger: badger.DefaultConfig(""),
	}
}

// Open builds the store selected by cfg.Kind. An empty kind means file.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case "", KindFile:
		return NewFileStore(cfg.Dir)
	case KindBadger:
		bcfg := cfg.Badger
		bcfg.Path = cfg.Dir
		bcfg.Logger = logger.With(slog.String("component", "badger"))
		return NewBadgerStore(bcfg)
	case KindGCS:
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix, cfg.CredentialsFile)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// Loader adapts a store to a name-based run loader.
func Loader(s Store) func(ctx context.Context, name string) (*results.Run, error) {
	return s.Get
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
