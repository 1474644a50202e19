// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	bdg "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
	"github.com/AleutianAI/layoutbench/services/layoutbench/storage/badger"
)

const runKeyPrefix = "run/"

// BadgerStore keeps runs in an embedded BadgerDB under run/<name>.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the database described by cfg.
func NewBadgerStore(cfg badger.Config) (*BadgerStore, error) {
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// Put implements Store.
func (s *BadgerStore) Put(ctx context.Context, name string, run *results.Run) error {
	if err := validateName(name); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := results.Encode(&buf, run); err != nil {
		return err
	}
	return s.db.Update(ctx, func(txn *bdg.Txn) error {
		return txn.Set([]byte(runKeyPrefix+name), buf.Bytes())
	})
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, name string) (*results.Run, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.View(ctx, func(txn *bdg.Txn) error {
		item, err := txn.Get([]byte(runKeyPrefix + name))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, bdg.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", name, err)
	}
	return results.Decode(bytes.NewReader(raw))
}

// List implements Store. Keys iterate in byte order, which is the
// ascending name order.
func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.View(ctx, func(txn *bdg.Txn) error {
		opts := bdg.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(runKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), runKeyPrefix))
		}
		return nil
	})
	return names, err
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
