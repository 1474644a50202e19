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
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
)

// GCSStore keeps runs as <prefix>/<name>.json objects in a bucket.
//
// Thread Safety: Safe for concurrent use.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore connects to bucket. An empty credentialsFile uses
// application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix, credentialsFile string, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket must not be empty")
	}
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *GCSStore) object(name string) string {
	return path.Join(s.prefix, name+fileExt)
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, name string, run *results.Run) error {
	if err := validateName(name); err != nil {
		return err
	}
	obj := s.object(name)
	w := s.client.Bucket(s.bucket).Object(obj).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if err := results.Encode(w, run); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write gs://%s/%s: %w", s.bucket, obj, err)
	}
	return nil
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, name string) (*results.Run, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	obj := s.object(name)
	r, err := s.client.Bucket(s.bucket).Object(obj).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", s.bucket, obj, err)
	}
	defer r.Close()
	return results.Decode(r)
}

// List implements Store.
func (s *GCSStore) List(ctx context.Context) ([]string, error) {
	q := &storage.Query{}
	if s.prefix != "" {
		q.Prefix = s.prefix + "/"
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, q)
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", s.bucket, q.Prefix, err)
		}
		rel := strings.TrimPrefix(attrs.Name, q.Prefix)
		if strings.Contains(rel, "/") || !strings.HasSuffix(rel, fileExt) {
			continue
		}
		if name := strings.TrimSuffix(rel, fileExt); validateName(name) == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close implements Store.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
