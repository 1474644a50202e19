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
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/layoutbench/services/layoutbench/results"
)

// Measurement is the InfluxDB measurement name for exported points.
const Measurement = "layoutbench"

// InfluxConfig configures the exporter.
type InfluxConfig struct {
	URL    string `yaml:"url" json:"url" validate:"omitempty,url"`
	Token  string `yaml:"token" json:"-"`
	Org    string `yaml:"org" json:"org"`
	Bucket string `yaml:"bucket" json:"bucket"`

	// BatchSize is the number of points per write request.
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"gte=0"`
}

// InfluxExporter writes run points to InfluxDB so runs can be charted
// over time.
//
// Thread Safety: Safe for concurrent use.
type InfluxExporter struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	batch  int
}

// NewInfluxExporter connects to cfg.URL.
func NewInfluxExporter(cfg InfluxConfig) *InfluxExporter {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	return &InfluxExporter{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		batch:  batch,
	}
}

// Points converts run into line protocol points.
//
// Description:
//
//	One point per result point. Tags are the title, the run ID and every
//	setup field; fields are duration in seconds and the problem size
//	exponents: "size" for 1-D points, "contiguous" and "non_contiguous"
//	for 2-D points. The timestamp is the run's creation time offset by the
//	point index in microseconds so points of one run do not overwrite each other.
func Points(run *results.Run) []*write.Point {
	var out []*write.Point
	i := 0
	for _, e := range run.Entries {
		tags := map[string]string{"title": e.Title, "run": run.ID}
		for _, f := range e.Setup.Fields() {
			tags[f] = e.Setup.Get(f)
		}
		for _, p := range e.Data {
			fields := map[string]interface{}{"duration": p.Duration}
			if p.ProblemSize.IsPair() {
				fields["contiguous"] = p.ProblemSize.Contiguous
				fields["non_contiguous"] = p.ProblemSize.NonContiguous
			} else {
				fields["size"] = p.ProblemSize.Contiguous
			}
			ts := run.CreatedAt.Add(time.Duration(i) * time.Microsecond)
			out = append(out, influxdb2.NewPoint(Measurement, tags, fields, ts))
			i++
		}
	}
	return out
}

// Export writes every point of run.
func (x *InfluxExporter) Export(ctx context.Context, run *results.Run) (int, error) {
	points := Points(run)
	for start := 0; start < len(points); start += x.batch {
		end := min(start+x.batch, len(points))
		if err := x.write.WritePoint(ctx, points[start:end]...); err != nil {
			return start, fmt.Errorf("write points %d-%d of run %s: %w", start, end, run.ID, err)
		}
	}
	return len(points), nil
}

// Close releases the client.
func (x *InfluxExporter) Close() {
	x.client.Close()
}
