// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package results

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/perf/benchfmt"
)

// Encode writes run as indented JSON.
func Encode(w io.Writer, run *Run) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	return nil
}

// Decode reads a run and checks its version.
func Decode(r io.Reader) (*Run, error) {
	var run Run
	dec := json.NewDecoder(r)
	if err := dec.Decode(&run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	if run.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, run.Version)
	}
	return &run, nil
}

// SaveFile writes run to path atomically via a temporary file.
func SaveFile(path string, run *Run) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".run-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, run); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

// LoadFile reads a run from path.
func LoadFile(path string) (*Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run %s: %w", path, err)
	}
	defer f.Close()
	run, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return run, nil
}

// -----------------------------------------------------------------------------
// benchfmt export
// -----------------------------------------------------------------------------

// WriteBenchfmt exports run in the Go benchmark format.
//
// Description:
//
//	Every point becomes one result line named
//	Benchmark<Title>/<field>=<value>/.../size=<problem size>, with the
//	duration reported in sec/op. Host metadata is written as file-level
//	configuration so benchstat can group runs by machine.
func WriteBenchfmt(w io.Writer, run *Run) error {
	bw := benchfmt.NewWriter(w)

	var fileCfg []benchfmt.Config
	addCfg := func(k, v string) {
		if v != "" {
			fileCfg = append(fileCfg, benchfmt.Config{Key: k, Value: []byte(v), File: true})
		}
	}
	addCfg("run", run.ID)
	if run.Host != nil {
		addCfg("goos", run.Host.OS)
		addCfg("goarch", run.Host.Arch)
		addCfg("cpu", run.Host.CPU)
	}
	for _, k := range sortedKeys(run.Labels) {
		addCfg(k, run.Labels[k])
	}

	for _, e := range run.Entries {
		base := benchName(e.Title, e.Setup)
		for _, p := range e.Data {
			res := &benchfmt.Result{
				Config: fileCfg,
				Name:   benchfmt.Name(base + "/size=" + sizeToken(p.ProblemSize)),
				Iters:  1,
				Values: []benchfmt.Value{{Value: p.Duration, Unit: "sec/op"}},
			}
			if err := bw.Write(res); err != nil {
				return fmt.Errorf("write benchfmt: %w", err)
			}
		}
	}
	return nil
}

func benchName(title string, s Setup) string {
	var b strings.Builder
	// benchfmt.Writer adds the "Benchmark" prefix.
	b.WriteString(exportedTitle(sanitize(title)))
	for _, k := range s.Fields() {
		if k == FieldOp {
			continue
		}
		b.WriteString("/")
		b.WriteString(sanitize(k))
		b.WriteString("=")
		b.WriteString(sanitize(s.Get(k)))
	}
	return b.String()
}

// exportedTitle upper-cases the first letter so names read like Go
// benchmark functions.
func exportedTitle(title string) string {
	r, n := utf8.DecodeRuneInString(title)
	if n == 0 {
		return title
	}
	return string(unicode.ToUpper(r)) + title[n:]
}

func sizeToken(p ProblemSize) string {
	if p.IsPair() {
		return fmt.Sprintf("%dx%d", p.Contiguous, p.NonContiguous)
	}
	return fmt.Sprintf("%d", p.Contiguous)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
