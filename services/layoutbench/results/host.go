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
	"os"
	"runtime"

	simd "github.com/cwbudde/algo-vecmath/cpu"
	gocpu "github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Host describes the machine a run was recorded on.
//
// Runs are only comparable like-for-like; Host is recorded so reports can
// flag comparisons across different machines.
type Host struct {
	Hostname    string   `json:"hostname,omitempty"`
	OS          string   `json:"os"`
	Arch        string   `json:"arch"`
	CPU         string   `json:"cpu,omitempty"`
	Cores       int      `json:"cores"`
	MemoryBytes uint64   `json:"memory_bytes,omitempty"`
	SIMD        []string `json:"simd,omitempty"`
	GoVersion   string   `json:"go_version"`
}

// CollectHost gathers host metadata. Probe failures leave fields empty.
func CollectHost() *Host {
	h := &Host{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Cores:     runtime.NumCPU(),
		GoVersion: runtime.Version(),
	}
	if name, err := os.Hostname(); err == nil {
		h.Hostname = name
	}
	if infos, err := gocpu.Info(); err == nil && len(infos) > 0 {
		h.CPU = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemoryBytes = vm.Total
	}
	h.SIMD = simdFeatures(simd.DetectFeatures())
	return h
}

func simdFeatures(f simd.Features) []string {
	var out []string
	for _, feat := range []struct {
		name string
		ok   bool
	}{
		{"sse2", f.HasSSE2},
		{"avx", f.HasAVX},
		{"avx2", f.HasAVX2},
		{"avx512", f.HasAVX512},
		{"neon", f.HasNEON},
	} {
		if feat.ok {
			out = append(out, feat.name)
		}
	}
	return out
}

// SameMachine reports whether two hosts look like the same machine.
func (h *Host) SameMachine(o *Host) bool {
	if h == nil || o == nil {
		return true
	}
	return h.OS == o.OS && h.Arch == o.Arch && h.CPU == o.CPU && h.Cores == o.Cores
}
