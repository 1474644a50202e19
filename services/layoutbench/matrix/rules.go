// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matrix

import (
	"fmt"

	"github.com/AleutianAI/layoutbench/services/layoutbench/tensor"
)

// Wildcard matches any backend or dtype in a Rule.
const Wildcard = "*"

// Rule allows or denies one backend/dtype combination.
type Rule struct {
	Backend string `yaml:"backend" json:"backend" validate:"required"`
	DType   string `yaml:"dtype" json:"dtype" validate:"required"`
	Allow   bool   `yaml:"allow" json:"allow"`
}

func (r Rule) matches(backend string, dtype tensor.DType) bool {
	if r.Backend != Wildcard && r.Backend != backend {
		return false
	}
	if r.DType == Wildcard {
		return true
	}
	d, err := tensor.ParseDType(r.DType)
	return err == nil && d == dtype
}

// Rules is an ordered first-match table. A combination no rule matches
// is allowed.
type Rules []Rule

// DefaultRules skips half precision on the host backend.
func DefaultRules() Rules {
	return Rules{{Backend: "cpu", DType: "float16", Allow: false}}
}

// Allowed reports whether backend may run dtype.
func (rs Rules) Allowed(backend string, dtype tensor.DType) bool {
	for _, r := range rs {
		if r.matches(backend, dtype) {
			return r.Allow
		}
	}
	return true
}

// Validate rejects rules whose dtype does not parse.
func (rs Rules) Validate() error {
	for i, r := range rs {
		if r.Backend == "" {
			return fmt.Errorf("%w: rule %d has no backend", ErrInvalidConfig, i)
		}
		if r.DType == Wildcard {
			continue
		}
		if _, err := tensor.ParseDType(r.DType); err != nil {
			return fmt.Errorf("%w: rule %d: %w", ErrInvalidConfig, i, err)
		}
	}
	return nil
}
