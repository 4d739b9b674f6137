// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"math"
)

// lowerBounds returns 0 at the diagonal positions of every Λᵢ and -∞ elsewhere.
func lowerBounds(terms []*RandomEffectTerm) []float64 {
	var lower []float64
	for _, t := range terms {
		for c := 0; c < t.p; c++ {
			lower = append(lower, 0)
			for r := c + 1; r < t.p; r++ {
				lower = append(lower, math.Inf(-1))
			}
		}
	}
	return lower
}

// checkTheta validates the whole vector before anything is written,
// so a rejected theta leaves every Λᵢ untouched.
func (m *Model) checkTheta(theta []float64) error {
	if len(theta) != len(m.lower) {
		return &ValidationError{Index: -1, Reason: "wrong length"}
	}
	for k, v := range theta {
		lo := m.lower[k]
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			return &ValidationError{Index: k, Value: v, Reason: "non-finite value"}
		case lo == 0 && v < 0:
			return &ValidationError{Index: k, Value: v, Reason: "negative diagonal"}
		case v < lo:
			return &ValidationError{Index: k, Value: v, Reason: "below lower bound"}
		}
	}
	return nil
}

// setTheta maps theta onto Λᵢ and rewrites the row block of ΛᵀZᵀ owned by each term.
// It does not refactor.
func (m *Model) setTheta(theta []float64) error {
	if err := m.checkTheta(theta); err != nil {
		return err
	}
	k := 0
	for _, t := range m.terms {
		k += t.unpack(theta[k:])
		m.sys.update(t, m.rw)
	}
	return nil
}

// Theta returns the stacked lower triangles of every Λᵢ.
func (m *Model) Theta() []float64 {
	theta := make([]float64, 0, len(m.lower))
	for _, t := range m.terms {
		theta = t.pack(theta)
	}
	return theta
}

// LowerBounds returns the lower bound of every theta component.
func (m *Model) LowerBounds() []float64 {
	return append([]float64(nil), m.lower...)
}
