// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"math"
	"slices"
)

var (
	nan     = math.NaN()
	cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)
)

// gradient estimates the criterion gradient at theta by central differences.
// A component whose central stencil crosses its lower bound uses the second
// order forward difference instead.
func (s *session) gradient(theta, grad []float64) error {

	x := slices.Clone(theta)
	f0, err := s.evaluate(x)
	if err != nil {
		return err
	}

	for i, v := range theta {
		h := cubeEps * math.Max(1, math.Abs(v))
		d := 1 / (2 * h)
		if v-h < s.m.lower[i] {
			x[i] = v + h
			f1, err := s.evaluate(x)
			if err != nil {
				return err
			}
			x[i] = v + 2*h
			f2, err := s.evaluate(x)
			if err != nil {
				return err
			}
			grad[i] = (4*f1 - 3*f0 - f2) * d
		} else {
			x[i] = v - h
			f1, err := s.evaluate(x)
			if err != nil {
				return err
			}
			x[i] = v + h
			f2, err := s.evaluate(x)
			if err != nil {
				return err
			}
			grad[i] = (f2 - f1) * d
		}
		x[i] = v
	}
	return nil
}

// checkGradient returns the largest projected gradient component at theta.
// A positive component at an active lower bound is not a descent direction
// and is ignored.
func (s *session) checkGradient(theta []float64) (float64, error) {

	grad := make([]float64, len(theta))
	if err := s.gradient(theta, grad); err != nil {
		return nan, err
	}

	maxGrad := 0.0
	for i, g := range grad {
		if theta[i] <= s.m.lower[i] && g > 0 {
			continue
		}
		maxGrad = math.Max(maxGrad, math.Abs(g))
	}

	if log := s.m.opts.Logger; maxGrad > s.m.opts.GradTolerance && log.Enabled(LogLast) {
		log.Logf("gradient check: max |g|=%.3e exceeds %.1e at theta=%v\n",
			maxGrad, s.m.opts.GradTolerance, theta)
	}
	return maxGrad, nil
}

// Gradient estimates the gradient of the criterion at theta by finite
// differences. The model is left at theta and unfit.
func (m *Model) Gradient(theta []float64) ([]float64, error) {
	if m.state == stateFitting {
		return nil, &UnsupportedOperationError{Op: "gradient evaluation during a fit"}
	}
	if err := m.checkTheta(theta); err != nil {
		return nil, err
	}
	m.state = stateUnfit
	s := m.newSession()
	grad := make([]float64, len(theta))
	if err := s.gradient(theta, grad); err != nil {
		return nil, err
	}
	if _, err := s.evaluate(theta); err != nil {
		return nil, err
	}
	return grad, nil
}
