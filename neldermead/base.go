// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package neldermead

import (
	"math"
	"time"
)

const (
	zero = 0.0
	half = 0.5
	one  = 1.0
	two  = 2.0
)

// Simplex transformation coefficients.
const (
	reflect  = one  // α
	expand   = two  // γ
	contract = half // ρ
	shrink   = half // σ
)

type iterTask uint32

const (
	iterLoop iterTask = 0
	// ConvFDiffTol the spread of function values over the simplex fell below tolerance.
	ConvFDiffTol iterTask = 1 << iota
	// ConvXDiffTol the simplex diameter fell below tolerance.
	ConvXDiffTol
	// OverIterLimit the number of iterations exceeds limit.
	OverIterLimit
	// OverEvalLimit the number of function evaluations exceeds limit.
	OverEvalLimit
	// OverTimeLimit the time spent on function evaluations exceeds quota.
	OverTimeLimit
	// HaltEvalPanic the evaluation panicked.
	HaltEvalPanic

	iterConv = ConvFDiffTol | ConvXDiffTol
)

func (t iterTask) String() string {
	switch {
	case t == iterLoop:
		return "RUNNING"
	case t&ConvFDiffTol > 0:
		return "CONVERGENCE: FUNCTION VALUE SPREAD <= FTOL"
	case t&ConvXDiffTol > 0:
		return "CONVERGENCE: SIMPLEX SIZE <= XTOL"
	case t&OverIterLimit > 0:
		return "STOP: TOTAL NO. OF ITERATIONS EXCEEDS LIMIT"
	case t&OverEvalLimit > 0:
		return "STOP: TOTAL NO. OF F EVALUATIONS EXCEEDS LIMIT"
	case t&OverTimeLimit > 0:
		return "STOP: CPU EXCEEDING THE TIME LIMIT"
	case t&HaltEvalPanic > 0:
		return "ABNORMAL: EVALUATION PANIC"
	}
	return "UNKNOWN"
}

type iterSpec struct {
	n      int
	stop   Termination
	eval   Evaluation
	bounds []Bound
	step   []float64
	logger Logger
}

// iterCtx holds the simplex and scratch vectors.
type iterCtx struct {
	// vertices of the simplex, (n+1) rows of n
	simplex []float64
	// function value at each vertex
	fv []float64
	// vertex indices ordered by function value
	order []int
	// centroid of the best n vertices
	centroid []float64
	// trial points
	xr, xe, xc []float64

	iter      int
	totalEval int
	shrinks   int
	global    stopwatch
}

func (c *iterCtx) init(n int) {
	buf := make([]float64, (n+1)*n+(n+1)+4*n)
	c.simplex, buf = buf[:(n+1)*n], buf[(n+1)*n:]
	c.fv, buf = buf[:n+1], buf[n+1:]
	c.centroid, buf = buf[:n], buf[n:]
	c.xr, buf = buf[:n], buf[n:]
	c.xe, buf = buf[:n], buf[n:]
	c.xc = buf[:n]
	c.order = make([]int, n+1)
}

func (c *iterCtx) clear() {
	c.iter, c.totalEval, c.shrinks = 0, 0, 0
	for i := range c.order {
		c.order[i] = i
	}
}

func (c *iterCtx) vertex(n, i int) []float64 {
	return c.simplex[i*n : (i+1)*n]
}

type stopwatch struct {
	start time.Time
}

func (s *stopwatch) reset() {
	s.start = time.Now()
}

func (s *stopwatch) elapsed() int64 {
	return time.Since(s.start).Nanoseconds()
}

// finite maps NaN to +Inf so that ordering of the simplex stays total.
func finite(f float64) float64 {
	if math.IsNaN(f) {
		return math.Inf(1)
	}
	return f
}
