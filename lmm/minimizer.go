// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"fmt"
	"math"
	"slices"

	"github.com/curioloop/lmm/neldermead"
	"gonum.org/v1/gonum/optimize"
)

// Bounded is a lower-bounded minimization problem handed to a Minimizer.
type Bounded struct {
	// Objective returns the criterion at x. It never provides derivatives:
	// a non-nil g makes it fail.
	Objective func(x, g []float64) float64
	// Lower bound of every component, -∞ when free.
	Lower []float64
	// Stop condition.
	Stop Termination
	// Logger of the fit.
	Logger *Logger
}

// Optimum is the outcome of a minimization.
type Optimum struct {
	OK          bool      // Whether the minimizer converged.
	F           float64   // Optimal value.
	X           []float64 // Optimal point.
	Status      int       // Minimizer specific status code.
	Message     string    // Status description.
	Evaluations int
	Iterations  int
}

// Minimizer is a derivative-free, bound-constrained minimizer.
//
// The objective may abort a minimization by panicking with an internal
// value; implementations must either recover every panic raised by the
// objective or let it propagate unchanged.
type Minimizer interface {
	Minimize(p *Bounded, x0 []float64) (*Optimum, error)
}

// NelderMeadMinimizer minimizes with the bound-constrained Nelder-Mead simplex.
type NelderMeadMinimizer struct {
	// Optional initial simplex edge per component.
	Step []float64
	// Optional time quota in seconds.
	MaxComputations int64
}

func (nm NelderMeadMinimizer) Minimize(p *Bounded, x0 []float64) (*Optimum, error) {

	n := len(x0)
	bounds := make([]neldermead.Bound, n)
	for i := range bounds {
		bounds[i] = neldermead.Bound{Lower: p.Lower[i], Upper: math.Inf(1)}
	}

	logger := minimizerLogger(&quiet)
	if p.Logger != nil {
		logger = minimizerLogger(p.Logger)
	}

	problem := neldermead.Problem{
		N:    n,
		Eval: p.Objective,
		Stop: neldermead.Termination{
			MaxIterations:   p.Stop.MaxIterations,
			MaxEvaluations:  p.Stop.MaxEvaluations,
			MaxComputations: nm.MaxComputations,
			FDiffTolerance:  p.Stop.FTol,
			XDiffTolerance:  p.Stop.XTol,
		},
		Bounds: bounds,
		Step:   nm.Step,
	}

	optimizer, err := problem.New(logger)
	if err != nil {
		return nil, err
	}

	r := optimizer.Fit(x0, optimizer.Init())
	return &Optimum{
		OK:          r.OK,
		F:           r.F,
		X:           r.X,
		Status:      int(r.Status),
		Message:     r.Status.String(),
		Evaluations: r.NumEval,
		Iterations:  r.NumIter,
	}, nil
}

// GonumMinimizer minimizes with a gonum optimize.Method on the objective
// composed with the projection onto the bounds.
type GonumMinimizer struct {
	// Method defaults to optimize.NelderMead. It must not need derivatives.
	Method optimize.Method
	// Iterations without relative improvement above FTol, or with the best
	// point staying within XTol, before stopping. Default 20.
	Patience int
}

func (gm GonumMinimizer) Minimize(p *Bounded, x0 []float64) (*Optimum, error) {

	method := gm.Method
	if method == nil {
		method = &optimize.NelderMead{}
	}
	if _, e := method.Uses(optimize.Available{}); e != nil {
		return nil, &UnsupportedOperationError{Op: fmt.Sprintf("gonum method requires derivatives: %v", e)}
	}

	patience := gm.Patience
	if patience <= 0 {
		patience = 20
	}

	// gonum may evaluate outside the calling goroutine, so an aborting
	// objective is recovered here and reported through Problem.Status.
	var abort error
	z := make([]float64, len(x0))
	problem := optimize.Problem{
		Func: func(x []float64) (f float64) {
			if abort != nil {
				return math.NaN()
			}
			defer func() {
				if r := recover(); r != nil {
					a, ok := r.(evalAbort)
					if !ok {
						panic(r)
					}
					abort, f = a.err, math.NaN()
				}
			}()
			copy(z, x)
			clamp(z, p.Lower)
			return p.Objective(z, nil)
		},
		Status: func() (optimize.Status, error) {
			if abort != nil {
				return optimize.Failure, abort
			}
			return optimize.NotTerminated, nil
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: p.Stop.MaxEvaluations,
		MajorIterations: p.Stop.MaxIterations,
		Converger: &convergence{
			function: optimize.FunctionConverge{
				Relative:   p.Stop.FTol,
				Iterations: patience,
			},
			xtol:  p.Stop.XTol,
			iters: patience,
		},
	}

	start := slices.Clone(x0)
	clamp(start, p.Lower)
	res, err := optimize.Minimize(problem, start, settings, method)
	if abort != nil {
		return nil, abort
	}
	if res == nil {
		return nil, err
	}

	x := slices.Clone(res.X)
	clamp(x, p.Lower)
	return &Optimum{
		OK:          err == nil && res.Status.Err() == nil && converged(res.Status),
		F:           res.F,
		X:           x,
		Status:      int(res.Status),
		Message:     res.Status.String(),
		Evaluations: res.Stats.FuncEvaluations,
		Iterations:  res.Stats.MajorIterations,
	}, nil
}

// convergence stops when the best value has not improved by the relative
// function tolerance, or when the best point has stayed within
// 𝚡𝚝𝚘𝚕 × 𝚖𝚊𝚡(|aᵢ|, 1) of an anchor a, for iters major iterations.
type convergence struct {
	function optimize.FunctionConverge
	xtol     float64
	iters    int
	anchor   []float64
	still    int
}

func (c *convergence) Init(dim int) {
	c.function.Init(dim)
	c.anchor = c.anchor[:0]
	c.still = 0
}

func (c *convergence) Converged(loc *optimize.Location) optimize.Status {
	if s := c.function.Converged(loc); s != optimize.NotTerminated {
		return s
	}
	if len(c.anchor) == 0 || !c.near(loc.X) {
		c.anchor = append(c.anchor[:0], loc.X...)
		c.still = 0
		return optimize.NotTerminated
	}
	if c.still++; c.still < c.iters {
		return optimize.NotTerminated
	}
	return optimize.StepConvergence
}

func (c *convergence) near(x []float64) bool {
	for i, a := range c.anchor {
		if math.Abs(x[i]-a) > c.xtol*math.Max(math.Abs(a), 1) {
			return false
		}
	}
	return true
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.FunctionConvergence, optimize.MethodConverge,
		optimize.FunctionThreshold, optimize.StepConvergence:
		return true
	}
	return false
}

func clamp(x, lower []float64) {
	for i, l := range lower {
		x[i] = math.Max(x[i], l)
	}
}
