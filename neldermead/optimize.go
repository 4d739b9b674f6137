// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package neldermead

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"time"
)

// LogLevel controls the frequency and type of logger output
type LogLevel int

const (
	// LogNoop no output is generated (level < 0)
	LogNoop LogLevel = -1
	// LogLast print only one line at the last iteration
	LogLast LogLevel = 0
	// LogEval print also the best f every iteration
	LogEval LogLevel = 1
	// LogTrace print the simplex operation and vertices of every iteration
	LogTrace LogLevel = 99
)

// Logger handles logging output for the optimizer.
// Note the writers must be thread-safe.
type Logger struct {
	Level LogLevel
	Msg   io.Writer // Writer to output log messages.
	Out   io.Writer // Writer for output data.
}

// Enabled reports whether messages of the given level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return l.Level >= level
}

// Logf writes a message to Msg.
func (l *Logger) Logf(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Msg, format)
	}
}

func (l *Logger) out(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Out, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Out, format)
	}
}

// Bound represents the bounds for an optimization variable.
// Infinite or NaN values mean the side is unbounded.
type Bound struct {
	Lower, Upper float64
}

// Evaluation evaluates the objective function.
// The method is derivative-free, the gradient slice g is always nil.
type Evaluation func(x []float64, g []float64) (f float64)

// Termination specifies the stopping criteria for the optimization algorithm.
type Termination struct {
	// The iteration stop when the number of iteration exceeds limit.
	MaxIterations int
	// The iteration stop when the total number of function evaluation exceeds limit.
	MaxEvaluations int
	// The iteration stop when the CPU time (in seconds) spent on function evaluation over quota.
	MaxComputations int64
	// The iteration will stop when the function values on the simplex satisfied:
	//   fₕ - fₗ ≤ 𝚏𝚝𝚘𝚕 × 𝚖𝚊𝚡(|fₗ|, |fₕ|, 𝚎𝚙𝚜)
	FDiffTolerance float64
	// The iteration will stop when every vertex satisfied:
	//   |xᵥᵢ - xₗᵢ| ≤ 𝚡𝚝𝚘𝚕 × 𝚖𝚊𝚡(|xₗᵢ|, 1)
	XDiffTolerance float64
}

// Problem specifies the problem for Nelder-Mead optimizer.
type Problem struct {
	N      int         // The problem dimension
	Eval   Evaluation  // Objective function
	Stop   Termination // Stop condition
	Bounds []Bound     // Optional bounds
	// Optional initial simplex edge per variable.
	// The default is 0.2 × 𝚖𝚊𝚡(|x₀ᵢ|, 1).
	Step []float64
}

// New creates a new Nelder-Mead optimizer for given problem.
func (p *Problem) New(logger *Logger) (optimizer *Optimizer, err error) {

	if logger == nil {
		logger = new(Logger)
		logger.Level = LogNoop
	}
	if logger.Msg == nil {
		logger.Msg = os.Stdout
	}
	if logger.Out == nil {
		logger.Out = os.Stderr
	}

	n := p.N
	eval, stop, bounds, step := p.Eval, p.Stop, p.Bounds, p.Step

	if bounds == nil {
		bounds = make([]Bound, n)
		for i := range bounds {
			bounds[i] = Bound{math.Inf(-1), math.Inf(1)}
		}
	}

	stop.MaxEvaluations = max(stop.MaxEvaluations, 0)
	if stop.MaxEvaluations == 0 {
		stop.MaxEvaluations = math.MaxInt
	}
	stop.MaxIterations = max(stop.MaxIterations, 0)
	if stop.MaxIterations == 0 {
		stop.MaxIterations = math.MaxInt
	}

	stop.MaxComputations = max(stop.MaxComputations, 0)
	if stop.MaxComputations > 0 {
		stop.MaxComputations *= time.Second.Nanoseconds()
	}
	if stop.MaxComputations <= 0 {
		stop.MaxComputations = math.MaxInt64
	}

	switch {
	case n <= 0:
		err = errors.New("problem dimension must greater than 0")
	case eval == nil:
		err = errors.New("evaluation target is required")
	case math.IsNaN(stop.FDiffTolerance) || stop.FDiffTolerance < zero:
		err = errors.New("function diff tolerance must not less than 0")
	case math.IsNaN(stop.XDiffTolerance) || stop.XDiffTolerance < zero:
		err = errors.New("location diff tolerance must not less than 0")
	case len(bounds) != n:
		err = errors.New("bounds size must equal to n")
	case step != nil && len(step) != n:
		err = errors.New("step size must equal to n")
	}

	if err != nil {
		return
	}

	bounds = slices.Clone(bounds)
	for k, b := range bounds {
		if math.IsNaN(b.Lower) {
			b.Lower = math.Inf(-1)
		}
		if math.IsNaN(b.Upper) {
			b.Upper = math.Inf(1)
		}
		if b.Lower > b.Upper {
			err = fmt.Errorf("bound range at %d has no feasible solution", k)
			return
		}
		bounds[k] = b
	}

	for k, s := range step {
		if !(s > zero) || math.IsInf(s, 0) {
			err = fmt.Errorf("step at %d must greater than 0", k)
			return
		}
	}

	optimizer = &Optimizer{
		iterSpec{
			n:      n,
			stop:   stop,
			eval:   eval,
			bounds: bounds,
			step:   slices.Clone(step),
			logger: *logger,
		},
	}
	return
}

// Optimizer implemented using the Nelder-Mead simplex algorithm
// with trial points projected onto the bounds.
type Optimizer struct {
	iterSpec
}

// Workspace contains the state and context of the optimization process.
// Given problem dimension n, total work space is float64[n² + 6×n + 1].
type Workspace struct {
	n int
	iterCtx
}

// Result contains the final result of the optimization process.
type Result struct {
	OK      bool      // Whether the optimization was converged.
	F       float64   // Final function value.
	X       []float64 // Final solution.
	Summary           // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status  iterTask // Final task status after optimization.
	NumIter int      // Number of iterations performed.
	NumEval int      // Number of function evaluations performed.
}

// Init allocate the workspace for Nelder-Mead optimizer.
// To avoid race conditions, separate workspaces need to be created for each goroutine.
// But multiple workspaces could share one optimizer.
func (o *Optimizer) Init() *Workspace {
	w := new(Workspace)
	w.n = o.n
	w.init(w.n)
	return w
}

// Fit runs the optimization process using the initial guess x and workspace w.
func (o *Optimizer) Fit(x []float64, w *Workspace) *Result {

	if len(x) != o.n {
		panic("initial x dimension not match problem")
	}

	if w.n != o.n {
		panic("workspace dimension not match problem")
	}

	driver := iterDriver{
		optimizer: o,
		workspace: w,
	}

	res := driver.mainLoop(x)
	best := w.order[0]
	return &Result{
		OK: res&iterConv > 0,
		X:  slices.Clone(w.vertex(o.n, best)),
		F:  w.fv[best],
		Summary: Summary{
			Status:  res,
			NumIter: w.iter,
			NumEval: w.totalEval,
		},
	}
}
