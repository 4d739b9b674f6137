// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/curioloop/lmm/neldermead"
)

// LogLevel controls the frequency and type of logger output.
type LogLevel = neldermead.LogLevel

const (
	// LogNoop no output is generated
	LogNoop = neldermead.LogNoop
	// LogLast print one line when a fit ends
	LogLast = neldermead.LogLast
	// LogEval print theta and the criterion at every evaluation
	LogEval = neldermead.LogEval
	// LogTrace print also the minimizer iterations
	LogTrace = neldermead.LogTrace
)

// Logger handles logging output for model fitting. The Nelder-Mead driver
// writes to the same logger two levels below: its exit report at LogEval
// and its iterations at LogTrace.
type Logger = neldermead.Logger

var quiet = Logger{Level: LogNoop, Msg: io.Discard, Out: io.Discard}

// minimizerLogger returns the logger handed to the Nelder-Mead driver.
func minimizerLogger(l *Logger) *Logger {
	nm := *l
	switch {
	case l.Level >= LogTrace:
		nm.Level = neldermead.LogEval
	case l.Level >= LogEval:
		nm.Level = neldermead.LogLast
	default:
		nm.Level = neldermead.LogNoop
	}
	return &nm
}

// Termination specifies the stopping criteria handed to the minimizer.
type Termination struct {
	// Relative tolerance on the change of the criterion, default 1e-6.
	FTol float64
	// Relative tolerance on the change of theta, default 1e-6.
	XTol float64
	// Maximum number of criterion evaluations, default 10000.
	MaxEvaluations int
	// Maximum number of minimizer iterations, 0 means unlimited.
	MaxIterations int
}

// Options configures a model.
type Options struct {
	// Fit by restricted maximum likelihood instead of maximum likelihood.
	REML bool
	// Optional per-observation weight square roots.
	// The residual of observation i is divided by SqrtWeights[i].
	SqrtWeights []float64
	// Minimizer used by Fit, default NelderMeadMinimizer.
	Minimizer Minimizer
	// Stop condition of the minimizer.
	Stop Termination
	// Optional logger, silent by default.
	Logger *Logger
	// Estimate the gradient at the optimum by finite differences after Fit.
	CheckGradient bool
	// Largest acceptable gradient component at the optimum, default 2e-3.
	GradTolerance float64
}

const (
	defaultTol     = 1e-6
	defaultMaxEval = 10000
	defaultGradTol = 2e-3
)

// normalize fills defaults and validates the options.
func (o Options) normalize(n int) (Options, error) {

	stop := &o.Stop
	var err error
	switch {
	case math.IsNaN(stop.FTol) || stop.FTol < 0:
		err = errors.New("function tolerance must not less than 0")
	case math.IsNaN(stop.XTol) || stop.XTol < 0:
		err = errors.New("location tolerance must not less than 0")
	case stop.MaxEvaluations < 0:
		err = errors.New("max evaluations must not less than 0")
	case stop.MaxIterations < 0:
		err = errors.New("max iterations must not less than 0")
	case math.IsNaN(o.GradTolerance) || o.GradTolerance < 0:
		err = errors.New("gradient tolerance must not less than 0")
	case o.SqrtWeights != nil && len(o.SqrtWeights) != n:
		err = fmt.Errorf("weights size %d must equal to n=%d: %w", len(o.SqrtWeights), n, ErrDimension)
	}
	if err != nil {
		return o, err
	}

	for i, w := range o.SqrtWeights {
		if !(w > 0) || math.IsInf(w, 0) {
			return o, fmt.Errorf("weight square root at %d must be positive and finite", i)
		}
	}

	if stop.FTol == 0 {
		stop.FTol = defaultTol
	}
	if stop.XTol == 0 {
		stop.XTol = defaultTol
	}
	if stop.MaxEvaluations == 0 {
		stop.MaxEvaluations = defaultMaxEval
	}
	if o.GradTolerance == 0 {
		o.GradTolerance = defaultGradTol
	}
	if o.Minimizer == nil {
		o.Minimizer = NelderMeadMinimizer{}
	}

	logger := quiet
	if o.Logger != nil {
		logger = *o.Logger
		if logger.Msg == nil {
			logger.Msg = os.Stdout
		}
		if logger.Out == nil {
			logger.Out = os.Stderr
		}
	}
	o.Logger = &logger
	return o, nil
}
