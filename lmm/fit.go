// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"fmt"
	"math"
	"slices"
)

// FitSummary describes the outcome of a fit.
type FitSummary struct {
	Criterion   float64 // Criterion at the optimum.
	Evaluations int     // Criterion evaluations performed by the fit.
	Iterations  int     // Minimizer iterations.
	Status      int     // Minimizer specific status code.
	Message     string  // Status description.
	// Largest projected gradient component at the optimum,
	// NaN unless Options.CheckGradient is set.
	MaxGrad float64
}

// Fit minimizes the criterion over theta, starting from the current theta.
// A fitted model returns immediately without evaluating the criterion.
// On failure the model stays unfit and holds the last evaluated theta.
func (m *Model) Fit() error {

	if m.state == stateFit {
		return nil
	}
	m.state = stateFitting
	defer func() {
		if m.state == stateFitting {
			m.state = stateUnfit
		}
	}()

	s := m.newSession()
	log := m.opts.Logger
	prob := &Bounded{
		Objective: s.objective,
		Lower:     m.lower,
		Stop:      m.opts.Stop,
		Logger:    log,
	}

	opt, err := s.minimize(prob, m.Theta())
	if s.err != nil {
		return s.err
	}
	if err != nil {
		return err
	}
	if !opt.OK {
		return &FitError{Status: opt.Status, Message: opt.Message, Evaluations: s.evals}
	}
	if opt, err = s.restart(prob, opt); err != nil {
		return err
	}

	// the last evaluation is not necessarily the optimum
	f, err := s.evaluate(opt.X)
	if err != nil {
		return err
	}

	maxGrad := nan
	if m.opts.CheckGradient {
		if maxGrad, err = s.checkGradient(opt.X); err != nil {
			return err
		}
		if f, err = s.evaluate(opt.X); err != nil {
			return err
		}
	}

	m.summary = FitSummary{
		Criterion:   f,
		Evaluations: s.evals,
		Iterations:  opt.Iterations,
		Status:      opt.Status,
		Message:     opt.Message,
		MaxGrad:     maxGrad,
	}
	m.state = stateFit

	if log.Enabled(LogLast) {
		log.Logf("fit converged: %s, criterion=%.7e after %d evaluations\n",
			opt.Message, f, s.evals)
	}
	return nil
}

// maxRestarts caps the minimizer runs started from a converged optimum.
const maxRestarts = 10

// edgeStep is the distance from an active lower bound at which restart
// looks for a descent direction.
const edgeStep = 1e-4

// restart runs the minimizer again from the best point found until the
// criterion no longer improves by more than FTol. A simplex projected onto a
// lower bound can collapse there and report convergence on the spread of its
// values alone. The criterion is flat in the leading order off a zero
// diagonal of Λ, so every component resting on its bound is also moved
// edgeStep inside before restarting whenever that lowers the criterion.
func (s *session) restart(prob *Bounded, opt *Optimum) (*Optimum, error) {

	log := s.m.opts.Logger
	limit := prob.Stop.MaxEvaluations
	n := len(opt.X)

	for round := 1; round <= maxRestarts; round++ {

		x0, err := s.leaveEdges(opt)
		if err != nil {
			return nil, err
		}

		left := limit - s.evals
		if left <= n+1 {
			break
		}
		next := *prob
		next.Stop.MaxEvaluations = left

		res, err := s.minimize(&next, x0)
		if s.err != nil {
			return nil, s.err
		}
		if err != nil {
			return nil, err
		}
		if !res.OK || !(res.F < opt.F) {
			break
		}

		if log.Enabled(LogEval) {
			log.Logf("restart %d: criterion %.7e -> %.7e\n", round, opt.F, res.F)
		}
		improved := opt.F-res.F > prob.Stop.FTol*math.Abs(opt.F)
		res.Evaluations += opt.Evaluations
		res.Iterations += opt.Iterations
		opt = res
		if !improved {
			break
		}
	}
	return opt, nil
}

// leaveEdges returns opt.X with every component on its lower bound moved
// edgeStep inside when that alone lowers the criterion.
func (s *session) leaveEdges(opt *Optimum) ([]float64, error) {
	x0 := slices.Clone(opt.X)
	x := slices.Clone(opt.X)
	for i, l := range s.m.lower {
		if math.IsInf(l, -1) || opt.X[i]-l > edgeStep {
			continue
		}
		x[i] = l + edgeStep
		f, err := s.evaluate(x)
		if err != nil {
			return nil, err
		}
		if f < opt.F {
			x0[i] = x[i]
		}
		x[i] = opt.X[i]
	}
	return x0, nil
}

// minimize runs the configured minimizer. An abort escaping a minimizer
// that does not recover panics is turned back into the recorded error.
func (s *session) minimize(prob *Bounded, x0 []float64) (opt *Optimum, err error) {
	defer func() {
		if r := recover(); r != nil {
			a, ok := r.(evalAbort)
			if !ok {
				panic(r)
			}
			opt, err = nil, a.err
		}
	}()
	return s.m.opts.Minimizer.Minimize(prob, x0)
}

// Objective evaluates the criterion at theta and leaves the model at theta.
// The fitted flag is cleared since theta is no longer known to be optimal,
// unless theta is rejected and the model is left untouched.
func (m *Model) Objective(theta []float64) (float64, error) {
	if m.state == stateFitting {
		return 0, &UnsupportedOperationError{Op: "objective evaluation during a fit"}
	}
	if err := m.checkTheta(theta); err != nil {
		return 0, err
	}
	m.state = stateUnfit
	return m.newSession().evaluate(theta)
}

// Snapshot captures the parameters and criterion of a model.
type Snapshot struct {
	Theta []float64
	REML  bool
	Fit   bool
}

// Snapshot returns the current parameters of the model.
func (m *Model) Snapshot() Snapshot {
	return Snapshot{Theta: m.Theta(), REML: m.reml, Fit: m.state == stateFit}
}

// Restore re-evaluates the model at a snapshot taken from a model of the same structure.
func (m *Model) Restore(sn Snapshot) error {
	if len(sn.Theta) != len(m.lower) {
		return fmt.Errorf("snapshot has %d parameters, model has %d: %w",
			len(sn.Theta), len(m.lower), ErrDimension)
	}
	reml := m.reml
	m.reml = sn.REML
	if _, err := m.Objective(slices.Clone(sn.Theta)); err != nil {
		m.reml = reml
		return err
	}
	m.SetFit(sn.Fit)
	return nil
}
