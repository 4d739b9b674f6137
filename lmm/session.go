// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"errors"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// session holds exclusive write access to theta, Λ, u, β and the factor of
// one model while a minimizer drives it. Every evaluation leaves the model
// consistent with the theta it was given.
type session struct {
	m     *Model
	evals int
	err   error // first failure raised inside a minimizer
}

func (m *Model) newSession() *session {
	return &session{m: m}
}

// evaluate maps theta onto the model, refactors and solves the penalized
// least squares problem, then returns the criterion.
func (s *session) evaluate(theta []float64) (float64, error) {

	m := s.m
	w := &m.work
	a := m.sys.a

	if err := m.setTheta(theta); err != nil {
		return 0, err
	}
	s.evals++
	m.evals++

	if err := m.factor.Refactor(a, 1); err != nil {
		return 0, &FactorizationError{Stage: "random effects", Err: err}
	}

	// L cᵤ = PAy
	a.MulVec(w.cu, m.yw)
	m.factor.SolveL(w.cu)

	// L RZX = PAX
	for j, col := range w.rzx {
		mat.Col(w.xcol, j, m.xw)
		a.MulVec(col, w.xcol)
		m.factor.SolveL(col)
	}

	// RXᵀRX = XᵀX - RZXᵀRZX
	for i := 0; i < m.p; i++ {
		for j := i; j < m.p; j++ {
			w.rxx.SetSym(i, j, m.xtx.At(i, j)-floats.Dot(w.rzx[i], w.rzx[j]))
		}
	}
	if ok := m.rx.Factorize(w.rxx); !ok {
		return 0, &FactorizationError{Stage: "fixed effects"}
	}

	// RXᵀRX β = Xᵀy - RZXᵀcᵤ
	for j, col := range w.rzx {
		w.rhs[j] = m.xty[j] - floats.Dot(col, w.cu)
	}
	beta := mat.NewVecDense(m.p, m.beta)
	if err := m.rx.SolveVecTo(beta, mat.NewVecDense(m.p, w.rhs)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return 0, &FactorizationError{Stage: "fixed effects", Err: err}
		}
		if log := m.opts.Logger; log.Enabled(LogEval) {
			log.Logf("ill-conditioned fixed-effects system: %v\n", err)
		}
	}

	// Lᵀ P u = cᵤ - RZX β
	copy(m.u, w.cu)
	for j, col := range w.rzx {
		floats.AddScaled(m.u, -m.beta[j], col)
	}
	m.factor.SolveLT(m.u)

	// μ = Xβ + ZΛu, where Aᵀu carries the weights of its columns
	mu := mat.NewVecDense(m.n, m.mu)
	mu.MulVec(m.x, beta)
	a.MulTransVec(w.zb, m.u)
	if m.rw != nil {
		floats.Div(w.zb, m.rw)
	}
	floats.Add(m.mu, w.zb)

	f := Criterion(m)
	if log := m.opts.Logger; log.Enabled(LogEval) {
		log.Logf("  nf=%5d  criterion=%14.7e  theta=%v\n", m.evals, f, theta)
	}
	return f, nil
}

// objective adapts evaluate to the minimizer callback contract.
// A failure is recorded and aborts the minimizer through a panic that
// the minimizer driver recovers; Fit then returns the recorded error.
func (s *session) objective(x, g []float64) float64 {
	if s.err != nil {
		panic(evalAbort{s.err})
	}
	if g != nil {
		s.err = &UnsupportedOperationError{Op: "gradient evaluations are not provided"}
		panic(evalAbort{s.err})
	}
	f, err := s.evaluate(x)
	if err != nil {
		s.err = err
		panic(evalAbort{err})
	}
	return f
}
