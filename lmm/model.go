// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"fmt"
	"math"
	"slices"

	"github.com/curioloop/lmm/spchol"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type fitState int

const (
	stateUnfit fitState = iota
	stateFitting
	stateFit
)

// Model is a linear mixed-effects model
//
//	y = Xβ + ZΛu + ε,  u ~ N(0, σ²I),  ε ~ N(0, σ²W⁻¹)
//
// whose covariance factors Λᵢ are parameterized by theta.
type Model struct {
	y     []float64
	x     *mat.Dense
	sqrtw []float64 // nil when unweighted
	rw    []float64 // 1/sqrtw, nil when unweighted
	yw    []float64 // weighted response
	xw    *mat.Dense
	xtx   *mat.SymDense
	xty   []float64

	terms   []*RandomEffectTerm
	n, p, q int
	lower   []float64

	sys    *system
	factor *spchol.Factor
	rx     mat.Cholesky

	beta []float64
	u    []float64 // stacked conditional modes, shared with every term's view
	mu   []float64

	reml    bool
	state   fitState
	evals   int
	opts    Options
	summary FitSummary
	work    workspace
}

// workspace holds the scratch vectors of one evaluation.
type workspace struct {
	cu   []float64   // L⁻¹Ay
	rzx  [][]float64 // columns of L⁻¹AX
	xcol []float64
	zb   []float64
	rhs  []float64
	rxx  *mat.SymDense
}

// New builds a model from a response, a fixed-effects design and the
// random-effects terms. Terms are reordered by non-increasing number of
// levels, theta follows that order and starts at Λᵢ = I.
func New(y []float64, x *mat.Dense, terms []Term, opts *Options) (*Model, error) {

	if len(terms) == 0 {
		return nil, &UnsupportedOperationError{Op: "model without random-effects terms"}
	}
	if x == nil {
		return nil, fmt.Errorf("fixed-effects design is required: %w", ErrDimension)
	}

	n, p := x.Dims()
	if n == 0 || p == 0 {
		return nil, fmt.Errorf("empty fixed-effects design: %w", ErrDimension)
	}
	if len(y) != n {
		return nil, fmt.Errorf("response has %d values, design has %d rows: %w", len(y), n, ErrDimension)
	}
	// n - p residual degrees of freedom scale the REML criterion
	if p >= n {
		return nil, fmt.Errorf("%d fixed effects leave no residual degrees of freedom with %d observations: %w", p, n, ErrDimension)
	}

	if opts == nil {
		opts = new(Options)
	}
	o, err := opts.normalize(n)
	if err != nil {
		return nil, err
	}

	m := &Model{
		y:    slices.Clone(y),
		x:    mat.DenseCopyOf(x),
		n:    n,
		p:    p,
		reml: o.REML,
		opts: o,
	}

	for _, t := range terms {
		rt, err := newTerm(t, n)
		if err != nil {
			return nil, err
		}
		m.terms = append(m.terms, rt)
	}
	slices.SortStableFunc(m.terms, func(a, b *RandomEffectTerm) int {
		return b.l - a.l
	})

	m.initWeights(o.SqrtWeights)

	if m.sys, err = newSystem(m.terms, n); err != nil {
		return nil, err
	}
	m.q = m.sys.a.Rows
	if m.factor, err = spchol.Analyze(m.sys.a); err != nil {
		return nil, err
	}

	m.lower = lowerBounds(m.terms)
	m.beta = make([]float64, p)
	m.mu = make([]float64, n)
	m.u = make([]float64, m.q)
	for _, t := range m.terms {
		t.u = mat.NewDense(t.l, t.p, m.u[t.offset:t.offset+t.p*t.l])
	}

	buf := make([]float64, m.q*(p+1))
	m.work = workspace{
		cu:   buf[:m.q],
		rzx:  make([][]float64, p),
		xcol: make([]float64, n),
		zb:   make([]float64, n),
		rhs:  make([]float64, p),
		rxx:  mat.NewSymDense(p, nil),
	}
	for j := range m.work.rzx {
		m.work.rzx[j] = buf[m.q*(j+1) : m.q*(j+2)]
	}

	// bring every accessor in line with the initial theta
	if _, err = m.newSession().evaluate(m.Theta()); err != nil {
		return nil, err
	}
	return m, nil
}

// initWeights prepares the weighted response, design and cross products.
func (m *Model) initWeights(sqrtw []float64) {
	n := m.n
	m.yw, m.xw = m.y, m.x
	if sqrtw != nil {
		m.sqrtw = slices.Clone(sqrtw)
		m.rw = make([]float64, n)
		for i, w := range sqrtw {
			m.rw[i] = 1 / w
		}
		m.yw = make([]float64, n)
		floats.MulTo(m.yw, m.y, m.rw)
		m.xw = mat.DenseCopyOf(m.x)
		for i := 0; i < n; i++ {
			floats.Scale(m.rw[i], m.xw.RawRowView(i))
		}
	}

	m.xtx = mat.NewSymDense(m.p, nil)
	m.xtx.SymOuterK(1, m.xw.T())
	xty := mat.NewVecDense(m.p, nil)
	xty.MulVec(m.xw.T(), mat.NewVecDense(n, m.yw))
	m.xty = xty.RawVector().Data
}

// Dims holds the structural sizes of a model.
type Dims struct {
	N int // observations
	P int // fixed effects
	Q int // random effects
	K int // random-effects terms
}

// Dims returns the structural sizes of the model.
func (m *Model) Dims() Dims {
	return Dims{N: m.n, P: m.p, Q: m.q, K: len(m.terms)}
}

// Terms returns the random-effects terms in model order.
func (m *Model) Terms() []*RandomEffectTerm {
	return m.terms
}

// Response returns y.
func (m *Model) Response() []float64 {
	return m.y
}

// Fitted returns μ = Xβ + ZΛu at the current theta.
func (m *Model) Fitted() []float64 {
	return m.mu
}

// SqrtWeights returns the weight square roots, nil when the model is unweighted.
func (m *Model) SqrtWeights() []float64 {
	return m.sqrtw
}

// LambdaBlocks returns the covariance factor of every term.
func (m *Model) LambdaBlocks() []*mat.TriDense {
	blocks := make([]*mat.TriDense, len(m.terms))
	for i, t := range m.terms {
		blocks[i] = t.lambda
	}
	return blocks
}

// Factor returns the sparse Cholesky factor of ΛᵀZᵀWZΛ + I.
func (m *Model) Factor() *spchol.Factor {
	return m.factor
}

// Zt returns the random-effects design transpose Zᵀ.
func (m *Model) Zt() *spchol.CSC {
	return m.sys.zt
}

// FixedDesign returns X.
func (m *Model) FixedDesign() *mat.Dense {
	return m.x
}

// RX returns the Cholesky factor of the downdated cross product XᵀX - RZXᵀRZX.
func (m *Model) RX() *mat.Cholesky {
	return &m.rx
}

// Beta returns the fixed effects at the current theta without fitting.
func (m *Model) Beta() []float64 {
	return m.beta
}

// ConditionalModes returns the stacked u at the current theta without fitting.
func (m *Model) ConditionalModes() []float64 {
	return m.u
}

// Levels returns the number of levels of every grouping factor.
func (m *Model) Levels() []int {
	levels := make([]int, len(m.terms))
	for i, t := range m.terms {
		levels[i] = t.l
	}
	return levels
}

// TermNames returns the label of every term, empty for unnamed terms.
func (m *Model) TermNames() []string {
	names := make([]string, len(m.terms))
	for i, t := range m.terms {
		names[i] = t.name
	}
	return names
}

// IsFit reports whether theta is at the optimum of the current criterion.
func (m *Model) IsFit() bool {
	return m.state == stateFit
}

// SetFit overrides the fitted flag.
func (m *Model) SetFit(fit bool) {
	if fit {
		m.state = stateFit
	} else {
		m.state = stateUnfit
	}
}

// IsREML reports whether the criterion is the REML criterion.
func (m *Model) IsREML() bool {
	return m.reml
}

// SetREML switches the criterion. A change clears the fitted flag
// while theta stays as the starting point of the next fit.
func (m *Model) SetREML(reml bool) {
	if reml != m.reml {
		m.reml = reml
		m.state = stateUnfit
	}
}

// Evaluations returns the number of criterion evaluations performed so far.
func (m *Model) Evaluations() int {
	return m.evals
}

// FitSummary returns the outcome of the last successful Fit.
func (m *Model) FitSummary() FitSummary {
	return m.summary
}

// FixedEffects fits the model if needed and returns β.
func (m *Model) FixedEffects() ([]float64, error) {
	return FixEf(m)
}

// VarCorr fits the model if needed and returns the variance components.
func (m *Model) VarCorr() (*VarCorr, error) {
	return EstimateVarCorr(m)
}

// Criterion returns the deviance or REML criterion at the current theta.
func (m *Model) Criterion() float64 {
	return Criterion(m)
}

// Sigma returns the residual standard deviation at the current theta.
func (m *Model) Sigma() float64 {
	return math.Sqrt(Sigma2(m))
}

// Ranef returns bᵢ = Λᵢuᵢ for every term at the current theta.
func (m *Model) Ranef() []*mat.Dense {
	b := make([]*mat.Dense, len(m.terms))
	for i, t := range m.terms {
		b[i] = t.Ranef()
	}
	return b
}
