// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func ones(n int) *mat.Dense {
	x := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
	}
	return x
}

// oneWay has three levels with two observations each.
func oneWay(t *testing.T, y []float64, opts *Options) *Model {
	t.Helper()
	groups := []int{0, 0, 1, 1, 2, 2}
	m, err := New(y, ones(6), []Term{{Name: "g", Design: ones(6), Groups: groups}}, opts)
	require.NoError(t, err)
	return m
}

// slopes has a correlated random intercept and slope per subject
// crossed with a scalar random intercept per site.
func slopes(t *testing.T, opts *Options) *Model {
	t.Helper()
	return slopesOf(t, []float64{
		3.7, 2.9, 8.4, -1.0, 3.8, 2.1, 5.5, 3.7, 10.4,
		-0.3, 4.7, 1.2, 4.5, 3.2, 8.1, -0.6, 3.6, 1.7,
	}, opts)
}

// slopesOf builds the random intercept and slope per subject model, crossed
// with a random intercept per site, for 18 responses.
func slopesOf(t *testing.T, y []float64, opts *Options) *Model {
	t.Helper()
	const n = 18
	x := mat.NewDense(n, 2, nil)
	subject := make([]int, n)
	site := make([]int, n)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
		x.Set(i, 1, float64(i%3))
		subject[i] = i / 3
		site[i] = (i * 5) % 4
	}
	terms := []Term{
		{Name: "site", Design: ones(n), Groups: site},
		{Name: "subject", Design: x, Groups: subject},
	}
	m, err := New(y, x, terms, opts)
	require.NoError(t, err)
	return m
}

// dense evaluates the criterion, β and u from the dense penalized system
//
//	[VVᵀ+I  VX ] [u]   [Vy ]
//	[XᵀVᵀ   XᵀX] [β] = [Xᵀy]
//
// with V = ΛᵀZᵀW^(-1/2).
func dense(t *testing.T, m *Model) (crit float64, beta, u []float64) {
	t.Helper()

	d := m.Dims()
	n, p, q := d.N, d.P, d.Q

	lam := mat.NewDense(q, q, nil)
	for _, term := range m.Terms() {
		for g := 0; g < term.Levels(); g++ {
			base := term.offset + term.p*g
			for r := 0; r < term.p; r++ {
				for c := 0; c <= r; c++ {
					lam.Set(base+r, base+c, term.lambda.At(r, c))
				}
			}
		}
	}
	zt := mat.NewDense(q, n, nil)
	for i := 0; i < q; i++ {
		for j := 0; j < n; j++ {
			zt.Set(i, j, m.Zt().At(i, j))
		}
	}

	var v mat.Dense
	v.Mul(lam.T(), zt)
	x := mat.DenseCopyOf(m.FixedDesign())
	y := mat.NewVecDense(n, append([]float64(nil), m.Response()...))
	if sw := m.SqrtWeights(); sw != nil {
		for j, w := range sw {
			for i := 0; i < q; i++ {
				v.Set(i, j, v.At(i, j)/w)
			}
			for k := 0; k < p; k++ {
				x.Set(j, k, x.At(j, k)/w)
			}
			y.SetVec(j, y.AtVec(j)/w)
		}
	}

	sys := mat.NewSymDense(q+p, nil)
	var vvt, vx, xtx mat.Dense
	vvt.Mul(&v, v.T())
	vx.Mul(&v, x)
	xtx.Mul(x.T(), x)
	for i := 0; i < q+p; i++ {
		for j := i; j < q+p; j++ {
			var s float64
			switch {
			case j < q:
				s = vvt.At(i, j)
				if i == j {
					s++
				}
			case i < q:
				s = vx.At(i, j-q)
			default:
				s = xtx.At(i-q, j-q)
			}
			sys.SetSym(i, j, s)
		}
	}
	var vy, xty mat.VecDense
	vy.MulVec(&v, y)
	xty.MulVec(x.T(), y)
	rhs := mat.NewVecDense(q+p, append(append([]float64(nil), vy.RawVector().Data...), xty.RawVector().Data...))

	var chol mat.Cholesky
	require.True(t, chol.Factorize(sys))
	var sol mat.VecDense
	require.NoError(t, chol.SolveVecTo(&sol, rhs))
	u = sol.RawVector().Data[:q]
	beta = sol.RawVector().Data[q:]

	var r, vtu mat.VecDense
	r.MulVec(x, mat.NewVecDense(p, beta))
	vtu.MulVec(v.T(), mat.NewVecDense(q, u))
	r.AddVec(&r, &vtu)
	r.SubVec(y, &r)
	pwrss := mat.Dot(&r, &r) + mat.Dot(mat.NewVecDense(q, u), mat.NewVecDense(q, u))

	g := mat.NewSymDense(q, nil)
	for i := 0; i < q; i++ {
		for j := i; j < q; j++ {
			g.SetSym(i, j, sys.At(i, j))
		}
	}
	var gc mat.Cholesky
	require.True(t, gc.Factorize(g))
	logdet := gc.LogDet()

	if !m.IsREML() {
		fn := float64(n)
		return logdet + fn*(1+math.Log(2*math.Pi*pwrss/fn)), beta, u
	}

	// Schur complement XᵀX - (VX)ᵀ(VVᵀ+I)⁻¹VX
	var ginvvx, s mat.Dense
	require.NoError(t, gc.SolveTo(&ginvvx, &vx))
	s.Mul(vx.T(), &ginvvx)
	s.Sub(&xtx, &s)
	rxx := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			rxx.SetSym(i, j, s.At(i, j))
		}
	}
	var rc mat.Cholesky
	require.True(t, rc.Factorize(rxx))
	nmp := float64(n - p)
	return logdet + rc.LogDet() + nmp*(1+math.Log(2*math.Pi*pwrss/nmp)), beta, u
}

func TestWorkedExample(t *testing.T) {
	y := []float64{1, 3, 2, 4, 6, 8}
	m := oneWay(t, y, nil)

	assert.Equal(t, Dims{N: 6, P: 1, Q: 3, K: 1}, m.Dims())
	assert.Equal(t, []float64{1}, m.Theta())
	assert.Equal(t, []float64{0}, m.LowerBounds())
	assert.False(t, m.IsFit())

	assert.InDelta(t, 4, m.Beta()[0], 1e-12)
	assert.InDeltaSlice(t, []float64{-4.0 / 3, -2.0 / 3, 2}, m.ConditionalModes(), 1e-12)
	assert.InDelta(t, 46.0/3, PWRSS(m), 1e-12)
	assert.InDelta(t, 3*math.Log(3), m.Factor().LogDet(), 1e-12)
	assert.InDelta(t, math.Log(2), m.RX().LogDet(), 1e-12)
	assert.InDelta(t, 25.952717096017984, m.Criterion(), 1e-10)

	m.SetREML(true)
	assert.InDelta(t, 23.781325355545427, m.Criterion(), 1e-10)
	assert.InDelta(t, REMLCrit(m)-Deviance(m), 23.781325355545427-25.952717096017984, 1e-10)

	// μ = Xβ + ZΛu
	mu := []float64{4 - 4.0/3, 4 - 4.0/3, 4 - 2.0/3, 4 - 2.0/3, 6, 6}
	assert.InDeltaSlice(t, mu, m.Fitted(), 1e-12)
}

func TestMatchesDenseSystem(t *testing.T) {
	thetas := [][]float64{
		{1, 1, 0, 1},
		{0.5, -0.4, 1.3, 0.8},
		{0.2, 0.7, 0.9, 0},
		{0, 2, 1.5, 0.3},
	}
	for _, reml := range []bool{false, true} {
		m := slopes(t, &Options{REML: reml})
		for _, theta := range thetas {
			f, err := m.Objective(theta)
			require.NoError(t, err)
			want, beta, u := dense(t, m)
			assert.InDelta(t, want, f, 1e-9*math.Abs(want), "reml=%v theta=%v", reml, theta)
			assert.InDeltaSlice(t, beta, m.Beta(), 1e-9)
			assert.InDeltaSlice(t, u, m.ConditionalModes(), 1e-9)
		}
	}
}

func TestWeightedMatchesDense(t *testing.T) {
	sw := make([]float64, 18)
	for i := range sw {
		sw[i] = 0.5 + 0.1*float64(i%5)
	}
	m := slopes(t, &Options{SqrtWeights: sw})
	f, err := m.Objective([]float64{0.7, 1.1, 0.3, 0.6})
	require.NoError(t, err)
	want, beta, _ := dense(t, m)
	assert.InDelta(t, want, f, 1e-9*math.Abs(want))
	assert.InDeltaSlice(t, beta, m.Beta(), 1e-9)

	wrss := 0.0
	for i, yi := range m.Response() {
		r := (yi - m.Fitted()[i]) / sw[i]
		wrss += r * r
	}
	assert.InDelta(t, wrss, WRSS(m), 1e-12)
}

func TestTermLayout(t *testing.T) {
	m := slopes(t, nil)

	// subject has 6 levels, site has 4, so subject comes first
	terms := m.Terms()
	require.Len(t, terms, 2)
	assert.Equal(t, "subject", terms[0].Name())
	assert.Equal(t, "site", terms[1].Name())
	assert.Equal(t, []int{6, 4}, m.Levels())
	assert.Equal(t, 3, terms[0].NumTheta())
	assert.Equal(t, 1, terms[1].NumTheta())
	assert.Equal(t, Dims{N: 18, P: 2, Q: 16, K: 2}, m.Dims())

	// Λᵢ = I
	assert.Equal(t, []float64{1, 0, 1, 1}, m.Theta())
	lower := m.LowerBounds()
	assert.Equal(t, 0.0, lower[0])
	assert.True(t, math.IsInf(lower[1], -1))
	assert.Equal(t, 0.0, lower[2])
	assert.Equal(t, 0.0, lower[3])

	// column j of Zᵀ carries the subject block then the site entry
	zt := m.Zt()
	assert.Equal(t, 18*3, zt.NNZ())
	assert.Equal(t, 1.0, zt.At(2*2, 7))
	assert.Equal(t, 1.0, zt.At(2*2+1, 7))
	assert.Equal(t, 1.0, zt.At(12+(7*5)%4, 7))
}

func TestThetaRoundTrip(t *testing.T) {
	m := slopes(t, nil)
	theta := []float64{0.4, -0.25, 1.5, 0.9}
	_, err := m.Objective(theta)
	require.NoError(t, err)
	assert.Equal(t, theta, m.Theta())

	l := m.Terms()[0].Lambda()
	assert.Equal(t, 0.4, l.At(0, 0))
	assert.Equal(t, -0.25, l.At(1, 0))
	assert.Equal(t, 0.0, l.At(0, 1))
	assert.Equal(t, 1.5, l.At(1, 1))
	assert.Equal(t, 0.9, m.Terms()[1].Lambda().At(0, 0))
}

func TestInvalidThetaIsAtomic(t *testing.T) {
	m := slopes(t, nil)
	theta := []float64{0.4, -0.25, 1.5, 0.9}
	f0, err := m.Objective(theta)
	require.NoError(t, err)
	beta := append([]float64(nil), m.Beta()...)

	cases := []struct {
		theta []float64
		index int
	}{
		{[]float64{0.3, 0.1, 0.2, -0.5}, 3},
		{[]float64{-1, 0.1, 0.2, 0.5}, 0},
		{[]float64{0.3, math.NaN(), 0.2, 0.5}, 1},
		{[]float64{0.3, 0.1, math.Inf(1), 0.5}, 2},
		{[]float64{1, 1, 1}, -1},
	}
	for _, c := range cases {
		_, err := m.Objective(c.theta)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, "theta=%v", c.theta)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, c.index, ve.Index)

		// nothing was written
		assert.Equal(t, theta, m.Theta())
		assert.Equal(t, beta, m.Beta())
		assert.Equal(t, f0, m.Criterion())
	}

	// a negative off-diagonal is a valid Cholesky entry
	_, err = m.Objective([]float64{0.4, -3, 1.5, 0.9})
	assert.NoError(t, err)
}

func TestRefactorIsDeterministic(t *testing.T) {
	m := slopes(t, nil)
	a := []float64{0.4, -0.25, 1.5, 0.9}
	b := []float64{1.2, 0.6, 0.1, 0}

	fa, err := m.Objective(a)
	require.NoError(t, err)
	ua := append([]float64(nil), m.ConditionalModes()...)
	nnz := m.Factor().NNZ()

	_, err = m.Objective(b)
	require.NoError(t, err)
	fa2, err := m.Objective(a)
	require.NoError(t, err)

	assert.Equal(t, fa, fa2)
	assert.Equal(t, ua, m.ConditionalModes())
	assert.Equal(t, nnz, m.Factor().NNZ())
	assert.Equal(t, 3, m.Evaluations()-1)
}

func TestNewErrors(t *testing.T) {
	y := []float64{1, 2, 3}
	groups := []int{0, 1, 1}
	term := Term{Design: ones(3), Groups: groups}

	_, err := New(y, ones(3), nil, nil)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = New(y[:2], ones(3), []Term{term}, nil)
	assert.ErrorIs(t, err, ErrDimension)

	_, err = New(y, nil, []Term{term}, nil)
	assert.ErrorIs(t, err, ErrDimension)

	// as many fixed effects as observations
	square := mat.NewDense(3, 3, []float64{1, 0, 0, 1, 1, 0, 1, 0, 1})
	for _, reml := range []bool{false, true} {
		_, err = New(y, square, []Term{term}, &Options{REML: reml})
		assert.ErrorIs(t, err, ErrDimension)
	}

	_, err = New(y, ones(3), []Term{{Design: ones(3), Groups: []int{0, 1, 5}, Levels: 3}}, nil)
	assert.ErrorIs(t, err, ErrDimension)

	_, err = New(y, ones(3), []Term{{Design: ones(2), Groups: groups}}, nil)
	assert.ErrorIs(t, err, ErrDimension)

	_, err = New(y, ones(3), []Term{term}, &Options{SqrtWeights: []float64{1, 1}})
	assert.ErrorIs(t, err, ErrDimension)

	_, err = New(y, ones(3), []Term{term}, &Options{SqrtWeights: []float64{1, 0, 1}})
	assert.Error(t, err)

	_, err = New(y, ones(3), []Term{term}, &Options{Stop: Termination{FTol: -1}})
	assert.Error(t, err)
}

func TestUnusedLevelIsPenalized(t *testing.T) {
	// level 3 has no observations, its row of ΛᵀZᵀ is empty
	groups := []int{0, 0, 1, 1, 2, 2}
	y := []float64{1, 3, 2, 4, 6, 8}
	m, err := New(y, ones(6), []Term{{Design: ones(6), Groups: groups, Levels: 4}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Dims().Q)
	assert.InDelta(t, 25.952717096017984, m.Criterion(), 1e-10)
	assert.Equal(t, 0.0, m.ConditionalModes()[3])
}

func TestFactorAccessors(t *testing.T) {
	m := oneWay(t, []float64{1, 3, 2, 4, 6, 8}, nil)
	f := m.Factor()
	require.True(t, f.Valid())
	assert.Equal(t, 3, f.Dim())
	for i := 0; i < 3; i++ {
		assert.InDelta(t, math.Sqrt(3), f.At(i, i), 1e-12)
	}
}

func TestEvaluationLog(t *testing.T) {
	var buf bytes.Buffer
	m := oneWay(t, []float64{1, 3, 2, 4, 6, 8}, &Options{Logger: &Logger{Level: LogEval, Msg: &buf}})
	_, err := m.Objective([]float64{2})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "nf=    2")
	assert.Contains(t, buf.String(), "theta=[2]")
}
