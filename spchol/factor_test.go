// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spchol

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// crossedPattern mimics the scaled design of two crossed grouping factors:
// column j holds one entry in each of the two row blocks.
func crossedPattern(t *testing.T, l1, l2, n int) *CSC {
	t.Helper()
	colPtr := make([]int, n+1)
	rowIdx := make([]int, 0, 2*n)
	for j := 0; j < n; j++ {
		rowIdx = append(rowIdx, j%l1, l1+(j*7)%l2)
		colPtr[j+1] = len(rowIdx)
	}
	a, err := NewCSC(l1+l2, n, colPtr, rowIdx)
	require.NoError(t, err)
	return a
}

func fill(a *CSC, rnd *rand.Rand) {
	for p := range a.Values {
		a.Values[p] = rnd.Float64()*2 - 1
	}
}

func denseGram(a *CSC, ridge float64) *mat.SymDense {
	c := mat.NewSymDense(a.Rows, nil)
	for j := 0; j < a.Cols; j++ {
		for pa := a.ColPtr[j]; pa < a.ColPtr[j+1]; pa++ {
			for pb := pa; pb < a.ColPtr[j+1]; pb++ {
				i, k := a.RowIdx[pa], a.RowIdx[pb]
				c.SetSym(i, k, c.At(i, k)+a.Values[pa]*a.Values[pb])
			}
		}
	}
	for k := 0; k < a.Rows; k++ {
		c.SetSym(k, k, c.At(k, k)+ridge)
	}
	return c
}

func TestNewCSCRejectsBadPattern(t *testing.T) {
	_, err := NewCSC(2, 2, []int{0, 1}, []int{0})
	assert.Error(t, err)

	_, err = NewCSC(2, 1, []int{0, 2}, []int{1, 0})
	assert.Error(t, err)

	_, err = NewCSC(2, 1, []int{0, 1}, []int{2})
	assert.Error(t, err)

	a, err := NewCSC(2, 1, []int{0, 2}, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 2, a.NNZ())
}

func TestMulVec(t *testing.T) {
	a, err := NewCSC(3, 2, []int{0, 2, 3}, []int{0, 2, 1})
	require.NoError(t, err)
	copy(a.Values, []float64{1, 2, 3})

	y := make([]float64, 3)
	a.MulVec(y, []float64{1, 10})
	assert.Equal(t, []float64{1, 30, 2}, y)

	z := make([]float64, 2)
	a.MulTransVec(z, []float64{1, 1, 1})
	assert.Equal(t, []float64{3, 3}, z)
}

func TestFactorMatchesDense(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	a := crossedPattern(t, 6, 4, 30)
	fill(a, rnd)

	f, err := Analyze(a)
	require.NoError(t, err)
	require.NoError(t, f.Refactor(a, 1))
	require.True(t, f.Valid())

	// L is the factor of P·C·Pᵀ
	c := denseGram(a, 1)
	perm := f.Perm()
	pc := mat.NewSymDense(a.Rows, nil)
	for i := 0; i < a.Rows; i++ {
		for j := i; j < a.Rows; j++ {
			pc.SetSym(i, j, c.At(perm[i], perm[j]))
		}
	}
	var chol mat.Cholesky
	require.True(t, chol.Factorize(pc))

	var l mat.TriDense
	chol.LTo(&l)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j <= i; j++ {
			assert.InDelta(t, l.At(i, j), f.At(i, j), 1e-12, "L(%d,%d)", i, j)
		}
	}
	assert.InDelta(t, chol.LogDet(), f.LogDet(), 1e-10)
}

func TestFactorSolve(t *testing.T) {
	rnd := rand.New(rand.NewPCG(3, 4))
	a := crossedPattern(t, 5, 3, 17)
	fill(a, rnd)

	f, err := Analyze(a)
	require.NoError(t, err)
	require.NoError(t, f.Refactor(a, 1))

	want := []float64{1, -2, 3, 0.5, 0, 7, -1, 2}
	c := denseGram(a, 1)
	b := make([]float64, len(want))
	bv := mat.NewVecDense(len(b), b)
	bv.MulVec(c, mat.NewVecDense(len(want), want))

	f.Solve(b)
	for i := range want {
		assert.InDelta(t, want[i], b[i], 1e-10)
	}
}

func TestSolveLIsPermuted(t *testing.T) {
	rnd := rand.New(rand.NewPCG(7, 8))
	a := crossedPattern(t, 6, 5, 24)
	fill(a, rnd)

	f, err := Analyze(a)
	require.NoError(t, err)
	require.NoError(t, f.Refactor(a, 1))

	b := make([]float64, a.Rows)
	for i := range b {
		b[i] = rnd.Float64()
	}

	// ‖L⁻¹Pb‖² = bᵀC⁻¹b whatever the permutation
	var chol mat.Cholesky
	require.True(t, chol.Factorize(denseGram(a, 1)))
	x := mat.NewVecDense(len(b), nil)
	require.NoError(t, chol.SolveVecTo(x, mat.NewVecDense(len(b), b)))
	want := mat.Dot(x, mat.NewVecDense(len(b), b))

	z := append([]float64(nil), b...)
	f.SolveL(z)
	got := 0.0
	for _, v := range z {
		got += v * v
	}
	assert.InDelta(t, want, got, 1e-10)

	f.SolveLT(z)
	for i := range b {
		assert.InDelta(t, x.AtVec(i), z[i], 1e-10)
	}
}

func TestMinimumDegreeAvoidsFill(t *testing.T) {
	// row 0 meets every other row: eliminated first it fills L completely
	const n = 12
	colPtr := []int{0}
	var rowIdx []int
	for j := 1; j < n; j++ {
		rowIdx = append(rowIdx, 0, j)
		colPtr = append(colPtr, len(rowIdx))
	}
	a, err := NewCSC(n, n-1, colPtr, rowIdx)
	require.NoError(t, err)
	fill(a, rand.New(rand.NewPCG(9, 10)))

	f, err := Analyze(a)
	require.NoError(t, err)
	perm := f.Perm()
	assert.Contains(t, perm[n-2:], 0)
	assert.Equal(t, 2*n-1, f.NNZ())

	seen := make([]bool, n)
	for _, r := range perm {
		seen[r] = true
	}
	assert.NotContains(t, seen, false)

	require.NoError(t, f.Refactor(a, 1))
	var chol mat.Cholesky
	require.True(t, chol.Factorize(denseGram(a, 1)))
	assert.InDelta(t, chol.LogDet(), f.LogDet(), 1e-10)
}

func TestRefactorReusesStructure(t *testing.T) {
	rnd := rand.New(rand.NewPCG(5, 6))
	a := crossedPattern(t, 8, 5, 40)
	fill(a, rnd)

	f, err := Analyze(a)
	require.NoError(t, err)
	nnz := f.NNZ()
	li, lx := &f.li[0], &f.lx[0]

	require.NoError(t, f.Refactor(a, 1))
	first := append([]float64(nil), f.lx...)

	fill(a, rnd)
	require.NoError(t, f.Refactor(a, 1))
	assert.NotEqual(t, first, f.lx)

	require.NoError(t, f.Refactor(a, 1))
	second := append([]float64(nil), f.lx...)
	require.NoError(t, f.Refactor(a, 1))

	assert.Equal(t, second, f.lx)
	assert.Equal(t, nnz, f.NNZ())
	assert.Same(t, li, &f.li[0])
	assert.Same(t, lx, &f.lx[0])
}

func TestRefactorNotPosDef(t *testing.T) {
	a := crossedPattern(t, 3, 2, 6)
	f, err := Analyze(a)
	require.NoError(t, err)

	err = f.Refactor(a, -1)
	require.ErrorIs(t, err, ErrNotPosDef)
	var pe *PivotError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, pe.Column)
	assert.False(t, f.Valid())
	assert.True(t, math.IsNaN(f.LogDet()))

	require.NoError(t, f.Refactor(a, 1))
	assert.True(t, f.Valid())
	assert.InDelta(t, 0, f.LogDet(), 1e-15)
}

func TestRefactorPatternMismatch(t *testing.T) {
	a := crossedPattern(t, 3, 2, 6)
	b := crossedPattern(t, 3, 2, 6)
	f, err := Analyze(a)
	require.NoError(t, err)

	assert.ErrorIs(t, f.Refactor(b, 1), ErrPattern)
	assert.NoError(t, f.Refactor(a.WithValues(), 1))
}

func TestEliminationTree(t *testing.T) {
	// a single block-diagonal factor has no fill and a forest of roots
	colPtr := []int{0, 1, 2, 3, 4}
	rowIdx := []int{0, 1, 0, 1}
	a, err := NewCSC(2, 4, colPtr, rowIdx)
	require.NoError(t, err)

	f, err := Analyze(a)
	require.NoError(t, err)
	assert.Equal(t, []int{-1, -1}, f.Parent())
	assert.Equal(t, 2, f.NNZ())

	a = crossedPattern(t, 3, 2, 6)
	f, err = Analyze(a)
	require.NoError(t, err)
	for k, p := range f.Parent() {
		if p != -1 {
			assert.Greater(t, p, k)
		}
	}
}
