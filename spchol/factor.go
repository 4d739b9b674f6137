// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spchol

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNotPosDef is matched by every PivotError.
	ErrNotPosDef = errors.New("matrix is not positive definite")
	// ErrPattern is returned when a matrix is refactored against a plan built for another pattern.
	ErrPattern = errors.New("matrix pattern differs from analyzed pattern")
)

// PivotError reports the column where a non-positive pivot was met.
type PivotError struct {
	Column int
	Pivot  float64
}

func (e *PivotError) Error() string {
	return fmt.Sprintf("non-positive pivot %g at column %d: %v", e.Pivot, e.Column, ErrNotPosDef)
}

func (e *PivotError) Unwrap() error {
	return ErrNotPosDef
}

// Factor is the sparse Cholesky factorization L·Lᵀ = P·(A·Aᵀ + ridge·I)·Pᵀ.
//
// Analyze computes the fill-reducing permutation P, the elimination tree and
// the nonzero structure of L from the pattern of A only. Refactor recomputes
// the numeric values in place; neither the structure nor any work buffer is
// reallocated after Analyze.
type Factor struct {
	n      int
	a      *CSC // pattern the plan was built for
	c      *gram
	perm   []int // perm[k] is the row of A at position k of L
	parent []int // elimination tree, -1 at roots

	lp []int     // column offsets of L
	li []int     // row indices of L, diagonal first in each column
	lx []float64 // values of L

	// working space
	x     []float64
	stack []int
	next  []int
	mark  []int
	gen   int
	w     []float64 // permuted right-hand side

	ok bool
}

// Analyze performs the symbolic analysis of A·Aᵀ + ridge·I for the pattern
// of a, ordering its rows by minimum degree.
func Analyze(a *CSC) (*Factor, error) {

	if a == nil {
		return nil, errors.New("matrix is required")
	}
	if a.Rows <= 0 {
		return nil, errors.New("factor dimension must greater than 0")
	}

	n := a.Rows
	perm := minimumDegree(a)
	iperm := make([]int, n)
	for k, r := range perm {
		iperm[r] = k
	}
	c := newGram(a, iperm)

	f := &Factor{
		n: n, a: a, c: c,
		perm:   perm,
		parent: etree(n, c.colPtr, c.rowIdx),
		lp:     make([]int, n+1),
		x:      make([]float64, n),
		stack:  make([]int, n),
		next:   make([]int, n),
		mark:   make([]int, n),
		w:      make([]float64, n),
	}

	// Row k of L is the reach of C(0:k,k) in the elimination tree,
	// so walking every row once yields the column counts.
	count := f.next
	for k := 0; k < n; k++ {
		count[k]++
		for top := f.ereach(k); top < n; top++ {
			count[f.stack[top]]++
		}
	}
	for k := 0; k < n; k++ {
		f.lp[k+1] = f.lp[k] + count[k]
	}
	clear(count)

	nnz := f.lp[n]
	f.li = make([]int, nnz)
	f.lx = make([]float64, nnz)
	return f, nil
}

// etree computes the elimination tree of a symmetric matrix given its upper triangle.
func etree(n int, cp, ci []int) []int {
	parent := make([]int, n)
	ancestor := make([]int, n)
	for k := 0; k < n; k++ {
		parent[k], ancestor[k] = -1, -1
		for p := cp[k]; p < cp[k+1]; p++ {
			// walk from i up to the root of its current subtree, compressing the path to k
			for i := ci[p]; i != -1 && i < k; {
				inext := ancestor[i]
				ancestor[i] = k
				if inext == -1 {
					parent[i] = k
				}
				i = inext
			}
		}
	}
	return parent
}

// ereach finds the nonzero pattern of row k of L.
// The pattern is left in f.stack[top:n] in topological order.
func (f *Factor) ereach(k int) (top int) {
	f.gen++
	gen, mark, s, parent := f.gen, f.mark, f.stack, f.parent
	cp, ci := f.c.colPtr, f.c.rowIdx

	top = f.n
	mark[k] = gen
	for p := cp[k]; p < cp[k+1]; p++ {
		i := ci[p]
		if i > k {
			continue
		}
		size := 0
		for ; mark[i] != gen; i = parent[i] {
			s[size] = i
			size++
			mark[i] = gen
		}
		for size > 0 {
			top--
			size--
			s[top] = s[size]
		}
	}
	return
}

// Refactor computes the numeric factorization of A·Aᵀ + ridge·I.
// The matrix must share the pattern given to Analyze.
func (f *Factor) Refactor(a *CSC, ridge float64) error {
	if !f.a.SamePattern(a) {
		return ErrPattern
	}
	f.c.update(a, ridge)
	f.ok = false
	if err := f.factorize(); err != nil {
		return err
	}
	f.ok = true
	return nil
}

// factorize is the up-looking Cholesky: row k of L is obtained by a triangular
// solve with the leading k×k block, then the pivot closes column k.
func (f *Factor) factorize() error {

	n := f.n
	cp, ci, cx := f.c.colPtr, f.c.rowIdx, f.c.values
	lp, li, lx := f.lp, f.li, f.lx
	x, s, c := f.x, f.stack, f.next

	copy(c, lp[:n])
	for k := 0; k < n; k++ {

		top := f.ereach(k)

		// scatter C(0:k,k) into x
		x[k] = 0
		for p := cp[k]; p < cp[k+1]; p++ {
			x[ci[p]] = cx[p]
		}

		d := x[k]
		x[k] = 0
		for ; top < n; top++ {
			i := s[top]
			lki := x[i] / lx[lp[i]] // L(k,i) = x(i) / L(i,i)
			x[i] = 0
			for p := lp[i] + 1; p < c[i]; p++ {
				x[li[p]] -= lx[p] * lki
			}
			d -= lki * lki
			p := c[i]
			c[i]++
			li[p] = k
			lx[p] = lki
		}

		if !(d > 0) || math.IsInf(d, 0) {
			clear(x)
			return &PivotError{Column: k, Pivot: d}
		}

		p := c[k]
		c[k]++
		li[p] = k
		lx[p] = math.Sqrt(d)
	}
	return nil
}

// Dim returns the order of the factor.
func (f *Factor) Dim() int {
	return f.n
}

// NNZ returns the number of stored entries of L.
func (f *Factor) NNZ() int {
	return f.lp[f.n]
}

// Valid reports whether the last Refactor succeeded.
func (f *Factor) Valid() bool {
	return f.ok
}

// Parent returns the elimination tree of the permuted matrix.
func (f *Factor) Parent() []int {
	return f.parent
}

// Perm returns the fill-reducing permutation: row perm[k] of A is row k of L.
func (f *Factor) Perm() []int {
	return f.perm
}

// At returns L(i, j) in the permuted order.
func (f *Factor) At(i, j int) float64 {
	for p := f.lp[j]; p < f.lp[j+1]; p++ {
		if f.li[p] == i {
			return f.lx[p]
		}
	}
	return 0
}

// LogDet returns log|L·Lᵀ| = 2 Σ log L(j,j).
func (f *Factor) LogDet() float64 {
	if !f.ok {
		return math.NaN()
	}
	s := 0.0
	for j := 0; j < f.n; j++ {
		s += math.Log(f.lx[f.lp[j]])
	}
	return 2 * s
}

// SolveL overwrites b with the solution of L x = P b.
func (f *Factor) SolveL(b []float64) {
	if !f.ok || len(b) != f.n {
		panic("factor not ready or dimension mismatch")
	}
	lp, li, lx, w := f.lp, f.li, f.lx, f.w
	for k, r := range f.perm {
		w[k] = b[r]
	}
	for j := 0; j < f.n; j++ {
		w[j] /= lx[lp[j]]
		wj := w[j]
		for p := lp[j] + 1; p < lp[j+1]; p++ {
			w[li[p]] -= lx[p] * wj
		}
	}
	copy(b, w)
}

// SolveLT overwrites b with Pᵀx where x solves Lᵀ x = b.
func (f *Factor) SolveLT(b []float64) {
	if !f.ok || len(b) != f.n {
		panic("factor not ready or dimension mismatch")
	}
	lp, li, lx, w := f.lp, f.li, f.lx, f.w
	copy(w, b)
	for j := f.n - 1; j >= 0; j-- {
		wj := w[j]
		for p := lp[j] + 1; p < lp[j+1]; p++ {
			wj -= lx[p] * w[li[p]]
		}
		w[j] = wj / lx[lp[j]]
	}
	for k, r := range f.perm {
		b[r] = w[k]
	}
}

// Solve overwrites b with the solution of (A·Aᵀ + ridge·I) x = b.
func (f *Factor) Solve(b []float64) {
	f.SolveL(b)
	f.SolveLT(b)
}
