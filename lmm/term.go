// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Term describes one random-effects term as supplied by a model frontend.
type Term struct {
	// Optional label used in summaries.
	Name string
	// Design submatrix Xsᵢ (n×pᵢ) of the term.
	Design *mat.Dense
	// Level of the grouping factor for every observation, 0-based.
	Groups []int
	// Number of levels lᵢ. Zero means max(Groups)+1.
	Levels int
}

// RandomEffectTerm is a random-effects term of a fitted model.
type RandomEffectTerm struct {
	name   string
	xs     *mat.Dense    // n×p
	lambda *mat.TriDense // p×p lower triangular covariance factor
	u      *mat.Dense    // l×p view of the conditional modes, level-major
	groups []int
	p, l   int
	offset int // first row of the term in the system matrix
	block  int // first entry of the term within each column of the system matrix
}

func newTerm(t Term, n int) (*RandomEffectTerm, error) {

	if t.Design == nil {
		return nil, fmt.Errorf("term %q: design matrix is required: %w", t.Name, ErrDimension)
	}
	rows, p := t.Design.Dims()
	switch {
	case rows != n:
		return nil, fmt.Errorf("term %q: design has %d rows, want %d: %w", t.Name, rows, n, ErrDimension)
	case len(t.Groups) != n:
		return nil, fmt.Errorf("term %q: %d group indices, want %d: %w", t.Name, len(t.Groups), n, ErrDimension)
	case t.Levels < 0:
		return nil, fmt.Errorf("term %q: negative number of levels: %w", t.Name, ErrDimension)
	}

	l := t.Levels
	if l == 0 {
		for _, g := range t.Groups {
			l = max(l, g+1)
		}
	}
	for i, g := range t.Groups {
		if g < 0 || g >= l {
			return nil, fmt.Errorf("term %q: level %d of observation %d outside [0, %d): %w", t.Name, g, i, l, ErrDimension)
		}
	}

	lambda := mat.NewTriDense(p, mat.Lower, nil)
	for k := 0; k < p; k++ {
		lambda.SetTri(k, k, 1)
	}

	return &RandomEffectTerm{
		name:   t.Name,
		xs:     mat.DenseCopyOf(t.Design),
		lambda: lambda,
		groups: append([]int(nil), t.Groups...),
		p:      p,
		l:      l,
	}, nil
}

// Name returns the label of the term.
func (t *RandomEffectTerm) Name() string {
	return t.name
}

// Dim returns pᵢ, the order of the covariance factor.
func (t *RandomEffectTerm) Dim() int {
	return t.p
}

// Levels returns lᵢ, the number of levels of the grouping factor.
func (t *RandomEffectTerm) Levels() int {
	return t.l
}

// NumTheta returns pᵢ(pᵢ+1)/2.
func (t *RandomEffectTerm) NumTheta() int {
	return t.p * (t.p + 1) / 2
}

// Design returns the design submatrix Xsᵢ.
func (t *RandomEffectTerm) Design() mat.Matrix {
	return t.xs
}

// Groups returns the level of every observation.
func (t *RandomEffectTerm) Groups() []int {
	return t.groups
}

// Lambda returns the covariance factor Λᵢ.
func (t *RandomEffectTerm) Lambda() *mat.TriDense {
	return t.lambda
}

// U returns the pᵢ×lᵢ conditional modes on the spherical scale.
func (t *RandomEffectTerm) U() mat.Matrix {
	return t.u.T()
}

// Ranef returns the pᵢ×lᵢ random effects bᵢ = Λᵢuᵢ.
func (t *RandomEffectTerm) Ranef() *mat.Dense {
	var b mat.Dense
	b.Mul(t.lambda, t.u.T())
	return &b
}

// unpack fills the lower triangle of Λ column by column from theta.
// It returns the number of values consumed.
func (t *RandomEffectTerm) unpack(theta []float64) int {
	k := 0
	for c := 0; c < t.p; c++ {
		for r := c; r < t.p; r++ {
			t.lambda.SetTri(r, c, theta[k])
			k++
		}
	}
	return k
}

// pack appends the lower triangle of Λ column by column to theta.
func (t *RandomEffectTerm) pack(theta []float64) []float64 {
	for c := 0; c < t.p; c++ {
		for r := c; r < t.p; r++ {
			theta = append(theta, t.lambda.At(r, c))
		}
	}
	return theta
}
