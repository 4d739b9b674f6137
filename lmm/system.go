// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"github.com/curioloop/lmm/spchol"
)

// system is the q×n matrix A = ΛᵀZᵀ.
//
// Column j holds one block of pᵢ entries for every term i, at rows
// offsetᵢ + pᵢ×gᵢⱼ + (0..pᵢ-1) where gᵢⱼ is the level of observation j.
// The pattern is fixed by the grouping factors, so value updates only
// overwrite the arena allocated here.
type system struct {
	a     *spchol.CSC // ΛᵀZᵀ, columns divided by the weight square roots
	zt    *spchol.CSC // Zᵀ
	width int         // Σ pᵢ, entries per column
}

// newSystem lays out the terms and builds the pattern of A.
func newSystem(terms []*RandomEffectTerm, n int) (*system, error) {

	q, width := 0, 0
	for _, t := range terms {
		t.offset, t.block = q, width
		q += t.p * t.l
		width += t.p
	}

	colPtr := make([]int, n+1)
	rowIdx := make([]int, n*width)
	for j := 0; j < n; j++ {
		colPtr[j+1] = colPtr[j] + width
		col := rowIdx[colPtr[j]:colPtr[j+1]]
		for _, t := range terms {
			row := t.offset + t.p*t.groups[j]
			for r := 0; r < t.p; r++ {
				col[t.block+r] = row + r
			}
		}
	}

	zt, err := spchol.NewCSC(q, n, colPtr, rowIdx)
	if err != nil {
		return nil, err
	}
	for j := 0; j < n; j++ {
		for _, t := range terms {
			copy(zt.Values[j*width+t.block:], t.xs.RawRowView(j))
		}
	}

	return &system{a: zt.WithValues(), zt: zt, width: width}, nil
}

// update recomputes the row block of term t: column j receives Λᵀ Xs(j,:)ᵀ / wⱼ.
func (s *system) update(t *RandomEffectTerm, rw []float64) {
	p, lambda, a := t.p, t.lambda, s.a.Values
	n, _ := t.xs.Dims()
	for j := 0; j < n; j++ {
		x := t.xs.RawRowView(j)
		v := a[j*s.width+t.block : j*s.width+t.block+p]
		// (Λᵀx)ᵣ = Σ_{c ≥ r} Λ(c,r) x꜀
		for r := 0; r < p; r++ {
			sum := 0.0
			for c := r; c < p; c++ {
				sum += lambda.At(c, r) * x[c]
			}
			v[r] = sum
		}
		if rw != nil {
			for r := range v {
				v[r] *= rw[j]
			}
		}
	}
}
