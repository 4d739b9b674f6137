// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spchol

import "slices"

// gram is the upper triangle of C = P·(A·Aᵀ + ridge·I)·Pᵀ stored column-wise,
// where row r of A becomes row iperm[r] of C.
//
// Every column j of A contributes the outer product A(:,j)·A(:,j)ᵀ, whose
// entries land at fixed positions of C. Those positions are resolved once
// in scatter, so refreshing C only walks A in column order.
type gram struct {
	n       int
	colPtr  []int
	rowIdx  []int
	diag    []int // position of C(k,k)
	scatter []int // position of C(rᵃ,rᵇ) for each pair pᵃ ≤ pᵇ in each column of A
	values  []float64
}

// pair returns the permuted positions of rows ra and rb of A as an upper
// triangle entry (i, k) with i ≤ k.
func pair(iperm []int, ra, rb int) (i, k int) {
	i, k = iperm[ra], iperm[rb]
	if i > k {
		i, k = k, i
	}
	return
}

func newGram(a *CSC, iperm []int) *gram {

	n := a.Rows
	cols := make([][]int, n)
	for k := range cols {
		cols[k] = []int{k}
	}

	for j := 0; j < a.Cols; j++ {
		rows := a.RowIdx[a.ColPtr[j]:a.ColPtr[j+1]]
		for b, rb := range rows {
			for _, ra := range rows[:b] {
				i, k := pair(iperm, ra, rb)
				cols[k] = append(cols[k], i)
			}
		}
	}

	colPtr := make([]int, n+1)
	for k, c := range cols {
		slices.Sort(c)
		cols[k] = slices.Compact(c)
		colPtr[k+1] = colPtr[k] + len(cols[k])
	}

	rowIdx := make([]int, 0, colPtr[n])
	diag := make([]int, n)
	for k, c := range cols {
		rowIdx = append(rowIdx, c...)
		// rows above the diagonal only, so C(k,k) closes its column
		diag[k] = colPtr[k+1] - 1
	}

	nPair := 0
	for j := 0; j < a.Cols; j++ {
		nz := a.ColPtr[j+1] - a.ColPtr[j]
		nPair += nz * (nz + 1) / 2
	}

	scatter := make([]int, 0, nPair)
	for j := 0; j < a.Cols; j++ {
		lo, hi := a.ColPtr[j], a.ColPtr[j+1]
		for pb := lo; pb < hi; pb++ {
			for pa := lo; pa <= pb; pa++ {
				i, k := pair(iperm, a.RowIdx[pa], a.RowIdx[pb])
				pos, _ := slices.BinarySearch(rowIdx[colPtr[k]:colPtr[k+1]], i)
				scatter = append(scatter, colPtr[k]+pos)
			}
		}
	}

	return &gram{
		n:       n,
		colPtr:  colPtr,
		rowIdx:  rowIdx,
		diag:    diag,
		scatter: scatter,
		values:  make([]float64, len(rowIdx)),
	}
}

// update overwrites the values of C from the current values of A.
func (g *gram) update(a *CSC, ridge float64) {
	clear(g.values)
	for _, d := range g.diag {
		g.values[d] = ridge
	}
	s, v := g.scatter, g.values
	for j := 0; j < a.Cols; j++ {
		lo, hi := a.ColPtr[j], a.ColPtr[j+1]
		for pb := lo; pb < hi; pb++ {
			vb := a.Values[pb]
			for pa := lo; pa <= pb; pa++ {
				v[s[0]] += a.Values[pa] * vb
				s = s[1:]
			}
		}
	}
}
