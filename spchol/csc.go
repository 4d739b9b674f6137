// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spchol

import (
	"errors"
	"fmt"
)

// CSC is a compressed sparse column matrix.
//
// The pattern (ColPtr, RowIdx) is fixed once the matrix is built,
// only Values are expected to be overwritten afterwards.
type CSC struct {
	Rows, Cols int
	ColPtr     []int     // Cols+1 column offsets into RowIdx and Values
	RowIdx     []int     // strictly increasing row indices within each column
	Values     []float64 // numeric values, len(Values) == len(RowIdx)
}

// NewCSC checks the pattern and allocates the value buffer of a matrix with the given shape.
func NewCSC(rows, cols int, colPtr, rowIdx []int) (*CSC, error) {

	var err error
	switch {
	case rows < 0 || cols < 0:
		err = errors.New("negative dimensions")
	case len(colPtr) != cols+1:
		err = errors.New("column pointer size must equal to cols+1")
	case colPtr[0] != 0 || colPtr[cols] != len(rowIdx):
		err = errors.New("column pointer does not span row indices")
	}
	if err != nil {
		return nil, err
	}

	for j := 0; j < cols; j++ {
		lo, hi := colPtr[j], colPtr[j+1]
		if lo > hi {
			return nil, fmt.Errorf("column pointer decreases at %d", j)
		}
		for p := lo; p < hi; p++ {
			r := rowIdx[p]
			if r < 0 || r >= rows {
				return nil, fmt.Errorf("row index %d out of range at column %d", r, j)
			}
			if p > lo && rowIdx[p-1] >= r {
				return nil, fmt.Errorf("row indices not increasing at column %d", j)
			}
		}
	}

	return &CSC{
		Rows: rows, Cols: cols,
		ColPtr: colPtr,
		RowIdx: rowIdx,
		Values: make([]float64, len(rowIdx)),
	}, nil
}

// NNZ returns the number of stored entries.
func (a *CSC) NNZ() int {
	return a.ColPtr[a.Cols]
}

// WithValues returns a matrix sharing the pattern of a with its own value buffer.
func (a *CSC) WithValues() *CSC {
	return &CSC{
		Rows: a.Rows, Cols: a.Cols,
		ColPtr: a.ColPtr,
		RowIdx: a.RowIdx,
		Values: make([]float64, len(a.RowIdx)),
	}
}

// SamePattern reports whether b was built on the pattern of a.
func (a *CSC) SamePattern(b *CSC) bool {
	if a.Rows != b.Rows || a.Cols != b.Cols || a.NNZ() != b.NNZ() {
		return false
	}
	if a.NNZ() == 0 {
		return true
	}
	return &a.RowIdx[0] == &b.RowIdx[0] && &a.ColPtr[0] == &b.ColPtr[0]
}

// At returns the element at (i, j). It is meant for tests and diagnostics.
func (a *CSC) At(i, j int) float64 {
	for p := a.ColPtr[j]; p < a.ColPtr[j+1]; p++ {
		if a.RowIdx[p] == i {
			return a.Values[p]
		}
	}
	return 0
}

// MulVec computes dst = A x.
func (a *CSC) MulVec(dst, x []float64) {
	if len(dst) != a.Rows || len(x) != a.Cols {
		panic("bound check error")
	}
	clear(dst)
	for j, xj := range x {
		if xj == 0 {
			continue
		}
		for p := a.ColPtr[j]; p < a.ColPtr[j+1]; p++ {
			dst[a.RowIdx[p]] += a.Values[p] * xj
		}
	}
}

// MulTransVec computes dst = Aᵀ x.
func (a *CSC) MulTransVec(dst, x []float64) {
	if len(dst) != a.Cols || len(x) != a.Rows {
		panic("bound check error")
	}
	for j := range dst {
		s := 0.0
		for p := a.ColPtr[j]; p < a.ColPtr[j+1]; p++ {
			s += a.Values[p] * x[a.RowIdx[p]]
		}
		dst[j] = s
	}
}
