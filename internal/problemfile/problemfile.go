// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package problemfile loads mixed-model problems from YAML.
//
// A problem carries already built design matrices:
//
//	response: [1, 3, 2, 4, 6, 8]
//	fixed:
//	  columns: [intercept]
//	  rows: [[1], [1], [1], [1], [1], [1]]
//	terms:
//	  - name: g
//	    groups: [a, a, b, b, c, c]
//
// A term without design rows is a random intercept. Group labels are
// mapped to levels in order of first appearance.
package problemfile

import (
	"errors"
	"fmt"
	"os"

	"github.com/curioloop/lmm/lmm"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// MaxFileSize is the largest problem file accepted by Load.
const MaxFileSize = 64 << 20

// Matrix is a dense matrix given row by row.
type Matrix struct {
	Columns []string    `yaml:"columns,omitempty"`
	Rows    [][]float64 `yaml:"rows"`
}

// Term is one random-effects term.
type Term struct {
	Name   string   `yaml:"name"`
	Design *Matrix  `yaml:"design,omitempty"`
	Groups []string `yaml:"groups"`
}

// Problem is the content of a problem file.
type Problem struct {
	Name     string    `yaml:"name,omitempty"`
	REML     bool      `yaml:"reml,omitempty"`
	Response []float64 `yaml:"response"`
	Fixed    Matrix    `yaml:"fixed"`
	// Optional weight square roots.
	SqrtWeights []float64 `yaml:"sqrtweights,omitempty"`
	Terms       []Term    `yaml:"terms"`
}

// Load reads and parses a problem file.
func Load(path string) (*Problem, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("problem file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a problem and checks its shapes.
func Parse(data []byte) (*Problem, error) {
	var p Problem
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling problem: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Problem) validate() error {
	n := len(p.Response)
	switch {
	case n == 0:
		return errors.New("response is empty")
	case len(p.Fixed.Rows) != n:
		return fmt.Errorf("fixed design has %d rows, response has %d values", len(p.Fixed.Rows), n)
	case len(p.Terms) == 0:
		return errors.New("no random-effects terms")
	case p.SqrtWeights != nil && len(p.SqrtWeights) != n:
		return fmt.Errorf("%d weights for %d observations", len(p.SqrtWeights), n)
	}
	if err := p.Fixed.validate("fixed"); err != nil {
		return err
	}
	for i, t := range p.Terms {
		if len(t.Groups) != n {
			return fmt.Errorf("term %d (%s) has %d group labels, want %d", i, t.Name, len(t.Groups), n)
		}
		if t.Design == nil {
			continue
		}
		if len(t.Design.Rows) != n {
			return fmt.Errorf("term %d (%s) design has %d rows, want %d", i, t.Name, len(t.Design.Rows), n)
		}
		if err := t.Design.validate(t.Name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Matrix) validate(name string) error {
	if len(m.Rows) == 0 || len(m.Rows[0]) == 0 {
		return fmt.Errorf("%s design is empty", name)
	}
	cols := len(m.Rows[0])
	for i, r := range m.Rows {
		if len(r) != cols {
			return fmt.Errorf("%s design row %d has %d columns, want %d", name, i, len(r), cols)
		}
	}
	if m.Columns != nil && len(m.Columns) != cols {
		return fmt.Errorf("%s design names %d columns, rows have %d", name, len(m.Columns), cols)
	}
	return nil
}

// Dense returns the matrix as a gonum dense matrix.
func (m *Matrix) Dense() *mat.Dense {
	r, c := len(m.Rows), len(m.Rows[0])
	d := mat.NewDense(r, c, nil)
	for i, row := range m.Rows {
		d.SetRow(i, row)
	}
	return d
}

// ColumnNames returns the column labels, numbered when the file names none.
func (m *Matrix) ColumnNames() []string {
	if m.Columns != nil {
		return m.Columns
	}
	names := make([]string, len(m.Rows[0]))
	for i := range names {
		names[i] = fmt.Sprintf("x%d", i+1)
	}
	return names
}

// Levels maps the group labels of a term to 0-based levels and returns the
// labels in level order.
func (t *Term) Levels() (groups []int, labels []string) {
	index := make(map[string]int)
	groups = make([]int, len(t.Groups))
	for i, g := range t.Groups {
		l, ok := index[g]
		if !ok {
			l = len(labels)
			index[g] = l
			labels = append(labels, g)
		}
		groups[i] = l
	}
	return groups, labels
}

// Model builds the model described by the problem. The REML flag and
// weights of the file override those of opts.
func (p *Problem) Model(opts lmm.Options) (*lmm.Model, error) {
	n := len(p.Response)
	terms := make([]lmm.Term, len(p.Terms))
	for i := range p.Terms {
		t := &p.Terms[i]
		groups, labels := t.Levels()
		var design *mat.Dense
		if t.Design != nil {
			design = t.Design.Dense()
		} else {
			design = mat.NewDense(n, 1, nil)
			for j := 0; j < n; j++ {
				design.Set(j, 0, 1)
			}
		}
		terms[i] = lmm.Term{Name: t.Name, Design: design, Groups: groups, Levels: len(labels)}
	}
	if p.REML {
		opts.REML = true
	}
	if p.SqrtWeights != nil {
		opts.SqrtWeights = p.SqrtWeights
	}
	return lmm.New(p.Response, p.Fixed.Dense(), terms, &opts)
}
