// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"fmt"
	"math"
	"strings"

	"github.com/curioloop/lmm/spchol"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MixedModel is the capability set shared by mixed-model variants.
// The package-level computations below use nothing else, so they apply to
// any type implementing it.
type MixedModel interface {
	// Response returns the observed response y.
	Response() []float64
	// Fitted returns the expected response μ at the current theta.
	Fitted() []float64
	// SqrtWeights returns the weight square roots, nil when unweighted.
	SqrtWeights() []float64
	// LambdaBlocks returns the blocks composing the random-effects covariance factor.
	LambdaBlocks() []*mat.TriDense
	// Factor returns the sparse Cholesky factor of the penalized system.
	Factor() *spchol.Factor
	// Zt returns the random-effects design transpose.
	Zt() *spchol.CSC
	// Dims returns n, p, q and the number of terms.
	Dims() Dims
	// FixedDesign returns X.
	FixedDesign() *mat.Dense
	// RX returns the Cholesky factor of the downdated fixed-effects cross product.
	RX() *mat.Cholesky
	IsFit() bool
	SetFit(fit bool)
	IsREML() bool
	// SetREML switches the criterion and clears the fitted flag on change.
	SetREML(reml bool)
	LowerBounds() []float64
	Theta() []float64
	// Beta returns the current fixed effects without fitting.
	Beta() []float64
	// ConditionalModes returns the current stacked u without fitting.
	ConditionalModes() []float64
	// Levels returns the number of levels of every grouping factor.
	Levels() []int
	// TermNames returns the label of every term, empty for unnamed terms.
	TermNames() []string
	// Fit optimizes theta unless the model is already fit.
	Fit() error
	// FixedEffects fits if needed and returns β.
	FixedEffects() ([]float64, error)
	// VarCorr fits if needed and returns the variance components.
	VarCorr() (*VarCorr, error)
}

// WRSS returns the weighted residual sum of squares Σ((yᵢ - μᵢ)/wᵢ)².
func WRSS(m MixedModel) float64 {
	y, mu, sw := m.Response(), m.Fitted(), m.SqrtWeights()
	s := 0.0
	for i, yi := range y {
		r := yi - mu[i]
		if sw != nil {
			r /= sw[i]
		}
		s += r * r
	}
	return s
}

// PWRSS returns the penalized weighted residual sum of squares WRSS + ‖u‖².
func PWRSS(m MixedModel) float64 {
	u := m.ConditionalModes()
	return WRSS(m) + floats.Dot(u, u)
}

// FixEf fits the model if needed and returns a copy of β.
func FixEf(m MixedModel) ([]float64, error) {
	if err := m.Fit(); err != nil {
		return nil, err
	}
	return append([]float64(nil), m.Beta()...), nil
}

// Deviance returns the profiled deviance at the current theta:
//
//	log|LLᵀ| + n(1 + log(2π pwrss/n))
func Deviance(m MixedModel) float64 {
	n := float64(m.Dims().N)
	return m.Factor().LogDet() + n*(1+math.Log(2*math.Pi*PWRSS(m)/n))
}

// REMLCrit returns the REML criterion at the current theta:
//
//	log|LLᵀ| + log|RXᵀRX| + (n-p)(1 + log(2π pwrss/(n-p)))
func REMLCrit(m MixedModel) float64 {
	d := m.Dims()
	nmp := float64(d.N - d.P)
	return m.Factor().LogDet() + m.RX().LogDet() + nmp*(1+math.Log(2*math.Pi*PWRSS(m)/nmp))
}

// Criterion returns REMLCrit or Deviance according to the REML flag.
func Criterion(m MixedModel) float64 {
	if m.IsREML() {
		return REMLCrit(m)
	}
	return Deviance(m)
}

// Sigma2 returns the residual variance estimate pwrss/n, or pwrss/(n-p) for REML.
func Sigma2(m MixedModel) float64 {
	d := m.Dims()
	df := d.N
	if m.IsREML() {
		df -= d.P
	}
	return PWRSS(m) / float64(df)
}

// VarCorr holds estimated variance components.
type VarCorr struct {
	// σ²ΛᵢΛᵢᵀ for every term in model order.
	Terms []*mat.SymDense
	// Residual variance σ².
	Residual float64
}

// EstimateVarCorr fits the model if needed and returns σ²ΛᵢΛᵢᵀ for every term.
func EstimateVarCorr(m MixedModel) (*VarCorr, error) {
	if err := m.Fit(); err != nil {
		return nil, err
	}
	s2 := Sigma2(m)
	blocks := m.LambdaBlocks()
	vc := &VarCorr{Terms: make([]*mat.SymDense, len(blocks)), Residual: s2}
	for i, l := range blocks {
		p, _ := l.Dims()
		c := mat.NewSymDense(p, nil)
		c.SymOuterK(s2, l)
		vc.Terms[i] = c
	}
	return vc, nil
}

// VarCorrScalar fits the model if needed and returns σ²λᵢ² for every term
// followed by σ². Every term must have a single column.
func VarCorrScalar(m MixedModel) ([]float64, error) {
	blocks := m.LambdaBlocks()
	for i, l := range blocks {
		if p, _ := l.Dims(); p != 1 {
			return nil, &UnsupportedOperationError{Op: fmt.Sprintf("scalar variance of %d-column term %d", p, i)}
		}
	}
	if err := m.Fit(); err != nil {
		return nil, err
	}
	s2 := Sigma2(m)
	vc := make([]float64, 0, len(blocks)+1)
	for _, l := range m.LambdaBlocks() {
		lambda := l.At(0, 0)
		vc = append(vc, s2*lambda*lambda)
	}
	return append(vc, s2), nil
}

// Summary fits the model if needed and describes the estimates.
func Summary(m MixedModel) (string, error) {
	vc, err := m.VarCorr()
	if err != nil {
		return "", err
	}
	beta := m.Beta()
	d := m.Dims()

	var sb strings.Builder
	method := "maximum likelihood"
	label := "deviance"
	if m.IsREML() {
		method, label = "REML", "REML criterion"
	}
	fmt.Fprintf(&sb, "Linear mixed model fit by %s\n", method)
	fmt.Fprintf(&sb, "  %s: %.4f\n", label, Criterion(m))
	fmt.Fprintf(&sb, "  n = %d, p = %d, q = %d\n\n", d.N, d.P, d.Q)

	sb.WriteString("Random effects:\n")
	levels, names := m.Levels(), m.TermNames()
	for i, c := range vc.Terms {
		name := names[i]
		if name == "" {
			name = fmt.Sprintf("term %d", i+1)
		}
		fmt.Fprintf(&sb, "  %s (%d levels)\n", name, levels[i])
		p := c.SymmetricDim()
		for r := 0; r < p; r++ {
			v := c.At(r, r)
			fmt.Fprintf(&sb, "    var[%d] %12.6f  sd %10.6f", r+1, v, math.Sqrt(v))
			for k := 0; k < r; k++ {
				fmt.Fprintf(&sb, "  corr[%d] %6.3f", k+1, correlation(c, r, k))
			}
			sb.WriteByte('\n')
		}
	}
	fmt.Fprintf(&sb, "  residual %12.6f  sd %10.6f\n\n", vc.Residual, math.Sqrt(vc.Residual))

	sb.WriteString("Fixed effects:\n")
	for j, b := range beta {
		fmt.Fprintf(&sb, "  beta[%d] %14.6f\n", j+1, b)
	}
	return sb.String(), nil
}

func correlation(c *mat.SymDense, i, j int) float64 {
	d := math.Sqrt(c.At(i, i) * c.At(j, j))
	if d == 0 {
		return math.NaN()
	}
	return c.At(i, j) / d
}
