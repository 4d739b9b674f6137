// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package neldermead

import (
	"math"
	"slices"
)

// iterDriver is the main driver for iterations in an optimization process,
// responsible for managing the flow of the optimization.
type iterDriver struct {
	optimizer *Optimizer
	workspace *Workspace
}

// evaluate computes f at x, recovering a panicking evaluation.
func (d *iterDriver) evaluate(x []float64, iter iterTask) (f float64, task iterTask) {
	o, w := d.optimizer, d.workspace
	task = iter
	f = math.Inf(1)
	switch {
	case w.totalEval >= o.stop.MaxEvaluations:
		return f, OverEvalLimit
	case w.global.elapsed() >= o.stop.MaxComputations:
		return f, OverTimeLimit
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				task = HaltEvalPanic
			}
		}()
		f = finite(o.eval(x, nil))
		w.totalEval++
	}()
	if log := o.logger; log.Enabled(LogTrace) && task == iterLoop {
		log.out("  nf=%5d  f=%14.7e  x=%v\n", w.totalEval, f, x)
	}
	return f, task
}

// initSimplex builds the n+1 starting vertices around the projected x₀
// and evaluates all of them.
func (d *iterDriver) initSimplex(x0 []float64) (task iterTask) {
	o, w := d.optimizer, d.workspace
	n := o.n

	for i := range w.fv {
		w.fv[i] = math.Inf(1)
	}

	v0 := w.vertex(n, 0)
	copy(v0, x0)
	project(v0, o.bounds)

	for i := 1; i <= n; i++ {
		v := w.vertex(n, i)
		copy(v, v0)
		k := i - 1
		h := initStep(o.step, v0, k)
		// step away from the nearest bound so that the simplex is not degenerate
		b := o.bounds[k]
		switch {
		case v0[k]+h <= b.Upper:
			v[k] += h
		case v0[k]-h >= b.Lower:
			v[k] -= h
		case b.Upper-v0[k] >= v0[k]-b.Lower:
			v[k] = b.Upper
		default:
			v[k] = b.Lower
		}
	}

	for i := 0; i <= n && task == iterLoop; i++ {
		w.fv[i], task = d.evaluate(w.vertex(n, i), task)
	}
	return
}

func initStep(step, x0 []float64, k int) float64 {
	if step != nil {
		return step[k]
	}
	return 0.2 * math.Max(math.Abs(x0[k]), one)
}

// sortSimplex orders vertex indices by increasing function value.
func (d *iterDriver) sortSimplex() {
	w := d.workspace
	slices.SortStableFunc(w.order, func(a, b int) int {
		switch fa, fb := w.fv[a], w.fv[b]; {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	})
}

// checkConvergence tests the spread of the simplex in function value and location.
func (d *iterDriver) checkConvergence(iter iterTask) iterTask {
	o, w := d.optimizer, d.workspace
	n := o.n

	lo, hi := w.order[0], w.order[n]
	fl, fh := w.fv[lo], w.fv[hi]

	// fₕ - fₗ ≤ 𝚏𝚝𝚘𝚕 × 𝚖𝚊𝚡(|fₗ|, |fₕ|, 𝚎𝚙𝚜)
	if !math.IsInf(fh, 1) {
		scale := math.Max(math.Max(math.Abs(fl), math.Abs(fh)), math.SmallestNonzeroFloat64)
		if fh-fl <= o.stop.FDiffTolerance*scale {
			iter |= ConvFDiffTol
		}
	}

	// 𝚖𝚊𝚡ᵥ |xᵥᵢ - xₗᵢ| ≤ 𝚡𝚝𝚘𝚕 × 𝚖𝚊𝚡(|xₗᵢ|, 1)
	xl := w.vertex(n, lo)
	small := true
	for v := 1; v <= n && small; v++ {
		xv := w.vertex(n, w.order[v])
		for i := range xl {
			if math.Abs(xv[i]-xl[i]) > o.stop.XDiffTolerance*math.Max(math.Abs(xl[i]), one) {
				small = false
				break
			}
		}
	}
	if small {
		iter |= ConvXDiffTol
	}
	return iter
}

// mainLoop performs reflection, expansion, contraction and shrink steps
// until one of the stopping criteria is met.
func (d *iterDriver) mainLoop(x0 []float64) (task iterTask) {

	o, w := d.optimizer, d.workspace
	n := o.n
	log := o.logger

	w.clear()
	w.global.reset()

	d.printInit()

	if task = d.initSimplex(x0); task != iterLoop {
		d.sortSimplex()
		d.printExit(task)
		return
	}

	for task == iterLoop {

		d.sortSimplex()
		if task = d.checkConvergence(task); task != iterLoop {
			break
		}

		w.iter++
		if w.iter > o.stop.MaxIterations {
			task = OverIterLimit
			break
		}

		best, worst, second := w.order[0], w.order[n], w.order[n-1]
		fl, fh, fs := w.fv[best], w.fv[worst], w.fv[second]
		xh := w.vertex(n, worst)

		// centroid of every vertex but the worst
		c := w.centroid
		clear(c)
		for _, v := range w.order[:n] {
			xv := w.vertex(n, v)
			for i := range c {
				c[i] += xv[i]
			}
		}
		for i := range c {
			c[i] /= float64(n)
		}

		var op string
		var fr float64

		// xᵣ = c + α(c - xₕ)
		combine(w.xr, c, xh, -reflect, o.bounds)
		if fr, task = d.evaluate(w.xr, task); task != iterLoop {
			break
		}

		switch {
		case fr < fl:
			// xₑ = c + γ(xᵣ - c)
			var fe float64
			combine(w.xe, c, w.xr, expand, o.bounds)
			if fe, task = d.evaluate(w.xe, task); task != iterLoop {
				break
			}
			if fe < fr {
				op = "expand"
				d.replace(worst, w.xe, fe)
			} else {
				op = "reflect"
				d.replace(worst, w.xr, fr)
			}
		case fr < fs:
			op = "reflect"
			d.replace(worst, w.xr, fr)
		default:
			var fc float64
			if fr < fh {
				// outside contraction xᶜ = c + ρ(xᵣ - c)
				combine(w.xc, c, w.xr, contract, o.bounds)
			} else {
				// inside contraction xᶜ = c + ρ(xₕ - c)
				combine(w.xc, c, xh, contract, o.bounds)
			}
			if fc, task = d.evaluate(w.xc, task); task != iterLoop {
				break
			}
			if fc < math.Min(fr, fh) {
				op = "contract"
				d.replace(worst, w.xc, fc)
			} else {
				op = "shrink"
				task = d.shrinkSimplex(task)
			}
		}

		if log.Enabled(LogEval) && task == iterLoop {
			log.Logf("At iterate %5d    nf= %5d    f= %14.7e    %s\n", w.iter, w.totalEval, w.fv[w.order[0]], op)
		}
	}

	d.sortSimplex()
	d.printExit(task)
	return
}

// combine sets dst = P(c + t(x - c)) where P projects onto the bounds.
func combine(dst, c, x []float64, t float64, bounds []Bound) {
	for i := range dst {
		dst[i] = c[i] + t*(x[i]-c[i])
	}
	project(dst, bounds)
}

func (d *iterDriver) replace(v int, x []float64, f float64) {
	w := d.workspace
	copy(w.vertex(d.optimizer.n, v), x)
	w.fv[v] = f
}

// shrinkSimplex moves every vertex halfway towards the best one: xᵥ = xₗ + σ(xᵥ - xₗ).
func (d *iterDriver) shrinkSimplex(iter iterTask) (task iterTask) {
	o, w := d.optimizer, d.workspace
	n := o.n
	task = iter
	w.shrinks++

	best := w.order[0]
	xl := w.vertex(n, best)
	for _, v := range w.order[1:] {
		xv := w.vertex(n, v)
		for i := range xv {
			xv[i] = xl[i] + shrink*(xv[i]-xl[i])
		}
		if w.fv[v], task = d.evaluate(xv, task); task != iterLoop {
			break
		}
	}
	return
}

func (d *iterDriver) printInit() {
	o := d.optimizer
	if log := o.logger; log.Enabled(LogLast) {
		log.Logf("RUNNING THE NELDER-MEAD CODE\n")
		log.Logf("N = %d\n", o.n)
	}
}

func (d *iterDriver) printExit(task iterTask) {
	o, w := d.optimizer, d.workspace
	log := o.logger
	if !log.Enabled(LogLast) {
		return
	}
	best := w.order[0]
	log.Logf("\n   N      Tit      Tnf   Shrink         F\n")
	log.Logf("%5d %8d %8d %8d %14.7e\n", o.n, w.iter, w.totalEval, w.shrinks, w.fv[best])
	log.Logf("\n%v\n", task)
	if log.Enabled(LogEval) {
		log.out("X = %v\n", w.vertex(o.n, best))
	}
}
