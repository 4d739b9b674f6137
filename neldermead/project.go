// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package neldermead

// project limits x to the feasible region:
//
//	𝚙𝚛𝚘𝚓 xᵢ = uᵢ    if xᵢ > uᵢ
//	𝚙𝚛𝚘𝚓 xᵢ = lᵢ    if xᵢ < lᵢ
//	𝚙𝚛𝚘𝚓 xᵢ = xᵢ    otherwise
//
// It reports whether any component was moved.
func project(x []float64, bounds []Bound) (projected bool) {
	if len(x) > len(bounds) {
		panic("bound check error")
	}
	for i, xi := range x {
		b := bounds[i]
		switch {
		case xi < b.Lower:
			x[i] = b.Lower
			projected = true
		case xi > b.Upper:
			x[i] = b.Upper
			projected = true
		}
	}
	return
}
