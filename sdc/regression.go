// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sdc

import (
	"math"
	"sort"

	"github.com/sgpp-go/combidist"
)

// residualThreshold is the standardized-residual magnitude beyond which
// a pair is counted as anomalous.
const residualThreshold = 2.5

// fitAndStandardize fits the level-difference model to a round's betas
// and returns the fitted coefficients plus each observation's
// standardized residual.
//
// The model is beta_{t,s} = sum_d D_d(l_t[d])*h_t[d]^2 -
// sum_d D_d(l_s[d])*h_s[d]^2 with h[d] = 2^-l[d] and one unknown
// D_d(l) per (axis, level) pair, fitted by robust M-regression. With
// fewer observations than the model could interpolate (n <= p+1) the
// regression would drive every residual to zero and hide the outlier,
// so the fit degenerates to a single location parameter, the median
// beta.
func fitAndStandardize(obs []Observation, lmax combidist.LevelVector) (coeffs, standardized []float64) {
	n := len(obs)
	dim := obs[0].Diff.Dim()
	maxLevel := 0
	for _, l := range lmax {
		if l > maxLevel {
			maxLevel = l
		}
	}
	p := dim * maxLevel

	resid := make([]float64, n)
	if n <= p+1 {
		betas := make([]float64, n)
		for i, o := range obs {
			betas[i] = o.Beta
		}
		m := median(betas)
		for i := range obs {
			resid[i] = obs[i].Beta - m
		}
		return []float64{m}, lmsStandardize(resid, 0)
	}

	// One column per (axis, level): column a*maxLevel+(l-1) carries h^2
	// for grid I and -h^2 for grid J.
	X := make([][]float64, n)
	y := make([]float64, n)
	for i, o := range obs {
		row := make([]float64, p)
		for a := 0; a < dim; a++ {
			addDerivativeTerm(row, a, o.LevelI[a], maxLevel, +1)
			addDerivativeTerm(row, a, o.LevelJ[a], maxLevel, -1)
		}
		X[i] = row
		y[i] = o.Beta
	}
	coeffs, _ = robustRegression(X, y, 5)
	for i := range obs {
		resid[i] = y[i] - dot(X[i], coeffs)
	}
	return coeffs, lmsStandardize(resid, p)
}

// addDerivativeTerm accumulates sign*h^2, h = 2^-level, into the
// regression column for (axis, level), clamping to the last column when
// a grid's level exceeds the scheme's lmax on that axis.
func addDerivativeTerm(row []float64, axis, level, maxLevel int, sign float64) {
	if level < 1 {
		level = 1
	}
	if level > maxLevel {
		level = maxLevel
	}
	h := math.Pow(2, -float64(level))
	row[axis*maxLevel+level-1] += sign * h * h
}

// lmsStandardize converts raw residuals to standardized ones in two
// steps: first by the least-median-of-squares scale
// s0 = 1.4826*(1+5/(n-p-1))*sqrt(median(r^2)), then by the robust scale
// s* recomputed from only the residuals within residualThreshold of
// zero under s0. Both scales are floored so that a round of
// numerically-zero residuals does not divide by zero.
func lmsStandardize(resid []float64, p int) []float64 {
	n := len(resid)
	sq := make([]float64, n)
	maxAbs := 0.0
	for i, r := range resid {
		sq[i] = r * r
		if a := math.Abs(r); a > maxAbs {
			maxAbs = a
		}
	}
	factor := 1.4826
	if n-p-1 > 0 {
		factor *= 1 + 5/float64(n-p-1)
	}
	s0 := factor * math.Sqrt(median(sq))
	floor := 1e-9 * maxAbs
	if floor < 1e-12 {
		floor = 1e-12
	}
	if s0 < floor {
		s0 = floor
	}

	sum := 0.0
	inliers := 0
	for _, r := range resid {
		if math.Abs(r)/s0 <= residualThreshold {
			sum += r * r
			inliers++
		}
	}
	s := s0
	if inliers > p {
		s = math.Sqrt(sum / float64(inliers-p))
		if s < floor {
			s = floor
		}
	}

	out := make([]float64, n)
	for i, r := range resid {
		out[i] = r / s
	}
	return out
}

// robustRegression fits y ~ X*beta by iteratively reweighted least
// squares with a Cauchy weight function. It returns the fitted
// coefficients and the final per-observation weights.
//
// No linear-algebra or regression library appears anywhere in this
// module's dependency set, so the normal-equations solve below uses a
// hand-rolled Gaussian elimination; see DESIGN.md.
func robustRegression(X [][]float64, y []float64, iterations int) (beta []float64, weights []float64) {
	n := len(y)
	if n == 0 {
		return nil, nil
	}
	p := len(X[0])
	weights = make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	beta = make([]float64, p)

	for it := 0; it < iterations; it++ {
		beta = weightedLeastSquares(X, y, weights)
		resid := make([]float64, n)
		for i := range resid {
			resid[i] = y[i] - dot(X[i], beta)
		}
		scale := medianAbsoluteDeviation(resid)
		if scale < 1e-12 {
			scale = 1e-12
		}
		for i := range weights {
			weights[i] = cauchyWeight(resid[i] / scale)
		}
	}
	return beta, weights
}

// cauchyWeight is the Cauchy (Lorentzian) M-estimator weight function:
// w(u) = 1 / (1 + (u/c)^2), c the standard Cauchy tuning constant.
func cauchyWeight(u float64) float64 {
	const c = 2.385
	r := u / c
	return 1 / (1 + r*r)
}

// medianAbsoluteDeviation returns the scaled median absolute deviation
// of x, a robust estimate of spread unaffected by a small number of
// corrupted observations.
func medianAbsoluteDeviation(x []float64) float64 {
	const consistencyFactor = 1.4826
	m := median(x)
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - m)
	}
	return consistencyFactor * median(dev)
}

func median(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// weightedLeastSquares solves the weighted normal equations
// (X^T W X) beta = X^T W y via Gaussian elimination with partial
// pivoting.
func weightedLeastSquares(X [][]float64, y []float64, w []float64) []float64 {
	p := len(X[0])
	ata := make([][]float64, p)
	atb := make([]float64, p)
	for i := range ata {
		ata[i] = make([]float64, p)
	}
	for n := range X {
		row := X[n]
		wn := w[n]
		for i := 0; i < p; i++ {
			atb[i] += wn * row[i] * y[n]
			for j := 0; j < p; j++ {
				ata[i][j] += wn * row[i] * row[j]
			}
		}
	}
	// Ridge term keeps the system solvable when a column is
	// (near-)collinear, e.g. an axis level never appears in any
	// observed pair.
	for i := 0; i < p; i++ {
		ata[i][i] += 1e-9
	}
	return gaussianSolve(ata, atb)
}

func dot(a []float64, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// gaussianSolve solves Ax=b via Gaussian elimination with partial
// pivoting, mutating neither A nor b.
func gaussianSolve(a [][]float64, b []float64) []float64 {
	n := len(b)
	m := make([][]float64, n)
	rhs := append([]float64(nil), b...)
	for i := range a {
		m[i] = append([]float64(nil), a[i]...)
	}
	for col := 0; col < n; col++ {
		pivot := col
		best := math.Abs(m[col][col])
		for r := col + 1; r < n; r++ {
			if v := math.Abs(m[r][col]); v > best {
				best, pivot = v, r
			}
		}
		if best < 1e-14 {
			continue
		}
		m[col], m[pivot] = m[pivot], m[col]
		rhs[col], rhs[pivot] = rhs[pivot], rhs[col]
		for r := col + 1; r < n; r++ {
			factor := m[r][col] / m[col][col]
			if factor == 0 {
				continue
			}
			for c := col; c < n; c++ {
				m[r][c] -= factor * m[col][c]
			}
			rhs[r] -= factor * rhs[col]
		}
	}
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := rhs[i]
		for j := i + 1; j < n; j++ {
			sum -= m[i][j] * x[j]
		}
		if math.Abs(m[i][i]) < 1e-14 {
			x[i] = 0
			continue
		}
		x[i] = sum / m[i][i]
	}
	return x
}
