// Copyright 2026 The Combidist Authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sdc

import (
	"fmt"
	"io"

	"github.com/grailbio/base/limitbuf"
)

// WriteTrace writes one detection round's betas in the all-betas dump
// format: the number of pairs, one line per pair with the two
// component-grid levels, the measured beta and the standardized
// residual, and finally the fitted regression coefficients, one per
// line. The caller owns file naming and placement; this package only
// formats.
func WriteTrace(w io.Writer, r *Report) error {
	if _, err := fmt.Fprintf(w, "%d\n", len(r.Observations)); err != nil {
		return err
	}
	for _, o := range r.Observations {
		if _, err := fmt.Fprintf(w, "%s,%s,%g,%g\n", o.LevelI, o.LevelJ, o.Beta, o.Residual); err != nil {
			return err
		}
	}
	for _, c := range r.Coefficients {
		if _, err := fmt.Fprintf(w, "%g\n", c); err != nil {
			return err
		}
	}
	return nil
}

// TraceSummary renders obs as a single bounded-length line suitable for
// one log call: a round with hundreds of pairs dumped unbounded into a
// log line is its own kind of noise, so the tail is truncated.
func TraceSummary(obs []Observation) string {
	b := limitbuf.NewLogger(512)
	for _, o := range obs {
		fmt.Fprintf(b, "(%d,%d)=%g ", o.Pair.I, o.Pair.J, o.Beta)
	}
	return b.String()
}
