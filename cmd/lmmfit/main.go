// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command lmmfit fits linear mixed-effects models described by YAML problem files.
package main

import (
	"fmt"
	"os"

	"github.com/curioloop/lmm/internal/problemfile"
	"github.com/curioloop/lmm/lmm"
	"github.com/spf13/cobra"
)

type fitFlags struct {
	reml          bool
	ftol, xtol    float64
	maxEval       int
	optimizer     string
	verbose       int
	checkGradient bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "lmmfit",
		Short:        "Fit linear mixed-effects models by ML or REML",
		SilenceUsage: true,
	}
	root.AddCommand(newFitCmd())
	return root
}

func newFitCmd() *cobra.Command {
	var f fitFlags
	cmd := &cobra.Command{
		Use:   "fit <problem.yaml>",
		Short: "Fit the model of a problem file and print its summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFit(cmd, args[0], &f)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&f.reml, "reml", false, "fit by restricted maximum likelihood")
	flags.Float64Var(&f.ftol, "ftol", 0, "relative tolerance on the criterion (default 1e-6)")
	flags.Float64Var(&f.xtol, "xtol", 0, "relative tolerance on theta (default 1e-6)")
	flags.IntVar(&f.maxEval, "max-eval", 0, "maximum criterion evaluations (default 10000)")
	flags.StringVar(&f.optimizer, "optimizer", "neldermead", "minimizer: neldermead or gonum")
	flags.CountVarP(&f.verbose, "verbose", "v", "log every evaluation, repeat to trace the minimizer")
	flags.BoolVar(&f.checkGradient, "check-gradient", false, "estimate the gradient at the optimum")
	return cmd
}

func (f *fitFlags) options(cmd *cobra.Command) (lmm.Options, error) {
	opts := lmm.Options{
		REML: f.reml,
		Stop: lmm.Termination{
			FTol:           f.ftol,
			XTol:           f.xtol,
			MaxEvaluations: f.maxEval,
		},
		CheckGradient: f.checkGradient,
	}

	switch f.optimizer {
	case "neldermead":
		opts.Minimizer = lmm.NelderMeadMinimizer{}
	case "gonum":
		opts.Minimizer = lmm.GonumMinimizer{}
	default:
		return opts, fmt.Errorf("unknown optimizer %q", f.optimizer)
	}

	level := lmm.LogLast
	switch {
	case f.verbose > 1:
		level = lmm.LogTrace
	case f.verbose == 1:
		level = lmm.LogEval
	}
	opts.Logger = &lmm.Logger{Level: level, Msg: cmd.ErrOrStderr(), Out: cmd.ErrOrStderr()}
	return opts, nil
}

func runFit(cmd *cobra.Command, path string, f *fitFlags) error {
	opts, err := f.options(cmd)
	if err != nil {
		return err
	}

	p, err := problemfile.Load(path)
	if err != nil {
		return err
	}
	m, err := p.Model(opts)
	if err != nil {
		return err
	}
	if err = m.Fit(); err != nil {
		return err
	}

	summary, err := lmm.Summary(m)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if p.Name != "" {
		fmt.Fprintf(out, "%s\n", p.Name)
	}
	fmt.Fprint(out, summary)

	fs := m.FitSummary()
	fmt.Fprintf(out, "\n%d evaluations, %s\n", fs.Evaluations, fs.Message)
	if f.checkGradient {
		fmt.Fprintf(out, "max |gradient| %.3e\n", fs.MaxGrad)
	}
	return nil
}
