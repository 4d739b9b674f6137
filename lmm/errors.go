// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lmm

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("invalid parameter vector")
	// ErrFactorization is matched by every FactorizationError.
	ErrFactorization = errors.New("factorization failed")
	// ErrUnsupported is matched by every UnsupportedOperationError.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrDimension reports construction inputs of inconsistent shape.
	ErrDimension = errors.New("dimension mismatch")
)

// ValidationError reports a malformed theta.
// Index is -1 when the vector as a whole is rejected.
type ValidationError struct {
	Index  int
	Value  float64
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%v: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%v: %s at %d (%g)", ErrValidation, e.Reason, e.Index, e.Value)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// FactorizationError reports a system that is not positive definite.
type FactorizationError struct {
	Stage string // "random effects" or "fixed effects"
	Err   error  // underlying cause, may be nil
}

func (e *FactorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v in %s system: %v", ErrFactorization, e.Stage, e.Err)
	}
	return fmt.Sprintf("%v in %s system", ErrFactorization, e.Stage)
}

func (e *FactorizationError) Is(target error) bool {
	return target == ErrFactorization
}

func (e *FactorizationError) Unwrap() error {
	return e.Err
}

// UnsupportedOperationError reports a request the model cannot serve.
type UnsupportedOperationError struct {
	Op string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnsupported, e.Op)
}

func (e *UnsupportedOperationError) Unwrap() error {
	return ErrUnsupported
}

// FitError reports a minimizer that stopped without converging.
type FitError struct {
	Status      int
	Message     string
	Evaluations int
}

func (e *FitError) Error() string {
	return fmt.Sprintf("optimizer did not converge after %d evaluations: %s (status %d)",
		e.Evaluations, e.Message, e.Status)
}

// evalAbort carries an objective failure out of a minimizer.
type evalAbort struct {
	err error
}
