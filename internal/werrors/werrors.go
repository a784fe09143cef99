// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package werrors defines the weeder's error-kind taxonomy shared across
// internal packages, so the outer controller can map any error a
// subsystem raises onto one exit behavior without those subsystems
// depending on the outer controller's package. RepositoryError and
// RPCError, the other two kinds named in spec.md §7, live next to the
// clients that raise them (internal/repoclient, internal/cacheclient)
// since they carry client-specific fields.
package werrors

import "fmt"

// InputError reports a malformed instruction file or bad CLI argument.
// The weeder should exit non-zero without side effects.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return fmt.Sprintf("input: %s", e.Msg) }

// NewInput wraps a formatted message as an InputError.
func NewInput(format string, args ...any) error {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}

// SystemError reports a syscall failure: fatal for the current weed, but
// resumable on the next run.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string { return fmt.Sprintf("system: %s: %v", e.Op, e.Err) }
func (e *SystemError) Unwrap() error { return e.Err }

// NewSystem wraps err as a SystemError naming the failing operation.
func NewSystem(op string, err error) error {
	return &SystemError{Op: op, Err: err}
}

// InvariantError reports a checked inconsistency between weeder state and
// cache state — e.g. a marked root missing from the graph log, or a
// non-leased marked CI without a node. Fatal, with a remediation hint.
type InvariantError struct {
	Msg  string
	Hint string
}

func (e *InvariantError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("invariant violated: %s", e.Msg)
	}
	return fmt.Sprintf("invariant violated: %s (%s)", e.Msg, e.Hint)
}

// NewInvariant reports a checked invariant violation with a remediation
// hint.
func NewInvariant(hint, format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...), Hint: hint}
}
