// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a runtime error for retry and surfacing decisions.
// Kinds replace substring matching on stringified errors in the hot path.
type ErrorKind string

const (
	KindRateLimited          ErrorKind = "rate_limited"
	KindTimeout              ErrorKind = "timeout"
	KindEmptyOutput          ErrorKind = "empty_output"
	KindTransientUnavailable ErrorKind = "transient_unavailable"
	KindValidationFailure    ErrorKind = "validation_failure"
	KindCapacityUnavailable  ErrorKind = "capacity_unavailable"
	KindWorkflowOwnedByOther ErrorKind = "workflow_owned_by_other"
	KindCancelled            ErrorKind = "cancelled"
	KindInternal             ErrorKind = "internal_error"
)

// Retriable reports whether errors of this kind may be retried at all.
// Rate-limited errors retry under a separate, larger budget.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindEmptyOutput, KindTransientUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified runtime error.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// NewError creates a classified error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classified kind from an error chain. Errors without
// a classification report KindInternal; nil reports an empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInternal
}
