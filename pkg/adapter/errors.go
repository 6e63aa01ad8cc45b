// Copyright 2025 Kadir Pekel
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

package adapter

import (
	"errors"
	"fmt"
)

// TranslationError reports an intent that cannot be mapped onto a source.
// It is never retried.
type TranslationError struct {
	SourceID string
	Reason   string
	Err      error
}

func (e *TranslationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("translate for %s: %s: %v", e.SourceID, e.Reason, e.Err)
	}
	return fmt.Sprintf("translate for %s: %s", e.SourceID, e.Reason)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// ExecutionError reports a failed backend call.
type ExecutionError struct {
	SourceID  string
	Retryable bool
	Err       error
}

// NewExecutionError wraps err for sourceID.
func NewExecutionError(sourceID string, retryable bool, err error) *ExecutionError {
	return &ExecutionError{SourceID: sourceID, Retryable: retryable, Err: err}
}

func (e *ExecutionError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("execute on %s (%s): %v", e.SourceID, kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsRetryable reports whether err carries a retryable *ExecutionError.
func IsRetryable(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.Retryable
}

// NotFoundError is returned by Resolve for unknown ids.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("adapter %q not registered", e.ID)
}

// DuplicateAdapterError is returned when an id is registered twice without
// forcing.
type DuplicateAdapterError struct {
	ID string
}

func (e *DuplicateAdapterError) Error() string {
	return fmt.Sprintf("adapter %q already registered", e.ID)
}
