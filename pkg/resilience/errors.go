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

package resilience

import (
	"errors"
	"fmt"
	"time"
)

// CircuitOpenError is returned for calls short-circuited by an open
// breaker. Callers treat it as degradation, not failure.
type CircuitOpenError struct {
	Name     string
	RetryIn  time.Duration
	HalfOpen bool
}

func (e *CircuitOpenError) Error() string {
	if e.HalfOpen {
		return fmt.Sprintf("circuit for %s is half-open, probe in flight", e.Name)
	}
	return fmt.Sprintf("circuit for %s is open (retry in %s)", e.Name, e.RetryIn.Round(time.Millisecond))
}

// IsCircuitOpen reports whether err is a *CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var open *CircuitOpenError
	return errors.As(err, &open)
}

// RetryError reports that all attempts failed.
type RetryError struct {
	Operation string
	Attempts  int
	LastError error
	Exhausted bool
}

func (e *RetryError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Operation, e.Attempts, e.LastError)
	}
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Operation, e.Attempts, e.LastError)
}

func (e *RetryError) Unwrap() error { return e.LastError }

// IsRetryExhausted reports whether err is an exhausted *RetryError.
func IsRetryExhausted(err error) bool {
	var re *RetryError
	return errors.As(err, &re) && re.Exhausted
}
