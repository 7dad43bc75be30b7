/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors provides shared error types and helpers for the strategy
// pipeline. Errors are built for wrapping: OperationError implements Unwrap
// so callers can use errors.Is/errors.As against the sentinels below.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Pipeline sentinels. Compared with errors.Is at the HTTP and runner
// boundaries to decide status codes and degradation behavior.
var (
	// ErrSnapshotNotFound indicates the snapshot store has no row for the id.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrStrategyNotFound indicates no strategy row exists for the snapshot.
	ErrStrategyNotFound = errors.New("strategy not found")

	// ErrLockNotAcquired indicates another worker holds the consolidation
	// advisory lock. Callers treat this as a silent skip.
	ErrLockNotAcquired = errors.New("advisory lock not acquired")

	// ErrMissingRoleOutputs indicates the consolidator readiness check failed
	// because the strategist or briefer output is absent.
	ErrMissingRoleOutputs = errors.New("missing role outputs")
)

// OperationError is a structured error describing a failed operation with
// optional component and resource context.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	parts := []string{fmt.Sprintf("failed to %s", e.Operation)}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("component: %s", e.Component))
	}
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource: %s", e.Resource))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, ", ")
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo returns a plain wrapped error for the common "failed to X: Y"
// shape. When cause is nil the action alone is reported.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// NotFoundf wraps sentinel with the resource identity attached.
func NotFoundf(sentinel error, resource, id string) error {
	return fmt.Errorf("%w: %s %q", sentinel, resource, id)
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, reason string) error {
	return fmt.Errorf("invalid %s: %s", field, reason)
}

// Truncate bounds an error message for persistence into error_message
// columns. Postgres text is unbounded but UI rows are not.
func Truncate(err error, max int) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= max {
		return msg
	}
	return msg[:max]
}
