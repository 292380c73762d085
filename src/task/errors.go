// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package task

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"scriptworker/src/model"
)

// ErrNonPositiveLimit is returned by New when the statement limit is
// zero or negative.
var ErrNonPositiveLimit = errors.New("statement limit must be positive")

// InvalidSourceError means the source failed to parse. The task was
// never created, so there is nothing to schedule or cancel.
type InvalidSourceError struct {
	Err error
}

func (e *InvalidSourceError) Error() string {
	return fmt.Sprintf("invalid source: %v", e.Err)
}

func (e *InvalidSourceError) Unwrap() error { return e.Err }

// ConflictError means Execute or Cancel was called against a task whose
// current status forbids the operation. It signals protocol misuse by the
// caller, never a fault of the task, and carries everything needed for a
// precise user-facing message.
type ConflictError struct {
	TaskID    uuid.UUID
	Current   model.TaskStatus
	Operation string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: cannot %s while %s", e.TaskID, e.Operation, e.Current)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
