// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"time"

	"github.com/holdfast-systems/holdfast/lib/schema/task"
)

// ValidationError reports malformed or missing input. The message is
// user-correctable and surfaced verbatim.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotAuthorizedError reports that the caller is not the creator or
// verifier the action requires. The message is deliberately generic:
// it never says which identity would have passed.
type NotAuthorizedError struct {
	Action string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("not authorized to %s", e.Action)
}

// IllegalStateTransitionError reports an action attempted from a
// status that does not permit it. The current status is included so
// the client can refresh.
type IllegalStateTransitionError struct {
	TaskID  string
	Current task.Status
	Action  string
}

func (e *IllegalStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s task %s in status %s", e.Action, e.TaskID, e.Current)
}

// DeadlineExpiredError reports an action attempted after the task's
// deadline. Distinct from the generic state error so the client can
// explain that the task was just missed.
type DeadlineExpiredError struct {
	TaskID   string
	Deadline time.Time
}

func (e *DeadlineExpiredError) Error() string {
	return fmt.Sprintf("deadline for task %s passed at %s", e.TaskID, e.Deadline.Format(time.RFC3339))
}

// PenaltyReuseError rejects penalty content whose fingerprint matches
// a penalty already revealed to a verifier.
type PenaltyReuseError struct{}

func (e *PenaltyReuseError) Error() string {
	return "penalty content was already exposed for this user; supply new content"
}

// SelfAssignmentError rejects a verifier identical to the creator.
type SelfAssignmentError struct{}

func (e *SelfAssignmentError) Error() string {
	return "verifier must be a different user than the creator"
}

// NotFoundError reports an unknown task or penalty id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}
