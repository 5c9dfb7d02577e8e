// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the closed set of real-time events the hub
// delivers to clients. Every event is one variant of a tagged union:
// the wire frame is {"type": <tag>, "payload": <variant>} JSON text.
package event

import "github.com/holdfast-systems/holdfast/lib/schema/task"

// Event tags. These are wire constants shared with clients.
const (
	TypeUserStatus      = "USER_STATUS"
	TypeTaskUpdated     = "TASK_UPDATED"
	TypeNewTaskAssigned = "NEW_TASK_ASSIGNED"
	TypeVerifierAdded   = "VERIFIER_ADDED"
	TypeVerifierRemoved = "VERIFIER_REMOVED"
)

// Event is one variant of the outbound union. Implementations are
// the payload structs below and nothing else.
type Event interface {
	EventType() string
}

// UserStatus reports a user going online or offline. Sent to every
// user linked to the subject by a verifier relationship.
type UserStatus struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func (UserStatus) EventType() string { return TypeUserStatus }

// TaskUpdated carries the full post-transition task after any
// lifecycle or metadata change.
type TaskUpdated struct {
	Task task.Task `json:"task"`
}

func (TaskUpdated) EventType() string { return TypeTaskUpdated }

// NewTaskAssigned tells a verifier a task now awaits their review
// responsibility: a fresh creation or a recurrence successor.
type NewTaskAssigned struct {
	Task task.Task `json:"task"`
}

func (NewTaskAssigned) EventType() string { return TypeNewTaskAssigned }

// VerifierAdded reports a new verifier relationship to both parties.
type VerifierAdded struct {
	UserID     string `json:"userId"`
	VerifierID string `json:"verifierId"`
}

func (VerifierAdded) EventType() string { return TypeVerifierAdded }

// VerifierRemoved reports a removed verifier relationship to both
// parties.
type VerifierRemoved struct {
	UserID     string `json:"userId"`
	VerifierID string `json:"verifierId"`
}

func (VerifierRemoved) EventType() string { return TypeVerifierRemoved }
