// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPendingProof is the initial state: the creator has not
	// yet submitted proof of completion.
	StatusPendingProof Status = "PENDING_PROOF"

	// StatusPendingVerification means proof has been submitted and
	// is awaiting the verifier's review.
	StatusPendingVerification Status = "PENDING_VERIFICATION"

	// StatusCompleted is terminal: the verifier approved the proof.
	StatusCompleted Status = "COMPLETED"

	// StatusMissed is terminal: the deadline elapsed without
	// approval. The sweep is the only writer of this state.
	StatusMissed Status = "MISSED"
)

// Valid reports whether s is a known status. The frontend's PAUSED
// display concept is deliberately not part of the lifecycle.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingProof, StatusPendingVerification, StatusCompleted, StatusMissed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusMissed
}

// transitions is the closed set of legal status edges. Rejection
// moves PENDING_VERIFICATION back to PENDING_PROOF; the sweep moves
// either pending state to MISSED.
var transitions = map[Status][]Status{
	StatusPendingProof:        {StatusPendingVerification, StatusMissed},
	StatusPendingVerification: {StatusCompleted, StatusPendingProof, StatusMissed},
}

// CanTransition reports whether the edge from → to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders tasks in list views. It never affects lifecycle
// behavior.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// rank is the sort weight for list ordering (higher sorts first).
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Before reports whether p sorts ahead of other in list views.
func (p Priority) Before(other Priority) bool { return p.rank() > other.rank() }

// Attachment is one proof attachment: an object-store key plus the
// metadata needed to issue a download URL. The engine never touches
// attachment bytes; upload and download go through presigned URLs.
type Attachment struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
}

// Task is a single accountability commitment.
type Task struct {
	ID string `json:"id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// Deadline is stored in UTC. Timezone carries the creator's IANA
	// zone name; the original wall-clock deadline was interpreted in
	// that zone before conversion.
	Deadline time.Time `json:"deadline"`
	Timezone string    `json:"timezone,omitempty"`

	Location string   `json:"location,omitempty"`
	Starred  bool     `json:"starred"`
	Priority Priority `json:"priority"`

	// RepeatRule is the recurrence rule string, stored verbatim.
	// Empty means the task does not repeat.
	RepeatRule string `json:"repeatRule,omitempty"`

	Status Status `json:"status"`

	CreatorID  string `json:"creatorId"`
	VerifierID string `json:"verifierId"`
	ListID     string `json:"listId,omitempty"`

	ProofDescription string       `json:"proofDescription,omitempty"`
	ProofAttachments []Attachment `json:"proofAttachments,omitempty"`

	DenialReason    string `json:"denialReason,omitempty"`
	ApprovalComment string `json:"approvalComment,omitempty"`

	// PenaltyID links the task's penalty record, if one was supplied
	// at creation. Recurrence successors may start without one until
	// the creator registers fresh penalty content.
	PenaltyID string `json:"penaltyId,omitempty"`

	// PenaltyEmailSent is the one-shot flag guarding the penalty
	// exposure notification. Set exactly once, by the sweep.
	PenaltyEmailSent bool `json:"penaltyEmailSent"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	VerifiedAt  *time.Time `json:"verifiedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RejectedAt  *time.Time `json:"rejectedAt,omitempty"`
}

// Penalty is the private content revealed to the verifier when the
// owning task is missed. Content is stored encrypted; Fingerprint is
// a keyed hash of the plaintext computed before encryption, used for
// reuse detection.
type Penalty struct {
	ID      string `json:"id"`
	TaskID  string `json:"taskId"`
	OwnerID string `json:"ownerId"`

	// Ciphertext is the base64-encoded age ciphertext of the
	// compressed plaintext content. Empty when the penalty consists
	// of attachments only.
	Ciphertext  string `json:"-"`
	Fingerprint string `json:"fingerprint,omitempty"`

	// Exposed is monotonic: false until the task is swept to MISSED,
	// then true forever.
	Exposed   bool       `json:"exposed"`
	ExposedAt *time.Time `json:"exposedAt,omitempty"`

	Attachments []PenaltyAttachment `json:"attachments,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// PenaltyAttachment is one encrypted penalty attachment with its own
// plaintext fingerprint.
type PenaltyAttachment struct {
	ID          string `json:"id"`
	PenaltyID   string `json:"penaltyId"`
	Name        string `json:"name"`
	Ciphertext  string `json:"-"`
	Fingerprint string `json:"fingerprint"`
}

// VerifierRelationship links a user to a verifier they trust. The
// link is independent of any single task; it is consulted when
// assigning a verifier and when fanning out presence events.
type VerifierRelationship struct {
	UserID     string    `json:"userId"`
	VerifierID string    `json:"verifierId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewID returns a fresh opaque identifier.
func NewID() string { return uuid.NewString() }
