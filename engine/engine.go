// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holdfast-systems/holdfast/lib/clock"
	"github.com/holdfast-systems/holdfast/lib/notify"
	"github.com/holdfast-systems/holdfast/lib/objectstore"
	"github.com/holdfast-systems/holdfast/lib/recurrence"
	"github.com/holdfast-systems/holdfast/lib/schema/event"
	"github.com/holdfast-systems/holdfast/lib/schema/task"
	"github.com/holdfast-systems/holdfast/lib/store"
	"github.com/holdfast-systems/holdfast/lib/vault"
)

// Sink receives real-time events for fan-out to a user's live
// connections. Delivery is best-effort: a user with no connections
// drops the event silently.
type Sink interface {
	SendToUser(userID string, evt event.Event)
}

// Params collects the engine's collaborators.
type Params struct {
	Store     *store.Store
	Vault     *vault.Vault
	Sink      Sink
	Notifier  notify.Notifier
	Templates *notify.TemplateSet
	Objects   objectstore.Issuer
	Clock     clock.Clock
	Logger    *slog.Logger

	// DownloadTTL bounds the lifetime of attachment download URLs
	// embedded in penalty-exposure notifications.
	DownloadTTL time.Duration
}

// Engine is the task state machine and deadline sweeper. All status
// transitions go through guarded compare-and-set updates; the engine
// holds no locks of its own.
type Engine struct {
	store       *store.Store
	vault       *vault.Vault
	sink        Sink
	notifier    notify.Notifier
	templates   *notify.TemplateSet
	objects     objectstore.Issuer
	clock       clock.Clock
	logger      *slog.Logger
	downloadTTL time.Duration
}

// New builds an engine from its collaborators.
func New(p Params) *Engine {
	ttl := p.DownloadTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Engine{
		store:       p.Store,
		vault:       p.Vault,
		sink:        p.Sink,
		notifier:    p.Notifier,
		templates:   p.Templates,
		objects:     p.Objects,
		clock:       p.Clock,
		logger:      p.Logger.With("component", "engine"),
		downloadTTL: ttl,
	}
}

// CreateParams is the input to Create.
type CreateParams struct {
	Title       string
	Description string
	Deadline    time.Time
	Timezone    string
	Location    string
	Starred     bool
	Priority    task.Priority
	RepeatRule  string
	ListID      string

	CreatorID  string
	VerifierID string

	PenaltyContent     string
	PenaltyAttachments []vault.Attachment
}

// Create commits a new task. The deadline must be strictly in the
// future, the verifier must be a different user drawn from the
// creator's trusted verifier set, and the penalty must be non-empty
// and not reuse content already exposed for this user.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*task.Task, error) {
	now := e.clock.Now()

	if strings.TrimSpace(p.Title) == "" {
		return nil, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if p.CreatorID == "" {
		return nil, &ValidationError{Field: "creator", Reason: "must not be empty"}
	}
	if p.VerifierID == "" {
		return nil, &ValidationError{Field: "verifier", Reason: "must not be empty"}
	}
	if p.VerifierID == p.CreatorID {
		return nil, &SelfAssignmentError{}
	}
	if !p.Deadline.After(now) {
		return nil, &ValidationError{Field: "deadline", Reason: "must be in the future"}
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return nil, &ValidationError{Field: "timezone", Reason: "unknown timezone"}
		}
	}
	if p.RepeatRule != "" {
		if _, err := recurrence.Parse(p.RepeatRule); err != nil {
			return nil, &ValidationError{Field: "repeatRule", Reason: err.Error()}
		}
	}
	if p.PenaltyContent == "" && len(p.PenaltyAttachments) == 0 {
		return nil, &ValidationError{Field: "penalty", Reason: "content or at least one attachment is required"}
	}

	trusted, err := e.store.HasVerifierRelationship(ctx, p.CreatorID, p.VerifierID)
	if err != nil {
		return nil, fmt.Errorf("checking verifier relationship: %w", err)
	}
	if !trusted {
		return nil, &ValidationError{Field: "verifier", Reason: "not in the creator's trusted verifier set"}
	}

	fingerprints := e.vault.Fingerprints(p.PenaltyContent, p.PenaltyAttachments)
	reused, err := e.vault.CheckReuse(ctx, p.CreatorID, fingerprints)
	if err != nil {
		return nil, fmt.Errorf("checking penalty reuse: %w", err)
	}
	if reused {
		return nil, &PenaltyReuseError{}
	}

	t := &task.Task{
		ID:          task.NewID(),
		Title:       p.Title,
		Description: p.Description,
		Deadline:    p.Deadline.UTC(),
		Timezone:    p.Timezone,
		Location:    p.Location,
		Starred:     p.Starred,
		Priority:    p.Priority,
		RepeatRule:  p.RepeatRule,
		Status:      task.StatusPendingProof,
		CreatorID:   p.CreatorID,
		VerifierID:  p.VerifierID,
		ListID:      p.ListID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	penalty, err := e.vault.Register(ctx, t, p.PenaltyContent, p.PenaltyAttachments)
	if err != nil {
		return nil, fmt.Errorf("registering penalty: %w", err)
	}
	t.PenaltyID = penalty.ID

	if err := e.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting task: %w", err)
	}

	e.logger.Info("task created",
		"task_id", t.ID,
		"creator", t.CreatorID,
		"verifier", t.VerifierID,
		"deadline", t.Deadline)

	e.sink.SendToUser(t.VerifierID, event.NewTaskAssigned{Task: *t})
	return t, nil
}

// SubmitProof records the creator's proof and moves the task to
// PENDING_VERIFICATION. Legal only from PENDING_PROOF and only while
// the deadline has not passed; a task past its deadline belongs to
// the sweeper.
func (e *Engine) SubmitProof(ctx context.Context, taskID, callerID, description string, attachments []task.Attachment) (*task.Task, error) {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if callerID != t.CreatorID {
		return nil, &NotAuthorizedError{Action: "submit proof"}
	}
	if t.Status != task.StatusPendingProof {
		return nil, &IllegalStateTransitionError{TaskID: t.ID, Current: t.Status, Action: "submit proof for"}
	}

	now := e.clock.Now()
	if now.After(t.Deadline) {
		return nil, &DeadlineExpiredError{TaskID: t.ID, Deadline: t.Deadline}
	}

	t.Status = task.StatusPendingVerification
	t.ProofDescription = description
	t.ProofAttachments = attachments
	t.SubmittedAt = &now
	t.UpdatedAt = now

	if err := e.saveGuarded(ctx, &t, task.StatusPendingProof, "submit proof for"); err != nil {
		return nil, err
	}

	e.logger.Info("proof submitted", "task_id", t.ID, "creator", t.CreatorID)

	e.sink.SendToUser(t.CreatorID, event.TaskUpdated{Task: t})
	e.sink.SendToUser(t.VerifierID, event.TaskUpdated{Task: t})
	e.deliver(ctx, notify.KindProofSubmitted, t.VerifierID, map[string]any{
		"CreatorName": t.CreatorID,
		"TaskTitle":   t.Title,
	})
	return &t, nil
}

// ReviewProof approves or rejects submitted proof. Verifier only,
// legal only from PENDING_VERIFICATION. Approval completes the task
// and spawns the next occurrence of a recurring task; rejection
// returns the task to PENDING_PROOF with the proof cleared so the
// creator can resubmit against the same deadline.
func (e *Engine) ReviewProof(ctx context.Context, taskID, callerID string, approve bool, comment string) (*task.Task, error) {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if callerID != t.VerifierID {
		return nil, &NotAuthorizedError{Action: "review proof"}
	}
	if t.Status != task.StatusPendingVerification {
		return nil, &IllegalStateTransitionError{TaskID: t.ID, Current: t.Status, Action: "review proof for"}
	}

	now := e.clock.Now()
	if approve {
		t.Status = task.StatusCompleted
		t.VerifiedAt = &now
		t.CompletedAt = &now
		t.ApprovalComment = comment
	} else {
		t.Status = task.StatusPendingProof
		t.RejectedAt = &now
		t.DenialReason = comment
		t.ProofDescription = ""
		t.ProofAttachments = nil
		t.SubmittedAt = nil
	}
	t.UpdatedAt = now

	if err := e.saveGuarded(ctx, &t, task.StatusPendingVerification, "review proof for"); err != nil {
		return nil, err
	}

	e.logger.Info("proof reviewed",
		"task_id", t.ID,
		"verifier", t.VerifierID,
		"approved", approve)

	e.sink.SendToUser(t.CreatorID, event.TaskUpdated{Task: t})
	e.sink.SendToUser(t.VerifierID, event.TaskUpdated{Task: t})

	if approve {
		e.deliver(ctx, notify.KindProofApproved, t.CreatorID, map[string]any{
			"VerifierName": t.VerifierID,
			"TaskTitle":    t.Title,
			"Comment":      comment,
		})
		if successor := e.spawnSuccessor(ctx, &t, now); successor != nil {
			e.sink.SendToUser(successor.VerifierID, event.NewTaskAssigned{Task: *successor})
			e.sink.SendToUser(successor.CreatorID, event.TaskUpdated{Task: *successor})
		}
	} else {
		e.deliver(ctx, notify.KindProofRejected, t.CreatorID, map[string]any{
			"VerifierName": t.VerifierID,
			"TaskTitle":    t.Title,
			"Reason":       comment,
		})
	}
	return &t, nil
}

// ReassignVerifier changes the task's verifier. Creator only, legal
// from any non-terminal state; the new verifier must differ from the
// creator and be in the creator's trusted verifier set. Both the old
// and the new verifier are notified.
func (e *Engine) ReassignVerifier(ctx context.Context, taskID, callerID, newVerifierID string) (*task.Task, error) {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if callerID != t.CreatorID {
		return nil, &NotAuthorizedError{Action: "reassign verifier"}
	}
	if t.Status.Terminal() {
		return nil, &IllegalStateTransitionError{TaskID: t.ID, Current: t.Status, Action: "reassign verifier for"}
	}
	if newVerifierID == "" {
		return nil, &ValidationError{Field: "verifier", Reason: "must not be empty"}
	}
	if newVerifierID == t.CreatorID {
		return nil, &SelfAssignmentError{}
	}
	trusted, err := e.store.HasVerifierRelationship(ctx, t.CreatorID, newVerifierID)
	if err != nil {
		return nil, fmt.Errorf("checking verifier relationship: %w", err)
	}
	if !trusted {
		return nil, &ValidationError{Field: "verifier", Reason: "not in the creator's trusted verifier set"}
	}

	previousVerifier := t.VerifierID
	t.VerifierID = newVerifierID
	t.UpdatedAt = e.clock.Now()

	if err := e.saveGuarded(ctx, &t, t.Status, "reassign verifier for"); err != nil {
		return nil, err
	}

	e.logger.Info("verifier reassigned",
		"task_id", t.ID,
		"previous", previousVerifier,
		"verifier", t.VerifierID)

	e.sink.SendToUser(t.CreatorID, event.TaskUpdated{Task: t})
	e.sink.SendToUser(previousVerifier, event.TaskUpdated{Task: t})
	e.sink.SendToUser(t.VerifierID, event.NewTaskAssigned{Task: t})
	for _, recipient := range []string{previousVerifier, t.VerifierID} {
		e.deliver(ctx, notify.KindVerifierChanged, recipient, map[string]any{
			"TaskTitle":    t.Title,
			"VerifierName": t.VerifierID,
		})
	}
	return &t, nil
}

// MetadataUpdate names the fields UpdateMetadata may change. Nil
// pointers leave the field untouched.
type MetadataUpdate struct {
	Title       *string
	Description *string
	Deadline    *time.Time
	Location    *string
	Starred     *bool
	Priority    *task.Priority
	ListID      *string
}

// UpdateMetadata applies an administrative edit. Creator only,
// permitted in any state except COMPLETED; never changes status.
// Moving the task to another list is part of this operation.
func (e *Engine) UpdateMetadata(ctx context.Context, taskID, callerID string, update MetadataUpdate) (*task.Task, error) {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if callerID != t.CreatorID {
		return nil, &NotAuthorizedError{Action: "edit task"}
	}
	if t.Status == task.StatusCompleted {
		return nil, &IllegalStateTransitionError{TaskID: t.ID, Current: t.Status, Action: "edit"}
	}

	if update.Title != nil {
		if strings.TrimSpace(*update.Title) == "" {
			return nil, &ValidationError{Field: "title", Reason: "must not be empty"}
		}
		t.Title = *update.Title
	}
	if update.Description != nil {
		t.Description = *update.Description
	}
	if update.Deadline != nil {
		if !update.Deadline.After(e.clock.Now()) {
			return nil, &ValidationError{Field: "deadline", Reason: "must be in the future"}
		}
		t.Deadline = update.Deadline.UTC()
	}
	if update.Location != nil {
		t.Location = *update.Location
	}
	if update.Starred != nil {
		t.Starred = *update.Starred
	}
	if update.Priority != nil {
		t.Priority = *update.Priority
	}
	if update.ListID != nil {
		t.ListID = *update.ListID
	}
	t.UpdatedAt = e.clock.Now()

	if err := e.saveGuarded(ctx, &t, t.Status, "edit"); err != nil {
		return nil, err
	}

	e.sink.SendToUser(t.CreatorID, event.TaskUpdated{Task: t})
	e.sink.SendToUser(t.VerifierID, event.TaskUpdated{Task: t})
	return &t, nil
}

// AddVerifier records a verifier relationship and tells both parties.
func (e *Engine) AddVerifier(ctx context.Context, userID, verifierID string) error {
	if userID == "" || verifierID == "" {
		return &ValidationError{Field: "verifier", Reason: "user and verifier must not be empty"}
	}
	if userID == verifierID {
		return &SelfAssignmentError{}
	}
	if err := e.store.AddVerifierRelationship(ctx, userID, verifierID, e.clock.Now()); err != nil {
		return fmt.Errorf("adding verifier relationship: %w", err)
	}
	evt := event.VerifierAdded{UserID: userID, VerifierID: verifierID}
	e.sink.SendToUser(userID, evt)
	e.sink.SendToUser(verifierID, evt)
	return nil
}

// RemoveVerifier deletes a verifier relationship and tells both
// parties. Removing a relationship does not touch tasks that already
// name this verifier.
func (e *Engine) RemoveVerifier(ctx context.Context, userID, verifierID string) error {
	if err := e.store.RemoveVerifierRelationship(ctx, userID, verifierID); err != nil {
		return fmt.Errorf("removing verifier relationship: %w", err)
	}
	evt := event.VerifierRemoved{UserID: userID, VerifierID: verifierID}
	e.sink.SendToUser(userID, evt)
	e.sink.SendToUser(verifierID, evt)
	return nil
}

// loadTask fetches a task and maps the store's not-found sentinel to
// the engine's error kind.
func (e *Engine) loadTask(ctx context.Context, taskID string) (task.Task, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return task.Task{}, &NotFoundError{Kind: "task", ID: taskID}
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	return t, nil
}

// saveGuarded persists a transition conditioned on the status the
// caller read. A guard failure means a concurrent operation won the
// race; the caller's view is stale and the stored row reflects the
// winner, so the loser surfaces the fresh status and changes nothing.
func (e *Engine) saveGuarded(ctx context.Context, t *task.Task, expected task.Status, action string) error {
	err := e.store.SaveTaskGuarded(ctx, t, expected)
	if errors.Is(err, store.ErrGuardFailed) {
		current, loadErr := e.store.GetTask(ctx, t.ID)
		if loadErr != nil {
			return &IllegalStateTransitionError{TaskID: t.ID, Current: expected, Action: action}
		}
		return &IllegalStateTransitionError{TaskID: t.ID, Current: current.Status, Action: action}
	}
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	return nil
}

// spawnSuccessor creates the next occurrence of a recurring task in
// PENDING_PROOF. Returns nil when the task does not recur, the rule
// is exhausted, or the next occurrence falls outside the rule's end
// condition. The successor carries no penalty: the fresh penalty
// requirement is the creator's to fulfill. A malformed rule is logged
// and treated as non-recurring; the committed transition stands.
func (e *Engine) spawnSuccessor(ctx context.Context, t *task.Task, now time.Time) *task.Task {
	if t.RepeatRule == "" {
		return nil
	}
	rule, err := recurrence.Parse(t.RepeatRule)
	if err != nil {
		e.logger.Error("malformed repeat rule on stored task",
			"task_id", t.ID, "rule", t.RepeatRule, "error", err)
		return nil
	}

	next, ok := rule.Next(t.Deadline)
	if !ok {
		return nil
	}
	remaining, ok := rule.DecrementCount()
	if !ok {
		return nil
	}

	successor := &task.Task{
		ID:          task.NewID(),
		Title:       t.Title,
		Description: t.Description,
		Deadline:    next.UTC(),
		Timezone:    t.Timezone,
		Location:    t.Location,
		Starred:     t.Starred,
		Priority:    t.Priority,
		RepeatRule:  remaining.String(),
		Status:      task.StatusPendingProof,
		CreatorID:   t.CreatorID,
		VerifierID:  t.VerifierID,
		ListID:      t.ListID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.store.CreateTask(ctx, successor); err != nil {
		e.logger.Error("persisting successor task",
			"task_id", t.ID, "successor_id", successor.ID, "error", err)
		return nil
	}

	e.logger.Info("recurrence successor created",
		"task_id", t.ID,
		"successor_id", successor.ID,
		"deadline", successor.Deadline,
		"rule", successor.RepeatRule)
	return successor
}

// deliver renders a notification and hands it to the notifier on a
// separate goroutine. Render failures are logged and dropped; the
// engine never blocks on or inspects delivery.
func (e *Engine) deliver(ctx context.Context, kind notify.Kind, recipient string, data map[string]any) {
	message, err := e.templates.Render(kind, recipient, data)
	if err != nil {
		e.logger.Error("rendering notification", "kind", string(kind), "error", err)
		return
	}
	background := context.WithoutCancel(ctx)
	go e.notifier.Deliver(background, message)
}
