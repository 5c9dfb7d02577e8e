// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/holdfast-systems/holdfast/lib/notify"
	"github.com/holdfast-systems/holdfast/lib/schema/event"
	"github.com/holdfast-systems/holdfast/lib/schema/task"
	"github.com/holdfast-systems/holdfast/lib/secret"
	"github.com/holdfast-systems/holdfast/lib/store"
)

// SweepReport summarizes one sweep run.
type SweepReport struct {
	// Scanned is the number of candidate tasks the selection query
	// returned.
	Scanned int

	// Expired is the number of tasks this run transitioned to
	// MISSED. Candidates lost to a concurrent submit or sweep are
	// scanned but not expired.
	Expired int

	// Successors is the number of recurrence successor tasks
	// created.
	Successors int

	// Recovered is the number of penalty exposures completed for
	// tasks missed in an earlier run whose exposure or email did not
	// go out.
	Recovered int

	// Failures is the number of candidates whose processing failed.
	// Failures never abort the batch.
	Failures int
}

// Sweep expires every task whose status is still PENDING_PROOF or
// PENDING_VERIFICATION and whose deadline is strictly before now. It
// is idempotent and safe to run concurrently with itself: already
// MISSED tasks fall out of the selection predicate, and a concurrent
// sweep or submit winning a guarded update turns this run's attempt
// into a no-op. A second, recovery pass finishes penalty exposure for
// tasks that went MISSED in an earlier run without their penalty
// email going out.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	now := e.clock.Now()
	candidates, err := e.store.TasksDue(ctx,
		[]task.Status{task.StatusPendingProof, task.StatusPendingVerification}, now)
	if err != nil {
		return SweepReport{}, fmt.Errorf("selecting expired tasks: %w", err)
	}

	report := SweepReport{Scanned: len(candidates)}
	handled := make(map[string]bool, len(candidates))
	for i := range candidates {
		handled[candidates[i].ID] = true
		expired, successor, err := e.sweepOne(ctx, &candidates[i])
		if expired {
			report.Expired++
		}
		if successor {
			report.Successors++
		}
		if err != nil {
			report.Failures++
			e.logger.Error("sweeping task",
				"task_id", candidates[i].ID, "error", err)
		}
	}

	// Recovery pass. A crash or transient failure between the MISSED
	// transition and the penalty email strands the task outside the
	// due-task predicate; the unsent-email flag finds it again.
	stranded, err := e.store.MissedAwaitingPenalty(ctx)
	if err != nil {
		return report, fmt.Errorf("selecting stranded penalties: %w", err)
	}
	for i := range stranded {
		if handled[stranded[i].ID] {
			// Expired this run; its exposure attempt was already
			// counted above.
			continue
		}
		if err := e.exposePenalty(ctx, &stranded[i]); err != nil {
			report.Failures++
			e.logger.Error("recovering penalty exposure",
				"task_id", stranded[i].ID, "error", err)
			continue
		}
		report.Recovered++
	}

	if report.Scanned > 0 || report.Recovered > 0 {
		e.logger.Info("sweep finished",
			"scanned", report.Scanned,
			"expired", report.Expired,
			"successors", report.Successors,
			"recovered", report.Recovered,
			"failures", report.Failures)
	}
	return report, nil
}

// SweepTask evaluates a single task's deadline immediately, on behalf
// of a client control frame. Only the task's creator or verifier may
// trigger it. A task that is not yet due, or no longer in a pending
// status, is returned unchanged.
func (e *Engine) SweepTask(ctx context.Context, taskID, callerID string) (*task.Task, error) {
	t, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if callerID != t.CreatorID && callerID != t.VerifierID {
		return nil, &NotAuthorizedError{Action: "check this task's deadline"}
	}

	now := e.clock.Now()
	if t.Status.Terminal() || !t.Deadline.Before(now) {
		return &t, nil
	}

	if _, _, err := e.sweepOne(ctx, &t); err != nil {
		return nil, err
	}

	fresh, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &fresh, nil
}

// sweepOne transitions one overdue task to MISSED with a guarded
// update, exposes its penalty, sends the one-shot penalty email, and
// spawns a recurrence successor. Reports whether this call expired
// the task and whether a successor was created.
func (e *Engine) sweepOne(ctx context.Context, t *task.Task) (expired, spawned bool, err error) {
	now := e.clock.Now()
	previous := t.Status

	t.Status = task.StatusMissed
	t.UpdatedAt = now

	err = e.store.SaveTaskGuarded(ctx, t, previous)
	if errors.Is(err, store.ErrGuardFailed) {
		// A concurrent submit, review, or sweep got there first. The
		// row is whatever the winner left; nothing to do.
		t.Status = previous
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("marking task missed: %w", err)
	}

	e.logger.Info("task missed",
		"task_id", t.ID,
		"was", string(previous),
		"deadline", t.Deadline)

	e.sink.SendToUser(t.CreatorID, event.TaskUpdated{Task: *t})
	e.sink.SendToUser(t.VerifierID, event.TaskUpdated{Task: *t})

	if t.PenaltyID != "" {
		if err := e.exposePenalty(ctx, t); err != nil {
			// The transition is committed; the next sweep's recovery
			// pass retries exposure via the unsent-email flag.
			return true, false, fmt.Errorf("exposing penalty: %w", err)
		}
	}

	if successor := e.spawnSuccessor(ctx, t, now); successor != nil {
		e.sink.SendToUser(successor.VerifierID, event.NewTaskAssigned{Task: *successor})
		e.sink.SendToUser(successor.CreatorID, event.TaskUpdated{Task: *successor})
		spawned = true
	}
	return true, spawned, nil
}

// exposePenalty decrypts the task's penalty and, exactly once per
// task, mails it to the verifier. The one-shot guard is a dedicated
// flag update so a sweep retry after a crash between expose and mail
// still sends the mail, and two concurrent sweeps never send it
// twice.
func (e *Engine) exposePenalty(ctx context.Context, t *task.Task) error {
	exposed, err := e.vault.Expose(ctx, t.PenaltyID)
	if err != nil {
		return err
	}

	won, err := e.store.MarkPenaltyEmailSent(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("marking penalty email sent: %w", err)
	}
	if !won {
		return nil
	}

	urls := make([]string, 0, len(exposed.Attachments))
	for _, attachment := range exposed.Attachments {
		key := "penalties/" + exposed.PenaltyID + "/" + attachment.ID
		url, err := e.objects.DownloadURL(key, e.downloadTTL)
		if err != nil {
			e.logger.Error("signing penalty attachment URL",
				"penalty_id", exposed.PenaltyID, "attachment", attachment.Name, "error", err)
		} else {
			urls = append(urls, url)
		}
		// Only the signed link goes into the mail; the decrypted
		// attachment bytes are not needed past this point.
		secret.Zero(attachment.Data)
	}

	e.deliver(ctx, notify.KindPenaltyExposed, t.VerifierID, map[string]any{
		"CreatorName":    t.CreatorID,
		"TaskTitle":      t.Title,
		"PenaltyContent": exposed.Content,
		"AttachmentURLs": urls,
	})
	return nil
}
