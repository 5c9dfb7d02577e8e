// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/holdfast-systems/holdfast/lib/schema/task"
	"github.com/holdfast-systems/holdfast/lib/sqlitepool"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "store.db"),
		PoolSize:  2,
		OnConnect: Schema,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return New(pool)
}

var testNow = time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

func sampleTask(id string) *task.Task {
	return &task.Task{
		ID:         id,
		Title:      "file the quarterly report",
		Deadline:   testNow.Add(48 * time.Hour),
		Timezone:   "Europe/Berlin",
		Priority:   task.PriorityHigh,
		Status:     task.StatusPendingProof,
		CreatorID:  "user-creator",
		VerifierID: "user-verifier",
		PenaltyID:  "pen-" + id,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := sampleTask("t1")
	in.Starred = true
	in.ProofAttachments = []task.Attachment{{Key: "k1", Name: "receipt.pdf", ContentType: "application/pdf"}}
	submitted := testNow.Add(time.Hour)
	in.SubmittedAt = &submitted

	if err := s.CreateTask(ctx, in); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	out, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if out.Title != in.Title || out.Status != in.Status || !out.Starred {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if !out.Deadline.Equal(in.Deadline) {
		t.Errorf("deadline = %v, want %v", out.Deadline, in.Deadline)
	}
	if len(out.ProofAttachments) != 1 || out.ProofAttachments[0].Key != "k1" {
		t.Errorf("proof attachments = %+v", out.ProofAttachments)
	}
	if out.SubmittedAt == nil || !out.SubmittedAt.Equal(submitted) {
		t.Errorf("submittedAt = %v, want %v", out.SubmittedAt, submitted)
	}
	if out.VerifiedAt != nil {
		t.Errorf("verifiedAt = %v, want nil", out.VerifiedAt)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveTaskGuarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, sampleTask("t2")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	loaded, err := s.GetTask(ctx, "t2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	loaded.Status = task.StatusPendingVerification
	loaded.ProofDescription = "done, see photo"
	if err := s.SaveTaskGuarded(ctx, &loaded, task.StatusPendingProof); err != nil {
		t.Fatalf("SaveTaskGuarded: %v", err)
	}

	// A second writer holding the stale status loses.
	stale := loaded
	stale.Status = task.StatusMissed
	err = s.SaveTaskGuarded(ctx, &stale, task.StatusPendingProof)
	if !errors.Is(err, ErrGuardFailed) {
		t.Fatalf("stale guarded update err = %v, want ErrGuardFailed", err)
	}

	final, err := s.GetTask(ctx, "t2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != task.StatusPendingVerification {
		t.Errorf("status = %s, want PENDING_VERIFICATION", final.Status)
	}
}

func TestMarkPenaltyEmailSentOneShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, sampleTask("t3")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	won, err := s.MarkPenaltyEmailSent(ctx, "t3")
	if err != nil || !won {
		t.Fatalf("first mark: won=%v err=%v, want true nil", won, err)
	}
	won, err = s.MarkPenaltyEmailSent(ctx, "t3")
	if err != nil || won {
		t.Fatalf("second mark: won=%v err=%v, want false nil", won, err)
	}
}

func TestTasksDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	overdue := sampleTask("due")
	overdue.Deadline = testNow.Add(-time.Hour)
	future := sampleTask("future")
	future.Deadline = testNow.Add(time.Hour)
	missed := sampleTask("missed")
	missed.Deadline = testNow.Add(-2 * time.Hour)
	missed.Status = task.StatusMissed
	boundary := sampleTask("boundary")
	boundary.Deadline = testNow

	for _, in := range []*task.Task{overdue, future, missed, boundary} {
		in.PenaltyID = "pen-" + in.ID
		if err := s.CreateTask(ctx, in); err != nil {
			t.Fatalf("CreateTask(%s): %v", in.ID, err)
		}
	}

	due, err := s.TasksDue(ctx, []task.Status{task.StatusPendingProof, task.StatusPendingVerification}, testNow)
	if err != nil {
		t.Fatalf("TasksDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Errorf("due = %+v, want exactly [due]", due)
	}
}

func TestPenaltyRoundTripAndExpose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &task.Penalty{
		ID:          "p1",
		TaskID:      "t1",
		OwnerID:     "user-creator",
		Ciphertext:  "b64cipher",
		Fingerprint: "fp-content",
		CreatedAt:   testNow,
		Attachments: []task.PenaltyAttachment{
			{ID: "pa1", Name: "proof.jpg", Ciphertext: "b64att", Fingerprint: "fp-att"},
		},
	}
	if err := s.CreatePenalty(ctx, in); err != nil {
		t.Fatalf("CreatePenalty: %v", err)
	}

	out, err := s.GetPenaltyByTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetPenaltyByTask: %v", err)
	}
	if out.Fingerprint != "fp-content" || out.Exposed {
		t.Errorf("penalty = %+v", out)
	}
	if len(out.Attachments) != 1 || out.Attachments[0].Fingerprint != "fp-att" {
		t.Errorf("attachments = %+v", out.Attachments)
	}

	won, err := s.SetPenaltyExposed(ctx, "p1", testNow)
	if err != nil || !won {
		t.Fatalf("first expose: won=%v err=%v", won, err)
	}
	won, err = s.SetPenaltyExposed(ctx, "p1", testNow.Add(time.Minute))
	if err != nil || won {
		t.Fatalf("second expose: won=%v err=%v, want false nil (monotonic)", won, err)
	}

	exposed, err := s.GetPenalty(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPenalty: %v", err)
	}
	if !exposed.Exposed || exposed.ExposedAt == nil || !exposed.ExposedAt.Equal(testNow) {
		t.Errorf("exposed penalty = %+v", exposed)
	}
}

func TestExposedFingerprintExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exposedPenalty := &task.Penalty{
		ID: "p-exposed", TaskID: "t-a", OwnerID: "alice",
		Fingerprint: "fp-used", CreatedAt: testNow,
		Attachments: []task.PenaltyAttachment{
			{ID: "pa-x", Name: "x", Ciphertext: "c", Fingerprint: "fp-att-used"},
		},
	}
	privatePenalty := &task.Penalty{
		ID: "p-private", TaskID: "t-b", OwnerID: "alice",
		Fingerprint: "fp-private", CreatedAt: testNow,
	}
	for _, p := range []*task.Penalty{exposedPenalty, privatePenalty} {
		if err := s.CreatePenalty(ctx, p); err != nil {
			t.Fatalf("CreatePenalty(%s): %v", p.ID, err)
		}
	}
	if _, err := s.SetPenaltyExposed(ctx, "p-exposed", testNow); err != nil {
		t.Fatalf("SetPenaltyExposed: %v", err)
	}

	tests := []struct {
		name         string
		owner        string
		fingerprints []string
		want         bool
	}{
		{"exposed_content_match", "alice", []string{"fp-used"}, true},
		{"exposed_attachment_match", "alice", []string{"fp-att-used"}, true},
		{"private_reuse_allowed", "alice", []string{"fp-private"}, false},
		{"other_user_unaffected", "bob", []string{"fp-used"}, false},
		{"no_match", "alice", []string{"fp-fresh"}, false},
		{"empty_set", "alice", nil, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := s.ExposedFingerprintExists(ctx, test.owner, test.fingerprints)
			if err != nil {
				t.Fatalf("ExposedFingerprintExists: %v", err)
			}
			if got != test.want {
				t.Errorf("got %v, want %v", got, test.want)
			}
		})
	}
}

func TestVerifierRelationships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddVerifierRelationship(ctx, "alice", "victor", testNow); err != nil {
		t.Fatalf("AddVerifierRelationship: %v", err)
	}
	// Idempotent re-add.
	if err := s.AddVerifierRelationship(ctx, "alice", "victor", testNow); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if err := s.AddVerifierRelationship(ctx, "carol", "alice", testNow); err != nil {
		t.Fatalf("AddVerifierRelationship: %v", err)
	}

	has, err := s.HasVerifierRelationship(ctx, "alice", "victor")
	if err != nil || !has {
		t.Fatalf("HasVerifierRelationship(alice, victor) = %v, %v", has, err)
	}

	related, err := s.RelatedUsers(ctx, "alice")
	if err != nil {
		t.Fatalf("RelatedUsers: %v", err)
	}
	want := map[string]bool{"victor": true, "carol": true}
	if len(related) != 2 || !want[related[0]] || !want[related[1]] {
		t.Errorf("RelatedUsers(alice) = %v, want victor and carol", related)
	}

	if err := s.RemoveVerifierRelationship(ctx, "alice", "victor"); err != nil {
		t.Fatalf("RemoveVerifierRelationship: %v", err)
	}
	has, err = s.HasVerifierRelationship(ctx, "alice", "victor")
	if err != nil || has {
		t.Fatalf("after remove: has=%v err=%v, want false nil", has, err)
	}
}
