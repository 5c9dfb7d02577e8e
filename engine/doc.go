// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine owns the task lifecycle: creation, proof submission,
// verification, deadline sweeping, and recurrence rescheduling. Every
// status transition is a guarded compare-and-set against the expected
// prior status; when a submit and a sweep race, exactly one wins and
// the loser no-ops. Side effects (hub events, notifications) fire
// only after the row is committed, and never under a lock.
package engine
