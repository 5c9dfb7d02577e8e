// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable repository for tasks, penalties, and
// verifier relationships, backed by SQLite through lib/sqlitepool.
//
// Status transitions go through SaveTaskGuarded, a single-record
// compare-and-set conditioned on the expected prior status. This is
// the engine's only concurrency-correctness mechanism: when a submit
// and a sweep race on the same task, exactly one guarded update
// applies and the loser observes ErrGuardFailed. One-shot flags
// (penalty exposure, penalty-email-sent) use the same shape, guarded
// on the flag's prior value.
package store
