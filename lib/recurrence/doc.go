// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package recurrence computes successor deadlines for repeating
// tasks.
//
// A rule is a compact semicolon-separated string, a small subset of
// RFC 5545 RRULE syntax:
//
//	FREQ=DAILY|WEEKLY|MONTHLY|YEARLY   required
//	INTERVAL=n                         optional, default 1
//	BYDAY=MO,TU,WE,TH,FR,SA,SU         optional, WEEKLY only
//	COUNT=n                            optional end condition
//	UNTIL=RFC3339 timestamp            optional end condition
//
// COUNT and UNTIL are mutually exclusive. Parse validates the string;
// Next computes the first occurrence strictly after a given time,
// honoring the end condition; DecrementCount consumes one occurrence
// from a counted rule. Both Next and DecrementCount signal exhaustion
// so callers can consult either check before spawning a successor.
package recurrence
