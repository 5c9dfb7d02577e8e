// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package task defines the Holdfast accountability data model: tasks,
// penalties, and verifier relationships.
//
// A task is a commitment by a creator to finish something by a
// deadline, with a second user (the verifier) approving proof of
// completion. A private penalty attached at creation is revealed to
// the verifier only if the deadline passes unmet.
//
// Status is a four-state machine; all transitions flow through the
// engine package, which enforces the edges declared by CanTransition.
package task
