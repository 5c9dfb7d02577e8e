// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema holds the shared data model: the task and penalty
// records in [task], and the real-time event union in [event]. It
// sits below the store, vault, engine, and hub so all of them agree
// on one set of types without importing each other.
package schema
