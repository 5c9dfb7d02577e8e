// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault stores penalty content encrypted at rest. Penalty
// text and attachments are fingerprinted over their plaintext,
// compressed, and age-encrypted before they reach the database, so a
// penalty is unreadable to everyone (the service operator included)
// until the moment it is exposed to the verifier.
package vault
