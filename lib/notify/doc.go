// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify renders and delivers out-of-band notifications:
// penalty exposure mail to the verifier, proof lifecycle updates, and
// verifier-change notices. Delivery is fire-and-forget; the engine
// never blocks on or inspects delivery results.
package notify
