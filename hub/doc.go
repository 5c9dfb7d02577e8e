// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub is the presence and notification hub: it tracks live
// client connections per user, fans out real-time events, and
// broadcasts online/offline status to everyone linked to a user by a
// verifier relationship.
//
// The wire protocol is newline-delimited JSON text frames over a
// plain TCP connection. The first inbound frame must authenticate
// with a signed identity token; every later inbound frame is a
// control request. Outbound frames are the closed event union from
// lib/schema/event, serialized as {"type": <tag>, "payload": <variant>}.
//
// The registry is keyed by user ID. Each user's entry synchronizes
// its own session set, so connect, disconnect, and send traffic for
// unrelated users never contend on a shared lock. Outbound delivery
// is best-effort: a session whose send buffer is full drops the frame
// and the client reconciles by re-fetching on reconnect.
package hub
