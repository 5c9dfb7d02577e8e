// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity mints and verifies the signed tokens clients
// present when connecting to the hub. A token is a CBOR-encoded
// payload followed by a 64-byte Ed25519 signature over that payload.
// The signing keypair lives in the service state directory.
package identity
