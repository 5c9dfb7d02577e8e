// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package objectstore issues short-lived signed URLs for proof and
// penalty attachments. The engine never moves attachment bytes
// itself; clients upload to and download from the object store
// directly, authorized by an HMAC signature over the key, the
// operation, and the expiry.
package objectstore
