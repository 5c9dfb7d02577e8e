// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Production code accepts a Clock instead of calling time.Now,
// time.After, time.NewTicker, or time.AfterFunc directly. Real()
// provides standard library behavior; Fake() provides a deterministic
// clock for tests that advances only when Advance is called.
//
// Deadline math in the engine and the sweep loop depends entirely on
// Clock.Now, so a test can place a task deadline one second in the
// future, advance the fake clock past it, and observe the sweep fire
// without sleeping.
package clock
