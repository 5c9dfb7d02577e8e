// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the holdfast
// engine.
//
// Configuration is loaded from a single file specified by either the
// HOLDFAST_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${HOLDFAST_ROOT}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// This package depends on no other holdfast packages.
package config
