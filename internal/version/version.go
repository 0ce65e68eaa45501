/*
Copyright (C) 2026 Query Radio Contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

// Version is the current version of Query Radio.
// This is set at build time via ldflags:
//
//	-X github.com/queryradio/queryradio/internal/version.Version=X.Y.Z
var Version = "0.1.0"
