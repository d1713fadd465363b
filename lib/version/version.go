// Copyright 2026 The Rast Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of rast binaries.
package version

import "runtime/debug"

// Version is overridden at release build time via
// -ldflags "-X github.com/rastsh/rast-go/lib/version.Version=v1.2.3".
var Version = "dev"

// Info returns the human-readable version string, falling back to VCS
// revision information embedded by the Go toolchain for dev builds.
func Info() string {
	if Version != "dev" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	revision := ""
	dirty := false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if revision == "" {
		return Version
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if dirty {
		revision += "-dirty"
	}
	return "dev-" + revision
}
