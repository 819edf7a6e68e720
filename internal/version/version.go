// Package version renders the `--version` line for wristlink binaries.
package version

import (
	"runtime/debug"
	"strings"
)

// placeholder reports values the build left at their ldflags defaults.
func placeholder(v string) bool {
	return v == "" || v == "dev" || v == "unknown" || v == "(devel)"
}

// String combines ldflags-injected version metadata with module build info.
// Injected values win; build info fills whatever the build skipped.
func String(version, commit, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if placeholder(v) && !placeholder(info.Main.Version) {
			v = strings.TrimSpace(info.Main.Version)
		}
		if placeholder(c) {
			c = vcsSetting(info, "vcs.revision")
		}
		if placeholder(d) {
			d = vcsSetting(info, "vcs.time")
		}
	}

	if placeholder(v) {
		v = "dev"
	}
	out := v
	if !placeholder(c) {
		out += " (" + c + ")"
	}
	if !placeholder(d) {
		out += " " + d
	}
	return out
}

func vcsSetting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
