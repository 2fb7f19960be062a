// Package version carries build metadata stamped in via -ldflags, with a
// fallback to the Go module build info when built without the stamps.
package version

import "runtime/debug"

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
)

// String renders the version for --version output and the health endpoint.
func String() string {
	v := Version
	c := Commit
	if v == "" || c == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if v == "" && info.Main.Version != "" {
				v = info.Main.Version
			}
			for _, kv := range info.Settings {
				if c == "" && kv.Key == "vcs.revision" {
					c = kv.Value
				}
			}
		}
	}
	if v == "" {
		v = "devel"
	}
	if c == "" {
		return v
	}
	if len(c) > 12 {
		c = c[:12]
	}
	return v + " (" + c + ")"
}
