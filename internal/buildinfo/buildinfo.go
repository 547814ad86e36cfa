// Package buildinfo reports what parley binary is running.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped with -ldflags "-X github.com/nugget/parley/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Field is one labelled line of version output.
type Field struct {
	Key   string
	Value string
}

// Fields returns the build metadata in display order.
func Fields() []Field {
	return []Field{
		{"version", Version},
		{"git_commit", GitCommit},
		{"git_branch", GitBranch},
		{"build_time", BuildTime},
		{"go_version", runtime.Version()},
		{"os", runtime.GOOS},
		{"arch", runtime.GOARCH},
	}
}

// Info returns the build metadata plus current uptime, keyed for JSON.
func Info() map[string]string {
	info := make(map[string]string, 8)
	for _, f := range Fields() {
		info[f.Key] = f.Value
	}
	info["uptime"] = Uptime().String()
	return info
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String is the startup banner, e.g. "parley v1.2.0 (abc123@main) built 2026-01-02".
func String() string {
	return fmt.Sprintf("parley %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
