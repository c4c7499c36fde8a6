package version

import (
	"fmt"
	"runtime"
)

// Build-time variables, set via -ldflags "-X github.com/alvmarrod/shelf-weaver/internal/version.Version=..."
var (
	Version = "0.3.0-dev"
	Commit  = "unknown"
)

// Full returns a single line with version, commit and platform
func Full() string {
	return fmt.Sprintf("shelf-weaver %s (commit %s, %s, %s/%s)",
		Version, Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
