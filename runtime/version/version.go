// Package version returns the version string for the currently running
// process.
package version

import (
	"fmt"
	"time"
)

// The value of these vars are set through linker options.
var (
	gitCommit = "Local build"
	buildDate = "Moments ago"
	gitTag    = "Unknown"
)

// Version returns the full version string of this build.
func Version() string {
	if buildDate == "{DATE}" {
		buildDate = time.Now().Format(time.RFC3339)
	}
	return fmt.Sprintf("Registry/%s/%s. Built at: %s", gitTag, gitCommit, buildDate)
}
