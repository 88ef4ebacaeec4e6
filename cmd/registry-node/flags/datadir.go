package flags

import (
	"os"
	"path/filepath"
	"runtime"
)

// defaultDataDir returns a platform-appropriate default data directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "PohwRegistry")
	case "windows":
		return filepath.Join(home, "AppData", "Local", "PohwRegistry")
	default:
		return filepath.Join(home, ".pohw-registry")
	}
}
