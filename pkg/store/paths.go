package store

import (
	"os"
	"path/filepath"
)

const appDirName = "vacuumd"

// DefaultDir resolves the platform's per-user local data directory for
// vacuumd (spec §6). There is no dedicated XDG-directories library
// anywhere in the retrieval pack (every example that needs a data
// directory takes it from its own config instead), so this uses the
// minimal stdlib primitive: os.UserHomeDir plus a fixed, conventional
// suffix.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", appDirName), nil
}
