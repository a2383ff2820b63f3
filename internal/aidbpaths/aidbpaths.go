// Package aidbpaths resolves the well-known filesystem locations where aidb
// keeps per-installation state shared across processes.
package aidbpaths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ai-debugger-inc/aidb/pkg/osutil"
)

const (
	// StateDirEnvVar overrides the default state directory.
	// Parallel test runners point this at isolated directories.
	StateDirEnvVar = "AIDB_STATE_DIR"

	userDirName = ".aidb"

	// PortRecordFileName is the shared record of allocated adapter ports.
	PortRecordFileName = "ports.records"

	// PortLockFileName is the zero-content companion lock file guarding the
	// port record. Never parsed, only flock'ed.
	PortLockFileName = "ports.lock"
)

// StateDir returns the directory holding cross-process shared state,
// creating it if needed. The directory is owner-only: the record file
// contents include PIDs and session identities.
func StateDir() (string, error) {
	dir, found := os.LookupEnv(StateDirEnvVar)
	if !found || dir == "" {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return "", fmt.Errorf("could not determine aidb state directory: %w", homeErr)
		}
		dir = filepath.Join(home, userDirName)
	}

	absDir, absErr := filepath.Abs(dir)
	if absErr != nil {
		return "", fmt.Errorf("could not resolve aidb state directory %q: %w", dir, absErr)
	}

	if mkdirErr := os.MkdirAll(absDir, osutil.PermissionOnlyOwnerAll); mkdirErr != nil {
		return "", fmt.Errorf("could not create aidb state directory %q: %w", absDir, mkdirErr)
	}

	return absDir, nil
}

// PortRecordPath returns the absolute path of the shared port record file.
func PortRecordPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, PortRecordFileName), nil
}

// PortLockPath returns the absolute path of the port record's companion
// lock file.
func PortLockPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, PortLockFileName), nil
}
