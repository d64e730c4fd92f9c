package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Paths is the canonical runtime folder layout under the configured db
// path. Populated by EnsureStateDirs at startup; other packages read it
// through PathsVar.
type Paths struct {
	DB        string
	Store     string
	State     string
	Audit     string
	Retention string
	Telemetry string
	Tmp       string
}

var (
	pathsMu  sync.RWMutex
	pathsVar Paths
)

// PathsVar returns the resolved runtime paths. Zero until EnsureStateDirs
// ran.
func PathsVar() Paths {
	pathsMu.RLock()
	defer pathsMu.RUnlock()
	return pathsVar
}

func layout(dbPath string) Paths {
	statePath := filepath.Join(dbPath, "state")
	return Paths{
		DB:        dbPath,
		Store:     filepath.Join(dbPath, "store"),
		State:     statePath,
		Audit:     filepath.Join(statePath, "audit"),
		Retention: filepath.Join(statePath, "retention"),
		Telemetry: filepath.Join(statePath, "telemetry"),
		Tmp:       filepath.Join(statePath, "tmp"),
	}
}

// EnsureStateDirs ensures the canonical runtime folder layout exists under
// the provided db path. It verifies paths are not symlinks, have
// restrictive permissions and are writable by the process, then publishes
// the layout via PathsVar.
func EnsureStateDirs(dbPath string) error {
	p := layout(dbPath)
	for _, dir := range []string{p.Store, p.Audit, p.Retention, p.Telemetry, p.Tmp} {
		// ensure parent exists
		if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", dir, err)
		}

		// if path exists, reject symlinks and non-directories
		if fi, err := os.Lstat(dir); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", dir)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", dir)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode (group/other write): %s", dir)
			}
		}

		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", dir, err)
		}

		// double-check no symlink appeared after creation
		if fi, err := os.Lstat(dir); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink after creation: %s", dir)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode after creation: %s", dir)
			}
		}

		// writability check: create and remove a temp file
		tmp, err := os.CreateTemp(dir, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", dir, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	pathsMu.Lock()
	pathsVar = p
	pathsMu.Unlock()
	return nil
}
