// Package workdir manages the per-workflow and per-step working
// directories: creation, best-effort cleanup, and path confinement.
package workdir

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/cyverse-de/workflow-engine/common"
)

var log = common.Log

// Manager creates and scopes directories under a single configured run
// area; every workflow lives at <run area>/<id>.
type Manager struct {
	runArea string
}

// New creates a Manager rooted at runArea, creating it if necessary.
func New(runArea string) (*Manager, error) {
	if err := os.MkdirAll(runArea, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating run area %q", runArea)
	}
	return &Manager{runArea: runArea}, nil
}

// NewID generates a 32-hex-character, 128-bit-entropy workflow ID.
func NewID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generating workflow id")
	}
	return hex.EncodeToString(buf), nil
}

// Root returns the workflow root directory for id, creating it if it does
// not already exist. The caller is guaranteed the result is a path under
// the manager's run area; it is absolute when the run area is, since the
// run area is not made absolute.
func (m *Manager) Root(id string) (string, error) {
	root := filepath.Join(m.runArea, id)
	confined, err := common.Confine(m.runArea, root)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(confined, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating workflow root %q", confined)
	}
	return confined, nil
}

// StepDir returns the working directory for command within the workflow
// rooted at root, creating it if absent and best-effort clearing its
// contents if it already existed: cleanup failures are logged and
// ignored, never propagated as a workflow failure.
func (m *Manager) StepDir(root, command string) (string, error) {
	confinedRoot, err := common.Confine(m.runArea, root)
	if err != nil {
		return "", err
	}

	stepDir := filepath.Join(confinedRoot, command)
	confined, err := common.Confine(m.runArea, stepDir)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(confined)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(confined, 0o755); err != nil {
			return "", errors.Wrapf(err, "creating step directory %q", confined)
		}
	case err != nil:
		return "", errors.Wrapf(err, "stat'ing step directory %q", confined)
	case !info.IsDir():
		return "", errors.Errorf("step path %q exists and is not a directory", confined)
	default:
		clearDirectoryBestEffort(confined)
	}

	return confined, nil
}

// ConfinePath validates that path, once resolved against the workflow
// root, does not escape it. Used to reject parameter values crafted to
// traverse outside the workflow (e.g. "../../etc").
func (m *Manager) ConfinePath(root, path string) (string, error) {
	confinedRoot, err := common.Confine(m.runArea, root)
	if err != nil {
		return "", err
	}
	return common.Confine(confinedRoot, path)
}

func clearDirectoryBestEffort(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warnf("unable to list directory %q for cleanup: %v", dir, err)
		return
	}

	for _, entry := range entries {
		target := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			log.Warnf("ignoring error while cleaning up %q: %v", target, err)
		}
	}
}
