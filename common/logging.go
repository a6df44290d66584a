// Package common holds small helpers shared across the workflow engine's
// packages: the logging handle and path-confinement utilities.
package common

import (
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the package-wide logging handle. Every package sets its own
// `var log = common.Log` and attaches fields as needed, mirroring how the
// rest of the engine's packages are structured.
var Log = logrus.WithField("service", "workflow-engine")

// SetupLogging parses level and applies it to the underlying logrus logger.
// An unrecognized level falls back to "warn" rather than failing startup.
func SetupLogging(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.WarnLevel
	}
	logrus.SetLevel(parsed)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Confine returns the cleaned form of path (joined onto root when path is
// relative) and an error if it does not fall under root once cleaned. The
// result is absolute only when root or path is; neither is made absolute. Used by the working-directory manager to
// refuse parameter values that attempt to traverse outside a workflow's root.
func Confine(root, path string) (string, error) {
	cleanRoot := filepath.Clean(root)
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		cleanPath = filepath.Join(cleanRoot, cleanPath)
		cleanPath = filepath.Clean(cleanPath)
	}

	if cleanPath != cleanRoot && !strings.HasPrefix(cleanPath, cleanRoot+string(filepath.Separator)) {
		return "", &ConfinementError{Root: cleanRoot, Path: cleanPath}
	}
	return cleanPath, nil
}

// ConfinementError is returned by Confine when a path escapes its root.
type ConfinementError struct {
	Root string
	Path string
}

func (e *ConfinementError) Error() string {
	return "path \"" + e.Path + "\" is not confined to root \"" + e.Root + "\""
}
