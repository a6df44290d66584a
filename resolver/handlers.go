package resolver

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/cyverse-de/workflow-engine/enginetypes"
)

// HandlerKind tags which storage backend a file-typed parameter's
// data_type maps to. Handlers are looked up by this tag at staging time
// and are never serialized themselves.
type HandlerKind string

const (
	HandlerServerside HandlerKind = "serverside"
	HandlerIRODS      HandlerKind = "irods"
)

// HandlerRegistry maps a HandlerKind to the concrete FileHandler used to
// stage that kind of file in and out of a step's working directory.
type HandlerRegistry struct {
	handlers map[HandlerKind]enginetypes.FileHandler
}

// NewHandlerRegistry returns a registry pre-populated with the built-in
// serverside handler and an iRODS stub (iRODS transport lives in an
// external collaborator; the stub exists so templates that name it fail
// with a clear error instead of a nil-pointer panic).
func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{handlers: map[HandlerKind]enginetypes.FileHandler{}}
	r.Register(HandlerServerside, ServersideHandler{})
	r.Register(HandlerIRODS, unconfiguredIRODSHandler{})
	return r
}

// Register adds or replaces the handler for kind.
func (r *HandlerRegistry) Register(kind HandlerKind, handler enginetypes.FileHandler) {
	r.handlers[kind] = handler
}

// Lookup returns the handler registered for kind, if any.
func (r *HandlerRegistry) Lookup(kind string) (enginetypes.FileHandler, bool) {
	h, ok := r.handlers[HandlerKind(kind)]
	return h, ok
}

// ServersideHandler stages files that are already reachable on the local
// filesystem by copying them unconditionally, never symlinking.
type ServersideHandler struct{}

func (ServersideHandler) GetFile(_ enginetypes.Credential, src, dst string) error {
	return copyPath(src, dst)
}

func (ServersideHandler) PutFile(_ enginetypes.Credential, src, dst string) error {
	return copyPath(src, dst)
}

// copyPath copies src to dst, recursing into directories: a plotclip-style
// step produces a directory of per-plot results, and the next step that
// declares a folder-typed field needs the whole tree staged, not a single
// file.
func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "stat'ing source %q", src)
	}
	if info.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst)
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening source file %q", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "creating destination directory for %q", dst)
	}

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "creating destination file %q", dst)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "copying %q to %q", src, dst)
	}
	return nil
}

type unconfiguredIRODSHandler struct{}

func (unconfiguredIRODSHandler) GetFile(enginetypes.Credential, string, string) error {
	return errors.New("irods file handler is not configured; iRODS transport is an external collaborator")
}

func (unconfiguredIRODSHandler) PutFile(enginetypes.Credential, string, string) error {
	return errors.New("irods file handler is not configured; iRODS transport is an external collaborator")
}
