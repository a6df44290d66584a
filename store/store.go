// Package store implements the Workflow Lifecycle Store (C9): submit,
// list/recover, delete, artifact fetch, and download/download-all, all
// operating over workflow instances persisted as directories under a
// configured run area. It is the component the HTTP API (or any other
// caller) uses as the single entry point into the engine.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cyverse-de/workflow-engine/common"
	"github.com/cyverse-de/workflow-engine/crypt"
	"github.com/cyverse-de/workflow-engine/enginetypes"
	"github.com/cyverse-de/workflow-engine/executor"
	"github.com/cyverse-de/workflow-engine/layout"
	"github.com/cyverse-de/workflow-engine/registry"
	"github.com/cyverse-de/workflow-engine/resolver"
	"github.com/cyverse-de/workflow-engine/runner"
	"github.com/cyverse-de/workflow-engine/statuslog"
	"github.com/cyverse-de/workflow-engine/workdir"
)

var log = common.Log.WithFields(logrus.Fields{"package": "store"})

// SaveFileVersion is the "version" field stamped into workflow-save and
// workflow-definition-save documents.
const SaveFileVersion = 1

// ConflictError is returned by Delete when a workflow has not reached the
// Finished state yet.
type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string {
	return "workflow " + e.ID + " has not finished and cannot be deleted"
}

// NotFoundError is returned when an operation names an ID that does not
// resolve to a surviving workflow instance.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return "workflow " + e.ID + " not found"
}

// Index is the subset of the Workflow Index (C12) the store consults to
// accelerate List/Recover. It is optional: a nil Index falls back to a
// directory scan of the run area.
type Index interface {
	Record(ctx context.Context, id, templateName string, startedAt time.Time) error
	Forget(ctx context.Context, id string) error
	KnownIDs(ctx context.Context) ([]string, error)
}

// Store is the Workflow Lifecycle Store: it owns the run area, dispatches
// resolution to a resolver.Resolver, and launches an executor.Executor per
// submitted workflow.
type Store struct {
	workdir  *workdir.Manager
	resolver *resolver.Resolver
	registry *registry.Registry
	runner   runner.CommandRunner
	index    Index
	runArea  string
}

// New returns a Store rooted at the workdir manager's run area. idx may be
// nil, in which case List/Recover falls back to scanning the run area.
func New(wd *workdir.Manager, runArea string, res *resolver.Resolver, reg *registry.Registry, run runner.CommandRunner, idx Index) *Store {
	return &Store{workdir: wd, resolver: res, registry: reg, runner: run, index: idx, runArea: runArea}
}

// SubmitResult is what Submit returns to the caller: the new workflow's ID
// and start timestamp.
type SubmitResult struct {
	ID      string    `json:"id"`
	StartTS time.Time `json:"start_ts"`
}

// Submit resolves tmpl/bindings (Phase A), persists the template and
// bindings, and launches the executor as a detached goroutine rooted off
// context.Background(), not the caller's request context, so the
// workflow keeps running after the HTTP handler returns. A parameter
// error (missing mandatory field) is fatal here: no workflow directory
// is left behind.
func (s *Store) Submit(ctx context.Context, tmpl enginetypes.Template, bindings []enginetypes.ParameterBinding) (SubmitResult, error) {
	queue, err := s.resolver.ResolveInitial(tmpl, bindings)
	if err != nil {
		return SubmitResult{}, errors.Wrap(err, "resolving workflow parameters")
	}

	id, err := workdir.NewID()
	if err != nil {
		return SubmitResult{}, err
	}

	root, err := s.workdir.Root(id)
	if err != nil {
		return SubmitResult{}, err
	}

	for i := range queue {
		queue[i].WorkingFolder = root
	}

	if err := writeJSON(layout.TemplatePath(root), tmpl); err != nil {
		return SubmitResult{}, errors.Wrap(err, "persisting template")
	}
	if err := writeJSON(layout.ParamsPath(root), bindings); err != nil {
		return SubmitResult{}, errors.Wrap(err, "persisting parameters")
	}

	startTS := time.Now()
	if s.index != nil {
		if err := s.index.Record(ctx, id, tmpl.Name, startTS); err != nil {
			log.Warnf("unable to record workflow %q in index: %v", id, err)
		}
	}

	x := executor.New(s.workdir, s.registry, s.runner)
	go func() {
		if err := x.Run(context.Background(), root, queue); err != nil {
			log.Errorf("workflow %q executor setup failed: %v", id, err)
		}
	}()

	return SubmitResult{ID: id, StartTS: startTS}, nil
}

// Status returns the current status snapshot for id via the retry-
// tolerant reader (C8).
func (s *Store) Status(id string) (statuslog.Status, error) {
	root, err := s.rootFor(id)
	if err != nil {
		return statuslog.Status{}, err
	}
	return statuslog.ReadStatus(layout.StatusPath(root)), nil
}

// Messages returns the accumulated stdout lines for id.
func (s *Store) Messages(id string) ([]string, error) {
	root, err := s.rootFor(id)
	if err != nil {
		return nil, err
	}
	return statuslog.ReadLines(layout.MessagesPath(root)), nil
}

// Errors returns the accumulated stderr lines for id.
func (s *Store) Errors(id string) ([]string, error) {
	root, err := s.rootFor(id)
	if err != nil {
		return nil, err
	}
	return statuslog.ReadLines(layout.ErrorsPath(root)), nil
}

// Recovered is one surviving workflow instance's recoverable state,
// returned by List.
type Recovered struct {
	ID       string                         `json:"id"`
	Template enginetypes.Template           `json:"template"`
	Params   []enginetypes.ParameterBinding `json:"params"`
	Status   statuslog.Status               `json:"status"`
}

// List recovers every known workflow instance: it confirms the root
// directory and both persistence files (_workflow, _params) still exist,
// forgetting any ID whose files are missing, then loads and returns the
// surviving set together with their current status. Calling List twice
// in a row for an unchanged set of finished workflows yields the same
// result.
func (s *Store) List(ctx context.Context) ([]Recovered, error) {
	ids, err := s.knownIDs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Recovered, 0, len(ids))
	for _, id := range ids {
		root := filepath.Join(s.runArea, id)

		tmpl, params, ok := loadRecoverable(root)
		if !ok {
			if s.index != nil {
				if err := s.index.Forget(ctx, id); err != nil {
					log.Warnf("unable to forget missing workflow %q: %v", id, err)
				}
			}
			continue
		}

		out = append(out, Recovered{
			ID:       id,
			Template: tmpl,
			Params:   params,
			Status:   statuslog.ReadStatus(layout.StatusPath(root)),
		})
	}
	return out, nil
}

// Delete removes a finished workflow's root directory recursively. It
// refuses (ConflictError) unless the workflow's status has reached
// Finished (i.e. Completion is set).
func (s *Store) Delete(ctx context.Context, id string) error {
	root, err := s.rootFor(id)
	if err != nil {
		return err
	}

	status := statuslog.ReadStatus(layout.StatusPath(root))
	if !status.Terminal() {
		return &ConflictError{ID: id}
	}

	if err := os.RemoveAll(root); err != nil {
		return errors.Wrapf(err, "removing workflow %q", id)
	}

	if s.index != nil {
		if err := s.index.Forget(ctx, id); err != nil {
			log.Warnf("unable to forget deleted workflow %q: %v", id, err)
		}
	}
	return nil
}

// Artifact validates that resultName is a declared result of command in
// the workflow's own template, resolves its host path confined to the
// workflow root, and returns that path for the caller to stream back as
// an attachment.
func (s *Store) Artifact(id, command, resultName string) (string, error) {
	root, err := s.rootFor(id)
	if err != nil {
		return "", err
	}

	tmpl, _, ok := loadRecoverable(root)
	if !ok {
		return "", &NotFoundError{ID: id}
	}

	var result *enginetypes.Result
	for _, step := range tmpl.Steps {
		if step.Command != command {
			continue
		}
		for i := range step.Results {
			if step.Results[i].Name == resultName {
				result = &step.Results[i]
			}
		}
	}
	if result == nil {
		return "", errors.Errorf("workflow %q has no result %q for command %q", id, resultName, command)
	}

	filename := result.Filename
	if filename == "" {
		filename = resultName
	}

	candidate := filepath.Join(root, command, filename)
	return s.workdir.ConfinePath(root, candidate)
}

// rootFor resolves id to its workflow root, confirming the directory
// still exists.
func (s *Store) rootFor(id string) (string, error) {
	root := filepath.Join(s.runArea, id)
	if _, err := os.Stat(root); err != nil {
		return "", &NotFoundError{ID: id}
	}
	return s.workdir.ConfinePath(s.runArea, root)
}

// knownIDs returns every candidate workflow ID: from the index if one is
// configured, otherwise by scanning the run area's immediate
// subdirectories.
func (s *Store) knownIDs(ctx context.Context) ([]string, error) {
	if s.index != nil {
		ids, err := s.index.KnownIDs(ctx)
		if err == nil {
			return ids, nil
		}
		log.Warnf("index unavailable, falling back to directory scan: %v", err)
	}

	entries, err := os.ReadDir(s.runArea)
	if err != nil {
		return nil, errors.Wrapf(err, "scanning run area %q", s.runArea)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// loadRecoverable reads back a workflow's persisted template and
// parameters. ok is false if either file is missing, meaning the
// instance should be forgotten.
func loadRecoverable(root string) (enginetypes.Template, []enginetypes.ParameterBinding, bool) {
	var tmpl enginetypes.Template
	tmplRaw, err := os.ReadFile(layout.TemplatePath(root))
	if err != nil {
		return tmpl, nil, false
	}
	if err := json.Unmarshal(tmplRaw, &tmpl); err != nil {
		return tmpl, nil, false
	}

	var params []enginetypes.ParameterBinding
	paramsRaw, err := os.ReadFile(layout.ParamsPath(root))
	if err != nil {
		return tmpl, nil, false
	}
	if err := json.Unmarshal(paramsRaw, &params); err != nil {
		return tmpl, nil, false
	}

	return tmpl, params, true
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// SaveDocument is the workflow-save JSON document produced by Download.
type SaveDocument struct {
	Version     int                            `json:"version"`
	Name        string                         `json:"name"`
	Description string                         `json:"description"`
	Steps       []enginetypes.Step             `json:"steps"`
	Parameters  []enginetypes.ParameterBinding `json:"parameters"`
}

// Download serialises the workflow named by id into a SaveDocument. Any
// parameter carrying a credential blob (`auth`) has that blob replaced by
// a base64 AES-CFB ciphertext under passcode.
func (s *Store) Download(id, passcode string, c *crypt.Crypt) (SaveDocument, error) {
	root, err := s.rootFor(id)
	if err != nil {
		return SaveDocument{}, err
	}

	tmpl, params, ok := loadRecoverable(root)
	if !ok {
		return SaveDocument{}, &NotFoundError{ID: id}
	}

	encrypted := make([]enginetypes.ParameterBinding, len(params))
	for i, p := range params {
		encrypted[i] = p
		if len(p.Auth) == 0 {
			continue
		}

		raw, err := json.Marshal(p.Auth)
		if err != nil {
			return SaveDocument{}, errors.Wrapf(err, "encoding credential for %q/%q", p.Command, p.FieldName)
		}
		cipherText, err := c.Encrypt(string(raw), passcode)
		if err != nil {
			return SaveDocument{}, errors.Wrapf(err, "encrypting credential for %q/%q", p.Command, p.FieldName)
		}
		encrypted[i].Auth = enginetypes.Credential{"ciphertext": cipherText}
	}

	return SaveDocument{
		Version:     SaveFileVersion,
		Name:        tmpl.Name,
		Description: tmpl.Description,
		Steps:       tmpl.Steps,
		Parameters:  encrypted,
	}, nil
}

// DefinitionEntry is one workflow's summary inside a DownloadAll document.
type DefinitionEntry struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	ID          string             `json:"id"`
	Steps       []enginetypes.Step `json:"steps"`
}

// DefinitionDocument is the workflow-definition-save document produced by
// DownloadAll.
type DefinitionDocument struct {
	Version   int               `json:"version"`
	Type      string            `json:"type"`
	Workflows []DefinitionEntry `json:"workflows"`
}

// DownloadAll serialises every recoverable workflow into a
// DefinitionDocument. It carries no credential material, so no passcode
// is required.
func (s *Store) DownloadAll(ctx context.Context) (DefinitionDocument, error) {
	recovered, err := s.List(ctx)
	if err != nil {
		return DefinitionDocument{}, err
	}

	entries := make([]DefinitionEntry, len(recovered))
	for i, r := range recovered {
		entries[i] = DefinitionEntry{
			Name:        r.Template.Name,
			Description: r.Template.Description,
			ID:          r.ID,
			Steps:       r.Template.Steps,
		}
	}

	return DefinitionDocument{
		Version:   SaveFileVersion,
		Type:      "workflow definition",
		Workflows: entries,
	}, nil
}

// NewUUID is a thin wrapper retained for callers (the HTTP layer) that
// want an opaque request-correlation ID distinct from a workflow ID; it
// has no effect on workflow identity, which stays the 128-bit hex ID
// workdir.NewID generates.
func NewUUID() string {
	return uuid.NewString()
}
