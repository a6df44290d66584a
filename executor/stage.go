package executor

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/cyverse-de/workflow-engine/enginetypes"
	"github.com/cyverse-de/workflow-engine/layout"
	"github.com/cyverse-de/workflow-engine/resolver"
)

// stageFiles copies each file/folder-typed parameter's value into
// stepInputFolder, then returns the parameters indexed by field name for
// the registry entry's BuildArgs/ExtraMounts/ExtraResultKeys functions. A
// parameter bound with a data_type-specific handler (a caller-supplied
// file) is staged through that handler; a server-deferred value threaded
// in from the previous step's result (e.g. a plot folder or a found-files
// manifest) is staged through a plain local copy. A missing mandatory
// source fails the step; an optional one is skipped.
func stageFiles(params []enginetypes.ResolvedParameter, stepInputFolder string) (map[string]enginetypes.ResolvedParameter, error) {
	byName := make(map[string]enginetypes.ResolvedParameter, len(params))

	for _, p := range params {
		if p.Type == enginetypes.FieldFile || p.Type == enginetypes.FieldFolder {
			src, ok := p.Value.(string)
			if !ok || src == "" {
				if p.IsMandatory() {
					return nil, errors.Errorf("mandatory field %q has no source path to stage", p.Name)
				}
				byName[p.Name] = p
				continue
			}

			stage := p.GetFile
			if stage == nil {
				stage = resolver.ServersideHandler{}.GetFile
			}

			dst := filepath.Join(stepInputFolder, filepath.Base(filepath.Clean(src)))
			if err := stage(p.Auth, src, dst); err != nil {
				if p.IsMandatory() {
					return nil, errors.Wrapf(err, "staging mandatory field %q", p.Name)
				}
				log.Warnf("skipping optional field %q: staging failed: %v", p.Name, err)
				byName[p.Name] = p
				continue
			}

			p.StagedPath = dst
			p.Value = dst
		}
		byName[p.Name] = p
	}

	return byName, nil
}

// writeArgsJSON writes args as a flat JSON object to path, the shape
// every step container expects to find at /args.json.
func writeArgsJSON(path string, args map[string]string) error {
	raw, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// persistQueue writes the resolved step queue to the workflow root's
// queue file before any step runs; it is never edited afterward.
func persistQueue(root string, queue []enginetypes.ResolvedStep) error {
	raw, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding resolved step queue")
	}
	return os.WriteFile(layout.QueuePath(root), raw, 0o644)
}

// loadQueue reads back a previously persisted queue file, used by the
// standalone replay binary to diagnose a crashed run without the
// original process.
func loadQueue(root string) ([]enginetypes.ResolvedStep, error) {
	raw, err := os.ReadFile(layout.QueuePath(root))
	if err != nil {
		return nil, errors.Wrapf(err, "reading queue file at %q", root)
	}
	var queue []enginetypes.ResolvedStep
	if err := json.Unmarshal(raw, &queue); err != nil {
		return nil, errors.Wrap(err, "parsing queue file")
	}
	return queue, nil
}

// LoadQueue is the exported form of loadQueue, used by cmd/workflow-runner.
func LoadQueue(root string) ([]enginetypes.ResolvedStep, error) {
	return loadQueue(root)
}
