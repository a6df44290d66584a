// Package resultmap reads a finished step's result.json, rewrites its
// container-side "/output" paths to the host step directory, optionally
// recurses into plot/subdirectory results, and layers on the
// registry-declared extra keys that become the next step's addressable
// namespace.
package resultmap

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/cyverse-de/workflow-engine/common"
	"github.com/cyverse-de/workflow-engine/registry"
)

var log = common.Log

const outputPrefix = "/output"

// Merge loads and rewrites workingFolder's result.json, recursing into
// subdirectories when entry.Recursive is set, then applies the entry's
// extra result keys. For a non-recursive entry with no result.json it
// returns an empty, non-nil map, so a step with no manifest still yields
// an addressable result; a recursive entry always yields a "results" list.
func Merge(entry registry.Entry, ctx registry.BuildContext) (map[string]any, error) {
	merged, err := load(ctx.WorkingFolder, entry.Recursive)
	if err != nil {
		return nil, err
	}
	if entry.ExtraResultKeys != nil {
		entry.ExtraResultKeys(ctx, merged)
	}
	return merged, nil
}

func load(workingFolder string, recursive bool) (map[string]any, error) {
	res, err := loadOne(workingFolder)
	if err != nil {
		return nil, err
	}

	if !recursive {
		return res, nil
	}

	results := []map[string]any{}
	if len(res) > 0 {
		results = append(results, res)
	}

	entries, err := os.ReadDir(workingFolder)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %q for recursive results", workingFolder)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub, err := load(filepath.Join(workingFolder, e.Name()), true)
		if err != nil {
			log.Warnf("skipping unreadable results in %q: %v", e.Name(), err)
			continue
		}
		if len(sub) > 0 {
			results = append(results, sub)
		}
	}

	return map[string]any{"results": results}, nil
}

func loadOne(workingFolder string) (map[string]any, error) {
	resultsPath := filepath.Join(workingFolder, "result.json")
	raw, err := os.ReadFile(resultsPath)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", resultsPath)
	}

	var res map[string]any
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", resultsPath)
	}

	if files, ok := res["file"].([]any); ok {
		res["file"] = rewriteFileList(files, workingFolder)
	}
	if containers, ok := res["container"].([]any); ok {
		for _, c := range containers {
			entry, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if files, ok := entry["file"].([]any); ok {
				entry["file"] = rewriteFileList(files, workingFolder)
			}
		}
		res["container"] = containers
	}

	return res, nil
}

func rewriteFileList(files []any, workingFolder string) []any {
	out := make([]any, len(files))
	for i, f := range files {
		entry, ok := f.(map[string]any)
		if !ok {
			out[i] = f
			continue
		}
		if p, ok := entry["path"].(string); ok {
			entry["path"] = registry.ReplaceFolderPath(p, outputPrefix, workingFolder)
		}
		out[i] = entry
	}
	return out
}
