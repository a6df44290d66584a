// Package registry holds the closed set of built-in step commands: for
// each, the container image, the argument template, the required
// parameters, any extra bind mounts, and the post-run result-merge
// policy. Adding an algorithm means adding one table entry, not touching
// the executor.
package registry

import (
	"encoding/json"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/cyverse-de/workflow-engine/common"
	"github.com/cyverse-de/workflow-engine/enginetypes"
)

var log = common.Log

// DefaultImage is the container image used by every built-in entry.
// Each entry invokes a different subcommand of the same multi-purpose
// workflow image.
const DefaultImage = "agdrone/drone-workflow:1.1"

// Mount describes one extra bind mount beyond the standard
// input/output/args.json mounts every step gets.
type Mount struct {
	HostPath      string
	ContainerPath string
}

// BuildContext is everything an Entry's BuildArgs/ExtraMounts functions
// need to produce a step's container invocation.
type BuildContext struct {
	InputFolder   string
	WorkingFolder string
	Params        map[string]enginetypes.ResolvedParameter
}

// Param returns the named resolved parameter's value, or nil if it was
// never bound, so optional fields read as absent rather than erroring.
func (c BuildContext) Param(name string) any {
	p, ok := c.Params[name]
	if !ok {
		return nil
	}
	return p.Value
}

// ParamString returns the named parameter as a string, or "" if absent.
func (c BuildContext) ParamString(name string) string {
	v := c.Param(name)
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Entry is one registry row: everything needed to build and interpret
// one command invocation.
type Entry struct {
	Command            string
	Image               string
	Subcommand          string
	RequiredParameters  []string
	BuildArgs           func(ctx BuildContext) (map[string]string, error)
	ExtraMounts         func(ctx BuildContext) ([]Mount, error)
	Recursive           bool
	ExtraResultKeys     func(ctx BuildContext, merged map[string]any)
}

// Registry is the closed set of known commands.
type Registry struct {
	entries map[string]Entry
}

// New returns a Registry pre-populated with the seven built-in entries.
func New() *Registry {
	r := &Registry{entries: map[string]Entry{}}
	for _, e := range builtins() {
		r.entries[e.Command] = e
	}
	return r
}

// Register adds or replaces an entry. The executor's git override path
// does not go through it: it builds its synthetic entry directly.
func (r *Registry) Register(e Entry) {
	r.entries[e.Command] = e
}

// Lookup returns the entry for command, if any.
func (r *Registry) Lookup(command string) (Entry, bool) {
	e, ok := r.entries[command]
	return e, ok
}

// ReplaceFolderPath rewrites path from a host folder prefix to a
// container-side folder prefix, e.g. host input folder -> "/input".
// Returns the original path unchanged if it does not start with
// fromFolder, since paths outside the expected root are a caller bug
// we'd rather surface downstream than silently drop. Exported for reuse
// by the result mapper, which performs the same rewrite in reverse
// (container "/output" prefix -> host step directory).
func ReplaceFolderPath(p, fromFolder, toFolder string) string {
	if !strings.HasPrefix(p, fromFolder) {
		return p
	}
	rem := strings.TrimPrefix(p, fromFolder)
	rem = strings.TrimPrefix(rem, "/")
	return path.Join(toFolder, rem)
}

func replaceFolderPath(p, fromFolder, toFolder string) string {
	return ReplaceFolderPath(p, fromFolder, toFolder)
}

func missingRequired(command string, ctx BuildContext, names ...string) error {
	var missing []string
	for _, n := range names {
		if ctx.ParamString(n) == "" {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("%s: missing required parameter(s): %s", command, strings.Join(missing, ", "))
	}
	return nil
}

func builtins() []Entry {
	return []Entry{
		soilmaskEntry(),
		soilmaskRatioEntry(),
		plotclipEntry(),
		findFiles2JSONEntry(),
		canopyCoverEntry(),
		greennessIndicesEntry(),
		mergeCSVEntry(),
	}
}

func soilmaskEntry() Entry {
	return Entry{
		Command:            "soilmask",
		Image:               DefaultImage,
		Subcommand:          "soilmask",
		RequiredParameters: []string{"image"},
		BuildArgs: func(ctx BuildContext) (map[string]string, error) {
			if err := missingRequired("soilmask", ctx, "image"); err != nil {
				return nil, err
			}
			imagePath := ctx.ParamString("image")
			base := path.Base(imagePath)
			ext := path.Ext(base)
			maskFilename := strings.TrimSuffix(base, ext) + "_mask" + ext
			return map[string]string{
				"SOILMASK_SOURCE_FILE":    replaceFolderPath(imagePath, ctx.InputFolder, "/input"),
				"SOILMASK_MASK_FILE":      maskFilename,
				"SOILMASK_WORKING_FOLDER": "/output",
				"SOILMASK_OPTIONS":        ctx.ParamString("options"),
			}, nil
		},
	}
}

func soilmaskRatioEntry() Entry {
	return Entry{
		Command:            "soilmask_ratio",
		Image:               DefaultImage,
		Subcommand:          "soilmask_ratio",
		RequiredParameters: []string{"image"},
		BuildArgs: func(ctx BuildContext) (map[string]string, error) {
			if err := missingRequired("soilmask_ratio", ctx, "image"); err != nil {
				return nil, err
			}
			imagePath := ctx.ParamString("image")
			base := path.Base(imagePath)
			ext := path.Ext(base)
			maskFilename := strings.TrimSuffix(base, ext) + "_mask" + ext

			ratio := 1.0
			if v := ctx.Param("ratio"); v != nil {
				switch n := v.(type) {
				case float64:
					ratio = n
				case string:
					if parsed, err := strconv.ParseFloat(n, 64); err == nil {
						ratio = parsed
					}
				}
			}
			options := ctx.ParamString("options") + " --ratio " + strconv.FormatFloat(ratio, 'g', -1, 64)

			return map[string]string{
				"SOILMASK_RATIO_SOURCE_FILE":    replaceFolderPath(imagePath, ctx.InputFolder, "/input"),
				"SOILMASK_RATIO_MASK_FILE":      maskFilename,
				"SOILMASK_RATIO_WORKING_FOLDER": "/output",
				"SOILMASK_RATIO_OPTIONS":        options,
			}, nil
		},
	}
}

func plotclipEntry() Entry {
	return Entry{
		Command:            "plotclip",
		Image:               DefaultImage,
		Subcommand:          "plotclip",
		RequiredParameters: []string{"image", "geometries"},
		BuildArgs: func(ctx BuildContext) (map[string]string, error) {
			if err := missingRequired("plotclip", ctx, "image", "geometries"); err != nil {
				return nil, err
			}
			return map[string]string{
				"PLOTCLIP_SOURCE_FILE":       replaceFolderPath(ctx.ParamString("image"), ctx.InputFolder, "/input"),
				"PLOTCLIP_PLOTGEOMETRY_FILE": replaceFolderPath(ctx.ParamString("geometries"), ctx.InputFolder, "/input"),
				"PLOTCLIP_WORKING_FOLDER":    "/output",
				"PLOTCLIP_OPTIONS":           ctx.ParamString("options"),
			}, nil
		},
		ExtraResultKeys: func(ctx BuildContext, merged map[string]any) {
			merged["file_name"] = path.Base(ctx.ParamString("image"))
			merged["top_path"] = ctx.WorkingFolder
		},
	}
}

func findFiles2JSONEntry() Entry {
	return Entry{
		Command:            "find_files2json",
		Image:               DefaultImage,
		Subcommand:          "find_files2json",
		RequiredParameters: []string{"file_name", "top_path"},
		BuildArgs: func(ctx BuildContext) (map[string]string, error) {
			if err := missingRequired("find_files2json", ctx, "file_name", "top_path"); err != nil {
				return nil, err
			}
			return map[string]string{
				"FILES2JSON_SEARCH_NAME":   ctx.ParamString("file_name"),
				"FILES2JSON_SEARCH_FOLDER": replaceFolderPath(ctx.ParamString("top_path"), ctx.InputFolder, "/input"),
				"FILES2JSON_JSON_FILE":     "/output/found_files.json",
			}, nil
		},
		ExtraResultKeys: func(ctx BuildContext, merged map[string]any) {
			merged["found_json_file"] = replaceFolderPath("/output/found_files.json", "/output", ctx.WorkingFolder)
			merged["results_search_folder"] = replaceFolderPath(ctx.ParamString("top_path"), ctx.InputFolder, "/input")
		},
	}
}

func canopyCoverEntry() Entry {
	return Entry{
		Command:            "canopycover",
		Image:               DefaultImage,
		Subcommand:          "canopycover",
		RequiredParameters: []string{"found_json_file"},
		Recursive:           true,
		BuildArgs: func(ctx BuildContext) (map[string]string, error) {
			if err := missingRequired("canopycover", ctx, "found_json_file"); err != nil {
				return nil, err
			}
			options := ctx.ParamString("options")
			if experiment := ctx.ParamString("experimentdata"); experiment != "" {
				options += " --metadata " + replaceFolderPath(experiment, ctx.InputFolder, "/input")
			}
			return map[string]string{
				"CANOPYCOVER_OPTIONS": options,
			}, nil
		},
		ExtraMounts: func(ctx BuildContext) ([]Mount, error) {
			searchFolder := ctx.ParamString("results_search_folder")
			repointed := repointFilesJSONDir(ctx.ParamString("found_json_file"), searchFolder, "/output", ctx.WorkingFolder)
			return []Mount{{HostPath: repointed, ContainerPath: "/scif/apps/src/canopy_cover_files.json"}}, nil
		},
		ExtraResultKeys: func(ctx BuildContext, merged map[string]any) {
			merged["top_path"] = ctx.WorkingFolder
		},
	}
}

func greennessIndicesEntry() Entry {
	return Entry{
		Command:            "greenness_indices",
		Image:               DefaultImage,
		// The upstream image exposes greenness indices through the same
		// "canopycover" subcommand, selected by which files.json gets
		// mounted in. Kept as-is rather than "corrected" since it's how
		// the image actually dispatches.
		Subcommand:          "canopycover",
		RequiredParameters: []string{"found_json_file"},
		Recursive:           true,
		BuildArgs: func(ctx BuildContext) (map[string]string, error) {
			if err := missingRequired("greenness_indices", ctx, "found_json_file"); err != nil {
				return nil, err
			}
			options := ctx.ParamString("options")
			if experiment := ctx.ParamString("experimentdata"); experiment != "" {
				options += " --metadata " + replaceFolderPath(experiment, ctx.InputFolder, "/input")
			}
			return map[string]string{
				"GREENNESS_INDICES_OPTIONS": options,
			}, nil
		},
		ExtraMounts: func(ctx BuildContext) ([]Mount, error) {
			searchFolder := ctx.ParamString("results_search_folder")
			repointed := repointFilesJSONDir(ctx.ParamString("found_json_file"), searchFolder, "/output", ctx.WorkingFolder)
			return []Mount{{HostPath: repointed, ContainerPath: "/scif/apps/src/greenness_indices_files.json"}}, nil
		},
		ExtraResultKeys: func(ctx BuildContext, merged map[string]any) {
			merged["top_path"] = ctx.WorkingFolder
		},
	}
}

func mergeCSVEntry() Entry {
	return Entry{
		Command:            "merge_csv",
		Image:               DefaultImage,
		Subcommand:          "merge_csv",
		RequiredParameters: []string{"top_path"},
		BuildArgs: func(ctx BuildContext) (map[string]string, error) {
			if err := missingRequired("merge_csv", ctx, "top_path"); err != nil {
				return nil, err
			}
			return map[string]string{
				"MERGECSV_SOURCE":  replaceFolderPath(ctx.ParamString("top_path"), ctx.InputFolder, "/input"),
				"MERGECSV_TARGET":  "/output",
				"MERGECSV_OPTIONS": ctx.ParamString("options"),
			}, nil
		},
	}
}

type filesManifest struct {
	FileList []map[string]any `json:"FILE_LIST"`
}

// repointFilesJSONDir rewrites a found-files manifest's DIR entries from
// searchFolder to targetFolder and writes the adjusted copy into
// workingFolder for the canopycover/greenness_indices handoff. Falls
// back to the original filename on any failure, since the caller treats
// that as "best effort".
func repointFilesJSONDir(filename, searchFolder, targetFolder, workingFolder string) string {
	raw, err := os.ReadFile(filename)
	if err != nil {
		log.Warnf("unable to read files manifest %q: %v", filename, err)
		return filename
	}

	var manifest filesManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		log.Warnf("unable to parse files manifest %q: %v", filename, err)
		return filename
	}

	source := searchFolder
	if source == "" && len(manifest.FileList) > 0 {
		if dir, ok := manifest.FileList[0]["DIR"].(string); ok {
			source = path.Dir(strings.TrimRight(dir, "/\\"))
		}
	}

	for _, entry := range manifest.FileList {
		dir, ok := entry["DIR"].(string)
		if ok && source != "" && strings.HasPrefix(dir, source) {
			entry["DIR"] = replaceFolderPath(dir, source, targetFolder)
		}
	}

	newPath := path.Join(workingFolder, path.Base(filename))
	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		log.Warnf("unable to encode repointed files manifest: %v", err)
		return filename
	}
	if err := os.WriteFile(newPath, out, 0o644); err != nil {
		log.Warnf("unable to write repointed files manifest %q: %v", newPath, err)
		return filename
	}
	return newPath
}
