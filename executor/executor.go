// Package executor sequences a resolved step queue: per step it obtains a
// working directory, finishes late-binding parameter resolution against
// the previous step's result, stages input files, builds the container
// invocation, runs it, maps the result, and threads that result into the
// next step. It is the one component that mutates a workflow's status
// snapshot and message/error logs.
package executor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gosimple/slug"
	"github.com/pkg/errors"

	"github.com/cyverse-de/workflow-engine/common"
	"github.com/cyverse-de/workflow-engine/enginetypes"
	"github.com/cyverse-de/workflow-engine/layout"
	"github.com/cyverse-de/workflow-engine/registry"
	"github.com/cyverse-de/workflow-engine/resolver"
	"github.com/cyverse-de/workflow-engine/resultmap"
	"github.com/cyverse-de/workflow-engine/runner"
	"github.com/cyverse-de/workflow-engine/statuslog"
	"github.com/cyverse-de/workflow-engine/workdir"
)

var log = common.Log

// gitCloneTimeout bounds how long a git-override step's checkout may take
// before the step is considered failed.
const gitCloneTimeout = 2 * time.Minute

// UnknownCommandError is written to the status file, terminally, when a
// step names neither a registry entry nor a git override.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return "Unknown command \"" + e.Command + "\""
}

// Executor runs one workflow's resolved step queue to completion.
type Executor struct {
	workdir  *workdir.Manager
	registry *registry.Registry
	runner   runner.CommandRunner
}

// New returns an Executor that stages files under wd, dispatches commands
// through reg, and runs containers through run.
func New(wd *workdir.Manager, reg *registry.Registry, run runner.CommandRunner) *Executor {
	return &Executor{workdir: wd, registry: reg, runner: run}
}

// Run sequences queue inside the workflow rooted at root, writing queue,
// status, and log files as it goes. It returns only an error preparing to
// run at all (e.g. failing to persist the queue file); per-step and
// workflow-level failures are terminal *states*, recorded in status.json,
// not Go errors returned to the caller: the HTTP submit path never
// blocks on this, so there is no caller left to receive an error once
// Run has started.
func (x *Executor) Run(ctx context.Context, root string, queue []enginetypes.ResolvedStep) error {
	if err := persistQueue(root, queue); err != nil {
		return err
	}

	if err := statuslog.WriteStatus(layout.StatusPath(root), statuslog.Status{
		Starting: map[string]any{"message": "Preparing"},
	}); err != nil {
		log.Warnf("unable to write starting status: %v", err)
	}

	var prevResult resolver.Value = resolver.Null

	for _, step := range queue {
		if err := statuslog.WriteStatus(layout.StatusPath(root), statuslog.Status{
			Running: map[string]any{"message": "Running " + step.Command},
		}); err != nil {
			log.Warnf("unable to write running status: %v", err)
		}

		result, err := x.runStep(ctx, root, step, prevResult)
		if err != nil {
			x.fail(root, err)
			return nil
		}
		prevResult = resolver.FromAny(result)
	}

	if err := statuslog.WriteStatus(layout.StatusPath(root), statuslog.Status{
		Completion: map[string]any{"message": "Completed"},
	}); err != nil {
		log.Warnf("unable to write completion status: %v", err)
	}
	return nil
}

func (x *Executor) fail(root string, cause error) {
	log.Errorf("workflow at %q failed: %v", root, cause)
	if err := statuslog.WriteStatus(layout.StatusPath(root), statuslog.Status{
		Completion: map[string]any{"error": cause.Error()},
	}); err != nil {
		log.Warnf("unable to write error completion status: %v", err)
	}
}

// runStep executes one resolved step and returns its mapped result.
func (x *Executor) runStep(ctx context.Context, root string, step enginetypes.ResolvedStep, prevResult resolver.Value) (map[string]any, error) {
	stepDir, err := x.workdir.StepDir(root, step.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "preparing working directory for %q", step.Command)
	}

	params := resolver.ResolveLate(step.Parameters, prevResult)

	entry, err := x.resolveEntry(ctx, step, stepDir)
	if err != nil {
		return nil, err
	}

	inputFolder := filepath.Join(stepDir, "input")
	if err := os.MkdirAll(inputFolder, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating input folder for %q", step.Command)
	}
	outputFolder := filepath.Join(stepDir, "output")
	if err := os.MkdirAll(outputFolder, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating output folder for %q", step.Command)
	}

	paramsByName, err := stageFiles(params, inputFolder)
	if err != nil {
		return nil, errors.Wrapf(err, "staging inputs for %q", step.Command)
	}

	buildCtx := registry.BuildContext{
		InputFolder:   inputFolder,
		WorkingFolder: stepDir,
		Params:        paramsByName,
	}

	args, err := entry.BuildArgs(buildCtx)
	if err != nil {
		return nil, errors.Wrapf(err, "building arguments for %q", step.Command)
	}

	argsPath := filepath.Join(stepDir, "args.json")
	if err := writeArgsJSON(argsPath, args); err != nil {
		return nil, errors.Wrapf(err, "writing args.json for %q", step.Command)
	}

	var mounts []runner.Mount
	if entry.ExtraMounts != nil {
		extra, err := entry.ExtraMounts(buildCtx)
		if err != nil {
			return nil, errors.Wrapf(err, "building extra mounts for %q", step.Command)
		}
		for _, m := range extra {
			mounts = append(mounts, runner.Mount{HostPath: m.HostPath, ContainerPath: m.ContainerPath})
		}
	}

	result, err := x.runner.Run(ctx, runner.Request{
		Command:      step.Command,
		Image:        entry.Image,
		Subcommand:   entry.Subcommand,
		InputFolder:  inputFolder,
		OutputFolder: outputFolder,
		ArgsJSONPath: argsPath,
		ExtraMounts:  mounts,
		MessageLog:   layout.MessagesPath(root),
		ErrorLog:     layout.ErrorsPath(root),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "running container for %q", step.Command)
	}
	if result.ExitCode != 0 {
		return nil, errors.Errorf("%q exited with status %d", step.Command, result.ExitCode)
	}

	merged, err := resultmap.Merge(entry, registry.BuildContext{
		InputFolder:   inputFolder,
		WorkingFolder: outputFolder,
		Params:        paramsByName,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "mapping results for %q", step.Command)
	}
	return merged, nil
}

// resolveEntry dispatches a resolved step to its registry.Entry, checking
// out a git override's repository first if one is declared. An unknown
// command (no registry entry, no git override) is a distinct terminal
// error.
func (x *Executor) resolveEntry(ctx context.Context, step enginetypes.ResolvedStep, stepDir string) (registry.Entry, error) {
	if step.GitRepo != "" && step.GitBranch != "" {
		return gitOverrideEntry(ctx, step, stepDir)
	}

	entry, ok := x.registry.Lookup(step.Command)
	if !ok {
		return registry.Entry{}, &UnknownCommandError{Command: step.Command}
	}
	return entry, nil
}

// gitOverrideEntry checks out git_repo@git_branch into the step's
// directory and builds a synthetic registry.Entry that runs the
// repository's own Dockerfile target. The image tag is built from the
// step's command name and git_branch, so two steps naming the same
// git_repo at different branches get distinct tags.
func gitOverrideEntry(ctx context.Context, step enginetypes.ResolvedStep, stepDir string) (registry.Entry, error) {
	srcDir := filepath.Join(stepDir, "_src")
	if err := cloneRepo(ctx, step.GitRepo, step.GitBranch, srcDir); err != nil {
		return registry.Entry{}, errors.Wrapf(err, "checking out %q@%q", step.GitRepo, step.GitBranch)
	}

	tag := "workflow-engine/" + slug.Make(step.Command) + ":" + slug.Make(step.GitBranch)
	if err := buildImage(ctx, srcDir, tag); err != nil {
		return registry.Entry{}, errors.Wrapf(err, "building image for %q", step.GitRepo)
	}

	return registry.Entry{
		Command:    step.Command,
		Image:      tag,
		Subcommand: step.Command,
		BuildArgs: func(ctx registry.BuildContext) (map[string]string, error) {
			args := make(map[string]string, len(ctx.Params))
			for name, p := range ctx.Params {
				if s, ok := p.Value.(string); ok {
					args[name] = s
				}
			}
			return args, nil
		},
	}, nil
}
