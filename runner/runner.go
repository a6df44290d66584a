// Package runner supervises one container-engine invocation per step:
// building the argument list, piping stdout/stderr to bounded consumer
// goroutines, and waiting for both the child and the readers to finish.
package runner

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cyverse-de/workflow-engine/common"
)

var log = common.Log

// Engine names the container engine binary to invoke. ATLANA_USE_SCIF_WORKFLOW
// selects EngineSCIF at construction time; EngineDocker is the default.
type Engine string

const (
	EngineDocker Engine = "docker"
	EngineSCIF   Engine = "scif"
)

// maxCachedLines bounds the in-memory output buffers: stdout/stderr are
// flushed to their log files every this-many lines or on stream close.
const maxCachedLines = 40

// readerGrace is how long the supervisor waits for the stdout/stderr
// consumers to finish after the child has already exited.
const readerGrace = 20 * time.Second

// Mount is one extra bind mount beyond the standard input/output/args.json
// mounts every invocation gets.
type Mount struct {
	HostPath      string
	ContainerPath string
}

// Request describes a single container invocation.
type Request struct {
	Command       string
	Image         string
	Subcommand    string
	InputFolder   string
	OutputFolder  string
	ArgsJSONPath  string
	ExtraMounts   []Mount
	MessageLog    string
	ErrorLog      string
}

// Result is what the supervisor learned about a finished invocation.
type Result struct {
	ExitCode    int
	ReadersDone bool
}

// CommandRunner is the narrow interface the executor depends on: a
// single Run method, so tests can substitute a fake engine without
// shelling out to a real container runtime.
type CommandRunner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Runner builds and supervises container-engine child processes.
type Runner struct {
	engine Engine
}

var _ CommandRunner = (*Runner)(nil)

// New returns a Runner that invokes the named engine binary. Engine
// defaults to "docker" when empty.
func New(engine Engine) *Runner {
	if engine == "" {
		engine = EngineDocker
	}
	return &Runner{engine: engine}
}

// FromEnv picks EngineSCIF when ATLANA_USE_SCIF_WORKFLOW is set to a
// truthy value, EngineDocker otherwise.
func FromEnv(useSCIF bool) *Runner {
	if useSCIF {
		return New(EngineSCIF)
	}
	return New(EngineDocker)
}

// Run builds and executes the container invocation described by req,
// blocking until the child exits and the stream readers have either
// finished or exceeded their grace period.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	args := r.buildArgs(req)
	cmd := exec.CommandContext(ctx, string(r.engine), args...)

	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return Result{}, errors.Wrap(err, "attaching stdout pipe")
	}
	defer stdout.Close()
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdoutW.Close()
		return Result{}, errors.Wrap(err, "attaching stderr pipe")
	}
	defer stderr.Close()
	cmd.Stdout, cmd.Stderr = stdoutW, stderrW

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		return Result{}, errors.Wrapf(err, "starting %q", r.engine)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go consume(stdout, req.MessageLog, &wg)
	go consume(stderr, req.ErrorLog, &wg)

	waitErr := cmd.Wait()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	readersDone := true
	select {
	case <-done:
	case <-time.After(readerGrace):
		readersDone = false
		log.Warnf("command %q: stream readers did not finish within %s", req.Command, readerGrace)
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{ReadersDone: readersDone}, errors.Wrapf(waitErr, "running command %q", req.Command)
		}
	}

	return Result{ExitCode: exitCode, ReadersDone: readersDone}, nil
}

func (r *Runner) buildArgs(req Request) []string {
	args := []string{
		"run", "--rm",
		"-v", req.InputFolder + ":/input",
		"-v", req.OutputFolder + ":/output",
		"-v", req.ArgsJSONPath + ":/args.json",
	}
	for _, m := range req.ExtraMounts {
		args = append(args, "-v", m.HostPath+":"+m.ContainerPath)
	}
	args = append(args, req.Image, "run", req.Subcommand)
	return args
}

// consume reads r line by line, buffering up to maxCachedLines before
// flushing to logPath, and flushes whatever remains when the stream
// closes. Write failures are logged, never propagated: a draining
// failure must not change the command's exit code.
func consume(r io.Reader, logPath string, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	buffer := make([]string, 0, maxCachedLines)
	flush := func() {
		if len(buffer) == 0 || logPath == "" {
			buffer = buffer[:0]
			return
		}
		if err := common.WriteLinesRetrying(logPath, buffer, true); err != nil {
			log.Warnf("failed to flush output to %q: %v", logPath, err)
		}
		buffer = buffer[:0]
	}

	for scanner.Scan() {
		buffer = append(buffer, scanner.Text())
		if len(buffer) >= maxCachedLines {
			flush()
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warnf("error reading command output: %v", err)
	}
	flush()
}
