// Command workflow-runner replays a resolved step queue that was
// persisted to a workflow's run folder, so an operator can re-drive (or
// diagnose) a run without going through the HTTP submit path again.
// Usage: workflow-runner <workdir>.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cyverse-de/workflow-engine/common"
	"github.com/cyverse-de/workflow-engine/executor"
	"github.com/cyverse-de/workflow-engine/registry"
	"github.com/cyverse-de/workflow-engine/runner"
	"github.com/cyverse-de/workflow-engine/workdir"
)

var log = common.Log

func main() {
	common.SetupLogging("info")

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <workdir>\n", os.Args[0])
		os.Exit(2)
	}
	root := os.Args[1]

	queue, err := executor.LoadQueue(root)
	if err != nil {
		log.Fatalf("loading persisted queue from %q: %v", root, err)
	}
	if len(queue) == 0 {
		log.Fatalf("no persisted queue found under %q", root)
	}

	wd, err := workdir.New(root)
	if err != nil {
		log.Fatal(err)
	}

	reg := registry.New()
	run := runner.FromEnv(false)
	x := executor.New(wd, reg, run)

	if err := x.Run(context.Background(), root, queue); err != nil {
		log.Fatalf("replaying workflow under %q: %v", root, err)
	}

	log.Infof("replay of %q complete", root)
}
