package executor

import (
	"context"
	"os/exec"

	"github.com/pkg/errors"
)

// cloneRepo shallow-clones repo at branch into dest by shelling out to
// the git binary.
func cloneRepo(ctx context.Context, repo, branch, dest string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, gitCloneTimeout)
	defer cancel()

	cmd := exec.CommandContext(cloneCtx, "git", "clone", "--branch", branch, "--depth", "1", repo, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "git clone failed: %s", string(out))
	}
	return nil
}

// buildImage builds the Dockerfile at srcDir into an image tagged tag.
func buildImage(ctx context.Context, srcDir, tag string) error {
	buildCtx, cancel := context.WithTimeout(ctx, gitCloneTimeout)
	defer cancel()

	cmd := exec.CommandContext(buildCtx, "docker", "build", "-t", tag, srcDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "docker build failed: %s", string(out))
	}
	return nil
}
