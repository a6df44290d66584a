package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyverse-de/workflow-engine/crypt"
	"github.com/cyverse-de/workflow-engine/enginetypes"
	"github.com/cyverse-de/workflow-engine/layout"
	"github.com/cyverse-de/workflow-engine/registry"
	"github.com/cyverse-de/workflow-engine/resolver"
	"github.com/cyverse-de/workflow-engine/runner"
	"github.com/cyverse-de/workflow-engine/statuslog"
	"github.com/cyverse-de/workflow-engine/workdir"
)

// fakeRunner emits a minimal result.json into the output folder instead
// of spawning a container engine.
type fakeRunner struct{}

func (fakeRunner) Run(_ context.Context, req runner.Request) (runner.Result, error) {
	manifest := map[string]any{
		"file": []map[string]any{{"path": "/output/ortho_mask.tif"}},
	}
	raw, _ := json.Marshal(manifest)
	if err := os.WriteFile(filepath.Join(req.OutputFolder, "result.json"), raw, 0o644); err != nil {
		return runner.Result{}, err
	}
	return runner.Result{ExitCode: 0, ReadersDone: true}, nil
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	runArea := t.TempDir()
	wd, err := workdir.New(runArea)
	require.NoError(t, err)
	res := resolver.New(resolver.NewHandlerRegistry())
	return New(wd, runArea, res, registry.New(), fakeRunner{}, nil), runArea
}

func soilmaskTemplate() enginetypes.Template {
	return enginetypes.Template{
		Name: "soilmask only",
		Steps: []enginetypes.Step{
			{
				Name:    "mask",
				Command: "soilmask",
				Fields: []enginetypes.Field{
					{Name: "image", Type: enginetypes.FieldFile, Visibility: enginetypes.VisibilityUI},
				},
				Results: []enginetypes.Result{
					{Name: "mask", Type: enginetypes.ResultFile, Filename: "ortho_mask.tif"},
				},
			},
		},
	}
}

func soilmaskBindings(t *testing.T) []enginetypes.ParameterBinding {
	t.Helper()
	src := filepath.Join(t.TempDir(), "ortho.tif")
	require.NoError(t, os.WriteFile(src, []byte("tif-bytes"), 0o644))
	return []enginetypes.ParameterBinding{
		{Command: "soilmask", FieldName: "image", Value: src},
	}
}

// waitTerminal polls id's status until it reaches a terminal state, the
// way a real client does, since Submit returns before step 1 completes.
func waitTerminal(t *testing.T, s *Store, id string) statuslog.Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err := s.Status(id)
		require.NoError(t, err)
		if status.Terminal() {
			return status
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("workflow %q never reached a terminal state", id)
	return statuslog.Status{}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	s, runArea := newTestStore(t)

	result, err := s.Submit(context.Background(), soilmaskTemplate(), soilmaskBindings(t))
	require.NoError(t, err)
	assert.Len(t, result.ID, 32)
	assert.False(t, result.StartTS.IsZero())

	status := waitTerminal(t, s, result.ID)
	assert.Equal(t, "Completed", status.Completion["message"])

	root := filepath.Join(runArea, result.ID)
	for _, name := range []string{layout.TemplateFile, layout.ParamsFile, layout.QueueFile} {
		_, err := os.Stat(filepath.Join(root, name))
		assert.NoError(t, err, name)
	}
}

func TestSubmitMissingMandatoryFieldFailsBeforeAnyDirectoryExists(t *testing.T) {
	s, runArea := newTestStore(t)

	_, err := s.Submit(context.Background(), soilmaskTemplate(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing mandatory field")

	entries, err := os.ReadDir(runArea)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteRefusesRunningWorkflow(t *testing.T) {
	s, runArea := newTestStore(t)

	// Hand-build a workflow directory stuck in the running state instead
	// of racing a live executor.
	id, err := workdir.NewID()
	require.NoError(t, err)
	root := filepath.Join(runArea, id)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, statuslog.WriteStatus(layout.StatusPath(root), statuslog.Status{
		Running: map[string]any{"message": "Running soilmask"},
	}))

	err = s.Delete(context.Background(), id)
	require.Error(t, err)
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)

	_, err = os.Stat(root)
	assert.NoError(t, err)
}

func TestDeleteRemovesFinishedWorkflow(t *testing.T) {
	s, runArea := newTestStore(t)

	result, err := s.Submit(context.Background(), soilmaskTemplate(), soilmaskBindings(t))
	require.NoError(t, err)
	waitTerminal(t, s, result.ID)

	require.NoError(t, s.Delete(context.Background(), result.ID))

	_, err = os.Stat(filepath.Join(runArea, result.ID))
	assert.True(t, os.IsNotExist(err))

	var notFound *NotFoundError
	err = s.Delete(context.Background(), result.ID)
	assert.ErrorAs(t, err, &notFound)
}

func TestListRecoveryIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)

	result, err := s.Submit(context.Background(), soilmaskTemplate(), soilmaskBindings(t))
	require.NoError(t, err)
	waitTerminal(t, s, result.ID)

	first, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, result.ID, first[0].ID)
	assert.Equal(t, "soilmask only", first[0].Template.Name)
	assert.Len(t, first[0].Params, 1)

	second, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, s.Delete(context.Background(), result.ID))
	third, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestListForgetsWorkflowsMissingPersistenceFiles(t *testing.T) {
	s, runArea := newTestStore(t)

	// A directory with no _workflow/_params files is not recoverable.
	require.NoError(t, os.MkdirAll(filepath.Join(runArea, "deadbeefdeadbeefdeadbeefdeadbeef"), 0o755))

	recovered, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestArtifactConfinedToWorkflowRoot(t *testing.T) {
	s, _ := newTestStore(t)

	result, err := s.Submit(context.Background(), soilmaskTemplate(), soilmaskBindings(t))
	require.NoError(t, err)
	waitTerminal(t, s, result.ID)

	_, err = s.Artifact(result.ID, "soilmask", "nosuchresult")
	assert.Error(t, err)

	// Overwrite the persisted template with one whose declared result
	// tries to traverse out of the workflow root.
	tmpl := soilmaskTemplate()
	tmpl.Steps[0].Results[0].Filename = "../../../../etc/passwd"
	root := filepath.Join(s.runArea, result.ID)
	raw, err := json.Marshal(tmpl)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(layout.TemplatePath(root), raw, 0o644))

	_, err = s.Artifact(result.ID, "soilmask", "mask")
	assert.Error(t, err)
}

func TestDownloadEncryptsCredentialBlobs(t *testing.T) {
	s, _ := newTestStore(t)

	c, err := crypt.New(crypt.AdjustSalt("pepper"))
	require.NoError(t, err)

	bindings := soilmaskBindings(t)
	bindings[0].Auth = enginetypes.Credential{"user": "u", "password": "p"}

	result, err := s.Submit(context.Background(), soilmaskTemplate(), bindings)
	require.NoError(t, err)
	waitTerminal(t, s, result.ID)

	passcode := "s3cret12345678901"
	doc, err := s.Download(result.ID, passcode, c)
	require.NoError(t, err)
	assert.Equal(t, SaveFileVersion, doc.Version)
	require.Len(t, doc.Parameters, 1)

	cipherText, ok := doc.Parameters[0].Auth["ciphertext"].(string)
	require.True(t, ok)
	assert.NotContains(t, cipherText, "password")

	plain, err := c.Decrypt(cipherText, passcode)
	require.NoError(t, err)
	var auth map[string]any
	require.NoError(t, json.Unmarshal([]byte(plain), &auth))
	assert.Equal(t, "u", auth["user"])
	assert.Equal(t, "p", auth["password"])

	// A wrong passcode yields garbage that does not decode back into the
	// original credential object.
	garbled, err := c.Decrypt(cipherText, "wrong-passcode")
	require.NoError(t, err)
	var wrong map[string]any
	assert.Error(t, json.Unmarshal([]byte(garbled), &wrong))
}

func TestDownloadAllListsEveryWorkflow(t *testing.T) {
	s, _ := newTestStore(t)

	first, err := s.Submit(context.Background(), soilmaskTemplate(), soilmaskBindings(t))
	require.NoError(t, err)
	second, err := s.Submit(context.Background(), soilmaskTemplate(), soilmaskBindings(t))
	require.NoError(t, err)
	waitTerminal(t, s, first.ID)
	waitTerminal(t, s, second.ID)

	doc, err := s.DownloadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "workflow definition", doc.Type)
	assert.Len(t, doc.Workflows, 2)

	ids := map[string]bool{}
	for _, w := range doc.Workflows {
		ids[w.ID] = true
	}
	assert.True(t, ids[first.ID])
	assert.True(t, ids[second.ID])
}
