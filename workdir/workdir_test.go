package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDsAreUniqueAndHex(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := NewID()
		require.NoError(t, err)
		assert.Len(t, id, 32)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestRootAndStepDirConfinement(t *testing.T) {
	runArea := t.TempDir()
	mgr, err := New(runArea)
	require.NoError(t, err)

	id, err := NewID()
	require.NoError(t, err)

	root, err := mgr.Root(id)
	require.NoError(t, err)
	assert.True(t, filepathHasPrefix(root, runArea))

	stepDir, err := mgr.StepDir(root, "soilmask")
	require.NoError(t, err)
	assert.True(t, filepathHasPrefix(stepDir, root))

	// Second call cleans up existing contents but doesn't fail.
	marker := filepath.Join(stepDir, "leftover.txt")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	stepDir2, err := mgr.StepDir(root, "soilmask")
	require.NoError(t, err)
	assert.Equal(t, stepDir, stepDir2)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}

func TestConfinePathRejectsTraversal(t *testing.T) {
	runArea := t.TempDir()
	mgr, err := New(runArea)
	require.NoError(t, err)

	root, err := mgr.Root("abc123")
	require.NoError(t, err)

	_, err = mgr.ConfinePath(root, "../../../../etc/passwd")
	assert.Error(t, err)

	ok, err := mgr.ConfinePath(root, "soilmask/output.tif")
	require.NoError(t, err)
	assert.True(t, filepathHasPrefix(ok, root))
}

func filepathHasPrefix(path, prefix string) bool {
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return false
	}
	return rel != ".." && rel[:2] != ".."+string(filepath.Separator)
}
