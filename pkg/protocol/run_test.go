package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"emspider/pkg/toolerr"
)

func TestRunLifecycle(t *testing.T) {
	root := t.TempDir()
	r, err := NewRun("reconstruct", root, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, StateCreated, r.State())
	assert.DirExists(t, r.Dir)
	assert.Equal(t, filepath.Join(root, "reconstruct-"+r.ID[:8]), r.Dir)

	script := r.Path("recons_fourier.stk")
	require.NoError(t, os.WriteFile(script, []byte("[nummps] = 2\n"), 0644))

	require.NoError(t, r.Step(StateInputsConverted, func() error { return nil }))
	require.NoError(t, r.Step(StateScriptsWritten, func() error { return r.RecordScript(script) }))
	require.NoError(t, r.Advance(StateToolExecuted))
	require.NoError(t, r.Advance(StateOutputsParsed))
	r.RecordOutput("volume", r.Path("volume.stk"))
	require.NoError(t, r.Finish())
	assert.Equal(t, StateDone, r.State())

	m, err := LoadManifest(r.Path(ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, r.ID, m.RunID)
	assert.Equal(t, StateDone, m.State)
	require.Len(t, m.Scripts, 1)
	assert.Equal(t, "recons_fourier.stk", m.Scripts[0].Path)
	assert.Len(t, m.Scripts[0].Blake3, 64)
	assert.Len(t, m.History, 5)
	assert.False(t, m.Finished.IsZero())
}

func TestRunRejectsSkippedOrRepeatedStates(t *testing.T) {
	r, err := NewRun("mda", t.TempDir(), "", nil)
	require.NoError(t, err)

	assert.True(t, errors.Is(r.Advance(StateToolExecuted), ErrTransition))
	require.NoError(t, r.Advance(StateInputsConverted))
	assert.True(t, errors.Is(r.Advance(StateInputsConverted), ErrTransition))
	assert.Equal(t, StateInputsConverted, r.State())
}

func TestRunFailureIsTerminal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fixed")
	r, err := NewRun("refine", "", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, r.Dir)

	cause := toolerr.MissingOutput("vol_01.stk")
	err = r.Step(StateInputsConverted, func() error { return cause })
	assert.Equal(t, cause, err)
	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, string(toolerr.CodeMissingOutput), r.Manifest.ErrorCode)

	assert.True(t, errors.Is(r.Advance(StateInputsConverted), ErrTransition))
	require.NoError(t, r.Finish())

	m, err := LoadManifest(r.Path(ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, m.State)
	assert.Contains(t, m.Error, "vol_01.stk")
}
