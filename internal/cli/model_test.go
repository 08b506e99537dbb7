package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModel_Default(t *testing.T) {
	out, err := execute(t, NewModelCommand(quietOpts("text", "")))
	require.NoError(t, err)
	assert.Contains(t, out, "model {")
	assert.Contains(t, out, "## process model")
	assert.Contains(t, out, "dgamma")
}

func TestModel_JSON(t *testing.T) {
	out, err := execute(t, NewModelCommand(quietOpts("json", "")))
	require.NoError(t, err)

	var view struct {
		Spec       map[string]any `json:"spec"`
		Diagnostic []string       `json:"diagnostic_params"`
		Production []string       `json:"production_params"`
		BUGS       string         `json:"bugs"`
	}
	resp := decode(t, out, &view)
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, view.Spec["state"])
	assert.Greater(t, len(view.Production), len(view.Diagnostic), "production also monitors the latent state")
	assert.Contains(t, view.BUGS, "model {")
}

func TestModel_SyntaxError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.cue")
	require.NoError(t, os.WriteFile(path, []byte("model: {"), 0644))

	out, err := execute(t, NewModelCommand(quietOpts("json", "")), "--file", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	resp := decode(t, out, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeModel, resp.Error.Code)
}

func TestModel_MissingFile(t *testing.T) {
	_, err := execute(t, NewModelCommand(quietOpts("text", "")), "--file", "/nonexistent/model.cue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
