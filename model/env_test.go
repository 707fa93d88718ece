package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvironment(t *testing.T) {
	env := NewEnvironment([]string{"A=1", "B=2", "malformed", "=novalue", "C=x=y"}, map[string]string{"B": "override"})

	assert.Equal(t, "1", env.Get("A"))
	assert.Equal(t, "override", env.Get("B"))
	assert.Equal(t, "x=y", env.Get("C"))
	_, ok := env.Lookup("malformed")
	assert.False(t, ok)
	assert.Equal(t, 3, env.Len())
	assert.Equal(t, []string{"A=1", "B=override", "C=x=y"}, env.Pairs())
}

func TestEnvironment_MapIsCopy(t *testing.T) {
	env := NewEnvironment([]string{"A=1"}, nil)
	m := env.Map()
	m["A"] = "changed"
	assert.Equal(t, "1", env.Get("A"))
}

func TestLoadEnvironment_FileOverridesProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OPENAI_API_KEY=from-file\nEXTRA=yes\n"), 0600))

	env, err := LoadEnvironment(path, []string{"OPENAI_API_KEY=from-process", "HOME=/home/u"})
	require.NoError(t, err)

	assert.True(t, env.Loaded())
	assert.Equal(t, path, env.Source())
	assert.Equal(t, "from-file", env.Get("OPENAI_API_KEY"))
	assert.Equal(t, "yes", env.Get("EXTRA"))
	assert.Equal(t, "/home/u", env.Get("HOME"))
}

func TestLoadEnvironment_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	env, err := LoadEnvironment(path, []string{"OPENAI_API_KEY=from-process"})
	require.NoError(t, err)

	assert.False(t, env.Loaded())
	assert.Equal(t, "from-process", env.Get("OPENAI_API_KEY"))
}

func TestLoadEnvironment_Unreadable(t *testing.T) {
	// a directory cannot be parsed as an env file
	_, err := LoadEnvironment(t.TempDir(), nil)
	assert.ErrorContains(t, err, "failed to read env file")
}
