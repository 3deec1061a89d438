package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	root := NewRootCmd()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "rebuild", "status", "search", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "notedex version")
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { dataDir, docsDir, configPath = "", "", "" })

	dataDir = dir
	docsDir = dir

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Paths.DataDir)
	assert.Equal(t, dir, cfg.Paths.DocsDir)
}

func TestSearchCommandRejectsMissingQuery(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"search"})

	assert.Error(t, root.Execute())
}
