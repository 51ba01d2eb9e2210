package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestCommands(t *testing.T) {
	app := newCLI()

	names := make([]string, 0, len(app.Commands))
	for _, cmd := range app.Commands {
		names = append(names, cmd.Name)
	}
	assert.Equal(t, []string{"run", "status", "reset", "redrive"}, names)
}

func TestResetRequiresStage(t *testing.T) {
	err := newCLI().Run([]string{"docpipe-worker", "reset", "0b8f9f0e-5d4a-4c52-9a51-0e7b8f6c1d2a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage")
}

func TestDocumentArgumentIsValidated(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing id", []string{"docpipe-worker", "status"}, "exactly one document id"},
		{"bad id", []string{"docpipe-worker", "redrive", "doc-7"}, "invalid document id"},
		{"too many", []string{"docpipe-worker", "status", "a", "b"}, "exactly one document id"},
		{"bad stage", []string{"docpipe-worker", "reset", "--stage", "indexing", "0b8f9f0e-5d4a-4c52-9a51-0e7b8f6c1d2a"}, "unknown stage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newCLI().Run(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfigFlagIsGlobal(t *testing.T) {
	var found *cli.StringFlag
	for _, f := range newCLI().Flags {
		if sf, ok := f.(*cli.StringFlag); ok && sf.Name == "config" {
			found = sf
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, []string{"c"}, found.Aliases)
}
