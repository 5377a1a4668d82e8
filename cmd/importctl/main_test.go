package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/enroll/internal/importer"
)

func writeCSV(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "students.csv")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func runCmd(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate_MissingMappingFails(t *testing.T) {
	path := writeCSV(t, "First Name,Last Name,GR Number\nAisha,Khan,101\n")

	tests := []struct {
		name string
		args []string
	}{
		{"table", []string{"validate", path}},
		{"json", []string{"validate", path, "--json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCmd(tt.args...)

			var incomplete *importer.MappingIncompleteError
			require.ErrorAs(t, err, &incomplete)
			assert.Contains(t, incomplete.Missing, importer.Field("Roll No"))
			assert.NotEmpty(t, out)
		})
	}
}

func TestValidate_JSONOutputStillPrinted(t *testing.T) {
	path := writeCSV(t, "First Name,Last Name,GR Number\nAisha,Khan,101\n")

	out, err := runCmd("validate", path, "--json")
	require.Error(t, err)

	var view importer.SessionView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, []importer.Field{"Roll No"}, view.MissingMappings)
}

func TestValidate_MapOverride(t *testing.T) {
	path := writeCSV(t, "First Name,Last Name,GR Number,Roll No,Father Mobile\n"+
		"Aisha,Khan,101,1,9123456780\n")

	out, err := runCmd("validate", path, "--json", "-m", "Father Mobile=Guardian Number")
	require.NoError(t, err)

	var view importer.SessionView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Empty(t, view.MissingMappings)
	assert.Equal(t, 1, view.Summary.Total)
}

func TestValidate_UnknownColumn(t *testing.T) {
	path := writeCSV(t, "First Name,Last Name,GR Number,Roll No\nAisha,Khan,101,1\n")

	_, err := runCmd("validate", path, "-m", "Mobile=Guardian Number")
	assert.ErrorIs(t, err, importer.ErrColumnNotFound)
}
