package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validPipeline = `{
	"version": 1,
	"steps": [
		{"key": "start", "type": "TRIGGER", "config": {"kind": "MANUAL"}},
		{"key": "pull", "type": "EXTRACT", "config": {"adapter": "jsonFile", "path": "%s"}},
		{"key": "shape", "type": "TRANSFORM", "config": {}, "operators": [
			{"op": "uppercase", "args": {"field": "name"}}
		]},
		{"key": "push", "type": "LOAD", "config": {"adapter": "stdout"}}
	],
	"edges": [
		{"from": "start", "to": "pull"},
		{"from": "pull", "to": "shape"},
		{"from": "shape", "to": "push"}
	]
}`

func validPipelineFile(t *testing.T, recordsPath string) string {
	return writeFile(t, "pipeline.json", fmt.Sprintf(validPipeline, recordsPath))
}

func recordsFile(t *testing.T) string {
	return writeFile(t, "records.json", `[{"name":"ada"},{"name":"grace"}]`)
}

func TestValidateCommand_Valid(t *testing.T) {
	path := validPipelineFile(t, recordsFile(t))

	out, _, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: pipeline definition is valid")
}

func TestValidateCommand_Invalid(t *testing.T) {
	path := writeFile(t, "bad.json", `{"version": 1, "steps": [
		{"key": "pull", "type": "EXTRACT", "config": {"adapter": "bigquery"}}
	]}`)

	out, _, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "INVALID")
	assert.Contains(t, out, `unknown extractor adapter "bigquery"`)
}

func TestValidateCommand_JSONFormat(t *testing.T) {
	path := validPipelineFile(t, recordsFile(t))

	out, _, err := execute(t, "--format", "json", "validate", path)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestValidateCommand_BadLevel(t *testing.T) {
	path := validPipelineFile(t, recordsFile(t))

	_, _, err := execute(t, "validate", "--level", "paranoid", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid level "paranoid"`)
}

func TestValidateCommand_MissingFile(t *testing.T) {
	_, _, err := execute(t, "validate", "/nonexistent/pipeline.json")
	require.Error(t, err)
}

func TestPlanCommand(t *testing.T) {
	path := validPipelineFile(t, recordsFile(t))

	out, _, err := execute(t, "plan", path)
	require.NoError(t, err)
	assert.Contains(t, out, "batch 1: start")
	assert.Contains(t, out, "batch 2: pull")
	assert.Contains(t, out, "batch 3: shape")
	assert.Contains(t, out, "batch 4: push")
}

func TestRunCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	t.Setenv("DATABASE_PATH", dbPath)

	path := validPipelineFile(t, recordsFile(t))

	out, errOut, err := execute(t, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "processed: 2")

	// The stdout loader writes records to the command's error stream.
	assert.Contains(t, errOut, "ADA")
	assert.Contains(t, errOut, "GRACE")
}

func TestRunCommand_JSONFormat(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	t.Setenv("DATABASE_PATH", dbPath)

	path := validPipelineFile(t, recordsFile(t))

	out, _, err := execute(t, "--format", "json", "run", path)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestRunCommand_InvalidDefinition(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	t.Setenv("DATABASE_PATH", dbPath)

	path := writeFile(t, "bad.json", `{"version": 1, "steps": [
		{"key": "pull", "type": "EXTRACT", "config": {"adapter": "bigquery"}}
	]}`)

	_, _, err := execute(t, "run", path)
	require.Error(t, err)
}

func TestRunCommand_ResumeRequiresRunID(t *testing.T) {
	path := validPipelineFile(t, recordsFile(t))

	_, _, err := execute(t, "run", "--resume", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--resume requires --run-id")
}

func TestHistoryCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	t.Setenv("DATABASE_PATH", dbPath)

	pipeline := validPipelineFile(t, recordsFile(t))
	_, _, err := execute(t, "run", pipeline)
	require.NoError(t, err)

	out, _, err := execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "pipeline")
	assert.Contains(t, out, "COMPLETED")
}

func TestHistoryCommand_Empty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	t.Setenv("DATABASE_PATH", dbPath)

	out, _, err := execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "no runs recorded")
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	path := validPipelineFile(t, recordsFile(t))

	_, _, err := execute(t, "--format", "xml", "validate", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}
