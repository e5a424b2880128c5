package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/autopilot/pkg/config"
)

const testLawbook = `version: 1.0.0
allowed_actions: [restart-service, RESTART_SERVICE, RERUN_CI_JOB]
`

const testPlaybook = `id: restart-service
version: "1"
steps:
  - id: restart
    action_type: RESTART_SERVICE
    inputs:
      service: "{{incident.service}}"
`

type env struct {
	dir  string
	base []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lawbook.yaml"), []byte(testLawbook), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "playbooks"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "playbooks", "restart.yaml"), []byte(testPlaybook), 0o600))
	return &env{dir: dir, base: []string{"--dsn", filepath.Join(dir, "autopilot.db"), "--log-level", "error"}}
}

func (e *env) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), append(append([]string{}, args...), e.base...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLI_IssueLifecycle(t *testing.T) {
	e := newEnv(t)

	code, out, _ := e.run(t, "migrate")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"schema_version"`)

	code, _, errOut := e.run(t, "issue", "create", "ISS-1", "--title", "flaky checkout")
	require.Equal(t, 0, code, errOut)

	code, out, errOut = e.run(t, "issue", "transition", "ISS-1", "--from", "created", "--to", "spec_ready")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "SPEC_READY")

	code, _, errOut = e.run(t, "issue", "transition", "ISS-1", "--from", "SPEC_READY", "--to", "DONE")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "kind: POLICY_VIOLATION")

	code, out, _ = e.run(t, "audit", "show", "issue:ISS-1", "--json")
	require.Equal(t, 0, code)
	var events []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	assert.Len(t, events, 3)
}

func TestCLI_PlaybookRun(t *testing.T) {
	e := newEnv(t)

	code, out, errOut := e.run(t, "playbook", "run", "restart-service", "--incident", "INC-2026-000123", "--service", "checkout")
	require.Equal(t, 0, code, errOut)
	var run map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, "SUCCEEDED", run["status"])

	code, out, _ = e.run(t, "playbook", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "RESTART_SERVICE")

	code, out, _ = e.run(t, "audit", "verify")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"valid": true`)

	code, out, errOut = e.run(t, "audit", "export", "--out", filepath.Join(e.dir, "packs"))
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "event_count")
}

func TestCLI_SkippedRunExitsNonZero(t *testing.T) {
	e := newEnv(t)

	code, out, errOut := e.run(t, "playbook", "run", "drain-node", "--incident", "INC-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "SKIPPED")
	assert.Contains(t, errOut, "kind: POLICY_VIOLATION")
}

func TestCLI_StopEvaluate(t *testing.T) {
	e := newEnv(t)

	code, out, errOut := e.run(t, "stop", "evaluate", "--job", "ci/build", "--class", "lint")
	require.Equal(t, 0, code, errOut)
	var d map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, "KILL", d["decision"])
	assert.Equal(t, "NON_RETRIABLE_FAILURE", d["reason_code"])

	code, out, errOut = e.run(t, "stop", "observe", "--job", "ci/build", "--class", "flaky", "--signal", "abc")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "CONTINUE")
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	_, err := newLogger(&buf, &config.Config{LogLevel: "chatty"})
	require.ErrorIs(t, err, config.ErrInvalid)

	logger, err := newLogger(&buf, &config.Config{LogLevel: "warn"})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestCLI_InvalidConfig(t *testing.T) {
	e := newEnv(t)
	code, _, errOut := e.run(t, "migrate", "--database-driver", "mysql")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown")
}
