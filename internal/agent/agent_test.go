package agent

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/metalagman/quorum/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_CapturesCombinedOutput(t *testing.T) {
	t.Parallel()

	r := newExecRunner([]string{"/bin/sh", "-c", "echo out; echo err 1>&2"})
	var sink bytes.Buffer
	out, exitCode, err := r.Run(context.Background(), Invocation{Dir: t.TempDir()}, &sink)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Contains(t, string(out), "out")
	assert.Contains(t, string(out), "err")
	assert.Equal(t, out, sink.Bytes())
}

func TestExecRunner_NonzeroExit(t *testing.T) {
	t.Parallel()

	r := newExecRunner([]string{"/bin/sh", "-c", "exit 3"})
	_, exitCode, err := r.Run(context.Background(), Invocation{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, exitCode)
}

func TestExecRunner_TimeoutKillsProcessTree(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	r := newExecRunner([]string{"/bin/sh", "-c", "sleep 30"})
	start := time.Now()
	_, _, err := r.Run(ctx, Invocation{Dir: t.TempDir()}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestNewRunner_ExecRequiresCmd(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(config.AgentConfig{Type: "exec"})
	assert.Error(t, err)
}

func TestNewRunner_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(config.AgentConfig{Type: "telegraph"})
	assert.Error(t, err)
}

func TestPrepareCmd(t *testing.T) {
	t.Parallel()

	cmd := prepareCmd("codex", agentSpecs["codex"], "gpt-5-codex")
	assert.Equal(t, []string{"codex", "exec", "--model", "gpt-5-codex", "--full-auto", "--skip-git-repo-check"}, cmd)
}
