package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const killGrace = 2 * time.Second

// execRunner launches an arbitrary command as the agent process. The process
// runs in its own group so a timeout can take the whole tree down.
type execRunner struct {
	cmd []string
}

func newExecRunner(cmd []string) *execRunner {
	return &execRunner{cmd: cmd}
}

func (r *execRunner) Run(ctx context.Context, inv Invocation, output io.Writer) ([]byte, int, error) {
	cmd := exec.Command(r.cmd[0], r.cmd[1:]...)
	cmd.Dir = inv.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var buf bytes.Buffer
	w := io.Writer(&buf)
	if output != nil {
		w = io.MultiWriter(&buf, output)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		return nil, 0, fmt.Errorf("start agent: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killTree(cmd.Process.Pid)
		<-done
		return buf.Bytes(), -1, ctx.Err()
	case waitErr := <-done:
		exitCode := cmd.ProcessState.ExitCode()
		if waitErr != nil && exitCode < 0 {
			return buf.Bytes(), exitCode, fmt.Errorf("wait agent: %w", waitErr)
		}
		return buf.Bytes(), exitCode, nil
	}
}

func (r *execRunner) Describe() RunnerInfo {
	return RunnerInfo{Type: "exec", Cmd: r.cmd}
}

// killTree terminates the process group: SIGTERM first, SIGKILL after the
// grace period. Orphaned children would otherwise keep writing into the task
// directory after the result is recorded.
func killTree(pid int) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	target := -pgid
	if pgid <= 0 {
		target = pid
	}

	_ = syscall.Kill(target, syscall.SIGTERM)

	deadline := time.Now().Add(killGrace)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	log.Warn().Int("pid", pid).Msg("agent ignored SIGTERM, sending SIGKILL")
	_ = syscall.Kill(target, syscall.SIGKILL)
}
