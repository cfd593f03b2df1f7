// Package control carries run-level control signals: the external stop
// request and the exclusive run lock.
package control

import (
	"context"
	"os"
	"path/filepath"
)

const stopFlagName = "stop"

// Stop observes the external stop request. It is checked by the control
// goroutine between rounds and before each task launch; already-running
// agents are left to finish or hit their own timeout.
type Stop struct {
	ctx      context.Context
	flagPath string
}

// NewStop builds a stop signal backed by the context (OS signals) and the
// flag file under quorumDir.
func NewStop(ctx context.Context, quorumDir string) *Stop {
	return &Stop{ctx: ctx, flagPath: filepath.Join(quorumDir, stopFlagName)}
}

// Requested reports whether a stop has been raised via either channel.
func (s *Stop) Requested() bool {
	if s.ctx.Err() != nil {
		return true
	}
	_, err := os.Stat(s.flagPath)
	return err == nil
}

// Raise creates the stop flag file under quorumDir.
func Raise(quorumDir string) error {
	if err := os.MkdirAll(quorumDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(quorumDir, stopFlagName), []byte("stop requested\n"), 0o644)
}

// Clear removes a leftover stop flag so a new run can start.
func Clear(quorumDir string) error {
	err := os.Remove(filepath.Join(quorumDir, stopFlagName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
