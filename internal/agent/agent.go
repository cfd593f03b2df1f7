// Package agent provides implementations for launching agent processes.
package agent

import (
	"context"
	"fmt"
	"io"

	"github.com/metalagman/ainvoke"
	"github.com/metalagman/quorum/internal/config"
)

// Invocation describes one agent process launch. The deadline is carried by
// the context; on expiry the whole process tree is terminated.
type Invocation struct {
	// Dir is the task directory the process runs in; input.json lives there.
	Dir string
	// Prompt is the opaque payload supplied by an external collaborator.
	Prompt string
	// Input is the structured task record handed to the agent.
	Input any
}

// Runner launches an agent process and captures its combined output.
type Runner interface {
	Run(ctx context.Context, inv Invocation, output io.Writer) (combined []byte, exitCode int, err error)
	Describe() RunnerInfo
}

// RunnerInfo describes how an agent is invoked.
type RunnerInfo struct {
	Type   string
	Cmd    []string
	Model  string
	UseTTY bool
}

type agentSpec struct {
	defaultSubcommand string
	extraFlags        []string
}

var agentSpecs = map[string]agentSpec{
	"codex": {
		defaultSubcommand: "exec",
		extraFlags:        []string{"--full-auto", "--skip-git-repo-check"},
	},
	"opencode": {
		defaultSubcommand: "run",
	},
	"gemini": {
		extraFlags: []string{"--output-format", "text", "--approval-mode", "yolo"},
	},
	"claude": {
		extraFlags: []string{"--output-format", "text", "--print", "--dangerously-skip-permissions"},
	},
}

// NewRunner constructs a runner for the given agent config.
func NewRunner(cfg config.AgentConfig) (Runner, error) {
	if cfg.Type == "exec" {
		if len(cfg.Cmd) == 0 {
			return nil, fmt.Errorf("exec agent requires cmd")
		}
		return newExecRunner(cfg.Cmd), nil
	}

	spec, ok := agentSpecs[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", cfg.Type)
	}
	cmd := prepareCmd(cfg.Type, spec, cfg.Model)

	useTTY := false
	if cfg.UseTTY != nil {
		useTTY = *cfg.UseTTY
	}

	ar, err := ainvoke.NewRunner(ainvoke.AgentConfig{
		Cmd:    cmd,
		UseTTY: useTTY,
	})
	if err != nil {
		return nil, err
	}

	return &ainvokeRunner{
		runner: ar,
		info: RunnerInfo{
			Type:   cfg.Type,
			Cmd:    cmd,
			Model:  cfg.Model,
			UseTTY: useTTY,
		},
	}, nil
}

func prepareCmd(baseCmd string, spec agentSpec, model string) []string {
	out := []string{baseCmd}
	if spec.defaultSubcommand != "" {
		out = append(out, spec.defaultSubcommand)
	}
	if model != "" {
		out = append(out, "--model", model)
	}
	out = append(out, spec.extraFlags...)
	return out
}

type ainvokeRunner struct {
	runner ainvoke.Runner
	info   RunnerInfo
}

func (r *ainvokeRunner) Run(ctx context.Context, inv Invocation, output io.Writer) ([]byte, int, error) {
	if output == nil {
		output = io.Discard
	}

	// ainvoke handles writing input.json and running the command; the
	// context deadline bounds the whole invocation.
	outBytes, errBytes, exitCode, err := r.runner.Run(ctx, ainvoke.Invocation{
		RunDir:       inv.Dir,
		SystemPrompt: inv.Prompt,
		Input:        inv.Input,
	}, ainvoke.WithStdout(output), ainvoke.WithStderr(output))

	combined := make([]byte, 0, len(outBytes)+len(errBytes))
	combined = append(combined, outBytes...)
	combined = append(combined, errBytes...)
	return combined, exitCode, err
}

func (r *ainvokeRunner) Describe() RunnerInfo {
	return r.info
}
