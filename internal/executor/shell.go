package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/coralane/drover/internal/eventbus"
)

// ShellBackend runs "shell" actions as local commands. It exists for the
// playbook runner and tests; production deployments plug in their own
// sandboxed Backend.
type ShellBackend struct {
	// Dir is the working directory; empty means inherit.
	Dir string
	// Timeout bounds one command. Default 60s.
	Timeout time.Duration
}

func (b *ShellBackend) Name() string { return "shell" }

func (b *ShellBackend) Run(ctx context.Context, action *eventbus.Action) (*eventbus.Observation, error) {
	switch action.Name {
	case "noop":
		return &eventbus.Observation{Content: "ok"}, nil
	case "shell":
	default:
		return nil, fmt.Errorf("unsupported action %q", action.Name)
	}

	command, _ := action.Args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("shell action requires a command argument")
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = b.Dir
	output, err := cmd.CombinedOutput()
	content := strings.TrimRight(string(output), "\n")
	if err != nil {
		// Command failure is a result, not a backend failure: the
		// policy needs to see the output either way.
		return &eventbus.Observation{
			Content: content,
			Extras: map[string]any{
				"exit_error": err.Error(),
			},
		}, nil
	}
	return &eventbus.Observation{Content: content}, nil
}
