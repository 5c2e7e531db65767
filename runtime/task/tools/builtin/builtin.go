// Package builtin ships the tools every task worker registers: shell access,
// scratch reasoning, wall-clock reads, child task spawning and passive task
// querying.
package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"

	"goa.design/microcore/runtime/task/tools"
)

const bashTimeout = 60 * time.Second

// Bash returns the bash tool: runs a shell command and reports stdout,
// stderr and the exit code. Non-zero exits are ordinary results, not errors.
func Bash() *tools.Tool {
	return &tools.Tool{
		Name:        "bash",
		Description: "Execute a bash command and return stdout, stderr, and exit code",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The bash command to execute"}
			},
			"required": ["command"]
		}`),
		Handler: func(ctx context.Context, input json.RawMessage, _ string) (any, error) {
			var in struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}

			ctx, cancel := context.WithTimeout(ctx, bashTimeout)
			defer cancel()

			var stdout, stderr bytes.Buffer
			cmd := exec.CommandContext(ctx, "bash", "-c", in.Command)
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			returncode := 0
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				switch {
				case errors.As(err, &exitErr):
					returncode = exitErr.ExitCode()
				case ctx.Err() != nil:
					return nil, errors.New("command timed out after 60s")
				default:
					return nil, err
				}
			}
			return map[string]any{
				"stdout":     stdout.String(),
				"stderr":     stderr.String(),
				"returncode": returncode,
			}, nil
		},
	}
}

// Think returns the think tool: the model's scratchpad. Thoughts are
// discarded; only the conclusions come back as the result.
func Think() *tools.Tool {
	return &tools.Tool{
		Name:        "think",
		Description: "Internal reasoning - thoughts discarded, conclusions kept",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"thoughts": {"type": "string", "description": "Internal reasoning (discarded)"},
				"conclusions": {"type": "string", "description": "Final conclusions (returned)"}
			},
			"required": ["thoughts", "conclusions"]
		}`),
		Handler: func(_ context.Context, input json.RawMessage, _ string) (any, error) {
			var in struct {
				Conclusions string `json:"conclusions"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			return map[string]string{"conclusions": in.Conclusions}, nil
		},
	}
}

// Clock returns the clock tool: reports the current date and time.
func Clock(now func() time.Time) *tools.Tool {
	if now == nil {
		now = time.Now
	}
	return &tools.Tool{
		Name:        "clock",
		Description: "Get the current date and time",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		Handler: func(_ context.Context, _ json.RawMessage, _ string) (any, error) {
			t := now().UTC()
			return map[string]any{
				"date":     t.Format("2006-01-02"),
				"time":     t.Format("15:04:05"),
				"timezone": "UTC",
				"unix":     t.Unix(),
			}, nil
		},
	}
}
