package capture

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runner executes one bounded frame-capture command to completion. The
// snapshot tier selector injects fakes of this in tests.
type Runner interface {
	Run(ctx context.Context, command string) error
}

// ShellRunner runs capture commands through the shell, the same way the
// remote media server executes its runOnDemand commands.
type ShellRunner struct {
	logger *zap.Logger
}

// NewShellRunner creates a runner that logs command outcomes.
func NewShellRunner(logger *zap.Logger) *ShellRunner {
	return &ShellRunner{
		logger: logger.With(zap.String("component", "capture_runner")),
	}
}

// Run starts the command and waits for it to finish. The context bounds the
// whole execution: on expiry the process is killed and the error is returned
// to the caller.
func (r *ShellRunner) Run(ctx context.Context, command string) error {
	start := time.Now()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()

	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("capture timed out: %w", ctx.Err())
		}
		r.logger.Debug("Capture command failed",
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("output_tail", tail(output, 300)),
		)
		return fmt.Errorf("capture command failed: %w", err)
	}

	r.logger.Debug("Capture command finished",
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// tail returns the last n bytes of command output for diagnostics.
func tail(output []byte, n int) string {
	s := strings.TrimSpace(string(output))
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ExpandCommand substitutes the {source}, {output}, {url} and {quality}
// placeholders in a configured command template.
func ExpandCommand(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
