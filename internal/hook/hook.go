// Package hook forwards recognized transcripts to a user command.
package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"

	"prism/internal/config"
	"prism/internal/media"
)

// Job is one transcript to deliver.
type Job struct {
	Text       string
	Window     media.TimeRange
	MediaRef   string
	Confidence float64
	Timestamp  time.Time
}

// Runner executes the configured command once per job.
type Runner struct {
	cfg    *config.Config
	logger *logrus.Logger
	args   []string
}

// NewRunner resolves the argument list up front so a bad arg_line fails at
// startup rather than on the first transcript.
func NewRunner(cfg *config.Config, logger *logrus.Logger) (*Runner, error) {
	extra, err := ParseArgs(cfg.Hook.ArgLine)
	if err != nil {
		return nil, fmt.Errorf("hook.arg_line: %w", err)
	}
	args := append(append([]string{}, cfg.Hook.Args...), extra...)
	return &Runner{cfg: cfg, logger: logger, args: args}, nil
}

// Enabled reports whether a command is configured.
func (r *Runner) Enabled() bool { return strings.TrimSpace(r.cfg.Hook.Command) != "" }

// ShouldRun applies the min_chars gate.
func (r *Runner) ShouldRun(job Job) bool {
	text := strings.TrimSpace(job.Text)
	if text == "" {
		return false
	}
	return r.cfg.Hook.MinChars <= 0 || len(text) >= r.cfg.Hook.MinChars
}

// Run executes the command with the text as the final argument. Window bounds
// and media are passed through the environment.
func (r *Runner) Run(ctx context.Context, job Job) error {
	cmdStr := r.cfg.Hook.Command
	if cmdStr == "" {
		return fmt.Errorf("no hook.command configured")
	}
	text := strings.TrimSpace(job.Text)
	args := append(append([]string{}, r.args...), text)

	runCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.Hook.TimeoutSec > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(float64(time.Second)*r.cfg.Hook.TimeoutSec))
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, cmdStr, args...)
	cmd.Env = os.Environ()
	for k, v := range r.cfg.Hook.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env,
		"PRISM_TEXT="+text,
		"PRISM_START="+formatSec(job.Window.Start),
		"PRISM_END="+formatSec(job.Window.End),
		"PRISM_MEDIA="+job.MediaRef,
		"PRISM_CONFIDENCE="+strconv.FormatFloat(job.Confidence, 'f', 3, 64),
	)

	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		r.logger.Infof("hook output: %s", strings.TrimSpace(string(out)))
	}
	if err != nil {
		return fmt.Errorf("hook failed: %w", err)
	}
	return nil
}

// ParseArgs splits a shell-style argument string.
func ParseArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	return shlex.Split(raw)
}

func formatSec(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
