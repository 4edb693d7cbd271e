package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strings"
	"time"
)

var errTimeout = errors.New("timeout")

// runScript runs bash script with a hard deadline. On timeout the whole
// process group is killed so children do not outlive the job.
func runScript(ctx context.Context, script string, env []string, timeout time.Duration) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", script)
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out.String(), -1, errTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return out.String(), -1, fmt.Errorf("run %s: %w", script, err)
	}
	return out.String(), 0, nil
}

// scriptEnv is the daemon environment plus the variables job scripts expect.
func scriptEnv(cfg Config) []string {
	env := os.Environ()
	path := os.Getenv("PATH")
	if cfg.ScriptDir != "" {
		path = cfg.ScriptDir + ":" + path
	}
	env = append(env,
		"PATH="+path,
		"VAULT_PATH="+cfg.VaultPath,
		"LOBMOB_RUNTIME=lobwife",
		"LOG_DIR="+os.TempDir(),
	)
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// truncateOutput keeps the last maxOutputLines lines.
func truncateOutput(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) <= maxOutputLines {
		return strings.TrimSpace(output)
	}
	return fmt.Sprintf("[truncated to last %d lines]\n%s", maxOutputLines, strings.Join(lines[len(lines)-maxOutputLines:], "\n"))
}

// roundDuration returns seconds rounded to one decimal place.
func roundDuration(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}
