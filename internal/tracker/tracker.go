// Package tracker shells out to an external issue-tracker CLI. Every failure
// is wrapped and returned for the caller to log as a warning; run mutations
// never depend on the tracker being reachable.
package tracker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const execTimeout = 30 * time.Second

// Client invokes a configured tracker binary. A zero Binary disables the
// integration; every method becomes a no-op.
type Client struct {
	binary string
}

func NewClient(binary string) *Client {
	return &Client{binary: binary}
}

// Enabled reports whether a tracker binary is configured.
func (c *Client) Enabled() bool {
	return c.binary != ""
}

// CreateTask opens a tracker task for a run and returns the tracker's task
// identifier (the trimmed first line of the command output).
func (c *Client) CreateTask(ctx context.Context, title, body string) (string, error) {
	if !c.Enabled() {
		return "", nil
	}
	out, err := c.run(ctx, "create", "--title", title, "--body", body)
	if err != nil {
		return "", err
	}
	id, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	if id == "" {
		return "", fmt.Errorf("tracker %s create: empty task id in output", c.binary)
	}
	return id, nil
}

// CloseTask closes a previously created tracker task.
func (c *Client) CloseTask(ctx context.Context, taskID string) error {
	if !c.Enabled() {
		return nil
	}
	if taskID == "" {
		return fmt.Errorf("tracker close: empty task id")
	}
	_, err := c.run(ctx, "close", taskID)
	return err
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tracker %s %s: %w: %s", c.binary, args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
