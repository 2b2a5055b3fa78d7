// Package namadac wraps the two namadac invocations the monitor needs:
// a presence check and the operator to Tendermint key lookup.
package namadac

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/cometbft/cometbft/libs/log"
)

var ErrKeyNotFound = errors.New("tendermint key not found in namadac output")

var tendermintKeyRe = regexp.MustCompile(`Tendermint key:[ \t]*(\S.*)`)

// Runner executes name with args and returns its stdout and stderr.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

type Client struct {
	path    string
	node    string
	timeout time.Duration
	run     Runner
	logger  log.Logger
}

func NewClient(path, node string, timeout time.Duration, logger log.Logger) *Client {
	return &Client{
		path:    path,
		node:    node,
		timeout: timeout,
		run:     execRunner,
		logger:  logger,
	}
}

// WithRunner swaps the process runner, mainly for tests.
func (c *Client) WithRunner(run Runner) *Client {
	c.run = run
	return c
}

func (c *Client) exec(ctx context.Context, args ...string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.logger.Debug("Running namadac", "path", c.path, "args", strings.Join(args, " "))
	start := time.Now()
	stdout, stderr, err := c.run(ctx, c.path, args...)
	elapsed := time.Since(start)
	if len(stderr) > 0 {
		c.logger.Debug("namadac stderr", "output", strings.TrimSpace(string(stderr)))
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s %s timed out after %v", c.path, args[0], elapsed)
		}
		msg := strings.TrimSpace(string(stderr))
		if msg != "" {
			return "", fmt.Errorf("%s %s: %w: %s", c.path, args[0], err, msg)
		}
		return "", fmt.Errorf("%s %s: %w", c.path, args[0], err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// CheckBinary runs `namadac --version`.
func (c *Client) CheckBinary(ctx context.Context) error {
	out, err := c.exec(ctx, "--version")
	if err != nil {
		return fmt.Errorf("namadac binary not usable: %w", err)
	}
	c.logger.Info("Namadac binary found", "version", out)
	return nil
}

// FindTendermintKey resolves the consensus key for operator through
// `namadac find-validator`.
func (c *Client) FindTendermintKey(ctx context.Context, operator string) (string, error) {
	out, err := c.exec(ctx, "find-validator", "--node", c.node, "--validator", operator)
	if err != nil {
		return "", fmt.Errorf("failed to run find-validator: %w", err)
	}
	key, err := ParseTendermintKey(out)
	if err != nil {
		return "", fmt.Errorf("operator %s via %s: %w", operator, c.node, err)
	}
	c.logger.Info("Tendermint key resolved", "operator", operator, "key", key)
	return key, nil
}

func ParseTendermintKey(output string) (string, error) {
	m := tendermintKeyRe.FindStringSubmatch(output)
	if m == nil {
		return "", ErrKeyNotFound
	}
	key := strings.TrimSpace(m[1])
	if key == "" {
		return "", ErrKeyNotFound
	}
	return key, nil
}
