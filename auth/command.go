package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	envRefreshToken = "PROGRESS_REFRESH_TOKEN"
	envTrigger      = "PROGRESS_REFRESH_TRIGGER"
)

// CommandOptions configures a credential helper command.
type CommandOptions struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// CommandRefresher implements Refresher by invoking an external credential
// helper. The helper receives the refresh token in PROGRESS_REFRESH_TOKEN and
// prints either a JSON token pair or a bare access token on its first line.
// Exit status 3 means the refresh credential was rejected.
type CommandRefresher struct {
	cfg CommandOptions
}

// exitRejected is the helper exit status for a rejected refresh credential.
const exitRejected = 3

// NewCommandRefresher returns a Refresher backed by an external command.
func NewCommandRefresher(cfg CommandOptions) (*CommandRefresher, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("credential helper command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &CommandRefresher{cfg: cfg}, nil
}

// Refresh runs the helper and parses its output.
func (c *CommandRefresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if refreshToken == "" {
		return TokenPair{}, ErrNoRefreshToken
	}

	cmdCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, c.cfg.Command, c.cfg.Args...)
	cmd.Env = append(os.Environ(), formatEnv(c.cfg.Env)...)
	cmd.Env = append(cmd.Env,
		envRefreshToken+"="+refreshToken,
		envTrigger+"="+triggerFrom(ctx),
	)

	out, err := cmd.Output()
	if ctxErr := cmdCtx.Err(); ctxErr != nil && ctxErr != context.Canceled {
		return TokenPair{}, fmt.Errorf("credential helper timed out: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == exitRejected {
			return TokenPair{}, fmt.Errorf("%w (credential helper)", ErrRefreshRejected)
		}
		return TokenPair{}, fmt.Errorf("credential helper failed: %w", err)
	}
	return parseHelperOutput(out)
}

func formatEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	out := make([]string, 0, len(extra))
	for k, v := range extra {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func parseHelperOutput(raw []byte) (TokenPair, error) {
	payload := strings.TrimSpace(string(raw))
	if payload == "" {
		return TokenPair{}, fmt.Errorf("credential helper returned empty output")
	}

	if strings.HasPrefix(payload, "{") {
		var pair TokenPair
		if err := json.Unmarshal([]byte(payload), &pair); err != nil {
			return TokenPair{}, fmt.Errorf("failed to decode credential helper JSON: %w", err)
		}
		pair.AccessToken = strings.TrimSpace(pair.AccessToken)
		if pair.AccessToken == "" {
			return TokenPair{}, fmt.Errorf("credential helper JSON missing access_token")
		}
		return pair, nil
	}

	line, _, _ := strings.Cut(payload, "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return TokenPair{}, fmt.Errorf("credential helper output did not contain a token")
	}
	return TokenPair{AccessToken: line}, nil
}
