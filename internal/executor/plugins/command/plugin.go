package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/executor"
)

const (
	defaultTimeout = 60 * time.Second
	maxOutputBytes = 128 * 1024
)

type Config struct {
	Command string
	Args    []string
	BaseDir string
	Env     map[string]string
	Timeout time.Duration
}

// Plugin runs a local command once per action. The request is written to
// stdin as JSON and the command answers on stdout:
//
//	{"message": "...", "reference": "...", "error_kind": "auth|transient|rejected"}
//
// A zero exit is success. A non-zero exit fails the action with the reported
// error_kind, or as transient when none is given.
type Plugin struct {
	command string
	args    []string
	baseDir string
	env     []string
	timeout time.Duration
}

type requestPayload struct {
	Version    string         `json:"version"`
	Action     string         `json:"action"`
	Category   string         `json:"category"`
	Operation  string         `json:"operation"`
	Windows    []string       `json:"windows"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CycleID    string         `json:"cycle_id,omitempty"`
}

type responsePayload struct {
	Message   string `json:"message"`
	Reference string `json:"reference"`
	ErrorKind string `json:"error_kind"`
}

func New(cfg Config) (*Plugin, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, fmt.Errorf("%w: executor command is required", agenterr.ErrConfig)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	baseDir := strings.TrimSpace(cfg.BaseDir)
	if baseDir == "" {
		baseDir = "."
	}
	env := make([]string, 0, len(cfg.Env))
	for key, value := range cfg.Env {
		name := strings.TrimSpace(key)
		if name == "" {
			continue
		}
		env = append(env, name+"="+os.ExpandEnv(strings.TrimSpace(value)))
	}
	return &Plugin{
		command: command,
		args:    append([]string{}, cfg.Args...),
		baseDir: baseDir,
		env:     env,
		timeout: timeout,
	}, nil
}

func (p *Plugin) PluginKey() string {
	return "command"
}

// ActionTypes is empty: the command is registered as the fallback.
func (p *Plugin) ActionTypes() []string {
	return nil
}

func (p *Plugin) Execute(ctx context.Context, request executor.Request) (executor.Result, error) {
	if p == nil {
		return executor.Result{}, fmt.Errorf("%w: command executor is not configured", agenterr.ErrConfig)
	}
	if err := executor.CheckText(request.Parameters); err != nil {
		return executor.Result{}, err
	}
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	windows := make([]string, 0, 2)
	for _, key := range request.Action.GoverningWindows() {
		windows = append(windows, key.String())
	}
	body, err := json.Marshal(requestPayload{
		Version:    "v1",
		Action:     request.Action.Name(),
		Category:   string(request.Action.Category()),
		Operation:  request.Action.Operation(),
		Windows:    windows,
		Parameters: request.Parameters,
		CycleID:    request.CycleID,
	})
	if err != nil {
		return executor.Result{}, fmt.Errorf("%w: encode command request: %v", agenterr.ErrRejected, err)
	}

	execCommand := p.command
	if looksLikePath(execCommand) && !filepath.IsAbs(execCommand) {
		execCommand = filepath.Join(p.baseDir, execCommand)
	}
	cmd := exec.CommandContext(runCtx, filepath.Clean(execCommand), p.args...)
	cmd.Dir = p.baseDir
	cmd.Stdin = bytes.NewReader(body)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.WaitDelay = time.Second
	stdout := &limitedBuffer{MaxBytes: maxOutputBytes}
	stderr := &limitedBuffer{MaxBytes: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	var decoded responsePayload
	output := strings.TrimSpace(stdout.String())
	parsed := output != "" && json.Unmarshal([]byte(output), &decoded) == nil

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return executor.Result{}, fmt.Errorf("%w: command timed out after %s", agenterr.ErrTransientAPI, p.timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return executor.Result{}, fmt.Errorf("%w: start command: %v", agenterr.ErrConfig, runErr)
		}
		detail := compactOutput(stderr.String())
		if parsed && strings.TrimSpace(decoded.Message) != "" {
			detail = strings.TrimSpace(decoded.Message)
		}
		return executor.Result{}, fmt.Errorf("%w: command exited with %d: %s",
			agenterr.Kind(decoded.ErrorKind).Err(), exitErr.ExitCode(), detail)
	}

	result := executor.Result{Plugin: p.PluginKey(), Message: "command completed"}
	switch {
	case parsed:
		if message := strings.TrimSpace(decoded.Message); message != "" {
			result.Message = message
		}
		result.Reference = strings.TrimSpace(decoded.Reference)
	case output != "":
		result.Message = compactOutput(output)
	}
	return result, nil
}

func looksLikePath(command string) bool {
	return strings.Contains(command, "/") || strings.Contains(command, "\\") || strings.HasPrefix(command, ".")
}

func compactOutput(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "(empty)"
	}
	normalized := strings.Join(strings.Fields(trimmed), " ")
	if len(normalized) <= 300 {
		return normalized
	}
	return normalized[:300] + "..."
}

type limitedBuffer struct {
	MaxBytes int
	buf      bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.MaxBytes - b.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		_, _ = b.buf.Write(p[:remaining])
		return len(p), nil
	}
	_, _ = b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
