package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/executor"
)

const (
	defaultTimeout  = 30 * time.Second
	maxMessageChars = 2000
)

type Config struct {
	Endpoint string
	Token    string
	// Tool, when set, receives every action. Otherwise each action calls the
	// tool carrying its own name.
	Tool    string
	Timeout time.Duration
}

// Plugin calls one tool per action on a streamable HTTP MCP server. A tool
// result flagged as an error fails the action; its structured content may
// carry {"error_kind": "auth|transient|rejected"} and {"reference": "..."}.
type Plugin struct {
	endpoint string
	tool     string
	timeout  time.Duration
	client   *http.Client
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := h.base
	if base == nil {
		base = http.DefaultTransport
	}
	clone := req.Clone(req.Context())
	clone.Header = req.Header.Clone()
	for key, value := range h.headers {
		clone.Header.Set(key, value)
	}
	return base.RoundTrip(clone)
}

func New(cfg Config) (*Plugin, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	lower := strings.ToLower(endpoint)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return nil, fmt.Errorf("%w: mcp executor endpoint must be http or https", agenterr.ErrConfig)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	headers := map[string]string{}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return &Plugin{
		endpoint: endpoint,
		tool:     strings.TrimSpace(cfg.Tool),
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout, Transport: &headerRoundTripper{headers: headers}},
	}, nil
}

func (p *Plugin) PluginKey() string {
	return "mcp"
}

// ActionTypes is empty: the mcp plugin is registered as the fallback.
func (p *Plugin) ActionTypes() []string {
	return nil
}

func (p *Plugin) Execute(ctx context.Context, request executor.Request) (executor.Result, error) {
	if p == nil {
		return executor.Result{}, fmt.Errorf("%w: mcp executor is not configured", agenterr.ErrConfig)
	}
	if err := executor.CheckText(request.Parameters); err != nil {
		return executor.Result{}, err
	}
	tool := p.tool
	if tool == "" {
		tool = request.Action.Name()
	}
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "needloop", Version: "0.1.0"}, nil)
	session, err := client.Connect(runCtx, &sdkmcp.StreamableClientTransport{
		Endpoint:   p.endpoint,
		HTTPClient: p.client,
		MaxRetries: -1,
	}, nil)
	if err != nil {
		return executor.Result{}, fmt.Errorf("%w: connect mcp server: %v", agenterr.ErrTransientAPI, err)
	}
	defer session.Close()

	result, err := session.CallTool(runCtx, &sdkmcp.CallToolParams{Name: tool, Arguments: arguments(request)})
	if err != nil {
		return executor.Result{}, callError(tool, err)
	}
	structured := structuredFields(result)
	message := flattenResult(result)
	if result.IsError {
		return executor.Result{}, fmt.Errorf("%w: tool %s failed: %s",
			agenterr.Kind(structured["error_kind"]).Err(), tool, message)
	}
	return executor.Result{
		Plugin:    p.PluginKey(),
		Message:   message,
		Reference: structured["reference"],
	}, nil
}

func arguments(request executor.Request) map[string]any {
	windows := make([]string, 0, 2)
	for _, key := range request.Action.GoverningWindows() {
		windows = append(windows, key.String())
	}
	args := map[string]any{
		"action":    request.Action.Name(),
		"category":  string(request.Action.Category()),
		"operation": request.Action.Operation(),
		"windows":   windows,
	}
	if len(request.Parameters) > 0 {
		args["parameters"] = request.Parameters
	}
	if request.CycleID != "" {
		args["cycle_id"] = request.CycleID
	}
	return args
}

// callError classifies protocol failures. A server refusing the call itself
// (unknown tool, bad arguments) will refuse it again, so it is rejected.
func callError(tool string, err error) error {
	var wire *jsonrpc.Error
	if errors.As(err, &wire) && (wire.Code == jsonrpc.CodeInvalidParams || wire.Code == jsonrpc.CodeMethodNotFound) {
		return fmt.Errorf("%w: call tool %s: %v", agenterr.ErrRejected, tool, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "unknown tool") {
		return fmt.Errorf("%w: call tool %s: %v", agenterr.ErrRejected, tool, err)
	}
	return fmt.Errorf("%w: call tool %s: %v", agenterr.ErrTransientAPI, tool, err)
}

func structuredFields(result *sdkmcp.CallToolResult) map[string]string {
	fields := map[string]string{}
	if result == nil || result.StructuredContent == nil {
		return fields
	}
	raw, err := json.Marshal(result.StructuredContent)
	if err != nil {
		return fields
	}
	var decoded map[string]any
	if json.Unmarshal(raw, &decoded) != nil {
		return fields
	}
	for _, name := range []string{"reference", "error_kind"} {
		if value, ok := decoded[name].(string); ok {
			fields[name] = strings.TrimSpace(value)
		}
	}
	return fields
}

func flattenResult(result *sdkmcp.CallToolResult) string {
	if result == nil {
		return "tool completed"
	}
	parts := []string{}
	for _, content := range result.Content {
		if text, ok := content.(*sdkmcp.TextContent); ok && strings.TrimSpace(text.Text) != "" {
			parts = append(parts, strings.TrimSpace(text.Text))
		}
	}
	message := strings.Join(parts, " ")
	if message == "" {
		return "tool completed"
	}
	if runes := []rune(message); len(runes) > maxMessageChars {
		return string(runes[:maxMessageChars]) + "..."
	}
	return message
}
