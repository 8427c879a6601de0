package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/executor"
)

// Plugin hands every action to an external automation endpoint, which owns
// the platform credentials and transport.
type Plugin struct {
	url    string
	token  string
	client *http.Client
}

type payload struct {
	Action     string         `json:"action"`
	Category   string         `json:"category"`
	Operation  string         `json:"operation"`
	Windows    []string       `json:"windows"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CycleID    string         `json:"cycle_id,omitempty"`
}

type response struct {
	Message   string `json:"message"`
	Reference string `json:"reference"`
}

func New(url, token string, timeout time.Duration) *Plugin {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Plugin{
		url:    strings.TrimSpace(url),
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: timeout},
	}
}

func (p *Plugin) PluginKey() string {
	return "webhook"
}

// ActionTypes is empty: the webhook is registered as the fallback.
func (p *Plugin) ActionTypes() []string {
	return nil
}

func (p *Plugin) Execute(ctx context.Context, request executor.Request) (executor.Result, error) {
	if p.client == nil {
		p.client = &http.Client{Timeout: 15 * time.Second}
	}
	if p.url == "" {
		return executor.Result{}, fmt.Errorf("%w: webhook executor requires a url", agenterr.ErrConfig)
	}
	lowerURL := strings.ToLower(p.url)
	if !strings.HasPrefix(lowerURL, "http://") && !strings.HasPrefix(lowerURL, "https://") {
		return executor.Result{}, fmt.Errorf("%w: unsupported webhook url scheme", agenterr.ErrConfig)
	}
	if err := executor.CheckText(request.Parameters); err != nil {
		return executor.Result{}, err
	}

	windows := make([]string, 0, 2)
	for _, key := range request.Action.GoverningWindows() {
		windows = append(windows, key.String())
	}
	body, err := json.Marshal(payload{
		Action:     request.Action.Name(),
		Category:   string(request.Action.Category()),
		Operation:  request.Action.Operation(),
		Windows:    windows,
		Parameters: request.Parameters,
		CycleID:    request.CycleID,
	})
	if err != nil {
		return executor.Result{}, fmt.Errorf("%w: encode webhook body: %v", agenterr.ErrRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return executor.Result{}, fmt.Errorf("%w: build webhook request: %v", agenterr.ErrConfig, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	if request.CycleID != "" {
		req.Header.Set("X-Needloop-Cycle", request.CycleID)
	}

	res, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return executor.Result{}, fmt.Errorf("%w: webhook timed out: %w", agenterr.ErrTransientAPI, err)
		}
		return executor.Result{}, fmt.Errorf("%w: webhook request: %v", agenterr.ErrTransientAPI, err)
	}
	defer res.Body.Close()

	responseBody, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err := statusError(res, responseBody); err != nil {
		return executor.Result{}, err
	}
	result := executor.Result{
		Plugin:  p.PluginKey(),
		Message: fmt.Sprintf("webhook request completed with status %d", res.StatusCode),
	}
	var decoded response
	if len(bytes.TrimSpace(responseBody)) > 0 && json.Unmarshal(responseBody, &decoded) == nil {
		if strings.TrimSpace(decoded.Message) != "" {
			result.Message = strings.TrimSpace(decoded.Message)
		}
		result.Reference = strings.TrimSpace(decoded.Reference)
	}
	return result, nil
}

func statusError(res *http.Response, body []byte) error {
	status := res.StatusCode
	if status >= 200 && status < 300 {
		return nil
	}
	detail := fmt.Sprintf("webhook request failed: status=%d body=%s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", agenterr.ErrAuth, detail)
	case status == http.StatusTooManyRequests:
		if reset := rateLimitReset(res.Header); reset != "" {
			detail += " reset=" + reset
		}
		return fmt.Errorf("%w: %s", agenterr.ErrTransientAPI, detail)
	case status == http.StatusRequestTimeout || status >= 500:
		return fmt.Errorf("%w: %s", agenterr.ErrTransientAPI, detail)
	default:
		return fmt.Errorf("%w: %s", agenterr.ErrRejected, detail)
	}
}

func rateLimitReset(header http.Header) string {
	for _, name := range []string{"X-Rate-Limit-Reset", "Retry-After"} {
		if value := strings.TrimSpace(header.Get(name)); value != "" {
			return value
		}
	}
	return ""
}
