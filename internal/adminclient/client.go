package adminclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dwizi/needloop/internal/config"
	"github.com/dwizi/needloop/internal/heartbeat"
	"github.com/dwizi/needloop/internal/loop"
	"github.com/dwizi/needloop/internal/scheduler"
)

// Client talks to a running needloop server.
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// Is lets callers match a 409 from the cycle endpoint against loop.ErrCycleInFlight.
func (e *APIError) Is(target error) bool {
	return target == loop.ErrCycleInFlight && e.Status == http.StatusConflict
}

type Need struct {
	Kind      string  `json:"kind"`
	Value     float64 `json:"value"`
	Deficit   float64 `json:"deficit"`
	DecayRate float64 `json:"decay_rate"`
}

type Window struct {
	Key          string    `json:"key"`
	Operation    string    `json:"operation"`
	Scope        string    `json:"scope"`
	DurationSec  int64     `json:"duration_sec"`
	MaxCount     int       `json:"max_count"`
	CurrentCount int       `json:"current_count"`
	Reserved     int       `json:"reserved"`
	Headroom     int       `json:"headroom"`
	StartedAt    time.Time `json:"started_at"`
	ResetsAt     time.Time `json:"resets_at"`
}

type State struct {
	Phase      string            `json:"phase"`
	Needs      []Need            `json:"needs"`
	Windows    []Window          `json:"windows"`
	LastReport *loop.Report      `json:"last_report,omitempty"`
	Scheduler  *scheduler.Status `json:"scheduler,omitempty"`
}

type Cycle struct {
	ID         string       `json:"id"`
	Outcome    string       `json:"outcome"`
	Status     string       `json:"status"`
	Action     string       `json:"action,omitempty"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	Candidates int          `json:"candidates"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Report     *loop.Report `json:"report,omitempty"`
}

type ListCyclesResponse struct {
	Items []Cycle `json:"items"`
	Count int     `json:"count"`
}

type ResumeResponse struct {
	Resumed   bool             `json:"resumed"`
	Scheduler scheduler.Status `json:"scheduler"`
}

func New(cfg config.Config) (*Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.APITLSSkipVerify,
	}
	if cfg.APITLSCAFile != "" {
		caBytes, err := os.ReadFile(cfg.APITLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read api tls ca file: %w", err)
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(caBytes); !ok {
			return nil, fmt.Errorf("parse api tls ca file")
		}
		tlsConfig.RootCAs = certPool
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("NEEDLOOP_API_URL is required")
	}

	timeout := time.Duration(cfg.APITimeoutSec) * time.Second
	if timeout < time.Second {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
			Timeout: timeout,
		},
	}, nil
}

func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	if timeout < time.Second {
		return c
	}
	clone := *c
	if c.http == nil {
		clone.http = &http.Client{Timeout: timeout}
		return &clone
	}
	httpClone := *c.http
	httpClone.Timeout = timeout
	clone.http = &httpClone
	return &clone
}

func (c *Client) State(ctx context.Context) (State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/state", nil)
	if err != nil {
		return State{}, err
	}
	var state State
	if err := c.doJSON(req, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

func (c *Client) Heartbeat(ctx context.Context) (heartbeat.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/heartbeat", nil)
	if err != nil {
		return heartbeat.Snapshot{}, err
	}
	var snapshot heartbeat.Snapshot
	if err := c.doJSON(req, &snapshot); err != nil {
		return heartbeat.Snapshot{}, err
	}
	return snapshot, nil
}

func (c *Client) ListCycles(ctx context.Context, outcome string, limit int) ([]Cycle, error) {
	query := url.Values{}
	if strings.TrimSpace(outcome) != "" {
		query.Set("outcome", strings.TrimSpace(outcome))
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := c.baseURL + "/api/v1/cycles"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var response ListCyclesResponse
	if err := c.doJSON(req, &response); err != nil {
		return nil, err
	}
	return response.Items, nil
}

// RunCycle asks the server for one cycle now. A cycle already in flight comes
// back as an error matching loop.ErrCycleInFlight.
func (c *Client) RunCycle(ctx context.Context) (loop.Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/cycles", nil)
	if err != nil {
		return loop.Report{}, err
	}
	var report loop.Report
	if err := c.doJSON(req, &report); err != nil {
		return loop.Report{}, err
	}
	return report, nil
}

func (c *Client) Resume(ctx context.Context, reason string) (ResumeResponse, error) {
	requestBody, err := json.Marshal(map[string]string{"reason": strings.TrimSpace(reason)})
	if err != nil {
		return ResumeResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/loop/resume", bytes.NewReader(requestBody))
	if err != nil {
		return ResumeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var response ResumeResponse
	if err := c.doJSON(req, &response); err != nil {
		return ResumeResponse{}, err
	}
	return response, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		var apiError struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&apiError)
		if strings.TrimSpace(apiError.Error) == "" {
			apiError.Error = res.Status
		}
		return &APIError{Status: res.StatusCode, Message: apiError.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsUnavailable reports whether err means the server could not be reached or
// refused the request as unavailable.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusServiceUnavailable
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
