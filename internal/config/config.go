package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dwizi/needloop/internal/agenterr"
)

type Config struct {
	Environment string
	LogLevel    string
	HTTPAddr    string
	DataDir     string
	DBPath      string
	PolicyFile  string

	CycleIntervalSec   int
	CycleCron          string
	MaxActionsPerCycle int
	ExecTimeoutSec     int

	ExecutorWebhookURL   string
	ExecutorWebhookToken string
	ExecutorCommand      string
	ExecutorCommandArgs  []string
	ExecutorMCPURL       string
	ExecutorMCPToken     string
	ExecutorMCPTool      string
	CredentialsFile      string

	CheckpointEnabled bool
	HistoryLimit      int

	HeartbeatEnabled     bool
	HeartbeatIntervalSec int
	HeartbeatStaleSec    int

	// API client settings used by the tui and remote cli commands.
	APIURL           string
	APITimeoutSec    int
	APITLSCAFile     string
	APITLSSkipVerify bool

	// invalid names the integer variables that were set but could not be used.
	invalid []string
}

func FromEnv() Config {
	dataDir := stringOrDefault("NEEDLOOP_DATA_DIR", "/data")
	dbPath := stringOrDefault("NEEDLOOP_DB_PATH", filepath.Join(dataDir, "needloop", "state.sqlite"))

	return Config{
		Environment:          stringOrDefault("NEEDLOOP_ENV", "development"),
		LogLevel:             stringOrDefault("NEEDLOOP_LOG_LEVEL", "info"),
		HTTPAddr:             stringOrDefault("NEEDLOOP_HTTP_ADDR", ":8080"),
		DataDir:              dataDir,
		DBPath:               dbPath,
		PolicyFile:           strings.TrimSpace(os.Getenv("NEEDLOOP_POLICY_FILE")),
		CycleIntervalSec:     intOrDefault("NEEDLOOP_CYCLE_INTERVAL_SECONDS", 900),
		CycleCron:            strings.TrimSpace(os.Getenv("NEEDLOOP_CYCLE_CRON")),
		MaxActionsPerCycle:   intOrDefault("NEEDLOOP_MAX_ACTIONS_PER_CYCLE", 1),
		ExecTimeoutSec:       intOrDefault("NEEDLOOP_EXEC_TIMEOUT_SECONDS", 30),
		ExecutorWebhookURL:   strings.TrimSpace(os.Getenv("NEEDLOOP_EXECUTOR_WEBHOOK_URL")),
		ExecutorWebhookToken: strings.TrimSpace(os.Getenv("NEEDLOOP_EXECUTOR_WEBHOOK_TOKEN")),
		ExecutorCommand:      strings.TrimSpace(os.Getenv("NEEDLOOP_EXECUTOR_COMMAND")),
		ExecutorCommandArgs:  strings.Fields(os.Getenv("NEEDLOOP_EXECUTOR_COMMAND_ARGS")),
		ExecutorMCPURL:       strings.TrimSpace(os.Getenv("NEEDLOOP_EXECUTOR_MCP_URL")),
		ExecutorMCPToken:     strings.TrimSpace(os.Getenv("NEEDLOOP_EXECUTOR_MCP_TOKEN")),
		ExecutorMCPTool:      strings.TrimSpace(os.Getenv("NEEDLOOP_EXECUTOR_MCP_TOOL")),
		CredentialsFile:      strings.TrimSpace(os.Getenv("NEEDLOOP_CREDENTIALS_FILE")),
		CheckpointEnabled:    boolOrDefault("NEEDLOOP_CHECKPOINT_ENABLED", true),
		HistoryLimit:         intOrDefault("NEEDLOOP_HISTORY_LIMIT", 500),
		HeartbeatEnabled:     boolOrDefault("NEEDLOOP_HEARTBEAT_ENABLED", true),
		HeartbeatIntervalSec: intOrDefault("NEEDLOOP_HEARTBEAT_INTERVAL_SECONDS", 30),
		HeartbeatStaleSec:    intOrDefault("NEEDLOOP_HEARTBEAT_STALE_SECONDS", 0),
		APIURL:               stringOrDefault("NEEDLOOP_API_URL", "http://127.0.0.1:8080"),
		APITimeoutSec:        intOrDefault("NEEDLOOP_API_TIMEOUT_SECONDS", 15),
		APITLSCAFile:         strings.TrimSpace(os.Getenv("NEEDLOOP_API_TLS_CA_FILE")),
		APITLSSkipVerify:     boolOrDefault("NEEDLOOP_API_TLS_SKIP_VERIFY", false),
		invalid: invalidInts(
			"NEEDLOOP_CYCLE_INTERVAL_SECONDS",
			"NEEDLOOP_MAX_ACTIONS_PER_CYCLE",
			"NEEDLOOP_EXEC_TIMEOUT_SECONDS",
			"NEEDLOOP_HISTORY_LIMIT",
			"NEEDLOOP_HEARTBEAT_INTERVAL_SECONDS",
			"NEEDLOOP_API_TIMEOUT_SECONDS",
		),
	}
}

// Validate reports settings that cannot work; it does not touch the network.
func (c Config) Validate() error {
	var problems []string
	for _, name := range c.invalid {
		problems = append(problems, name+" must be a positive integer")
	}
	for _, endpoint := range []struct{ name, value string }{
		{"NEEDLOOP_EXECUTOR_WEBHOOK_URL", c.ExecutorWebhookURL},
		{"NEEDLOOP_EXECUTOR_MCP_URL", c.ExecutorMCPURL},
	} {
		lower := strings.ToLower(endpoint.value)
		if endpoint.value != "" && !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			problems = append(problems, endpoint.name+" must be http or https")
		}
	}
	executors := 0
	for _, value := range []string{c.ExecutorWebhookURL, c.ExecutorCommand, c.ExecutorMCPURL} {
		if value != "" {
			executors++
		}
	}
	if executors > 1 {
		problems = append(problems, "set only one of NEEDLOOP_EXECUTOR_WEBHOOK_URL, NEEDLOOP_EXECUTOR_COMMAND and NEEDLOOP_EXECUTOR_MCP_URL")
	}
	if c.MaxActionsPerCycle < 1 {
		problems = append(problems, "NEEDLOOP_MAX_ACTIONS_PER_CYCLE must be at least 1")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		problems = append(problems, "NEEDLOOP_DB_PATH is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", agenterr.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// StaleAfterSec defaults to two cycle intervals plus the execution timeout.
func (c Config) StaleAfterSec() int {
	if c.HeartbeatStaleSec > 0 {
		return c.HeartbeatStaleSec
	}
	return 2*c.CycleIntervalSec + c.ExecTimeoutSec
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func stringOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

// invalidInts lists the variables that are set to something other than a
// positive integer. intOrDefault falls back for those; Validate reports them.
func invalidInts(names ...string) []string {
	var invalid []string
	for _, name := range names {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			continue
		}
		if parsed, err := strconv.Atoi(value); err != nil || parsed < 1 {
			invalid = append(invalid, name)
		}
	}
	return invalid
}

func boolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
