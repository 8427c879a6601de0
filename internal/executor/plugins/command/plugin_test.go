package command

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/dwizi/needloop/internal/agenterr"
	"github.com/dwizi/needloop/internal/catalog"
	"github.com/dwizi/needloop/internal/executor"
	"github.com/dwizi/needloop/internal/policy"
)

func postRequest(t *testing.T) executor.Request {
	t.Helper()
	loaded, err := policy.Default()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	actions, err := catalog.New(loaded)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	post, _ := actions.Lookup("post")
	return executor.Request{Action: post, CycleID: "cycle-1"}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script test")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plugin.sh"), []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return dir
}

func TestExecuteJSONResponse(t *testing.T) {
	dir := writeScript(t, `input=$(cat)
case "$input" in
  *'"operation":"tweets.create"'*) echo '{"message":"posted","reference":"42"}' ;;
  *) echo '{"message":"wrong request"}'; exit 3 ;;
esac
`)
	plugin, err := New(Config{BaseDir: dir, Command: "./plugin.sh"})
	if err != nil {
		t.Fatalf("new plugin: %v", err)
	}
	result, err := plugin.Execute(context.Background(), postRequest(t))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Plugin != "command" || result.Message != "posted" || result.Reference != "42" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecutePlainTextResponse(t *testing.T) {
	dir := writeScript(t, "cat >/dev/null\necho 'plain   output line'\n")
	plugin, err := New(Config{BaseDir: dir, Command: "./plugin.sh"})
	if err != nil {
		t.Fatalf("new plugin: %v", err)
	}
	result, err := plugin.Execute(context.Background(), postRequest(t))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Message != "plain output line" {
		t.Fatalf("unexpected message: %q", result.Message)
	}
}

func TestExecuteMapsReportedErrorKind(t *testing.T) {
	dir := writeScript(t, "cat >/dev/null\necho '{\"message\":\"token revoked\",\"error_kind\":\"auth\"}'\nexit 1\n")
	plugin, err := New(Config{BaseDir: dir, Command: "./plugin.sh"})
	if err != nil {
		t.Fatalf("new plugin: %v", err)
	}
	_, err = plugin.Execute(context.Background(), postRequest(t))
	if !errors.Is(err, agenterr.ErrAuth) || !strings.Contains(err.Error(), "token revoked") {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestExecuteUnlabelledFailureIsTransient(t *testing.T) {
	dir := writeScript(t, "cat >/dev/null\necho 'boom' >&2\nexit 2\n")
	plugin, err := New(Config{BaseDir: dir, Command: "./plugin.sh"})
	if err != nil {
		t.Fatalf("new plugin: %v", err)
	}
	_, err = plugin.Execute(context.Background(), postRequest(t))
	if agenterr.Classify(err) != agenterr.KindTransient || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected transient error with stderr, got %v", err)
	}
}

func TestExecuteTimeoutIsTransient(t *testing.T) {
	dir := writeScript(t, "cat >/dev/null\nexec sleep 5\n")
	plugin, err := New(Config{BaseDir: dir, Command: "./plugin.sh", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("new plugin: %v", err)
	}
	_, err = plugin.Execute(context.Background(), postRequest(t))
	if !errors.Is(err, agenterr.ErrTransientAPI) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestNewRequiresCommand(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, agenterr.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
