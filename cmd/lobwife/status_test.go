package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/lobwife/internal/jobs"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer status-token" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "ok",
			"uptime_seconds": 42,
			"broker":         map[string]any{"enabled": false},
			"tasks":          map[string]int{"queued": 2},
			"jobs":           map[string]any{"task-manager": map[string]any{"enabled": true, "run_count": 3}},
		})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())
	t.Setenv("LOBWIFE_API_TOKEN", "status-token")

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if code := runStatusCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("json: got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnauthorizedServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Missing API key"}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRenderStatus(t *testing.T) {
	last := "failed"
	out := renderStatus(statusReport{
		Status: "ok",
		Tasks:  map[string]int{"active": 4},
	})
	if !strings.Contains(out, "active") || !strings.Contains(out, "4") || !strings.Contains(out, "disabled") {
		t.Fatalf("render = %q", out)
	}
	rep := statusReport{Status: "ok"}
	rep.Jobs = map[string]jobs.JobStatus{"review-prs": {Enabled: true, LastStatus: &last, FailCount: 1}}
	if out := renderStatus(rep); !strings.Contains(out, "review-prs") || !strings.Contains(out, "failed") {
		t.Fatalf("render jobs = %q", out)
	}
}

func TestStatusURL(t *testing.T) {
	tests := map[string]string{
		"":                       "http://127.0.0.1:8081/api/status",
		"0.0.0.0:9000":           "http://127.0.0.1:9000/api/status",
		"https://lobwife.local/": "https://lobwife.local/api/status",
	}
	for in, want := range tests {
		if got := statusURL(in); got != want {
			t.Errorf("statusURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets LOBWIFE_HOME.
func setTestConfig(t *testing.T, addr string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("LOBWIFE_HOME", home)
	t.Setenv("LOBWIFE_API_TOKEN", "")
	t.Setenv("LOBWIFE_BIND_ADDR", "")
	yaml := "server:\n  bind_addr: \"" + addr + "\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
