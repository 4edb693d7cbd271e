package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/basket/lobwife/internal/config"
	"github.com/basket/lobwife/internal/persistence"
)

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "single dash help", args: []string{"-h"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, want: daemonSubcommandRun, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, want: daemonSubcommandRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	if !strings.Contains(buf.String(), "usage: lobwife daemon [--help]") {
		t.Fatalf("usage output missing daemon usage: %q", buf.String())
	}
}

func TestLocalAddr(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0:8081":   "127.0.0.1:8081",
		":8081":          "127.0.0.1:8081",
		"[::]:8081":      "127.0.0.1:8081",
		"10.0.0.5:9000":  "10.0.0.5:9000",
		"localhost:8081": "localhost:8081",
		"not-an-addr":    "not-an-addr",
	}
	for in, want := range tests {
		if got := localAddr(in); got != want {
			t.Errorf("localAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJobOverrides(t *testing.T) {
	off := false
	got := jobOverrides(map[string]config.JobOverride{
		"review-prs": {Schedule: "*/5 * * * *", Enabled: &off},
	})
	o, ok := got["review-prs"]
	if !ok || o.Schedule != "*/5 * * * *" || o.Enabled == nil || *o.Enabled {
		t.Fatalf("overrides = %+v", got)
	}
}

func TestJobEnv(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.BindAddr = "0.0.0.0:8081"
	cfg.Server.APIToken = "secret"
	cfg.Vault.Path = "/vault"
	env := jobEnv(cfg)
	if env["LOBWIFE_URL"] != "http://127.0.0.1:8081" || env["LOBWIFE_API_TOKEN"] != "secret" || env["VAULT_PATH"] != "/vault" {
		t.Fatalf("env = %v", env)
	}
}

func TestStatusCountsAdapter(t *testing.T) {
	store, err := persistence.Open(t.TempDir()+"/lobwife.db", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := store.CreateTask(context.Background(), persistence.TaskInput{Name: "count me"}); err != nil {
		t.Fatal(err)
	}
	counts, err := statusCounts(store)(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts["queued"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestFatalStartupWrapsReason(t *testing.T) {
	err := fatalStartup(nil, "E_TEST", nil)
	if err == nil || !strings.Contains(err.Error(), "E_TEST") {
		t.Fatalf("err = %v", err)
	}
}
