// Package doctor runs the offline diagnostics behind `lobwife doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/lobwife/internal/broker"
	"github.com/basket/lobwife/internal/config"
	"github.com/basket/lobwife/internal/jobs"
	"github.com/basket/lobwife/internal/persistence"
	"github.com/basket/lobwife/internal/substrate"
	"github.com/basket/lobwife/internal/vault"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed counts FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			n++
		}
	}
	return n
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkBrokerKey,
		checkVault,
		checkDocker,
		checkRedis,
		checkNetwork,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml; using defaults and environment", Detail: path}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", path), Detail: "fingerprint " + cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	st := store.Stats(ctx)
	if !st.OK {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Query failed: " + st.Error}
	}
	version, _ := store.SchemaVersion(ctx)
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("%d tasks, %d bytes", st.TaskCount, st.SizeBytes),
		Detail:  fmt.Sprintf("path=%s schema=v%d", cfg.DBPath(), version),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("State dir unusable: %v", err)}
	}
	testFile := filepath.Join(cfg.StateDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("State dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "State directory writable", Detail: cfg.StateDir}
}

func checkBrokerKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Token Broker", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Broker.AppID == "" {
		return CheckResult{Name: "Token Broker", Status: "WARN", Message: "GH_APP_ID not set; tokens cannot be issued"}
	}
	b := broker.New(broker.Config{
		AppID:          cfg.Broker.AppID,
		InstallationID: cfg.Broker.InstallationID,
		PEM:            cfg.Broker.PEM,
		PEMPath:        cfg.Broker.PEMPath,
	}, nil, discardLogger())
	if !b.Enabled() {
		return CheckResult{Name: "Token Broker", Status: "FAIL", Message: "App private key missing or unreadable"}
	}
	return CheckResult{Name: "Token Broker", Status: "PASS", Message: "App key loaded", Detail: "app_id=" + cfg.Broker.AppID}
}

func checkVault(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Vault", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Vault.Path == "" {
		return CheckResult{Name: "Vault", Status: "SKIP", Message: "VAULT_PATH not set; sync disabled"}
	}
	if _, err := exec.LookPath("git"); err != nil {
		return CheckResult{Name: "Vault", Status: "FAIL", Message: "git binary missing (required for vault sync)"}
	}
	if _, err := vault.NewGitClient(cfg.Vault.Path, cfg.Vault.Branch); err != nil {
		return CheckResult{Name: "Vault", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Vault", Status: "PASS", Message: "Vault checkout found", Detail: cfg.Vault.Path}
}

func checkDocker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Docker", Status: "SKIP", Message: "Config missing"}
	}
	d, err := substrate.NewDocker(substrate.Config{Image: cfg.Substrate.Image})
	if err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: err.Error()}
	}
	defer d.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	version, err := d.Ping(pingCtx)
	if err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: "daemon unreachable", Detail: err.Error()}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: "API " + version, Detail: "image=" + cfg.Substrate.Image}
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Redis.Addr == "" {
		return CheckResult{Name: "Redis", Status: "SKIP", Message: "REDIS_ADDR not set; job locks are local"}
	}
	l := jobs.NewRedisLocker(cfg.Redis.Addr)
	defer l.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := l.Ping(pingCtx); err != nil {
		return CheckResult{Name: "Redis", Status: "WARN", Message: "unreachable; falling back to local locks", Detail: err.Error()}
	}
	return CheckResult{Name: "Redis", Status: "PASS", Message: "Reachable", Detail: cfg.Redis.Addr}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	host := "api.github.com"
	if cfg.Broker.APIBaseURL != "" {
		if u, err := url.Parse(cfg.Broker.APIBaseURL); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  "addresses=" + strings.Join(addrs, ","),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
