package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/lobwife/internal/audit"
	"github.com/basket/lobwife/internal/broker"
	"github.com/basket/lobwife/internal/bus"
	"github.com/basket/lobwife/internal/config"
	"github.com/basket/lobwife/internal/gateway"
	"github.com/basket/lobwife/internal/githost"
	"github.com/basket/lobwife/internal/jobs"
	"github.com/basket/lobwife/internal/lifecycle"
	"github.com/basket/lobwife/internal/maintenance"
	"github.com/basket/lobwife/internal/metrics"
	"github.com/basket/lobwife/internal/notify"
	lwotel "github.com/basket/lobwife/internal/otel"
	"github.com/basket/lobwife/internal/persistence"
	"github.com/basket/lobwife/internal/substrate"
	"github.com/basket/lobwife/internal/telemetry"
	"github.com/basket/lobwife/internal/vault"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the orchestration daemon
  %s daemon                   Same as above

SUBCOMMANDS:
  %s status [-json]           Show daemon status (/api/status)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LOBWIFE_HOME            Data directory (default: ~/.lobwife)
  LOBWIFE_API_TOKEN       Bearer token required by the HTTP API
  GH_APP_ID               GitHub App id for the token broker
  VAULT_PATH              Vault checkout synced from the task table

EXAMPLES:
  Start daemon:           %s
  Check daemon status:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := runDaemon(ctx); err != nil {
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context) error {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, false)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)
	if cfg.Server.APIToken == "" {
		logger.Warn("LOBWIFE_API_TOKEN is empty; the HTTP API is unauthenticated", "bind_addr", cfg.Server.BindAddr)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	otelProvider, err := lwotel.Init(ctx, lwotel.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
		Attributes: map[string]string{
			"work_repo":  cfg.Lifecycle.Repo,
			"vault_repo": cfg.Vault.Repo,
		},
	})
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.WithoutCancel(ctx))
	otelMetrics, err := lwotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fatalStartup(logger, "E_STATE_DIR", err)
	}
	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "path", cfg.DBPath())

	imported, err := store.ImportLegacyState(ctx, cfg.StateDir, logger)
	if err != nil {
		return fatalStartup(logger, "E_LEGACY_IMPORT", err)
	}
	if imported > 0 {
		logger.Info("startup phase", "phase", "legacy_state_imported", "records", imported)
	}

	pm := metrics.New(statusCounts(store))

	brk := broker.New(broker.Config{
		AppID:          cfg.Broker.AppID,
		InstallationID: cfg.Broker.InstallationID,
		PEM:            cfg.Broker.PEM,
		PEMPath:        cfg.Broker.PEMPath,
		APIBaseURL:     cfg.Broker.APIBaseURL,
		TTL:            time.Duration(cfg.Broker.TTLHours) * time.Hour,
		AuditCap:       cfg.Broker.AuditCap,
	}, store, logger,
		broker.WithBus(eventBus),
		broker.WithMetrics(pm),
		broker.WithTelemetry(otelProvider, otelMetrics),
	)
	if !brk.Enabled() {
		logger.Warn("token broker disabled; set GH_APP_ID, GH_APP_INSTALL_ID and GH_APP_PEM")
	}

	docker, err := substrate.NewDocker(substrate.Config{
		Image:       cfg.Substrate.Image,
		MemoryMB:    cfg.Substrate.MemoryMB,
		NetworkMode: cfg.Substrate.NetworkMode,
		Env:         cfg.Substrate.Env,
	})
	if err != nil {
		return fatalStartup(logger, "E_SUBSTRATE_INIT", err)
	}
	defer docker.Close()

	monitorOpts := []lifecycle.MonitorOption{
		lifecycle.WithRegistrar(brk),
		lifecycle.WithMonitorMetrics(pm, otelProvider, otelMetrics),
	}
	dispatchOpts := []lifecycle.DispatcherOption{
		lifecycle.WithScopeRegistrar(brk),
		lifecycle.WithDispatchMetrics(pm, otelProvider, otelMetrics),
	}

	if cfg.Lifecycle.Repo != "" {
		gh, err := githost.New(githost.Config{Repo: cfg.Lifecycle.Repo, APIBaseURL: cfg.Broker.APIBaseURL}, brk, nil, logger)
		if err != nil {
			return fatalStartup(logger, "E_GITHOST_INIT", err)
		}
		gh.SetTelemetry(otelProvider)
		monitorOpts = append(monitorOpts, lifecycle.WithRepoHost(gh))
	}

	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(notify.Config{Token: cfg.Telegram.Token, AlertChats: cfg.Telegram.AlertChats}, nil, logger)
		if err != nil {
			logger.Warn("telegram notifier disabled", "error", err)
		} else {
			tg.SubscribeToEvents(eventBus)
			defer tg.Close()
			monitorOpts = append(monitorOpts, lifecycle.WithNotifier(tg))
			dispatchOpts = append(dispatchOpts, lifecycle.WithDispatchNotifier(tg))
		}
	}

	monitor := lifecycle.NewMonitor(lifecycle.Config{BaseBranch: cfg.Lifecycle.BaseBranch}, store, docker, logger, monitorOpts...)
	dispatcher := lifecycle.NewDispatcher(lifecycle.DispatcherConfig{
		MaxConcurrent: cfg.Lifecycle.MaxConcurrent,
		VaultRepo:     cfg.Vault.Repo,
	}, store, docker, logger, dispatchOpts...)

	runnerOpts := []jobs.Option{
		jobs.WithBus(eventBus),
		jobs.WithMetrics(pm),
		jobs.WithTelemetry(otelProvider, otelMetrics),
	}
	if cfg.Redis.Addr != "" {
		locker := jobs.NewRedisLocker(cfg.Redis.Addr)
		defer locker.Close()
		runnerOpts = append(runnerOpts, jobs.WithLocker(locker))
	}
	runner, err := jobs.NewRunner(jobs.Config{
		ScriptDir:    cfg.Jobs.ScriptDir,
		VaultPath:    cfg.Vault.Path,
		Timeout:      time.Duration(cfg.Jobs.TimeoutSeconds) * time.Second,
		MisfireGrace: time.Duration(cfg.Jobs.MisfireGraceSeconds) * time.Second,
		Env:          jobEnv(cfg),
	}, store, jobs.DefaultDefinitions(monitor.Job, dispatcher.Job), logger, runnerOpts...)
	if err != nil {
		return fatalStartup(logger, "E_JOBS_INIT", err)
	}
	runner.ApplyOverrides(ctx, jobOverrides(cfg.Jobs.Overrides))
	if err := runner.Start(ctx); err != nil {
		return fatalStartup(logger, "E_JOBS_START", err)
	}
	defer runner.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	var syncer *vault.Syncer
	if cfg.Vault.Path != "" {
		client, err := vault.NewGitClient(cfg.Vault.Path, cfg.Vault.Branch)
		if err != nil {
			logger.Warn("vault sync disabled", "path", cfg.Vault.Path, "error", err)
		} else {
			syncOpts := []vault.Option{
				vault.WithBus(eventBus),
				vault.WithMetrics(pm, otelProvider, otelMetrics),
			}
			if brk.Enabled() {
				syncOpts = append(syncOpts, vault.WithTokenSource(brk))
			}
			syncer = vault.NewSyncer(vault.Config{
				Path:     cfg.Vault.Path,
				Repo:     cfg.Vault.Repo,
				Branch:   cfg.Vault.Branch,
				Interval: time.Duration(cfg.Vault.SyncIntervalSeconds) * time.Second,
			}, store, client, logger, syncOpts...)
			go syncer.Run(ctx)
		}
	}

	gwCfg := gateway.Config{
		Store:       store,
		Bus:         eventBus,
		Broker:      brk,
		Jobs:        runner,
		Server:      cfg.Server,
		Metrics:     pm,
		Telemetry:   otelProvider,
		OTelMetrics: otelMetrics,
		Logger:      logger,
		StartedAt:   startedAt,
	}
	if syncer != nil {
		gwCfg.Sync = syncer
	}
	gw, err := gateway.New(gwCfg)
	if err != nil {
		return fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.StartEviction(ctx)

	maint := newMaintenance(cfg, store, brk, docker, logger)
	go maint.Run(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go watchConfig(ctx, watcher, cfg.HomeDir, level, runner, logger)
	}

	server := &http.Server{
		Addr:              cfg.Server.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.Server.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.Server.BindAddr)
			return fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.Server.BindAddr)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("api server error", "error", err)
	}

	// Stop intake first; deferred calls then stop the scheduler and close the
	// store.
	drain := cfg.DrainTimeout()
	if drain <= 0 {
		drain = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newMaintenance(cfg config.Config, store *persistence.Store, brk *broker.Broker, docker *substrate.Docker, logger *slog.Logger) *maintenance.Loop {
	opts := []maintenance.Option{
		maintenance.WithExpirer(brk),
		maintenance.WithPruner(docker),
	}
	if cfg.Backup.Endpoint != "" {
		up, err := maintenance.NewMinIOUploader(maintenance.MinIOConfig{
			Endpoint:  cfg.Backup.Endpoint,
			Bucket:    cfg.Backup.Bucket,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
			UseSSL:    cfg.Backup.UseSSL,
			Prefix:    "db/",
			Keep:      cfg.Backup.Keep,
		})
		if err != nil {
			logger.Warn("backup upload disabled", "error", err)
		} else {
			opts = append(opts, maintenance.WithUploader(up))
		}
	}
	return maintenance.New(maintenance.Config{
		BackupDir:   filepath.Join(cfg.StateDir, "backups"),
		Keep:        cfg.Backup.Keep,
		ExitedGrace: time.Duration(cfg.Substrate.ExitedGraceMinutes) * time.Minute,
	}, store, logger.With("component", "maintenance"), opts...)
}

// watchConfig applies log level and job overrides from config.yaml edits.
// Everything else needs a restart.
func watchConfig(ctx context.Context, w *config.Watcher, homeDir string, level *slog.LevelVar, runner *jobs.Runner, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			next, err := config.Reload(homeDir)
			if err != nil {
				logger.Warn("config reload rejected", "path", ev.Path, "error", err)
				continue
			}
			level.Set(telemetry.ParseLevel(next.LogLevel))
			runner.ApplyOverrides(ctx, jobOverrides(next.Jobs.Overrides))
			logger.Info("config reloaded", "fingerprint", next.Fingerprint(), "log_level", next.LogLevel)
		}
	}
}

func statusCounts(store *persistence.Store) metrics.StatusCountFunc {
	return func(ctx context.Context) (map[string]int, error) {
		counts, err := store.StatusCounts(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]int, len(counts))
		for status, n := range counts {
			out[string(status)] = n
		}
		return out, nil
	}
}

func jobOverrides(in map[string]config.JobOverride) map[string]jobs.Override {
	out := make(map[string]jobs.Override, len(in))
	for name, o := range in {
		out[name] = jobs.Override{Schedule: o.Schedule, Enabled: o.Enabled}
	}
	return out
}

// jobEnv is the environment handed to job scripts on top of the daemon's own.
func jobEnv(cfg config.Config) map[string]string {
	env := map[string]string{
		"LOBWIFE_URL": "http://" + localAddr(cfg.Server.BindAddr),
	}
	if cfg.Server.APIToken != "" {
		env["LOBWIFE_API_TOKEN"] = cfg.Server.APIToken
	}
	if cfg.Vault.Path != "" {
		env["VAULT_PATH"] = cfg.Vault.Path
	}
	return env
}

// localAddr turns a wildcard bind address into one a local client can dial.
func localAddr(bind string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(bind))
	if err != nil {
		return bind
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	if err == nil {
		err = errors.New(reasonCode)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change server.bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change server.bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = exec.Command

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: lobwife daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: lobwife daemon [--help]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the lobwife orchestration daemon in the foreground.")
}
