// Package broker mints short-lived, repo-scoped GitHub App installation
// tokens for registered tasks and keeps the token audit trail.
package broker

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/codes"

	"github.com/basket/lobwife/internal/audit"
	"github.com/basket/lobwife/internal/bus"
	"github.com/basket/lobwife/internal/metrics"
	lwotel "github.com/basket/lobwife/internal/otel"
	"github.com/basket/lobwife/internal/persistence"
	"github.com/basket/lobwife/internal/shared"
)

const (
	DefaultAPIBaseURL = "https://api.github.com"
	DefaultTTL        = 24 * time.Hour
)

type Config struct {
	AppID          string
	InstallationID string
	// PEM is a base64-encoded private key. PEMPath is read when PEM is empty.
	PEM        string
	PEMPath    string
	APIBaseURL string
	TTL        time.Duration
	AuditCap   int
}

// Token is an installation access token as returned by GitHub.
type Token struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type Summary struct {
	Enabled           bool    `json:"enabled"`
	AppID             *string `json:"app_id"`
	ActiveTasks       int     `json:"active_tasks"`
	TotalTokensIssued int     `json:"total_tokens_issued"`
	AuditEntries      int     `json:"audit_entries"`
}

type Broker struct {
	cfg       Config
	store     *persistence.Store
	key       *rsa.PrivateKey
	client    *http.Client
	logger    *slog.Logger
	bus       *bus.Bus
	metrics   *metrics.Metrics
	telemetry *lwotel.Provider
	otelm     *lwotel.Metrics
	now       func() time.Time
}

type Option func(*Broker)

func WithHTTPClient(c *http.Client) Option { return func(b *Broker) { b.client = c } }
func WithBus(eb *bus.Bus) Option           { return func(b *Broker) { b.bus = eb } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}
func WithTelemetry(p *lwotel.Provider, m *lwotel.Metrics) Option {
	return func(b *Broker) { b.telemetry, b.otelm = p, m }
}
func WithClock(now func() time.Time) Option { return func(b *Broker) { b.now = now } }

// New builds a broker. A missing or unreadable key leaves the broker
// disabled; registration and audit still work.
func New(cfg Config, store *persistence.Store, logger *slog.Logger, opts ...Option) *Broker {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.AuditCap <= 0 {
		cfg.AuditCap = persistence.DefaultAuditCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		cfg:       cfg,
		store:     store,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger.With("component", "broker"),
		telemetry: lwotel.Noop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	key, err := loadKey(cfg)
	switch {
	case err != nil:
		b.logger.Error("load app private key", "error", err)
	case key == nil:
		b.logger.Warn("token broker disabled: no private key configured")
	default:
		b.key = key
		if b.Enabled() {
			b.logger.Info("token broker enabled", "app_id", cfg.AppID)
		}
	}
	return b
}

func loadKey(cfg Config) (*rsa.PrivateKey, error) {
	var pemBytes []byte
	switch {
	case cfg.PEM != "":
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.PEM))
		if err != nil {
			return nil, fmt.Errorf("decode base64 key: %w", err)
		}
		pemBytes = raw
	case cfg.PEMPath != "":
		raw, err := os.ReadFile(cfg.PEMPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		pemBytes = raw
	default:
		return nil, nil
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return key, nil
}

// Enabled reports whether tokens can be minted.
func (b *Broker) Enabled() bool {
	return b.key != nil && b.cfg.AppID != "" && b.cfg.InstallationID != ""
}

// Register scopes ref to repos. ref may be a task display id, numeric id,
// slug, name, or any legacy id.
func (b *Broker) Register(ctx context.Context, ref string, repos []string, workerType string) (*persistence.BrokerRegistration, error) {
	reg, err := b.store.RegisterBroker(ctx, ref, repos, workerType)
	if err != nil {
		return nil, err
	}
	b.audit(ctx, audit.ActionRegistered, ref, repos, "")
	b.logger.Info("registered task", "task_id", ref, "repos", repos, "worker_type", reg.WorkerType)
	return reg, nil
}

// RegisterTask scopes the task row with id to repos.
func (b *Broker) RegisterTask(ctx context.Context, id int64, repos []string, workerType string) (*persistence.BrokerRegistration, error) {
	reg, err := b.store.RegisterTaskBroker(ctx, id, repos, workerType)
	if err != nil {
		return nil, err
	}
	b.audit(ctx, audit.ActionRegistered, reg.TaskID, repos, "")
	b.logger.Info("registered task", "task_id", reg.TaskID, "repos", repos, "worker_type", reg.WorkerType)
	return reg, nil
}

// Deregister drops ref's registration. An unknown ref is a no-op.
func (b *Broker) Deregister(ctx context.Context, ref string) error {
	reg, err := b.store.Registration(ctx, ref)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := b.store.RemoveRegistration(ctx, reg, false); err != nil {
		return err
	}
	b.audit(ctx, audit.ActionDeregistered, ref, reg.Repos, "")
	b.logger.Info("deregistered task", "task_id", ref)
	return nil
}

// IssueToken mints an installation token limited to ref's registered repos.
func (b *Broker) IssueToken(ctx context.Context, ref string) (*Token, error) {
	ctx, span := lwotel.StartSpan(ctx, b.telemetry.Tracer, "broker.issue_token", lwotel.AttrTaskID.String(ref))
	defer span.End()
	ctx = shared.WithTaskID(ctx, ref)

	if !b.Enabled() {
		b.deny(ctx, ref, "disabled", "Token broker not configured")
		return nil, shared.Errorf(shared.ErrUnavailable, "Token broker not configured")
	}
	reg, err := b.store.Registration(ctx, ref)
	if errors.Is(err, shared.ErrNotFound) {
		msg := fmt.Sprintf("Task %s not registered", ref)
		b.deny(ctx, ref, "not_registered", msg)
		return nil, shared.Errorf(shared.ErrPermission, "%s", msg)
	}
	if err != nil {
		return nil, err
	}
	if reg.Status != persistence.BrokerActive {
		msg := fmt.Sprintf("Task %s is %s, not active", ref, reg.Status)
		b.deny(ctx, ref, "inactive", msg)
		return nil, shared.Errorf(shared.ErrPermission, "%s", msg)
	}

	tok, err := b.mint(ctx, reg.Repos)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		b.logger.WarnContext(ctx, "token mint failed", "error", err)
		return nil, err
	}
	if err := b.store.IncrementTokenCount(ctx, reg); err != nil {
		b.logger.ErrorContext(ctx, "increment issued count", "error", err)
	}
	b.audit(ctx, audit.ActionIssued, ref, reg.Repos, "")
	b.metrics.TokenIssued()
	b.otelm.AddTokenIssued(ctx)
	if b.bus != nil {
		b.bus.Publish(bus.TopicTokenIssued, map[string]any{"task_id": ref, "repos": reg.Repos})
	}
	return tok, nil
}

// ServiceToken mints an unaudited token for the daemon's own git and API use.
func (b *Broker) ServiceToken(ctx context.Context, repos []string) (*Token, error) {
	if !b.Enabled() {
		return nil, shared.Errorf(shared.ErrUnavailable, "Token broker not configured")
	}
	return b.mint(ctx, repos)
}

// CleanupExpired drops registrations older than the TTL and returns how many
// were expired.
func (b *Broker) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := b.now().Add(-b.cfg.TTL)
	expired, err := b.store.ExpiredRegistrations(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range expired {
		reg := &expired[i]
		if err := b.store.RemoveRegistration(ctx, reg, true); err != nil {
			b.logger.Warn("expire registration", "task_id", reg.TaskID, "error", err)
			continue
		}
		b.audit(ctx, audit.ActionDeregistered, reg.TaskID, reg.Repos, "expired")
		b.logger.Info("expired stale task registration", "task_id", reg.TaskID)
		n++
	}
	return n, nil
}

func (b *Broker) Summary(ctx context.Context) (Summary, error) {
	c, err := b.store.BrokerCounts(ctx)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		Enabled:           b.Enabled(),
		ActiveTasks:       c.ActiveTasks,
		TotalTokensIssued: c.TokensIssued,
		AuditEntries:      c.AuditEntries,
	}
	if b.cfg.AppID != "" {
		id := b.cfg.AppID
		s.AppID = &id
	}
	return s, nil
}

// RegistrationView is one entry of the registrations map.
type RegistrationView struct {
	Repos        []string `json:"repos"`
	LobsterType  string   `json:"lobster_type"`
	RegisteredAt string   `json:"registered_at"`
	Status       string   `json:"status"`
	TokenCount   int      `json:"token_count"`
}

// Registrations returns every registration keyed by task id.
func (b *Broker) Registrations(ctx context.Context) (map[string]RegistrationView, error) {
	regs, err := b.store.Registrations(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]RegistrationView, len(regs))
	for _, r := range regs {
		out[r.TaskID] = RegistrationView{
			Repos:        r.Repos,
			LobsterType:  r.WorkerType,
			RegisteredAt: r.RegisteredAt.UTC().Format(time.RFC3339),
			Status:       r.Status,
			TokenCount:   r.TokenCount,
		}
	}
	return out, nil
}

func (b *Broker) AuditLog(ctx context.Context, taskID string, limit int) ([]persistence.AuditEntry, error) {
	return b.store.ListAudit(ctx, taskID, limit)
}

func (b *Broker) audit(ctx context.Context, action, taskID string, repos []string, reason string) {
	if err := b.store.AppendAudit(ctx, taskID, repos, action, b.cfg.AuditCap); err != nil {
		b.logger.ErrorContext(shared.WithTaskID(ctx, taskID), "append token audit", "action", action, "error", err)
	}
	audit.Record(action, taskID, repos, reason)
}

func (b *Broker) deny(ctx context.Context, ref, reason, msg string) {
	audit.Record(audit.ActionDenied, ref, nil, msg)
	b.metrics.TokenDenied(reason)
	b.logger.WarnContext(shared.WithTaskID(ctx, ref), "token request denied", "reason", reason)
}

// appJWT signs the GitHub App assertion. iat is backdated to absorb clock skew.
func (b *Broker) appJWT() (string, error) {
	now := b.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(540 * time.Second)),
		Issuer:    b.cfg.AppID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(b.key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

type accessTokenRequest struct {
	Repositories []string          `json:"repositories"`
	Permissions  map[string]string `json:"permissions"`
}

var workerPermissions = map[string]string{
	"contents":      "write",
	"pull_requests": "write",
	"metadata":      "read",
}

func (b *Broker) mint(ctx context.Context, repos []string) (*Token, error) {
	ctx, span := lwotel.StartClientSpan(ctx, b.telemetry.Tracer, "github.access_tokens", lwotel.AttrRepoCount.Int(len(repos)))
	defer span.End()

	assertion, err := b.appJWT()
	if err != nil {
		return nil, shared.Errorf(shared.ErrUnavailable, "token mint: %w", err)
	}
	names := make([]string, 0, len(repos))
	for _, r := range repos {
		parts := strings.Split(r, "/")
		names = append(names, parts[len(parts)-1])
	}
	body, err := json.Marshal(accessTokenRequest{Repositories: names, Permissions: workerPermissions})
	if err != nil {
		return nil, fmt.Errorf("encode token request: %w", err)
	}
	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", b.cfg.APIBaseURL, b.cfg.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, shared.Errorf(shared.ErrUnavailable, "GitHub API: %w", shared.Errorf(shared.ErrTransient, "%v", err))
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		text := string(raw)
		if len(text) > 300 {
			text = text[:300]
		}
		return nil, shared.Errorf(shared.ErrUnavailable, "GitHub API %d: %s", resp.StatusCode, shared.Redact(text))
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, shared.Errorf(shared.ErrUnavailable, "decode token response: %w", err)
	}
	return &tok, nil
}
