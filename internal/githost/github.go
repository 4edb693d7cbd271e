// Package githost answers pull request and branch questions about one GitHub
// repository using installation tokens from the broker.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basket/lobwife/internal/broker"
	"github.com/basket/lobwife/internal/lifecycle"
	lwotel "github.com/basket/lobwife/internal/otel"
	"github.com/basket/lobwife/internal/shared"
)

const perPage = 100

// maxPages bounds pagination of branch listings.
const maxPages = 20

// TokenSource mints tokens scoped to a repository list.
type TokenSource interface {
	ServiceToken(ctx context.Context, repos []string) (*broker.Token, error)
}

type Config struct {
	// Repo is owner/name.
	Repo       string
	APIBaseURL string
}

type GitHub struct {
	cfg       Config
	owner     string
	tokens    TokenSource
	client    *http.Client
	logger    *slog.Logger
	telemetry *lwotel.Provider
}

var _ lifecycle.RepoHost = (*GitHub)(nil)

func New(cfg Config, tokens TokenSource, client *http.Client, logger *slog.Logger) (*GitHub, error) {
	owner, _, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" {
		return nil, shared.Errorf(shared.ErrValidation, "repo must be owner/name, got %q", cfg.Repo)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = broker.DefaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		cfg:       cfg,
		owner:     owner,
		tokens:    tokens,
		client:    client,
		logger:    logger.With("component", "githost"),
		telemetry: lwotel.Noop(),
	}, nil
}

// SetTelemetry attaches a tracer for outbound calls.
func (g *GitHub) SetTelemetry(p *lwotel.Provider) {
	if p != nil {
		g.telemetry = p
	}
}

type pull struct {
	Number int `json:"number"`
	Head   struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

func (g *GitHub) OpenPRBranches(ctx context.Context) ([]string, error) {
	var pulls []pull
	if err := g.do(ctx, http.MethodGet, g.repoPath("pulls")+fmt.Sprintf("?state=open&per_page=%d", perPage), nil, http.StatusOK, &pulls); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pulls))
	for _, p := range pulls {
		out = append(out, p.Head.Ref)
	}
	return out, nil
}

func (g *GitHub) Branches(ctx context.Context) ([]string, error) {
	var out []string
	for page := 1; page <= maxPages; page++ {
		var batch []struct {
			Name string `json:"name"`
		}
		path := g.repoPath("branches") + fmt.Sprintf("?per_page=%d&page=%d", perPage, page)
		if err := g.do(ctx, http.MethodGet, path, nil, http.StatusOK, &batch); err != nil {
			return nil, err
		}
		for _, b := range batch {
			out = append(out, b.Name)
		}
		if len(batch) < perPage {
			break
		}
	}
	return out, nil
}

func (g *GitHub) PRCount(ctx context.Context, branch string) (int, error) {
	q := url.Values{}
	q.Set("state", "all")
	q.Set("head", g.owner+":"+branch)
	q.Set("per_page", fmt.Sprint(perPage))
	var pulls []pull
	if err := g.do(ctx, http.MethodGet, g.repoPath("pulls")+"?"+q.Encode(), nil, http.StatusOK, &pulls); err != nil {
		return 0, err
	}
	return len(pulls), nil
}

func (g *GitHub) AheadBy(ctx context.Context, base, branch string) (int, error) {
	var cmp struct {
		AheadBy int `json:"ahead_by"`
	}
	path := g.repoPath("compare/" + url.PathEscape(base) + "..." + url.PathEscape(branch))
	if err := g.do(ctx, http.MethodGet, path, nil, http.StatusOK, &cmp); err != nil {
		return 0, err
	}
	return cmp.AheadBy, nil
}

func (g *GitHub) CreatePR(ctx context.Context, pr lifecycle.PullRequest) error {
	body := map[string]string{"title": pr.Title, "head": pr.Head, "base": pr.Base, "body": pr.Body}
	var created pull
	if err := g.do(ctx, http.MethodPost, g.repoPath("pulls"), body, http.StatusCreated, &created); err != nil {
		return err
	}
	g.logger.Info("created pull request", "repo", g.cfg.Repo, "number", created.Number, "head", pr.Head)
	return nil
}

func (g *GitHub) repoPath(suffix string) string {
	return "/repos/" + g.cfg.Repo + "/" + suffix
}

func (g *GitHub) do(ctx context.Context, method, path string, in any, want int, out any) error {
	ctx, span := lwotel.StartClientSpan(ctx, g.telemetry.Tracer, "github "+method)
	defer span.End()

	tok, err := g.tokens.ServiceToken(ctx, []string{g.cfg.Repo})
	if err != nil {
		return fmt.Errorf("repo host token: %w", err)
	}
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.APIBaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+tok.Token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return shared.Errorf(shared.ErrTransient, "GitHub API: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode != want {
		text := string(raw)
		if len(text) > 300 {
			text = text[:300]
		}
		return shared.Errorf(shared.ErrUnavailable, "GitHub API %d: %s", resp.StatusCode, shared.Redact(text))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
