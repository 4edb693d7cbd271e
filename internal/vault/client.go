package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Client is the git working copy the syncer writes into. Paths are relative
// to Root.
type Client interface {
	Root() string
	Pull(ctx context.Context) error
	Move(ctx context.Context, from, to string) error
	// CommitAndPush stages files, commits when something changed and pushes.
	// It reports whether a commit was made.
	CommitAndPush(ctx context.Context, msg string, files []string) (bool, error)
	// SetCredentials points the push remote at repo using token.
	SetCredentials(ctx context.Context, repo, token string) error
}

var errNotRepo = errors.New("vault path is not a git repository")

// GitClient drives the git CLI in a local clone.
type GitClient struct {
	root    string
	remote  string
	branch  string
	timeout time.Duration
}

func NewGitClient(root, branch string) (*GitClient, error) {
	if branch == "" {
		branch = "main"
	}
	if st, err := os.Stat(filepath.Join(root, ".git")); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("%w: %s", errNotRepo, root)
	}
	return &GitClient{root: root, remote: "origin", branch: branch, timeout: 30 * time.Second}, nil
}

func (g *GitClient) Root() string { return g.root }

func (g *GitClient) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.root}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// The remote URL can carry a token; never echo arguments for set-url.
		name := args[0]
		if len(args) > 1 {
			name += " " + args[1]
		}
		return "", fmt.Errorf("git %s failed: %s: %w", name, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// EnsureIdentity sets a local committer identity.
func (g *GitClient) EnsureIdentity(ctx context.Context, name, email string) error {
	if _, err := g.git(ctx, "config", "user.email", email); err != nil {
		return err
	}
	_, err := g.git(ctx, "config", "user.name", name)
	return err
}

// Pull rebases onto the remote branch, falling back to a merge pull.
func (g *GitClient) Pull(ctx context.Context) error {
	if _, err := g.git(ctx, "pull", "--rebase", g.remote, g.branch); err == nil {
		return nil
	}
	_, _ = g.git(ctx, "rebase", "--abort")
	_, err := g.git(ctx, "pull", "--no-rebase", g.remote, g.branch)
	return err
}

func (g *GitClient) Move(ctx context.Context, from, to string) error {
	if err := os.MkdirAll(filepath.Dir(filepath.Join(g.root, to)), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if _, err := g.git(ctx, "mv", from, to); err != nil {
		// Untracked files cannot be git mv'd.
		if rerr := os.Rename(filepath.Join(g.root, from), filepath.Join(g.root, to)); rerr != nil {
			return fmt.Errorf("move %s: %w", from, rerr)
		}
	}
	return nil
}

func (g *GitClient) CommitAndPush(ctx context.Context, msg string, files []string) (bool, error) {
	var present, gone []string
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(g.root, f)); err == nil {
			present = append(present, f)
		} else {
			gone = append(gone, f)
		}
	}
	if len(present) > 0 {
		if _, err := g.git(ctx, append([]string{"add", "-A", "--"}, present...)...); err != nil {
			return false, err
		}
	}
	if len(gone) > 0 {
		if _, err := g.git(ctx, append([]string{"rm", "--cached", "--ignore-unmatch", "--quiet", "--"}, gone...)...); err != nil {
			return false, err
		}
	}
	committed := false
	if _, err := g.git(ctx, "diff", "--cached", "--quiet"); err != nil {
		if _, err := g.git(ctx, "commit", "-m", msg); err != nil {
			return false, err
		}
		committed = true
	}
	ahead, err := g.aheadOfRemote(ctx)
	if err != nil {
		return committed, err
	}
	if ahead == 0 {
		return committed, nil
	}
	if _, err := g.git(ctx, "push", g.remote, g.branch); err != nil {
		if perr := g.Pull(ctx); perr != nil {
			return committed, fmt.Errorf("push conflict, pull failed: %w", perr)
		}
		if _, err := g.git(ctx, "push", g.remote, g.branch); err != nil {
			return committed, err
		}
	}
	return committed, nil
}

func (g *GitClient) aheadOfRemote(ctx context.Context) (int, error) {
	out, err := g.git(ctx, "rev-list", "--count", g.remote+"/"+g.branch+"..HEAD")
	if err != nil {
		// No remote-tracking ref yet: treat local commits as unpushed.
		out, err = g.git(ctx, "rev-list", "--count", "HEAD")
		if err != nil {
			return 0, err
		}
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

func (g *GitClient) SetCredentials(ctx context.Context, repo, token string) error {
	if repo == "" {
		current, err := g.git(ctx, "remote", "get-url", g.remote)
		if err != nil {
			return err
		}
		repo = repoFromURL(current)
		if repo == "" {
			return fmt.Errorf("cannot derive repo from remote URL")
		}
	}
	url := fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, repo)
	_, err := g.git(ctx, "remote", "set-url", g.remote, url)
	return err
}

// repoFromURL extracts owner/name from a github.com remote URL.
func repoFromURL(u string) string {
	_, after, ok := strings.Cut(u, "github.com")
	if !ok {
		return ""
	}
	after = strings.TrimLeft(after, ":/")
	after = strings.TrimSuffix(strings.TrimRight(after, "/"), ".git")
	if strings.Count(after, "/") != 1 {
		return ""
	}
	return after
}
