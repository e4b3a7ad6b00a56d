// Package repo clones target repositories and gives the explorer read-only
// access to them.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Navigator owns the directory that clones live under.
type Navigator struct {
	root   string
	logger *slog.Logger
}

func NewNavigator(root string, logger *slog.Logger) (*Navigator, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("repo: clone root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Navigator{root: root, logger: logger.With("component", "repo")}, nil
}

// RepoName derives the checkout directory name from a clone URL.
func RepoName(url string) string {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if i := strings.LastIndexAny(url, "/:"); i >= 0 {
		url = url[i+1:]
	}
	return strings.TrimSuffix(url, ".git")
}

// Clone checks out url under the navigator root. An existing checkout is
// refreshed to the remote's default branch instead of cloned again.
func (n *Navigator) Clone(ctx context.Context, url string) (*Workspace, error) {
	name := RepoName(url)
	if name == "" || name == "." || name == ".." {
		return nil, fmt.Errorf("repo: cannot derive a directory name from %q", url)
	}
	dest := filepath.Join(n.root, name)
	if _, err := os.Stat(dest); err == nil {
		n.logger.Info("repository exists, refreshing", "repo", name)
		if err := refresh(ctx, dest); err != nil {
			return nil, err
		}
	} else {
		n.logger.Info("cloning repository", "url", url, "dest", dest)
		if err := checkout(ctx, url, dest); err != nil {
			return nil, err
		}
	}
	if sha, err := HeadSHA(ctx, dest); err == nil {
		n.logger.Debug("repository ready", "repo", name, "head", sha)
	}
	return Open(dest)
}

// Workspace is a read-only view of a checked out repository.
type Workspace struct {
	root string
}

func Open(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("repo: %s is not a directory", abs)
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Root() string { return w.root }

var ErrOutsideRepo = errors.New("path escapes repository root")

// resolve maps a repository-relative path to an absolute one inside root.
func (w *Workspace) resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if filepath.IsAbs(rel) {
		r, err := filepath.Rel(w.root, rel)
		if err != nil {
			return "", ErrOutsideRepo
		}
		rel = r
	}
	abs := filepath.Join(w.root, rel)
	r, err := filepath.Rel(w.root, abs)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRepo, rel)
	}
	return abs, nil
}
