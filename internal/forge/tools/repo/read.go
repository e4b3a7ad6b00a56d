package repo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	DefaultMaxLines = 500
	DefaultTreeMax  = 100
	maxGlobMatches  = 200
	searchTimeout   = 10 * time.Second
	noResults       = "No results found."
)

var ignorePatterns = []string{
	".git", "__pycache__", "node_modules", ".DS_Store",
	"*.pyc", "*.pyo", "*.o", "*.so", "*.egg",
	"dist", "build", ".pytest_cache", ".ruff_cache",
}

var errGlobLimit = errors.New("glob match limit reached")

func ignored(name string) bool {
	for _, p := range ignorePatterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// ReadFile returns at most maxLines lines of a repository file.
func (w *Workspace) ReadFile(rel string, maxLines int) (string, error) {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	abs, err := w.resolve(rel)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(abs)
	if err != nil || st.IsDir() {
		return "", fmt.Errorf("file not found at %s", rel)
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		if n == maxLines {
			fmt.Fprintf(&b, "\n... (file truncated at %d lines)", maxLines)
			return b.String(), nil
		}
		if n > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(sc.Text())
		n++
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return b.String(), nil
}

// Search greps the repository case-insensitively with ripgrep, falling back
// to git grep when rg is unavailable.
func (w *Workspace) Search(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", errors.New("empty search query")
	}
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	out, code, err := w.run(ctx, "rg", "--max-count=10", "--no-heading", "-n", "-i", "--", query, ".")
	if err == nil {
		if code == 1 {
			return noResults, nil
		}
		if code == 0 {
			return nonEmpty(out), nil
		}
	}
	if ctx.Err() != nil {
		return "", errors.New("search operation timed out")
	}
	out, code, err = w.run(ctx, "git", "grep", "-i", "-n", "--", query)
	if err != nil {
		return "", errors.New("could not perform search: neither ripgrep (rg) nor git is available")
	}
	if code == 1 {
		return noResults, nil
	}
	if code != 0 {
		return "", fmt.Errorf("git grep exited with status %d", code)
	}
	return nonEmpty(out), nil
}

func nonEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return noResults
	}
	return s
}

func (w *Workspace) run(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = w.root
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdout.String(), exitErr.ExitCode(), nil
		}
		return "", -1, err
	}
	return stdout.String(), 0, nil
}

// Tree renders an indented listing of at most max entries, files before
// subdirectories at each level.
func (w *Workspace) Tree(max int) string {
	if max <= 0 {
		max = DefaultTreeMax
	}
	var lines []string
	count := 0
	indent := func(level int) string { return strings.Repeat(" ", 4*level) }

	var visit func(dir string, level int) bool
	visit = func(dir string, level int) bool {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return true
		}
		if count < max {
			lines = append(lines, indent(level)+filepath.Base(dir)+"/")
			count++
		}
		var files, dirs []string
		for _, e := range entries {
			if ignored(e.Name()) {
				continue
			}
			if e.IsDir() {
				dirs = append(dirs, e.Name())
			} else {
				files = append(files, e.Name())
			}
		}
		sort.Strings(files)
		sort.Strings(dirs)
		for _, f := range files {
			if count >= max {
				lines = append(lines, indent(level+1)+"...")
				return false
			}
			lines = append(lines, indent(level+1)+f)
			count++
		}
		for _, d := range dirs {
			if !visit(filepath.Join(dir, d), level+1) {
				return false
			}
		}
		return true
	}
	visit(w.root, 0)
	return strings.Join(lines, "\n")
}

// Glob lists repository files matching a doublestar pattern such as
// "**/*.py", skipping ignored paths.
func (w *Workspace) Glob(pattern string) ([]string, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = "**/*"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	var out []string
	err := doublestar.GlobWalk(os.DirFS(w.root), pattern, func(p string, d fs.DirEntry) error {
		for _, part := range strings.Split(p, "/") {
			if ignored(part) {
				return nil
			}
		}
		if d.IsDir() {
			return nil
		}
		out = append(out, p)
		if len(out) >= maxGlobMatches {
			return errGlobLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errGlobLimit) {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
