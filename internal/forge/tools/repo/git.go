package repo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError is a failed git invocation with its captured stderr.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	s := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		s += ": " + msg
	}
	return s
}

func (e *CommandError) Unwrap() error { return e.Err }

// git runs one git command in dir with prompts and auto-gc disabled, and
// returns trimmed stdout.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	full := []string{"-c", "gc.auto=0", "-c", "maintenance.auto=0"}
	if dir != "" {
		full = append([]string{"-C", dir}, full...)
	}
	cmd := exec.CommandContext(ctx, "git", append(full, args...)...)
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	var out, errb bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &errb
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Args: args, Stderr: errb.String(), Err: err}
	}
	return strings.TrimSpace(out.String()), nil
}

// checkout makes a fresh shallow clone of url at dest.
func checkout(ctx context.Context, url, dest string) error {
	_, err := git(ctx, "", "clone", "--quiet", "--depth", "1", url, dest)
	return err
}

// refresh brings an existing clone to the tip of the remote's default
// branch, discarding local edits and untracked files.
func refresh(ctx context.Context, dir string) error {
	steps := [][]string{
		{"fetch", "--quiet", "--depth", "1", "origin", "HEAD"},
		{"reset", "--hard", "--quiet", "FETCH_HEAD"},
		{"clean", "-fdxq"},
	}
	for _, args := range steps {
		if _, err := git(ctx, dir, args...); err != nil {
			return err
		}
	}
	return nil
}

// HeadSHA returns the commit checked out in dir.
func HeadSHA(ctx context.Context, dir string) (string, error) {
	return git(ctx, dir, "rev-parse", "--verify", "HEAD")
}
