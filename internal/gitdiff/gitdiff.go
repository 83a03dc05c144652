// Package gitdiff computes the set of repository paths that changed
// between two commits, by shelling out to git.
package gitdiff

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Env vars that are allowed to be inherited from the os
var allowedEnvVars = []string{"http_proxy", "https_proxy", "no_proxy", "HOME", "PATH"}

// CommitRange is the before/after pair of repository states a run
// operates on. Both identifiers are opaque; git resolves them.
type CommitRange struct {
	Previous string
	Current  string
}

func (r CommitRange) String() string {
	return short(r.Previous) + ".." + short(r.Current)
}

func short(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}

// ChangeSet is the set of repo-relative paths that differ across a
// CommitRange. When Degraded is set the precise diff could not be
// computed; Paths is empty and callers must treat every declared path
// as changed. Redeploying too much is always preferred over missing a
// needed deployment.
type ChangeSet struct {
	Paths    []string
	Degraded bool
	Reason   string
}

// Empty reports whether the set selects nothing.
func (c ChangeSet) Empty() bool {
	return !c.Degraded && len(c.Paths) == 0
}

// Detect produces the ChangeSet for rng in the repository at repoRoot.
// Identical commits yield an empty set without invoking git. Any
// failure to resolve the range or compute the diff degrades to the
// everything-changed set instead of returning an error; the only error
// returned is context cancellation.
func Detect(ctx context.Context, repoRoot string, rng CommitRange) (ChangeSet, error) {
	if rng.Previous == rng.Current {
		return ChangeSet{}, nil
	}

	for _, commit := range []string{rng.Previous, rng.Current} {
		if err := verifyCommit(ctx, repoRoot, commit); err != nil {
			if ctx.Err() != nil {
				return ChangeSet{}, ctx.Err()
			}
			return ChangeSet{
				Degraded: true,
				Reason:   fmt.Sprintf("commit %s not resolvable: %v", short(commit), err),
			}, nil
		}
	}

	paths, err := changed(ctx, repoRoot, rng)
	if err != nil {
		if ctx.Err() != nil {
			return ChangeSet{}, ctx.Err()
		}
		return ChangeSet{
			Degraded: true,
			Reason:   fmt.Sprintf("diff %s failed: %v", rng, err),
		}, nil
	}
	return ChangeSet{Paths: paths}, nil
}

func verifyCommit(ctx context.Context, repoRoot, commit string) error {
	args := []string{"rev-parse", "--verify", "--quiet", commit + "^{commit}"}
	return execGitCmd(ctx, args, gitCmdConfig{dir: repoRoot})
}

// changed lists paths with added/copied/deleted/modified/renamed/
// type-changed status across the range. A rename contributes both its
// old and its new name, since either may map to a service.
// -z keeps pathnames verbatim; without it git C-quotes any non-ASCII
// path and the quoted string would never match a declared service path.
func changed(ctx context.Context, repoRoot string, rng CommitRange) ([]string, error) {
	out := &bytes.Buffer{}
	args := []string{"diff", "--name-status", "-z", "-M", rng.Previous, rng.Current}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: repoRoot, out: out}); err != nil {
		return nil, err
	}
	return parseNameStatus(out.String()), nil
}

// parseNameStatus parses `git diff --name-status -z` output: NUL
// separated tokens, a status followed by one path, or by two paths for
// renames and copies.
func parseNameStatus(out string) []string {
	var paths []string
	seen := map[string]bool{}
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	tokens := strings.Split(out, "\x00")
	for i := 0; i < len(tokens); {
		status := tokens[i]
		if status == "" {
			i++
			continue
		}
		switch status[0] {
		case 'R':
			if i+2 < len(tokens) {
				add(tokens[i+1])
				add(tokens[i+2])
			}
			i += 3
		case 'C':
			// Copy: the source is unchanged, only the new path is.
			if i+2 < len(tokens) {
				add(tokens[i+2])
			}
			i += 3
		default:
			if i+1 < len(tokens) {
				add(tokens[i+1])
			}
			i += 2
		}
	}
	return paths
}

type gitCmdConfig struct {
	dir string
	env []string
	out io.Writer
}

func execGitCmd(ctx context.Context, args []string, config gitCmdConfig) error {
	c := exec.CommandContext(ctx, "git", args...)
	if config.dir != "" {
		c.Dir = config.dir
	}
	c.Env = append(env(), config.env...)
	c.Stdout = io.Discard
	if config.out != nil {
		c.Stdout = config.out
	}
	errOut := &bytes.Buffer{}
	c.Stderr = errOut

	err := c.Run()
	if err != nil {
		if msg := findErrorMessage(errOut); msg != "" {
			err = errors.New(msg)
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(ctx.Err(), fmt.Sprintf("running git command: git %v", args))
	} else if ctx.Err() == context.Canceled {
		return errors.Wrap(ctx.Err(), fmt.Sprintf("context was unexpectedly cancelled when running git command: git %v", args))
	}
	return err
}

func env() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func findErrorMessage(output io.Reader) string {
	sc := bufio.NewScanner(output)
	for sc.Scan() {
		switch {
		case strings.HasPrefix(sc.Text(), "fatal: "):
			return sc.Text()
		case strings.HasPrefix(sc.Text(), "error: "):
			return sc.Text()
		}
	}
	return ""
}
