// Package gitrepo wraps the git binary for the repository operations taf
// needs. All commands run through one executor with context timeouts; stderr
// is folded into returned errors.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"taf/internal/logging"
)

// DefaultTimeout bounds a single git command when the context has no
// deadline of its own.
const DefaultTimeout = 5 * time.Minute

// Repo is a git repository on the local filesystem.
type Repo struct {
	Path    string
	Timeout time.Duration
}

// New returns a handle for an existing repository path.
func New(path string) *Repo {
	return &Repo{Path: path, Timeout: DefaultTimeout}
}

// IsRepo reports whether path contains a git repository.
func IsRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}

// run executes git with the repository as working directory.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.Git("git -C %s %s", r.Path, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w, output: %s",
			args[0], err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// Init creates a new repository at path with the given initial branch.
func Init(ctx context.Context, path, branch string) (*Repo, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}
	r := New(path)
	if _, err := r.run(ctx, "init", "--initial-branch", branch); err != nil {
		return nil, err
	}
	return r, nil
}

// Clone clones url into path. branch may be empty for the remote default.
func Clone(ctx context.Context, url, path, branch string) (*Repo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	args := []string{"clone", url, path}
	if branch != "" {
		args = []string{"clone", "--branch", branch, url, path}
	}
	scratch := &Repo{Path: filepath.Dir(path), Timeout: DefaultTimeout}
	if _, err := scratch.run(ctx, args...); err != nil {
		return nil, err
	}
	return New(path), nil
}

// Fetch updates a remote.
func (r *Repo) Fetch(ctx context.Context, remote string) error {
	_, err := r.run(ctx, "fetch", remote)
	return err
}

// Head returns the commit sha of HEAD.
func (r *Repo) Head(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "HEAD")
}

// ResolveRef resolves a ref (branch, remote-tracking ref, sha) to a sha.
func (r *Repo) ResolveRef(ctx context.Context, ref string) (string, error) {
	return r.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
}

// HasCommit reports whether sha exists in the repository.
func (r *Repo) HasCommit(ctx context.Context, sha string) bool {
	_, err := r.run(ctx, "cat-file", "-e", sha+"^{commit}")
	return err == nil
}

// IsAncestor reports whether ancestor is an ancestor of, or equal to,
// descendant.
func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := r.run(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// CommitsBetween lists commits reachable from to but not from, oldest first.
// from may be empty to list the full first-parent history of to.
func (r *Repo) CommitsBetween(ctx context.Context, from, to string) ([]string, error) {
	spec := to
	if from != "" {
		spec = from + ".." + to
	}
	out, err := r.run(ctx, "rev-list", "--reverse", "--first-parent", spec)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// FileAt reads a file's content at a commit. path uses forward slashes
// relative to the repository root.
func (r *Repo) FileAt(ctx context.Context, commit, path string) ([]byte, error) {
	out, err := r.runRaw(ctx, "show", commit+":"+path)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// runRaw is run without output trimming, for file contents.
func (r *Repo) runRaw(ctx context.Context, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Path
	var stderr strings.Builder
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s failed: %w, output: %s",
			args[0], err, strings.TrimSpace(stderr.String()))
	}
	return output, nil
}

// ListFilesAt lists the files under dir at a commit, relative to the
// repository root.
func (r *Repo) ListFilesAt(ctx context.Context, commit, dir string) ([]string, error) {
	out, err := r.run(ctx, "ls-tree", "-r", "--name-only", commit, dir)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Checkout checks out a branch or commit (detached for commits).
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "checkout", ref)
	return err
}

// CheckoutCommit detaches HEAD at a commit.
func (r *Repo) CheckoutCommit(ctx context.Context, sha string) error {
	_, err := r.run(ctx, "checkout", "--detach", sha)
	return err
}

// MergeFastForward fast-forwards the current branch to ref. Fails rather
// than creating a merge commit: the updater only ever advances along
// validated history.
func (r *Repo) MergeFastForward(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "merge", "--ff-only", ref)
	return err
}

// CommitAll stages everything and commits, returning the new commit sha.
func (r *Repo) CommitAll(ctx context.Context, message string) (string, error) {
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := r.run(ctx, "-c", "user.name=taf", "-c", "user.email=taf@localhost",
		"commit", "-m", message); err != nil {
		return "", err
	}
	return r.Head(ctx)
}

// RemoteURL returns the fetch url of a remote, or "" when unset.
func (r *Repo) RemoteURL(ctx context.Context, remote string) string {
	out, err := r.run(ctx, "remote", "get-url", remote)
	if err != nil {
		return ""
	}
	return out
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// IsClean reports whether the working tree has no uncommitted changes.
func (r *Repo) IsClean(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}
