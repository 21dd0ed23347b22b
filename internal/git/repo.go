// Package git provides the Git operations used by the pipeline: branch
// and commit discovery for the deployment gate, and the commit + push of
// the GitOps image bump.
//
// Design decisions:
//   - We shell out to `git` rather than using a Go Git library so the
//     CI agent's git configuration (credential helpers, proxies, safe
//     directories) applies unchanged.
//   - Commands go through toolrun.Runner, so a --dry-run pipeline records
//     the commit and push instead of performing them.
//   - All errors are wrapped in model.CLIError with ExitGitError.
package git

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

// Credentials authenticate HTTPS pushes.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no credentials were configured.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Repo runs git commands against one working tree.
type Repo struct {
	dir    string
	runner toolrun.Runner
}

// Open returns a Repo for dir. The directory is not checked here; the
// first command fails with ExitGitError when it is not a repository.
func Open(dir string, runner toolrun.Runner) *Repo {
	return &Repo{dir: dir, runner: runner}
}

// Dir returns the working tree path.
func (r *Repo) Dir() string {
	return r.dir
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when
// detached (the usual state of a CI checkout).
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HeadCommit returns the HEAD commit SHA, abbreviated when short is true.
func (r *Repo) HeadCommit(ctx context.Context, short bool) (string, error) {
	args := []string{"rev-parse"}
	if short {
		args = append(args, "--short")
	}
	out, err := r.git(ctx, append(args, "HEAD")...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RemoteURL returns the fetch URL of remote.
func (r *Repo) RemoteURL(ctx context.Context, remote string) (string, error) {
	out, err := r.git(ctx, "remote", "get-url", remote)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Checkout switches the working tree to ref.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.git(ctx, "checkout", "--quiet", ref)
	return err
}

// Changed reports whether any of paths has uncommitted changes.
func (r *Repo) Changed(ctx context.Context, paths ...string) (bool, error) {
	args := append([]string{"status", "--porcelain", "--"}, paths...)
	out, err := r.git(ctx, args...)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Commit stages paths and commits them with message. It returns false
// without committing when none of the paths changed.
func (r *Repo) Commit(ctx context.Context, message string, paths ...string) (bool, error) {
	changed, err := r.Changed(ctx, paths...)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	if _, err := r.git(ctx, append([]string{"add", "--"}, paths...)...); err != nil {
		return false, err
	}
	if _, err := r.git(ctx, "commit", "--quiet", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// Push pushes HEAD to branch on remote. For HTTPS remotes with creds the
// credentials are embedded into the URL for this push only; the
// configured remote is left untouched.
func (r *Repo) Push(ctx context.Context, remote, branch string, creds Credentials) error {
	target := remote
	if !creds.Empty() {
		remoteURL, err := r.RemoteURL(ctx, remote)
		if err != nil {
			return err
		}
		target, err = AuthenticatedURL(remoteURL, creds)
		if err != nil {
			return model.WrapCLIError(model.ExitGitError,
				fmt.Sprintf("invalid URL for remote %s", remote), err)
		}
	}

	_, err := r.git(ctx, "push", target, "HEAD:refs/heads/"+branch)
	if err != nil && creds.Password != "" {
		// Keep the password out of logs even if a tool echoes it back.
		return model.NewCLIError(model.ExitGitError, redactPassword(err.Error(), creds.Password))
	}
	return err
}

// redactPassword masks password in msg, in its raw form and in the
// percent-encoded forms a URL echoed by git would carry.
func redactPassword(msg, password string) string {
	userinfo := strings.TrimPrefix(url.UserPassword("u", password).String(), "u:")
	for _, form := range []string{userinfo, url.PathEscape(password), url.QueryEscape(password), password} {
		if form != "" {
			msg = strings.ReplaceAll(msg, form, "****")
		}
	}
	return msg
}

// AuthenticatedURL embeds creds into an http(s) remote URL. Other schemes
// (ssh, scp-like "git@host:path", local paths) are returned unchanged.
func AuthenticatedURL(remote string, creds Credentials) (string, error) {
	if !strings.HasPrefix(remote, "http://") && !strings.HasPrefix(remote, "https://") {
		return remote, nil
	}
	u, err := url.Parse(remote)
	if err != nil {
		return "", err
	}
	if creds.Password == "" {
		u.User = url.User(creds.Username)
	} else {
		u.User = url.UserPassword(creds.Username, creds.Password)
	}
	return u.String(), nil
}

// git runs a git command in the working tree. -C is handled by git
// itself, so the process working directory never changes.
func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	out, err := r.runner.Run(ctx, toolrun.Command{
		Name: "git",
		Args: append([]string{"-C", r.dir}, args...),
		// Never block a CI job on an interactive credential prompt.
		Env: map[string]string{"GIT_TERMINAL_PROMPT": "0"},
	})
	if err != nil {
		message := fmt.Sprintf("git %s failed", strings.Join(toolrun.RedactArgs(args), " "))
		if stderr := strings.TrimSpace(out.Stderr); stderr != "" {
			message = fmt.Sprintf("%s: %s", message, stderr)
		}
		return "", model.WrapCLIError(model.ExitGitError, message, err)
	}
	return out.Stdout, nil
}

// BranchFromEnv returns the branch reported by the CI system, checking
// BRANCH_NAME (Jenkins multibranch) then GIT_BRANCH (Jenkins git plugin).
func BranchFromEnv(getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, key := range []string{"BRANCH_NAME", "GIT_BRANCH"} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
	}
	return ""
}
