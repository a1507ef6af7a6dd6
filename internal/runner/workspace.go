package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrInvalidWorkspace is returned for workspace names that do not name a
// directory below the workspace root.
var ErrInvalidWorkspace = errors.New("invalid workspace name")

// CleanWorkspaceName returns the canonical form of name, so that names
// denoting the same directory compare equal.
func CleanWorkspaceName(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkspace, name)
	}
	return clean, nil
}

// Workspaces resolves the directory a task runs in. Each workspace is a
// directory under root, optionally holding a git checkout of the task's repo.
type Workspaces struct {
	root   string
	exec   *Executor
	logger *slog.Logger
}

func NewWorkspaces(root string, exec *Executor, logger *slog.Logger) *Workspaces {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspaces{root: root, exec: exec, logger: logger}
}

// Root returns the directory holding all workspaces.
func (w *Workspaces) Root() string {
	return w.root
}

// Prepare returns the execution directory for t. A non-nil Result means the
// task cannot run and that Result is its outcome.
func (w *Workspaces) Prepare(ctx context.Context, t Task, sink Sink) (string, *Result) {
	name, err := CleanWorkspaceName(t.Workspace)
	if err != nil {
		w.logger.Error("rejecting workspace", "workspace", t.Workspace, "error", err)
		res := failedResult("%v", err)
		return "", &res
	}
	workspaceDir := filepath.Join(w.root, name)
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		w.logger.Error("failed to create workspace directory", "dir", workspaceDir, "error", err)
		res := failedResult("Failed to create workspace directory: %v", err)
		return "", &res
	}

	if t.RepoURL == "" {
		if dir, ok := findCheckout(workspaceDir); ok {
			w.logger.Info("auto-detected repository directory", "dir", dir)
			return dir, nil
		}
		return workspaceDir, nil
	}

	name = RepoDirName(t.RepoURL)
	repoDir := filepath.Join(workspaceDir, name)

	if _, err := os.Stat(repoDir); os.IsNotExist(err) {
		res := w.cloneRepo(ctx, t, workspaceDir, name, sink)
		if !res.Succeeded() {
			w.logger.Error("failed to clone repository", "repo", t.RepoURL, "exit_code", res.ExitCode)
			// A slow clone fails the task; it is not the task's own timeout.
			res.TimedOut = false
			return "", &res
		}
		return repoDir, nil
	}

	res := w.updateRepo(ctx, t, repoDir, sink)
	if res.Cancelled {
		return "", &res
	}
	if !res.Succeeded() {
		w.logger.Warn("failed to update repository, continuing with existing checkout",
			"repo", t.RepoURL, "exit_code", res.ExitCode, "timed_out", res.TimedOut)
	}
	return repoDir, nil
}
