package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	cloneTimeout  = 5 * time.Minute
	updateTimeout = 2 * time.Minute

	gitMarker = ".git"
)

// gitEnv keeps git from ever waiting on a credential prompt.
var gitEnv = map[string]string{"GIT_TERMINAL_PROMPT": "0"}

// InjectToken rewrites an http(s) repository URL to carry token as oauth2
// credentials. Any other scheme, including scp-style SSH, is returned as is.
func InjectToken(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(repoURL, scheme); ok {
			return scheme + "oauth2:" + token + "@" + rest
		}
	}
	return repoURL
}

// RepoDirName derives the checkout directory from a repository URL:
// "https://example.com/org/my-repo.git/" becomes "my-repo".
func RepoDirName(repoURL string) string {
	trimmed := strings.TrimRight(repoURL, "/")
	name := trimmed
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		name = trimmed[i+1:]
	}
	name = strings.TrimSuffix(name, ".git")
	if name == "" {
		return "repo"
	}
	return name
}

func (w *Workspaces) cloneRepo(ctx context.Context, t Task, workspaceDir, name string, sink Sink) Result {
	w.logger.Info("cloning repository", "repo", t.RepoURL, "ref", t.RepoRef, "dir", filepath.Join(workspaceDir, name))
	return w.exec.Execute(ctx, Command{
		Path:    "git",
		Args:    []string{"clone", "--depth", "1", "--branch", t.RepoRef, InjectToken(t.RepoURL, t.RepoToken), name},
		Dir:     workspaceDir,
		Env:     gitEnv,
		Timeout: cloneTimeout,
	}, sink)
}

// updateRepo fetches ref and hard-resets the checkout to it. Both steps share
// one deadline.
func (w *Workspaces) updateRepo(ctx context.Context, t Task, repoDir string, sink Sink) Result {
	w.logger.Info("updating repository", "repo", t.RepoURL, "ref", t.RepoRef, "dir", repoDir)
	deadline := time.Now().Add(updateTimeout)

	res := w.exec.Execute(ctx, Command{
		Path:    "git",
		Args:    []string{"fetch", InjectToken(t.RepoURL, t.RepoToken), t.RepoRef},
		Dir:     repoDir,
		Env:     gitEnv,
		Timeout: updateTimeout,
	}, sink)
	if !res.Succeeded() {
		return res
	}

	remaining := time.Until(deadline)
	if remaining < time.Second {
		remaining = time.Second
	}
	return w.exec.Execute(ctx, Command{
		Path:    "git",
		Args:    []string{"reset", "--hard", "FETCH_HEAD"},
		Dir:     repoDir,
		Env:     gitEnv,
		Timeout: remaining,
	}, sink)
}

// findCheckout returns the first direct child of dir, by name, that holds a
// git checkout.
func findCheckout(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(candidate, gitMarker)); err == nil {
			return candidate, true
		}
	}
	return "", false
}
