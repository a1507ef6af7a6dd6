package runner

import (
	"context"
	"log/slog"
	"strconv"
)

// Environment variables every task receives. The TASKNEXUS_ names are the
// ones existing task scripts read; the AGENT_ names carry the same values.
const (
	EnvTaskID    = "TASKNEXUS_TASK_ID"
	EnvWorkspace = "TASKNEXUS_WORKSPACE"

	EnvAgentTaskID    = "AGENT_TASK_ID"
	EnvAgentWorkspace = "AGENT_WORKSPACE"
)

// maxLoggedStderr caps how much of a failed command's stderr is logged.
const maxLoggedStderr = 500

// Runner provisions a task's workspace and runs its command there.
type Runner struct {
	workspaces *Workspaces
	exec       *Executor
	shell      string
	logger     *slog.Logger
}

// New builds a Runner rooted at workspacesPath. shell is the configured
// default shell; empty selects the platform default.
func New(workspacesPath, shell string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	exec := NewExecutor(logger)
	return &Runner{
		workspaces: NewWorkspaces(workspacesPath, exec, logger),
		exec:       exec,
		shell:      shell,
		logger:     logger,
	}
}

// Run provisions t's workspace, then executes t.Command in it. ctx cancels
// both the provisioning step and the command.
func (r *Runner) Run(ctx context.Context, t Task, sink Sink) Result {
	r.logger.Info("running task", "task_id", t.ID, "workspace", t.Workspace, "command", t.Command)

	dir, failed := r.workspaces.Prepare(ctx, t, sink)
	if failed != nil {
		return *failed
	}

	id := strconv.FormatInt(t.ID, 10)
	env := map[string]string{
		EnvTaskID:         id,
		EnvWorkspace:      t.Workspace,
		EnvAgentTaskID:    id,
		EnvAgentWorkspace: t.Workspace,
	}
	for k, v := range t.Environment {
		env[k] = v
	}

	cmd := ShellCommand(t.Command, env, r.shell)
	cmd.Dir = dir
	cmd.Timeout = t.Timeout

	res := r.exec.Execute(ctx, cmd, sink)
	if res.ExitCode != 0 {
		stderr := res.Stderr
		if len(stderr) > maxLoggedStderr {
			stderr = stderr[:maxLoggedStderr]
		}
		r.logger.Error("command failed", "task_id", t.ID, "exit_code", res.ExitCode, "stderr", stderr)
	}
	return res
}
