package runner

import (
	"fmt"
	"time"
)

// DefaultTimeout applies when a Task or Command carries no timeout.
const DefaultTimeout = 3600 * time.Second

// Task is one dispatched command together with the workspace it runs in.
type Task struct {
	ID          int64
	Workspace   string
	Command     string
	RepoURL     string // optional; empty means no checkout is managed
	RepoRef     string
	RepoToken   string // injected into http(s) repo URLs
	Timeout     time.Duration
	Environment map[string]string
}

// Result is the outcome of running a command. At most one of TimedOut and
// Cancelled is set; ExitCode is -1 whenever the process could not report a
// real code.
type Result struct {
	ExitCode  int32  `json:"exit_code"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	TimedOut  bool   `json:"timed_out"`
	Cancelled bool   `json:"cancelled"`
}

// Succeeded reports a normal completion with exit code 0.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Cancelled
}

func failedResult(format string, args ...any) Result {
	return Result{ExitCode: -1, Stderr: fmt.Sprintf(format, args...)}
}
