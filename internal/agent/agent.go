package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"dispatch-agent/internal/runner"
	"dispatch-agent/internal/websocket"
)

const (
	defaultTaskHeartbeat = 30 * time.Second
	inboundQueue         = 64
)

// ErrStopped is returned by queries made after Run has returned.
var ErrStopped = errors.New("agent stopped")

// Sender delivers outbound messages to the server.
type Sender interface {
	Send(ctx context.Context, msg websocket.Outbound) error
}

// TaskRunner provisions a workspace and runs a task's command in it.
type TaskRunner interface {
	Run(ctx context.Context, t runner.Task, sink runner.Sink) runner.Result
}

type Options struct {
	// DefaultTimeout applies to dispatches with a zero timeout.
	DefaultTimeout time.Duration
	// TaskHeartbeatInterval is the period of task_heartbeat reports.
	TaskHeartbeatInterval time.Duration
}

type taskDone struct {
	workspace string
	taskID    int64
}

// Agent routes dispatch and cancel messages to tasks and reports their
// progress. One Agent serves the whole process; Run owns all task state.
type Agent struct {
	sender Sender
	runner TaskRunner
	opts   Options
	logger *slog.Logger

	inbound chan websocket.Inbound
	done    chan taskDone
	queries chan chan []RunningTask
	stopped chan struct{}

	online atomic.Bool
	tasks  sync.WaitGroup
}

func New(sender Sender, r TaskRunner, opts Options, logger *slog.Logger) *Agent {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = runner.DefaultTimeout
	}
	if opts.TaskHeartbeatInterval <= 0 {
		opts.TaskHeartbeatInterval = defaultTaskHeartbeat
	}
	return &Agent{
		sender:  sender,
		runner:  r,
		opts:    opts,
		logger:  logger.With("component", "agent"),
		inbound: make(chan websocket.Inbound, inboundQueue),
		done:    make(chan taskDone),
		queries: make(chan chan []RunningTask),
		stopped: make(chan struct{}),
	}
}

// Connected implements websocket.Handler.
func (a *Agent) Connected() {
	a.online.Store(true)
}

// Disconnected implements websocket.Handler. Running tasks keep running.
func (a *Agent) Disconnected() {
	a.online.Store(false)
	a.logger.Info("lost server connection; running tasks continue")
}

// Online reports whether the control connection is up.
func (a *Agent) Online() bool {
	return a.online.Load()
}

// Handle implements websocket.Handler by queueing msg for the run loop.
func (a *Agent) Handle(ctx context.Context, msg websocket.Inbound) {
	select {
	case a.inbound <- msg:
	case <-a.stopped:
	case <-ctx.Done():
	}
}

// Running returns the tasks currently holding a workspace.
func (a *Agent) Running(ctx context.Context) ([]RunningTask, error) {
	reply := make(chan []RunningTask, 1)
	select {
	case a.queries <- reply:
	case <-a.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case tasks := <-reply:
		return tasks, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run processes inbound messages until ctx is cancelled. On return every
// task has been cancelled and has finished.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.stopped)
	reg := newRegistry()

	for {
		select {
		case <-ctx.Done():
			reg.cancelAll()
			a.tasks.Wait()
			return nil

		case msg := <-a.inbound:
			switch m := msg.(type) {
			case websocket.TaskDispatch:
				a.dispatch(ctx, reg, m)
			case websocket.TaskCancel:
				a.cancel(reg, m)
			}

		case d := <-a.done:
			reg.release(d.workspace, d.taskID)

		case reply := <-a.queries:
			reply <- reg.snapshot()
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, reg *registry, d websocket.TaskDispatch) {
	logger := a.logger.With("task_id", d.TaskID, "workspace", d.WorkspaceName)

	workspace, err := runner.CleanWorkspaceName(d.WorkspaceName)
	if err != nil {
		logger.Warn("rejecting task: bad workspace name", "err", err)
		a.reject(ctx, websocket.TaskFailed{
			TaskID: d.TaskID,
			Error:  fmt.Sprintf("Invalid workspace name '%s'", d.WorkspaceName),
		})
		return
	}
	d.WorkspaceName = workspace

	taskCtx, cancel := context.WithCancel(ctx)
	if holder, ok := reg.admit(d.WorkspaceName, d.TaskID, cancel); !ok {
		cancel()
		logger.Warn("rejecting task: workspace busy", "running_task_id", holder)
		a.reject(ctx, websocket.TaskFailed{
			TaskID: d.TaskID,
			Error:  fmt.Sprintf("Workspace '%s' is busy running task %d", d.WorkspaceName, holder),
		})
		return
	}

	t := runner.Task{
		ID:          d.TaskID,
		Workspace:   d.WorkspaceName,
		Command:     d.Command,
		RepoURL:     d.RepoURL,
		RepoRef:     d.RepoRef,
		RepoToken:   d.RepoToken,
		Timeout:     a.timeout(d.Timeout),
		Environment: d.Environment,
	}

	logger.Info("task accepted", "command", d.Command, "timeout", t.Timeout)
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		defer cancel()
		defer a.finish(ctx, taskDone{workspace: d.WorkspaceName, taskID: d.TaskID})
		a.execute(ctx, taskCtx, t, logger)
	}()
}

// reject reports a task that was never started without holding up the run loop.
func (a *Agent) reject(ctx context.Context, msg websocket.TaskFailed) {
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		a.send(ctx, msg)
	}()
}

func (a *Agent) cancel(reg *registry, c websocket.TaskCancel) {
	e, ok := reg.findTask(c.TaskID)
	if !ok {
		a.logger.Info("cancel for task not running here", "task_id", c.TaskID)
		return
	}
	a.logger.Info("cancelling task", "task_id", c.TaskID)
	e.cancel()
}

// execute runs one admitted task and sends its reports. ctx bounds the sends;
// taskCtx is the task's own cancellation.
func (a *Agent) execute(ctx, taskCtx context.Context, t runner.Task, logger *slog.Logger) {
	a.send(ctx, websocket.TaskStarted{TaskID: t.ID})

	stopLiveness := make(chan struct{})
	livenessDone := make(chan struct{})
	go func() {
		defer close(livenessDone)
		a.liveness(ctx, taskCtx, t.ID, stopLiveness)
	}()

	res := a.runner.Run(taskCtx, t, &networkSink{agent: a, ctx: ctx, taskID: t.ID})

	close(stopLiveness)
	<-livenessDone

	switch {
	case res.Cancelled:
		logger.Info("task cancelled")
	case res.TimedOut:
		logger.Warn("task timed out", "timeout", t.Timeout)
		a.send(ctx, websocket.TaskFailed{
			TaskID: t.ID,
			Error:  fmt.Sprintf("Task timed out after %d seconds", int64(t.Timeout/time.Second)),
		})
	default:
		logger.Info("task finished", "exit_code", res.ExitCode)
		a.send(ctx, websocket.TaskCompleted{
			TaskID:   t.ID,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		})
	}
}

func (a *Agent) liveness(ctx, taskCtx context.Context, taskID int64, stop <-chan struct{}) {
	ticker := time.NewTicker(a.opts.TaskHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-taskCtx.Done():
			return
		case <-ticker.C:
			a.send(ctx, websocket.TaskHeartbeat{TaskID: taskID})
		}
	}
}

// finish hands the workspace back to the run loop.
func (a *Agent) finish(ctx context.Context, d taskDone) {
	select {
	case a.done <- d:
	case <-ctx.Done():
	}
}

// maxTimeoutSeconds is the largest timeout a time.Duration can hold.
const maxTimeoutSeconds = uint64(math.MaxInt64 / int64(time.Second))

func (a *Agent) timeout(seconds uint64) time.Duration {
	if seconds == 0 {
		return a.opts.DefaultTimeout
	}
	if seconds > maxTimeoutSeconds {
		seconds = maxTimeoutSeconds
	}
	return time.Duration(seconds) * time.Second
}

// send delivers msg, dropping it when the server cannot be reached.
func (a *Agent) send(ctx context.Context, msg websocket.Outbound) {
	if err := a.sender.Send(ctx, msg); err != nil {
		typ, _ := websocket.MessageType(msg)
		a.logger.Debug("dropping outbound message", "type", typ, "err", err)
	}
}

// networkSink forwards each output line of a task as task_progress.
type networkSink struct {
	agent  *Agent
	ctx    context.Context
	taskID int64
}

func (s *networkSink) WriteLine(line string, _ bool) {
	s.agent.send(s.ctx, websocket.TaskProgress{TaskID: s.taskID, Output: line})
}
