package agent

import (
	"context"
	"sort"
	"time"
)

// RunningTask describes a task that currently holds a workspace.
type RunningTask struct {
	TaskID    int64     `json:"task_id"`
	Workspace string    `json:"workspace"`
	StartedAt time.Time `json:"started_at"`
}

type entry struct {
	taskID  int64
	cancel  context.CancelFunc
	started time.Time
}

// registry maps each busy workspace to the task running in it. It is owned by
// the agent's run loop and never touched from any other goroutine.
type registry struct {
	tasks map[string]*entry
	now   func() time.Time
}

func newRegistry() *registry {
	return &registry{tasks: make(map[string]*entry), now: time.Now}
}

// admit claims workspace for taskID. When the workspace is taken it returns
// the id of the task holding it and false.
func (r *registry) admit(workspace string, taskID int64, cancel context.CancelFunc) (int64, bool) {
	if e, ok := r.tasks[workspace]; ok {
		return e.taskID, false
	}
	r.tasks[workspace] = &entry{taskID: taskID, cancel: cancel, started: r.now()}
	return taskID, true
}

// release frees workspace if taskID still holds it.
func (r *registry) release(workspace string, taskID int64) bool {
	e, ok := r.tasks[workspace]
	if !ok || e.taskID != taskID {
		return false
	}
	delete(r.tasks, workspace)
	return true
}

func (r *registry) findTask(taskID int64) (*entry, bool) {
	for _, e := range r.tasks {
		if e.taskID == taskID {
			return e, true
		}
	}
	return nil, false
}

func (r *registry) cancelAll() {
	for _, e := range r.tasks {
		e.cancel()
	}
}

func (r *registry) snapshot() []RunningTask {
	out := make([]RunningTask, 0, len(r.tasks))
	for ws, e := range r.tasks {
		out = append(out, RunningTask{TaskID: e.taskID, Workspace: ws, StartedAt: e.started})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Workspace < out[j].Workspace })
	return out
}
