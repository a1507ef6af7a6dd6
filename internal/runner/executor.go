package runner

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// outputBuffer bounds the shared line channel between the stream
	// readers and the sink consumer.
	outputBuffer = 100

	// killGrace bounds how long a losing race waits for the killed child to
	// be reaped and its readers to drain.
	killGrace = 5 * time.Second
)

// Command is a fully resolved process invocation.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     map[string]string // overlaid on the agent's own environment
	Timeout time.Duration
}

// Executor runs one command at a time per call and always returns a Result:
// it never blocks past the timeout and never leaves the child running.
type Executor struct {
	logger    *slog.Logger
	killGrace time.Duration
}

func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger, killGrace: killGrace}
}

type outputLine struct {
	text   string
	stderr bool
}

// partialBuffer collects stdout while the command is still running, so a
// timed out or cancelled run can still report what it printed.
type partialBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (p *partialBuffer) add(line string) {
	p.mu.Lock()
	p.lines = append(p.lines, line)
	p.mu.Unlock()
}

func (p *partialBuffer) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.lines, "\n")
}

// Execute spawns c and streams its output into sink (nil discards). The run
// completes, times out after c.Timeout, or is cancelled by ctx; whichever
// happens first decides the Result.
func (e *Executor) Execute(ctx context.Context, c Command, sink Sink) Result {
	if sink == nil {
		sink = Discard
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Args are not logged: git URLs may carry a token.
	e.logger.Info("executing command", "path", c.Path, "dir", c.Dir)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return failedResult("%v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return failedResult("%v", err)
	}
	defer stdoutR.Close()
	defer stderrR.Close()

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	configureProcess(cmd)

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		e.logger.Error("failed to spawn command", "path", c.Path, "error", err)
		return failedResult("%v", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	lines := make(chan outputLine, outputBuffer)
	var partial partialBuffer
	var stdoutLines, stderrLines []string
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		stdoutLines = readLines(stdoutR, false, lines, &partial)
	}()
	go func() {
		defer readers.Done()
		stderrLines = readLines(stderrR, true, lines, nil)
	}()
	go func() {
		readers.Wait()
		close(lines)
	}()

	abandoned := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for l := range lines {
			select {
			case <-abandoned:
				// keep draining so the readers never block
			default:
				sink.WriteLine(l.text, l.stderr)
			}
		}
	}()

	finished := make(chan error, 1)
	go func() {
		<-drained
		finished <- <-exited
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-finished:
		code := int32(-1)
		if cmd.ProcessState != nil {
			code = int32(cmd.ProcessState.ExitCode())
		}
		return Result{
			ExitCode: code,
			Stdout:   strings.Join(stdoutLines, "\n"),
			Stderr:   strings.Join(stderrLines, "\n"),
		}

	case <-timer.C:
		e.logger.Warn("command timed out", "path", c.Path, "timeout", timeout)
		e.stop(cmd, abandoned, finished, stdoutR, stderrR)
		return Result{
			ExitCode: -1,
			Stdout:   partial.String(),
			Stderr:   "Command timed out after " + formatSeconds(timeout) + " seconds",
			TimedOut: true,
		}

	case <-ctx.Done():
		e.logger.Warn("command cancelled", "path", c.Path)
		e.stop(cmd, abandoned, finished, stdoutR, stderrR)
		return Result{
			ExitCode:  -1,
			Stdout:    partial.String(),
			Stderr:    "Task was cancelled",
			Cancelled: true,
		}
	}
}

// stop kills the child after the race was lost and waits, bounded, for it to
// be reaped. If something still holds the pipes open after the kill, the
// read ends are closed to release the readers.
func (e *Executor) stop(cmd *exec.Cmd, abandoned chan struct{}, finished <-chan error, pipes ...io.Closer) {
	close(abandoned)
	if err := killProcess(cmd); err != nil {
		e.logger.Warn("failed to kill process", "pid", cmd.Process.Pid, "error", err)
	}

	select {
	case <-finished:
		return
	case <-time.After(e.killGrace):
	}

	for _, p := range pipes {
		p.Close()
	}
	select {
	case <-finished:
	case <-time.After(e.killGrace):
		e.logger.Error("process did not exit after kill", "pid", cmd.Process.Pid)
	}
}

// readLines splits r on newlines until EOF, forwarding every line to out.
// Invalid UTF-8 is replaced rather than rejected.
func readLines(r io.Reader, stderr bool, out chan<- outputLine, partial *partialBuffer) []string {
	var collected []string
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadBytes('\n')
		if len(b) > 0 {
			line := strings.ToValidUTF8(strings.TrimRight(string(b), "\r\n"), "\uFFFD")
			out <- outputLine{text: line, stderr: stderr}
			collected = append(collected, line)
			if partial != nil {
				partial.add(line)
			}
		}
		if err != nil {
			return collected
		}
	}
}

// mergeEnv overlays overrides on base, a KEY=VALUE list such as os.Environ().
func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
