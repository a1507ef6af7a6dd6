package runner

import (
	"runtime"
	"strings"
)

// ShellEnvKey in a task environment selects the shell that runs the command.
// It is never passed on to the child.
const ShellEnvKey = "SHELL"

// DefaultShell returns the shell used when neither the task nor the agent
// configuration names one.
func DefaultShell() string {
	switch runtime.GOOS {
	case "darwin":
		return "/bin/zsh"
	case "windows":
		return "cmd"
	default:
		return "/bin/bash"
	}
}

// ShellArgs returns the flags that make shell run a single command string.
func ShellArgs(shell string) []string {
	switch shellBaseName(shell) {
	case "bash", "zsh":
		return []string{"-l", "-i", "-c"}
	case "sh":
		return []string{"-c"}
	case "cmd", "cmd.exe":
		return []string{"/C"}
	case "powershell", "powershell.exe", "pwsh", "pwsh.exe":
		return []string{"-Command"}
	default:
		return []string{"-c"}
	}
}

func shellBaseName(shell string) string {
	if i := strings.LastIndexAny(shell, `/\`); i >= 0 {
		return shell[i+1:]
	}
	return shell
}

// ShellCommand resolves the shell for command and builds the invocation.
// Resolution order: env[SHELL], then fallback, then DefaultShell.
func ShellCommand(command string, env map[string]string, fallback string) Command {
	shell := env[ShellEnvKey]
	if shell == "" {
		shell = fallback
	}
	if shell == "" {
		shell = DefaultShell()
	}

	childEnv := make(map[string]string, len(env))
	for k, v := range env {
		if k != ShellEnvKey {
			childEnv[k] = v
		}
	}

	return Command{
		Path: shell,
		Args: append(ShellArgs(shell), command),
		Env:  childEnv,
	}
}
