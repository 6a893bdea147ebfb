package tools

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const maxOutputBytes = 1024 * 1024

// Dangerous command patterns that should be blocked
var dangerousPatterns = []string{
	"rm ", "rm -", "rmdir", "unlink",
	"format", "mkfs", "dd ",
	"sudo rm", "sudo format", "sudo mkfs",
	"chmod 777", "chmod 000",
	"curl | sh", "curl | bash", "wget | sh", "wget | bash",
	"> /dev/sd", "of=/dev/sd", "of=/dev/hd",
	"rm -rf /", "rm -rf ~", "rm -rf *",
	"mkfs.", "fdisk ",
	"dd if=", "dd of=",
}

// isDangerousCommand checks if a command contains dangerous patterns
func isDangerousCommand(command string) bool {
	cmdLower := strings.ToLower(command)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(cmdLower, pattern) {
			return true
		}
	}

	// Block curl/wget pipelines that execute shells, even with args between.
	if (strings.Contains(cmdLower, "curl") || strings.Contains(cmdLower, "wget")) &&
		strings.Contains(cmdLower, "|") &&
		(strings.Contains(cmdLower, "| sh") || strings.Contains(cmdLower, "| bash")) {
		return true
	}

	// Block redirects to absolute paths outside typical temp dirs.
	if strings.Contains(cmdLower, "> ") {
		parts := strings.Split(cmdLower, ">")
		if len(parts) > 1 {
			target := strings.TrimSpace(parts[1])
			if filepath.IsAbs(target) && !strings.HasPrefix(target, "/tmp/") && !strings.HasPrefix(target, "/var/tmp/") {
				return true
			}
		}
	}

	return false
}

// RegisterShellTool registers the run_shell_command built-in. It always
// requires approval, rejects known-dangerous commands, and caps runtime at
// 10 minutes.
func (e *Engine) RegisterShellTool(workspace string) error {
	return e.Register(Tool{
		Name:        "run_shell_command",
		Description: "Run a shell command inside the workspace.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":     map[string]any{"type": "string"},
				"working_dir": map[string]any{"type": "string"},
			},
			"required": []string{"command"},
		},
		Category:         "system",
		RequiresApproval: true,
		Timeout:          10 * time.Minute,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			command := stringArg(args, "command")
			if command == "" {
				return nil, fmt.Errorf("command is empty")
			}
			if isDangerousCommand(command) {
				return nil, fmt.Errorf("command blocked: it could damage the system or delete files")
			}

			workDir := workspace
			if wd := stringArg(args, "working_dir"); wd != "" {
				validDir, err := resolveWorkspacePath(workspace, wd)
				if err != nil {
					return nil, fmt.Errorf("invalid working directory: %w", err)
				}
				workDir = validDir
			}

			cmd := exec.CommandContext(ctx, "sh", "-c", command) //#nosec G204 -- intentional command execution behind approval
			cmd.Dir = workDir

			stdout, err := cmd.StdoutPipe()
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
			}
			stderr, err := cmd.StderrPipe()
			if err != nil {
				return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
			}

			if err := cmd.Start(); err != nil {
				return nil, fmt.Errorf("failed to start command: %w", err)
			}

			readAll := func(pipe interface{ Read([]byte) (int, error) }, out *[]byte, done chan<- error) {
				buf := make([]byte, 4096)
				for {
					n, err := pipe.Read(buf)
					if n > 0 {
						*out = append(*out, buf[:n]...)
						if len(*out) > maxOutputBytes {
							done <- fmt.Errorf("output exceeded 1MB limit")
							return
						}
					}
					if err != nil {
						done <- err
						return
					}
				}
			}

			var stdoutBytes, stderrBytes []byte
			stdoutDone := make(chan error, 1)
			stderrDone := make(chan error, 1)
			go readAll(stdout, &stdoutBytes, stdoutDone)
			go readAll(stderr, &stderrBytes, stderrDone)

			cmdDone := make(chan error, 1)
			go func() { cmdDone <- cmd.Wait() }()

			select {
			case <-ctx.Done():
				_ = cmd.Process.Kill() // ignore error if process already exited
				return nil, fmt.Errorf("command timed out")
			case err := <-cmdDone:
				<-stdoutDone
				<-stderrDone

				exitCode := 0
				if err != nil {
					exitError, ok := err.(*exec.ExitError)
					if !ok {
						return nil, fmt.Errorf("command failed: %w", err)
					}
					exitCode = exitError.ExitCode()
				}
				return map[string]any{
					"command":   command,
					"exit_code": exitCode,
					"stdout":    string(stdoutBytes),
					"stderr":    string(stderrBytes),
					"success":   exitCode == 0,
				}, nil
			}
		},
	})
}
