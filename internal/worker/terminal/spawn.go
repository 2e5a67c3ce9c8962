package terminal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// Transport modes.
const (
	ModePTY  = "pty"
	ModePipe = "pipe"
)

// process abstracts the shell child so sessions work the same over a
// PTY and over plain pipes.
type process interface {
	Output() io.Reader
	Write(data []byte) (int, error)
	Resize(cols, rows uint16) error
	Pid() int
	Kill()
	Wait() (exitCode int, signal string)
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func (p *ptyProcess) Output() io.Reader          { return p.ptmx }
func (p *ptyProcess) Write(d []byte) (int, error) { return p.ptmx.Write(d) }
func (p *ptyProcess) Pid() int                    { return p.cmd.Process.Pid }

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Kill() {
	_ = p.ptmx.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *ptyProcess) Wait() (int, string) {
	return waitExit(p.cmd)
}

type pipeProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *pipeProcess) Output() io.Reader          { return p.stdout }
func (p *pipeProcess) Write(d []byte) (int, error) { return p.stdin.Write(d) }
func (p *pipeProcess) Pid() int                    { return p.cmd.Process.Pid }

// Resize is a no-op without a PTY.
func (p *pipeProcess) Resize(cols, rows uint16) error { return nil }

func (p *pipeProcess) Kill() {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *pipeProcess) Wait() (int, string) {
	return waitExit(p.cmd)
}

func waitExit(cmd *exec.Cmd) (int, string) {
	err := cmd.Wait()
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, ws.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}

func newShellCmd(shell string, args []string, cwd string) *exec.Cmd {
	cmd := exec.Command(shell, args...)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	return cmd
}

// spawn starts the shell under a PTY, retrying spawn failures with
// alternate argument vectors and finally falling back to a pipe-based
// process without PTY semantics.
func spawn(shell, cwd string, cols, rows uint16) (process, string, error) {
	attempts := [][]string{nil, {"-f"}, {"-i"}}

	var lastErr error
	for _, args := range attempts {
		cmd := newShellCmd(shell, args, cwd)
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
		if err == nil {
			return &ptyProcess{cmd: cmd, ptmx: ptmx}, ModePTY, nil
		}
		lastErr = err
		if !isSpawnError(err) {
			break
		}
		slog.Warn("pty spawn failed, trying alternate args", "shell", shell, "args", args, "error", err)
	}

	cmd := newShellCmd(shell, nil, cwd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, "", fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("spawn shell: %w (pty: %v)", err, lastErr)
	}
	slog.Warn("running terminal in pipe mode", "shell", shell, "pty_error", lastErr)
	return &pipeProcess{cmd: cmd, stdin: stdin, stdout: stdout}, ModePipe, nil
}

func isSpawnError(err error) bool {
	return strings.Contains(err.Error(), "posix_spawnp") ||
		strings.Contains(err.Error(), "fork/exec")
}

func resolveDefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/zsh"
}
