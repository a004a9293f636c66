package host

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const defaultGracefulTimeout = 5 * time.Second

// PTYSpawner starts command on a new pseudo-terminal for each session.
func PTYSpawner(command string, args ...string) Spawner {
	return func(req CreateRequest) (Process, error) {
		binaryPath, err := exec.LookPath(command)
		if err != nil {
			return nil, fmt.Errorf("%s not found in PATH", command)
		}

		if req.Dir != "" {
			info, err := os.Stat(req.Dir)
			if err != nil {
				return nil, fmt.Errorf("working directory does not exist: %s", req.Dir)
			}
			if !info.IsDir() {
				return nil, fmt.Errorf("path is not a directory: %s", req.Dir)
			}
		}

		cmd := exec.Command(binaryPath, args...)
		cmd.Dir = req.Dir
		cmd.Env = append(os.Environ(), "TERM=xterm-256color")

		f, err := pty.StartWithSize(cmd, winsize(req.Cols, req.Rows))
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", command, err)
		}
		return &ptyProcess{cmd: cmd, tty: f, exited: make(chan struct{})}, nil
	}
}

func winsize(cols, rows int) *pty.Winsize {
	return &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
}

type ptyProcess struct {
	cmd       *exec.Cmd
	tty       *os.File
	exited    chan struct{}
	closeOnce sync.Once
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.tty.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.tty.Write(b) }

func (p *ptyProcess) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.tty.Close() })
	return err
}

func (p *ptyProcess) Resize(cols, rows int) error {
	return pty.Setsize(p.tty, winsize(cols, rows))
}

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	close(p.exited)
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Signal sends SIGHUP, then SIGKILL if the process is still running after
// the graceful timeout.
func (p *ptyProcess) Signal() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	go func() {
		select {
		case <-p.exited:
		case <-time.After(defaultGracefulTimeout):
			_ = p.cmd.Process.Kill()
		}
	}()
	return nil
}
