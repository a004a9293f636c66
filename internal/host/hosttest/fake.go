// Package hosttest provides an in-memory process spawner for tests that
// need a real host.Supervisor without starting terminals.
package hosttest

import (
	"bytes"
	"io"
	"sync"

	"termlink/internal/host"
)

// Process is a fake host.Process. Output is fed with Emit; Exit ends it.
type Process struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu    sync.Mutex
	input bytes.Buffer
	cols  int
	rows  int

	exitCh   chan int
	exitOnce sync.Once
}

func (p *Process) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

func (p *Process) Close() error { return p.outR.Close() }

func (p *Process) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

func (p *Process) Wait() (int, error) { return <-p.exitCh, nil }

func (p *Process) Signal() error {
	p.Exit(143)
	return nil
}

// Emit writes s as process output. It blocks until the supervisor reads it.
func (p *Process) Emit(s string) error {
	_, err := p.outW.Write([]byte(s))
	return err
}

// Exit ends the process with code. Later calls are ignored.
func (p *Process) Exit(code int) {
	p.exitOnce.Do(func() {
		p.outW.Close()
		p.exitCh <- code
	})
}

// Input returns everything written to the process so far.
func (p *Process) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// Size returns the current terminal size.
func (p *Process) Size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// Spawner records every process it starts.
type Spawner struct {
	mu    sync.Mutex
	procs []*Process
}

// Spawn implements host.Spawner.
func (s *Spawner) Spawn(req host.CreateRequest) (host.Process, error) {
	r, w := io.Pipe()
	p := &Process{outR: r, outW: w, cols: req.Cols, rows: req.Rows, exitCh: make(chan int, 1)}

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

// Last returns the most recently spawned process, or nil.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// ExitAll ends every process. Tests register it with t.Cleanup.
func (s *Spawner) ExitAll() {
	s.mu.Lock()
	procs := append([]*Process(nil), s.procs...)
	s.mu.Unlock()
	for _, p := range procs {
		p.Exit(0)
	}
}
