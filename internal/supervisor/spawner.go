package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/luciancaetano/kephasgate/internal/ipc"
)

// Handle is a running unit.
type Handle interface {
	// Reader yields the messages written by the unit.
	Reader() io.Reader
	// Writer carries messages to the unit.
	Writer() io.Writer
	// Pid is the OS process id, or 0 for in-process workers.
	Pid() int
	// Wait blocks until the unit exited and returns its exit error.
	Wait() error
	// Kill stops the unit.
	Kill() error
}

// Spawner starts units.
type Spawner interface {
	Spawn(ctx context.Context, env ipc.UnitEnv) (Handle, error)
}

// ProcessSpawner runs each unit as a child process. The child talks IPC on
// its stdin and stdout and learns its shards from the environment.
type ProcessSpawner struct {
	// Path is the unit entry point.
	Path string
	Args []string
	// Env is appended to the supervisor's environment.
	Env []string
	// Stderr receives the child's stderr. Nil means os.Stderr.
	Stderr io.Writer
}

// Spawn implements Spawner.
func (p *ProcessSpawner) Spawn(_ context.Context, env ipc.UnitEnv) (Handle, error) {
	if p.Path == "" {
		return nil, errors.New("process spawner: no entry point configured")
	}

	cmd := exec.Command(p.Path, p.Args...)
	cmd.Env = append(append(os.Environ(), p.Env...), env.Environ()...)
	cmd.Stderr = p.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", p.Path, err)
	}
	return &processHandle{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (h *processHandle) Reader() io.Reader { return h.stdout }
func (h *processHandle) Writer() io.Writer { return h.stdin }
func (h *processHandle) Pid() int          { return h.cmd.Process.Pid }
func (h *processHandle) Wait() error       { return h.cmd.Wait() }

func (h *processHandle) Kill() error {
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// RunFunc is the body of an in-process unit. It must return once ctx is
// cancelled or r reaches EOF.
type RunFunc func(ctx context.Context, env ipc.UnitEnv, r io.Reader, w io.Writer) error

// WorkerSpawner runs each unit as a goroutine connected to the supervisor
// by a pair of pipes.
type WorkerSpawner struct {
	Run RunFunc
}

// Spawn implements Spawner.
func (s *WorkerSpawner) Spawn(_ context.Context, env ipc.UnitEnv) (Handle, error) {
	if s.Run == nil {
		return nil, errors.New("worker spawner: no run function configured")
	}

	toUnitR, toUnitW := io.Pipe()
	fromUnitR, fromUnitW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	h := &workerHandle{
		toUnitR:   toUnitR,
		toUnitW:   toUnitW,
		fromUnitR: fromUnitR,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		h.err = s.Run(ctx, env, toUnitR, fromUnitW)
		_ = fromUnitW.Close()
		_ = toUnitR.Close()
	}()
	return h, nil
}

type workerHandle struct {
	toUnitR   *io.PipeReader
	toUnitW   *io.PipeWriter
	fromUnitR *io.PipeReader

	cancel   context.CancelFunc
	killOnce sync.Once
	done     chan struct{}
	err      error
}

func (h *workerHandle) Reader() io.Reader { return h.fromUnitR }
func (h *workerHandle) Writer() io.Writer { return h.toUnitW }
func (h *workerHandle) Pid() int          { return 0 }

func (h *workerHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *workerHandle) Kill() error {
	h.killOnce.Do(func() {
		h.cancel()
		_ = h.toUnitR.Close()
	})
	return nil
}
