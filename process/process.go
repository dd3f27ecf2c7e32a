package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// ErrLaunch is returned when the OS refuses to start the worker.
var ErrLaunch = errors.New("launching worker process")

type Result struct {
	ExitCode int
	TimeMS   int64
}

type LaunchRequest struct {
	// Entry is the name the worker entry point was registered under.
	Entry string
	Args  []string
	// Env is appended to the parent's environment.
	Env []string
	// Port is the RPC port the worker was told to listen on.
	Port int

	// RedirectStreams forwards the worker's stdout and stderr to the launcher's writers.
	RedirectStreams bool

	// Path overrides the executable. By default the current binary is re-executed.
	Path string
}

type Launcher struct {
	Log *zap.SugaredLogger
	// Stdout and Stderr receive redirected worker output.
	// When nil, output is written line by line to Log.
	Stdout io.Writer
	Stderr io.Writer

	onStart []func(*Worker)
}

type Option func(l *Launcher)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(n *Launcher) {
		n.Log = l.Named("launcher")
	}
}

func WithStreams(stdout, stderr io.Writer) Option {
	return func(n *Launcher) {
		n.Stdout = stdout
		n.Stderr = stderr
	}
}

// WithStartHook registers f to be called with every worker right after it starts.
func WithStartHook(f func(*Worker)) Option {
	return func(n *Launcher) {
		n.onStart = append(n.onStart, f)
	}
}

func NewLauncher(opts ...Option) *Launcher {
	l := &Launcher{Log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Worker is a handle on a launched worker process.
type Worker struct {
	log      *zap.SugaredLogger
	cmd      *exec.Cmd
	port     int
	redirect bool
	closers  []io.Closer

	exited chan struct{}
	result Result
	err    error

	stopOnce sync.Once
	stopErr  error
}

func (l *Launcher) command(req LaunchRequest) *exec.Cmd {
	if req.Path != "" {
		cmd := exec.Command(req.Path, req.Args...)
		cmd.Args[0] = req.Entry
		return cmd
	}
	return reexec.Command(append([]string{req.Entry}, req.Args...)...)
}

// Launch starts a worker and returns without waiting for it to exit.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*Worker, error) {
	if req.Entry == "" {
		return nil, fmt.Errorf("%w: no entry name", ErrLaunch)
	}
	cmd := l.command(req)
	cmd.Env = append(os.Environ(), req.Env...)

	w := &Worker{
		log:      l.Log.With("entry", req.Entry, "port", req.Port),
		cmd:      cmd,
		port:     req.Port,
		redirect: req.RedirectStreams,
		exited:   make(chan struct{}),
	}

	if req.RedirectStreams {
		cmd.Stdout = l.Stdout
		cmd.Stderr = l.Stderr
		if cmd.Stdout == nil {
			out := &zapio.Writer{Log: l.Log.Desugar().Named("worker_stdout"), Level: zap.InfoLevel}
			w.closers = append(w.closers, out)
			cmd.Stdout = out
		}
		if cmd.Stderr == nil {
			errOut := &zapio.Writer{Log: l.Log.Desugar().Named("worker_stderr"), Level: zap.InfoLevel}
			w.closers = append(w.closers, errOut)
			cmd.Stderr = errOut
		}
	}

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		w.closeStreams()
		return nil, fmt.Errorf("%w %q: %s", ErrLaunch, req.Entry, err)
	}
	w.log = w.log.With("pid", cmd.Process.Pid)
	w.log.Debug("worker started")
	for _, f := range l.onStart {
		f(w)
	}

	go func() {
		err := cmd.Wait()
		w.result.TimeMS = time.Since(start).Milliseconds()
		w.result.ExitCode = cmd.ProcessState.ExitCode()
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				w.err = err
			}
		}
		w.log.Debugw("worker exited", "ExitCode", w.result.ExitCode, "TimeMS", w.result.TimeMS)
		close(w.exited)
	}()

	// kill the worker if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			w.log.Debugf("launch context done, killing worker: %s", ctx.Err())
			_ = cmd.Process.Kill()
		case <-w.exited:
		}
	}()

	return w, nil
}

func (w *Worker) PID() int { return w.cmd.Process.Pid }

// Port returns the RPC port the worker was assigned.
func (w *Worker) Port() int { return w.port }

func (w *Worker) RedirectsStreams() bool { return w.redirect }

// Exited is closed once the worker process has been reaped.
func (w *Worker) Exited() <-chan struct{} { return w.exited }

// Result returns the exit result if the worker has exited.
func (w *Worker) Result() (*Result, bool) {
	select {
	case <-w.exited:
		res := w.result
		return &res, true
	default:
		return nil, false
	}
}

// Wait blocks until the worker exits or ctx is done.
func (w *Worker) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.exited:
		res := w.result
		return &res, w.err
	}
}

// Stop kills the worker and waits for it to be reaped.
// Stopping an exited or already stopped worker is a no-op.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		select {
		case <-w.exited:
		default:
			err := w.cmd.Process.Kill()
			if err != nil && !errors.Is(err, os.ErrProcessDone) {
				w.stopErr = fmt.Errorf("killing worker %d: %w", w.PID(), err)
				break
			}
			<-w.exited
			w.log.Debug("worker stopped")
		}
		w.stopErr = multierr.Append(w.stopErr, w.closeStreams())
	})
	return w.stopErr
}

func (w *Worker) closeStreams() error {
	var err error
	for _, c := range w.closers {
		err = multierr.Append(err, c.Close())
	}
	w.closers = nil
	return err
}
