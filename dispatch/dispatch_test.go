package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/guseggert/rconvert/converter"
	"github.com/guseggert/rconvert/converter/markdown"
	"github.com/guseggert/rconvert/process"
	"github.com/guseggert/rconvert/rpc"
	"github.com/guseggert/rconvert/worker"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()

	register := func(name string, c converter.Converter) {
		worker.Register(name, func(s converter.Settings) (converter.Converter, error) { return c, nil })
	}
	register("dispatch-test-upper", &testConverter{entry: "dispatch-test-upper"})
	register("dispatch-test-env", convertFunc(func(ctx context.Context, doc *converter.Document, w io.Writer) error {
		_, err := fmt.Fprint(w, os.Getenv("GOMEMLIMIT"))
		return err
	}))
	register("dispatch-test-fail", convertFunc(func(ctx context.Context, doc *converter.Document, w io.Writer) error {
		if len(doc.Data) == 0 {
			return fmt.Errorf("%w: empty", converter.ErrUnsupportedDocument)
		}
		return errors.New("engine crashed")
	}))
	register("dispatch-test-crash", convertFunc(func(ctx context.Context, doc *converter.Document, w io.Writer) error {
		os.Exit(42)
		return nil
	}))
	register("dispatch-test-block", convertFunc(func(ctx context.Context, doc *converter.Document, w io.Writer) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	worker.Register("dispatch-test-hang", func(s converter.Settings) (converter.Converter, error) {
		time.Sleep(time.Hour)
		return nil, errors.New("woke up")
	})
	worker.RegisterObject("dispatch-test-bare", func(cfg *worker.Config) (rpc.Object, error) {
		return bareObject{}, nil
	})
}

func TestMain(m *testing.M) {
	if worker.Init() {
		return
	}
	os.Exit(m.Run())
}

type convertFunc func(ctx context.Context, doc *converter.Document, w io.Writer) error

func (f convertFunc) Convert(ctx context.Context, doc *converter.Document, w io.Writer) error {
	return f(ctx, doc, w)
}

// testConverter upper-cases documents, after an optional delay.
type testConverter struct {
	entry string
	calls atomic.Int64
}

func (c *testConverter) Convert(ctx context.Context, doc *converter.Document, w io.Writer) error {
	c.calls.Inc()
	if ms, err := strconv.Atoi(string(doc.Data)); err == nil {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	_, err := w.Write(bytes.ToUpper(doc.Data))
	return err
}

func (c *testConverter) WorkerEntry() (string, converter.Settings) {
	return c.entry, nil
}

type bareObject struct{}

func (bareObject) Capabilities() []string { return nil }

func (bareObject) Call(ctx context.Context, method string, meta map[string]string, args []byte) ([]byte, error) {
	return nil, errors.New("not callable")
}

type stateRecorder struct {
	mut    sync.Mutex
	states map[string][]State
}

func (r *stateRecorder) hook(jobID string, s State) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.states == nil {
		r.states = map[string][]State{}
	}
	r.states[jobID] = append(r.states[jobID], s)
}

func (r *stateRecorder) jobs() map[string][]State {
	r.mut.Lock()
	defer r.mut.Unlock()
	m := map[string][]State{}
	for k, v := range r.states {
		m[k] = append([]State(nil), v...)
	}
	return m
}

func (r *stateRecorder) only(t *testing.T) []State {
	jobs := r.jobs()
	require.Len(t, jobs, 1)
	for _, states := range jobs {
		return states
	}
	return nil
}

// workerRecorder keeps every worker a launcher started.
type workerRecorder struct {
	mut     sync.Mutex
	workers []*process.Worker
}

func (r *workerRecorder) launcher() *process.Launcher {
	return process.NewLauncher(process.WithLogger(log), process.WithStartHook(func(w *process.Worker) {
		r.mut.Lock()
		defer r.mut.Unlock()
		r.workers = append(r.workers, w)
	}))
}

func (r *workerRecorder) started() []*process.Worker {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]*process.Worker(nil), r.workers...)
}

// requireReaped checks that every started worker is gone, not just signaled.
func (r *workerRecorder) requireReaped(t *testing.T, n int) {
	workers := r.started()
	require.Len(t, workers, n)
	for _, w := range workers {
		select {
		case <-w.Exited():
		default:
			t.Fatalf("worker %d still running", w.PID())
		}
		require.ErrorIs(t, unix.Kill(w.PID(), 0), unix.ESRCH, "worker %d not reaped", w.PID())
	}
}

func newDispatcher(t *testing.T, entry string, opts ...Option) *Dispatcher {
	d, err := New(&testConverter{entry: entry}, append(testOptions(), opts...)...)
	require.NoError(t, err)
	return d
}

func testOptions() []Option {
	return []Option{
		WithLogger(log),
		WithMaxWorkers(2),
		WithServerPorts(43000, 43999),
		WithClientPorts(44000, 44999),
		WithStartupTimeout(30 * time.Second),
		WithWorkerLogLevel("debug"),
	}
}

func TestMemoryBudgetMB(t *testing.T) {
	cases := []struct {
		size int64
		exp  int64
	}{
		{size: 0, exp: 65},
		{size: 1, exp: 65},
		{size: 1024*1024 - 1, exp: 65},
		{size: 1024 * 1024, exp: 66},
		{size: 5*1024*1024 + 1, exp: 70},
	}
	for _, c := range cases {
		t.Run(strconv.FormatInt(c.size, 10), func(t *testing.T) {
			assert.Equal(t, c.exp, MemoryBudgetMB(DefaultBaseMemoryMB, c.size))
		})
	}

	d, err := New(&testConverter{}, WithBaseMemoryMB(128))
	require.NoError(t, err)
	assert.Equal(t, int64(129), d.MemoryBudgetMB(0))
}

func TestNewRequiresStandalone(t *testing.T) {
	local := convertFunc(func(ctx context.Context, doc *converter.Document, w io.Writer) error { return nil })

	_, err := New(local, WithMaxWorkers(1))
	require.ErrorIs(t, err, ErrNotStandalone)

	_, err = New(&testConverter{entry: "dispatch-test-unregistered"}, WithMaxWorkers(1))
	require.ErrorIs(t, err, ErrNotStandalone)

	// nothing is checked when everything runs in-process
	_, err = New(local, WithMaxWorkers(0))
	require.NoError(t, err)
}

func TestNewValidatesOptions(t *testing.T) {
	cases := []struct {
		name string
		opts []Option
	}{
		{name: "negative capacity", opts: []Option{WithMaxWorkers(-1)}},
		{name: "overlapping ranges", opts: []Option{WithMaxWorkers(1), WithServerPorts(5000, 6000), WithClientPorts(5500, 7000)}},
		{name: "inverted range", opts: []Option{WithMaxWorkers(1), WithServerPorts(6000, 5000)}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := New(&testConverter{entry: "dispatch-test-upper"}, c.opts...)
			require.Error(t, err)
		})
	}
}

func TestZeroCapacityRunsLocally(t *testing.T) {
	rec := &stateRecorder{}
	conv := &testConverter{entry: "dispatch-test-upper"}
	d, err := New(conv, WithMaxWorkers(0), WithStateHook(rec.hook))
	require.NoError(t, err)
	assert.Equal(t, 0, d.Capacity())

	out, err := d.ConvertBytes(context.Background(), "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(out))

	// converted in this process, no dispatch states were entered
	assert.Equal(t, int64(1), conv.calls.Load())
	assert.Empty(t, rec.jobs())
	assert.Equal(t, 0, d.InUse())
}

func TestZeroCapacityReturnsErrorsUnchanged(t *testing.T) {
	errEngine := errors.New("engine crashed")
	d, err := New(convertFunc(func(ctx context.Context, doc *converter.Document, w io.Writer) error {
		return errEngine
	}))
	require.NoError(t, err)

	_, err = d.ConvertBytes(context.Background(), "a.txt", []byte("x"))
	require.Equal(t, errEngine, err)
}

func TestRemoteConvert(t *testing.T) {
	rec := &stateRecorder{}
	d := newDispatcher(t, "dispatch-test-upper", WithStateHook(rec.hook))

	out, err := d.ConvertBytes(context.Background(), "a.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(out))
	assert.Equal(t, 0, d.InUse())

	assert.Equal(t, []State{Idle, SlotAcquired, WorkerLaunching, WorkerReady, Bound, Executing, Completed, SlotReleased}, rec.only(t))
}

func TestRemoteMatchesLocal(t *testing.T) {
	settings := converter.Settings{"heading_ids": "true", "unsafe": "true"}
	src := []byte("# Title\n\nSome *emphasis*, a [link](https://example.com) and <b>raw</b> html.\n\n| a | b |\n|---|---|\n| 1 | 2 |\n")

	md, err := markdown.New(settings)
	require.NoError(t, err)

	local, err := New(md, WithMaxWorkers(0))
	require.NoError(t, err)
	remote, err := New(md, testOptions()...)
	require.NoError(t, err)

	localOut, err := local.ConvertBytes(context.Background(), "doc.md", src)
	require.NoError(t, err)
	remoteOut, err := remote.ConvertBytes(context.Background(), "doc.md", src)
	require.NoError(t, err)

	assert.Equal(t, localOut, remoteOut)
	assert.Contains(t, string(remoteOut), `<h1 id="title">Title</h1>`)
}

func TestWorkerGetsMemoryLimit(t *testing.T) {
	d := newDispatcher(t, "dispatch-test-env")

	out, err := d.ConvertBytes(context.Background(), "a.txt", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "65MiB", string(out))

	out, err = d.ConvertBytes(context.Background(), "b.txt", make([]byte, 5*1024*1024+1))
	require.NoError(t, err)
	assert.Equal(t, "70MiB", string(out))
}

func TestLookupEmpty(t *testing.T) {
	rec := &stateRecorder{}
	workers := &workerRecorder{}
	d := newDispatcher(t, "dispatch-test-bare", WithStateHook(rec.hook), WithLauncher(workers.launcher()))

	_, err := d.ConvertBytes(context.Background(), "a.txt", []byte("hello"))
	require.ErrorIs(t, err, ErrLookupEmpty)
	var convErr *ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, StageLookup, convErr.Stage)

	assert.Equal(t, 0, d.InUse())
	assert.Equal(t, []State{Idle, SlotAcquired, WorkerLaunching, WorkerReady, Failed, SlotReleased}, rec.only(t))
	workers.requireReaped(t, 1)
}

func TestStartupTimeout(t *testing.T) {
	rec := &stateRecorder{}
	workers := &workerRecorder{}
	d := newDispatcher(t, "dispatch-test-hang",
		WithStateHook(rec.hook),
		WithStartupTimeout(500*time.Millisecond),
		WithLauncher(workers.launcher()),
	)

	start := time.Now()
	_, err := d.ConvertBytes(context.Background(), "a.txt", []byte("hello"))
	require.ErrorIs(t, err, ErrStartupTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, IsRetryable(err))

	assert.Equal(t, 0, d.InUse())
	assert.Equal(t, []State{Idle, SlotAcquired, WorkerLaunching, Failed, SlotReleased}, rec.only(t))
	workers.requireReaped(t, 1)
}

func TestCancelDuringStartup(t *testing.T) {
	workers := &workerRecorder{}
	d := newDispatcher(t, "dispatch-test-hang", WithLauncher(workers.launcher()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil && len(workers.started()) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := d.ConvertBytes(ctx, "a.txt", []byte("hello"))
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrRemoteConnection)
	assert.NotErrorIs(t, err, ErrStartupTimeout)
	assert.NotErrorIs(t, err, ErrLaunchFailure)
	var convErr *ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, StageStartup, convErr.Stage)
	assert.Less(t, time.Since(start), 30*time.Second)

	assert.Equal(t, 0, d.InUse())
	workers.requireReaped(t, 1)
}

func TestRemoteExecutionFailure(t *testing.T) {
	d := newDispatcher(t, "dispatch-test-fail")

	_, err := d.ConvertBytes(context.Background(), "a.txt", []byte("hello"))
	require.ErrorIs(t, err, ErrRemoteExecution)
	var remoteErr *rpc.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "engine crashed")
	assert.NotErrorIs(t, err, ErrRemoteConnection)

	// domain errors raised in the worker are still recognizable
	_, err = d.ConvertBytes(context.Background(), "empty.txt", nil)
	require.ErrorIs(t, err, ErrRemoteExecution)
	require.ErrorIs(t, err, converter.ErrUnsupportedDocument)
	assert.Equal(t, 0, d.InUse())
}

func TestWorkerCrash(t *testing.T) {
	d := newDispatcher(t, "dispatch-test-crash")

	_, err := d.ConvertBytes(context.Background(), "a.txt", []byte("hello"))
	require.ErrorIs(t, err, ErrRemoteConnection)
	require.ErrorIs(t, err, rpc.ErrConnection)
	assert.Equal(t, 0, d.InUse())
}

func TestCancelKillsWorker(t *testing.T) {
	rec := &stateRecorder{}
	d := newDispatcher(t, "dispatch-test-block", WithStateHook(rec.hook))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for ctx.Err() == nil {
			for _, states := range rec.jobs() {
				if states[len(states)-1] == Executing {
					cancel()
					return
				}
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	_, err := d.ConvertBytes(ctx, "a.txt", []byte("hello"))
	require.ErrorIs(t, err, ErrRemoteConnection)
	assert.Equal(t, 0, d.InUse())
	states := rec.only(t)
	assert.Equal(t, SlotReleased, states[len(states)-1])
}

type failingWriter struct{ err error }

func (w *failingWriter) Write(b []byte) (int, error) { return 0, w.err }

func TestSinkFailureReturnedUnchanged(t *testing.T) {
	rec := &stateRecorder{}
	d := newDispatcher(t, "dispatch-test-upper", WithStateHook(rec.hook))

	errSink := errors.New("disk full")
	err := d.Convert(context.Background(), converter.NewDocument("a.txt", []byte("hello")), &failingWriter{err: errSink})
	require.Equal(t, errSink, err)

	assert.Equal(t, 0, d.InUse())
	assert.Equal(t, []State{Idle, SlotAcquired, WorkerLaunching, WorkerReady, Bound, Executing, Failed, SlotReleased}, rec.only(t))
}

func TestServerPortsExhausted(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	clientLow := 44000
	if port >= 44000 && port <= 44999 {
		clientLow = 45000
	}

	rec := &stateRecorder{}
	d := newDispatcher(t, "dispatch-test-upper",
		WithStateHook(rec.hook),
		WithServerPorts(port, port),
		WithClientPorts(clientLow, clientLow+999),
	)

	_, err = d.ConvertBytes(context.Background(), "a.txt", []byte("hello"))
	require.ErrorIs(t, err, ErrPortExhausted)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, d.InUse())
	assert.Equal(t, []State{Idle, SlotAcquired, Failed, SlotReleased}, rec.only(t))
}

func TestAcquireTimeout(t *testing.T) {
	d := newDispatcher(t, "dispatch-test-upper", WithMaxWorkers(1), WithAcquireTimeout(100*time.Millisecond))

	// occupy the only slot
	require.NoError(t, d.gate.Acquire(context.Background()))
	defer d.gate.Release()

	_, err := d.ConvertBytes(context.Background(), "a.txt", []byte("hello"))
	require.ErrorIs(t, err, ErrSlotUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, d.InUse())
}

func TestConcurrencyNeverExceedsCapacity(t *testing.T) {
	const capacity = 2
	var running, maxRunning atomic.Int64
	hook := func(jobID string, s State) {
		switch s {
		case WorkerLaunching:
			n := running.Inc()
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CAS(m, n) {
					break
				}
			}
		case SlotReleased:
			running.Dec()
		}
	}
	d := newDispatcher(t, "dispatch-test-upper", WithMaxWorkers(capacity), WithStateHook(hook))

	var eg errgroup.Group
	for i := 0; i < 6; i++ {
		eg.Go(func() error {
			out, err := d.ConvertBytes(context.Background(), "slow.txt", []byte("200"))
			if err != nil {
				return err
			}
			if string(out) != "200" {
				return fmt.Errorf("unexpected output %q", out)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	assert.LessOrEqual(t, maxRunning.Load(), int64(capacity))
	assert.Equal(t, int64(0), running.Load())
	assert.Equal(t, 0, d.InUse())
}

func TestParallelJobsGetDistinctPorts(t *testing.T) {
	const capacity = 4

	// hold every job until all of them have a slot, so the launches overlap
	var acquired sync.WaitGroup
	acquired.Add(capacity)
	hook := func(jobID string, s State) {
		if s == SlotAcquired {
			acquired.Done()
			acquired.Wait()
		}
	}
	workers := &workerRecorder{}
	d := newDispatcher(t, "dispatch-test-upper",
		WithMaxWorkers(capacity),
		WithStateHook(hook),
		WithLauncher(workers.launcher()),
	)

	var eg errgroup.Group
	for i := 0; i < capacity; i++ {
		i := i
		eg.Go(func() error {
			in := fmt.Sprintf("job-%d", i)
			out, err := d.ConvertBytes(context.Background(), "a.txt", []byte(in))
			if err != nil {
				return err
			}
			if string(out) != strings.ToUpper(in) {
				return fmt.Errorf("unexpected output %q", out)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	ports := map[int]bool{}
	for _, w := range workers.started() {
		assert.False(t, ports[w.Port()], "port %d used by two workers", w.Port())
		ports[w.Port()] = true
	}
	assert.Len(t, ports, capacity)
	assert.Equal(t, 0, d.serverReserver.Held())
	assert.Equal(t, 0, d.clientReserver.Held())
	workers.requireReaped(t, capacity)
}

func TestSecureChannel(t *testing.T) {
	d := newDispatcher(t, "dispatch-test-upper", WithSecureChannel(true))

	out, err := d.ConvertBytes(context.Background(), "a.txt", []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "SECRET", string(out))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "worker_ready", WorkerReady.String())
	assert.Equal(t, "state(42)", State(42).String())
}
