package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guseggert/rconvert/converter"
	inet "github.com/guseggert/rconvert/internal/net"
	"github.com/guseggert/rconvert/pool"
	"github.com/guseggert/rconvert/process"
	"github.com/guseggert/rconvert/rpc"
	"github.com/guseggert/rconvert/worker"
)

const (
	DefaultBaseMemoryMB   = 64
	DefaultStartupTimeout = 10 * time.Second

	mib = 1024 * 1024
)

// MemoryBudgetMB returns the memory limit in MiB for a worker converting a document of size bytes.
func MemoryBudgetMB(baseMB, size int64) int64 {
	return baseMB + size/mib + 1
}

// Dispatcher runs conversions for one converter, remotely when it has capacity.
// It is safe for concurrent use.
type Dispatcher struct {
	log *zap.SugaredLogger

	conv  converter.Converter
	entry string

	gate     *pool.Gate
	launcher *process.Launcher

	maxWorkers      int
	host            string
	serverPorts     inet.PortRange
	clientPorts     inet.PortRange
	startupTimeout  time.Duration
	acquireTimeout  time.Duration
	readyInterval   time.Duration
	redirectStreams bool
	baseMemoryMB    int64
	workerLogLevel  string
	hook            StateHook

	secure    bool
	certs     *rpc.Certs
	clientTLS *tls.Config

	// ports held by running jobs, so concurrent jobs never pick the same one
	serverReserver *inet.Reserver
	clientReserver *inet.Reserver
}

// New returns a Dispatcher for c.
// With a non-zero capacity, c must implement converter.Standalone and its entry must be registered with the worker package.
func New(c converter.Converter, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		log:             zap.NewNop().Sugar(),
		conv:            c,
		host:            "127.0.0.1",
		serverPorts:     inet.PortRange{Low: 5000, High: 6000},
		clientPorts:     inet.PortRange{Low: 7000, High: 8000},
		startupTimeout:  DefaultStartupTimeout,
		readyInterval:   20 * time.Millisecond,
		redirectStreams: true,
		baseMemoryMB:    DefaultBaseMemoryMB,
	}
	for _, o := range opts {
		o(d)
	}

	if d.maxWorkers < 0 {
		return nil, fmt.Errorf("max workers must not be negative, got %d", d.maxWorkers)
	}
	d.gate = pool.NewGate(d.maxWorkers)
	if d.gate.Bypassed() {
		return d, nil
	}

	standalone, ok := c.(converter.Standalone)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not declare a worker entry", ErrNotStandalone, c)
	}
	entry, _ := standalone.WorkerEntry()
	if !worker.Registered(entry) {
		return nil, fmt.Errorf("%w: worker entry %q of %T is not registered", ErrNotStandalone, entry, c)
	}
	d.entry = entry

	if err := d.serverPorts.Validate(); err != nil {
		return nil, fmt.Errorf("server ports: %w", err)
	}
	if err := d.clientPorts.Validate(); err != nil {
		return nil, fmt.Errorf("client ports: %w", err)
	}
	if d.serverPorts.Overlaps(d.clientPorts) {
		return nil, fmt.Errorf("server ports %s overlap client ports %s", d.serverPorts, d.clientPorts)
	}
	d.serverReserver = inet.NewReserver(d.host, d.serverPorts)
	d.clientReserver = inet.NewReserver(d.host, d.clientPorts)

	if d.launcher == nil {
		d.launcher = process.NewLauncher(process.WithLogger(d.log))
	}

	if d.secure {
		certs, err := rpc.GenerateCerts()
		if err != nil {
			return nil, fmt.Errorf("generating worker certs: %w", err)
		}
		clientTLS, err := certs.ClientTLS()
		if err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
		d.certs = certs
		d.clientTLS = clientTLS
	}

	d.log.Debugw("dispatcher ready", "Entry", d.entry, "MaxWorkers", d.maxWorkers, "ServerPorts", d.serverPorts.String(), "ClientPorts", d.clientPorts.String())
	return d, nil
}

// Capacity returns the maximum number of concurrent workers. Zero means conversions run in-process.
func (d *Dispatcher) Capacity() int { return d.gate.Cap() }

// InUse returns the number of pool slots currently held.
func (d *Dispatcher) InUse() int { return d.gate.InUse() }

// MemoryBudgetMB returns the memory limit a worker converting a document of size bytes would get.
func (d *Dispatcher) MemoryBudgetMB(size int64) int64 {
	return MemoryBudgetMB(d.baseMemoryMB, size)
}

// ConvertBytes converts data and returns the output.
func (d *Dispatcher) ConvertBytes(ctx context.Context, name string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	err := d.Convert(ctx, converter.NewDocument(name, data), &buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Convert converts doc and writes the output to w.
//
// With zero capacity the converter runs in the calling goroutine and its errors are returned as is.
// Otherwise failures are returned as *ConversionError, except errors writing to w, which are returned unchanged.
// Canceling ctx kills the worker.
func (d *Dispatcher) Convert(ctx context.Context, doc *converter.Document, w io.Writer) error {
	if d.gate.Bypassed() {
		return d.conv.Convert(ctx, doc, w)
	}

	j := &job{
		d:   d,
		id:  uuid.NewString(),
		doc: doc,
	}
	j.log = d.log.With("job", j.id, "document", doc.Name)
	j.enter(Idle)

	start := time.Now()
	err := j.run(ctx, w)
	if err != nil {
		j.log.Infow("conversion failed", "Error", err, "DurationMS", time.Since(start).Milliseconds())
		return err
	}
	j.log.Infow("conversion completed", "DurationMS", time.Since(start).Milliseconds())
	return nil
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	return d.gate.AcquireTimeout(ctx, d.acquireTimeout)
}

// job is the state of one remote dispatch.
type job struct {
	d   *Dispatcher
	log *zap.SugaredLogger
	id  string
	doc *converter.Document

	worker     *process.Worker
	serverPort int
	clientPort int
}

func (j *job) enter(s State) {
	j.log.Debugw("state", "State", s.String())
	if j.d.hook != nil {
		j.d.hook(j.id, s)
	}
}

func (j *job) fail(stage Stage, kind error, err error) error {
	return &ConversionError{
		JobID:    j.id,
		Document: j.doc.Name,
		Stage:    stage,
		Kind:     kind,
		Err:      err,
	}
}

func (j *job) run(ctx context.Context, w io.Writer) (err error) {
	if err := j.d.acquire(ctx); err != nil {
		j.enter(Failed)
		return j.fail(StageAcquire, ErrSlotUnavailable, err)
	}
	j.enter(SlotAcquired)
	defer j.cleanup()
	defer func() {
		if err != nil {
			j.enter(Failed)
		}
	}()

	err = j.launch(ctx)
	if err != nil {
		return err
	}
	err = j.waitReady(ctx)
	if err != nil {
		return err
	}
	j.enter(WorkerReady)

	client, remote, err := j.bind(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	j.enter(Bound)

	j.enter(Executing)
	var out bytes.Buffer
	err = remote.Convert(ctx, j.doc, &out)
	if err != nil {
		return j.executionError(err)
	}

	_, err = w.Write(out.Bytes())
	if err != nil {
		return err
	}
	j.enter(Completed)
	return nil
}

// cleanup stops the worker, then gives back its ports and the slot.
func (j *job) cleanup() {
	if j.worker != nil {
		err := j.worker.Stop()
		if err != nil {
			j.log.Warnw("error stopping worker", "Error", err)
		}
	}
	if j.clientPort != 0 {
		j.d.clientReserver.Release(j.clientPort)
	}
	if j.serverPort != 0 {
		j.d.serverReserver.Release(j.serverPort)
	}
	j.d.gate.Release()
	j.enter(SlotReleased)
}

func (j *job) launch(ctx context.Context) error {
	port, err := j.d.serverReserver.Reserve()
	if err != nil {
		return j.fail(StagePorts, ErrPortExhausted, err)
	}
	j.serverPort = port
	j.enter(WorkerLaunching)

	entry, settings := j.d.conv.(converter.Standalone).WorkerEntry()
	cfg := &worker.Config{
		Entry:         entry,
		JobID:         j.id,
		Host:          j.d.host,
		RPCPort:       port,
		MemoryLimitMB: j.d.MemoryBudgetMB(j.doc.Size()),
		Settings:      settings.Clone(),
		ParentPID:     os.Getpid(),
		LogLevel:      j.d.workerLogLevel,
	}
	if j.d.certs != nil {
		cfg.CACertPEM = j.d.certs.CA.CertPEM
		cfg.CertPEM = j.d.certs.Server.CertPEM
		cfg.KeyPEM = j.d.certs.Server.KeyPEM
	}
	args, err := cfg.Args()
	if err != nil {
		return j.fail(StageLaunch, ErrLaunchFailure, err)
	}

	j.worker, err = j.d.launcher.Launch(ctx, process.LaunchRequest{
		Entry:           entry,
		Args:            args,
		Env:             cfg.Env(),
		Port:            port,
		RedirectStreams: j.d.redirectStreams,
	})
	if err != nil {
		return j.fail(StageLaunch, ErrLaunchFailure, err)
	}
	j.log.Debugw("launched worker", "PID", j.worker.PID(), "Port", port, "MemoryLimitMB", cfg.MemoryLimitMB)
	return nil
}

// waitReady waits for the worker's port to accept connections, giving up early if the worker exits.
func (j *job) waitReady(ctx context.Context) error {
	readyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-j.worker.Exited():
			cancel()
		case <-readyCtx.Done():
		}
	}()

	err := inet.WaitUntilListening(readyCtx, j.d.host, j.serverPort, j.d.startupTimeout, j.d.readyInterval)
	if err == nil {
		return nil
	}
	// the worker is killed when ctx is done, so this must come before the exit check
	if ctx.Err() != nil {
		return j.canceled(ctx, StageStartup)
	}
	if exitErr := j.exitedEarly(); exitErr != nil {
		return exitErr
	}
	return j.fail(StageStartup, ErrStartupTimeout, err)
}

// exitedEarly returns the error for a worker that already exited, or nil if it is still running.
func (j *job) exitedEarly() error {
	res, exited := j.worker.Result()
	if !exited {
		return nil
	}
	if res.ExitCode == worker.ExitBindFailure {
		return j.fail(StageStartup, ErrPortConflict, fmt.Errorf("worker could not bind port %d", j.serverPort))
	}
	return j.fail(StageStartup, ErrLaunchFailure, fmt.Errorf("worker exited with code %d during startup", res.ExitCode))
}

func (j *job) bind(ctx context.Context) (*rpc.Client, converter.Converter, error) {
	localPort, err := j.d.clientReserver.Reserve()
	if err != nil {
		return nil, nil, j.fail(StagePorts, ErrPortExhausted, err)
	}
	j.clientPort = localPort

	opts := []rpc.ClientOption{
		rpc.WithClientLogger(j.log),
		rpc.WithLocalPort(localPort),
		rpc.WithExpectInstance(j.id),
	}
	if j.d.clientTLS != nil {
		opts = append(opts, rpc.WithClientTLS(j.d.clientTLS))
	}
	client, err := rpc.Dial(ctx, j.d.host, j.serverPort, opts...)
	if err != nil {
		// whoever answered on the port is not our worker
		if errors.Is(err, rpc.ErrUnexpectedInstance) {
			return nil, nil, j.fail(StageConnect, ErrPortConflict, err)
		}
		if ctx.Err() != nil {
			return nil, nil, j.canceled(ctx, StageConnect)
		}
		if exitErr := j.exitedEarly(); exitErr != nil {
			return nil, nil, exitErr
		}
		return nil, nil, j.fail(StageConnect, ErrRemoteConnection, err)
	}

	refs, err := client.Lookup(ctx, converter.Capability)
	if err != nil {
		client.Close()
		return nil, nil, j.fail(StageLookup, ErrRemoteConnection, err)
	}
	if len(refs) == 0 {
		client.Close()
		return nil, nil, j.fail(StageLookup, ErrLookupEmpty, fmt.Errorf("no object provides %q", converter.Capability))
	}
	return client, converter.NewRemote(client.Proxy(refs[0])), nil
}

// canceled is the error for a job abandoned by its caller.
// It matches ErrRemoteConnection, like a call broken by killing the worker, and ctx.Err().
func (j *job) canceled(ctx context.Context, stage Stage) error {
	return j.fail(stage, ErrRemoteConnection, fmt.Errorf("caller gave up: %w", ctx.Err()))
}

func (j *job) executionError(err error) error {
	if errors.Is(err, rpc.ErrConnection) {
		if res, exited := j.worker.Result(); exited {
			err = fmt.Errorf("%w (worker exited with code %d)", err, res.ExitCode)
		}
		return j.fail(StageExecution, ErrRemoteConnection, err)
	}
	return j.fail(StageExecution, ErrRemoteExecution, err)
}
