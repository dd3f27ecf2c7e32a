package dispatch

import (
	"time"

	"go.uber.org/zap"

	inet "github.com/guseggert/rconvert/internal/net"
	"github.com/guseggert/rconvert/process"
)

type Option func(d *Dispatcher)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Dispatcher) {
		d.log = l.Named("dispatcher")
	}
}

// WithMaxWorkers sets how many workers may run at once. Zero converts in-process.
func WithMaxWorkers(n int) Option {
	return func(d *Dispatcher) {
		d.maxWorkers = n
	}
}

// WithHost sets the loopback address workers listen on.
func WithHost(host string) Option {
	return func(d *Dispatcher) {
		d.host = host
	}
}

// WithServerPorts sets the inclusive range worker ports are drawn from.
func WithServerPorts(low, high int) Option {
	return func(d *Dispatcher) {
		d.serverPorts = inet.PortRange{Low: low, High: high}
	}
}

// WithClientPorts sets the inclusive range the dispatcher's own connections originate from.
// It must not overlap the server range.
func WithClientPorts(low, high int) Option {
	return func(d *Dispatcher) {
		d.clientPorts = inet.PortRange{Low: low, High: high}
	}
}

// WithStartupTimeout bounds how long a worker may take to listen on its port.
func WithStartupTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		d.startupTimeout = t
	}
}

// WithAcquireTimeout bounds how long Convert waits for a free slot. By default it waits until its context is done.
func WithAcquireTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		d.acquireTimeout = t
	}
}

// WithRedirectStreams forwards worker stdout and stderr to the launcher. On by default.
func WithRedirectStreams(b bool) Option {
	return func(d *Dispatcher) {
		d.redirectStreams = b
	}
}

// WithSecureChannel makes workers require mutual TLS, using certificates generated for this dispatcher.
func WithSecureChannel(b bool) Option {
	return func(d *Dispatcher) {
		d.secure = b
	}
}

// WithBaseMemoryMB sets the fixed part of each worker's memory budget.
func WithBaseMemoryMB(mb int64) Option {
	return func(d *Dispatcher) {
		d.baseMemoryMB = mb
	}
}

func WithStateHook(h StateHook) Option {
	return func(d *Dispatcher) {
		d.hook = h
	}
}

func WithLauncher(l *process.Launcher) Option {
	return func(d *Dispatcher) {
		d.launcher = l
	}
}

// WithWorkerLogLevel sets the level workers log at.
func WithWorkerLogLevel(level string) Option {
	return func(d *Dispatcher) {
		d.workerLogLevel = level
	}
}

// WithReadyInterval sets how often a starting worker's port is probed.
func WithReadyInterval(t time.Duration) Option {
	return func(d *Dispatcher) {
		d.readyInterval = t
	}
}
