package dispatch

import (
	"errors"
	"fmt"

	inet "github.com/guseggert/rconvert/internal/net"
)

var (
	// ErrNotStandalone is returned by New when the converter cannot run as a worker.
	ErrNotStandalone = errors.New("converter cannot run standalone")
	// ErrSlotUnavailable is returned when no pool slot was granted before the context or acquire timeout expired.
	ErrSlotUnavailable = errors.New("no worker slot available")
	// ErrPortExhausted is returned when no port in the server or client range could be bound.
	ErrPortExhausted = inet.ErrPortExhausted
	// ErrPortConflict is returned when the worker's port was claimed by someone else before the worker bound it.
	ErrPortConflict = errors.New("worker port claimed by another process")
	// ErrLaunchFailure is returned when the worker process could not be started or died during startup.
	ErrLaunchFailure = errors.New("worker launch failed")
	// ErrStartupTimeout is returned when the worker did not listen on its port in time.
	ErrStartupTimeout = errors.New("worker startup timed out")
	// ErrLookupEmpty is returned when the worker exports nothing providing the conversion capability.
	ErrLookupEmpty = errors.New("worker exports no converter")
	// ErrRemoteExecution is returned when the conversion itself failed inside the worker.
	ErrRemoteExecution = errors.New("remote conversion failed")
	// ErrRemoteConnection is returned when the channel to the worker broke or could not be established.
	ErrRemoteConnection = errors.New("connection to worker failed")
)

type Stage string

const (
	StageAcquire   Stage = "acquire"
	StagePorts     Stage = "ports"
	StageLaunch    Stage = "launch"
	StageStartup   Stage = "startup"
	StageConnect   Stage = "connect"
	StageLookup    Stage = "lookup"
	StageExecution Stage = "execution"
)

// ConversionError is the single failure type returned for a failed remote dispatch.
// Kind is one of the sentinel errors above, Err is the underlying cause. Both match with errors.Is and errors.As.
// Failures writing to the output sink are not wrapped.
type ConversionError struct {
	JobID    string
	Document string
	Stage    Stage
	Kind     error
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("converting %q (job %s) at %s: %s: %s", e.Document, e.JobID, e.Stage, e.Kind, e.Err)
}

func (e *ConversionError) Unwrap() []error { return []error{e.Kind, e.Err} }

// IsRetryable reports whether err came from a port race with another process.
// Nothing is retried by the Dispatcher itself.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPortConflict) || errors.Is(err, ErrPortExhausted)
}
