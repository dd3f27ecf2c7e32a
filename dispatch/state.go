package dispatch

import "fmt"

// State is a step of a remote dispatch.
type State int

const (
	Idle State = iota
	SlotAcquired
	WorkerLaunching
	WorkerReady
	Bound
	Executing
	Completed
	Failed
	SlotReleased
)

var stateNames = map[State]string{
	Idle:            "idle",
	SlotAcquired:    "slot_acquired",
	WorkerLaunching: "worker_launching",
	WorkerReady:     "worker_ready",
	Bound:           "bound",
	Executing:       "executing",
	Completed:       "completed",
	Failed:          "failed",
	SlotReleased:    "slot_released",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateHook observes state transitions. It is called synchronously from the dispatching goroutine.
type StateHook func(jobID string, s State)
