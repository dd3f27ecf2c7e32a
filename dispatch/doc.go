// Package dispatch runs conversions in isolated worker processes.
//
// A Dispatcher with a capacity of zero converts in the calling goroutine. Otherwise each call to Convert
// takes a pool slot, launches a worker re-executing the current binary with a memory limit sized to the
// document, connects to the worker over loopback, invokes the conversion remotely, and tears the worker
// down again. A worker serves exactly one document.
//
//	Idle -> SlotAcquired -> WorkerLaunching -> WorkerReady -> Bound -> Executing -> Completed|Failed -> SlotReleased
//
// The worker is always stopped before the slot is released, on every path.
package dispatch
