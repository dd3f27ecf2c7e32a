// Package converter defines the fixed conversion interface that crosses the worker boundary,
// and the stubs that carry it over the rpc bridge.
//
// A worker exports its converter with Export. The caller looks up Capability on the worker's
// connection and wraps the returned proxy with NewRemote, which satisfies the same Converter
// interface as the local implementation.
package converter
