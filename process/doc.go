/*
Package process starts worker processes by re-executing the current binary under a registered entry name.

A worker is started with the launch request's arguments and environment appended to the parent's environment.
The launcher never waits for a worker to exit on its own; callers hold the returned *Worker and must Stop it.
Stop kills the process if it is still running and is safe to call any number of times.
If the launch context is canceled while the worker runs, the worker is killed.
*/
package process
