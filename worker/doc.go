// Package worker is the worker side of a dispatch: entry point registration and the worker main loop.
//
// Entry points are registered at init time under a name. The dispatcher re-executes the current binary
// with that name as argv[0], and Init, called first thing in main, diverts the process into Main.
// A registered entry is what makes a converter runnable standalone.
package worker
