package worker

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/docker/docker/pkg/reexec"

	"github.com/guseggert/rconvert/converter"
	"github.com/guseggert/rconvert/rpc"
)

// ObjectFactory builds the object a worker exports.
type ObjectFactory func(cfg *Config) (rpc.Object, error)

var (
	registryMut sync.RWMutex
	registry    = map[string]ObjectFactory{}
)

// Register makes the converter built by f runnable as a worker under name.
// The worker rebuilds it from a clone of the caller's settings and exports it under converter.Capability.
func Register(name string, f converter.Factory) {
	RegisterObject(name, func(cfg *Config) (rpc.Object, error) {
		c, err := f(cfg.Settings.Clone())
		if err != nil {
			return nil, fmt.Errorf("building converter %q: %w", name, err)
		}
		return converter.Export(c), nil
	})
}

// RegisterObject registers an arbitrary object factory as a worker entry point.
// It panics if name is already registered.
func RegisterObject(name string, f ObjectFactory) {
	registryMut.Lock()
	defer registryMut.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("worker entry %q registered twice", name))
	}
	registry[name] = f
	reexec.Register(name, func() {
		os.Exit(Main(name, os.Args))
	})
}

// Registered reports whether name is a worker entry point.
func Registered(name string) bool {
	registryMut.RLock()
	defer registryMut.RUnlock()
	_, ok := registry[name]
	return ok
}

// Entries returns the sorted names of all registered entry points.
func Entries() []string {
	registryMut.RLock()
	defer registryMut.RUnlock()
	var names []string
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (ObjectFactory, bool) {
	registryMut.RLock()
	defer registryMut.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Init runs the registered entry point if the process was started as a worker, and never returns in that case.
// It must be called at the top of main, and of TestMain in packages whose tests launch workers.
// It returns false in the parent process.
func Init() bool {
	return reexec.Init()
}
