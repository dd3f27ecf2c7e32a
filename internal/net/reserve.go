package net

import (
	"sync"
)

// Reserver hands out bindable ports from a range and remembers them until they are released,
// so concurrent callers in the same process never get the same port.
// Ports are handed out round-robin, which keeps a just-released port from being reused
// while its connections may still be in TIME_WAIT.
type Reserver struct {
	host string
	r    PortRange

	mut  sync.Mutex
	next int
	held map[int]struct{}
}

func NewReserver(host string, r PortRange) *Reserver {
	return &Reserver{
		host: host,
		r:    r,
		next: r.Low,
		held: map[int]struct{}{},
	}
}

func (v *Reserver) Range() PortRange { return v.r }

// Reserve returns a port that is bindable right now and not held by another caller.
// Other processes can still claim it before the caller binds it.
func (v *Reserver) Reserve() (int, error) {
	v.mut.Lock()
	defer v.mut.Unlock()

	port, err := findFreePort(v.host, v.r, v.next, func(p int) bool {
		_, ok := v.held[p]
		return ok
	})
	if err != nil {
		return 0, err
	}
	v.held[port] = struct{}{}
	v.next = port + 1
	if v.next > v.r.High {
		v.next = v.r.Low
	}
	return port, nil
}

// Release gives port back. Releasing a port that is not held is a no-op.
func (v *Reserver) Release(port int) {
	v.mut.Lock()
	defer v.mut.Unlock()
	delete(v.held, port)
}

// Held returns the number of ports currently reserved.
func (v *Reserver) Held() int {
	v.mut.Lock()
	defer v.mut.Unlock()
	return len(v.held)
}
