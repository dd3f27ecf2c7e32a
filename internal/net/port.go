package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/docker/go-connections/nat"
)

// ErrPortExhausted is returned when no port in a range can be bound.
var ErrPortExhausted = errors.New("no free port in range")

// ErrNotListening is returned when nothing accepted connections on a port before the deadline.
var ErrNotListening = errors.New("port not listening")

// PortRange is an inclusive range of TCP ports.
type PortRange struct {
	Low  int
	High int
}

// ParsePortRange parses "5000-6000" or a single port "5000".
func ParsePortRange(s string) (PortRange, error) {
	low, high, err := nat.ParsePortRangeToInt(s)
	if err != nil {
		return PortRange{}, fmt.Errorf("parsing port range %q: %w", s, err)
	}
	r := PortRange{Low: low, High: high}
	return r, r.Validate()
}

func (r PortRange) Validate() error {
	if r.Low < 1 || r.High > 65535 {
		return fmt.Errorf("port range %s out of bounds", r)
	}
	if r.Low > r.High {
		return fmt.Errorf("port range %s is inverted", r)
	}
	return nil
}

func (r PortRange) Contains(port int) bool {
	return port >= r.Low && port <= r.High
}

func (r PortRange) Overlaps(o PortRange) bool {
	return r.Low <= o.High && o.Low <= r.High
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

// FindFreePort returns the first port in r that can be bound on host.
// The port is released before returning, so another process may claim it before the caller does.
func FindFreePort(host string, r PortRange) (int, error) {
	return FindFreePortFrom(host, r, r.Low)
}

// FindFreePortFrom is FindFreePort with the scan starting at start and wrapping around to r.Low.
func FindFreePortFrom(host string, r PortRange, start int) (int, error) {
	return findFreePort(host, r, start, nil)
}

func findFreePort(host string, r PortRange, start int, skip func(int) bool) (int, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if !r.Contains(start) {
		start = r.Low
	}
	size := r.High - r.Low + 1
	for i := 0; i < size; i++ {
		port := r.Low + (start-r.Low+i)%size
		if skip != nil && skip(port) {
			continue
		}
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		err = l.Close()
		if err != nil {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w %s on %s", ErrPortExhausted, r, host)
}

// WaitUntilListening dials host:port every interval until a connection succeeds,
// the timeout elapses, or ctx is done.
func WaitUntilListening(ctx context.Context, host string, port int, timeout, interval time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: interval}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s after %s: %v", ErrNotListening, addr, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Dialer returns a dialer whose connections originate from host:localPort.
// A zero localPort lets the OS pick.
func Dialer(host string, localPort int, timeout time.Duration) *net.Dialer {
	d := &net.Dialer{Timeout: timeout}
	if localPort != 0 {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(host), Port: localPort}
		d.Control = reuseAddr
	}
	return d
}
