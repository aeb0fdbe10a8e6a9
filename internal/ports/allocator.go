// Package ports hands out host ports for session containers from two
// disjoint ranges, one for the display protocol and one for the web client.
//
// Ports are recorded in a reservation table before they are returned, so two
// callers can never receive the same port. Binding a socket to check for a
// free port is not used as the source of truth; an optional free-port check only lets
// the allocator skip ports that something outside this process already holds.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

// ErrNoPortAvailable is returned when every port in a range is reserved.
var ErrNoPortAvailable = errors.New("no port available")

// Kind selects a port range.
type Kind int

const (
	Display Kind = iota
	Web
)

func (k Kind) String() string {
	switch k {
	case Display:
		return "display"
	case Web:
		return "web"
	default:
		return "unknown"
	}
}

// Range is a half-open range [Start, End).
type Range struct {
	Start int
	End   int
}

// Size returns the number of ports in the range.
func (r Range) Size() int { return r.End - r.Start }

// Contains reports whether port falls inside the range.
func (r Range) Contains(port int) bool { return port >= r.Start && port < r.End }

func (r Range) overlaps(o Range) bool { return r.Start < o.End && o.Start < r.End }

// FreeCheck reports whether a host port looks free.
type FreeCheck func(port int) bool

// Option configures an Allocator.
type Option func(*Allocator)

// WithFreeCheck skips ports the check reports as busy.
func WithFreeCheck(p FreeCheck) Option {
	return func(a *Allocator) { a.isFree = p }
}

type pool struct {
	rng      Range
	next     int
	reserved map[int]struct{}
}

// Allocator is the single reservation authority for session ports.
type Allocator struct {
	mu     sync.Mutex
	pools  [2]*pool
	isFree FreeCheck
}

// New creates an allocator for the display and web ranges.
func New(display, web Range, opts ...Option) (*Allocator, error) {
	if display.Size() <= 0 || web.Size() <= 0 {
		return nil, fmt.Errorf("port ranges must be non-empty: display=%d-%d web=%d-%d",
			display.Start, display.End, web.Start, web.End)
	}
	if display.overlaps(web) {
		return nil, fmt.Errorf("display range %d-%d overlaps web range %d-%d",
			display.Start, display.End, web.Start, web.End)
	}

	a := &Allocator{}
	a.pools[Display] = &pool{rng: display, next: display.Start, reserved: make(map[int]struct{})}
	a.pools[Web] = &pool{rng: web, next: web.Start, reserved: make(map[int]struct{})}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Allocate reserves and returns a port from the range of the given kind.
func (a *Allocator) Allocate(kind Kind) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(kind)
}

func (a *Allocator) allocateLocked(kind Kind) (int, error) {
	if kind != Display && kind != Web {
		return 0, fmt.Errorf("unknown port kind %d", kind)
	}
	p := a.pools[kind]
	size := p.rng.Size()
	for i := 0; i < size; i++ {
		port := p.rng.Start + (p.next-p.rng.Start+i)%size
		if _, taken := p.reserved[port]; taken {
			continue
		}
		if a.isFree != nil && !a.isFree(port) {
			continue
		}
		p.reserved[port] = struct{}{}
		p.next = port + 1
		if p.next >= p.rng.End {
			p.next = p.rng.Start
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w in %s range %d-%d", ErrNoPortAvailable, kind, p.rng.Start, p.rng.End)
}

// AllocatePair reserves one display and one web port, or neither.
func (a *Allocator) AllocatePair() (display, web int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	display, err = a.allocateLocked(Display)
	if err != nil {
		return 0, 0, err
	}
	web, err = a.allocateLocked(Web)
	if err != nil {
		delete(a.pools[Display].reserved, display)
		return 0, 0, err
	}
	return display, web, nil
}

// Release returns a port to its range. Releasing a free or unknown port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pools {
		if p.rng.Contains(port) {
			delete(p.reserved, port)
			return
		}
	}
}

// Reserved reports whether port is currently handed out.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pools {
		if _, ok := p.reserved[port]; ok {
			return true
		}
	}
	return false
}

// Usage reports reservations for the given range.
func (a *Allocator) Usage(kind Kind) models.PortUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pools[kind]
	return models.PortUsage{
		Start:    p.rng.Start,
		End:      p.rng.End,
		Reserved: len(p.reserved),
		Total:    p.rng.Size(),
	}
}

// HostFreeCheck reports whether host can currently bind port on TCP.
func HostFreeCheck(host string) FreeCheck {
	return func(port int) bool {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = ln.Close()
		return true
	}
}
