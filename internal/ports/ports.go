// Package ports hands out the port triples of concurrently running servers.
// A triple is never given to two games at once and is skipped while any
// local socket holds one of its ports.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
)

// Width is the number of contiguous ports used by one server.
const Width = 3

const maxPort = 65535

var ErrExhausted = errors.New("no free port triple")

// Socket is a local socket holding a port.
type Socket struct {
	Proto string // tcp | udp
	Addr  netip.AddrPort
}

// Busy returns a predicate telling whether a local port is taken. It uses
// a netlink dump of the sockets and falls back to binding each candidate.
func Busy(ctx context.Context) func(port int) bool {
	sockets, err := Sockets()
	if err != nil {
		slog.DebugContext(ctx, "netlink access failed, using fallback method", "err", err)
		return func(port int) bool {
			return !Free(port)
		}
	}
	taken := make(map[int]struct{}, len(sockets))
	for _, s := range sockets {
		taken[int(s.Addr.Port())] = struct{}{}
	}
	return func(port int) bool {
		_, ok := taken[port]
		return ok
	}
}

// Free tries to bind port on all addresses for both TCP and UDP.
func Free(port int) bool {
	addr := net.JoinHostPort("", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return false
	}
	_ = pc.Close()
	return true
}

// Pool allocates port triples starting at a base port.
type Pool struct {
	mx   sync.Mutex
	base int
	used map[int]struct{}
	busy func(ctx context.Context) func(port int) bool
}

func NewPool(base int) *Pool {
	return &Pool{
		base: base,
		used: make(map[int]struct{}),
		busy: Busy,
	}
}

// WithBusy replaces the detection of ports taken by other processes.
func (p *Pool) WithBusy(busy func(ctx context.Context) func(port int) bool) *Pool {
	p.busy = busy
	return p
}

// Acquire returns the first port of a free triple.
func (p *Pool) Acquire(ctx context.Context) (int, error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	busy := p.busy(ctx)
	for port := p.base; port+Width-1 <= maxPort; port += Width {
		if _, ok := p.used[port]; ok {
			continue
		}
		if anyBusy(busy, port) {
			slog.DebugContext(ctx, "port triple busy, skipping", "port", port)
			continue
		}
		p.used[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w from %d", ErrExhausted, p.base)
}

// Release returns a triple acquired before.
func (p *Pool) Release(port int) {
	p.mx.Lock()
	defer p.mx.Unlock()
	delete(p.used, port)
}

// InUse returns the number of acquired triples.
func (p *Pool) InUse() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.used)
}

func anyBusy(busy func(int) bool, port int) bool {
	for i := range Width {
		if busy(port + i) {
			return true
		}
	}
	return false
}
