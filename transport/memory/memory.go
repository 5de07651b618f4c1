// SPDX-License-Identifier: AGPL-3.0-only

// Package memory implements an in process transport: a hub of endpoints
// exchanging datagrams through queues, with configurable link conditioning
// (loss, latency, jitter, reordering).  It backs the scenario tests and is
// useful for local single process client/server setups.
package memory

import (
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/nettick/nettick/transport"
)

// Conditions describes the simulated link quality.
type Conditions struct {
	// Loss is the probability in [0,1] that a datagram is dropped.
	Loss float64

	// Latency is the one way delivery delay.
	Latency time.Duration

	// Jitter adds a uniform random delay in [0, Jitter).
	Jitter time.Duration
}

// Network is the hub connecting memory endpoints by name.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	rng       *rand.Rand
	cond      Conditions
	now       func() time.Time
}

// NewNetwork returns a Network with perfect link conditions.  The seed makes
// loss and jitter reproducible.
func NewNetwork(seed int64) *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		rng:       rand.New(rand.NewSource(seed)),
		now:       time.Now,
	}
}

// SetConditions replaces the link conditioning applied to future sends.
func (n *Network) SetConditions(c Conditions) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cond = c
}

// Endpoint registers (or returns) the endpoint with the given name.
func (n *Network) Endpoint(name string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[name]; ok {
		return ep
	}
	ep := &Endpoint{
		net:    n,
		addr:   &Addr{Name: name},
		signal: make(chan struct{}, 1),
	}
	n.endpoints[name] = ep
	return ep
}

// Addr names a memory endpoint.
type Addr struct {
	Name string
}

// Network implements net.Addr.
func (a *Addr) Network() string { return "mem" }

// String implements net.Addr.
func (a *Addr) String() string { return a.Name }

type delivery struct {
	payload []byte
	from    net.Addr
	due     time.Time
}

// Endpoint is one memory transport endpoint.
type Endpoint struct {
	net  *Network
	addr net.Addr

	mu     sync.Mutex
	queue  []delivery
	closed bool
	signal chan struct{}
}

var _ transport.Transport = (*Endpoint)(nil)

// Send implements transport.Transport.
func (e *Endpoint) Send(payload []byte, peer net.Addr) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	n := e.net
	n.mu.Lock()
	dst, ok := n.endpoints[peer.String()]
	cond := n.cond
	var drop bool
	var extra time.Duration
	if cond.Loss > 0 {
		drop = n.rng.Float64() < cond.Loss
	}
	if cond.Jitter > 0 {
		extra = time.Duration(n.rng.Int63n(int64(cond.Jitter)))
	}
	now := n.now()
	n.mu.Unlock()

	if !ok || drop {
		// Unknown destinations and conditioned losses look identical
		// to the sender: the datagram is simply gone.
		return nil
	}

	b := make([]byte, len(payload))
	copy(b, payload)
	dst.enqueue(delivery{payload: b, from: e.addr, due: now.Add(cond.Latency + extra)})
	return nil
}

func (e *Endpoint) enqueue(d delivery) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, d)
	// Jitter may make a later send due earlier; keep due order so the
	// receiver observes the reordering a real link would produce.
	sort.SliceStable(e.queue, func(i, j int) bool { return e.queue[i].due.Before(e.queue[j].due) })
	// Signal under the lock: Close also closes the channel under it.
	select {
	case e.signal <- struct{}{}:
	default:
	}
	e.mu.Unlock()
}

// Recv implements transport.Transport.
func (e *Endpoint) Recv() ([]byte, net.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, transport.ErrClosed
	}
	if len(e.queue) == 0 || e.queue[0].due.After(e.net.now()) {
		return nil, nil, nil
	}
	d := e.queue[0]
	e.queue = e.queue[1:]
	return d.payload, d.from, nil
}

// WaitRecv implements transport.Waiter.
func (e *Endpoint) WaitRecv() bool {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return false
		}
		if len(e.queue) > 0 {
			wait := e.queue[0].due.Sub(e.net.now())
			e.mu.Unlock()
			if wait <= 0 {
				return true
			}
			time.Sleep(wait)
			continue
		}
		e.mu.Unlock()
		if _, ok := <-e.signal; !ok {
			return false
		}
	}
}

// LocalAddr implements transport.Transport.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.addr
}

// Close implements transport.Transport.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.queue = nil
	close(e.signal)
	return nil
}
