// Package natsim is an in-memory datagram network with configurable
// NAT boxes in front of its hosts. Sockets created here satisfy
// probe.Socket, so the whole traversal engine runs over a simulated
// topology exactly as it runs over UDP. Tests use it to reproduce NAT
// behaviors (mapping reuse, filtering, port allocation policy) that
// the public internet cannot provide deterministically.
package natsim

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"natpunch/pkg/probe"
)

type packetData struct {
	payload []byte
	src     netip.AddrPort
	dst     netip.AddrPort
}

// Network routes datagrams between hosts and through their NATs.
type Network struct {
	mu       sync.Mutex
	sockets  map[netip.AddrPort]*Socket
	natByExt map[netip.Addr]*NAT
}

// New creates an empty network.
func New() *Network {
	return &Network{
		sockets:  make(map[netip.AddrPort]*Socket),
		natByExt: make(map[netip.Addr]*NAT),
	}
}

// Host adds a host with a public address, reachable directly.
func (n *Network) Host(ip string) *Host {
	return &Host{net: n, addr: netip.MustParseAddr(ip), nextPort: 50000}
}

// HostBehind adds a host on a private address behind a fresh NAT.
func (n *Network) HostBehind(ip string, cfg NATConfig) *Host {
	h := n.Host(ip)
	h.nat = newNAT(cfg)
	n.mu.Lock()
	n.natByExt[h.nat.external] = h.nat
	n.mu.Unlock()
	return h
}

func (n *Network) register(s *Socket) {
	n.mu.Lock()
	n.sockets[s.local] = s
	n.mu.Unlock()
}

func (n *Network) unregister(s *Socket) {
	n.mu.Lock()
	delete(n.sockets, s.local)
	n.mu.Unlock()
}

// send routes one datagram from a host, applying its NAT on the way
// out and the receiver's NAT on the way in.
func (n *Network) send(pkt packetData, from *Host) {
	if from.nat != nil {
		out, ok := from.nat.outbound(pkt)
		if !ok {
			return
		}
		pkt = out
	}
	n.mu.Lock()
	nat := n.natByExt[pkt.dst.Addr()]
	n.mu.Unlock()
	if nat != nil {
		in, ok := nat.inbound(pkt)
		if !ok {
			return
		}
		pkt = in
	}
	n.mu.Lock()
	sock := n.sockets[pkt.dst]
	n.mu.Unlock()
	if sock == nil {
		return
	}
	select {
	case sock.in <- pkt:
	default:
		// receiver queue full: datagram dropped, like UDP
	}
}

// Host is one endpoint of the simulated network.
type Host struct {
	net  *Network
	addr netip.Addr
	nat  *NAT

	mu       sync.Mutex
	nextPort uint16
}

// Addr returns the host's own (possibly private) address.
func (h *Host) Addr() netip.Addr { return h.addr }

// NAT returns the NAT in front of the host, nil for public hosts.
func (h *Host) NAT() *NAT { return h.nat }

// Bind creates a socket on the next ephemeral port. It has the same
// shape as probe.BindFunc, so a probe.Pool can hand out simulated
// sockets directly.
func (h *Host) Bind() (probe.Socket, error) {
	h.mu.Lock()
	port := h.nextPort
	h.nextPort++
	h.mu.Unlock()

	s := &Socket{
		host:   h,
		local:  netip.AddrPortFrom(h.addr, port),
		in:     make(chan packetData, 256),
		closed: make(chan struct{}),
	}
	h.net.register(s)
	return s, nil
}

// Socket is a simulated datagram socket implementing probe.Socket.
type Socket struct {
	host  *Host
	local netip.AddrPort
	in    chan packetData

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	deadline time.Time
}

func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

func (s *Socket) WriteTo(p []byte, dst netip.AddrPort) (int, error) {
	select {
	case <-s.closed:
		return 0, net.ErrClosed
	default:
	}
	payload := append([]byte(nil), p...)
	s.host.net.send(packetData{payload: payload, src: s.local, dst: dst}, s.host)
	return len(p), nil
}

func (s *Socket) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	s.mu.Lock()
	deadline := s.deadline
	s.mu.Unlock()

	var timerC <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case pkt := <-s.in:
		n := copy(p, pkt.payload)
		return n, pkt.src, nil
	case <-s.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	case <-timerC:
		return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
	}
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.host.net.unregister(s)
	})
	return nil
}

// Filtering is the NAT's inbound filtering behavior.
type Filtering int

const (
	// FilterOpen admits any inbound datagram to an existing mapping
	// (full cone).
	FilterOpen Filtering = iota

	// FilterAddr admits inbound only from addresses the mapping has
	// sent to (restricted cone).
	FilterAddr

	// FilterAddrPort admits inbound only from exact address:port pairs
	// the mapping has sent to (port-restricted cone / symmetric).
	FilterAddrPort
)

// NATConfig describes one NAT box.
type NATConfig struct {
	// ExternalIP is the public address mappings appear from.
	ExternalIP string

	// Symmetric allocates a distinct mapping per destination;
	// otherwise one mapping per inside socket (cone behavior).
	Symmetric bool

	Filtering Filtering

	// Delta is the external port increment between successive
	// allocations (default 1). Ignored under random policies.
	Delta int

	// RandomWindow, when positive, scatters each allocation uniformly
	// inside a window of this width starting at FirstPort.
	RandomWindow int

	// RandomAlloc allocates uniformly across the whole ephemeral
	// range: the unpredictable case.
	RandomAlloc bool

	// FirstPort is the first external port (default 20000).
	FirstPort uint16

	// Seed drives the random policies.
	Seed int64

	// DropAll silently discards all traffic in both directions,
	// simulating a hostile firewall.
	DropAll bool
}

type flowKey struct {
	inside netip.AddrPort
	dst    netip.AddrPort // zero unless symmetric
}

type natMapping struct {
	inside      netip.AddrPort
	extPort     uint16
	allowed     map[netip.AddrPort]struct{}
	allowedAddr map[netip.Addr]struct{}
}

// NAT translates between inside sockets and external mappings
// according to its configuration.
type NAT struct {
	cfg      NATConfig
	external netip.Addr

	mu       sync.Mutex
	rng      *rand.Rand
	nextPort int
	byFlow   map[flowKey]*natMapping
	byExt    map[uint16]*natMapping
}

func newNAT(cfg NATConfig) *NAT {
	if cfg.Delta == 0 {
		cfg.Delta = 1
	}
	if cfg.FirstPort == 0 {
		cfg.FirstPort = 20000
	}
	return &NAT{
		cfg:      cfg,
		external: netip.MustParseAddr(cfg.ExternalIP),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		nextPort: int(cfg.FirstPort),
		byFlow:   make(map[flowKey]*natMapping),
		byExt:    make(map[uint16]*natMapping),
	}
}

// External returns the NAT's public address.
func (t *NAT) External() netip.Addr { return t.external }

func (t *NAT) outbound(pkt packetData) (packetData, bool) {
	if t.cfg.DropAll {
		return packetData{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := flowKey{inside: pkt.src}
	if t.cfg.Symmetric {
		key.dst = pkt.dst
	}
	m := t.byFlow[key]
	if m == nil {
		m = &natMapping{
			inside:      pkt.src,
			extPort:     t.allocPort(),
			allowed:     make(map[netip.AddrPort]struct{}),
			allowedAddr: make(map[netip.Addr]struct{}),
		}
		t.byFlow[key] = m
		t.byExt[m.extPort] = m
	}
	m.allowed[pkt.dst] = struct{}{}
	m.allowedAddr[pkt.dst.Addr()] = struct{}{}

	pkt.src = netip.AddrPortFrom(t.external, m.extPort)
	return pkt, true
}

func (t *NAT) inbound(pkt packetData) (packetData, bool) {
	if t.cfg.DropAll {
		return packetData{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.byExt[pkt.dst.Port()]
	if m == nil {
		return packetData{}, false
	}
	switch t.cfg.Filtering {
	case FilterAddr:
		if _, ok := m.allowedAddr[pkt.src.Addr()]; !ok {
			return packetData{}, false
		}
	case FilterAddrPort:
		if _, ok := m.allowed[pkt.src]; !ok {
			return packetData{}, false
		}
	}
	pkt.dst = m.inside
	return pkt, true
}

// allocPort picks the next external port under the configured policy.
// Called with the NAT lock held.
func (t *NAT) allocPort() uint16 {
	const (
		low  = 1024
		high = 65535
	)
	pick := func() int {
		switch {
		case t.cfg.RandomAlloc:
			return low + t.rng.Intn(high-low+1)
		case t.cfg.RandomWindow > 0:
			return int(t.cfg.FirstPort) + t.rng.Intn(t.cfg.RandomWindow)
		default:
			p := t.nextPort
			t.nextPort += t.cfg.Delta
			if t.nextPort > high || t.nextPort < low {
				t.nextPort = low
			}
			return p
		}
	}
	for {
		p := pick()
		if p < low || p > high {
			continue
		}
		if _, used := t.byExt[uint16(p)]; !used {
			return uint16(p)
		}
	}
}

// String describes the NAT for test failure messages.
func (t *NAT) String() string {
	mode := "cone"
	if t.cfg.Symmetric {
		mode = "symmetric"
	}
	return fmt.Sprintf("nat(%s %s filter=%d)", t.external, mode, t.cfg.Filtering)
}
