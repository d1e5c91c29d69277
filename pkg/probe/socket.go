// Package probe manages the ephemeral UDP sockets used for NAT probing
// and hole punching, and implements the STUN binding exchange spoken
// between probes and observation endpoints.
package probe

import (
	"net"
	"net/netip"
	"time"
)

// Socket is a single ephemeral UDP socket. A socket handed out by a Pool
// is exclusively owned by the holder until Close, which returns its slot
// to the pool.
type Socket interface {
	// LocalAddr returns the bound local address.
	LocalAddr() netip.AddrPort

	// WriteTo sends one datagram to dst.
	WriteTo(p []byte, dst netip.AddrPort) (int, error)

	// ReadFrom receives one datagram, honoring the read deadline.
	ReadFrom(p []byte) (int, netip.AddrPort, error)

	// SetReadDeadline bounds future ReadFrom calls. The zero time
	// clears the deadline.
	SetReadDeadline(t time.Time) error

	Close() error
}

// udpSocket adapts *net.UDPConn to the Socket interface.
type udpSocket struct {
	conn *net.UDPConn
}

// Listen binds a UDP socket on the given address ("host:port", where
// port 0 picks an ephemeral port). Used by the probeserver command and
// as the pool's default bind function.
func Listen(addr string) (Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: conn}, nil
}

func (s *udpSocket) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (s *udpSocket) WriteTo(p []byte, dst netip.AddrPort) (int, error) {
	return s.conn.WriteToUDPAddrPort(p, dst)
}

func (s *udpSocket) ReadFrom(p []byte) (int, netip.AddrPort, error) {
	n, addr, err := s.conn.ReadFromUDPAddrPort(p)
	return n, addr, err
}

func (s *udpSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}
