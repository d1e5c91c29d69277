package probe

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/pion/stun"
)

// ErrProbeTimeout indicates no reply arrived within the probe's
// deadline. Callers treat it as absence of evidence, not as failure.
var ErrProbeTimeout = errors.New("probe: timed out waiting for reply")

// DefaultTimeout bounds a single probe exchange.
const DefaultTimeout = 2 * time.Second

// attrChangeRequest is the RFC 5780 CHANGE-REQUEST attribute type.
const attrChangeRequest stun.AttrType = 0x0003

// ChangeRequest asks an observation endpoint to answer from a different
// source IP and/or port, which exposes the NAT's inbound filtering
// behavior.
type ChangeRequest struct {
	ChangeIP   bool
	ChangePort bool
}

// AddTo implements stun.Setter.
func (c ChangeRequest) AddTo(m *stun.Message) error {
	var flags byte
	if c.ChangeIP {
		flags |= 0x04
	}
	if c.ChangePort {
		flags |= 0x02
	}
	m.Add(attrChangeRequest, []byte{0, 0, 0, flags})
	return nil
}

func changeRequestFrom(m *stun.Message) ChangeRequest {
	v, err := m.Get(attrChangeRequest)
	if err != nil || len(v) < 4 {
		return ChangeRequest{}
	}
	return ChangeRequest{
		ChangeIP:   v[3]&0x04 != 0,
		ChangePort: v[3]&0x02 != 0,
	}
}

// BindingRequest configures a single probe exchange.
type BindingRequest struct {
	// ChangePort asks the endpoint to reply from its alternate port.
	ChangePort bool

	// Timeout bounds the exchange. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Binding sends one STUN binding request from sock to dst and waits for
// the matching reply, returning the external mapping the endpoint
// observed. Unrelated datagrams arriving in the window are ignored.
func Binding(sock Socket, dst netip.AddrPort, req BindingRequest) (netip.AddrPort, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	msg := NewBindingRequest(req)
	if _, err := sock.WriteTo(msg.Raw, dst); err != nil {
		return netip.AddrPort{}, err
	}

	deadline := time.Now().Add(timeout)
	if err := sock.SetReadDeadline(deadline); err != nil {
		return netip.AddrPort{}, err
	}
	defer sock.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	for {
		n, _, err := sock.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return netip.AddrPort{}, ErrProbeTimeout
			}
			return netip.AddrPort{}, err
		}
		tx, mapped, ok := ParseBindingSuccess(buf[:n])
		if ok && tx == msg.TransactionID {
			return mapped, nil
		}
	}
}

// NewBindingRequest builds a binding request message with a fresh
// transaction ID. Callers that multiplex several in-flight probes on
// one socket send these directly and match replies by transaction ID.
func NewBindingRequest(req BindingRequest) *stun.Message {
	setters := []stun.Setter{stun.TransactionID, stun.BindingRequest}
	if req.ChangePort {
		setters = append(setters, ChangeRequest{ChangePort: true})
	}
	return stun.MustBuild(setters...)
}

// ParseBindingSuccess decodes a binding success response, returning its
// transaction ID and the mapped address it carries.
func ParseBindingSuccess(raw []byte) (tx [stun.TransactionIDSize]byte, mapped netip.AddrPort, ok bool) {
	if !stun.IsMessage(raw) {
		return tx, netip.AddrPort{}, false
	}
	resp := new(stun.Message)
	resp.Raw = append([]byte(nil), raw...)
	if err := resp.Decode(); err != nil {
		return tx, netip.AddrPort{}, false
	}
	if resp.Type != stun.BindingSuccess {
		return tx, netip.AddrPort{}, false
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err == nil {
		mapped, ok = toAddrPort(xorAddr.IP, xorAddr.Port)
		return resp.TransactionID, mapped, ok
	}
	var ma stun.MappedAddress
	if err := ma.GetFrom(resp); err == nil {
		mapped, ok = toAddrPort(ma.IP, ma.Port)
		return resp.TransactionID, mapped, ok
	}
	return resp.TransactionID, netip.AddrPort{}, false
}

func toAddrPort(ip net.IP, port int) (netip.AddrPort, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), true
}
