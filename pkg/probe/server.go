package probe

import (
	"net"
	"net/netip"

	"github.com/pion/stun"
	"go.uber.org/zap"
)

// Server is the minimal reply service run by an observation endpoint:
// it answers every STUN binding request with the source address and
// port the request appeared to come from. When a request carries a
// CHANGE-REQUEST asking for a changed port, the reply is sent from the
// alternate socket instead, so clients can test their NAT's inbound
// filtering.
type Server struct {
	log       *zap.Logger
	primary   Socket
	alternate Socket
}

// NewServer creates a reply service on primary. alternate may be nil,
// in which case change-port requests are answered from the primary
// socket (no filtering evidence is produced).
func NewServer(primary, alternate Socket, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:       log.Named("probeserver"),
		primary:   primary,
		alternate: alternate,
	}
}

// Serve answers requests until the primary socket is closed.
func (s *Server) Serve() error {
	buf := make([]byte, 1500)
	for {
		n, src, err := s.primary.ReadFrom(buf)
		if err != nil {
			return err
		}
		s.handle(buf[:n], src)
	}
}

func (s *Server) handle(raw []byte, src netip.AddrPort) {
	if !stun.IsMessage(raw) {
		return
	}
	req := new(stun.Message)
	req.Raw = append([]byte(nil), raw...)
	if err := req.Decode(); err != nil {
		s.log.Debug("undecodable request", zap.Stringer("src", src), zap.Error(err))
		return
	}
	if req.Type != stun.BindingRequest {
		return
	}

	resp, err := stun.Build(req, stun.BindingSuccess, &stun.XORMappedAddress{
		IP:   net.IP(src.Addr().AsSlice()),
		Port: int(src.Port()),
	}, stun.Fingerprint)
	if err != nil {
		s.log.Warn("response build failed", zap.Error(err))
		return
	}

	out := s.primary
	if changeRequestFrom(req).ChangePort && s.alternate != nil {
		out = s.alternate
	}
	if _, err := out.WriteTo(resp.Raw, src); err != nil {
		s.log.Debug("reply send failed", zap.Stringer("dst", src), zap.Error(err))
	}
}
