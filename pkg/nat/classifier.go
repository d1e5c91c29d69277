package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/pion/stun"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"natpunch/pkg/probe"
)

// ErrTooFewEndpoints is returned when fewer than three observation
// endpoints are configured. Mapping comparison needs at least three
// independent destinations to distinguish cone from symmetric behavior
// with any confidence.
var ErrTooFewEndpoints = errors.New("nat: classification needs at least 3 observation endpoints")

// Config configures a Classifier.
type Config struct {
	// Endpoints are the observation endpoints, at least three,
	// on independent addresses known in advance.
	Endpoints []netip.AddrPort

	// ProbeTimeout bounds each probe exchange. Zero means
	// probe.DefaultTimeout.
	ProbeTimeout time.Duration

	// HistoryFlows is how many extra outbound flows (each from a fresh
	// local port) to run after classification, purely to lengthen the
	// allocation history handed to the prediction model. Zero means no
	// extra flows.
	HistoryFlows int

	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Report is the outcome of one classification run. It is immutable:
// a new run produces a new Report.
type Report struct {
	Class Class

	// LocalAddr is the primary socket's bound address with the host's
	// outbound interface address filled in.
	LocalAddr netip.AddrPort

	// Mapped is the most recently observed external mapping, the base
	// the peer predicts from. Zero when no probe was answered.
	Mapped netip.AddrPort

	// Samples is the ordered observation history, classification
	// probes first, history flows after.
	Samples []Sample

	// Socket is the primary probe socket, still bound. Its mapping is
	// the one a cone-class host advertises, so it must stay open until
	// the punch round is over. The owner of the Report closes it.
	Socket probe.Socket

	DetectedAt time.Time
}

// Close releases the primary socket.
func (r *Report) Close() {
	if r.Socket != nil {
		r.Socket.Close()
	}
}

// Classifier derives the local NAT behavior class by sending one probe
// per observation endpoint from a single local port and comparing the
// external mappings the endpoints report.
type Classifier struct {
	binder       probe.Binder
	endpoints    []netip.AddrPort
	probeTimeout time.Duration
	historyFlows int
	log          *zap.Logger
}

// NewClassifier validates cfg and creates a Classifier.
func NewClassifier(binder probe.Binder, cfg Config) (*Classifier, error) {
	if len(cfg.Endpoints) < 3 {
		return nil, ErrTooFewEndpoints
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = probe.DefaultTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{
		binder:       binder,
		endpoints:    cfg.Endpoints,
		probeTimeout: timeout,
		historyFlows: cfg.HistoryFlows,
		log:          log.Named("nat"),
	}, nil
}

// Classify runs one classification round. Per-probe failures are
// absorbed as missing evidence; only a local socket bind failure is
// returned as an error. The returned Report carries the still-open
// primary socket.
func (c *Classifier) Classify(ctx context.Context) (*Report, error) {
	sock, err := c.binder.Bind()
	if err != nil {
		return nil, err
	}

	samples, probeErrs := c.probeRound(ctx, sock)
	if probeErrs != nil {
		c.log.Debug("probe round incomplete", zap.Error(probeErrs))
	}

	report := &Report{
		Samples:    samples,
		Socket:     sock,
		DetectedAt: time.Now(),
		LocalAddr:  localAddr(sock, c.endpoints[0]),
	}
	if len(samples) > 0 {
		report.Mapped = samples[len(samples)-1].Mapped
	}

	class, needFilterTest := decide(samples, report.LocalAddr.Addr())
	if needFilterTest {
		class = c.filterTest(sock)
	}
	report.Class = class

	c.log.Info("classification complete",
		zap.Stringer("class", class),
		zap.Stringer("mapped", report.Mapped),
		zap.Int("samples", len(samples)))

	// History flows feed delta analysis, which only matters when the
	// mapping moves per flow. For stable classes the primary socket's
	// mapping is the one the peer must target, so it must not be
	// displaced by a history sample from a since-closed socket.
	if c.historyFlows > 0 && !class.Stable() && class != ClassSymmetricFirewall {
		report.Samples = append(report.Samples, c.gatherHistory(ctx)...)
		report.Mapped = report.Samples[len(report.Samples)-1].Mapped
	}
	return report, nil
}

// probeRound sends one binding request per endpoint from sock, all in
// flight at once, and demultiplexes replies by transaction ID. The
// returned samples keep the send order of the endpoints that answered.
func (c *Classifier) probeRound(ctx context.Context, sock probe.Socket) ([]Sample, error) {
	type slot struct {
		mapped netip.AddrPort
		at     time.Time
		got    bool
	}
	slots := make(map[[stun.TransactionIDSize]byte]*slot, len(c.endpoints))
	inOrder := make([]*slot, len(c.endpoints))

	var errs error
	sent := 0
	for i, ep := range c.endpoints {
		msg := probe.NewBindingRequest(probe.BindingRequest{})
		if _, err := sock.WriteTo(msg.Raw, ep); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("probe %d to %s: %w", i, ep, err))
			continue
		}
		s := &slot{}
		slots[msg.TransactionID] = s
		inOrder[i] = s
		sent++
	}

	deadline := time.Now().Add(c.probeTimeout)
	sock.SetReadDeadline(deadline)
	defer sock.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	remaining := sent
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		n, _, err := sock.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				errs = multierr.Append(errs, err)
			}
			break
		}
		tx, mapped, ok := probe.ParseBindingSuccess(buf[:n])
		if !ok {
			continue
		}
		s, waiting := slots[tx]
		if !waiting || s.got {
			continue
		}
		s.mapped = mapped
		s.at = time.Now()
		s.got = true
		remaining--
	}

	local := sock.LocalAddr().Port()
	samples := make([]Sample, 0, len(c.endpoints))
	for i, s := range inOrder { // send order, not arrival order
		if s == nil || !s.got {
			continue
		}
		samples = append(samples, Sample{
			LocalPort:   local,
			Destination: c.endpoints[i],
			Mapped:      s.mapped,
			At:          s.at,
		})
	}
	return samples, errs
}

// decide derives the class from the mapping comparison alone. The
// second return value asks for the inbound filtering test, which can
// only distinguish the cone subclasses.
func decide(samples []Sample, local netip.Addr) (Class, bool) {
	switch {
	case len(samples) == 0:
		return ClassSymmetricFirewall, false
	case len(samples) == 1:
		// A single mapping cannot be compared with anything.
		return ClassUnknown, false
	}

	distinct := make(map[netip.AddrPort]struct{}, len(samples))
	for _, s := range samples {
		distinct[s.Mapped] = struct{}{}
	}
	switch len(distinct) {
	case 1:
		if samples[0].Mapped.Addr() == local {
			return ClassOpen, false
		}
		return ClassUnknown, true // cone family, pending filter test
	case len(samples):
		return ClassSymmetric, false
	default:
		// Some endpoints agree, some do not: contradictory evidence,
		// possibly a mapping rebind mid-round. Never guess a specific
		// class from it.
		return ClassUnknown, false
	}
}

// filterTest asks the first endpoint to reply from its alternate port.
// A reply passing the NAT means filtering is at most address-
// restricted. Full-cone is never reported: proving it needs a changed-
// address reply, which single-address endpoints cannot produce.
func (c *Classifier) filterTest(sock probe.Socket) Class {
	_, err := probe.Binding(sock, c.endpoints[0], probe.BindingRequest{
		ChangePort: true,
		Timeout:    c.probeTimeout,
	})
	if err == nil {
		return ClassRestrictedCone
	}
	return ClassPortRestrictedCone
}

// gatherHistory runs extra single-probe flows from fresh local ports to
// extend the allocation history for delta analysis.
func (c *Classifier) gatherHistory(ctx context.Context) []Sample {
	samples := make([]Sample, 0, c.historyFlows)
	for i := 0; i < c.historyFlows; i++ {
		if ctx.Err() != nil {
			break
		}
		ep := c.endpoints[i%len(c.endpoints)]
		sock, err := c.binder.Bind()
		if err != nil {
			c.log.Debug("history flow bind failed", zap.Error(err))
			break
		}
		mapped, err := probe.Binding(sock, ep, probe.BindingRequest{Timeout: c.probeTimeout})
		local := sock.LocalAddr().Port()
		sock.Close()
		if err != nil {
			continue
		}
		samples = append(samples, Sample{
			LocalPort:   local,
			Destination: ep,
			Mapped:      mapped,
			At:          time.Now(),
		})
	}
	return samples
}

// localAddr resolves the socket's concrete local address. Sockets bound
// to the unspecified address borrow the interface address an outbound
// dial toward the first endpoint would use.
func localAddr(sock probe.Socket, endpoint netip.AddrPort) netip.AddrPort {
	bound := sock.LocalAddr()
	if !bound.Addr().IsUnspecified() {
		return bound
	}
	conn, err := net.Dial("udp4", endpoint.String())
	if err != nil {
		return bound
	}
	defer conn.Close()
	ip := conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr()
	return netip.AddrPortFrom(ip, bound.Port())
}
