// Package punch drives the traversal state machine: classify both
// sides, predict the peer's next external mappings, then fire a
// time-synchronized burst of punch probes and adopt the first
// bidirectionally confirmed path.
package punch

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"natpunch/pkg/probe"
	"natpunch/pkg/signal"
)

// Failure reasons. Begin returns exactly one of these (or a probe bind
// error, or the caller's context error) when no path is established.
// The engine performs no retry of its own; retry policy belongs to the
// caller, which may re-invoke Begin with a wider fan-out.
var (
	// ErrNoResponse means the punch window closed without hearing
	// anything from the peer.
	ErrNoResponse = errors.New("punch: no response from peer")

	// ErrClassificationInconclusive means there was nothing to aim at:
	// neither classification nor the caller's hint produced a peer
	// mapping.
	ErrClassificationInconclusive = errors.New("punch: classification inconclusive")

	// ErrCandidateExhausted means every predicted candidate was tried
	// without a confirmed path.
	ErrCandidateExhausted = errors.New("punch: candidate set exhausted")

	// ErrSignalingLost means the signaling channel failed or timed
	// out; traversal cannot be coordinated without it.
	ErrSignalingLost = errors.New("punch: signaling lost")
)

// Options configures one traversal session.
type Options struct {
	// Binder hands out probe sockets; usually a *probe.Pool. Its limit
	// must cover FanOut+1 sockets plus classification history flows.
	Binder probe.Binder

	// Endpoints are the observation endpoints used for classification,
	// at least three.
	Endpoints []netip.AddrPort

	// Channel is the caller-owned signaling channel to the peer.
	Channel signal.Channel

	// Initiator must be true on exactly one side. The initiator owns
	// the session ID and proposes the fire-at instant.
	Initiator bool

	// PeerHint optionally names the peer's last known external
	// mapping, used as the single target when classification on either
	// side is inconclusive.
	PeerHint netip.AddrPort

	// FanOut bounds the candidate set (default 64, capped at 256).
	FanOut int

	// HistoryFlows extends the allocation history during
	// classification; see nat.Config.
	HistoryFlows int

	// CandidateSeed seeds the peer's unpredictable-branch spread for
	// our mappings. Zero picks a random seed. Fixing it makes runs
	// repeatable.
	CandidateSeed int64

	// ProbeTimeout bounds each classification probe (default 2s).
	ProbeTimeout time.Duration

	// PunchWindow bounds the punch round (default 4s).
	PunchWindow time.Duration

	// SignalTimeout bounds each signaling exchange (default 10s).
	SignalTimeout time.Duration

	// FireLead is how far in the future the initiator schedules the
	// synchronized burst (default 750ms). It must exceed one signaling
	// round trip plus peer clock skew.
	FireLead time.Duration

	// RetransmitEvery is the punch probe resend interval (default
	// 200ms).
	RetransmitEvery time.Duration

	// Clock defaults to the wall clock; tests inject a mock.
	Clock clock.Clock

	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.FanOut <= 0 {
		out.FanOut = 64
	}
	if out.FanOut > 256 {
		out.FanOut = 256
	}
	if out.CandidateSeed == 0 {
		id := uuid.New()
		out.CandidateSeed = int64(binary.BigEndian.Uint64(id[:8]) >> 1)
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = probe.DefaultTimeout
	}
	if out.PunchWindow <= 0 {
		out.PunchWindow = 4 * time.Second
	}
	if out.SignalTimeout <= 0 {
		out.SignalTimeout = 10 * time.Second
	}
	if out.FireLead <= 0 {
		out.FireLead = 750 * time.Millisecond
	}
	if out.RetransmitEvery <= 0 {
		out.RetransmitEvery = 200 * time.Millisecond
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Path is the traversal outcome handed to the transport layer: a bound
// local socket whose NAT mapping is confirmed to reach Remote. The
// engine sends nothing further on it; ownership passes to the caller.
type Path struct {
	Socket probe.Socket
	Remote netip.AddrPort
}
