package punch

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"natpunch/pkg/nat"
	"natpunch/pkg/predict"
	"natpunch/pkg/signal"
)

// state is the coordinator's position in the traversal state machine.
type state int

const (
	stateIdle state = iota
	stateClassRound
	statePredictRound
	statePunchRound
	stateEstablished
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateClassRound:
		return "class-round"
	case statePredictRound:
		return "predict-round"
	case statePunchRound:
		return "punch-round"
	case stateEstablished:
		return "established"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Begin runs one full traversal session to a terminal state: it
// classifies the local NAT, exchanges results with the peer, predicts
// the peer's next mappings, fires the synchronized punch round and
// returns the first confirmed path. All sockets except the winning one
// are released before Begin returns. Begin never retries; see Options.
func Begin(ctx context.Context, opts Options) (*Path, error) {
	o := opts.withDefaults()
	c := &coordinator{
		opts: o,
		log:  o.Logger.Named("punch"),
	}
	defer c.cleanup()

	st := stateClassRound
	for {
		c.log.Debug("entering state", zap.Stringer("state", st))
		switch st {
		case stateClassRound:
			st = c.classRound(ctx)
		case statePredictRound:
			st = c.predictRound(ctx)
		case statePunchRound:
			st = c.punchRound(ctx)
		case stateEstablished:
			return c.path, nil
		case stateFailed:
			return nil, c.err
		default:
			return nil, fmt.Errorf("punch: invalid state %v", st)
		}
	}
}

type coordinator struct {
	opts Options
	log  *zap.Logger

	round uuid.UUID   // session/round ID, shared by both peers
	local *nat.Report // owns the primary socket until the punch round

	peerClass   nat.Class
	peerPattern predict.Pattern
	peerMapped  netip.AddrPort
	peerSeed    int64

	candidates []netip.AddrPort
	fireAt     time.Time

	path *Path
	err  error
}

func (c *coordinator) fail(err error) state {
	c.err = err
	return stateFailed
}

// cleanup releases everything the session still owns, except the
// winning socket, whose ownership has passed into c.path.
func (c *coordinator) cleanup() {
	if c.local == nil || c.local.Socket == nil {
		return
	}
	if c.path != nil && c.path.Socket == c.local.Socket {
		return
	}
	c.local.Close()
}

// --- ClassRound -------------------------------------------------------

func (c *coordinator) classRound(ctx context.Context) state {
	classifier, err := nat.NewClassifier(c.opts.Binder, nat.Config{
		Endpoints:    c.opts.Endpoints,
		ProbeTimeout: c.opts.ProbeTimeout,
		HistoryFlows: c.opts.HistoryFlows,
		Logger:       c.opts.Logger,
	})
	if err != nil {
		return c.fail(err)
	}
	report, err := classifier.Classify(ctx)
	if err != nil {
		// Socket bind failure: local resource exhaustion, terminal.
		return c.fail(err)
	}
	c.local = report

	pattern := predict.Infer(report.Samples)
	c.log.Info("local classification",
		zap.Stringer("class", report.Class),
		zap.Stringer("pattern", pattern),
		zap.Stringer("mapped", report.Mapped))

	hello := signal.Message{
		Type:              signal.TypeHello,
		NatClass:          report.Class.String(),
		PatternKind:       pattern.Kind.String(),
		PatternDelta:      pattern.Delta,
		PatternWindow:     pattern.Window,
		PatternConfidence: pattern.Confidence,
		CandidateSeed:     c.opts.CandidateSeed,
	}
	if report.Mapped.IsValid() {
		hello.Mapped = report.Mapped.String()
	}
	if c.opts.Initiator {
		c.round = uuid.New()
	}
	hello.SessionID = c.round.String()

	if err := c.send(ctx, hello); err != nil {
		return c.fail(err)
	}
	peer, err := c.recv(ctx, signal.TypeHello)
	if err != nil {
		return c.fail(err)
	}
	if !c.opts.Initiator {
		round, err := uuid.Parse(peer.SessionID)
		if err != nil {
			return c.fail(fmt.Errorf("%w: malformed session id %q", ErrSignalingLost, peer.SessionID))
		}
		c.round = round
	}

	c.peerClass = nat.ParseClass(peer.NatClass)
	c.peerPattern = predict.Pattern{
		Kind:       predict.ParseKind(peer.PatternKind),
		Delta:      peer.PatternDelta,
		Window:     peer.PatternWindow,
		Confidence: peer.PatternConfidence,
	}
	c.peerMapped = peer.MappedAddr()
	c.peerSeed = peer.CandidateSeed

	c.log.Info("peer classification",
		zap.Stringer("class", c.peerClass),
		zap.Stringer("pattern", c.peerPattern),
		zap.Stringer("mapped", c.peerMapped))
	return statePredictRound
}

// --- PredictRound -----------------------------------------------------

func (c *coordinator) predictRound(ctx context.Context) state {
	target := c.peerMapped
	if !target.IsValid() {
		target = c.opts.PeerHint
	}
	if !target.IsValid() {
		return c.fail(fmt.Errorf("%w: peer advertised no mapping and no hint given", ErrClassificationInconclusive))
	}

	switch {
	case c.peerClass.Stable():
		// The peer's mapping holds for new destinations; aim straight
		// at it, prediction confidence is irrelevant.
		c.candidates = []netip.AddrPort{target}
	case c.singleShot():
		// Evidence too weak for prediction. A single best-effort
		// attempt at the last observed mapping costs little.
		c.candidates = []netip.AddrPort{target}
	default:
		c.candidates = predict.Candidates(c.peerPattern, target, c.peerSeed, c.opts.FanOut)
	}
	if len(c.candidates) == 0 {
		return c.fail(fmt.Errorf("%w: empty candidate set", ErrClassificationInconclusive))
	}
	c.log.Info("candidate set built",
		zap.Int("count", len(c.candidates)),
		zap.Stringer("first", c.candidates[0]))

	// Agree on the fire-at instant. The initiator proposes; a proposal
	// already in the past (clock skew, slow signaling) fires at once.
	if c.opts.Initiator {
		c.fireAt = c.opts.Clock.Now().Add(c.opts.FireLead)
		msg := signal.Message{
			Type:            signal.TypeSync,
			SessionID:       c.round.String(),
			FireAtUnixMicro: c.fireAt.UnixMicro(),
		}
		if err := c.send(ctx, msg); err != nil {
			return c.fail(err)
		}
		if _, err := c.recv(ctx, signal.TypeSyncAck); err != nil {
			return c.fail(err)
		}
	} else {
		msg, err := c.recv(ctx, signal.TypeSync)
		if err != nil {
			return c.fail(err)
		}
		c.fireAt = msg.FireAt()
		ack := signal.Message{Type: signal.TypeSyncAck, SessionID: c.round.String()}
		if err := c.send(ctx, ack); err != nil {
			return c.fail(err)
		}
	}
	return statePunchRound
}

// singleShot reports whether classification evidence on either side is
// too weak to justify a full prediction round.
func (c *coordinator) singleShot() bool {
	weak := func(cl nat.Class) bool {
		return cl == nat.ClassUnknown || cl == nat.ClassSymmetricFirewall
	}
	return weak(c.local.Class) || weak(c.peerClass)
}

// --- signaling helpers -------------------------------------------------

// send relays one message, mapping any channel failure or timeout to
// ErrSignalingLost: traversal cannot proceed without coordination.
func (c *coordinator) send(ctx context.Context, msg signal.Message) error {
	sctx, cancel := context.WithTimeout(ctx, c.opts.SignalTimeout)
	defer cancel()
	if err := c.opts.Channel.Send(sctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingLost, err)
	}
	return nil
}

// recv waits for the next message of the wanted type, skipping stale
// messages from abandoned rounds.
func (c *coordinator) recv(ctx context.Context, want signal.Type) (signal.Message, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.SignalTimeout)
	defer cancel()
	for {
		msg, err := c.opts.Channel.Recv(sctx)
		if err != nil {
			return signal.Message{}, fmt.Errorf("%w: %v", ErrSignalingLost, err)
		}
		if msg.Type != want {
			c.log.Debug("skipping unexpected signaling message",
				zap.String("got", string(msg.Type)),
				zap.String("want", string(want)))
			continue
		}
		return msg, nil
	}
}
