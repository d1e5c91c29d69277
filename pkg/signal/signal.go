// Package signal carries coordination data between the two traversal
// peers over an already-established reliable message channel. The
// adapter owns no transport resources and holds no traversal state; it
// only relays structures.
package signal

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

// ErrChannelClosed is returned once the underlying channel is gone.
// Any channel failure is fatal to the traversal round in progress.
var ErrChannelClosed = errors.New("signal: channel closed")

// Type discriminates signaling messages.
type Type string

const (
	// TypeHello carries one peer's classification result and
	// prediction inputs.
	TypeHello Type = "hello"

	// TypeSync proposes the synchronized fire-at instant.
	TypeSync Type = "sync"

	// TypeSyncAck accepts the proposed instant.
	TypeSyncAck Type = "sync-ack"
)

// Message is the flat wire form exchanged between peers. One struct
// covers all types; unused fields stay at their zero values and are
// omitted from the JSON.
type Message struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`

	// Hello fields.
	NatClass          string  `json:"natClass,omitempty"`
	PatternKind       string  `json:"patternKind,omitempty"`
	PatternDelta      int     `json:"patternDelta,omitempty"`
	PatternWindow     int     `json:"patternWindow,omitempty"`
	PatternConfidence float64 `json:"patternConfidence,omitempty"`

	// Mapped is the sender's most recently observed external mapping
	// ("addr:port"), the base the receiver predicts from.
	Mapped string `json:"mapped,omitempty"`

	// CandidateSeed regenerates the sender's unpredictable-branch
	// candidate spread on the other side.
	CandidateSeed int64 `json:"candidateSeed,omitempty"`

	// FireAtUnixMicro is the proposed synchronized punch instant.
	FireAtUnixMicro int64 `json:"fireAt,omitempty"`
}

// MappedAddr parses the Mapped field. The zero AddrPort means the
// sender observed no mapping.
func (m Message) MappedAddr() netip.AddrPort {
	ap, err := netip.ParseAddrPort(m.Mapped)
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}

// FireAt converts the proposed instant back to a time.
func (m Message) FireAt() time.Time {
	return time.UnixMicro(m.FireAtUnixMicro)
}

// Channel is the reliable, ordered, two-party message channel the
// caller supplies. Implementations must respect context cancellation
// and deadlines; the engine never blocks on signaling past its
// configured timeout.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Recv(ctx context.Context) (Message, error)
}
