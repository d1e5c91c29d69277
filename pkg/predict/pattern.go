// Package predict infers a NAT's port allocation pattern from a short
// history of observed external mappings and generates the bounded,
// ordered candidate set a punch round aims at.
package predict

import (
	"fmt"

	"natpunch/pkg/nat"
)

// Kind tags an allocation pattern.
type Kind int

const (
	// KindUnpredictable means no usable relationship between
	// successive allocations was found.
	KindUnpredictable Kind = iota

	// KindFixed means successive allocations differ by a constant
	// delta. Delta zero is the endpoint-independent (cone) case.
	KindFixed

	// KindBoundedRandom means allocations wander inside a bounded
	// window around the last observation.
	KindBoundedRandom
)

func (k Kind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindBoundedRandom:
		return "bounded-random"
	case KindUnpredictable:
		return "unpredictable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of String. Unrecognized input yields
// KindUnpredictable.
func ParseKind(s string) Kind {
	switch s {
	case "fixed":
		return KindFixed
	case "bounded-random":
		return KindBoundedRandom
	default:
		return KindUnpredictable
	}
}

// Pattern is the inferred allocation behavior. Patterns come only from
// Infer (or from a peer's Infer result relayed over signaling); other
// components never construct one from scratch.
type Pattern struct {
	Kind Kind

	// Delta is the constant increment, meaningful for KindFixed.
	Delta int

	// Window is the search width around the last observation,
	// meaningful for KindBoundedRandom.
	Window int

	// Confidence is 0.0 to 1.0.
	Confidence float64
}

func (p Pattern) String() string {
	switch p.Kind {
	case KindFixed:
		return fmt.Sprintf("fixed(%+d, conf %.2f)", p.Delta, p.Confidence)
	case KindBoundedRandom:
		return fmt.Sprintf("bounded-random(±%d, conf %.2f)", p.Window, p.Confidence)
	default:
		return "unpredictable"
	}
}

const (
	// boundedSpreadLimit is the widest port spread still treated as a
	// bounded walk rather than random allocation.
	boundedSpreadLimit = 2048

	fixedBaseConfidence  = 0.6
	fixedConfidenceStep  = 0.1
	fixedConfidenceCap   = 0.95
	boundedBaseConf      = 0.35
	boundedConfStep      = 0.05
	boundedConfidenceCap = 0.6
)

// Infer derives the allocation pattern from an ordered observation
// sequence. Fewer than two samples carry no delta information and yield
// KindUnpredictable with zero confidence.
func Infer(samples []nat.Sample) Pattern {
	if len(samples) < 2 {
		return Pattern{Kind: KindUnpredictable}
	}

	ports := make([]int, len(samples))
	for i, s := range samples {
		ports[i] = int(s.Mapped.Port())
	}

	deltas := make([]int, len(ports)-1)
	constant := true
	for i := 1; i < len(ports); i++ {
		deltas[i-1] = ports[i] - ports[i-1]
		if deltas[i-1] != deltas[0] {
			constant = false
		}
	}

	if constant {
		// Confidence grows with each confirming delta, capped.
		conf := fixedBaseConfidence + fixedConfidenceStep*float64(len(deltas)-1)
		if conf > fixedConfidenceCap {
			conf = fixedConfidenceCap
		}
		return Pattern{Kind: KindFixed, Delta: deltas[0], Confidence: conf}
	}

	minPort, maxPort := ports[0], ports[0]
	for _, p := range ports[1:] {
		if p < minPort {
			minPort = p
		}
		if p > maxPort {
			maxPort = p
		}
	}
	spread := maxPort - minPort
	if spread <= boundedSpreadLimit {
		conf := boundedBaseConf + boundedConfStep*float64(len(samples)-2)
		if conf > boundedConfidenceCap {
			conf = boundedConfidenceCap
		}
		// Safety margin: the next allocation may land outside the
		// observed spread.
		margin := spread/2 + 8
		return Pattern{Kind: KindBoundedRandom, Window: spread + margin, Confidence: conf}
	}

	return Pattern{Kind: KindUnpredictable}
}
