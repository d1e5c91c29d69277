package predict

import (
	"math/rand"
	"net/netip"
)

const (
	// MaxFanOut caps a candidate set regardless of configuration.
	MaxFanOut = 256

	// DefaultFanOut is used when the caller does not configure one.
	DefaultFanOut = 64

	// Ephemeral port range searched when the pattern is unpredictable.
	ephemeralLow  = 1024
	ephemeralHigh = 65535
)

// Candidates generates the ordered candidate set for a peer's next
// external mappings. last is the peer's most recently observed mapping;
// seed makes the unpredictable branch repeatable across both peers and
// across runs. The result is distinct, ordered most-likely-first, never
// empty (given a valid last), and at most fanOut long.
//
// Port arithmetic never wraps: a prediction falling outside 1-65535 is
// discarded, since a wrapped port would be unrelated to the allocation
// sequence.
func Candidates(p Pattern, last netip.AddrPort, seed int64, fanOut int) []netip.AddrPort {
	if !last.IsValid() {
		return nil
	}
	if fanOut <= 0 {
		fanOut = DefaultFanOut
	}
	if fanOut > MaxFanOut {
		fanOut = MaxFanOut
	}

	addr := last.Addr()
	base := int(last.Port())

	var ports []int
	switch p.Kind {
	case KindFixed:
		ports = fixedPorts(base, p.Delta, fanOut)
	case KindBoundedRandom:
		ports = spiralPorts(base, p.Window, fanOut)
	default:
		ports = seededPorts(base, seed, fanOut)
	}

	out := make([]netip.AddrPort, 0, len(ports))
	for _, port := range ports {
		out = append(out, netip.AddrPortFrom(addr, uint16(port)))
	}
	return out
}

// fixedPorts walks last+Δ, last+2Δ, ... until the fan-out bound or the
// edge of the valid range. Δ == 0 is a stable mapping: the single
// candidate is the observed port itself.
func fixedPorts(base, delta, fanOut int) []int {
	if delta == 0 {
		return []int{base}
	}
	ports := make([]int, 0, fanOut)
	for i := 1; len(ports) < fanOut; i++ {
		port := base + i*delta
		if port < 1 || port > ephemeralHigh {
			break // discard, never wrap
		}
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		// The very next step already leaves the range; the observed
		// port is the only thing left to aim at.
		ports = append(ports, base)
	}
	return ports
}

// spiralPorts searches outward around the base: 0, +1, -1, +2, -2, ...
// within the window, nearest offsets first.
func spiralPorts(base, window, fanOut int) []int {
	if window < 1 {
		window = 1
	}
	ports := make([]int, 0, fanOut)
	ports = append(ports, base)
	for off := 1; off <= window && len(ports) < fanOut; off++ {
		if p := base + off; p <= ephemeralHigh {
			ports = append(ports, p)
		}
		if len(ports) >= fanOut {
			break
		}
		if p := base - off; p >= 1 {
			ports = append(ports, p)
		}
	}
	return ports
}

// seededPorts spreads candidates pseudo-randomly across the ephemeral
// range, the observed port first. Expected success is low; the branch
// exists so the candidate set is never empty. Deterministic for a
// given seed.
func seededPorts(base int, seed int64, fanOut int) []int {
	rng := rand.New(rand.NewSource(seed))
	ports := make([]int, 0, fanOut)
	seen := map[int]struct{}{base: {}}
	ports = append(ports, base)
	span := ephemeralHigh - ephemeralLow + 1
	for len(ports) < fanOut {
		port := ephemeralLow + rng.Intn(span)
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		ports = append(ports, port)
	}
	return ports
}
