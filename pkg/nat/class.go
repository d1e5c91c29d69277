// Package nat classifies the NAT in front of the local host by probing
// independent observation endpoints and comparing the external mapping
// each one reports.
package nat

import "fmt"

// Class is the NAT behavior class derived from one classification run.
// A Class is immutable once computed; re-detection produces a new
// Report rather than mutating an old one, since network conditions can
// change between runs.
type Class int

const (
	// ClassUnknown means evidence was insufficient or contradictory.
	// A wrong specific class is worse than Unknown: it would make the
	// coordinator skip prediction and likely fail traversal.
	ClassUnknown Class = iota

	// ClassOpen means no NAT: the external mapping equals the local
	// address.
	ClassOpen

	// ClassFullCone means endpoint-independent mapping and no inbound
	// filtering.
	ClassFullCone

	// ClassRestrictedCone means endpoint-independent mapping filtered
	// by remote address.
	ClassRestrictedCone

	// ClassPortRestrictedCone means endpoint-independent mapping
	// filtered by remote address and port.
	ClassPortRestrictedCone

	// ClassSymmetric means a distinct external mapping per destination.
	ClassSymmetric

	// ClassSymmetricFirewall means no probe produced any reply; egress
	// or ingress is fully blocked.
	ClassSymmetricFirewall
)

func (c Class) String() string {
	switch c {
	case ClassOpen:
		return "open"
	case ClassFullCone:
		return "full-cone"
	case ClassRestrictedCone:
		return "restricted-cone"
	case ClassPortRestrictedCone:
		return "port-restricted-cone"
	case ClassSymmetric:
		return "symmetric"
	case ClassSymmetricFirewall:
		return "symmetric-firewall"
	case ClassUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ParseClass is the inverse of String. Unrecognized input yields
// ClassUnknown.
func ParseClass(s string) Class {
	for c := ClassUnknown; c <= ClassSymmetricFirewall; c++ {
		if c.String() == s {
			return c
		}
	}
	return ClassUnknown
}

// IsCone reports whether the mapping is endpoint-independent.
func (c Class) IsCone() bool {
	switch c {
	case ClassFullCone, ClassRestrictedCone, ClassPortRestrictedCone:
		return true
	}
	return false
}

// Stable reports whether the advertised external mapping stays valid
// for new destinations, making prediction unnecessary.
func (c Class) Stable() bool {
	return c == ClassOpen || c.IsCone()
}

// Difficulty scores how hard traversal toward this class is, 0 (trivial)
// to 10 (hopeless without relay).
func (c Class) Difficulty() int {
	switch c {
	case ClassOpen:
		return 0
	case ClassFullCone:
		return 1
	case ClassRestrictedCone:
		return 3
	case ClassPortRestrictedCone:
		return 5
	case ClassSymmetric:
		return 9
	default:
		return 10
	}
}

// CanTraverse estimates whether two peers with the given classes can
// plausibly establish a direct path. Symmetric-symmetric is possible
// only when the allocation pattern is predictable, which this function
// cannot see, so it answers optimistically for that pair.
func CanTraverse(a, b Class) bool {
	if a == ClassSymmetricFirewall || b == ClassSymmetricFirewall {
		return false
	}
	if a == ClassUnknown || b == ClassUnknown {
		return true // best effort
	}
	return true
}
