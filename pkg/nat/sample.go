package nat

import (
	"net/netip"
	"time"
)

// Sample records the external mapping one observation endpoint reported
// for one outbound probe. Samples form an ordered sequence; insertion
// order is significant because the prediction model analyzes deltas
// between successive mappings.
type Sample struct {
	// LocalPort is the source port the probe was sent from.
	LocalPort uint16

	// Destination is the observation endpoint the probe targeted.
	Destination netip.AddrPort

	// Mapped is the external address:port the endpoint observed.
	Mapped netip.AddrPort

	// At is when the reply was received.
	At time.Time
}
