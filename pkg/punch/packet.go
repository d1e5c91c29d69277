package punch

import (
	"bytes"

	"github.com/google/uuid"
)

// Punch packets are tiny datagrams whose only job is to open and
// confirm NAT mappings. Layout: 4-byte magic, 1 flag byte, 16-byte
// round ID. The round ID ties a packet to one traversal session so a
// stale burst from an earlier round cannot confirm a path.
var packetMagic = []byte("NPCH")

const packetLen = 4 + 1 + 16

type flags byte

const (
	flagSyn flags = 1 << iota
	flagAck
)

type packet struct {
	flags flags
	round uuid.UUID
}

func (p packet) marshal() []byte {
	out := make([]byte, packetLen)
	copy(out, packetMagic)
	out[4] = byte(p.flags)
	copy(out[5:], p.round[:])
	return out
}

func parsePacket(raw []byte) (packet, bool) {
	if len(raw) != packetLen || !bytes.Equal(raw[:4], packetMagic) {
		return packet{}, false
	}
	var p packet
	p.flags = flags(raw[4])
	copy(p.round[:], raw[5:])
	return p, true
}
