package mesh

import (
	"encoding/binary"
	"errors"
	"sync"
)

const (
	magicByte           = 0x54
	typeHeartbeat  byte = 0x02
	typeEvents     byte = 0x03
	headerLen           = 18
	maxDatagram         = 1400
)

var (
	errInvalidMagic = errors.New("mesh: invalid magic byte")
	errShortBuffer  = errors.New("mesh: buffer too short")
)

var bufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 2048)
	},
}

// packet is the datagram exchanged between nodes: a fixed header followed
// by length-prefixed entries. A heartbeat carries the advertised address
// as its only entry; an events packet carries JSON encoded lease events.
type packet struct {
	Magic   byte
	Type    byte
	NodeID  [16]byte
	Entries [][]byte
}

// size returns the encoded length of p.
func (p *packet) size() int {
	n := headerLen + 2
	for _, e := range p.Entries {
		n += 2 + len(e)
	}
	return n
}

func (p *packet) marshal(b []byte) (int, error) {
	if len(b) < p.size() {
		return 0, errShortBuffer
	}
	b[0] = p.Magic
	b[1] = p.Type
	copy(b[2:headerLen], p.NodeID[:])
	binary.BigEndian.PutUint16(b[headerLen:headerLen+2], uint16(len(p.Entries)))
	curr := headerLen + 2
	for _, e := range p.Entries {
		binary.BigEndian.PutUint16(b[curr:curr+2], uint16(len(e)))
		copy(b[curr+2:], e)
		curr += 2 + len(e)
	}
	return curr, nil
}

func (p *packet) unmarshal(b []byte) error {
	if len(b) < headerLen+2 {
		return errShortBuffer
	}
	p.Magic = b[0]
	if p.Magic != magicByte {
		return errInvalidMagic
	}
	p.Type = b[1]
	copy(p.NodeID[:], b[2:headerLen])

	count := int(binary.BigEndian.Uint16(b[headerLen : headerLen+2]))
	p.Entries = make([][]byte, 0, count)
	curr := headerLen + 2
	for i := 0; i < count; i++ {
		if len(b) < curr+2 {
			return errShortBuffer
		}
		n := int(binary.BigEndian.Uint16(b[curr : curr+2]))
		if len(b) < curr+2+n {
			return errShortBuffer
		}
		p.Entries = append(p.Entries, append([]byte(nil), b[curr+2:curr+2+n]...))
		curr += 2 + n
	}
	return nil
}
