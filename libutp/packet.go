// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import (
	"encoding/binary"
	"errors"
)

type packetType int

const (
	stData  packetType = 0 // Data packet.
	stFin   packetType = 1 // Finalize the connection. This is the last packet.
	stState packetType = 2 // State packet. Used to transmit an ACK with no data.
	stReset packetType = 3 // Terminate connection forcefully.
	stSyn   packetType = 4 // Connect SYN

	stNumStates = 5 // used for bounds checking
)

var packetTypeNames = []string{
	"ST_DATA", "ST_FIN", "ST_STATE", "ST_RESET", "ST_SYN",
}

func (t packetType) String() string {
	if t < 0 || int(t) >= len(packetTypeNames) {
		return "ST_UNKNOWN"
	}
	return packetTypeNames[t]
}

const (
	// protocolVersion is the only µTP header version spoken here.
	protocolVersion = 1

	extNone    = 0
	extSelAck  = 1
	extExtBits = 2
	// extNumTypes bounds the extension type found in the header itself.
	extNumTypes = 3

	// sizeofPacketHeader is the size of the fixed µTP v1 header.
	sizeofPacketHeader = 20
	// sizeofSelAckExtension is the size of the selective ack extension we
	// send: two bytes of chain header plus a 32-bit mask.
	sizeofSelAckExtension = 6
	// extBitsLen is the required length of the extension-bits extension.
	extBitsLen = 8
)

var errShortBuffer = errors.New("buffer too small for µTP header")

// packetHeader is the structure of packet headers in µTP version 1.
//
// Use big-endian when encoding to buffer or wire.
type packetHeader struct {
	ptype   packetType
	version uint8
	// Type of the first extension header
	ext uint8
	// connection ID
	connID     uint16
	tvUSec     uint32
	replyMicro uint32
	// receive window size in bytes
	windowSize uint32
	seqNum     uint16
	ackNum     uint16
}

func (h *packetHeader) encodeToBytes(b []byte) error {
	if len(b) < sizeofPacketHeader {
		return errShortBuffer
	}
	// this is finicky, but binary.Write is just too slow for this fast-path code.
	b[0] = byte(h.ptype)<<4 | (h.version & 0xf)
	b[1] = h.ext
	binary.BigEndian.PutUint16(b[2:4], h.connID)
	binary.BigEndian.PutUint32(b[4:8], h.tvUSec)
	binary.BigEndian.PutUint32(b[8:12], h.replyMicro)
	binary.BigEndian.PutUint32(b[12:16], h.windowSize)
	binary.BigEndian.PutUint16(b[16:18], h.seqNum)
	binary.BigEndian.PutUint16(b[18:20], h.ackNum)
	return nil
}

func (h *packetHeader) decodeFromBytes(b []byte) error {
	if len(b) < sizeofPacketHeader {
		return errShortBuffer
	}
	h.ptype = packetType(b[0] >> 4)
	h.version = b[0] & 0xf
	h.ext = b[1]
	h.connID = binary.BigEndian.Uint16(b[2:4])
	h.tvUSec = binary.BigEndian.Uint32(b[4:8])
	h.replyMicro = binary.BigEndian.Uint32(b[8:12])
	h.windowSize = binary.BigEndian.Uint32(b[12:16])
	h.seqNum = binary.BigEndian.Uint16(b[16:18])
	h.ackNum = binary.BigEndian.Uint16(b[18:20])
	return nil
}

// isV1 tells whether a decoded header could belong to a µTP v1 packet.
func (h *packetHeader) isV1() bool {
	return h.version == protocolVersion && h.ptype < stNumStates && h.ext < extNumTypes
}

// packetExtensions holds what the extension chain of an incoming packet
// carried, plus the payload following the chain.
type packetExtensions struct {
	selAck     []byte
	extBits    []byte
	payloadPos int
}

// parseExtensions walks the extension chain that starts after the fixed
// header. It returns false if any extension overruns the packet, if the
// extension bits are not exactly 8 bytes, or if the selective ack mask is
// not a positive multiple of 4 bytes.
func parseExtensions(packet []byte, first uint8) (packetExtensions, bool) {
	var pe packetExtensions
	pos := sizeofPacketHeader
	extension := first
	for extension != extNone {
		if pos+2 > len(packet) {
			return pe, false
		}
		next := packet[pos]
		length := int(packet[pos+1])
		pos += 2
		if len(packet)-pos < length {
			return pe, false
		}
		switch extension {
		case extSelAck:
			if length == 0 || length%4 != 0 {
				return pe, false
			}
			pe.selAck = packet[pos : pos+length]
		case extExtBits:
			if length != extBitsLen {
				return pe, false
			}
			pe.extBits = packet[pos : pos+length]
		}
		extension = next
		pos += length
	}
	pe.payloadPos = pos
	return pe, true
}

// outgoingPacket is one packet in a socket's outgoing ring. data holds the
// whole datagram; its first sizeofPacketHeader bytes are rewritten from
// header on every transmission.
type outgoingPacket struct {
	// length is the full datagram length including the header.
	length int
	// payload is the number of application bytes carried.
	payload       int
	timeSent      uint64 // microseconds
	transmissions uint32
	needResend    bool
	header        packetHeader
	data          []byte
}

// encodeSelAck builds the selective ack extension for mask m. The mask is
// transmitted little-endian.
func encodeSelAck(b []byte, m uint32) {
	b[0] = extNone
	b[1] = 4
	binary.LittleEndian.PutUint32(b[2:6], m)
}
