// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import (
	"errors"
	"net"
)

// State represents the state of a µTP socket as seen by the application. It
// is important to distinguish this type from ConnState, which is the state
// of a µTP _connection_. State conveys what a socket is prepared to do,
// while ConnState indicates a point in the µTP protocol state diagram. For
// most purposes, code using this package will only need to deal with State.
type State int

const (
	// StateConnect is delivered once when an outgoing connection has been
	// acknowledged by the remote end (and no ConnectHandler is installed).
	// This state implies writability.
	StateConnect State = 1
	// StateWritable is the state wherein a socket is able to send more data.
	StateWritable State = 2
	// StateEOF is the state used for a socket when the remote side has
	// finished sending and every byte up to its FIN has been delivered.
	StateEOF State = 3
	// StateDestroying indicates that the socket is being destroyed. It is not
	// valid to refer to the socket after this state change occurs.
	StateDestroying State = 4
)

var stateNames = []string{"", "StateConnect", "StateWritable", "StateEOF", "StateDestroying"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "StateUnknown"
	}
	return stateNames[s]
}

// ShutdownHow selects which halves of a connection Shutdown closes.
type ShutdownHow int

const (
	// ShutdownRead stops delivering incoming data to the application.
	ShutdownRead ShutdownHow = iota
	// ShutdownWrite sends a FIN once all queued data.
	ShutdownWrite
	// ShutdownBoth does both.
	ShutdownBoth
)

// SendFlags modify how the host should transmit a datagram.
type SendFlags int

// SendDontFragment asks the host to send the datagram with the
// don't-fragment bit set. It is used for MTU probes.
const SendDontFragment SendFlags = 1

var (
	// ErrNotConnected is returned when writing to a socket that is not
	// connected.
	ErrNotConnected = errors.New("µTP socket not connected")
	// ErrWriteAfterShutdown is returned when writing to a socket that has
	// already sent its FIN.
	ErrWriteAfterShutdown = errors.New("write after µTP shutdown")
	// ErrInvalidState is returned when an operation is not valid in the
	// current state of the socket.
	ErrInvalidState = errors.New("invalid µTP socket state for this operation")
	// ErrUnknownOption is returned by the option accessors for options they
	// do not support.
	ErrUnknownOption = errors.New("unknown µTP option")
	// ErrInvalidOptionValue is returned when an option value is out of range.
	ErrInvalidOptionValue = errors.New("invalid µTP option value")
)

// Host supplies every capability the engine needs from the outside world.
// A Host is handed to NewContext and is called synchronously from inside
// engine entry points. The socket argument is nil for calls that are not
// about a particular socket.
type Host interface {
	// SendTo transmits one datagram. b must not be retained after SendTo
	// returns.
	SendTo(s *Socket, b []byte, to *net.UDPAddr, flags SendFlags)
	// Milliseconds returns a monotonic clock reading in milliseconds.
	Milliseconds(s *Socket) uint64
	// Microseconds returns a monotonic clock reading in microseconds.
	Microseconds(s *Socket) uint64
	// Random returns a random 32-bit value.
	Random(s *Socket) uint32
	// OnRead delivers in-order application data. b must not be retained.
	OnRead(s *Socket, b []byte)
	// OnStateChange reports a new application-visible State.
	OnStateChange(s *Socket, state State)
	// OnError reports a fatal connection error: syscall.ECONNREFUSED,
	// syscall.ECONNRESET or syscall.ETIMEDOUT. The host is responsible for
	// calling Close if appropriate.
	OnError(s *Socket, err error)
	// ReadBufferSize returns how many received bytes the application has
	// not consumed yet. It determines the advertised receive window.
	ReadBufferSize(s *Socket) int
}

// AcceptHandler is implemented by hosts that accept incoming connections.
// Without it, incoming SYN packets are ignored.
type AcceptHandler interface {
	OnAccept(s *Socket, from *net.UDPAddr)
}

// ConnectHandler is implemented by hosts that want a dedicated notification
// when an outgoing connection completes. Without it, the host gets
// OnStateChange(StateConnect) instead.
type ConnectHandler interface {
	OnConnect(s *Socket)
}

// FirewallHandler can veto incoming connections. Returning true blocks the
// connection attempt.
type FirewallHandler interface {
	OnFirewall(from *net.UDPAddr) bool
}

// PathInfo lets a host report path properties. Without it, conservative
// defaults are used (see GetUDPMTU and GetUDPOverhead).
type PathInfo interface {
	// UDPMTU is the largest UDP payload that can be sent to addr.
	UDPMTU(s *Socket, addr *net.UDPAddr) int
	// UDPOverhead is the number of bytes of IP+UDP framing added to each
	// datagram sent to addr.
	UDPOverhead(s *Socket, addr *net.UDPAddr) int
}

// OverheadHandler receives per-class byte accounting for every datagram.
type OverheadHandler interface {
	OnOverheadStatistics(s *Socket, send bool, n int, bwType BandwidthType)
}

// DelaySampleHandler receives each queuing delay estimate fed into the
// congestion controller, in milliseconds.
type DelaySampleHandler interface {
	OnDelaySample(s *Socket, ms int)
}

// Stats holds per-socket counters.
type Stats struct {
	NBytesRecv uint64 // total bytes received
	NBytesXmit uint64 // total bytes transmitted
	ReXmit     uint32 // retransmit counter
	FastReXmit uint32 // fast retransmit counter
	NXmit      uint32 // transmit counter
	NRecv      uint32 // receive counter (total)
	NDupRecv   uint32 // duplicate receive counter
	MTUGuess   uint32 // Best guess at MTU
}

func (s *Stats) transmitted(length int) {
	s.NXmit++
	s.NBytesXmit += uint64(length)
}

func (s *Stats) received(length int) {
	s.NRecv++
	s.NBytesRecv += uint64(length)
}

// GlobalStats holds per-Context counters of raw datagrams, kept as totals
// for each of 5 size buckets:
//
// bucket[0] :  size >    0 && size <=   23 bytes
// bucket[1] :  size >   23 && size <=  373 bytes
// bucket[2] :  size >  373 && size <=  723 bytes
// bucket[3] :  size >  723 && size <= 1400 bytes
// bucket[4] :  size > 1400 && size <   MTU bytes
//
// The µTP header is included in the packet size.
type GlobalStats struct {
	// NumRawRecv keeps a total of all packets received in each size bucket.
	NumRawRecv [5]uint32
	// NumRawSend keeps a total of all packets sent in each size bucket.
	NumRawSend [5]uint32
}

// these packet sizes are including the µTP header
const (
	packetSizeEmptyBucket = 0
	packetSizeEmpty       = 23
	packetSizeSmallBucket = 1
	packetSizeSmall       = 373
	packetSizeMidBucket   = 2
	packetSizeMid         = 723
	packetSizeBigBucket   = 3
	packetSizeBig         = 1400
	packetSizeHugeBucket  = 4
)

func sizeBucket(length int) int {
	switch {
	case length <= packetSizeEmpty:
		return packetSizeEmptyBucket
	case length <= packetSizeSmall:
		return packetSizeSmallBucket
	case length <= packetSizeMid:
		return packetSizeMidBucket
	case length <= packetSizeBig:
		return packetSizeBigBucket
	}
	return packetSizeHugeBucket
}
