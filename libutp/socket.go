// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/go-logr/logr"
)

// ConnState is a point in the µTP protocol state diagram.
type ConnState int

const (
	csUninitialized ConnState = iota
	csIdle
	csSynSent
	csSynRecv
	csConnected
	csConnectedFull
	csReset
	csDestroy
)

var connStateNames = []string{
	"Uninitialized", "Idle", "SynSent", "SynRecv", "Connected", "ConnectedFull", "Reset", "Destroy",
}

func (cs ConnState) String() string {
	if cs < 0 || int(cs) >= len(connStateNames) {
		return fmt.Sprintf("ConnState(%d)", int(cs))
	}
	return connStateNames[cs]
}

// Socket represents a µTP socket, which roughly corresponds to one connection
// to an internet peer. It is important to distinguish µTP sockets from UDP
// sockets; many µTP sockets share one UDP socket through a Context.
//
// Sockets are created with (*Context).Create() for outgoing connections,
// followed by Connect(). Incoming connections are created by the Context
// while processing a SYN and handed to the host's AcceptHandler.
//
// Data is sent with Write or WriteV, which copy as much as the send window
// allows into packets and report how much was taken. When Write accepts less
// than it was given, the socket is ConnectedFull and the host will get
// OnStateChange(StateWritable) when more can be written.
//
// Received data is passed to Host.OnRead in order. After the application
// consumes buffered data, it should call ReadDrained so that the socket can
// advertise the larger receive window.
//
// None of the methods on a Socket are safe for concurrent use, and they must
// not run concurrently with any method of the owning Context.
type Socket struct {
	ctx      *Context
	addr     *net.UDPAddr
	addrKey  netip.AddrPort
	userdata interface{}

	// index in the context's deferred-ack list, or -1
	ida int

	reorderCount uint16
	duplicateAck int

	// the number of packets in the send queue. Packets that haven't
	// yet been sent count as well as packets marked as needing resend
	// the oldest un-acked packet in the send queue is seqNum - curWindowPackets
	curWindowPackets uint16

	// how much of the window is used, number of bytes in-flight
	// packets that have not yet been sent do not count, packets
	// that are marked as needing to be re-sent (due to a timeout)
	// don't count either
	curWindow int
	// maximum window size, in bytes
	maxWindow int
	// max receive window for other end, in bytes
	maxWindowUser int
	// SO_SNDBUF setting, in bytes
	optSendBufferSize int
	// SO_RCVBUF setting, in bytes
	optRecvBufferSize int
	// congestion control target delay, in microseconds
	targetDelay int

	// Is a FIN packet in the reassembly buffer?
	gotFin bool
	// Have we reached the FIN?
	gotFinReached bool
	// Have we sent our FIN?
	finSent bool
	// Has our FIN been acked?
	finSentAcked bool
	// Reading is disabled
	readShutdown bool
	// User called Close()
	closeRequested bool
	// Timeout procedure
	fastTimeout bool

	state ConnState
	// time when we last decayed window
	lastRWinDecay uint64

	// the sequence number of the FIN packet. This field is only set
	// when we have received a FIN, and the flag field has the FIN flag set.
	// it is used to know when it is safe to destroy the socket, we must have
	// received all packets up to this sequence number first.
	eofPacket uint16

	// All sequence numbers up to including this have been properly received
	// by us
	ackNum uint16
	// This is the sequence number for the next packet to be sent.
	seqNum uint16

	timeoutSeqNum uint16

	// This is the sequence number of the next packet we're allowed to
	// do a fast resend with. This makes sure we only do a fast-resend
	// once per packet. We can resend the packet with this sequence number
	// or any later packet (with a higher sequence number).
	fastResendSeqNum uint16

	replyMicro uint32

	lastGotPacket      uint64
	lastSentPacket     uint64
	lastMeasuredDelay  uint64
	lastMaxedOutWindow uint64

	// clock drift tracking. averageDelay is the average of the samples in
	// the last averageDelayInterval, relative to averageDelayBase.
	averageSampleTime   uint64
	averageDelay        int32
	currentDelaySum     int64
	currentDelaySamples int
	averageDelayBase    uint32
	clockDrift          int32
	clockDriftRaw       int32

	// Round trip time
	rtt uint32
	// Round trip time variance
	rttVariance uint32
	// Round trip timeout
	rto               uint32
	rttHist           delayHist
	retransmitTimeout uint32
	// The RTO timer will timeout here.
	rtoTimeout uint64
	// When the window size is set to zero, start this timer. It will send a new packet every 30secs.
	zeroWindowTime uint64
	retransmitCount int

	connSeed uint16
	// Connection ID for packets I receive
	connIDRecv uint16
	// Connection ID for packets I send
	connIDSend uint16
	// Last rcv window we advertised, in bytes
	lastRcvWin int

	ourHist   delayHist
	theirHist delayHist

	// extension bytes from SYN packet
	extensions [extBitsLen]byte

	// MTU Discovery
	// time when we should restart the MTU discovery
	mtuDiscoverTime uint64
	// ceiling and floor of binary search. last is the mtu size
	// we're currently using
	mtuCeiling int
	mtuFloor   int
	mtuLast    int
	// we only ever have a single probe in flight at any given time.
	// this is the sequence number of that probe, and the size of
	// that packet
	mtuProbeSeq  uint16
	mtuProbeSize int

	// slow start
	slowStart bool
	ssthresh  int

	inbuf  sizableCircularBuffer[[]byte]
	outbuf sizableCircularBuffer[*outgoingPacket]

	stats Stats

	logger logr.Logger
}

func newSocket(ctx *Context) *Socket {
	s := &Socket{
		ctx:               ctx,
		ida:               -1,
		state:             csUninitialized,
		seqNum:            1,
		ackNum:            0,
		maxWindowUser:     255 * packetSize,
		rto:               initialRTO,
		rttVariance:       initialRTTVariance,
		targetDelay:       ctx.targetDelay,
		optSendBufferSize: ctx.optSendBufferSize,
		optRecvBufferSize: ctx.optRecvBufferSize,
		slowStart:         true,
		ssthresh:          ctx.optSendBufferSize,
		inbuf:             newSizableCircularBuffer[[]byte](),
		outbuf:            newSizableCircularBuffer[*outgoingPacket](),
		logger:            ctx.logger,
	}
	return s
}

// initialize binds the socket to a peer and enters it into the socket
// table. When needSeedGen is set, a random 16-bit seed that is not yet in
// use with this peer is added to both connection IDs.
func (s *Socket) initialize(addr *net.UDPAddr, needSeedGen bool, connSeed, connIDRecv, connIDSend uint16) {
	s.addr = addr
	s.addrKey = addrPortOf(addr)

	if needSeedGen {
		for {
			connSeed = uint16(s.ctx.host.Random(s))
			if s.ctx.lookup(s.addrKey, connSeed) == nil {
				break
			}
		}
		connIDRecv += connSeed
		connIDSend += connSeed
	}

	s.state = csIdle
	s.connSeed = connSeed
	s.connIDRecv = connIDRecv
	s.connIDSend = connIDSend

	now := s.ctx.updateMS(s)
	s.lastGotPacket = now
	s.lastSentPacket = now
	s.lastMeasuredDelay = now + 0x70000000
	s.averageSampleTime = now + averageDelayInterval
	s.lastRWinDecay = now - maxWindowDecay

	s.ourHist.clear(now)
	s.theirHist.clear(now)
	s.rttHist.clear(now)

	// initialize MTU floor and ceiling
	s.mtuReset()
	s.mtuLast = s.mtuCeiling

	s.logger = s.ctx.logger.WithValues("peer", addr.String(), "recvID", s.connIDRecv)
	s.ctx.insert(s)

	// we need to fit one packet in the window when we start the connection
	s.maxWindow = s.getPacketSize()
	s.clampWindow()
	s.log(logNormal, "socket initialized", "sendID", s.connIDSend, "seed", s.connSeed)
}

// clampWindow keeps maxWindow within the send buffer, but never below
// minWindowSize even when the buffer is smaller than that.
func (s *Socket) clampWindow() {
	s.maxWindow = clamp(minWindowSize, s.maxWindow, max(s.optSendBufferSize, minWindowSize))
}

// Connect starts an outgoing connection to addr. It may only be called once,
// on a socket obtained from (*Context).Create(); otherwise the socket is
// moved to the Destroy state and ErrInvalidState is returned.
func (s *Socket) Connect(to *net.UDPAddr) error {
	if s.state != csUninitialized {
		s.state = csDestroy
		return ErrInvalidState
	}
	s.initialize(to, true, 0, 0, 1)
	utpAssert(s.curWindowPackets == 0)

	s.state = csSynSent
	now := s.ctx.updateMS(s)

	s.log(logNormal, "connecting", "connSeed", s.connSeed, "packetSize", packetSize,
		"targetDelay", s.targetDelay/1000, "delayHistory", delayBaseHistory)

	// Setup initial timeout timer.
	s.retransmitTimeout = initialRTO
	s.rtoTimeout = now + uint64(s.retransmitTimeout)
	s.lastRcvWin = s.getRcvWindow()
	s.seqNum = uint16(s.ctx.host.Random(s))
	s.fastResendSeqNum = s.seqNum

	pkt := &outgoingPacket{
		length: sizeofPacketHeader,
		header: packetHeader{
			ptype:      stSyn,
			version:    protocolVersion,
			ext:        extNone,
			connID:     s.connIDRecv,
			windowSize: uint32(s.lastRcvWin),
			seqNum:     s.seqNum,
		},
		data: make([]byte, sizeofPacketHeader),
	}

	s.outbuf.ensureSize(int(s.seqNum), int(s.curWindowPackets))
	s.outbuf.put(int(s.seqNum), pkt)
	s.seqNum++
	s.curWindowPackets++

	s.sendPacket(pkt)
	return nil
}

// getRcvWindow calculates the current receive window.
func (s *Socket) getRcvWindow() int {
	// Trim window down according to what's already in buffer.
	numBuf := s.ctx.host.ReadBufferSize(s)
	utpAssert(numBuf >= 0)
	if s.optRecvBufferSize > numBuf {
		return s.optRecvBufferSize - numBuf
	}
	return 0
}

// getUDPMTU returns the largest UDP payload that can be sent to the peer.
func (s *Socket) getUDPMTU() int {
	if s.ctx.pathInfo != nil {
		if mtu := s.ctx.pathInfo.UDPMTU(s, s.addr); mtu > 0 {
			return mtu
		}
	}
	return int(GetUDPMTU(s.addr))
}

// getUDPOverhead returns the number of bytes of overhead that apply to each
// UDP packet sent (the size of a UDP header plus IPv4 or IPv6 overhead).
func (s *Socket) getUDPOverhead() int {
	if s.ctx.pathInfo != nil {
		if n := s.ctx.pathInfo.UDPOverhead(s, s.addr); n > 0 {
			return n
		}
	}
	return int(GetUDPOverhead(s.addr))
}

// getOverhead returns the number of bytes of overhead that apply to each µTP
// packet sent: getUDPOverhead() plus the size of the µTP header.
func (s *Socket) getOverhead() int {
	return s.getUDPOverhead() + sizeofPacketHeader
}

func (s *Socket) overhead(send bool, n int, bwType BandwidthType) {
	if s.ctx.overheadHandler != nil {
		s.ctx.overheadHandler.OnOverheadStatistics(s, send, n, bwType)
	}
}

func (s *Socket) scheduleAck() {
	if s.ida == -1 {
		s.log(logDebug, "schedule_ack")
		s.ida = s.ctx.appendAckSocket(s)
	} else {
		s.log(logDebug, "schedule_ack: already in list")
	}
}

func (s *Socket) log(cat logCategory, msg string, keysAndValues ...interface{}) {
	if !s.ctx.wouldLog(cat) {
		return
	}
	s.logger.V(logVerbosity[cat]).Info(msg, keysAndValues...)
}

// PeerAddr returns the address of the remote end, or nil if the socket has
// not been connected.
func (s *Socket) PeerAddr() *net.UDPAddr {
	return s.addr
}

// Delays reports the current queuing delay estimates in both directions
// (microseconds) and the age of the last delay measurement (milliseconds).
func (s *Socket) Delays() (ours, theirs, age uint32, err error) {
	if s.state == csUninitialized {
		return 0, 0, 0, ErrInvalidState
	}
	return s.ourHist.getValue(), s.theirHist.getValue(), uint32(s.ctx.currentMS - s.lastMeasuredDelay), nil
}

// Stats returns a snapshot of the socket's counters.
func (s *Socket) Stats() Stats {
	stats := s.stats
	if s.mtuLast != 0 {
		stats.MTUGuess = uint32(s.mtuLast)
	} else {
		stats.MTUGuess = uint32(s.mtuCeiling)
	}
	return stats
}

// SetSockOpt changes a per-socket option. Supported options are
// OptionSendBuffer, OptionRecvBuffer and OptionTargetDelay.
func (s *Socket) SetSockOpt(opt Option, val int) error {
	switch opt {
	case OptionSendBuffer:
		if val < 1 {
			return ErrInvalidOptionValue
		}
		s.optSendBufferSize = val
		s.clampWindow()
	case OptionRecvBuffer:
		if val < 1 {
			return ErrInvalidOptionValue
		}
		s.optRecvBufferSize = val
	case OptionTargetDelay:
		s.targetDelay = val
	default:
		return ErrUnknownOption
	}
	return nil
}

// GetSockOpt returns the value of a per-socket option.
func (s *Socket) GetSockOpt(opt Option) (int, error) {
	switch opt {
	case OptionSendBuffer:
		return s.optSendBufferSize, nil
	case OptionRecvBuffer:
		return s.optRecvBufferSize, nil
	case OptionTargetDelay:
		return s.targetDelay, nil
	}
	return 0, ErrUnknownOption
}

// SetUserdata attaches an arbitrary value to the socket.
func (s *Socket) SetUserdata(userdata interface{}) {
	s.userdata = userdata
}

// Userdata returns the value set with SetUserdata.
func (s *Socket) Userdata() interface{} {
	return s.userdata
}

// Context returns the Context that owns the socket.
func (s *Socket) Context() *Context {
	return s.ctx
}

// ConnState returns the protocol state of the socket, for diagnostics.
func (s *Socket) ConnState() ConnState {
	return s.state
}

func (s *Socket) String() string {
	return fmt.Sprintf("%p(%s/%d)", s, s.addr, s.connIDRecv)
}
