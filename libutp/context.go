// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import (
	"net"
	"net/netip"
	"syscall"

	"github.com/go-logr/logr"
)

type logCategory int

const (
	logNormal logCategory = iota
	logMTU
	logDebug
)

// logVerbosity maps each engine log category to a logr verbosity level.
var logVerbosity = [...]int{
	logNormal: 1,
	logMTU:    2,
	logDebug:  5,
}

type socketKey struct {
	addr netip.AddrPort
	id   uint16
}

type rstInfo struct {
	addr      netip.AddrPort
	connID    uint16
	ackNum    uint16
	timestamp uint64
}

// Context holds the state shared by all µTP sockets multiplexed over one
// UDP socket: the socket table, the list of sockets with a deferred ack,
// and the cache of recently sent resets.
//
// A Context does no I/O and starts no goroutines. The host feeds it with
// ProcessUDP (and the ICMP variants) for every datagram received, calls
// IssueDeferredAcks after each batch of datagrams, and calls CheckTimeouts
// every 500ms or so. None of the methods on a Context or its sockets may
// be called concurrently.
type Context struct {
	host            Host
	acceptHandler   AcceptHandler
	connectHandler  ConnectHandler
	firewallHandler FirewallHandler
	pathInfo        PathInfo
	overheadHandler OverheadHandler
	delayHandler    DelaySampleHandler

	logger     logr.Logger
	logEnabled [len(logVerbosity)]bool

	targetDelay       int
	optSendBufferSize int
	optRecvBufferSize int

	currentMS uint64
	lastCheck uint64

	sockets    map[socketKey]*Socket
	lastSocket *Socket
	ackSockets []*Socket
	rstInfo    []rstInfo

	stats GlobalStats
}

// ContextOption configures a Context in NewContext.
type ContextOption func(*Context)

// WithLogger sets the logger used by the Context and its sockets. Engine log
// output is additionally gated by OptionLogNormal, OptionLogMTU and
// OptionLogDebug.
func WithLogger(logger logr.Logger) ContextOption {
	return func(c *Context) { c.logger = logger }
}

// WithTargetDelay sets the congestion control target delay, in
// microseconds, for sockets created afterwards.
func WithTargetDelay(us int) ContextOption {
	return func(c *Context) { c.targetDelay = us }
}

// WithSendBufferSize sets SO_SNDBUF for sockets created afterwards.
func WithSendBufferSize(n int) ContextOption {
	return func(c *Context) { c.optSendBufferSize = n }
}

// WithRecvBufferSize sets SO_RCVBUF for sockets created afterwards.
func WithRecvBufferSize(n int) ContextOption {
	return func(c *Context) { c.optRecvBufferSize = n }
}

// NewContext creates a Context that reaches the outside world through host.
// If host also implements any of AcceptHandler, ConnectHandler,
// FirewallHandler, PathInfo, OverheadHandler or DelaySampleHandler, those
// are used as well.
func NewContext(host Host, opts ...ContextOption) *Context {
	c := &Context{
		host:              host,
		logger:            logr.Discard(),
		targetDelay:       congestionControlTarget,
		optSendBufferSize: defaultBufferSize,
		optRecvBufferSize: defaultBufferSize,
		sockets:           make(map[socketKey]*Socket),
	}
	c.acceptHandler, _ = host.(AcceptHandler)
	c.connectHandler, _ = host.(ConnectHandler)
	c.firewallHandler, _ = host.(FirewallHandler)
	c.pathInfo, _ = host.(PathInfo)
	c.overheadHandler, _ = host.(OverheadHandler)
	c.delayHandler, _ = host.(DelaySampleHandler)
	for _, opt := range opts {
		opt(c)
	}
	if c.optSendBufferSize < 1 {
		c.optSendBufferSize = defaultBufferSize
	}
	if c.optRecvBufferSize < 1 {
		c.optRecvBufferSize = defaultBufferSize
	}
	return c
}

// Logger returns the logger in use by the Context.
func (c *Context) Logger() logr.Logger {
	return c.logger
}

// SetOption changes a Context-wide option. Buffer sizes and the target delay
// apply to sockets created afterwards.
func (c *Context) SetOption(opt Option, val int) error {
	switch opt {
	case OptionLogNormal:
		c.logEnabled[logNormal] = val != 0
	case OptionLogMTU:
		c.logEnabled[logMTU] = val != 0
	case OptionLogDebug:
		c.logEnabled[logDebug] = val != 0
	case OptionTargetDelay:
		c.targetDelay = val
	case OptionSendBuffer:
		if val < 1 {
			return ErrInvalidOptionValue
		}
		c.optSendBufferSize = val
	case OptionRecvBuffer:
		if val < 1 {
			return ErrInvalidOptionValue
		}
		c.optRecvBufferSize = val
	default:
		return ErrUnknownOption
	}
	return nil
}

// GetOption returns the value of a Context-wide option.
func (c *Context) GetOption(opt Option) (int, error) {
	boolToInt := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	switch opt {
	case OptionLogNormal:
		return boolToInt(c.logEnabled[logNormal]), nil
	case OptionLogMTU:
		return boolToInt(c.logEnabled[logMTU]), nil
	case OptionLogDebug:
		return boolToInt(c.logEnabled[logDebug]), nil
	case OptionTargetDelay:
		return c.targetDelay, nil
	case OptionSendBuffer:
		return c.optSendBufferSize, nil
	case OptionRecvBuffer:
		return c.optRecvBufferSize, nil
	}
	return 0, ErrUnknownOption
}

// GlobalStats returns a snapshot of the raw packet counters of the Context.
func (c *Context) GlobalStats() GlobalStats {
	return c.stats
}

// NumSockets returns the number of sockets in the socket table.
func (c *Context) NumSockets() int {
	return len(c.sockets)
}

// Create returns a new, unconnected socket. It becomes part of the Context
// once Connect is called on it.
func (c *Context) Create() *Socket {
	return newSocket(c)
}

// Destroy tears down every socket of the Context. Each gets a final
// OnStateChange(StateDestroying). The Context must not be used afterwards.
func (c *Context) Destroy() {
	for _, s := range c.sockets {
		c.destroySocket(s)
	}
	c.ackSockets = nil
	c.rstInfo = nil
	c.lastSocket = nil
}

func (c *Context) wouldLog(cat logCategory) bool {
	return c.logEnabled[cat] && c.logger.V(logVerbosity[cat]).Enabled()
}

func (c *Context) log(cat logCategory, msg string, keysAndValues ...interface{}) {
	if !c.wouldLog(cat) {
		return
	}
	c.logger.V(logVerbosity[cat]).Info(msg, keysAndValues...)
}

func (c *Context) updateMS(s *Socket) uint64 {
	c.currentMS = c.host.Milliseconds(s)
	return c.currentMS
}

// addrPortOf normalizes addr for use as a table key, so that an IPv4
// address and its IPv4-mapped IPv6 form find the same socket.
func addrPortOf(addr *net.UDPAddr) netip.AddrPort {
	if addr == nil {
		return netip.AddrPort{}
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (c *Context) lookup(addr netip.AddrPort, id uint16) *Socket {
	return c.sockets[socketKey{addr: addr, id: id}]
}

func (c *Context) insert(s *Socket) {
	key := socketKey{addr: s.addrKey, id: s.connIDRecv}
	_, exists := c.sockets[key]
	utpAssert(!exists)
	c.sockets[key] = s
}

// lookupAny finds the socket a reset or an ICMP report refers to. id is
// either the receive id or the send id of the socket. If it is the send
// id, the receive id is id+1 for connections we initiated and id-1 for
// connections we accepted.
func (c *Context) lookupAny(addr netip.AddrPort, id uint16) *Socket {
	if s := c.lookup(addr, id); s != nil {
		return s
	}
	if s := c.lookup(addr, id+1); s != nil && s.connIDSend == id {
		return s
	}
	if s := c.lookup(addr, id-1); s != nil && s.connIDSend == id {
		return s
	}
	return nil
}

func (c *Context) appendAckSocket(s *Socket) int {
	c.ackSockets = append(c.ackSockets, s)
	return len(c.ackSockets) - 1
}

// removeFromAckList swaps the last entry into the slot of s.
func (c *Context) removeFromAckList(s *Socket) {
	if s.ida < 0 {
		return
	}
	last := c.ackSockets[len(c.ackSockets)-1]
	utpAssert(last.ida < len(c.ackSockets))
	utpAssert(c.ackSockets[last.ida] == last)
	last.ida = s.ida
	c.ackSockets[s.ida] = last
	s.ida = -1
	c.ackSockets[len(c.ackSockets)-1] = nil
	c.ackSockets = c.ackSockets[:len(c.ackSockets)-1]
}

// IssueDeferredAcks sends an ack on every socket that has scheduled one.
// Hosts should call it after processing each batch of received datagrams.
func (c *Context) IssueDeferredAcks() {
	for len(c.ackSockets) > 0 {
		// sendAck removes the socket from the list
		c.ackSockets[0].sendAck()
	}
}

func (c *Context) sendTo(s *Socket, b []byte, to *net.UDPAddr, flags SendFlags) {
	c.stats.NumRawSend[sizeBucket(len(b))]++
	c.host.SendTo(s, b, to, flags)
}

func (c *Context) registerRecvPacket(s *Socket, length int) {
	s.stats.received(length)
	c.stats.NumRawRecv[sizeBucket(length)]++
}

// sendRST sends a reset to a peer that has no socket here.
func (c *Context) sendRST(addr *net.UDPAddr, connIDSend, ackNum, seqNum uint16) {
	h := packetHeader{
		ptype:   stReset,
		version: protocolVersion,
		ext:     extNone,
		connID:  connIDSend,
		seqNum:  seqNum,
		ackNum:  ackNum,
	}
	b := make([]byte, sizeofPacketHeader)
	if err := h.encodeToBytes(b); err != nil {
		panic(err)
	}
	c.log(logDebug, "sending RST", "peer", addr.String(), "id", connIDSend, "seq_nr", seqNum, "ack_nr", ackNum)
	c.sendTo(nil, b, addr, 0)
}

// ProcessUDP hands a received datagram to the Context. It returns true if
// the datagram was recognized as µTP (even if it was then discarded), and
// false if the host may want to handle it in some other way.
func (c *Context) ProcessUDP(b []byte, from *net.UDPAddr) bool {
	if len(b) < sizeofPacketHeader {
		c.log(logDebug, "recv too small", "peer", from.String(), "len", len(b))
		return false
	}
	var h packetHeader
	_ = h.decodeFromBytes(b)
	if !h.isV1() {
		c.log(logDebug, "recv unsupported version", "peer", from.String(), "len", len(b), "version", h.version)
		return false
	}
	key := addrPortOf(from)
	id := h.connID
	if c.wouldLog(logDebug) {
		c.log(logDebug, "recv", "peer", from.String(), "len", len(b), "id", id, "type", h.ptype, "seq_nr", h.seqNum, "ack_nr", h.ackNum)
	}

	if h.ptype == stReset {
		s := c.lookupAny(key, id)
		if s == nil {
			c.log(logDebug, "recv RST for unknown connection", "peer", from.String(), "id", id)
			return true
		}
		s.log(logDebug, "recv RST for existing connection")
		err := syscall.ECONNRESET
		if s.state == csSynSent {
			err = syscall.ECONNREFUSED
		}
		if s.closeRequested {
			s.state = csDestroy
		} else {
			s.state = csReset
		}
		s.overhead(false, len(b)+s.getUDPOverhead(), CloseOverhead)
		c.host.OnError(s, err)
		return true
	}

	if h.ptype != stSyn {
		var s *Socket
		if c.lastSocket != nil && c.lastSocket.addrKey == key && c.lastSocket.connIDRecv == id {
			s = c.lastSocket
		} else if s = c.lookup(key, id); s != nil {
			c.lastSocket = s
		}
		if s != nil {
			read := s.processIncoming(b, &h, false)
			s.overhead(false, len(b)-read+s.getUDPOverhead(), HeaderOverhead)
			return true
		}

		// We have not found a matching socket, and this isn't a SYN. Reject it.
		now := c.updateMS(nil)
		for i := range c.rstInfo {
			r := &c.rstInfo[i]
			if r.connID == id && r.addr == key && r.ackNum == h.seqNum {
				r.timestamp = now
				c.log(logDebug, "recv not sending RST to non-SYN (stored)", "peer", from.String(), "id", id)
				return true
			}
		}
		if len(c.rstInfo) > rstInfoLimit {
			c.log(logDebug, "recv not sending RST to non-SYN (limit reached)", "stored", len(c.rstInfo))
			return true
		}
		c.log(logDebug, "recv send RST to non-SYN", "stored", len(c.rstInfo))
		c.rstInfo = append(c.rstInfo, rstInfo{
			addr:      key,
			connID:    id,
			ackNum:    h.seqNum,
			timestamp: now,
		})
		c.sendRST(from, id, h.seqNum, uint16(c.host.Random(nil)))
		return true
	}

	if c.acceptHandler == nil {
		c.log(logDebug, "rejected incoming connection, no accept handler", "peer", from.String())
		return true
	}
	c.log(logDebug, "incoming connection", "peer", from.String())
	if s := c.lookup(key, id+1); s != nil {
		if s.state == csSynRecv {
			// our ack of the first SYN was lost
			s.log(logDebug, "recv duplicate SYN, resending connect ACK")
			s.sendAck()
			s.rtoTimeout = c.updateMS(s) + synRecvTimeout
			return true
		}
		c.log(logDebug, "rejected incoming connection, connection already exists", "peer", from.String())
		return true
	}
	if len(c.sockets) > incomingConnectionLimit {
		c.log(logDebug, "rejected incoming connection, too many sockets", "count", len(c.sockets))
		return true
	}
	// true means yes, block connection. false means no, don't block.
	if c.firewallHandler != nil && c.firewallHandler.OnFirewall(from) {
		c.log(logDebug, "rejected incoming connection, firewall returned true", "peer", from.String())
		return true
	}

	// Create a new µTP socket to handle this new connection
	s := newSocket(c)
	s.initialize(from, false, id, id+1, id)
	s.ackNum = h.seqNum
	s.seqNum = uint16(c.host.Random(nil))
	s.fastResendSeqNum = s.seqNum
	s.state = csSynRecv

	read := s.processIncoming(b, &h, true)
	s.log(logDebug, "recv send connect ACK")
	s.sendAck()
	// a peer that never acks the SYN-ACK is dropped when this fires
	s.retransmitTimeout = initialRTO
	s.rtoTimeout = c.updateMS(s) + synRecvTimeout

	c.acceptHandler.OnAccept(s, from)

	// overhead is reported after OnAccept, because the host has had a
	// chance to set up its state for the socket now
	s.overhead(false, len(b)-read+s.getUDPOverhead(), HeaderOverhead) // SYN
	s.overhead(true, s.getOverhead(), AckOverhead)                   // SYNACK
	return true
}

// parseICMPPayload finds the socket that sent the µTP packet quoted in an
// ICMP message. to is the destination of that packet.
func (c *Context) parseICMPPayload(b []byte, to *net.UDPAddr) *Socket {
	if len(b) < sizeofPacketHeader {
		c.log(logDebug, "ICMP payload too small", "peer", to.String(), "len", len(b))
		return nil
	}
	var h packetHeader
	_ = h.decodeFromBytes(b)
	if !h.isV1() {
		c.log(logDebug, "ICMP payload of unsupported version", "peer", to.String(), "version", h.version)
		return nil
	}
	s := c.lookupAny(addrPortOf(to), h.connID)
	if s == nil {
		c.log(logDebug, "ICMP for unknown connection", "peer", to.String(), "id", h.connID)
	}
	return s
}

// ProcessICMPFragmentation handles an ICMP "fragmentation needed" (or IPv6
// "packet too big") report. b is the quoted µTP packet, to is where that
// packet was sent, and nextHopMTU is the MTU reported by the router. It
// returns true if the report concerned one of our sockets.
func (c *Context) ProcessICMPFragmentation(b []byte, to *net.UDPAddr, nextHopMTU uint16) bool {
	s := c.parseICMPPayload(b, to)
	if s == nil {
		return false
	}
	s.processICMPFragmentation(int(nextHopMTU))
	return true
}

// ProcessICMPError handles an ICMP unreachable (or similar) report for a
// packet sent to to. b is the quoted µTP packet. The socket is reset and
// the host gets OnError. It returns true if the report concerned one of our
// sockets.
func (c *Context) ProcessICMPError(b []byte, to *net.UDPAddr) bool {
	s := c.parseICMPPayload(b, to)
	if s == nil {
		return false
	}
	err := syscall.ECONNRESET
	if s.state == csSynSent {
		err = syscall.ECONNREFUSED
	}
	if s.state == csIdle {
		s.log(logDebug, "ICMP from peer in state Idle, ignoring")
		return true
	}
	if s.closeRequested {
		s.log(logDebug, "ICMP from peer after close, setting state to Destroy")
		s.state = csDestroy
	} else {
		s.log(logDebug, "ICMP from peer, setting state to Reset")
		s.state = csReset
	}
	c.host.OnError(s, err)
	return true
}

// CheckTimeouts drives all timers: retransmissions, keepalives, window
// probing and the reaping of dead sockets. Calls less than 500ms after the
// previous effective call return immediately.
func (c *Context) CheckTimeouts() {
	now := c.updateMS(nil)
	if now-c.lastCheck < timeoutCheckInterval {
		return
	}
	c.lastCheck = now

	kept := c.rstInfo[:0]
	for _, r := range c.rstInfo {
		if now-r.timestamp < rstInfoTimeout {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(c.rstInfo); i++ {
		c.rstInfo[i] = rstInfo{}
	}
	c.rstInfo = kept

	for _, s := range c.sockets {
		s.checkTimeouts()
		// Check if the object was deleted
		if s.state == csDestroy {
			s.log(logDebug, "Destroying")
			c.destroySocket(s)
		}
	}
}

func (c *Context) destroySocket(s *Socket) {
	c.host.OnStateChange(s, StateDestroying)

	if c.lastSocket == s {
		c.lastSocket = nil
	}
	key := socketKey{addr: s.addrKey, id: s.connIDRecv}
	if c.sockets[key] == s {
		delete(c.sockets, key)
	}
	c.removeFromAckList(s)

	s.state = csDestroy
	s.inbuf = sizableCircularBuffer[[]byte]{}
	s.outbuf = sizableCircularBuffer[*outgoingPacket]{}
}
