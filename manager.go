// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"storj.io/utpcore/libutp"
)

const (
	defaultUTPConnBacklogSize = 5
	incomingQueueSize         = 32
	maxDatagramSize           = 64 * 1024
)

type receivedMessage struct {
	data     []byte
	fromAddr *net.UDPAddr
}

// socketManager owns one UDP socket and the engine Context multiplexed over
// it. It implements libutp.Host; the engine calls back into it with
// baseConnLock held.
type socketManager struct {
	ctx        *libutp.Context
	udpSocket  *net.UDPConn
	logger     logr.Logger
	opts       *connectOptions
	remoteAddr *net.UDPAddr
	started    time.Time

	// baseConnLock must be held for every call into ctx or any of its
	// sockets, and is held by the engine during every Host callback.
	baseConnLock sync.Mutex
	acceptClosed bool
	// errQueuePending is set when a send failed, so that the socket error
	// queue gets drained after the current engine call returns.
	errQueuePending bool

	refCountLock sync.Mutex
	refCount     int

	acceptChan     chan *Conn
	incoming       chan receivedMessage
	errQueueSignal chan struct{}

	cancel       context.CancelFunc
	group        *errgroup.Group
	groupCtx     context.Context
	pollInterval time.Duration
}

func newSocketManager(opts *connectOptions, network string, localAddr, remoteAddr *net.UDPAddr) (*socketManager, error) {
	switch network {
	case "utp", "utp4", "utp6":
	default:
		op := "dial"
		if remoteAddr == nil {
			op = "listen"
		}
		return nil, &net.OpError{Op: op, Net: network, Source: localAddr, Addr: remoteAddr, Err: net.UnknownNetworkError(network)}
	}

	udpSocket, err := net.ListenUDP("udp"+network[3:], localAddr)
	if err != nil {
		return nil, err
	}
	logger := opts.logger.WithValues("local-addr", udpSocket.LocalAddr())
	if err := setSocketOptions(udpSocket); err != nil {
		logger.V(1).Info("could not set socket options; path MTU discovery will rely on timeouts", "err", err)
	}

	groupCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(groupCtx)

	sm := &socketManager{
		udpSocket:      udpSocket,
		logger:         logger,
		opts:           opts,
		remoteAddr:     remoteAddr,
		started:        time.Now(),
		refCount:       1,
		incoming:       make(chan receivedMessage, incomingQueueSize),
		errQueueSignal: make(chan struct{}, 1),
		cancel:         cancel,
		group:          group,
		groupCtx:       groupCtx,
		pollInterval:   50 * time.Millisecond,
	}
	if remoteAddr == nil {
		sm.acceptChan = make(chan *Conn, defaultUTPConnBacklogSize)
	}

	ctxOpts := []libutp.ContextOption{
		libutp.WithLogger(logger.WithName("libutp")),
		libutp.WithRecvBufferSize(opts.bufferSize),
	}
	if opts.targetDelay > 0 {
		ctxOpts = append(ctxOpts, libutp.WithTargetDelay(opts.targetDelay))
	}
	sm.ctx = libutp.NewContext(sm, ctxOpts...)
	// the engine still checks logger verbosity before emitting anything
	for _, opt := range []libutp.Option{libutp.OptionLogNormal, libutp.OptionLogMTU, libutp.OptionLogDebug} {
		if err := sm.ctx.SetOption(opt, 1); err != nil {
			return nil, multierr.Combine(err, udpSocket.Close())
		}
	}
	return sm, nil
}

func (sm *socketManager) start() {
	sm.group.Go(func() error {
		return sm.udpMessageReceiver(sm.groupCtx)
	})
	sm.group.Go(func() error {
		return sm.socketManagement(sm.groupCtx)
	})
}

func (sm *socketManager) LocalAddr() net.Addr {
	return sm.udpSocket.LocalAddr()
}

// socketManagement feeds received datagrams into the engine and drives its
// timers until ctx is done.
func (sm *socketManager) socketManagement(ctx context.Context) error {
	ticker := time.NewTicker(sm.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-sm.incoming:
			sm.processIncomingPackets(msg)
		case <-ticker.C:
			sm.checkTimeouts()
		case <-sm.errQueueSignal:
			sm.baseConnLock.Lock()
			sm.processUDPErrorQueue()
			sm.baseConnLock.Unlock()
		}
	}
}

// processIncomingPackets hands msg and every other datagram already queued
// to the engine, then lets it send the acks it deferred.
func (sm *socketManager) processIncomingPackets(msg receivedMessage) {
	sm.baseConnLock.Lock()
	defer sm.baseConnLock.Unlock()

	sm.ctx.ProcessUDP(msg.data, msg.fromAddr)
drain:
	for {
		select {
		case msg = <-sm.incoming:
			sm.ctx.ProcessUDP(msg.data, msg.fromAddr)
		default:
			break drain
		}
	}
	sm.ctx.IssueDeferredAcks()
	sm.afterEngineCall()
}

func (sm *socketManager) checkTimeouts() {
	sm.baseConnLock.Lock()
	defer sm.baseConnLock.Unlock()
	sm.ctx.CheckTimeouts()
	sm.afterEngineCall()
}

// afterEngineCall drains the socket error queue if a send failed during the
// last engine call. baseConnLock must be held.
func (sm *socketManager) afterEngineCall() {
	if sm.errQueuePending {
		sm.errQueuePending = false
		sm.processUDPErrorQueue()
	}
}

// udpMessageReceiver reads datagrams off the UDP socket until it is closed.
func (sm *socketManager) udpMessageReceiver(ctx context.Context) error {
	b := make([]byte, maxDatagramSize)
	oob := make([]byte, 512)
	for {
		n, _, flags, addr, err := sm.udpSocket.ReadMsgUDP(b, oob)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			// a failed read is usually an ICMP report waiting in the
			// socket error queue
			sm.logger.V(1).Info("UDP read failed", "err", err)
			select {
			case sm.errQueueSignal <- struct{}{}:
			default:
			}
			continue
		}
		if flags&flagTruncated != 0 {
			sm.logger.V(1).Info("dropping truncated datagram", "from", addr, "len", n)
			continue
		}
		msg := receivedMessage{
			data:     append([]byte(nil), b[:n]...),
			fromAddr: addr,
		}
		select {
		case sm.incoming <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// processICMPPacket hands a raw ICMPv4 message to the engine if it quotes a
// datagram sent from this manager's UDP socket.
func (sm *socketManager) processICMPPacket(raw []byte) bool {
	msg, err := parseICMPv4(raw)
	if err != nil {
		sm.logger.V(1).Info("ignoring ICMP message", "err", err)
		return false
	}
	if msg.srcPort != sm.udpSocket.LocalAddr().(*net.UDPAddr).Port {
		return false
	}
	sm.baseConnLock.Lock()
	defer sm.baseConnLock.Unlock()
	defer sm.afterEngineCall()
	if msg.fragmentation {
		return sm.ctx.ProcessICMPFragmentation(msg.payload, msg.to, msg.nextHopMTU)
	}
	return sm.ctx.ProcessICMPError(msg.payload, msg.to)
}

func (sm *socketManager) readDrained(c *Conn) {
	sm.baseConnLock.Lock()
	defer sm.baseConnLock.Unlock()
	if c.baseConn != nil {
		c.baseConn.ReadDrained()
	}
}

// stopAccepting closes the accept channel; incoming connections are
// refused from now on.
func (sm *socketManager) stopAccepting() {
	sm.baseConnLock.Lock()
	defer sm.baseConnLock.Unlock()
	if !sm.acceptClosed {
		sm.acceptClosed = true
		close(sm.acceptChan)
	}
}

func (sm *socketManager) incrementReferences() {
	sm.refCountLock.Lock()
	sm.refCount++
	sm.refCountLock.Unlock()
}

func (sm *socketManager) decrementReferences() error {
	sm.refCountLock.Lock()
	sm.refCount--
	refCount := sm.refCount
	sm.refCountLock.Unlock()

	if refCount == 0 {
		return sm.internalClose()
	}
	if refCount < 0 {
		return errors.New("socketManager closed too many times")
	}
	return nil
}

// internalClose stops the goroutines, closes the UDP socket and tears down
// whatever is left in the engine.
func (sm *socketManager) internalClose() error {
	sm.cancel()
	err := multierr.Combine(sm.udpSocket.Close(), sm.group.Wait())

	sm.baseConnLock.Lock()
	defer sm.baseConnLock.Unlock()
	sm.ctx.Destroy()
	if sm.acceptChan != nil && !sm.acceptClosed {
		sm.acceptClosed = true
		close(sm.acceptChan)
	}
	sm.logger.V(1).Info("socket manager closed")
	return err
}

func connOf(s *libutp.Socket) *Conn {
	c, _ := s.Userdata().(*Conn)
	return c
}

// SendTo implements libutp.Host.
func (sm *socketManager) SendTo(s *libutp.Socket, b []byte, to *net.UDPAddr, flags libutp.SendFlags) {
	if _, err := sm.udpSocket.WriteToUDP(b, to); err != nil {
		sm.logger.V(1).Info("UDP send failed", "to", to, "len", len(b), "err", err)
		sm.errQueuePending = true
	}
}

// Milliseconds implements libutp.Host.
func (sm *socketManager) Milliseconds(*libutp.Socket) uint64 {
	return uint64(sm.elapsed() / time.Millisecond)
}

// Microseconds implements libutp.Host.
func (sm *socketManager) Microseconds(*libutp.Socket) uint64 {
	return uint64(sm.elapsed() / time.Microsecond)
}

// elapsed starts at one second; timestamps of zero mean "missing" on the
// wire.
func (sm *socketManager) elapsed() time.Duration {
	return time.Since(sm.started) + time.Second
}

// Random implements libutp.Host.
func (sm *socketManager) Random(*libutp.Socket) uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("can't read from random source: %v", err))
	}
	return binary.LittleEndian.Uint32(b[:])
}

// OnRead implements libutp.Host.
func (sm *socketManager) OnRead(s *libutp.Socket, b []byte) {
	c := connOf(s)
	if c == nil {
		return
	}
	if !c.readBuffer.TryAppend(b) {
		// the advertised window should make this impossible
		err := fmt.Errorf("read buffer overflow: %d bytes with %d available", len(b), c.readBuffer.SpaceAvailable())
		c.logger.Error(err, "dropping connection")
		c.setEncounteredError(c.opError("read", err))
		c.readBuffer.Close()
		c.writeBuffer.Close()
	}
}

// ReadBufferSize implements libutp.Host.
func (sm *socketManager) ReadBufferSize(s *libutp.Socket) int {
	c := connOf(s)
	if c == nil {
		return 0
	}
	return c.readBuffer.SpaceUsed()
}

// OnStateChange implements libutp.Host.
func (sm *socketManager) OnStateChange(s *libutp.Socket, state libutp.State) {
	c := connOf(s)
	if c == nil {
		return
	}
	c.logger.V(2).Info("state change", "state", state)
	switch state {
	case libutp.StateConnect:
		c.writable = true
		c.markConnected()
		c.flushWrites()
	case libutp.StateWritable:
		c.writable = true
		c.flushWrites()
	case libutp.StateEOF:
		c.stateLock.Lock()
		c.remoteIsDone = true
		c.stateDebugLogLocked("got EOF")
		c.stateLock.Unlock()
		c.readBuffer.Close()
	case libutp.StateDestroying:
		c.baseConn = nil
		c.writable = false
		c.markConnected()
		c.readBuffer.Close()
		c.writeBuffer.Close()
		close(c.destroyedChan)
	}
}

// OnError implements libutp.Host.
func (sm *socketManager) OnError(s *libutp.Socket, err error) {
	c := connOf(s)
	if c == nil {
		_ = s.Close()
		return
	}
	c.logger.V(1).Info("connection failed", "err", err)
	op := "read"
	c.stateLock.Lock()
	if c.connecting {
		op = "dial"
	}
	c.stateLock.Unlock()
	c.setEncounteredError(c.opError(op, err))
	c.markConnected()
	c.readBuffer.Close()
	c.writeBuffer.Close()
	if !c.libutpClosed {
		c.libutpClosed = true
		if closeErr := s.Close(); closeErr != nil {
			c.logger.V(1).Info("close after error", "err", closeErr)
		}
	}
}

// OnAccept implements libutp.AcceptHandler.
func (sm *socketManager) OnAccept(s *libutp.Socket, from *net.UDPAddr) {
	if sm.acceptChan == nil || sm.acceptClosed {
		_ = s.Close()
		return
	}
	conn := newConn(sm, sm.opts.logger.WithValues("remote-addr", from), from, sm.opts.bufferSize)
	conn.baseConn = s
	s.SetUserdata(conn)
	conn.markConnected()

	sm.incrementReferences()
	select {
	case sm.acceptChan <- conn:
	default:
		// the backlog is full; the engine reaps the socket on its next
		// timeout check and the reference is dropped after that
		sm.logger.V(1).Info("accept backlog full; dropping connection", "from", from)
		conn.willClose = true
		conn.libutpClosed = true
		_ = s.Close()
		go func() {
			<-conn.destroyedChan
			_ = sm.decrementReferences()
		}()
	}
}

// OnFirewall implements libutp.FirewallHandler.
func (sm *socketManager) OnFirewall(from *net.UDPAddr) bool {
	if sm.acceptChan == nil || sm.acceptClosed {
		return true
	}
	return sm.opts.firewall != nil && sm.opts.firewall((*Addr)(from))
}

// UDPMTU implements libutp.PathInfo.
func (sm *socketManager) UDPMTU(s *libutp.Socket, addr *net.UDPAddr) int {
	return sm.opts.udpMTU
}

// UDPOverhead implements libutp.PathInfo.
func (sm *socketManager) UDPOverhead(s *libutp.Socket, addr *net.UDPAddr) int {
	if addr.IP.To4() != nil {
		return 20 + 8
	}
	return 40 + 8
}

var (
	_ libutp.Host            = (*socketManager)(nil)
	_ libutp.AcceptHandler   = (*socketManager)(nil)
	_ libutp.FirewallHandler = (*socketManager)(nil)
	_ libutp.PathInfo        = (*socketManager)(nil)
)

// markConnected wakes a pending dial. It is safe to call more than once.
func (c *Conn) markConnected() {
	select {
	case <-c.connectedChan:
	default:
		close(c.connectedChan)
	}
}

// isSocketError reports whether err is a socket-level error reported
// through the error queue.
func isSocketError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH)
}
