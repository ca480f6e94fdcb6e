// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package utp provides net.Conn and net.Listener implementations that speak
// µTP over UDP, using the engine in storj.io/utpcore/libutp.
package utp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"storj.io/utpcore/buffers"
	"storj.io/utpcore/libutp"
)

// Size of the read and write buffers of each Conn, by default. These are
// separate from the "send buffer" in libutp, which is for managing flow
// control window sizes.
const (
	defaultBufferSize = 200000

	// the peer may probe a closed window with one more packet than the
	// window we advertised allows
	readBufferSlack = 64 * 1024
)

// Addr is a µTP address.
type Addr net.UDPAddr

// Network returns the network type ("utp").
func (a *Addr) Network() string { return "utp" }

// String returns the address formatted as a string.
func (a *Addr) String() string { return (*net.UDPAddr)(a).String() }

// ResolveUTPAddr resolves a µTP address. network must be "utp", "utp4" or
// "utp6".
func ResolveUTPAddr(network, address string) (*Addr, error) {
	switch network {
	case "utp", "utp4", "utp6":
		udpNetwork := "udp" + network[3:]
		udpAddr, err := net.ResolveUDPAddr(udpNetwork, address)
		if err != nil {
			return nil, err
		}
		return (*Addr)(udpAddr), nil
	}
	return nil, net.UnknownNetworkError(network)
}

// Conn is a µTP connection.
type Conn struct {
	utpSocket

	remoteAddr *net.UDPAddr
	logger     logr.Logger

	// the fields below are protected by manager.baseConnLock.
	baseConn *libutp.Socket
	// writable is set once the engine accepts writes on baseConn.
	writable bool
	// libutpClosed is set once baseConn.Close has been called.
	libutpClosed bool
	// shutdownSent is set once the write half has been shut down in the
	// engine.
	shutdownSent bool
	// pending holds bytes taken out of writeBuffer that the engine has not
	// accepted yet.
	pending    []byte
	pendingBuf []byte

	// set to true if the socket will close once the write buffer is empty
	willClose bool
	// set to true when CloseWrite has been called
	willShutdownWrite bool
	// set to true when the socket has been closed by the remote side (or the
	// conn has experienced a timeout or other fatal error)
	remoteIsDone bool
	// set to true if a read call is pending
	readPending bool
	// set to true if a write call is pending
	writePending bool

	readDeadline  time.Time
	writeDeadline time.Time

	// readBuffer holds data received from the peer that the application has
	// not read yet.
	readBuffer *buffers.SyncCircularBuffer
	// writeBuffer holds data written by the application that has not been
	// handed to the engine yet.
	writeBuffer *buffers.SyncCircularBuffer

	// connectedChan is closed when the connection is established or fails.
	connectedChan chan struct{}
	// destroyedChan is closed once baseConn has been destroyed.
	destroyedChan chan struct{}
}

// Listener is a µTP listener.
type Listener struct {
	utpSocket

	acceptChan <-chan *Conn
}

// utpSocket is shared functionality between Conn and Listener.
type utpSocket struct {
	localAddr *net.UDPAddr

	// manager is shared by all sockets using the same local address
	// (for outgoing connections, only the one connection, but for incoming
	// connections, this includes all connections received by the associated
	// listening socket). It is reference-counted, and thus will only be
	// cleaned up entirely when the last related socket is closed.
	manager *socketManager

	// changes to encounteredError, connecting, or other state variables in
	// Conn or Listener should all be protected with this lock. If it must
	// be acquired at the same time as manager.baseConnLock, the
	// baseConnLock must be acquired first.
	stateLock sync.Mutex

	// Once set, all further Write/Read operations should fail with this
	// error.
	encounteredError error
	// Set to true while waiting for a connection to complete.
	connecting bool
	// Set once Close has been called on a Listener.
	closed bool
}

// Dial attempts to make an outgoing µTP connection to the given address. It
// is analogous to net.Dial.
func Dial(network, address string) (net.Conn, error) {
	return DialOptions(network, address)
}

// DialContext attempts to make an outgoing µTP connection to the given
// address, giving up when ctx is done.
func DialContext(ctx context.Context, network, address string, options ...ConnectOption) (net.Conn, error) {
	switch network {
	case "utp", "utp4", "utp6":
		rAddr, err := ResolveUTPAddr(network, address)
		if err != nil {
			return nil, err
		}
		return DialUTPContext(ctx, network, nil, rAddr, options...)
	}
	return new(net.Dialer).DialContext(ctx, network, address)
}

// DialOptions is like Dial, but accepts ConnectOptions.
func DialOptions(network, address string, options ...ConnectOption) (net.Conn, error) {
	return DialContext(context.Background(), network, address, options...)
}

// DialUTP attempts to make an outgoing µTP connection with the given local
// and remote address endpoints. It is analogous to net.DialUDP.
func DialUTP(network string, localAddr, remoteAddr *Addr) (*Conn, error) {
	return DialUTPContext(context.Background(), network, localAddr, remoteAddr)
}

// DialUTPOptions is like DialUTP, but accepts ConnectOptions.
func DialUTPOptions(network string, localAddr, remoteAddr *Addr, options ...ConnectOption) (net.Conn, error) {
	conn, err := DialUTPContext(context.Background(), network, localAddr, remoteAddr, options...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialUTPContext is like DialUTPOptions, but gives up when ctx is done.
func DialUTPContext(ctx context.Context, network string, localAddr, remoteAddr *Addr, options ...ConnectOption) (*Conn, error) {
	if remoteAddr == nil {
		return nil, &net.OpError{Op: "dial", Net: network, Source: addrOrNil(localAddr), Err: errors.New("missing address")}
	}
	opts := newConnectOptions(options)
	manager, err := newSocketManager(opts, network, (*net.UDPAddr)(localAddr), (*net.UDPAddr)(remoteAddr))
	if err != nil {
		return nil, err
	}
	logger := opts.logger.WithValues("remote-addr", remoteAddr)
	utpConn := newConn(manager, logger, (*net.UDPAddr)(remoteAddr), opts.bufferSize)
	utpConn.connecting = true

	err = func() error {
		manager.baseConnLock.Lock()
		defer manager.baseConnLock.Unlock()
		utpConn.baseConn = manager.ctx.Create()
		utpConn.baseConn.SetUserdata(utpConn)
		return utpConn.baseConn.Connect((*net.UDPAddr)(remoteAddr))
	}()
	if err != nil {
		_ = manager.decrementReferences()
		return nil, err
	}
	manager.start()

	select {
	case <-utpConn.connectedChan:
	case <-ctx.Done():
		utpConn.setEncounteredError(ctx.Err())
	}

	utpConn.stateLock.Lock()
	utpConn.connecting = false
	err = utpConn.encounteredError
	utpConn.stateLock.Unlock()

	if err != nil {
		_ = utpConn.Close()
		return nil, err
	}
	utpConn.stateDebugLog("connected")
	return utpConn, nil
}

// Listen creates a listening µTP socket on the local network address. It is
// analogous to net.Listen.
func Listen(network string, addr string) (net.Listener, error) {
	return ListenOptions(network, addr)
}

// ListenOptions is like Listen, but accepts ConnectOptions.
func ListenOptions(network, addr string, options ...ConnectOption) (net.Listener, error) {
	switch network {
	case "utp", "utp4", "utp6":
		udpAddr, err := ResolveUTPAddr(network, addr)
		if err != nil {
			return nil, err
		}
		return ListenUTPOptions(network, udpAddr, options...)
	}
	return net.Listen(network, addr)
}

// ListenUTP creates a listening µTP socket on the local network address. It
// is analogous to net.ListenUDP.
func ListenUTP(network string, localAddr *Addr) (*Listener, error) {
	return ListenUTPOptions(network, localAddr)
}

// ListenUTPOptions is like ListenUTP, but accepts ConnectOptions.
func ListenUTPOptions(network string, localAddr *Addr, options ...ConnectOption) (*Listener, error) {
	opts := newConnectOptions(options)
	manager, err := newSocketManager(opts, network, (*net.UDPAddr)(localAddr), nil)
	if err != nil {
		return nil, err
	}
	udpLocalAddr := manager.LocalAddr().(*net.UDPAddr)
	utpListener := &Listener{
		utpSocket: utpSocket{
			localAddr: udpLocalAddr,
			manager:   manager,
		},
		acceptChan: manager.acceptChan,
	}
	manager.start()
	return utpListener, nil
}

func newConn(manager *socketManager, logger logr.Logger, remoteAddr *net.UDPAddr, bufferSize int) *Conn {
	return &Conn{
		utpSocket: utpSocket{
			localAddr: manager.LocalAddr().(*net.UDPAddr),
			manager:   manager,
		},
		remoteAddr:    remoteAddr,
		logger:        logger,
		readBuffer:    buffers.NewSyncBuffer(bufferSize + readBufferSlack),
		writeBuffer:   buffers.NewSyncBuffer(bufferSize),
		pendingBuf:    make([]byte, 64*1024),
		connectedChan: make(chan struct{}),
		destroyedChan: make(chan struct{}),
	}
}

func addrOrNil(a *Addr) net.Addr {
	if a == nil {
		return nil
	}
	return a
}

// Close closes the connection. Data already written is sent first; Close
// returns once the peer has acknowledged everything or the connection has
// failed.
func (c *Conn) Close() error {
	c.stateLock.Lock()
	if c.willClose {
		c.stateLock.Unlock()
		return errors.New("multiple calls to Close() not allowed")
	}
	c.willClose = true
	c.stateDebugLogLocked("close requested")
	c.stateLock.Unlock()

	func() {
		c.manager.baseConnLock.Lock()
		defer c.manager.baseConnLock.Unlock()
		c.flushWrites()
	}()

	<-c.destroyedChan
	c.readBuffer.Close()
	c.writeBuffer.Close()
	c.setEncounteredError(net.ErrClosed)

	c.stateLock.Lock()
	manager := c.manager
	c.manager = nil
	c.stateLock.Unlock()
	if manager == nil {
		return nil
	}
	return manager.decrementReferences()
}

// CloseWrite shuts down the writing side of the connection. Data already
// written is sent first, followed by a FIN; the peer will see EOF.
func (c *Conn) CloseWrite() error {
	c.stateLock.Lock()
	if c.willClose || c.willShutdownWrite {
		c.stateLock.Unlock()
		return net.ErrClosed
	}
	c.willShutdownWrite = true
	c.stateLock.Unlock()

	c.manager.baseConnLock.Lock()
	defer c.manager.baseConnLock.Unlock()
	c.flushWrites()
	return nil
}

// Read reads from the connection. Unlike the io.Reader contract, it returns
// as soon as any data is available.
func (c *Conn) Read(buf []byte) (n int, err error) {
	return c.ReadContext(context.Background(), buf)
}

// ReadContext reads from the connection, giving up when ctx is done or the
// read deadline passes.
func (c *Conn) ReadContext(ctx context.Context, buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return 0, nil
	}
	c.stateLock.Lock()
	deadline := c.readDeadline
	c.readPending = true
	c.stateDebugLogLocked("entering ReadContext", "len", len(buf))
	c.stateLock.Unlock()
	defer func() {
		c.stateLock.Lock()
		c.readPending = false
		c.stateDebugLogLocked("exiting ReadContext", "n", n, "err", err)
		c.stateLock.Unlock()
	}()

	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	for {
		if n, ok := c.readBuffer.TryConsume(buf); ok {
			c.readDrained()
			return n, nil
		}

		c.stateLock.Lock()
		remoteIsDone := c.remoteIsDone
		encounteredErr := c.encounteredError
		c.stateLock.Unlock()
		if remoteIsDone {
			return 0, io.EOF
		}
		if encounteredErr != nil {
			return 0, encounteredErr
		}

		n, err = c.readBuffer.Consume(ctx, buf)
		switch {
		case err == nil:
			c.readDrained()
			return n, nil
		case errors.Is(err, buffers.ErrIsClosed):
			// loop around to find out why
			c.stateLock.Lock()
			why := c.remoteIsDone || c.encounteredError != nil
			c.stateLock.Unlock()
			if !why {
				return 0, c.opError("read", net.ErrClosed)
			}
		case errors.Is(err, context.DeadlineExceeded) && !deadline.IsZero() && !time.Now().Before(deadline):
			return 0, c.opError("read", os.ErrDeadlineExceeded)
		default:
			return 0, err
		}
	}
}

// Write writes to the connection. It blocks until all of buf has been
// queued for sending.
func (c *Conn) Write(buf []byte) (n int, err error) {
	return c.WriteContext(context.Background(), buf)
}

// WriteContext writes to the connection, giving up when ctx is done or the
// write deadline passes. It returns once all of buf has been queued for
// sending.
func (c *Conn) WriteContext(ctx context.Context, buf []byte) (n int, err error) {
	c.stateLock.Lock()
	if c.willClose || c.willShutdownWrite {
		c.stateLock.Unlock()
		return 0, c.opError("write", net.ErrClosed)
	}
	if c.encounteredError != nil {
		err := c.encounteredError
		c.stateLock.Unlock()
		return 0, err
	}
	deadline := c.writeDeadline
	c.writePending = true
	c.stateDebugLogLocked("entering WriteContext", "len", len(buf))
	c.stateLock.Unlock()
	defer func() {
		c.stateLock.Lock()
		c.writePending = false
		c.stateDebugLogLocked("exiting WriteContext", "n", n, "err", err)
		c.stateLock.Unlock()
	}()

	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	chunkSize := c.writeBuffer.Cap() / 2
	for n < len(buf) {
		chunk := buf[n:]
		if len(chunk) > chunkSize {
			chunk = chunk[:chunkSize]
		}
		if err := c.writeBuffer.Append(ctx, chunk); err != nil {
			switch {
			case errors.Is(err, buffers.ErrIsClosed):
				c.stateLock.Lock()
				err = c.encounteredError
				c.stateLock.Unlock()
				if err == nil {
					err = c.opError("write", net.ErrClosed)
				}
			case errors.Is(err, context.DeadlineExceeded) && !deadline.IsZero() && !time.Now().Before(deadline):
				err = c.opError("write", os.ErrDeadlineExceeded)
			}
			return n, err
		}
		n += len(chunk)

		func() {
			c.manager.baseConnLock.Lock()
			defer c.manager.baseConnLock.Unlock()
			c.flushWrites()
		}()
	}
	return n, nil
}

// flushWrites moves buffered application data into the engine for as long
// as the engine will take it, then carries out a requested shutdown or
// close once everything has been handed over. The manager's baseConnLock
// must be held.
func (c *Conn) flushWrites() {
	if c.baseConn == nil || c.libutpClosed {
		return
	}
	if c.writable {
		for {
			if len(c.pending) == 0 {
				n, ok := c.writeBuffer.TryConsume(c.pendingBuf)
				if !ok {
					break
				}
				c.pending = c.pendingBuf[:n]
			}
			n, err := c.baseConn.Write(c.pending)
			if err != nil {
				c.logger.Error(err, "engine refused write")
				c.setEncounteredError(c.opError("write", err))
				return
			}
			c.pending = c.pending[n:]
			if n == 0 {
				// wait for StateWritable
				return
			}
		}
	}

	c.stateLock.Lock()
	willClose, willShutdownWrite := c.willClose, c.willShutdownWrite
	c.stateLock.Unlock()

	drained := len(c.pending) == 0 && c.writeBuffer.SpaceUsed() == 0
	switch {
	case willClose && drained:
		c.libutpClosed = true
		if err := c.baseConn.Close(); err != nil {
			c.logger.Error(err, "could not close engine socket")
		}
	case willShutdownWrite && drained && c.writable && !c.shutdownSent:
		c.shutdownSent = true
		if err := c.baseConn.Shutdown(libutp.ShutdownWrite); err != nil {
			c.logger.Error(err, "could not shut down engine socket")
		}
	}
}

// LocalAddr returns the local address for the connection.
func (c *Conn) LocalAddr() net.Addr {
	return (*Addr)(c.localAddr)
}

// RemoteAddr returns the peer address for the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return (*Addr)(c.remoteAddr)
}

// Stats returns the engine counters of the connection. It returns the zero
// value once the connection has been destroyed.
func (c *Conn) Stats() libutp.Stats {
	manager := c.getManager()
	if manager == nil {
		return libutp.Stats{}
	}
	manager.baseConnLock.Lock()
	defer manager.baseConnLock.Unlock()
	if c.baseConn == nil {
		return libutp.Stats{}
	}
	return c.baseConn.Stats()
}

// ProcessICMP hands a raw ICMPv4 message, received by some other means, to
// the engine. It reports whether the message concerned a µTP connection on
// this Conn's UDP socket.
func (c *Conn) ProcessICMP(raw []byte) bool {
	manager := c.getManager()
	if manager == nil {
		return false
	}
	return manager.processICMPPacket(raw)
}

// SetReadDeadline sets a read deadline for future Read calls. A zero value
// for t means Read will not time out.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline sets a write deadline for future Write calls. A zero
// value for t means Write will not time out.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.writeDeadline = t
	return nil
}

// SetDeadline sets both the read and the write deadline.
func (c *Conn) SetDeadline(t time.Time) error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	c.writeDeadline = t
	c.readDeadline = t
	return nil
}

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: "utp", Source: c.LocalAddr(), Addr: c.RemoteAddr(), Err: err}
}

// getManager returns the socket manager, or nil once the Conn is closed.
func (c *Conn) getManager() *socketManager {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.manager
}

func (c *Conn) readDrained() {
	if manager := c.getManager(); manager != nil {
		manager.readDrained(c)
	}
}

var _ net.Conn = &Conn{}

// AcceptUTPContext accepts a new µTP connection on the listening socket,
// giving up when ctx is done.
func (l *Listener) AcceptUTPContext(ctx context.Context) (*Conn, error) {
	select {
	case newConn, ok := <-l.acceptChan:
		if ok {
			return newConn, nil
		}
		l.stateLock.Lock()
		err := l.encounteredError
		l.stateLock.Unlock()
		if err == nil {
			err = net.ErrClosed
		}
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptUTP accepts a new µTP connection on the listening socket.
func (l *Listener) AcceptUTP() (*Conn, error) {
	return l.AcceptUTPContext(context.Background())
}

// Accept accepts a new µTP connection on the listening socket.
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptUTP()
}

// Close closes the listener. Connections already accepted stay open;
// connections still in the backlog are closed.
func (l *Listener) Close() error {
	l.stateLock.Lock()
	if l.closed {
		l.stateLock.Unlock()
		return errors.New("multiple calls to Close() not allowed")
	}
	l.closed = true
	l.stateLock.Unlock()
	l.setEncounteredError(net.ErrClosed)

	l.manager.stopAccepting()
	var group []*Conn
	for conn := range l.acceptChan {
		group = append(group, conn)
	}
	for _, conn := range group {
		if err := conn.Close(); err != nil {
			l.manager.logger.Error(err, "could not close unaccepted connection")
		}
	}
	return l.manager.decrementReferences()
}

// Addr returns the local address of the listener.
func (l *Listener) Addr() net.Addr {
	return l.utpSocket.Addr()
}

// ProcessICMP hands a raw ICMPv4 message, received by some other means, to
// the engine. It reports whether the message concerned a µTP connection on
// this listener's UDP socket.
func (l *Listener) ProcessICMP(raw []byte) bool {
	return l.manager.processICMPPacket(raw)
}

var _ net.Listener = &Listener{}

func (u *utpSocket) setEncounteredError(err error) {
	if err == nil {
		return
	}
	u.stateLock.Lock()
	defer u.stateLock.Unlock()

	// keep the first error if this is called multiple times
	if u.encounteredError == nil {
		u.encounteredError = err
	}
}

func (u *utpSocket) Addr() net.Addr {
	return (*Addr)(u.localAddr)
}

// ConnectOption is the interface which connection options should implement.
type ConnectOption interface {
	apply(h *connectOptions)
}

type connectOptions struct {
	logger      logr.Logger
	bufferSize  int
	targetDelay int
	udpMTU      int
	firewall    func(net.Addr) bool
}

func newConnectOptions(options []ConnectOption) *connectOptions {
	opts := &connectOptions{
		logger:     logr.Discard(),
		bufferSize: defaultBufferSize,
	}
	for _, opt := range options {
		opt.apply(opts)
	}
	return opts
}

type optionLogger struct {
	logger logr.Logger
}

func (o *optionLogger) apply(h *connectOptions) {
	h.logger = o.logger
}

// WithLogger creates a connection option which specifies a logger to be
// attached to the connection. The logger will receive debugging messages
// about the socket.
func WithLogger(logger logr.Logger) ConnectOption {
	return &optionLogger{logger: logger}
}

type optionBufferSize struct {
	bufferSize int
}

func (o *optionBufferSize) apply(h *connectOptions) {
	h.bufferSize = o.bufferSize
}

// WithBufferSize sets the size of both the read and the write buffer of
// each connection. The read buffer size is also the receive window
// advertised to the peer.
func WithBufferSize(bufferSize int) ConnectOption {
	if bufferSize < 1 {
		panic(fmt.Sprintf("invalid buffer size %d", bufferSize))
	}
	return &optionBufferSize{bufferSize: bufferSize}
}

type optionTargetDelay struct {
	delay time.Duration
}

func (o *optionTargetDelay) apply(h *connectOptions) {
	h.targetDelay = int(o.delay / time.Microsecond)
}

// WithTargetDelay sets the queuing delay the congestion controller aims
// for.
func WithTargetDelay(delay time.Duration) ConnectOption {
	return &optionTargetDelay{delay: delay}
}

type optionUDPMTU struct {
	mtu int
}

func (o *optionUDPMTU) apply(h *connectOptions) {
	h.udpMTU = o.mtu
}

// WithUDPMTU sets the largest UDP payload to try when probing the path MTU,
// in place of the conservative default.
func WithUDPMTU(mtu int) ConnectOption {
	return &optionUDPMTU{mtu: mtu}
}

type optionFirewall struct {
	reject func(net.Addr) bool
}

func (o *optionFirewall) apply(h *connectOptions) {
	h.firewall = o.reject
}

// WithFirewall makes a listener drop incoming connections from addresses
// for which reject returns true. reject is called with engine locks held
// and must not call back into this package.
func WithFirewall(reject func(net.Addr) bool) ConnectOption {
	return &optionFirewall{reject: reject}
}
