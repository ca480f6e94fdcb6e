// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package utp_file drives a libutp.Context from a single goroutine with a
// poll loop over one UDP socket, for the utp_send and utp_recv tools.
package utp_file

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"storj.io/utpcore/libutp"
)

// MaxOutgoingQueueSize is the maximum size of the outgoing queue.
const MaxOutgoingQueueSize = 32

// MakeSocket creates a new UDP socket.
func MakeSocket(addr string) (*net.UDPConn, error) {
	sock, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	udpSock, ok := sock.(*net.UDPConn)
	if !ok {
		return nil, fmt.Errorf("ListenPacket returned a %T instead of *net.UDPConn", sock)
	}

	// Mark to hold a couple of megabytes
	const size = 2 * 1024 * 1024

	err = udpSock.SetReadBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("could not set read buffer size: %w", err)
	}
	err = udpSock.SetWriteBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("could not set write buffer size: %w", err)
	}
	return udpSock, nil
}

// Config holds the engine settings the tools accept from a YAML file.
type Config struct {
	TargetDelayMicros int  `yaml:"target_delay_us"`
	SendBuffer        int  `yaml:"send_buffer"`
	RecvBuffer        int  `yaml:"recv_buffer"`
	LogNormal         bool `yaml:"log_normal"`
	LogMTU            bool `yaml:"log_mtu"`
	LogDebug          bool `yaml:"log_debug"`
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg Config) apply(ctx *libutp.Context) error {
	settings := []struct {
		opt libutp.Option
		val int
	}{
		{libutp.OptionTargetDelay, cfg.TargetDelayMicros},
		{libutp.OptionSendBuffer, cfg.SendBuffer},
		{libutp.OptionRecvBuffer, cfg.RecvBuffer},
		{libutp.OptionLogNormal, boolToInt(cfg.LogNormal)},
		{libutp.OptionLogMTU, boolToInt(cfg.LogMTU)},
		{libutp.OptionLogDebug, boolToInt(cfg.LogDebug)},
	}
	for _, setting := range settings {
		if setting.val == 0 {
			continue
		}
		if err := ctx.SetOption(setting.opt, setting.val); err != nil {
			return fmt.Errorf("option %d=%d: %w", setting.opt, setting.val, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SocketHandler receives the events of one µTP socket. It is attached to
// the socket with SetUserdata.
type SocketHandler interface {
	OnRead(s *libutp.Socket, data []byte)
	OnStateChange(s *libutp.Socket, state libutp.State)
	OnError(s *libutp.Socket, err error)
	// ReadBufferSize is the number of received bytes not yet consumed.
	ReadBufferSize(s *libutp.Socket) int
}

// UDPOutgoing represents an outgoing message, with contents and a destination address.
type UDPOutgoing struct {
	to  *net.UDPAddr
	mem []byte
}

// UDPSocketManager keeps track of a UDP socket and the µTP sockets
// multiplexed over it.
type UDPSocketManager struct {
	ctx      *libutp.Context
	socket   *net.UDPConn
	outQueue []UDPOutgoing
	started  time.Time
	Logger   logr.Logger

	// OnIncomingConnection is called for each new incoming connection. It
	// should attach a SocketHandler; if it returns an error (or is nil), the
	// connection is closed.
	OnIncomingConnection func(*libutp.Socket) error
}

// NewUDPSocketManager creates a new UDPSocketManager.
func NewUDPSocketManager(logger logr.Logger, cfg Config) (*UDPSocketManager, error) {
	usm := &UDPSocketManager{
		Logger:  logger,
		started: time.Now(),
	}
	usm.ctx = libutp.NewContext(usm, libutp.WithLogger(logger.WithName("libutp")))
	if err := cfg.apply(usm.ctx); err != nil {
		return nil, err
	}
	return usm, nil
}

// Context returns the engine context of the manager.
func (usm *UDPSocketManager) Context() *libutp.Context {
	return usm.ctx
}

// Connect creates a µTP socket with the given handler and connects it to
// addr.
func (usm *UDPSocketManager) Connect(addr *net.UDPAddr, handler SocketHandler) (*libutp.Socket, error) {
	s := usm.ctx.Create()
	s.SetUserdata(handler)
	if err := s.Connect(addr); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSocket sets the socket to be associated with a UDPSocketManager.
func (usm *UDPSocketManager) SetSocket(sock *net.UDPConn) {
	if usm.socket != nil && usm.socket != sock {
		if err := usm.socket.Close(); err != nil {
			usm.Logger.Error(err, "failed to close old UDP socket during SetSocket")
		}
	}
	usm.socket = sock
}

// Flush writes any pending outgoing messages to the UDP socket until an error
// is encountered or until there are no more pending outgoing messages.
func (usm *UDPSocketManager) Flush() {
	for len(usm.outQueue) > 0 {
		uo := usm.outQueue[0]

		usm.Logger.V(5).Info("Flush->WriteTo", "len", len(uo.mem), "to", uo.to)
		_, err := usm.socket.WriteToUDP(uo.mem, uo.to)
		if err != nil {
			usm.Logger.Error(err, "sendto failed")
			break
		}
		usm.outQueue = usm.outQueue[1:]
	}
}

// Select blocks until data can be read from the UDP socket, or until blockTime
// has elapsed. Any available data is passed on to the µTP mechanism.
func (usm *UDPSocketManager) Select(blockTime time.Duration) error {
	socketRawConn, err := usm.socket.SyscallConn()
	if err != nil {
		return err
	}
	var (
		revents int16
		pollErr error
	)
	controlErr := socketRawConn.Control(func(socketFd uintptr) {
		revents, pollErr = poll(int32(socketFd), blockTime)
	})
	if controlErr != nil {
		return controlErr
	}
	if pollErr != nil {
		return pollErr
	}

	usm.Flush()
	if revents&unix.POLLIN != 0 {
		usm.readOne()
	}
	if revents&unix.POLLERR != 0 {
		usm.Logger.V(1).Info("error condition on socket manager socket")
	}
	return nil
}

func poll(socketFd int32, blockTime time.Duration) (revents int16, err error) {
	timeoutTime := time.Now().Add(blockTime)
	var fds [1]unix.PollFd
	for {
		fds[0] = unix.PollFd{Fd: socketFd, Events: unix.POLLIN}
		n, err := unix.Poll(fds[:], int(time.Until(timeoutTime).Milliseconds()))
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil || n == 0 {
			return 0, err
		}
		return fds[0].Revents, nil
	}
}

// readOne reads one datagram, which poll has reported to be waiting, and
// hands it to the engine.
func (usm *UDPSocketManager) readOne() {
	var buffer [8192]byte
	receivedBytes, srcAddr, err := usm.socket.ReadFromUDP(buffer[:])
	if err != nil {
		// ECONNREFUSED or ECONNRESET on a UDP socket means a previous send
		// resulted in an ICMP Port Unreachable message. There is no telling
		// which send it was, so this just gets logged.
		usm.Logger.V(1).Info("read from UDP socket failed", "err", err)
		return
	}
	if !usm.ctx.ProcessUDP(buffer[:receivedBytes], srcAddr) {
		usm.Logger.V(1).Info("received a non-µTP packet on UDP port", "source-addr", srcAddr)
	}
	usm.ctx.IssueDeferredAcks()
}

// CheckTimeouts drives the engine's timers. It should be called at least
// every 500ms.
func (usm *UDPSocketManager) CheckTimeouts() {
	usm.ctx.CheckTimeouts()
}

// Send arranges for data to be sent over µTP on the UDP socket.
func (usm *UDPSocketManager) Send(p []byte, addr *net.UDPAddr) {
	var err error
	if len(usm.outQueue) == 0 {
		usm.Logger.V(5).Info("Send->WriteTo", "len", len(p), "to", addr)
		_, err = usm.socket.WriteToUDP(p, addr)
		if err != nil {
			usm.Logger.Error(err, "sendto failed")
		}
	}
	if len(usm.outQueue) > 0 || err != nil {
		// Buffer a packet.
		if len(usm.outQueue) >= MaxOutgoingQueueSize {
			usm.Logger.Error(nil, "no room to buffer outgoing packet")
		} else {
			memCopy := make([]byte, len(p))
			copy(memCopy, p)
			usm.outQueue = append(usm.outQueue, UDPOutgoing{to: addr, mem: memCopy})
			usm.Logger.V(1).Info("buffering packet", "queue-len", len(usm.outQueue))
		}
	}
}

// Close destroys all µTP sockets and closes the UDP socket.
func (usm *UDPSocketManager) Close() error {
	usm.ctx.Destroy()
	err := usm.socket.Close()
	usm.socket = nil
	return err
}

// ErrNotAcceptingConnections indicates that a socket is not accepting connections.
var ErrNotAcceptingConnections = errors.New("not accepting connections")

func handlerOf(s *libutp.Socket) SocketHandler {
	h, _ := s.Userdata().(SocketHandler)
	return h
}

// SendTo implements libutp.Host.
func (usm *UDPSocketManager) SendTo(s *libutp.Socket, p []byte, addr *net.UDPAddr, flags libutp.SendFlags) {
	usm.Send(p, addr)
}

// Milliseconds implements libutp.Host.
func (usm *UDPSocketManager) Milliseconds(*libutp.Socket) uint64 {
	return uint64((time.Since(usm.started) + time.Second) / time.Millisecond)
}

// Microseconds implements libutp.Host.
func (usm *UDPSocketManager) Microseconds(*libutp.Socket) uint64 {
	return uint64((time.Since(usm.started) + time.Second) / time.Microsecond)
}

// Random implements libutp.Host.
func (usm *UDPSocketManager) Random(*libutp.Socket) uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("can't read from random source: %v", err))
	}
	return binary.LittleEndian.Uint32(b[:])
}

// OnRead implements libutp.Host.
func (usm *UDPSocketManager) OnRead(s *libutp.Socket, data []byte) {
	if h := handlerOf(s); h != nil {
		h.OnRead(s, data)
	}
}

// OnStateChange implements libutp.Host.
func (usm *UDPSocketManager) OnStateChange(s *libutp.Socket, state libutp.State) {
	if h := handlerOf(s); h != nil {
		h.OnStateChange(s, state)
	}
}

// OnError implements libutp.Host.
func (usm *UDPSocketManager) OnError(s *libutp.Socket, err error) {
	if h := handlerOf(s); h != nil {
		h.OnError(s, err)
		return
	}
	_ = s.Close()
}

// ReadBufferSize implements libutp.Host.
func (usm *UDPSocketManager) ReadBufferSize(s *libutp.Socket) int {
	if h := handlerOf(s); h != nil {
		return h.ReadBufferSize(s)
	}
	return 0
}

// OnAccept implements libutp.AcceptHandler.
func (usm *UDPSocketManager) OnAccept(s *libutp.Socket, from *net.UDPAddr) {
	usm.Logger.V(1).Info("incoming connection received", "remote-addr", from)
	err := ErrNotAcceptingConnections
	if usm.OnIncomingConnection != nil {
		err = usm.OnIncomingConnection(s)
	}
	if err != nil {
		usm.Logger.Error(err, "rejecting connection")
		if closeErr := s.Close(); closeErr != nil {
			usm.Logger.Error(closeErr, "could not close new socket")
		}
	}
}

var (
	_ libutp.Host          = (*UDPSocketManager)(nil)
	_ libutp.AcceptHandler = (*UDPSocketManager)(nil)
)
