// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	utp "storj.io/utpcore"
)

// use -10 for the most detail
const logLevel = 0

func newTestLogger(t *testing.T) logr.Logger {
	return zapr.NewLogger(zaptest.NewLogger(t, zaptest.Level(zapcore.Level(logLevel))))
}

func listenLocal(t *testing.T, logger logr.Logger, options ...utp.ConnectOption) *utp.Listener {
	lAddr, err := utp.ResolveUTPAddr("utp4", "127.0.0.1:0")
	require.NoError(t, err)
	l, err := utp.ListenUTPOptions("utp4", lAddr, append([]utp.ConnectOption{utp.WithLogger(logger.WithName("server"))}, options...)...)
	require.NoError(t, err)
	return l
}

func dialLocal(ctx context.Context, logger logr.Logger, l *utp.Listener, options ...utp.ConnectOption) (*utp.Conn, error) {
	return utp.DialUTPContext(ctx, "utp4", nil, l.Addr().(*utp.Addr), append([]utp.ConnectOption{utp.WithLogger(logger.WithName("client"))}, options...)...)
}

func randomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	require.NoError(t, err)
	return b
}

// serveDigests answers every accepted connection with the SHA-256 of
// everything the client sent before closing its write side.
func serveDigests(ctx context.Context, group *errgroup.Group, l *utp.Listener) error {
	for {
		conn, err := l.AcceptUTPContext(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		group.Go(func() error {
			defer func() { _ = conn.Close() }()
			h := sha256.New()
			if _, err := io.Copy(h, conn); err != nil {
				return fmt.Errorf("reading request from %v: %w", conn.RemoteAddr(), err)
			}
			_, err := conn.WriteContext(ctx, h.Sum(nil))
			return err
		})
	}
}

// requestDigest sends request, closes the write side and checks the digest
// the server answers with, up to the server's EOF.
func requestDigest(ctx context.Context, logger logr.Logger, l *utp.Listener, request []byte) error {
	conn, err := dialLocal(ctx, logger, l)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.WriteContext(ctx, request); err != nil {
		return err
	}
	if err := conn.CloseWrite(); err != nil {
		return err
	}
	answer, err := io.ReadAll(conn)
	if err != nil {
		return err
	}
	want := sha256.Sum256(request)
	if !bytes.Equal(want[:], answer) {
		return fmt.Errorf("digest mismatch: %x != %x", answer, want)
	}
	return nil
}

func TestDigestRequests(t *testing.T) {
	for _, tc := range []struct {
		name     string
		clients  int
		parallel bool
	}{
		{name: "serial", clients: 10},
		{name: "parallel", clients: 20, parallel: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logger := newTestLogger(t)
			l := listenLocal(t, logger)

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error { return serveDigests(ctx, group, l) })

			requests := make([][]byte, tc.clients)
			for i := range requests {
				requests[i] = randomBytes(t, 1000+i*317)
			}

			group.Go(func() error {
				clients, cctx := errgroup.WithContext(ctx)
				for i, request := range requests {
					i, request := i, request
					if !tc.parallel {
						if err := requestDigest(cctx, logger.WithValues("i", i), l, request); err != nil {
							clients.Go(func() error { return err })
							break
						}
						continue
					}
					clients.Go(func() error {
						return requestDigest(cctx, logger.WithValues("i", i), l, request)
					})
				}
				err := clients.Wait()
				if closeErr := l.Close(); err == nil {
					err = closeErr
				}
				return err
			})
			require.NoError(t, group.Wait())
		})
	}
}

func TestServerSpeaksFirst(t *testing.T) {
	logger := newTestLogger(t)
	l := listenLocal(t, logger)
	defer func() { require.NoError(t, l.Close()) }()

	banner := []byte("220 ready\r\n")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		conn, err := l.AcceptUTPContext(ctx)
		if err != nil {
			return err
		}
		// the client has not sent anything; the handshake alone makes us
		// writable
		if _, err := conn.WriteContext(ctx, banner); err != nil {
			return err
		}
		return conn.Close()
	})

	conn, err := dialLocal(ctx, logger, l)
	require.NoError(t, err)
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, banner, got)
	require.NoError(t, conn.Close())
	require.NoError(t, group.Wait())
}

func TestShutdownPropagatesEOF(t *testing.T) {
	for _, tc := range []struct {
		name string
		// halfClose closes only the client's write side, so the server can
		// still answer after seeing EOF
		halfClose bool
	}{
		{name: "close write", halfClose: true},
		{name: "close"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logger := newTestLogger(t)
			l := listenLocal(t, logger)
			defer func() { require.NoError(t, l.Close()) }()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			accepted := make(chan *utp.Conn, 1)
			go func() {
				conn, err := l.AcceptUTPContext(ctx)
				if err == nil {
					accepted <- conn
				}
				close(accepted)
			}()

			client, err := dialLocal(ctx, logger, l)
			require.NoError(t, err)
			_, err = client.WriteContext(ctx, []byte("last words"))
			require.NoError(t, err)
			if tc.halfClose {
				require.NoError(t, client.CloseWrite())
				_, err = client.Write([]byte("more"))
				assert.Error(t, err)
			} else {
				require.NoError(t, client.Close())
			}

			server, ok := <-accepted
			require.True(t, ok)
			defer func() { require.NoError(t, server.Close()) }()
			got, err := io.ReadAll(server)
			require.NoError(t, err)
			assert.Equal(t, "last words", string(got))

			// reads after EOF keep returning it
			n, err := server.Read(make([]byte, 1))
			assert.Zero(t, n)
			assert.ErrorIs(t, err, io.EOF)

			if !tc.halfClose {
				_, err = client.Read(make([]byte, 1))
				assert.ErrorIs(t, err, net.ErrClosed)
				return
			}
			_, err = server.WriteContext(ctx, []byte("goodbye"))
			require.NoError(t, err)
			require.NoError(t, server.CloseWrite())
			reply, err := io.ReadAll(client)
			require.NoError(t, err)
			assert.Equal(t, "goodbye", string(reply))
			require.NoError(t, client.Close())
		})
	}
}

func TestLargeDownload(t *testing.T) {
	logger := newTestLogger(t)
	// small buffers keep the receive window closing and reopening
	l := listenLocal(t, logger, utp.WithBufferSize(32*1024))
	defer func() { require.NoError(t, l.Close()) }()

	data := randomBytes(t, 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		conn, err := l.AcceptUTPContext(ctx)
		if err != nil {
			return err
		}
		n, err := conn.WriteContext(ctx, data)
		if err != nil {
			return err
		}
		if n != len(data) {
			return fmt.Errorf("short write: %d < %d", n, len(data))
		}
		if stats := conn.Stats(); stats.NBytesXmit < uint64(len(data)) {
			return fmt.Errorf("only %d bytes transmitted", stats.NBytesXmit)
		}
		return conn.Close()
	})

	conn, err := dialLocal(ctx, logger, l, utp.WithBufferSize(32*1024))
	require.NoError(t, err)
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got), "received %d bytes that do not match", len(got))
	require.NoError(t, conn.Close())
	require.NoError(t, group.Wait())
}

func TestReadDeadline(t *testing.T) {
	logger := newTestLogger(t)
	l := listenLocal(t, logger)
	defer func() { require.NoError(t, l.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := dialLocal(ctx, logger, l)
	require.NoError(t, err)
	defer func() { require.NoError(t, conn.Close()) }()
	server, err := l.AcceptUTPContext(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, server.Close()) }()

	buf := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	start := time.Now()
	_, err = conn.Read(buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	// clearing the deadline makes reads block again until data arrives
	require.NoError(t, conn.SetDeadline(time.Time{}))
	_, err = server.Write([]byte{0x43})
	require.NoError(t, err)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, byte(0x43), buf[0])
}

func TestDialRefused(t *testing.T) {
	// a UDP port with nobody behind it
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := (*utp.Addr)(udpConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, udpConn.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	_, err = utp.DialUTPContext(ctx, "utp4", nil, addr, utp.WithLogger(newTestLogger(t)))
	require.Error(t, err)
	if runtime.GOOS != "linux" {
		return
	}
	// the port unreachable report comes back through the socket error
	// queue long before the SYN would be retransmitted
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	var opErr *net.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "dial", opErr.Op)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestFirewall(t *testing.T) {
	for _, tc := range []struct {
		name   string
		reject bool
	}{
		{name: "allow"},
		{name: "reject", reject: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logger := newTestLogger(t)
			var asked int32
			l := listenLocal(t, logger, utp.WithFirewall(func(from net.Addr) bool {
				atomic.AddInt32(&asked, 1)
				return tc.reject
			}))
			defer func() { require.NoError(t, l.Close()) }()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			conn, err := dialLocal(ctx, logger, l)
			assert.NotZero(t, atomic.LoadInt32(&asked))
			if tc.reject {
				require.Error(t, err)
				assert.ErrorIs(t, err, context.DeadlineExceeded)
				return
			}
			require.NoError(t, err)
			require.NoError(t, conn.Close())
		})
	}
}

func TestListenerClose(t *testing.T) {
	logger := newTestLogger(t)
	l := listenLocal(t, logger)
	addr := l.Addr().(*utp.Addr)

	errChan := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		errChan <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, <-errChan, net.ErrClosed)
	assert.Error(t, l.Close())

	// nobody answers on the closed port any more
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := utp.DialUTPContext(ctx, "utp4", nil, addr)
	assert.Error(t, err)

	_, err = utp.Listen("utp", "not an address")
	assert.Error(t, err)
	_, err = utp.ListenUTP("foo", nil)
	assert.Error(t, err)
}
