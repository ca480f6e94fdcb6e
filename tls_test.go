// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	utp "storj.io/utpcore"
)

const testServerName = "utp.test"

// newTestTLSConfigs returns matching server and client configurations for a
// freshly generated self-signed certificate.
func newTestTLSConfigs(t *testing.T) (server, client *tls.Config) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: testServerName},
		DNSNames:              []string{testServerName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS13,
	}
	client = &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS13,
		ServerName: testServerName,
	}
	return server, client
}

// greet sends the session greeting for client number i and closes the
// connection, which the client sees as EOF.
func greet(conn net.Conn, i int) (err error) {
	defer func() {
		if closeErr := conn.Close(); err == nil {
			err = closeErr
		}
	}()
	tlsConn := conn.(*tls.Conn)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	if v := tlsConn.ConnectionState().Version; v != tls.VersionTLS13 {
		return fmt.Errorf("negotiated TLS version %#x", v)
	}
	_, err = fmt.Fprintf(conn, "session %d", i)
	return err
}

func TestTLSGreeting(t *testing.T) {
	for _, network := range []string{"utp", "tcp"} {
		network := network
		t.Run(network, func(t *testing.T) {
			const clients = 10
			serverConfig, clientConfig := newTestTLSConfigs(t)
			logger := newTestLogger(t)

			l, err := utp.ListenTLSOptions(network, "127.0.0.1:0", serverConfig, utp.WithLogger(logger.WithName("server")))
			require.NoError(t, err)
			defer func() { _ = l.Close() }()

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				for i := 0; i < clients; i++ {
					conn, err := l.Accept()
					if err != nil {
						return err
					}
					i := i
					group.Go(func() error { return greet(conn, i) })
				}
				return nil
			})

			greetings := make(chan string, clients)
			for i := 0; i < clients; i++ {
				group.Go(func() error {
					conn, err := utp.DialTLSContext(ctx, network, l.Addr().String(), clientConfig, utp.WithLogger(logger.WithName("client")))
					if err != nil {
						return err
					}
					defer func() { _ = conn.Close() }()
					if !conn.ConnectionState().HandshakeComplete {
						return errors.New("handshake not complete")
					}
					// the server talks first and then hangs up
					greeting, err := io.ReadAll(conn)
					if err != nil {
						return err
					}
					greetings <- string(greeting)
					return nil
				})
			}
			require.NoError(t, group.Wait())
			close(greetings)

			seen := make(map[string]bool)
			for g := range greetings {
				seen[g] = true
			}
			assert.Len(t, seen, clients)
			for i := 0; i < clients; i++ {
				assert.True(t, seen[fmt.Sprintf("session %d", i)], "missing greeting %d", i)
			}
		})
	}
}

func TestDialTLSRefused(t *testing.T) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := udpConn.LocalAddr().String()
	require.NoError(t, udpConn.Close())

	_, clientConfig := newTestTLSConfigs(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = utp.DialTLSContext(ctx, "utp", addr, clientConfig)
	require.Error(t, err)
	if runtime.GOOS == "linux" {
		assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	}
}

func TestDialTLSDefaultsServerName(t *testing.T) {
	serverConfig, clientConfig := newTestTLSConfigs(t)
	l, err := utp.ListenTLS("utp", "127.0.0.1:0", serverConfig)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			_ = conn.(*tls.Conn).HandshakeContext(ctx)
			_ = conn.Close()
		}
	}()

	// without a server name the host part of the address is used, which
	// the certificate does not cover
	config := clientConfig.Clone()
	config.ServerName = ""
	_, err = utp.DialTLSContext(ctx, "utp", l.Addr().String(), config)
	require.Error(t, err)
	var hostErr x509.HostnameError
	assert.True(t, errors.As(err, &hostErr), "got %v", err)
	assert.Equal(t, "", config.ServerName, "caller's config was modified")
}
