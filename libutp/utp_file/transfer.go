// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp_file

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/go-logr/logr"

	"storj.io/utpcore/libutp"
)

// FileSender streams an io.Reader over one outgoing µTP connection and
// closes the connection once everything has been handed to the engine.
type FileSender struct {
	logger  logr.Logger
	src     io.Reader
	buf     []byte
	pending []byte
	eof     bool
	closed  bool

	TotalSent int
	Done      bool
	Err       error
}

// NewFileSender connects to addr and starts sending src once connected.
func NewFileSender(usm *UDPSocketManager, addr *net.UDPAddr, src io.Reader, logger logr.Logger) (*FileSender, error) {
	fs := &FileSender{
		logger: logger,
		src:    src,
		buf:    make([]byte, 64*1024),
	}
	if _, err := usm.Connect(addr, fs); err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	return fs, nil
}

// pump writes until the socket is full or the source is exhausted.
func (fs *FileSender) pump(s *libutp.Socket) {
	for !fs.closed {
		if len(fs.pending) == 0 {
			if fs.eof {
				fs.logger.Info("upload complete", "bytes", fs.TotalSent)
				fs.close(s)
				return
			}
			n, err := fs.src.Read(fs.buf)
			fs.pending = fs.buf[:n]
			if errors.Is(err, io.EOF) {
				fs.eof = true
			} else if err != nil {
				fs.fail(s, fmt.Errorf("failed to read from source: %w", err))
				return
			}
			continue
		}
		n, err := s.Write(fs.pending)
		if err != nil {
			fs.fail(s, err)
			return
		}
		fs.pending = fs.pending[n:]
		fs.TotalSent += n
		if n == 0 {
			// full; wait for StateWritable
			return
		}
	}
}

func (fs *FileSender) close(s *libutp.Socket) {
	if fs.closed {
		return
	}
	fs.closed = true
	if err := s.Close(); err != nil {
		fs.logger.Error(err, "could not close µTP socket")
	}
}

func (fs *FileSender) fail(s *libutp.Socket, err error) {
	fs.logger.Error(err, "transfer failed")
	if fs.Err == nil {
		fs.Err = err
	}
	fs.close(s)
}

// OnRead implements SocketHandler.
func (fs *FileSender) OnRead(s *libutp.Socket, data []byte) {
	fs.logger.Info("got data from peer?", "data", fmt.Sprintf("%x", data))
}

// OnStateChange implements SocketHandler.
func (fs *FileSender) OnStateChange(s *libutp.Socket, state libutp.State) {
	switch state {
	case libutp.StateConnect, libutp.StateWritable:
		fs.pump(s)
	case libutp.StateDestroying:
		fs.Done = true
	}
}

// OnError implements SocketHandler.
func (fs *FileSender) OnError(s *libutp.Socket, err error) {
	fs.fail(s, err)
}

// ReadBufferSize implements SocketHandler.
func (fs *FileSender) ReadBufferSize(*libutp.Socket) int { return 0 }

// FileReceiver writes the data of the first incoming connection to an
// io.Writer. Further connections are refused.
type FileReceiver struct {
	logger         logr.Logger
	dest           io.Writer
	connectionSeen bool

	TotalRecv int
	Done      bool
	Err       error
}

// NewFileReceiver makes usm hand its first incoming connection to a new
// FileReceiver.
func NewFileReceiver(usm *UDPSocketManager, dest io.Writer, logger logr.Logger) *FileReceiver {
	fr := &FileReceiver{
		logger: logger,
		dest:   dest,
	}
	usm.OnIncomingConnection = fr.receiveNewConnection
	return fr
}

func (fr *FileReceiver) receiveNewConnection(s *libutp.Socket) error {
	if fr.connectionSeen {
		return errors.New("no more connections allowed")
	}
	s.SetUserdata(fr)
	fr.connectionSeen = true
	return nil
}

func (fr *FileReceiver) fail(s *libutp.Socket, err error) {
	fr.logger.Error(err, "transfer failed")
	if fr.Err == nil {
		fr.Err = err
	}
	fr.Done = true
}

// OnRead implements SocketHandler.
func (fr *FileReceiver) OnRead(s *libutp.Socket, data []byte) {
	n, err := fr.dest.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		fr.fail(s, fmt.Errorf("failed to write to destination: %w", err))
		return
	}
	fr.TotalRecv += n
}

// OnStateChange implements SocketHandler.
func (fr *FileReceiver) OnStateChange(s *libutp.Socket, state libutp.State) {
	switch state {
	case libutp.StateEOF:
		fr.logger.V(1).Info("entered state EOF; done with transfer")
		fr.Done = true
	case libutp.StateDestroying:
		fr.logger.V(1).Info("entered state Destroying; done with transfer")
		fr.Done = true
	}
}

// OnError implements SocketHandler.
func (fr *FileReceiver) OnError(s *libutp.Socket, err error) {
	fr.fail(s, err)
	if closeErr := s.Close(); closeErr != nil {
		fr.logger.Error(closeErr, "could not close µTP socket")
	}
}

// ReadBufferSize implements SocketHandler. It always reports an empty
// buffer, since the data goes straight to the destination.
func (fr *FileReceiver) ReadBufferSize(*libutp.Socket) int { return 0 }
