// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build utpstatedebug
// +build utpstatedebug

package utp

import "fmt"

// ReadSideState represents the possible read-side states that a conn can be in.
type ReadSideState int

const (
	ReadConnecting    ReadSideState = iota // connecting
	ReadIdleConn                           // nothing to do but wait
	ReadHasReadData                        // have some data from remote waiting on user to read it
	ReadAwaitingData                       // user wants to read data, but no data available yet
	ReadDrainingReads                      // have some unread data from remote, also closed by remote
	ReadClosedByPeer                       // closed on remote side, waiting for close on local
	ReadFailed                             // the connection hit a fatal error
	ReadClosed                             // closed on local side
)

var readSideStateNames = [...]string{
	"READ-CONNECTING", "READ-IDLE", "READ-HAS-READ-DATA", "READ-AWAITING-DATA",
	"READ-DRAINING-READS", "READ-CLOSED-BY-PEER", "READ-FAILED", "READ-CLOSED",
}

func (st ReadSideState) String() string {
	if st < 0 || int(st) >= len(readSideStateNames) {
		return fmt.Sprintf("UNKNOWN READ STATE %d", st)
	}
	return readSideStateNames[st]
}

// WriteSideState represents the possible write-side states that a Conn can be in.
type WriteSideState int

const (
	WriteConnecting     WriteSideState = iota // connecting
	WriteIdleConn                             // nothing to do but wait
	WriteCallPending                          // a write call is waiting for buffer space
	WriteHasWriteData                         // there is data queued that the engine has not taken yet
	WriteDrainingWrites                       // closed or shut down locally, with data still to send
	WriteShutDown                             // write side shut down, all data handed to the engine
	WriteFailed                               // the connection hit a fatal error
	WriteClosed                               // closed on local side, all data handed to the engine
)

var writeSideStateNames = [...]string{
	"WRITE-CONNECTING", "WRITE-IDLE", "WRITE-CALL-PENDING", "WRITE-HAS-WRITE-DATA",
	"WRITE-DRAINING-WRITES", "WRITE-SHUT-DOWN", "WRITE-FAILED", "WRITE-CLOSED",
}

func (st WriteSideState) String() string {
	if st < 0 || int(st) >= len(writeSideStateNames) {
		return fmt.Sprintf("UNKNOWN WRITE STATE %d", st)
	}
	return writeSideStateNames[st]
}

// getReadStatus must be called with stateLock held.
func (c *Conn) getReadStatus() ReadSideState {
	hasData := c.readBuffer.SpaceUsed() > 0
	switch {
	case c.connecting:
		return ReadConnecting
	case c.willClose:
		return ReadClosed
	case c.remoteIsDone && hasData:
		return ReadDrainingReads
	case c.remoteIsDone:
		return ReadClosedByPeer
	case c.encounteredError != nil:
		return ReadFailed
	case hasData:
		return ReadHasReadData
	case c.readPending:
		return ReadAwaitingData
	}
	return ReadIdleConn
}

// getWriteStatus must be called with stateLock held.
func (c *Conn) getWriteStatus() WriteSideState {
	hasData := c.writeBuffer.SpaceUsed() > 0
	switch {
	case c.connecting:
		return WriteConnecting
	case c.encounteredError != nil:
		return WriteFailed
	case (c.willClose || c.willShutdownWrite) && hasData:
		return WriteDrainingWrites
	case c.willClose:
		return WriteClosed
	case c.willShutdownWrite:
		return WriteShutDown
	case c.writePending:
		return WriteCallPending
	case hasData:
		return WriteHasWriteData
	}
	return WriteIdleConn
}

func (c *Conn) stateDebugLog(msg string, keys ...interface{}) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	c.stateDebugLogLocked(msg, keys...)
}

func (c *Conn) stateDebugLogLocked(msg string, keys ...interface{}) {
	logger := c.logger.V(10)
	if logger.Enabled() {
		keys = append(keys, "read-status", c.getReadStatus(), "write-status", c.getWriteStatus())
		logger.Info(msg, keys...)
	}
}
