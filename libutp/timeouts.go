// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import "syscall"

// checkTimeouts runs the per-socket timers: retransmission, the zero
// window probe, and keepalives. The Context calls it from CheckTimeouts.
func (s *Socket) checkTimeouts() {
	s.checkInvariants()

	utpAssert(s.curWindowPackets == 0 || s.outbuf.get(int(s.seqNum-s.curWindowPackets)) != nil)

	if s.ctx.wouldLog(logDebug) {
		s.log(logDebug, "CheckTimeouts", "timeout", int64(s.rtoTimeout-s.ctx.currentMS), "max_window", s.maxWindow,
			"cur_window", s.curWindow, "state", s.state, "cur_window_packets", s.curWindowPackets)
	}

	if s.state != csDestroy {
		s.flushPackets()
	}

	switch s.state {
	case csSynSent, csSynRecv, csConnected, csConnectedFull:
	default:
		return
	}

	now := s.ctx.currentMS

	if now >= s.zeroWindowTime && s.maxWindowUser == 0 {
		s.maxWindowUser = packetSize
	}

	if s.rtoTimeout > 0 && now >= s.rtoTimeout {
		if !s.retransmitTimedOut() {
			return
		}
	}

	if s.state == csConnectedFull && !s.isFull(-1) {
		s.state = csConnected
		s.log(logDebug, "socket writable", "max_window", s.maxWindow, "cur_window", s.curWindow, "packet_size", s.getPacketSize())
		s.ctx.host.OnStateChange(s, StateWritable)
	}

	if (s.state == csConnected || s.state == csConnectedFull) && !s.finSent {
		if now-s.lastSentPacket >= keepaliveInterval {
			s.sendKeepAlive()
		}
	}
}

// retransmitTimedOut handles an expired retransmission timer. It returns
// false if the socket was given up on.
func (s *Socket) retransmitTimedOut() bool {
	ignoreLoss := false
	if s.probeTimedOut() {
		// The probe is what the peer is waiting for, and it was either the
		// only packet in flight or already resent once with DF. It was
		// most likely too big rather than lost to congestion, so narrow the
		// search and resend without touching the window.
		s.mtuCeiling = s.mtuProbeSize - 1
		s.mtuSearchUpdate()
		ignoreLoss = true
		s.log(logMTU, "MTU [PROBE-TIMEOUT]", "floor", s.mtuFloor, "ceiling", s.mtuCeiling, "current", s.mtuLast)
	}
	s.mtuProbeSeq = 0
	s.mtuProbeSize = 0
	s.log(logMTU, "MTU [TIMEOUT]")

	newTimeout := s.retransmitTimeout * 2
	if ignoreLoss {
		newTimeout = s.retransmitTimeout
	}

	// A peer that sent a SYN and went silent may have spoofed its address.
	// Drop the socket without telling anyone.
	if s.state == csSynRecv {
		s.state = csDestroy
		return false
	}

	if s.retransmitCount >= maxRetransmitCount || (s.state == csSynSent && s.retransmitCount >= synSentRetransmitCount) {
		if s.closeRequested {
			s.state = csDestroy
		} else {
			s.state = csReset
		}
		s.ctx.host.OnError(s, syscall.ETIMEDOUT)
		return false
	}

	s.retransmitTimeout = newTimeout
	s.rtoTimeout = s.ctx.currentMS + uint64(newTimeout)

	if !ignoreLoss {
		s.duplicateAck = 0
		s.applyTimeoutWindow()
	}

	// everything in flight is considered lost
	for i := uint16(0); i < s.curWindowPackets; i++ {
		pkt := s.outbuf.get(int(s.seqNum - i - 1))
		if pkt == nil || pkt.transmissions == 0 || pkt.needResend {
			continue
		}
		pkt.needResend = true
		utpAssert(s.curWindow >= pkt.payload)
		s.curWindow -= pkt.payload
	}

	if s.curWindowPackets > 0 {
		s.retransmitCount++
		s.log(logNormal, "packet timeout, resending", "seq_nr", s.seqNum-s.curWindowPackets,
			"timeout", s.retransmitTimeout, "max_window", s.maxWindow, "cur_window_packets", s.curWindowPackets)

		s.fastTimeout = true
		s.timeoutSeqNum = s.seqNum

		pkt := s.outbuf.get(int(s.seqNum - s.curWindowPackets))
		utpAssert(pkt != nil)
		s.sendPacket(pkt)
	}
	return true
}

// probeTimedOut reports whether an expired timer is evidence that the
// outstanding MTU probe was too big for the path.
func (s *Socket) probeTimedOut() bool {
	if s.mtuProbeSeq == 0 || s.curWindowPackets == 0 || s.seqNum-s.curWindowPackets != s.mtuProbeSeq {
		return false
	}
	pkt := s.outbuf.get(int(s.mtuProbeSeq))
	return pkt != nil && (s.curWindowPackets == 1 || pkt.transmissions > 1)
}

// applyTimeoutWindow shrinks maxWindow after a retransmission timeout.
// curWindow still holds the bytes that were in flight.
func (s *Socket) applyTimeoutWindow() {
	ps := s.getPacketSize()
	switch {
	case s.curWindowPackets == 0 && s.maxWindow > ps:
		// idle, not congested: decay gently
		s.maxWindow = max(s.maxWindow*2/3, ps)
	case s.curWindow >= ps:
		s.maxWindow = max(s.maxWindow/2, minWindowSize)
		s.slowStart = false
		s.ssthresh = s.maxWindow
	default:
		// the window had shrunk below one packet; start over from one
		s.maxWindow = ps
		s.slowStart = true
	}
	s.clampWindow()
}

// Close starts closing the connection. Queued data keeps being sent until
// the FIN is acked, after which the socket is destroyed and the host gets
// StateDestroying. The socket must not be used by the caller afterwards.
func (s *Socket) Close() error {
	if s.state == csUninitialized || s.state == csDestroy {
		return ErrInvalidState
	}

	s.log(logDebug, "close", "state", s.state)

	switch s.state {
	case csConnected, csConnectedFull:
		s.readShutdown = true
		s.closeRequested = true
		if !s.finSent {
			s.finSent = true
			s.writeOutgoingPacket(0, stFin, nil)
		} else if s.finSentAcked {
			s.state = csDestroy
		}
	case csSynSent:
		s.rtoTimeout = s.ctx.host.Milliseconds(s) + uint64(min(s.rto*2, 60))
		s.state = csDestroy
	default:
		s.state = csDestroy
	}

	s.log(logDebug, "close end", "state", s.state)
	return nil
}

// Shutdown closes the read half, the write half, or both. Closing the
// write half sends a FIN once connected; the socket stays open until
// Close.
func (s *Socket) Shutdown(how ShutdownHow) error {
	if s.state == csUninitialized || s.state == csDestroy {
		return ErrInvalidState
	}

	s.log(logDebug, "shutdown", "how", how, "state", s.state)

	if how != ShutdownWrite {
		s.readShutdown = true
	}
	if how == ShutdownRead {
		return nil
	}
	switch s.state {
	case csConnected, csConnectedFull:
		if !s.finSent {
			s.finSent = true
			s.writeOutgoingPacket(0, stFin, nil)
		}
	case csSynSent:
		s.rtoTimeout = s.ctx.host.Milliseconds(s) + uint64(min(s.rto*2, 60))
	}
	return nil
}
