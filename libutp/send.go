// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

// sendData stamps h with the current time and the last delay measurement,
// encodes it at the front of data, and transmits data. Sending anything
// counts as an ack, so the socket leaves the deferred-ack list.
func (s *Socket) sendData(h *packetHeader, data []byte, bwType BandwidthType, flags SendFlags) {
	// time stamp this packet with local time, the stamp goes into
	// the header of every packet at the 4th byte for 4 bytes
	packetTime := s.ctx.host.Microseconds(s)
	h.tvUSec = uint32(packetTime)
	h.replyMicro = s.replyMicro

	s.lastSentPacket = s.ctx.currentMS

	if err := h.encodeToBytes(data); err != nil {
		panic(err)
	}
	s.stats.transmitted(len(data))

	if s.ctx.overheadHandler != nil {
		var n int
		if bwType == PayloadBandwidth {
			// if this packet carries payload, just
			// count the header as overhead
			bwType = HeaderOverhead
			n = s.getOverhead()
		} else {
			n = len(data) + s.getUDPOverhead()
		}
		s.overhead(true, n, bwType)
	}

	if s.ctx.wouldLog(logDebug) {
		s.log(logDebug, "send", "len", len(data), "id", s.connIDSend, "timestamp", packetTime,
			"reply_micro", s.replyMicro, "type", h.ptype, "seq_nr", h.seqNum, "ack_nr", h.ackNum)
	}

	s.ctx.sendTo(s, data, s.addr, flags)
	s.ctx.removeFromAckList(s)
}

// sendAck sends a State packet acking everything up to ackNum. While there
// are packets in the reorder buffer, and EOF has not been reached, a
// selective ack covering the next sendEAckBits sequence numbers is
// attached.
func (s *Socket) sendAck() {
	s.lastRcvWin = s.getRcvWindow()
	h := packetHeader{
		ptype:      stState,
		version:    protocolVersion,
		ext:        extNone,
		connID:     s.connIDSend,
		ackNum:     s.ackNum,
		seqNum:     s.seqNum,
		windowSize: uint32(s.lastRcvWin),
	}
	length := sizeofPacketHeader

	var mask uint32
	selAck := s.reorderCount != 0 && !s.gotFinReached
	if selAck {
		h.ext = extSelAck
		length += sizeofSelAckExtension

		// reorder count should only be non-zero
		// if the packet ackNum + 1 has not yet
		// been received
		utpAssert(s.inbuf.get(int(s.ackNum)+1) == nil)
		window := min(sendEAckBits, s.inbuf.size())
		// Generate bit mask of segments received.
		for i := 0; i < window; i++ {
			if s.inbuf.get(int(s.ackNum)+i+2) != nil {
				mask |= 1 << i
			}
		}
		s.log(logDebug, "Sending EACK", "ack_nr", s.ackNum, "id", s.connIDSend, "bits", mask)
	} else {
		s.log(logDebug, "Sending ACK", "ack_nr", s.ackNum, "id", s.connIDSend)
	}

	data := make([]byte, length)
	if selAck {
		encodeSelAck(data[sizeofPacketHeader:], mask)
	}
	s.sendData(&h, data, AckOverhead, 0)
}

// sendKeepAlive sends a duplicate ack for the packet before ackNum, which
// keeps NAT mappings alive and does not disturb the peer.
func (s *Socket) sendKeepAlive() {
	s.ackNum--
	s.log(logDebug, "Sending KeepAlive ACK", "ack_nr", s.ackNum, "id", s.connIDSend)
	s.sendAck()
	s.ackNum++
}

// sendPacket (re)transmits an outgoing packet and may turn it into an MTU
// probe.
func (s *Socket) sendPacket(pkt *outgoingPacket) {
	curTime := s.ctx.host.Milliseconds(s)

	// only count against the window the first time we send the packet, or
	// when the packet was taken out of the window by a timeout
	if pkt.transmissions == 0 || pkt.needResend {
		s.curWindow += pkt.payload
	}
	pkt.needResend = false

	pkt.header.ackNum = s.ackNum
	pkt.timeSent = s.ctx.host.Microseconds(s)

	// A probe may have been reordered rather than dropped. Resend it at the
	// same size with DF set, so an ack for either copy still proves the size.
	useAsMTUProbe := pkt.transmissions > 0 && s.mtuProbeSeq != 0 && pkt.header.seqNum == s.mtuProbeSeq
	if useAsMTUProbe {
		s.log(logMTU, "MTU [PROBE-RESEND]", "floor", s.mtuFloor, "ceiling", s.mtuCeiling, "current", s.mtuProbeSize)
	}
	if s.mtuDiscoverTime < curTime {
		s.mtuReset()
	}
	if s.mtuFloor < s.mtuCeiling &&
		pkt.length > s.mtuFloor &&
		pkt.length <= s.mtuCeiling &&
		s.mtuProbeSeq == 0 &&
		s.seqNum != 1 &&
		pkt.header.seqNum != 0 &&
		pkt.transmissions == 0 {

		s.mtuProbeSeq = pkt.header.seqNum
		s.mtuProbeSize = pkt.length
		utpAssert(pkt.length >= s.mtuFloor)
		utpAssert(pkt.length <= s.mtuCeiling)
		useAsMTUProbe = true
		s.log(logMTU, "MTU [PROBE]", "floor", s.mtuFloor, "ceiling", s.mtuCeiling, "current", s.mtuProbeSize)
	}

	pkt.transmissions++

	var bwType BandwidthType
	switch {
	case s.state == csSynSent:
		bwType = ConnectOverhead
	case pkt.transmissions == 1:
		bwType = PayloadBandwidth
	default:
		bwType = RetransmitOverhead
	}
	var flags SendFlags
	if useAsMTUProbe {
		flags = SendDontFragment
	}
	s.sendData(&pkt.header, pkt.data, bwType, flags)
}

// isFull reports whether sending bytes more bytes (or a full packet, if
// bytes is negative) would exceed the congestion window, the peer's receive
// window or the send buffer.
func (s *Socket) isFull(bytes int) bool {
	packetSize := s.getPacketSize()
	if bytes < 0 || bytes > packetSize {
		bytes = packetSize
	}
	maxSend := min(s.maxWindow, min(s.optSendBufferSize, s.maxWindowUser))

	if s.curWindowPackets >= outgoingBufferMaxSize-1 {
		s.log(logDebug, "is_full: outgoing buffer full", "cur_window_packets", s.curWindowPackets)
		s.lastMaxedOutWindow = s.ctx.currentMS
		return true
	}

	if s.curWindow+bytes > maxSend {
		s.lastMaxedOutWindow = s.ctx.currentMS
		return true
	}
	return false
}

// flushPackets sends every packet in the window that has not been sent (or
// needs resending), stopping when the window is full. The newest packet is
// held back while it is not full-sized and other packets are in flight, so
// that more data can be coalesced into it. It returns true if the window
// filled up.
func (s *Socket) flushPackets() bool {
	packetSize := s.getPacketSize()

	// send packets that are waiting on the pacer to be sent
	// i has to be an unsigned 16 bit counter to wrap correctly
	// signed types are not guaranteed to wrap the way you expect
	for i := s.seqNum - s.curWindowPackets; i != s.seqNum; i++ {
		pkt := s.outbuf.get(int(i))
		if pkt == nil || (pkt.transmissions > 0 && !pkt.needResend) {
			continue
		}
		// have we run out of quota?
		if s.isFull(-1) {
			return true
		}

		// Nagle check
		// don't send the last packet if we have one packet in-flight
		// and the current packet is still smaller than packetSize.
		if i != s.seqNum-1 || s.curWindowPackets == 1 || pkt.payload >= packetSize {
			s.sendPacket(pkt)
		}
	}
	return false
}

// consumeIOVecs fills dst from the front of iov and returns what is left of
// iov. The entries of iov are resliced in place.
func consumeIOVecs(dst []byte, iov [][]byte) [][]byte {
	for len(dst) > 0 && len(iov) > 0 {
		n := copy(dst, iov[0])
		dst = dst[n:]
		iov[0] = iov[0][n:]
		if len(iov[0]) == 0 {
			iov = iov[1:]
		}
	}
	utpAssert(len(dst) == 0)
	return iov
}

// writeOutgoingPacket queues payload bytes from iov (or a FIN, with a zero
// payload) in the outgoing buffer. Bytes go into the newest packet first if
// it has never been sent and has room; otherwise new packets are appended.
// Queued packets are then flushed as far as the window allows.
func (s *Socket) writeOutgoingPacket(payload int, ptype packetType, iov [][]byte) [][]byte {
	// Setup initial timeout timer
	if s.curWindowPackets == 0 {
		s.retransmitTimeout = s.rto
		s.rtoTimeout = s.ctx.currentMS + uint64(s.retransmitTimeout)
		utpAssert(s.curWindow == 0)
	}

	packetSize := s.getPacketSize()
	for {
		utpAssert(s.curWindowPackets < outgoingBufferMaxSize)
		utpAssert(ptype == stData || ptype == stFin)

		added := 0
		var pkt *outgoingPacket

		if s.curWindowPackets > 0 {
			pkt = s.outbuf.get(int(s.seqNum - 1))
		}

		appendPkt := true

		// if there's any room left in the last packet in the window
		// and it hasn't been sent yet, fill that frame first
		if payload > 0 && pkt != nil && pkt.transmissions == 0 && pkt.payload < packetSize {
			// Use the previous unsent packet
			added = min(payload+pkt.payload, max(packetSize, pkt.payload)) - pkt.payload
			appendPkt = false
			utpAssert(!pkt.needResend)
		} else {
			// Create the packet to send.
			added = payload
			pkt = &outgoingPacket{
				data: make([]byte, sizeofPacketHeader, sizeofPacketHeader+added),
			}
		}

		if added > 0 {
			utpAssert(ptype == stData)

			// Fill it with data from the upper layer.
			start := len(pkt.data)
			pkt.data = append(pkt.data, make([]byte, added)...)
			iov = consumeIOVecs(pkt.data[start:], iov)
		}

		pkt.payload += added
		pkt.length = sizeofPacketHeader + pkt.payload

		s.lastRcvWin = s.getRcvWindow()

		pkt.header.version = protocolVersion
		pkt.header.ptype = ptype
		pkt.header.ext = extNone
		pkt.header.connID = s.connIDSend
		pkt.header.windowSize = uint32(s.lastRcvWin)
		pkt.header.ackNum = s.ackNum

		if appendPkt {
			// Remember the message in the outgoing queue.
			s.outbuf.ensureSize(int(s.seqNum), int(s.curWindowPackets))
			s.outbuf.put(int(s.seqNum), pkt)
			pkt.header.seqNum = s.seqNum
			s.seqNum++
			s.curWindowPackets++
		}

		payload -= added
		if payload == 0 {
			break
		}
	}

	s.flushPackets()
	return iov
}

// Write queues as much of b as the send window allows and returns the number
// of bytes taken. See WriteV.
func (s *Socket) Write(b []byte) (int, error) {
	return s.WriteV([][]byte{b})
}

// WriteV queues as much of the concatenation of bufs as the send window
// allows and returns the number of bytes taken. At most MaxIOVecs buffers
// are looked at. When fewer bytes than offered are taken, the socket is full
// and the host will get OnStateChange(StateWritable) once it can take more;
// a full socket returns (0, nil). Writing after Shutdown or Close returns
// ErrWriteAfterShutdown, and writing to a socket that is not connected
// returns ErrNotConnected.
func (s *Socket) WriteV(bufs [][]byte) (int, error) {
	if len(bufs) > MaxIOVecs {
		bufs = bufs[:MaxIOVecs]
	}
	iov := make([][]byte, len(bufs))
	copy(iov, bufs)

	bytes := 0
	for _, b := range iov {
		bytes += len(b)
	}

	if s.finSent {
		s.log(logDebug, "UTP_Write = false (fin_sent already)", "bytes", bytes)
		return 0, ErrWriteAfterShutdown
	}
	if s.state == csConnectedFull {
		return 0, nil
	}
	if s.state != csConnected {
		s.log(logDebug, "UTP_Write = false (not Connected)", "bytes", bytes, "state", s.state)
		return 0, ErrNotConnected
	}
	if bytes == 0 {
		return 0, nil
	}

	s.ctx.updateMS(s)

	packetSize := s.getPacketSize()
	numToSend := min(bytes, packetSize)
	sent := 0
	for !s.isFull(numToSend) {
		// Send an outgoing packet.
		// Also add it to the outgoing of packets that have been sent but not ACKed.
		bytes -= numToSend
		sent += numToSend

		if s.ctx.wouldLog(logDebug) {
			s.log(logDebug, "Sending packet", "seq_nr", s.seqNum, "ack_nr", s.ackNum,
				"wnd", s.curWindow+numToSend, "max_window", s.maxWindow, "max_window_user", s.maxWindowUser,
				"rcv_win", s.lastRcvWin, "size", numToSend, "cur_window_packets", s.curWindowPackets)
		}
		iov = s.writeOutgoingPacket(numToSend, stData, iov)
		numToSend = min(bytes, packetSize)
		if numToSend == 0 {
			return sent, nil
		}
	}

	if s.isFull(-1) {
		// mark the socket as not being writable.
		s.state = csConnectedFull
	}
	s.log(logDebug, "UTP_Write", "sent", sent, "remaining", bytes, "full", s.state == csConnectedFull)
	return sent, nil
}

// ReadDrained should be called by the host after the application consumed
// received data. If the receive window grew, the peer is told.
func (s *Socket) ReadDrained() {
	if s.state == csUninitialized || s.state == csDestroy {
		return
	}
	rcvwin := s.getRcvWindow()
	if rcvwin > s.lastRcvWin {
		// If last window was 0 send ACK immediately, otherwise should set timer
		if s.lastRcvWin == 0 {
			s.sendAck()
		} else {
			s.ctx.updateMS(s)
			s.scheduleAck()
		}
	}
}
