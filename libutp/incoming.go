// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import "math"

// processIncoming handles a packet addressed to this socket. h is the
// already decoded header of packet. It returns the number of payload bytes
// in the packet, or 0 if the packet was dropped or carried no data.
func (s *Socket) processIncoming(packet []byte, h *packetHeader, syn bool) int {
	s.ctx.registerRecvPacket(s, len(packet))
	s.ctx.updateMS(s)

	pkSeqNum := h.seqNum
	pkAckNum := h.ackNum
	pkType := h.ptype

	if pkType >= stNumStates {
		return 0
	}

	receiptTime := s.ctx.host.Microseconds(s)

	// resets are matched on the send id and handled by the context
	utpAssert(pkType != stReset)

	// The ack number must fall within what we have sent. The SYN that
	// created a socket in SynRecv carries no usable ack number.
	currWindow := max(s.curWindowPackets+ackWindowSlack, ackWindowSlack)
	if (pkType != stSyn || s.state != csSynRecv) &&
		(seqLess(s.seqNum-1, pkAckNum) || seqLess(pkAckNum, s.seqNum-1-currWindow)) {
		s.log(logDebug, "invalid ack_nr, ignoring packet", "ack_nr", pkAckNum, "seq_nr", s.seqNum, "cur_window_packets", s.curWindowPackets)
		return 0
	}

	exts, ok := parseExtensions(packet, h.ext)
	if !ok {
		s.log(logDebug, "invalid extension chain, ignoring packet", "len", len(packet))
		return 0
	}
	if exts.extBits != nil {
		copy(s.extensions[:], exts.extBits)
	}
	data := packet[exts.payloadPos:]

	if s.state == csSynSent {
		// the syn-ack tells us where the peer's sequence starts
		s.ackNum = pkSeqNum - 1
	}

	s.lastGotPacket = s.ctx.currentMS

	if syn {
		return 0
	}

	// seqnr is how many packets past the next expected one this packet is.
	seqnr := int(pkSeqNum - s.ackNum - 1)
	if seqnr >= reorderBufferMaxSize {
		// a packet from slightly in the past means our ack got lost
		if seqnr >= (seqNumberMask+1)-reorderBufferMaxSize && pkType != stState {
			s.scheduleAck()
		}
		s.log(logDebug, "got old packet/ack", "seq_nr", pkSeqNum, "ack_nr", s.ackNum, "seqnr", seqnr)
		return 0
	}

	// acks is the number of our packets newly acked by pkAckNum
	acks := int(pkAckNum - (s.seqNum - 1 - s.curWindowPackets))
	if acks > int(s.curWindowPackets) {
		acks = 0
	}

	// Only State packets count as duplicate acks. A Data packet repeating
	// the ack number was sent because the peer had data, not because it
	// saw a gap.
	if s.curWindowPackets > 0 {
		if pkAckNum == s.seqNum-s.curWindowPackets-1 && pkType == stState {
			s.duplicateAck++
			// Something ahead of the probe was lost, so its ack would tell us
			// nothing. A missing probe is resent with DF and judged on
			// timeout instead.
			if s.duplicateAck == mtuProbeDupAckThreshold && s.mtuProbeSeq != 0 && pkAckNum != s.mtuProbeSeq-1 {
				s.mtuProbeSeq = 0
				s.mtuProbeSize = 0
			}
			if s.duplicateAck == duplicateAcksBeforeResend {
				s.duplicateAckResend()
			}
		} else {
			s.duplicateAck = 0
		}
	}

	ackedBytes := 0

	// minRTT is the smallest round trip among the packets acked here. Our
	// one-way delay cannot exceed it.
	minRTT := int64(math.MaxInt64)

	now := s.ctx.host.Microseconds(s)
	for i := 0; i < acks; i++ {
		seq := s.seqNum - s.curWindowPackets + uint16(i)
		pkt := s.outbuf.get(int(seq))
		if pkt == nil || pkt.transmissions == 0 {
			continue
		}
		utpAssert(pkt.payload >= 0)
		ackedBytes += pkt.payload
		minRTT = minRTTSample(minRTT, now, pkt.timeSent)
	}

	if exts.selAck != nil {
		ackedBytes += s.selectiveAckBytes(pkAckNum+2, exts.selAck, &minRTT)
	}

	if s.ctx.wouldLog(logDebug) {
		s.log(logDebug, "acks", "acks", acks, "acked_bytes", ackedBytes, "seq_nr", s.seqNum,
			"cur_window", s.curWindow, "cur_window_packets", s.curWindowPackets, "relative_seqnr", seqnr,
			"max_window", s.maxWindow, "min_rtt_ms", minRTT/1000, "rtt", s.rtt)
	}

	s.lastMeasuredDelay = s.ctx.currentMS

	// their delay is what we echo back in reply_micro
	var theirDelay uint32
	if h.tvUSec != 0 {
		theirDelay = uint32(receiptTime - uint64(h.tvUSec))
	}
	s.replyMicro = theirDelay
	prevDelayBase := s.theirHist.delayBase
	if theirDelay != 0 {
		s.theirHist.addSample(theirDelay, s.ctx.currentMS)
	}

	// A lower base on their side is clock skew; move ours the other way,
	// but by no more than maxClockSkewShift.
	if prevDelayBase != 0 && wrappingCompareLess(s.theirHist.delayBase, prevDelayBase, timestampMask) {
		if prevDelayBase-s.theirHist.delayBase <= maxClockSkewShift {
			s.ourHist.shift(prevDelayBase - s.theirHist.delayBase)
		}
	}

	actualDelay := h.replyMicro
	if actualDelay == math.MaxInt32 {
		actualDelay = 0
	}

	// 0 means the peer has no sample of us yet
	if actualDelay != 0 {
		s.ourHist.addSample(actualDelay, s.ctx.currentMS)
		s.updateClockDrift(actualDelay)
	}

	// The reverse shift, of their base on our skew, is deliberately not
	// applied: the two adjustments feed each other.

	utpAssert(minRTT >= 0)
	if int64(s.ourHist.getValue()) > minRTT {
		s.ourHist.shift(uint32(int64(s.ourHist.getValue()) - minRTT))
	}

	if actualDelay != 0 && ackedBytes >= 1 {
		s.applyLEDBATControl(ackedBytes, actualDelay, minRTT)
	}

	if acks <= int(s.curWindowPackets) {
		s.maxWindowUser = int(h.windowSize)

		// a zero window is reopened to one packet after a while
		if s.maxWindowUser == 0 {
			s.zeroWindowTime = s.ctx.currentMS + zeroWindowProbeDelay
		}

		// any packet acking the SYN-ACK completes the handshake
		if s.state == csSynRecv && pkType != stSyn && pkAckNum == s.seqNum-1 {
			s.state = csConnected
			s.rtoTimeout = 0
			s.log(logDebug, "handshake complete", "type", pkType)
			s.ctx.host.OnStateChange(s, StateWritable)
		}

		if pkType == stState && s.state == csSynSent {
			s.state = csConnected
			// the acceptor becomes writable on this ack, even if we never
			// send it data
			s.sendAck()
			if s.ctx.connectHandler != nil {
				s.ctx.connectHandler.OnConnect(s)
			} else {
				s.ctx.host.OnStateChange(s, StateConnect)
			}
		} else if s.finSent && int(s.curWindowPackets) == acks {
			// everything, our FIN included, is acked
			s.finSentAcked = true
			if s.closeRequested {
				s.state = csDestroy
			}
		}

		if seqLess(s.fastResendSeqNum, pkAckNum+1) {
			s.fastResendSeqNum = pkAckNum + 1
		}

		s.log(logDebug, "fast_resend_seq_nr", "fast_resend_seq_nr", s.fastResendSeqNum)

		for i := 0; i < acks; i++ {
			// 2 means the ack reaches past what was actually transmitted
			if s.ackPacket(s.seqNum-s.curWindowPackets) == 2 {
				break
			}
			s.curWindowPackets--
		}
		s.checkNoWindow()

		// drop slots at the front already acked by a selective ack
		for s.curWindowPackets > 0 && s.outbuf.get(int(s.seqNum-s.curWindowPackets)) == nil {
			s.curWindowPackets--
		}
		s.checkNoWindow()

		utpAssert(s.curWindowPackets == 0 || s.outbuf.get(int(s.seqNum-s.curWindowPackets)) != nil)

		// Nagle: a lone queued packet goes out once nothing else is in flight
		if s.curWindowPackets == 1 {
			pkt := s.outbuf.get(int(s.seqNum - 1))
			if pkt.transmissions == 0 {
				s.sendPacket(pkt)
			}
		}

		if s.fastTimeout {
			s.log(logDebug, "fast timeout", "cur_window", s.curWindowPackets, "seq_nr", s.seqNum, "fast_resend", s.fastResendSeqNum)
			if s.seqNum-s.curWindowPackets != s.fastResendSeqNum {
				// the timed out packet was already resent
				s.fastTimeout = false
			} else {
				pkt := s.outbuf.get(int(s.seqNum - s.curWindowPackets))
				if pkt != nil && pkt.transmissions > 0 {
					s.log(logDebug, "packet fast timeout-retry", "seq_nr", s.seqNum-s.curWindowPackets)
					s.stats.FastReXmit++
					s.fastResendSeqNum++
					s.sendPacket(pkt)
				}
			}
		}
	}

	if exts.selAck != nil {
		s.selectiveAck(pkAckNum+2, exts.selAck)
	}

	utpAssert(s.curWindowPackets == 0 || s.outbuf.get(int(s.seqNum-s.curWindowPackets)) != nil)
	s.checkInvariants()

	if s.state == csConnectedFull && !s.isFull(-1) {
		s.state = csConnected
		s.log(logDebug, "socket writable", "max_window", s.maxWindow, "cur_window", s.curWindow, "packet_size", s.getPacketSize())
		s.ctx.host.OnStateChange(s, StateWritable)
	}

	if pkType == stState {
		return 0
	}
	if s.state != csConnected && s.state != csConnectedFull {
		return 0
	}

	if pkType == stFin && !s.gotFin {
		s.log(logDebug, "got FIN", "eof_pkt", pkSeqNum)
		s.gotFin = true
		// packets past eofPacket may already sit in the reorder buffer;
		// they are discarded once EOF is reached
		s.eofPacket = pkSeqNum
	}

	if seqnr == 0 {
		if len(data) > 0 && !s.readShutdown {
			s.ctx.host.OnRead(s, data)
		}
		s.ackNum++

		// deliver whatever the reorder buffer now makes contiguous
		for {
			if !s.gotFinReached && s.gotFin && s.eofPacket == s.ackNum {
				s.gotFinReached = true
				s.rtoTimeout = s.ctx.currentMS + uint64(min(s.rto*3, 60))

				s.log(logDebug, "posting EOF")
				s.ctx.host.OnStateChange(s, StateEOF)

				s.sendAck()
				s.reorderCount = 0
			}

			if s.reorderCount == 0 {
				break
			}

			b := s.inbuf.get(int(s.ackNum) + 1)
			if b == nil {
				break
			}
			s.inbuf.put(int(s.ackNum)+1, nil)
			if len(b) > 0 && !s.readShutdown {
				s.ctx.host.OnRead(s, b)
			}
			s.ackNum++

			utpAssert(s.reorderCount > 0)
			s.reorderCount--
		}

		s.scheduleAck()
		return len(data)
	}

	if s.gotFin && seqLess(s.eofPacket, pkSeqNum) {
		s.log(logDebug, "packet past EOF", "reorder_count", s.reorderCount, "len", len(data))
		return 0
	}
	if seqnr > reorderBufferMaxSize-1 {
		s.log(logDebug, "packet too far ahead", "reorder_count", s.reorderCount, "len", len(data))
		return 0
	}

	// grow before looking, so an old entry is never mistaken for this one
	s.inbuf.ensureSize(int(pkSeqNum)+1, seqnr+1)

	if s.inbuf.get(int(pkSeqNum)) != nil {
		s.stats.NDupRecv++
		return 0
	}

	// An empty payload is stored as a non-nil slice so the slot reads as
	// occupied. The slot for ackNum+1 is never filled here, sendAck relies
	// on it.
	mem := make([]byte, len(data))
	copy(mem, data)
	utpAssert(int(pkSeqNum)&s.inbuf.mask != (int(s.ackNum)+1)&s.inbuf.mask)
	s.inbuf.put(int(pkSeqNum), mem)
	s.reorderCount++

	s.log(logDebug, "got out of order data", "reorder_count", s.reorderCount, "len", len(data))

	s.scheduleAck()
	return len(data)
}

// minRTTSample folds the round trip of a packet sent at timeSent into
// minRTT. Clocks that went backwards count as 50ms.
func minRTTSample(minRTT int64, now, timeSent uint64) int64 {
	if timeSent < now {
		return min(minRTT, int64(now-timeSent))
	}
	return min(minRTT, 50000)
}

// updateClockDrift folds one delay sample into the running average used to
// estimate how fast the peer's clock runs relative to ours.
func (s *Socket) updateClockDrift(actualDelay uint32) {
	if s.averageDelayBase == 0 {
		s.averageDelayBase = actualDelay
	}

	// signed distance from the base, taking the shorter way round
	var sample int64
	distDown := s.averageDelayBase - actualDelay
	distUp := actualDelay - s.averageDelayBase
	if distDown > distUp {
		sample = int64(distUp)
	} else {
		sample = -int64(distDown)
	}
	s.currentDelaySum += sample
	s.currentDelaySamples++

	if s.ctx.currentMS <= s.averageSampleTime {
		return
	}

	prevAverageDelay := s.averageDelay
	s.averageDelay = int32(s.currentDelaySum / int64(s.currentDelaySamples))
	s.averageSampleTime += averageDelayInterval
	s.currentDelaySum = 0
	s.currentDelaySamples = 0

	// Only the slope matters. Keep the two averages straddling zero so the
	// base never drifts far enough to wrap.
	minSample := min(prevAverageDelay, s.averageDelay)
	maxSample := max(prevAverageDelay, s.averageDelay)
	var adjust int32
	if minSample > 0 {
		adjust = -minSample
	} else if maxSample < 0 {
		adjust = -maxSample
	}
	if adjust != 0 {
		s.averageDelayBase -= uint32(adjust)
		s.averageDelay += adjust
		prevAverageDelay += adjust
	}

	// µs per averageDelayInterval
	drift := s.averageDelay - prevAverageDelay
	s.clockDrift = int32((int64(s.clockDrift)*7 + int64(drift)) / 8)
	s.clockDriftRaw = drift
}

// duplicateAckResend resends the oldest unacked packet once the peer has
// repeated its cumulative ack duplicateAcksBeforeResend times. Moving
// fastResendSeqNum past it keeps later duplicates of the same loss from
// resending it again.
func (s *Socket) duplicateAckResend() {
	oldest := s.seqNum - s.curWindowPackets
	if seqLess(oldest, s.fastResendSeqNum) {
		return
	}
	pkt := s.outbuf.get(int(oldest))
	if pkt == nil || pkt.transmissions == 0 {
		return
	}
	s.log(logNormal, "duplicate acks, resending", "seq", oldest, "dup_ack", s.duplicateAck)
	s.stats.FastReXmit++
	s.fastResendSeqNum = oldest + 1
	s.sendPacket(pkt)
	s.maybeDecayWin(s.ctx.currentMS)
}

// ackPacket marks one outgoing packet acked. It returns 0 if the packet was
// acked, 1 if the slot was already empty and 2 if the packet was never
// transmitted.
func (s *Socket) ackPacket(seq uint16) int {
	pkt := s.outbuf.get(int(seq))
	if pkt == nil {
		s.log(logDebug, "got ack (already acked, or never sent)", "seq", seq)
		return 1
	}
	if pkt.transmissions == 0 {
		s.log(logDebug, "got ack (never sent)", "seq", seq, "pkt_size", pkt.payload, "need_resend", pkt.needResend)
		return 2
	}

	s.log(logDebug, "got ack", "seq", seq, "pkt_size", pkt.payload, "need_resend", pkt.needResend)

	// every copy of a probe went out with DF set
	if s.mtuProbeSeq != 0 && seq == s.mtuProbeSeq {
		s.mtuFloor = s.mtuProbeSize
		s.mtuSearchUpdate()
		s.log(logMTU, "MTU [ACK]", "floor", s.mtuFloor, "ceiling", s.mtuCeiling, "current", s.mtuLast)
	}

	s.outbuf.put(int(seq), nil)

	// retransmitted packets give ambiguous samples
	if pkt.transmissions == 1 {
		ertt := uint32((s.ctx.host.Microseconds(s) - pkt.timeSent) / 1000)
		if s.rtt == 0 {
			s.rtt = ertt
			s.rttVariance = ertt / 2
		} else {
			delta := int32(s.rtt) - int32(ertt)
			if delta < 0 {
				delta = -delta
			}
			s.rttVariance = uint32(int32(s.rttVariance) + (delta-int32(s.rttVariance))/4)
			s.rtt = s.rtt - s.rtt/8 + ertt/8
			s.rttHist.addSample(ertt, s.ctx.currentMS)
		}
		s.rto = max(s.rtt+s.rttVariance*4, minRTO)
		s.log(logDebug, "rtt", "ertt", ertt, "avg", s.rtt, "var", s.rttVariance, "rto", s.rto)
	}
	s.retransmitTimeout = s.rto
	s.rtoTimeout = s.ctx.currentMS + uint64(s.rto)
	// packets marked for resend already left curWindow on timeout
	if !pkt.needResend {
		utpAssert(s.curWindow >= pkt.payload)
		s.curWindow -= pkt.payload
	}
	s.retransmitCount = 0
	return 0
}

// selAckBits is the number of mask bits of a selective ack that are looked
// at.
func selAckBits(mask []byte) int {
	return min(len(mask)*8, maxEAck)
}

func selAckBitSet(mask []byte, bit int) bool {
	return mask[bit>>3]&(1<<(bit&7)) != 0
}

// inFlight reports whether v lies in the send window, excluding the oldest
// packet, which a selective ack can never cover.
func (s *Socket) inFlight(v uint16) bool {
	return s.seqNum-v-1 < s.curWindowPackets-1
}

// selectiveAckBytes counts the bytes of packets that the selective ack mask
// acknowledges, without acking them, and folds their round trip times into
// minRTT. base is the sequence number the first bit of mask refers to.
func (s *Socket) selectiveAckBytes(base uint16, mask []byte, minRTT *int64) int {
	if s.curWindowPackets == 0 {
		return 0
	}

	ackedBytes := 0
	now := s.ctx.host.Microseconds(s)
	for bits := selAckBits(mask) - 1; bits >= 0; bits-- {
		v := base + uint16(bits)
		if !s.inFlight(v) {
			continue
		}
		pkt := s.outbuf.get(int(v))
		if pkt == nil || pkt.transmissions == 0 {
			continue
		}
		if selAckBitSet(mask, bits) {
			utpAssert(pkt.payload >= 0)
			ackedBytes += pkt.payload
			*minRTT = minRTTSample(*minRTT, now, pkt.timeSent)
		}
	}
	return ackedBytes
}

// selectiveAck acks the packets the selective ack mask covers, and resends
// packets that at least duplicateAcksBeforeResend later packets have been
// received past.
func (s *Socket) selectiveAck(base uint16, mask []byte) {
	if s.curWindowPackets == 0 {
		return
	}

	bits := selAckBits(mask) - 1

	if s.ctx.wouldLog(logDebug) {
		bitmask := make([]byte, 0, bits+1)
		for i := bits; i >= 0; i-- {
			if selAckBitSet(mask, i) {
				bitmask = append(bitmask, '1')
			} else {
				bitmask = append(bitmask, '0')
			}
		}
		s.log(logDebug, "got EACK", "bits", string(bitmask), "base", base)
	}

	// Walk from the newest sequence number down, so count is the number of
	// packets received past v. resends is a stack; its top is the oldest
	// candidate.
	count := 0
	resends := make([]uint16, 0, maxEAck)
	push := func(v uint16) {
		if len(resends) >= maxEAck-2 {
			// keep the top half
			copy(resends, resends[maxEAck/2:])
			resends = resends[:len(resends)-maxEAck/2]
		}
		resends = append(resends, v)
	}
	canResend := func(v uint16) bool {
		return v-s.fastResendSeqNum <= outgoingBufferMaxSize && count >= duplicateAcksBeforeResend
	}

	for ; bits >= 0; bits-- {
		v := base + uint16(bits)

		// skips unsent packets and, with a reordered selective ack,
		// packets below the cumulative ack
		if !s.inFlight(v) {
			continue
		}

		// counts even if v was acked by an earlier selective ack
		bitSet := selAckBitSet(mask, bits)
		if bitSet {
			count++
		}

		pkt := s.outbuf.get(int(v))
		if pkt == nil || pkt.transmissions == 0 {
			s.log(logDebug, "skipping", "seq", v, "present", pkt != nil)
			continue
		}

		if bitSet {
			utpAssert(int(v)&s.outbuf.mask != int(s.seqNum-s.curWindowPackets)&s.outbuf.mask)
			s.ackPacket(v)
			continue
		}

		if canResend(v) {
			push(v)
			s.log(logDebug, "no ack", "seq", v)
		} else {
			s.log(logDebug, "not resending", "seq", v, "count", count, "dup_ack", s.duplicateAck, "fast_resend_seq_nr", s.fastResendSeqNum)
		}
	}

	// base-1 is the packet the peer is still waiting for
	if canResend(base - 1) {
		push(base - 1)
		s.log(logDebug, "no ack", "seq", base-1)
	} else {
		s.log(logDebug, "not resending", "seq", base-1, "count", count, "dup_ack", s.duplicateAck, "fast_resend_seq_nr", s.fastResendSeqNum)
	}

	backOff := false
	sent := 0
	for len(resends) > 0 && sent < maxFastResendsPerAck {
		v := resends[len(resends)-1]
		resends = resends[:len(resends)-1]
		pkt := s.outbuf.get(int(v))
		if pkt == nil {
			continue
		}
		s.log(logNormal, "packet lost, resending", "seq", v)

		backOff = true
		s.stats.ReXmit++
		s.sendPacket(pkt)
		s.fastResendSeqNum = v + 1
		sent++
	}

	if backOff {
		s.maybeDecayWin(s.ctx.currentMS)
	}

	s.duplicateAck = count
}
