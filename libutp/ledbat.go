// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

// applyLEDBATControl adjusts maxWindow after ackedBytes were acked, steering
// the one-way queuing delay towards the target delay. actualDelay is the
// delay the peer measured for our packets; minRTT (µs) caps our delay
// estimate.
func (s *Socket) applyLEDBATControl(ackedBytes int, actualDelay uint32, minRTT int64) {
	utpAssert(minRTT >= 0)
	ourDelay := int64(min(s.ourHist.getValue(), uint32(min(minRTT, int64(^uint32(0))))))

	if s.ctx.delayHandler != nil {
		s.ctx.delayHandler.OnDelaySample(s, int(ourDelay/1000))
	}

	target := int64(s.targetDelay)
	if target <= 0 {
		target = congestionControlTarget
	}

	// A peer whose clock runs markedly slow would otherwise see ever
	// shrinking delays and grab more than its share; penalize it in
	// proportion to the excess drift.
	var penalty int64
	if s.clockDrift < clockDriftPenaltyThreshold {
		penalty = (-int64(s.clockDrift) + clockDriftPenaltyThreshold) / 7
		ourDelay += penalty
	}

	offTarget := float64(target - ourDelay)

	// The gain is maxCWndIncreaseBytesPerRTT, scaled by the share of the
	// window this ack covers and by how far off target the delay is. At
	// most one full window counts, in case the window shrank recently.
	utpAssert(ackedBytes > 0)
	windowFactor := float64(min(ackedBytes, s.maxWindow)) / float64(max(s.maxWindow, ackedBytes))
	delayFactor := offTarget / float64(target)
	scaledGain := maxCWndIncreaseBytesPerRTT * windowFactor * delayFactor

	// An application-limited sender never fills the window; do not let it
	// grow without bound.
	if scaledGain > 0 && s.ctx.currentMS-s.lastMaxedOutWindow > 1000 {
		scaledGain = 0
	}

	ledbatCWnd := minWindowSize
	if w := float64(s.maxWindow) + scaledGain; w >= minWindowSize {
		ledbatCWnd = int(w)
	}

	if s.slowStart {
		ssCWnd := int(float64(s.maxWindow) + windowFactor*float64(s.getPacketSize()))
		switch {
		case ssCWnd > s.ssthresh:
			s.slowStart = false
		case float64(ourDelay) > float64(target)*0.9:
			// close enough to the target to stop doubling
			s.slowStart = false
			s.ssthresh = s.maxWindow
		default:
			s.maxWindow = max(ssCWnd, ledbatCWnd)
		}
	} else {
		s.maxWindow = ledbatCWnd
	}

	s.clampWindow()

	if s.ctx.wouldLog(logNormal) {
		base := s.rttHist.delayBase
		if base == 0 {
			base = 50
		}
		rate := s.maxWindow * 1000 / int(base)
		s.log(logNormal, "congestion control",
			"actual_delay", actualDelay,
			"our_delay", ourDelay/1000,
			"their_delay", s.theirHist.getValue()/1000,
			"off_target", int(offTarget/1000),
			"max_window", s.maxWindow,
			"delay_base", s.ourHist.delayBase,
			"target_delay", target/1000,
			"acked_bytes", ackedBytes,
			"cur_window", s.curWindow-ackedBytes,
			"scaled_gain", scaledGain,
			"rtt", s.rtt,
			"rate", rate,
			"wnduser", s.maxWindowUser,
			"rto", s.rto,
			"cur_window_packets", s.curWindowPackets,
			"packet_size", s.getPacketSize(),
			"average_delay", s.averageDelay,
			"clock_drift", s.clockDrift,
			"clock_drift_raw", s.clockDriftRaw,
			"delay_penalty", penalty/1000,
			"slow_start", s.slowStart,
			"ssthresh", s.ssthresh)
	}
}

// maybeDecayWin halves maxWindow in response to loss, at most once every
// maxWindowDecay milliseconds, and leaves slow start.
func (s *Socket) maybeDecayWin(nowMS uint64) {
	if int64(nowMS-s.lastRWinDecay) < maxWindowDecay {
		return
	}
	s.maxWindow = max(s.maxWindow/2, minWindowSize)
	s.lastRWinDecay = nowMS
	s.slowStart = false
	s.ssthresh = s.maxWindow
}
