// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build utpdebug
// +build utpdebug

package libutp

// checkInvariants verifies the window accounting and the reorder buffer.
// It is expensive and only built with the utpdebug tag.
func (s *Socket) checkInvariants() {
	if s.reorderCount > 0 {
		utpAssert(s.inbuf.get(int(s.ackNum)+1) == nil)
	}

	outstanding := 0
	for i := uint16(0); i < s.curWindowPackets; i++ {
		pkt := s.outbuf.get(int(s.seqNum - i - 1))
		if pkt == nil || pkt.transmissions == 0 || pkt.needResend {
			continue
		}
		outstanding += pkt.payload
	}
	utpAssert(outstanding == s.curWindow)
}

// checkNoWindow verifies that nothing is accounted as in flight once the
// send window is empty.
func (s *Socket) checkNoWindow() {
	if s.curWindowPackets == 0 {
		utpAssert(s.curWindow == 0)
	}
}
