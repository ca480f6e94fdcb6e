// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import "net"

const (
	ethernetMTU     = 1500
	ipv4HeaderSize  = 20
	ipv6HeaderSize  = 40
	udpHeaderSize   = 8
	greHeaderSize   = 24
	pppoeHeaderSize = 8
	mppeHeaderSize  = 2

	fudgeHeaderSize = 36
	teredoMTU       = 1280

	udpIPv4Overhead   = ipv4HeaderSize + udpHeaderSize
	udpIPv6Overhead   = ipv6HeaderSize + udpHeaderSize
	udpTeredoOverhead = udpIPv4Overhead + udpIPv6Overhead

	udpIPv4MTU   = ethernetMTU - ipv4HeaderSize - udpHeaderSize - greHeaderSize - pppoeHeaderSize - mppeHeaderSize - fudgeHeaderSize
	udpTeredoMTU = teredoMTU - ipv6HeaderSize - udpHeaderSize
)

// GetUDPMTU returns a best guess as to the MTU (maximum transmission unit) on
// the network to which the specified address belongs (IPv4 or IPv6). It is
// used when the Host does not implement PathInfo.
func GetUDPMTU(addr *net.UDPAddr) uint16 {
	// Since we don't know the local address of the interface,
	// be conservative and assume all IPv6 connections are Teredo.
	if isIPv6(addr) {
		return udpTeredoMTU
	}
	return udpIPv4MTU
}

// GetUDPOverhead returns the IP+UDP framing size for addr when the Host does
// not implement PathInfo.
func GetUDPOverhead(addr *net.UDPAddr) uint16 {
	if isIPv6(addr) {
		return udpTeredoOverhead
	}
	return udpIPv4Overhead
}

func isIPv6(addr *net.UDPAddr) bool {
	return addr != nil && addr.IP.To4() == nil
}

// getPacketSize is the largest payload we put in one packet: the MTU
// currently in use, less the µTP header.
func (s *Socket) getPacketSize() int {
	mtu := s.mtuLast
	if mtu == 0 {
		mtu = s.mtuCeiling
	}
	return mtu - sizeofPacketHeader
}

// mtuSearchUpdate moves mtuLast to the middle of the search interval, or
// ends the search when the interval is small enough.
func (s *Socket) mtuSearchUpdate() {
	utpAssert(s.mtuFloor <= s.mtuCeiling)

	// binary search
	s.mtuLast = (s.mtuFloor + s.mtuCeiling) / 2

	// enable a new probe to be sent
	s.mtuProbeSeq = 0
	s.mtuProbeSize = 0

	// close enough: floor is the only size known to get through, so
	// settle on it and stop probing until the next discovery round
	if s.mtuCeiling-s.mtuFloor <= mtuSearchDoneGap {
		s.mtuLast = s.mtuFloor
		s.log(logMTU, "MTU [DONE]", "floor", s.mtuFloor, "ceiling", s.mtuCeiling, "current", s.mtuLast)
		s.mtuCeiling = s.mtuFloor
		utpAssert(s.mtuFloor <= s.mtuCeiling)
		// Do another search in 30 minutes
		s.mtuDiscoverTime = s.ctx.host.Milliseconds(s) + mtuDiscoverInterval
	}
}

// mtuReset restarts the MTU search between the default floor and the
// path's MTU.
func (s *Socket) mtuReset() {
	s.mtuCeiling = s.getUDPMTU()
	s.mtuFloor = min(mtuFloorDefault, s.mtuCeiling)
	s.log(logMTU, "MTU [RESET]", "floor", s.mtuFloor, "ceiling", s.mtuCeiling, "current", s.mtuLast)
	utpAssert(s.mtuFloor <= s.mtuCeiling)
	s.mtuDiscoverTime = s.ctx.host.Milliseconds(s) + mtuDiscoverInterval
}

// processICMPFragmentation handles an ICMP "fragmentation needed" report
// for a packet this socket sent.
func (s *Socket) processICMPFragmentation(nextHopMTU int) {
	if nextHopMTU >= mtuFloorDefault && nextHopMTU < mtuSaneCeilingUpper {
		s.mtuCeiling = min(nextHopMTU, s.mtuCeiling)
		s.mtuFloor = min(s.mtuFloor, s.mtuCeiling)
		s.mtuSearchUpdate()
		// try the reported size itself next. Hops further along the path
		// may still be smaller, so the floor stays where it is.
		s.mtuLast = s.mtuCeiling
	} else {
		// the reported MTU can't be trusted, and we don't know which
		// packet failed. Halving the search interval is conservative.
		s.mtuCeiling = (s.mtuFloor + s.mtuCeiling) / 2
		s.mtuSearchUpdate()
	}
	s.log(logMTU, "MTU [ICMP]", "floor", s.mtuFloor, "ceiling", s.mtuCeiling, "current", s.mtuLast)
}
