// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"net"

	"golang.org/x/sys/unix"
)

const (
	ipDontFrag   = 28 // in bsd/netinet/in.h as of xnu 7195.50.7.100.1
	ipv6DontFrag = 62 // in bsd/netinet6/in6.h
)

// setSocketOptions sets the don't-fragment flag on all outgoing packets.
// Mac OSes older than 11.3 Big Sur may not support the IPv4 option.
func setSocketOptions(conn *net.UDPConn) error {
	option := ipDontFrag
	level := unix.IPPROTO_IP
	if conn.LocalAddr().(*net.UDPAddr).IP.To4() == nil {
		option = ipv6DontFrag
		level = unix.IPPROTO_IPV6
	}
	sc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	callErr := sc.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), level, option, 1)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// processUDPErrorQueue is a no-op; ICMP reports have to be fed in through
// ProcessICMP.
func (sm *socketManager) processUDPErrorQueue() {}
