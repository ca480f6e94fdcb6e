// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"net"
	"syscall"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// setSocketOptions turns on path MTU discovery, which (at least for
// non-SOCK_STREAM sockets) forces the don't-fragment flag on for all
// outgoing packets, and the extended error queue, which is how ICMP reports
// reach us.
func setSocketOptions(conn *net.UDPConn) error {
	sc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	is4 := conn.LocalAddr().(*net.UDPAddr).IP.To4() != nil
	var setErr error
	callErr := sc.Control(func(fd uintptr) {
		if is4 {
			setErr = multierr.Combine(
				unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO),
				unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVERR, 1),
			)
			return
		}
		setErr = multierr.Combine(
			unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO),
			unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVERR, 1),
		)
		// v4-mapped peers of a dual-stack socket; allowed to fail
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVERR, 1)
	})
	return multierr.Combine(callErr, setErr)
}

type errQueueReport struct {
	errno   syscall.Errno
	info    uint32
	to      *net.UDPAddr
	payload []byte
}

// processUDPErrorQueue drains the socket error queue (see IP_RECVERR in
// ip(7)) and hands each report to the engine. baseConnLock must be held.
func (sm *socketManager) processUDPErrorQueue() {
	sc, err := sm.udpSocket.SyscallConn()
	if err != nil {
		sm.logger.Error(err, "could not access SyscallConn interface of UDP socket")
		return
	}

	var reports []errQueueReport
	data := make([]byte, maxDatagramSize)
	oob := make([]byte, 1024)
	callErr := sc.Control(func(fd uintptr) {
		for {
			n, oobn, flags, from, err := unix.Recvmsg(int(fd), data, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
			if err != nil {
				// EAGAIN: the queue is empty
				return
			}
			if flags&unix.MSG_CTRUNC != 0 {
				sm.logger.V(1).Info("error queue control data truncated")
			}
			cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				sm.logger.V(1).Info("could not parse socket control messages", "err", err)
				continue
			}
			to := sockaddrToUDPAddr(from)
			for _, cmsg := range cmsgs {
				isRecvErr := (cmsg.Header.Level == unix.IPPROTO_IP && cmsg.Header.Type == unix.IP_RECVERR) ||
					(cmsg.Header.Level == unix.IPPROTO_IPV6 && cmsg.Header.Type == unix.IPV6_RECVERR)
				if !isRecvErr || len(cmsg.Data) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
					continue
				}
				ee := (*unix.SockExtendedErr)(unsafe.Pointer(&cmsg.Data[0]))
				reports = append(reports, errQueueReport{
					errno:   syscall.Errno(ee.Errno),
					info:    ee.Info,
					to:      to,
					payload: append([]byte(nil), data[:n]...),
				})
			}
		}
	})
	if callErr != nil {
		sm.logger.Error(callErr, "could not process UDP error queue")
	}

	for _, r := range reports {
		if r.to == nil {
			continue
		}
		switch {
		case r.errno == syscall.EMSGSIZE:
			mtu := r.info
			if mtu > 0xffff {
				mtu = 0xffff
			}
			sm.ctx.ProcessICMPFragmentation(r.payload, r.to, uint16(mtu))
		case isSocketError(r.errno):
			sm.ctx.ProcessICMPError(r.payload, r.to)
		default:
			sm.logger.V(1).Info("ignoring error queue report", "errno", r.errno, "to", r.to)
		}
	}
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: append(net.IP(nil), addr.Addr[:]...), Port: addr.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: append(net.IP(nil), addr.Addr[:]...), Port: addr.Port}
	}
	return nil
}
