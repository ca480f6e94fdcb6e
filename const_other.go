// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !windows
// +build !windows

package utp

import "syscall"

// flagTruncated is set in the ReadMsgUDP flags when a datagram did not fit
// the receive buffer.
const flagTruncated = syscall.MSG_TRUNC
