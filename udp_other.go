// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !linux && !darwin
// +build !linux,!darwin

package utp

import "net"

func setSocketOptions(conn *net.UDPConn) error { return nil }

func (sm *socketManager) processUDPErrorQueue() {}
