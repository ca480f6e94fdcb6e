// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !utpdebug
// +build !utpdebug

package libutp

func (s *Socket) checkInvariants() {}
func (s *Socket) checkNoWindow()   {}
