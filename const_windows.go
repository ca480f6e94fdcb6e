// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

// flagTruncated is MSG_TRUNC from winsock2.h; package syscall does not
// define it on windows.
const flagTruncated = 0x0100
