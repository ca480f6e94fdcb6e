// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

const (
	seqNumberMask = 0xFFFF
	ackNumberMask = 0xFFFF
	timestampMask = 0xFFFFFFFF
)

// wrappingCompareLess reports whether lhs is less than rhs in the modular
// space described by mask (one less than a power of two). If lhs is close
// to mask and rhs is close to 0, lhs is assumed to have wrapped and is
// considered smaller.
func wrappingCompareLess(lhs, rhs, mask uint32) bool {
	// distance walking from lhs to rhs, downwards
	distDown := (lhs - rhs) & mask
	// distance walking from lhs to rhs, upwards
	distUp := (rhs - lhs) & mask

	// if the distance walking up is shorter, lhs
	// is less than rhs. If the distance walking down
	// is shorter, then rhs is less than lhs
	return distUp < distDown
}

// seqLess compares two 16-bit sequence numbers.
func seqLess(lhs, rhs uint16) bool {
	return wrappingCompareLess(uint32(lhs), uint32(rhs), seqNumberMask)
}
