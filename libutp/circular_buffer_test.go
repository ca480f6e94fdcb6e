// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularBufferGetPut(t *testing.T) {
	cb := newSizableCircularBuffer[[]byte]()
	require.Equal(t, initialBufferMask+1, cb.size())

	cb.put(3, []byte("three"))
	assert.Equal(t, []byte("three"), cb.get(3))
	// indices alias modulo the size
	assert.Equal(t, []byte("three"), cb.get(3+cb.size()))
	assert.Nil(t, cb.get(4))
}

func TestCircularBufferGrowKeepsLiveWindow(t *testing.T) {
	cb := newSizableCircularBuffer[*outgoingPacket]()

	// fill a window of 16 entries that straddles the 16-bit wrap
	first := 0xfff8
	for i := 0; i < 16; i++ {
		seq := int(uint16(first + i))
		cb.ensureSize(seq, i)
		cb.put(seq, &outgoingPacket{payload: i})
	}
	require.Equal(t, 16, cb.size())

	// the 17th entry forces a grow
	next := int(uint16(first + 16))
	cb.ensureSize(next, 16)
	assert.Equal(t, 32, cb.size())
	cb.put(next, &outgoingPacket{payload: 16})

	for i := 0; i <= 16; i++ {
		pkt := cb.get(int(uint16(first + i)))
		require.NotNil(t, pkt, "entry %d", i)
		assert.Equal(t, i, pkt.payload)
	}
}

func TestCircularBufferGrowsToFitLargeJump(t *testing.T) {
	cb := newSizableCircularBuffer[[]byte]()
	cb.ensureSize(1000, 700)
	assert.Equal(t, 1024, cb.size())

	cb.ensureSize(1001, 10)
	assert.Equal(t, 1024, cb.size())
}
