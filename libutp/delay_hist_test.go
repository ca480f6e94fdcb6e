// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDelayHistEmpty(t *testing.T) {
	var dh delayHist
	dh.clear(0)
	assert.Equal(t, uint32(math.MaxUint32), dh.getValue())
}

func TestDelayHistMinimumOfRecentSamples(t *testing.T) {
	var dh delayHist
	dh.clear(0)

	dh.addSample(1000, 0)
	assert.Equal(t, uint32(1000), dh.delayBase)
	assert.Equal(t, uint32(0), dh.getValue())

	dh.addSample(1500, 10)
	dh.addSample(1300, 20)
	dh.addSample(1200, 30)
	// the first sample (0 above base) has been pushed out
	assert.Equal(t, uint32(200), dh.getValue())

	// a lower sample becomes the new base
	dh.addSample(900, 40)
	assert.Equal(t, uint32(900), dh.delayBase)
	assert.Equal(t, uint32(0), dh.getValue())
}

func TestDelayHistWrappingSample(t *testing.T) {
	var dh delayHist
	dh.clear(0)

	dh.addSample(0xfffffff0, 0)
	// 0x20 past the base, after the counter wrapped
	dh.addSample(0x10, 1)
	dh.addSample(0x10, 2)
	dh.addSample(0x10, 3)
	assert.Equal(t, uint32(0xfffffff0), dh.delayBase)
	assert.Equal(t, uint32(0x20), dh.getValue())
}

func TestDelayHistShift(t *testing.T) {
	var dh delayHist
	dh.clear(0)
	dh.addSample(5000, 0)

	dh.shift(300)
	assert.Equal(t, uint32(5300), dh.delayBase)
	for _, v := range dh.delayBaseHist {
		assert.Equal(t, uint32(5300), v)
	}
}

func TestDelayHistBaseExpires(t *testing.T) {
	var dh delayHist
	dh.clear(0)
	dh.addSample(100, 0)

	// keep feeding higher samples, one per base slot, until the low
	// sample has rolled out of the history
	now := uint64(0)
	for i := 0; i < delayBaseHistory; i++ {
		now += delayBaseStepInterval + 1
		dh.addSample(5000, now)
	}
	assert.Equal(t, uint32(5000), dh.delayBase)
}
