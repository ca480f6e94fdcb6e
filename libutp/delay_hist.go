// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import "math"

const (
	// curDelaySize controls the amount of history to be kept for the
	// curDelay measurements on a connection.
	curDelaySize = 3
	// delayBaseHistory controls the amount of history to be kept for the
	// delayBase measurements on a connection, in minutes. A clock skew of
	// 10 ms per 325 seconds is not impossible, so the base is effectively
	// reset every delayBaseHistory minutes. Skew in the other direction is
	// handled by shift().
	delayBaseHistory = 13
	// delayBaseStepInterval is how often, in milliseconds, a new slot of
	// delayBaseHist is started.
	delayBaseStepInterval = 60 * 1000
)

// delayHist keeps a rolling minimum ("base") of one-way delay samples and
// a short history of samples relative to that base. The base absorbs the
// clock offset between the peers and the propagation delay, leaving the
// queuing delay in curDelayHist.
type delayHist struct {
	delayBase uint32

	// this is the history of delay samples, normalized by using the
	// delayBase. These values measure the queuing delay in microseconds.
	curDelayHist [curDelaySize]uint32
	curDelayIdx  int

	// this is the history of delayBase. It's a number that doesn't have an
	// absolute meaning, only relative.
	delayBaseHist [delayBaseHistory]uint32
	delayBaseIdx  int
	// the time when we last stepped the delayBaseIdx
	delayBaseTime uint64

	delayBaseInitialized bool
}

func (dh *delayHist) clear(nowMS uint64) {
	dh.delayBaseInitialized = false
	dh.delayBase = 0
	dh.curDelayIdx = 0
	dh.delayBaseIdx = 0
	dh.delayBaseTime = nowMS
	for i := range dh.curDelayHist {
		dh.curDelayHist[i] = 0
	}
	for i := range dh.delayBaseHist {
		dh.delayBaseHist[i] = 0
	}
}

// shift increases all of our base delays by offset. This is used to take
// clock skew into account by observing the other side's changes in its
// delay base.
func (dh *delayHist) shift(offset uint32) {
	for i := range dh.delayBaseHist {
		dh.delayBaseHist[i] += offset
	}
	dh.delayBase += offset
}

// addSample records one raw delay sample. All arithmetic here is unsigned
// and expected to wrap: a base close to the max value and a sample that
// already wrapped past zero still yields the right difference, and a
// sample that is "below" the base is taken as the new base.
func (dh *delayHist) addSample(sample uint32, nowMS uint64) {
	if !dh.delayBaseInitialized {
		// initialize everything with this sample
		for i := range dh.delayBaseHist {
			dh.delayBaseHist[i] = sample
		}
		dh.delayBase = sample
		dh.delayBaseInitialized = true
	}

	if wrappingCompareLess(sample, dh.delayBaseHist[dh.delayBaseIdx], timestampMask) {
		dh.delayBaseHist[dh.delayBaseIdx] = sample
	}

	if wrappingCompareLess(sample, dh.delayBase, timestampMask) {
		dh.delayBase = sample
	}

	// this operation may wrap, and is supposed to
	delay := sample - dh.delayBase

	dh.curDelayHist[dh.curDelayIdx] = delay
	dh.curDelayIdx = (dh.curDelayIdx + 1) % curDelaySize

	// once every minute
	if nowMS-dh.delayBaseTime > delayBaseStepInterval {
		dh.delayBaseTime = nowMS
		dh.delayBaseIdx = (dh.delayBaseIdx + 1) % delayBaseHistory
		// clear up the new delay base history spot by initializing
		// it to the current sample, then update it
		dh.delayBaseHist[dh.delayBaseIdx] = sample
		dh.delayBase = dh.delayBaseHist[0]
		// assign the lowest delay in the last delayBaseHistory minutes
		for i := range dh.delayBaseHist {
			if wrappingCompareLess(dh.delayBaseHist[i], dh.delayBase, timestampMask) {
				dh.delayBase = dh.delayBaseHist[i]
			}
		}
	}
}

// getValue returns the smallest recent sample, or math.MaxUint32 if no
// sample has been recorded since the last clear.
func (dh *delayHist) getValue() uint32 {
	if !dh.delayBaseInitialized {
		return math.MaxUint32
	}
	value := uint32(math.MaxUint32)
	for _, v := range dh.curDelayHist {
		value = min(v, value)
	}
	return value
}
