// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

// initialBufferMask gives the starting capacity (mask+1) of both the reorder
// buffer and the outgoing buffer of a socket.
const initialBufferMask = 15

// sizableCircularBuffer is a power-of-two sized ring addressed by sequence
// number. Slot i lives at elements[i&mask]. Growing keeps every element
// within reach of the most recent index at the same logical position.
type sizableCircularBuffer[T any] struct {
	// This is the mask. Since it's always a power of 2, adding 1 to this value will return the size.
	mask int
	// This is the elements that the circular buffer points to
	elements []T
}

func newSizableCircularBuffer[T any]() sizableCircularBuffer[T] {
	return sizableCircularBuffer[T]{
		mask:     initialBufferMask,
		elements: make([]T, initialBufferMask+1),
	}
}

func (scb *sizableCircularBuffer[T]) get(i int) T {
	return scb.elements[i&scb.mask]
}

func (scb *sizableCircularBuffer[T]) put(i int, data T) {
	scb.elements[i&scb.mask] = data
}

// ensureSize makes room for index slots behind item, growing when index
// exceeds the current mask.
func (scb *sizableCircularBuffer[T]) ensureSize(item, index int) {
	if index > scb.mask {
		scb.grow(item, index)
	}
}

func (scb *sizableCircularBuffer[T]) size() int {
	return scb.mask + 1
}

// grow doubles the capacity until index fits. item is the element we want
// to make space for; index is its distance from the oldest live slot.
func (scb *sizableCircularBuffer[T]) grow(item, index int) {
	size := scb.mask + 1
	for {
		size *= 2
		if index < size {
			break
		}
	}

	buf := make([]T, size)
	size--

	// copy elements from the old buffer to the new buffer
	for i := 0; i <= scb.mask; i++ {
		buf[(item-index+i)&size] = scb.get(item - index + i)
	}

	scb.mask = size
	scb.elements = buf
}
