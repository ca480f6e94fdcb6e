// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package buffers provides a fixed-size byte ring that one reader and one
// writer can block on.
package buffers

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrIsClosed is returned by blocking calls on a closed buffer.
	ErrIsClosed = errors.New("sync buffer is closed")
	// ErrReaderAlreadyWaiting is returned when a second reader tries to
	// block on the buffer.
	ErrReaderAlreadyWaiting = errors.New("a reader is already waiting")
	// ErrWriterAlreadyWaiting is returned when a second writer tries to
	// block on the buffer.
	ErrWriterAlreadyWaiting = errors.New("a writer is already waiting")
)

// SyncCircularBuffer is a fixed-capacity byte ring. At most one reader and
// one writer may be blocked on it at a time.
//
// Closing the buffer wakes any blocked reader or writer. Bytes already in
// the buffer can still be consumed after Close; once it is empty, blocking
// reads return ErrIsClosed.
type SyncCircularBuffer struct {
	lock   sync.Mutex
	buffer []byte

	readWaiter       chan struct{}
	readSizeTrigger  int
	writeWaiter      chan struct{}
	writeSizeTrigger int

	start  int
	end    int
	wraps  bool
	closed bool
}

// NewSyncBuffer creates a SyncCircularBuffer holding up to size bytes.
func NewSyncBuffer(size int) *SyncCircularBuffer {
	return &SyncCircularBuffer{
		buffer: make([]byte, size),
	}
}

// Cap returns the capacity of the buffer.
func (sb *SyncCircularBuffer) Cap() int {
	return len(sb.buffer)
}

// WaitForBytesChan returns a channel that receives a value once at least n
// bytes are available, or is closed without a value when the buffer is
// closed. cancelWait must be called if the caller stops waiting early.
func (sb *SyncCircularBuffer) WaitForBytesChan(n int) (c <-chan struct{}, cancelWait func(), err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.readWaiter != nil {
		return nil, nil, ErrReaderAlreadyWaiting
	}
	rw := make(chan struct{}, 1)
	if sb.spaceUsed() >= n {
		rw <- struct{}{}
		close(rw)
		return rw, func() {}, nil
	}
	if sb.closed {
		close(rw)
		return rw, func() {}, nil
	}
	sb.readWaiter = rw
	sb.readSizeTrigger = n
	return sb.readWaiter, func() { sb.cancelReadWait(rw) }, nil
}

// WaitForSpaceChan is the writer's counterpart of WaitForBytesChan.
func (sb *SyncCircularBuffer) WaitForSpaceChan(n int) (c <-chan struct{}, cancelWait func(), err error) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.waitForSpaceChan(n)
}

func (sb *SyncCircularBuffer) waitForSpaceChan(n int) (c <-chan struct{}, cancelWait func(), err error) {
	if sb.writeWaiter != nil {
		return nil, nil, ErrWriterAlreadyWaiting
	}
	ww := make(chan struct{}, 1)
	if sb.closed {
		close(ww)
		return ww, func() {}, nil
	}
	if sb.spaceAvailable() >= n {
		ww <- struct{}{}
		close(ww)
		return ww, func() {}, nil
	}
	sb.writeWaiter = ww
	sb.writeSizeTrigger = n
	return sb.writeWaiter, func() { sb.cancelWriteWait(ww) }, nil
}

func (sb *SyncCircularBuffer) cancelWriteWait(waitChan <-chan struct{}) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.writeWaiter != nil && sb.writeWaiter == waitChan {
		sb.writeWaiter = nil
	}
}

func (sb *SyncCircularBuffer) cancelReadWait(waitChan <-chan struct{}) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.readWaiter != nil && sb.readWaiter == waitChan {
		sb.readWaiter = nil
	}
}

// Append adds all of data to the buffer, blocking until there is room for
// it. data must not be larger than the buffer.
func (sb *SyncCircularBuffer) Append(ctx context.Context, data []byte) error {
	if len(data) > len(sb.buffer) {
		return fmt.Errorf("append of %d bytes can never fit in buffer of size %d", len(data), len(sb.buffer))
	}
	for {
		if sb.isClosed() {
			return ErrIsClosed
		}
		if sb.TryAppend(data) {
			return nil
		}
		waitForSpace, cancelWait, err := sb.WaitForSpaceChan(len(data))
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return ctx.Err()
		case _, ok := <-waitForSpace:
			if !ok {
				return ErrIsClosed
			}
		}
	}
}

// Consume reads up to len(data) bytes, blocking until at least one byte is
// available.
func (sb *SyncCircularBuffer) Consume(ctx context.Context, data []byte) (n int, err error) {
	for {
		if n, ok := sb.TryConsume(data); ok {
			return n, nil
		}
		waitChan, cancelWait, err := sb.WaitForBytesChan(1)
		if err != nil {
			return 0, err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return 0, ctx.Err()
		case _, ok := <-waitChan:
			if !ok {
				// closed, but a final append may have raced with us
				if n, ok := sb.TryConsume(data); ok {
					return n, nil
				}
				return 0, ErrIsClosed
			}
		}
	}
}

// ConsumeFull fills all of data, blocking until enough bytes are available.
func (sb *SyncCircularBuffer) ConsumeFull(ctx context.Context, data []byte) error {
	for {
		if sb.TryConsumeFull(data) {
			return nil
		}
		waitChan, cancelWait, err := sb.WaitForBytesChan(len(data))
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			cancelWait()
			return ctx.Err()
		case _, ok := <-waitChan:
			if !ok {
				if sb.TryConsumeFull(data) {
					return nil
				}
				return ErrIsClosed
			}
		}
	}
}

// TryAppend adds all of data to the buffer if there is room for it, and
// reports whether it did. Nothing is added to a closed buffer.
func (sb *SyncCircularBuffer) TryAppend(data []byte) (ok bool) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.closed || sb.spaceAvailable() < len(data) {
		return false
	}

	if !sb.wraps {
		bytesToCopy := len(sb.buffer) - sb.end
		if len(data) < bytesToCopy {
			bytesToCopy = len(data)
		}
		copy(sb.buffer[sb.end:sb.end+bytesToCopy], data[:bytesToCopy])
		data = data[bytesToCopy:]
		sb.end += bytesToCopy
		if sb.end == len(sb.buffer) {
			sb.end = 0
			sb.wraps = true
		}
	}
	if sb.wraps && len(data) > 0 {
		if len(data) > sb.start-sb.end {
			panic(fmt.Sprintf("internal error: %d too big (start=%d, end=%d, size=%d, wraps=%v)", len(data), sb.start, sb.end, len(sb.buffer), sb.wraps))
		}
		copy(sb.buffer[sb.end:sb.end+len(data)], data)
		sb.end += len(data)
	}
	if sb.readWaiter != nil && sb.spaceUsed() >= sb.readSizeTrigger {
		rw := sb.readWaiter
		sb.readWaiter = nil
		rw <- struct{}{}
		close(rw)
	}
	return true
}

// TryConsume reads up to len(data) bytes without blocking. ok is false if
// the buffer was empty.
func (sb *SyncCircularBuffer) TryConsume(data []byte) (n int, ok bool) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	haveBytes := sb.spaceUsed()
	if haveBytes == 0 {
		return 0, false
	}
	if len(data) > haveBytes {
		// do a short read
		data = data[:haveBytes]
	}

	sb.popFromBuffer(data)
	return len(data), true
}

// TryConsumeFull fills all of data if enough bytes are buffered, and
// reports whether it did.
func (sb *SyncCircularBuffer) TryConsumeFull(data []byte) (ok bool) {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	if sb.spaceUsed() < len(data) {
		return false
	}

	sb.popFromBuffer(data)
	return true
}

func (sb *SyncCircularBuffer) popFromBuffer(data []byte) {
	if sb.wraps {
		bytesToCopy := len(sb.buffer) - sb.start
		if len(data) < bytesToCopy {
			bytesToCopy = len(data)
		}
		copy(data[:bytesToCopy], sb.buffer[sb.start:sb.start+bytesToCopy])
		data = data[bytesToCopy:]
		sb.start += bytesToCopy
		if sb.start == len(sb.buffer) {
			sb.start = 0
			sb.wraps = false
		}
	}
	if !sb.wraps && len(data) > 0 {
		if len(data) > sb.end-sb.start {
			panic(fmt.Sprintf("internal error: don't have %d bytes avail (start=%d, end=%d, size=%d, wraps=%v)", len(data), sb.start, sb.end, len(sb.buffer), sb.wraps))
		}
		copy(data, sb.buffer[sb.start:sb.start+len(data)])
		sb.start += len(data)
	}
	if sb.writeWaiter != nil && sb.spaceAvailable() >= sb.writeSizeTrigger {
		ww := sb.writeWaiter
		sb.writeWaiter = nil
		ww <- struct{}{}
		close(ww)
	}
}

// FlushAndClose waits until the buffer has been emptied by the reader (or
// ctx is done), then closes it. A pending writer is cancelled first.
func (sb *SyncCircularBuffer) FlushAndClose(ctx context.Context) error {
	var (
		waitChan   <-chan struct{}
		cancelWait func()
	)
	func() {
		sb.lock.Lock()
		defer sb.lock.Unlock()

		if sb.writeWaiter != nil {
			close(sb.writeWaiter)
			sb.writeWaiter = nil
		}
		// model this as waiting for a write the size of the entire buffer
		var err error
		waitChan, cancelWait, err = sb.waitForSpaceChan(len(sb.buffer))
		if err != nil {
			panic(err)
		}
	}()
	var err error
	select {
	case <-waitChan:
	case <-ctx.Done():
		cancelWait()
		err = ctx.Err()
	}
	sb.Close()
	return err
}

// Close closes the buffer and wakes any waiting reader or writer.
func (sb *SyncCircularBuffer) Close() {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	sb.closed = true
	if sb.readWaiter != nil {
		close(sb.readWaiter)
		sb.readWaiter = nil
	}
	if sb.writeWaiter != nil {
		close(sb.writeWaiter)
		sb.writeWaiter = nil
	}
}

func (sb *SyncCircularBuffer) isClosed() bool {
	sb.lock.Lock()
	defer sb.lock.Unlock()
	return sb.closed
}

// SpaceAvailable returns the number of bytes that can be appended without
// blocking.
func (sb *SyncCircularBuffer) SpaceAvailable() int {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.spaceAvailable()
}

func (sb *SyncCircularBuffer) spaceAvailable() int {
	if sb.wraps {
		return sb.start - sb.end
	}
	return len(sb.buffer) - sb.end + sb.start
}

// SpaceUsed returns the number of buffered bytes.
func (sb *SyncCircularBuffer) SpaceUsed() int {
	sb.lock.Lock()
	defer sb.lock.Unlock()

	return sb.spaceUsed()
}

func (sb *SyncCircularBuffer) spaceUsed() int {
	if sb.wraps {
		return len(sb.buffer) + sb.end - sb.start
	}
	return sb.end - sb.start
}
