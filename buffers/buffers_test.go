// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package buffers_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"storj.io/utpcore/buffers"
)

func TestWrapAround(t *testing.T) {
	sb := buffers.NewSyncBuffer(10)
	require.Equal(t, 10, sb.Cap())

	require.True(t, sb.TryAppend([]byte("abcdefg")))
	buf := make([]byte, 5)
	require.True(t, sb.TryConsumeFull(buf))
	assert.Equal(t, "abcde", string(buf))

	// only 3 bytes are left at the end of the ring; this wraps
	require.True(t, sb.TryAppend([]byte("hijklmn")))
	assert.Equal(t, 9, sb.SpaceUsed())
	assert.Equal(t, 1, sb.SpaceAvailable())
	assert.False(t, sb.TryAppend([]byte("xy")))

	buf = make([]byte, 20)
	n, ok := sb.TryConsume(buf)
	require.True(t, ok)
	assert.Equal(t, "fghijklmn", string(buf[:n]))

	_, ok = sb.TryConsume(buf)
	assert.False(t, ok)
	assert.Equal(t, 10, sb.SpaceAvailable())
}

func TestFillExactly(t *testing.T) {
	sb := buffers.NewSyncBuffer(4)
	require.True(t, sb.TryAppend([]byte("abcd")))
	assert.Zero(t, sb.SpaceAvailable())
	assert.Equal(t, 4, sb.SpaceUsed())
	assert.False(t, sb.TryConsumeFull(make([]byte, 5)))

	buf := make([]byte, 4)
	require.True(t, sb.TryConsumeFull(buf))
	assert.Equal(t, "abcd", string(buf))
	assert.Zero(t, sb.SpaceUsed())
}

func TestBlockingTransfer(t *testing.T) {
	sb := buffers.NewSyncBuffer(7)
	data := bytes.Repeat([]byte("0123456789"), 100)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var group errgroup.Group
	group.Go(func() error {
		for i := 0; i < len(data); i += 5 {
			end := i + 5
			if end > len(data) {
				end = len(data)
			}
			if err := sb.Append(ctx, data[i:end]); err != nil {
				return err
			}
		}
		return sb.FlushAndClose(ctx)
	})

	var got []byte
	group.Go(func() error {
		buf := make([]byte, 3)
		for {
			n, err := sb.Consume(ctx, buf)
			if err != nil {
				if err == buffers.ErrIsClosed {
					return nil
				}
				return err
			}
			got = append(got, buf[:n]...)
		}
	})
	require.NoError(t, group.Wait())
	assert.Equal(t, data, got)
}

func TestConsumeFullWaits(t *testing.T) {
	sb := buffers.NewSyncBuffer(16)
	ctx := context.Background()

	done := make(chan error, 1)
	buf := make([]byte, 6)
	go func() { done <- sb.ConsumeFull(ctx, buf) }()

	require.NoError(t, sb.Append(ctx, []byte("abc")))
	select {
	case err := <-done:
		t.Fatalf("ConsumeFull returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, sb.Append(ctx, []byte("def")))
	require.NoError(t, <-done)
	assert.Equal(t, "abcdef", string(buf))
}

func TestCloseKeepsBufferedBytes(t *testing.T) {
	sb := buffers.NewSyncBuffer(8)
	ctx := context.Background()
	require.True(t, sb.TryAppend([]byte("last")))
	sb.Close()

	assert.False(t, sb.TryAppend([]byte("x")))
	assert.ErrorIs(t, sb.Append(ctx, []byte("x")), buffers.ErrIsClosed)

	buf := make([]byte, 8)
	n, err := sb.Consume(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "last", string(buf[:n]))

	_, err = sb.Consume(ctx, buf)
	assert.ErrorIs(t, err, buffers.ErrIsClosed)
	assert.ErrorIs(t, sb.ConsumeFull(ctx, buf[:1]), buffers.ErrIsClosed)
}

func TestCloseWakesWaiters(t *testing.T) {
	sb := buffers.NewSyncBuffer(2)
	ctx := context.Background()
	require.True(t, sb.TryAppend([]byte("ab")))

	var group errgroup.Group
	group.Go(func() error {
		err := sb.Append(ctx, []byte("cd"))
		if err != buffers.ErrIsClosed {
			return err
		}
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	sb.Close()
	require.NoError(t, group.Wait())
}

func TestSingleWaiter(t *testing.T) {
	sb := buffers.NewSyncBuffer(4)

	_, cancelRead, err := sb.WaitForBytesChan(1)
	require.NoError(t, err)
	_, _, err = sb.WaitForBytesChan(1)
	assert.ErrorIs(t, err, buffers.ErrReaderAlreadyWaiting)
	cancelRead()
	_, cancelRead, err = sb.WaitForBytesChan(1)
	require.NoError(t, err)
	cancelRead()

	require.True(t, sb.TryAppend([]byte("abcd")))
	_, cancelWrite, err := sb.WaitForSpaceChan(1)
	require.NoError(t, err)
	_, _, err = sb.WaitForSpaceChan(1)
	assert.ErrorIs(t, err, buffers.ErrWriterAlreadyWaiting)
	cancelWrite()
}

func TestContextCancel(t *testing.T) {
	sb := buffers.NewSyncBuffer(4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sb.Consume(ctx, make([]byte, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the cancelled wait is no longer registered
	_, cancelRead, err := sb.WaitForBytesChan(1)
	require.NoError(t, err)
	cancelRead()

	assert.Error(t, sb.Append(context.Background(), make([]byte, 5)))
}
