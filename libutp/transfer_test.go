// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFlag int

const (
	simulatePacketLoss testFlag = 1 << iota
	simulatePacketReorder
	heavyLoss
	duplicatePackets
)

func TestTransfer(t *testing.T) {
	testTransfer(t, 0)
}

func TestTransferWithSimulatedPacketLoss(t *testing.T) {
	testTransfer(t, simulatePacketLoss)
}

func TestTransferWithSimulatedPacketLossAndReorder(t *testing.T) {
	testTransfer(t, simulatePacketLoss|simulatePacketReorder)
}

func TestTransferWithHeavySimulatedPacketLossAndReorder(t *testing.T) {
	testTransfer(t, simulatePacketLoss|simulatePacketReorder|heavyLoss)
}

func TestTransferWithSimulatedPacketReorder(t *testing.T) {
	testTransfer(t, simulatePacketReorder)
}

func TestTransferWithDuplicatedPackets(t *testing.T) {
	testTransfer(t, duplicatePackets)
}

func testTransfer(t *testing.T, flags testFlag) {
	ts := newTestScenario(t)

	if flags&simulatePacketLoss != 0 {
		ts.sender.lossEvery = 33
		ts.receiver.lossEvery = 47
		if flags&heavyLoss != 0 {
			ts.sender.lossEvery = 7
			ts.receiver.lossEvery = 13
		}
	}
	if flags&simulatePacketReorder != 0 {
		ts.sender.reorderEvery = 27
		ts.receiver.reorderEvery = 23
	}
	if flags&duplicatePackets != 0 {
		ts.sender.duplicate = true
		ts.receiver.duplicate = true
	}

	outgoing, incoming := ts.connect()
	assert.Equal(t, 1, outgoing.connects)

	data := testPattern(10 * 16 * 1024)
	outgoing.write(data)

	ok := ts.runUntil(20000, func() bool {
		return len(incoming.received) >= len(data)
	})
	require.True(t, ok, "received %d of %d bytes", len(incoming.received), len(data))
	require.Equal(t, data, incoming.received)
	assert.Equal(t, 1, outgoing.connects)

	if flags&duplicatePackets != 0 {
		assert.NotZero(t, incoming.sock.Stats().NDupRecv)
	}

	outgoing.close()
	ok = ts.runUntil(1500, func() bool { return incoming.eof })
	require.True(t, ok, "no EOF after close")

	// The sender may already be gone by the time our own FIN arrives; a
	// reset or a timeout on the closed socket is fine then.
	incoming.close()

	ok = ts.runUntil(6000, func() bool { return outgoing.destroyed && incoming.destroyed })
	require.True(t, ok, "sockets not destroyed: outgoing=%v incoming=%v", outgoing.destroyed, incoming.destroyed)
	assert.Zero(t, ts.sender.ctx.NumSockets())
	assert.Zero(t, ts.receiver.ctx.NumSockets())
	if flags&simulatePacketLoss == 0 {
		assert.Empty(t, outgoing.errs)
	}
}

func TestTransferBothDirections(t *testing.T) {
	ts := newTestScenario(t)
	outgoing, incoming := ts.connect()

	request := testPattern(3000)
	outgoing.write(request)
	ok := ts.runUntil(2000, func() bool { return len(incoming.received) >= len(request) })
	require.True(t, ok)
	require.Equal(t, request, incoming.received)

	// the accepting side became writable once our handshake ack arrived
	require.True(t, incoming.writable)
	response := testPattern(50000)
	incoming.write(response)
	ok = ts.runUntil(5000, func() bool { return len(outgoing.received) >= len(response) })
	require.True(t, ok)
	require.Equal(t, response, outgoing.received)
}

func TestAcceptorWritesFirst(t *testing.T) {
	ts := newTestScenario(t)
	outgoing, incoming := ts.connect()

	// the connector never sends data; its ack of the SYN-ACK is enough
	require.True(t, ts.runUntil(200, func() bool { return incoming.writable }))
	assert.Equal(t, csConnected, incoming.sock.ConnState())
	assert.Empty(t, ts.sender.sentOfType(stData))

	greeting := testPattern(20000)
	incoming.write(greeting)
	ok := ts.runUntil(4000, func() bool { return len(outgoing.received) >= len(greeting) })
	require.True(t, ok, "received %d of %d bytes", len(outgoing.received), len(greeting))
	require.Equal(t, greeting, outgoing.received)
	assert.Empty(t, incoming.received)
}

func TestCongestionWindowBounds(t *testing.T) {
	ts := newTestScenario(t)
	ts.sender.lossEvery = 11
	ts.receiver.lossEvery = 17
	ts.sender.reorderEvery = 5

	outgoing, incoming := ts.connect()
	s := outgoing.sock
	sndbuf, err := s.GetSockOpt(OptionSendBuffer)
	require.NoError(t, err)

	data := testPattern(200 * 1024)
	outgoing.write(data)
	ok := ts.runUntil(40000, func() bool {
		require.GreaterOrEqual(t, s.maxWindow, minWindowSize)
		require.LessOrEqual(t, s.maxWindow, sndbuf)
		require.GreaterOrEqual(t, s.curWindow, 0)
		return len(incoming.received) >= len(data)
	})
	require.True(t, ok)
	require.Equal(t, data, incoming.received)
}
