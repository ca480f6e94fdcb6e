// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeCompletion(t *testing.T) {
	for _, tc := range []struct {
		name string
		// loseAck drops every State packet of the connector, so the
		// handshake ack never arrives
		loseAck bool
		act     func(t *testing.T, ts *testScenario, outgoing, incoming *testSocket)
	}{
		{
			name: "state ack",
			act: func(t *testing.T, ts *testScenario, outgoing, incoming *testSocket) {
				require.True(t, ts.runUntil(200, func() bool { return incoming.writable }))
			},
		},
		{
			name:    "data after lost ack",
			loseAck: true,
			act: func(t *testing.T, ts *testScenario, outgoing, incoming *testSocket) {
				outgoing.write([]byte("request"))
				require.True(t, ts.runUntil(200, func() bool { return string(incoming.received) == "request" }))
				assert.True(t, incoming.writable)
			},
		},
		{
			name:    "fin after lost ack",
			loseAck: true,
			act: func(t *testing.T, ts *testScenario, outgoing, incoming *testSocket) {
				require.Equal(t, csSynRecv, incoming.sock.ConnState())
				outgoing.close()
				require.True(t, ts.runUntil(200, func() bool { return incoming.eof }))
				require.True(t, ts.runUntil(400, func() bool { return outgoing.destroyed }))
				assert.True(t, incoming.writable)
				assert.Empty(t, incoming.received)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestScenario(t)
			if tc.loseAck {
				ts.sender.drop = func(h *packetHeader) bool { return h.ptype == stState }
			}
			outgoing, incoming := ts.connect()

			tc.act(t, ts, outgoing, incoming)
			assert.Equal(t, csConnected, incoming.sock.ConnState())
			assert.Empty(t, incoming.errs)
			assert.Empty(t, outgoing.errs)
		})
	}
}

func TestResetInfo(t *testing.T) {
	stranger := &net.UDPAddr{IP: net.IP{5, 6, 7, 8}, Port: 9}
	packet := func(t *testing.T, id, seq uint16) []byte {
		b := make([]byte, sizeofPacketHeader)
		h := packetHeader{ptype: stData, version: protocolVersion, connID: id, seqNum: seq}
		require.NoError(t, h.encodeToBytes(b))
		return b
	}

	for _, tc := range []struct {
		name    string
		wait    time.Duration
		seq     uint16
		resets  int
		entries int
	}{
		{name: "repeat is remembered", seq: 100, resets: 1, entries: 1},
		{name: "repeat within timeout", wait: rstInfoTimeout*time.Millisecond - time.Second, seq: 100, resets: 1, entries: 1},
		{name: "next sequence number", seq: 101, resets: 2, entries: 2},
		{name: "repeat after timeout", wait: rstInfoTimeout * time.Millisecond, seq: 100, resets: 2, entries: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestScenario(t)
			ctx := ts.receiver.ctx

			require.True(t, ctx.ProcessUDP(packet(t, 77, 100), stranger))
			resets := ts.receiver.sentOfType(stReset)
			require.Len(t, resets, 1)
			assert.Equal(t, uint16(77), resets[0].connID)
			assert.Equal(t, uint16(100), resets[0].ackNum)

			ts.fakeTime += tc.wait
			ctx.CheckTimeouts()

			require.True(t, ctx.ProcessUDP(packet(t, 77, tc.seq), stranger))
			assert.Len(t, ts.receiver.sentOfType(stReset), tc.resets)
			assert.Len(t, ctx.rstInfo, tc.entries)
		})
	}

	t.Run("limit", func(t *testing.T) {
		ts := newTestScenario(t)
		ctx := ts.receiver.ctx
		for i := 0; i < rstInfoLimit+100; i++ {
			require.True(t, ctx.ProcessUDP(packet(t, uint16(i), 1), stranger))
		}
		assert.Len(t, ts.receiver.sentOfType(stReset), rstInfoLimit+1)
		assert.Len(t, ctx.rstInfo, rstInfoLimit+1)
	})
}

func TestIncomingConnectionLimit(t *testing.T) {
	for _, tc := range []struct {
		name     string
		syns     int
		accepted int
	}{
		{name: "below limit", syns: 10, accepted: 10},
		{name: "at limit", syns: incomingConnectionLimit + 1, accepted: incomingConnectionLimit + 1},
		{name: "past limit", syns: incomingConnectionLimit + 50, accepted: incomingConnectionLimit + 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestScenario(t)
			ctx := ts.receiver.ctx

			for i := 0; i < tc.syns; i++ {
				b := make([]byte, sizeofPacketHeader)
				h := packetHeader{ptype: stSyn, version: protocolVersion, connID: uint16(2 * i), seqNum: 1}
				require.NoError(t, h.encodeToBytes(b))
				require.True(t, ctx.ProcessUDP(b, ts.sender.addr))
			}
			assert.Equal(t, tc.accepted, ctx.NumSockets())
			assert.Len(t, ts.receiver.accepted, tc.accepted)
			assert.Len(t, ts.receiver.sentOfType(stState), tc.accepted)
		})
	}
}

func TestSynRecvTimeoutRearmedByDuplicateSYN(t *testing.T) {
	ts := newTestScenario(t)
	ctx := ts.receiver.ctx

	b := make([]byte, sizeofPacketHeader)
	h := packetHeader{ptype: stSyn, version: protocolVersion, connID: 40, seqNum: 1}
	require.NoError(t, h.encodeToBytes(b))

	require.True(t, ctx.ProcessUDP(b, ts.sender.addr))
	require.Len(t, ts.receiver.accepted, 1)
	incoming := ts.receiver.accepted[0]
	deadline := incoming.sock.rtoTimeout
	assert.Equal(t, ts.receiver.Milliseconds(nil)+synRecvTimeout, deadline)

	// the connector retransmits its SYN; we answer again and wait longer
	ts.fakeTime += initialRTO * time.Millisecond
	require.True(t, ctx.ProcessUDP(b, ts.sender.addr))
	assert.Len(t, ts.receiver.accepted, 1)
	assert.Len(t, ts.receiver.sentOfType(stState), 2)
	assert.Equal(t, deadline+initialRTO, incoming.sock.rtoTimeout)

	ts.fakeTime = time.Duration(deadline) * time.Millisecond
	ctx.CheckTimeouts()
	assert.False(t, incoming.destroyed)

	ts.fakeTime = time.Duration(deadline+initialRTO) * time.Millisecond
	ctx.CheckTimeouts()
	assert.True(t, incoming.destroyed)
	assert.Empty(t, incoming.errs)
	assert.Zero(t, ctx.NumSockets())
}
