// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"math/rand"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
)

// testScenario connects two Contexts through a simulated network driven by
// a fake clock. Nothing happens between calls to tick.
type testScenario struct {
	t testing.TB

	sender   *testHost
	receiver *testHost

	fakeTime time.Duration
	rng      *rand.Rand
	order    int

	sockets []*testSocket
}

func newTestScenario(t *testing.T) *testScenario {
	ts := &testScenario{
		t: t,
		// clocks that read 0 look like missing timestamps on the wire
		fakeTime: time.Second,
		rng:      rand.New(rand.NewSource(1)),
	}
	ts.sender = newTestHost(ts, &net.UDPAddr{IP: net.IP{1, 2, 3, 4}, Port: 5})
	ts.receiver = newTestHost(ts, &net.UDPAddr{IP: net.IP{1, 2, 3, 4}, Port: 6})
	ts.sender.peer = ts.receiver
	ts.receiver.peer = ts.sender

	ts.sender.ctx = NewContext(ts.sender, WithLogger(testr.New(t).WithName("sender")))
	ts.receiver.ctx = NewContext(&testListenerHost{testHost: ts.receiver}, WithLogger(testr.New(t).WithName("receiver")))
	return ts
}

func (ts *testScenario) now() time.Duration {
	return ts.fakeTime
}

func (ts *testScenario) tick() {
	ts.sender.ctx.CheckTimeouts()
	ts.receiver.ctx.CheckTimeouts()
	ts.sender.flush()
	ts.receiver.flush()
	for _, us := range ts.sockets {
		us.flushWrite()
	}
	ts.fakeTime += 5 * time.Millisecond
}

// runUntil ticks until done returns true or maxTicks have passed, and
// reports whether done returned true.
func (ts *testScenario) runUntil(maxTicks int, done func() bool) bool {
	for i := 0; i < maxTicks; i++ {
		if done() {
			return true
		}
		ts.tick()
	}
	return done()
}

// connect opens a connection from the sender to the receiver and waits
// for both ends to come up.
func (ts *testScenario) connect() (outgoing, incoming *testSocket) {
	sock := ts.sender.ctx.Create()
	outgoing = newTestSocket(ts, sock)
	require.NoError(ts.t, sock.Connect(ts.receiver.addr))

	ok := ts.runUntil(1500, func() bool {
		return outgoing.connected && len(ts.receiver.accepted) > 0
	})
	require.True(ts.t, ok, "connection did not come up")
	return outgoing, ts.receiver.accepted[0]
}

type testDatagram struct {
	deliverAt time.Duration
	order     int
	b         []byte
}

// testHost is the Host of one side of the scenario. Datagrams it sends are
// delivered to its peer after a simulated delay.
type testHost struct {
	ts   *testScenario
	addr *net.UDPAddr
	peer *testHost
	ctx  *Context

	lossEvery    int
	lossCounter  int
	reorderEvery int
	reorderCount int
	jitter       bool
	duplicate    bool
	// pathMTU, when set, drops don't-fragment datagrams larger than it
	pathMTU int
	// drop, when set, is consulted for every datagram
	drop func(h *packetHeader) bool

	outbox   []testDatagram
	sent     []packetHeader
	raw      [][]byte
	accepted []*testSocket

	overhead     map[BandwidthType]int
	delaySamples int
}

func newTestHost(ts *testScenario, addr *net.UDPAddr) *testHost {
	return &testHost{ts: ts, addr: addr, jitter: true, overhead: make(map[BandwidthType]int)}
}

func (th *testHost) SendTo(s *Socket, b []byte, to *net.UDPAddr, flags SendFlags) {
	var h packetHeader
	require.NoError(th.ts.t, h.decodeFromBytes(b))
	th.sent = append(th.sent, h)
	th.raw = append(th.raw, append([]byte(nil), b...))

	if th.drop != nil && th.drop(&h) {
		return
	}
	if th.pathMTU > 0 && flags&SendDontFragment != 0 && len(b) > th.pathMTU {
		return
	}
	if th.lossEvery > 0 {
		th.lossCounter++
		if th.lossCounter >= th.lossEvery {
			th.lossCounter = 0
			return
		}
	}

	delay := 10 * time.Millisecond
	if th.jitter {
		delay += time.Duration(th.ts.rng.Intn(30)) * time.Millisecond
	}
	if th.reorderEvery > 0 {
		th.reorderCount++
		if th.reorderCount >= th.reorderEvery {
			th.reorderCount = 0
			delay = 9 * time.Millisecond
		}
	}

	mem := append([]byte(nil), b...)
	th.enqueue(th.ts.now()+delay, mem)
	if th.duplicate {
		th.enqueue(th.ts.now()+delay+time.Millisecond, mem)
	}
}

func (th *testHost) enqueue(at time.Duration, b []byte) {
	th.ts.order++
	th.outbox = append(th.outbox, testDatagram{deliverAt: at, order: th.ts.order, b: b})
}

// flush delivers every datagram that is due to the peer, then lets the
// peer send its deferred acks.
func (th *testHost) flush() {
	sort.Slice(th.outbox, func(i, j int) bool {
		if th.outbox[i].deliverAt != th.outbox[j].deliverAt {
			return th.outbox[i].deliverAt < th.outbox[j].deliverAt
		}
		return th.outbox[i].order < th.outbox[j].order
	})
	delivered := 0
	for _, d := range th.outbox {
		if d.deliverAt > th.ts.now() {
			break
		}
		th.peer.ctx.ProcessUDP(d.b, th.addr)
		delivered++
	}
	th.outbox = th.outbox[delivered:]
	if delivered > 0 {
		th.peer.ctx.IssueDeferredAcks()
	}
}

func (th *testHost) Milliseconds(*Socket) uint64 {
	return uint64(th.ts.now() / time.Millisecond)
}

func (th *testHost) Microseconds(*Socket) uint64 {
	return uint64(th.ts.now() / time.Microsecond)
}

func (th *testHost) Random(*Socket) uint32 {
	return th.ts.rng.Uint32()
}

func (th *testHost) OnRead(s *Socket, b []byte) {
	testSocketOf(s).onRead(b)
}

func (th *testHost) OnStateChange(s *Socket, state State) {
	if us := testSocketOf(s); us != nil {
		us.onState(state)
	}
}

func (th *testHost) OnError(s *Socket, err error) {
	testSocketOf(s).onError(err)
}

func (th *testHost) ReadBufferSize(*Socket) int {
	// the application consumes everything right away
	return 0
}

func (th *testHost) OnOverheadStatistics(s *Socket, send bool, n int, bwType BandwidthType) {
	if send {
		th.overhead[bwType] += n
	}
}

func (th *testHost) OnDelaySample(s *Socket, ms int) {
	th.delaySamples++
}

// sentOfType returns the headers of all datagrams of type ptype handed to
// SendTo, dropped or not.
func (th *testHost) sentOfType(ptype packetType) []packetHeader {
	var hs []packetHeader
	for _, h := range th.sent {
		if h.ptype == ptype {
			hs = append(hs, h)
		}
	}
	return hs
}

// testListenerHost additionally accepts incoming connections.
type testListenerHost struct {
	*testHost
}

func (th *testListenerHost) OnAccept(s *Socket, from *net.UDPAddr) {
	require.Equal(th.ts.t, th.peer.addr.String(), from.String())
	us := newTestSocket(th.ts, s)
	us.connected = true
	th.accepted = append(th.accepted, us)
}

// testSocket plays the application on top of one Socket.
type testSocket struct {
	ts   *testScenario
	sock *Socket

	pending  []byte
	received []byte
	errs     []error
	connects int

	connected    bool
	writable     bool
	eof          bool
	closed       bool
	destroyed    bool
	ignoreErrors bool
}

func newTestSocket(ts *testScenario, sock *Socket) *testSocket {
	us := &testSocket{ts: ts, sock: sock}
	sock.SetUserdata(us)
	ts.sockets = append(ts.sockets, us)
	return us
}

func testSocketOf(s *Socket) *testSocket {
	us, _ := s.Userdata().(*testSocket)
	return us
}

func (us *testSocket) onRead(b []byte) {
	require.False(us.ts.t, us.destroyed)
	us.received = append(us.received, b...)
}

func (us *testSocket) onState(state State) {
	t := us.ts.t
	switch state {
	case StateConnect:
		require.False(t, us.destroyed)
		us.connects++
		us.connected = true
		us.writable = true
		us.flushWrite()
	case StateWritable:
		require.True(t, us.connected)
		require.False(t, us.destroyed)
		us.writable = true
		us.flushWrite()
	case StateEOF:
		require.False(t, us.destroyed)
		require.False(t, us.eof, "EOF reported twice")
		us.eof = true
	case StateDestroying:
		require.False(t, us.destroyed, "destroyed twice")
		us.destroyed = true
		us.connected = false
		us.writable = false
	}
}

func (us *testSocket) onError(err error) {
	us.errs = append(us.errs, err)
	if us.closed {
		return
	}
	if !us.ignoreErrors {
		us.ts.t.Errorf("unexpected error on %v: %v", us.sock, err)
	}
	us.close()
}

func (us *testSocket) write(b []byte) {
	us.pending = append(us.pending, b...)
	us.flushWrite()
}

func (us *testSocket) flushWrite() {
	for us.writable && !us.closed && !us.destroyed && len(us.pending) > 0 {
		n, err := us.sock.Write(us.pending)
		require.NoError(us.ts.t, err)
		us.pending = us.pending[n:]
		if n == 0 {
			us.writable = false
		}
	}
}

func (us *testSocket) close() {
	us.closed = true
	require.NoError(us.ts.t, us.sock.Close())
}

func testPattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i>>8)
	}
	return b
}
