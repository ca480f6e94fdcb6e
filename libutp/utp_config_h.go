// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

const (
	// congestionControlTarget is the default target queuing delay, in
	// microseconds.
	congestionControlTarget = 100 * 1000

	// defaultBufferSize is the default SO_SNDBUF and SO_RCVBUF, in bytes.
	defaultBufferSize = 1024 * 1024

	// packetSize is the nominal packet size used to scale window changes
	// and to initialize max_window_user.
	packetSize = 1435

	// minWindowSize is the minimum maxWindow value. The maxWindow parameter
	// can never drop below this value.
	minWindowSize = 10

	// maxCWndIncreaseBytesPerRTT gives the number of bytes to increase max
	// window size by, per RTT. This is scaled down linearly proportional to
	// offTarget. I.e. if all packets in one window have 0 delay, window size
	// will increase by this number. Typically it's less. TCP increases one MSS
	// per RTT, which is 1500.
	maxCWndIncreaseBytesPerRTT = 3000

	// maxWindowDecay controls the minimum interval between two window
	// decays, in milliseconds.
	maxWindowDecay = 100

	// duplicateAcksBeforeResend is the number of duplicate (or selective)
	// acks that declares a packet lost and triggers a fast resend.
	duplicateAcksBeforeResend = 3
	// mtuProbeDupAckThreshold is the number of duplicate acks for a packet
	// ahead of the MTU probe after which the probe is abandoned.
	mtuProbeDupAckThreshold = 3
	// maxFastResendsPerAck bounds the number of packets a single selective
	// ack may trigger a fast resend for.
	maxFastResendsPerAck = 4

	// maxEAck is the number of bits of a selective ack mask we look at.
	maxEAck = 128
	// sendEAckBits is the number of bits of a selective ack mask we send.
	sendEAckBits = 30

	// outgoingBufferMaxSize caps cur_window_packets.
	outgoingBufferMaxSize = 1024
	// reorderBufferMaxSize bounds the look-ahead of the reorder buffer.
	reorderBufferMaxSize = 1024
	// ackWindowSlack is how far past the send window an ack number may be.
	ackWindowSlack = 3

	rstInfoTimeout = 10000 // ms
	rstInfoLimit   = 1000

	// incomingConnectionLimit bounds the number of sockets a Context will
	// hold before refusing new incoming connections.
	incomingConnectionLimit = 3000

	// 29 seconds determined from measuring many home NAT devices
	keepaliveInterval = 29000 // ms

	// timeoutCheckInterval is the minimum spacing between two effective
	// CheckTimeouts passes, in milliseconds.
	timeoutCheckInterval = 500

	// zeroWindowProbeDelay is how long a zero receive window from the peer
	// is honored before probing with one packet, in milliseconds.
	zeroWindowProbeDelay = 15000

	initialRTO         = 3000 // ms
	initialRTTVariance = 800  // ms
	minRTO             = 1000 // ms

	// synRecvTimeout is how long an accepted socket waits for the ack of
	// its SYN-ACK. It outlasts the connector's first SYN retransmission.
	synRecvTimeout = 2 * initialRTO // ms

	// maxRetransmitCount is the number of consecutive timeouts after which
	// an established connection is declared dead; synSentRetransmitCount is
	// the same limit during the handshake.
	maxRetransmitCount     = 4
	synSentRetransmitCount = 2

	// mtu discovery
	mtuFloorDefault      = 576
	mtuSearchDoneGap     = 16
	mtuDiscoverInterval  = 30 * 60 * 1000 // ms
	mtuSaneCeilingUpper  = 0x2000
	averageDelayInterval = 5000 // ms

	// clockDriftPenaltyThreshold is the clock drift (in µs per 5 s) beyond
	// which the peer's clock is considered to run slow and our delay
	// estimate is penalized.
	clockDriftPenaltyThreshold = -200000

	// maxClockSkewShift is the largest drop in the peer's delay base that
	// is taken to be clock skew, in microseconds.
	maxClockSkewShift = 10000
)

// BandwidthType represents different classes of data which may be exchanged
// in the course of µTP connections. Every byte in a µTP packet is classified
// using one of these, and every byte that is not PayloadBandwidth is a form
// of overhead. An OverheadHandler can be used to keep track of how much
// overhead of each type is getting used.
type BandwidthType int

const (
	// PayloadBandwidth is the class of data which was directly specified by
	// the application layer. That is to say, this is application data.
	PayloadBandwidth BandwidthType = iota
	// ConnectOverhead is the class of data used for bytes which are used to
	// negotiate connections with a remote peer.
	ConnectOverhead
	// CloseOverhead is the class of data used for bytes which are used to
	// indicate that a connection should be closed.
	CloseOverhead
	// AckOverhead is the class of data used to communicate acknowledgement
	// of data received.
	AckOverhead
	// HeaderOverhead is the class of data used for bytes in µTP packet
	// headers.
	HeaderOverhead
	// RetransmitOverhead is the class of data used for bytes that are
	// retransmissions of data previously sent as PayloadBandwidth.
	RetransmitOverhead
)

var bandwidthTypeNames = []string{
	"payload", "connect", "close", "ack", "header", "retransmit",
}

func (b BandwidthType) String() string {
	if b < 0 || int(b) >= len(bandwidthTypeNames) {
		return "unknown"
	}
	return bandwidthTypeNames[b]
}

// Option names a tunable of a Context or Socket.
type Option int

const (
	// OptionLogNormal enables connection lifecycle logging (logr V(1)).
	OptionLogNormal Option = 16
	// OptionLogMTU enables MTU discovery logging (logr V(2)).
	OptionLogMTU Option = 17
	// OptionLogDebug enables per-packet logging (logr V(5)).
	OptionLogDebug Option = 18
	// OptionSendBuffer is SO_SNDBUF, in bytes.
	OptionSendBuffer Option = 19
	// OptionRecvBuffer is SO_RCVBUF, in bytes.
	OptionRecvBuffer Option = 20
	// OptionTargetDelay is the congestion control target delay, in
	// microseconds.
	OptionTargetDelay Option = 21
)

// MaxIOVecs is the largest number of buffers consumed by one WriteV call.
const MaxIOVecs = 1024
