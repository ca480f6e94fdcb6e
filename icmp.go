// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// icmpMessage is the part of an ICMPv4 error report the engine cares about.
type icmpMessage struct {
	// fragmentation is set for "fragmentation needed" reports, in which
	// case nextHopMTU holds the MTU the router asked for.
	fragmentation bool
	nextHopMTU    uint16

	// to is where the quoted datagram was sent, and srcPort is the port it
	// was sent from.
	to      *net.UDPAddr
	srcPort int
	// payload is the quoted µTP packet (possibly truncated).
	payload []byte
}

// parseICMPv4 decodes an ICMPv4 message (without the IP header of the
// report itself) that quotes a UDP datagram.
func parseICMPv4(raw []byte) (*icmpMessage, error) {
	var icmp layers.ICMPv4
	if err := icmp.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("bad ICMP message: %w", err)
	}

	var msg icmpMessage
	switch icmp.TypeCode.Type() {
	case layers.ICMPv4TypeDestinationUnreachable:
		if icmp.TypeCode.Code() == layers.ICMPv4CodeFragmentationNeeded {
			msg.fragmentation = true
			// RFC 1191 puts the next-hop MTU in the low half of the
			// rest-of-header word, which gopacket calls Seq
			msg.nextHopMTU = icmp.Seq
		}
	case layers.ICMPv4TypeTimeExceeded:
	default:
		return nil, fmt.Errorf("unhandled ICMP message %s", icmp.TypeCode)
	}

	var ip layers.IPv4
	if err := ip.DecodeFromBytes(icmp.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("bad quoted IP header: %w", err)
	}
	if ip.Protocol != layers.IPProtocolUDP {
		return nil, fmt.Errorf("quoted datagram is %s, not UDP", ip.Protocol)
	}
	var udp layers.UDP
	if err := udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("bad quoted UDP header: %w", err)
	}

	msg.to = &net.UDPAddr{IP: ip.DstIP, Port: int(udp.DstPort)}
	msg.srcPort = int(udp.SrcPort)
	msg.payload = udp.Payload
	return &msg, nil
}
