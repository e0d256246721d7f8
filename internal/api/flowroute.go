package api

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"

	"github.com/routebeacon/bgpd/internal/protocol"
	"github.com/routebeacon/bgpd/internal/rib"
)

// flowMatchKeywords maps an "announce flow route" match clause keyword
// to the flowspec component type it builds (spec.md §8 scenario 5).
var flowMatchKeywords = map[string]uint8{
	"destination":      protocol.FlowDestinationPrefix,
	"source":           protocol.FlowSourcePrefix,
	"protocol":         protocol.FlowIPProtocol,
	"port":             protocol.FlowPort,
	"destination-port": protocol.FlowDestinationPort,
	"source-port":      protocol.FlowSourcePort,
	"icmp-type":        protocol.FlowICMPType,
	"icmp-code":        protocol.FlowICMPCode,
	"packet-length":    protocol.FlowPacketLength,
	"dscp":             protocol.FlowDSCP,
}

// parseFlowRouteExpression parses "destination <prefix> source-port
// =80 ... then discard|rate-limit <bps>" into a flowspec NLRI plus (for
// announce) the traffic-action extended community.
func parseFlowRouteExpression(tokens []string, action rib.Action) (*rib.Change, error) {
	var components []protocol.FlowComponent
	var family = protocol.FamilyIPv4FlowSpec
	attrs := protocol.NewAttributes()

	i := 0
	for i < len(tokens) && tokens[i] != "then" {
		kw := tokens[i]
		ct, ok := flowMatchKeywords[kw]
		if !ok {
			return nil, fmt.Errorf("flow route: unrecognized match clause %q", kw)
		}
		if i+1 >= len(tokens) {
			return nil, fmt.Errorf("flow route: %q requires an argument", kw)
		}
		val := tokens[i+1]
		i += 2

		switch ct {
		case protocol.FlowDestinationPrefix, protocol.FlowSourcePrefix:
			p, err := netip.ParsePrefix(val)
			if err != nil {
				return nil, fmt.Errorf("flow route: malformed prefix %q: %w", val, err)
			}
			if p.Addr().Is6() {
				family = protocol.FamilyIPv6FlowSpec
			}
			components = append(components, protocol.FlowComponent{Type: ct, Prefix: p})
		default:
			ops, err := parseFlowOps(val)
			if err != nil {
				return nil, fmt.Errorf("flow route: %s: %w", kw, err)
			}
			components = append(components, protocol.FlowComponent{Type: ct, Ops: ops})
		}
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("flow route: at least one match clause is required")
	}

	if action == rib.Announce {
		if i < len(tokens) && tokens[i] == "then" {
			if err := parseFlowThen(tokens[i+1:], attrs); err != nil {
				return nil, err
			}
		}
	}

	nlri := protocol.NewFlowspecNLRI(family, components)
	change := &rib.Change{NLRI: nlri, Action: action}
	if action == rib.Announce {
		change.Attributes = attrs
	}
	return change, nil
}

// parseFlowOps parses a numeric-operator clause like "=80", ">1024",
// "=80&<100" (and-combined terms) into its FlowOp list.
func parseFlowOps(s string) ([]protocol.FlowOp, error) {
	terms := strings.Split(s, "&")
	ops := make([]protocol.FlowOp, 0, len(terms))
	for idx, term := range terms {
		term = strings.TrimSpace(term)
		var equal, less, greater bool
		for len(term) > 0 {
			switch term[0] {
			case '=':
				equal = true
				term = term[1:]
			case '<':
				less = true
				term = term[1:]
			case '>':
				greater = true
				term = term[1:]
			default:
				goto doneOps
			}
		}
	doneOps:
		if term == "" {
			return nil, fmt.Errorf("malformed numeric clause %q", s)
		}
		v, err := strconv.ParseUint(term, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed numeric value %q: %w", term, err)
		}
		if !equal && !less && !greater {
			equal = true
		}
		ops = append(ops, protocol.NumericOp(equal, less, greater, idx < len(terms)-1, v))
	}
	return ops, nil
}

// parseFlowThen applies the flowspec action clause: "discard" packs
// the traffic-rate extended community with rate 0 (RFC 5575 §7.1,
// "traffic shaping to 0 bandwidth" is the conventional discard
// encoding); "rate-limit <bps>" packs the literal rate.
func parseFlowThen(tokens []string, attrs *protocol.Attributes) error {
	if len(tokens) == 0 {
		return fmt.Errorf("flow route: empty 'then' clause")
	}
	switch tokens[0] {
	case "discard":
		attrs.SetExtendedCommunities([][8]byte{trafficRateCommunity(0, 0)})
		return nil
	case "rate-limit":
		if len(tokens) < 2 {
			return fmt.Errorf("flow route: rate-limit requires a value")
		}
		rate, err := strconv.ParseFloat(tokens[1], 32)
		if err != nil {
			return fmt.Errorf("flow route: malformed rate-limit %q: %w", tokens[1], err)
		}
		attrs.SetExtendedCommunities([][8]byte{trafficRateCommunity(0, float32(rate))})
		return nil
	default:
		return fmt.Errorf("flow route: unrecognized action %q", tokens[0])
	}
}

// trafficRateCommunity builds the RFC 5575 §7.1 traffic-rate extended
// community: type 0x8006, 2-byte origin ASN, 4-byte IEEE-754 rate.
func trafficRateCommunity(asn uint16, rate float32) [8]byte {
	var c [8]byte
	c[0], c[1] = 0x80, 0x06
	c[2] = byte(asn >> 8)
	c[3] = byte(asn)
	bits := math.Float32bits(rate)
	c[4] = byte(bits >> 24)
	c[5] = byte(bits >> 16)
	c[6] = byte(bits >> 8)
	c[7] = byte(bits)
	return c
}
