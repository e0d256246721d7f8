package api

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/routebeacon/bgpd/internal/protocol"
	"github.com/routebeacon/bgpd/internal/rib"
)

// parseRouteExpression parses the tail of an "announce route"/
// "withdraw route" command (spec.md §4.9: "enough of it to parse
// next-hop <ip>, communities, extended communities, ... labels, RD,
// path-information"). The first token is the prefix; the rest are
// keyword/value clauses in any order.
func parseRouteExpression(tokens []string, action rib.Action, localAS uint32) (*rib.Change, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("route: missing prefix")
	}
	prefix, err := netip.ParsePrefix(tokens[0])
	if err != nil {
		return nil, fmt.Errorf("route: malformed prefix %q: %w", tokens[0], err)
	}
	rest := tokens[1:]

	family := protocol.FamilyIPv4Unicast
	if prefix.Addr().Is6() {
		family = protocol.FamilyIPv6Unicast
	}

	var labels []uint32
	var rd *protocol.RouteDistinguisher
	var pathID uint32
	var hasPathID bool

	attrs := protocol.NewAttributes()

	for i := 0; i < len(rest); {
		kw := rest[i]
		arg := func() (string, error) {
			if i+1 >= len(rest) {
				return "", fmt.Errorf("route: %q requires an argument", kw)
			}
			return rest[i+1], nil
		}
		switch kw {
		case "next-hop":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			ip, err := netip.ParseAddr(v)
			if err != nil {
				return nil, fmt.Errorf("route: malformed next-hop %q: %w", v, err)
			}
			if ip.Is4() {
				attrs.SetNextHop(ip.As4())
			}
			i += 2
		case "origin":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			code, err := parseOrigin(v)
			if err != nil {
				return nil, err
			}
			attrs.SetOrigin(code)
			i += 2
		case "local-preference":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("route: malformed local-preference %q: %w", v, err)
			}
			attrs.SetLocalPref(uint32(n))
			i += 2
		case "med":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("route: malformed med %q: %w", v, err)
			}
			attrs.SetMED(uint32(n))
			i += 2
		case "as-path":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			segs, err := parseASPath(v)
			if err != nil {
				return nil, err
			}
			attrs.SetASPath(segs, localAS > 0xFFFF)
			i += 2
		case "community":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			vals, err := parseCommunities(v)
			if err != nil {
				return nil, err
			}
			attrs.SetCommunities(vals)
			i += 2
		case "large-community":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			vals, err := parseLargeCommunities(v)
			if err != nil {
				return nil, err
			}
			attrs.SetLargeCommunities(vals)
			i += 2
		case "watchdog":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			attrs.SetWatchdog(v)
			i += 2
		case "name":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			attrs.SetName(v)
			i += 2
		case "label", "labels":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("route: malformed label %q: %w", v, err)
			}
			labels = append(labels, uint32(n))
			i += 2
		case "rd":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			parsed, err := parseRD(v)
			if err != nil {
				return nil, err
			}
			rd = &parsed
			i += 2
		case "path-information":
			v, err := arg()
			if err != nil {
				return nil, err
			}
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("route: malformed path-information %q: %w", v, err)
			}
			pathID, hasPathID = uint32(n), true
			i += 2
		default:
			return nil, fmt.Errorf("route: unrecognized clause %q", kw)
		}
	}

	var nlri protocol.NLRI
	switch {
	case rd != nil:
		vpnFamily := protocol.FamilyIPv4VPN
		if family == protocol.FamilyIPv6Unicast {
			vpnFamily = protocol.FamilyIPv6VPN
		}
		nlri = protocol.NewVPNNLRI(vpnFamily, prefix, *rd, labels)
		family = vpnFamily
	case len(labels) > 0:
		labeledFamily := protocol.FamilyIPv4Labeled
		if family == protocol.FamilyIPv6Unicast {
			labeledFamily = protocol.FamilyIPv6Labeled
		}
		nlri = protocol.NewLabeledNLRI(labeledFamily, prefix, labels)
		family = labeledFamily
	default:
		nlri = protocol.NewInetNLRI(family, prefix, pathID, hasPathID)
	}

	change := &rib.Change{NLRI: nlri, Action: action}
	if action == rib.Announce {
		change.Attributes = attrs
	}
	return change, nil
}

func parseOrigin(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "igp":
		return protocol.OriginIGP, nil
	case "egp":
		return protocol.OriginEGP, nil
	case "incomplete":
		return protocol.OriginIncomplete, nil
	default:
		return 0, fmt.Errorf("route: unknown origin %q", s)
	}
}

func parseASPath(s string) ([]protocol.ASSegment, error) {
	fields := strings.Split(s, ",")
	asns := make([]uint32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("route: malformed as-path %q: %w", s, err)
		}
		asns = append(asns, uint32(v))
	}
	if len(asns) == 0 {
		return nil, nil
	}
	return []protocol.ASSegment{{Type: protocol.ASPathSegmentSequence, ASNs: asns}}, nil
}

func parseCommunities(s string) ([]uint32, error) {
	fields := strings.Split(s, ",")
	out := make([]uint32, 0, len(fields))
	for _, f := range fields {
		v, err := parseCommunity(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// parseCommunity turns "65000:100" into its packed uint32 wire form
// (RFC 1997: high 16 bits ASN, low 16 bits value).
func parseCommunity(s string) (uint32, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("route: malformed community %q, want asn:value", s)
	}
	asn, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("route: malformed community %q: %w", s, err)
	}
	val, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("route: malformed community %q: %w", s, err)
	}
	return uint32(asn)<<16 | uint32(val), nil
}

func parseLargeCommunities(s string) ([][3]uint32, error) {
	fields := strings.Split(s, ",")
	out := make([][3]uint32, 0, len(fields))
	for _, f := range fields {
		parts := strings.Split(strings.TrimSpace(f), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("route: malformed large-community %q, want g:l1:l2", f)
		}
		var vals [3]uint32
		for i, p := range parts {
			v, err := strconv.ParseUint(p, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("route: malformed large-community %q: %w", f, err)
			}
			vals[i] = uint32(v)
		}
		out = append(out, vals)
	}
	return out, nil
}

func parseRD(s string) (protocol.RouteDistinguisher, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return protocol.RouteDistinguisher{}, fmt.Errorf("route: malformed rd %q, want asn:number", s)
	}
	asn, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return protocol.RouteDistinguisher{}, fmt.Errorf("route: malformed rd %q: %w", s, err)
	}
	num, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return protocol.RouteDistinguisher{}, fmt.Errorf("route: malformed rd %q: %w", s, err)
	}
	return protocol.NewRouteDistinguisherType0(uint16(asn), uint32(num)), nil
}
