package reactor

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/routebeacon/bgpd/internal/config"
	"github.com/routebeacon/bgpd/internal/protocol"
	"github.com/routebeacon/bgpd/internal/rib"
)

// parseCommunity turns a "65000:100" style string into its packed
// uint32 wire form: the high 16 bits are the ASN, the low 16 the value
// (RFC 1997).
func parseCommunity(s string) (uint32, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("reactor: malformed community %q, want asn:value", s)
	}
	asn, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("reactor: malformed community %q: %w", s, err)
	}
	val, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("reactor: malformed community %q: %w", s, err)
	}
	return uint32(asn)<<16 | uint32(val), nil
}

// buildStaticAttributes turns one configured static route into the
// attribute set it is announced with: whatever next-hop/local-pref/
// med/communities/watchdog the operator set. ORIGIN and AS_PATH are
// never set here, and LOCAL_PREF and NEXT_HOP only when configured;
// whatever is missing is filled in per-peer at drain time
// (internal/peer's injectOutboundDefaults), since their
// defaults depend on whether the session is iBGP or eBGP (spec.md
// §4.1) and a static route is shared across every configured peer.
func buildStaticAttributes(spec config.RouteSpec, localAS uint32) (*protocol.Attributes, error) {
	a := protocol.NewAttributes()

	if spec.NextHop != "" {
		ip, err := netip.ParseAddr(spec.NextHop)
		if err != nil {
			return nil, fmt.Errorf("reactor: malformed next_hop %q: %w", spec.NextHop, err)
		}
		if ip.Is4() {
			a.SetNextHop(ip.As4())
		}
	}
	if spec.LocalPref != nil {
		a.SetLocalPref(*spec.LocalPref)
	}
	if spec.MED != nil {
		a.SetMED(*spec.MED)
	}
	if len(spec.Communities) > 0 {
		vals := make([]uint32, 0, len(spec.Communities))
		for _, c := range spec.Communities {
			v, err := parseCommunity(c)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		a.SetCommunities(vals)
	}
	if spec.Watchdog != "" {
		a.SetWatchdog(spec.Watchdog)
	}
	return a, nil
}

// ribOut abstracts the one peer.Peer method static-route seeding needs,
// so it can be unit tested without building a full Peer.
type ribOut interface {
	InsertAnnouncement(rib.Change)
}

// seedStaticRoutes queues every configured static route onto out as a
// pending announcement; the peer's next Established flush carries them
// to the wire (spec.md §6 "a route table (static announcements)").
// Malformed entries are logged and skipped rather than failing startup.
func seedStaticRoutes(out ribOut, localAS uint32, specs []config.RouteSpec, warn func(spec config.RouteSpec, err error)) {
	for _, spec := range specs {
		prefix, err := netip.ParsePrefix(spec.Prefix)
		if err != nil {
			warn(spec, fmt.Errorf("malformed prefix %q: %w", spec.Prefix, err))
			continue
		}
		attrs, err := buildStaticAttributes(spec, localAS)
		if err != nil {
			warn(spec, err)
			continue
		}
		family := protocol.FamilyIPv4Unicast
		if prefix.Addr().Is6() {
			family = protocol.FamilyIPv6Unicast
		}
		nlri := protocol.NewInetNLRI(family, prefix, 0, false)
		out.InsertAnnouncement(rib.Change{NLRI: nlri, Attributes: attrs, Action: rib.Announce})
	}
}
