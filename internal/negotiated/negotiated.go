// Package negotiated computes and holds the merged view of a BGP
// session's local and peer OPEN messages: the usable family
// intersection, AddPath send/receive matrices, ASN4 status, and
// graceful-restart state. A Negotiated is built once, at OpenConfirm,
// and is immutable thereafter (spec.md §4.1).
package negotiated

import (
	"fmt"

	"github.com/routebeacon/bgpd/internal/protocol"
)

type addPathKey struct {
	family    protocol.Family
	direction uint8
}

// Negotiated implements protocol.Capabilities so the wire codec can
// consult it without importing this package.
type Negotiated struct {
	localOpen *protocol.OpenMessage
	peerOpen  *protocol.OpenMessage

	localASN uint32
	peerASN  uint32
	asn4     bool

	holdTime int

	families       map[protocol.Family]bool
	mismatched     []protocol.Family
	addPath        map[addPathKey]bool
	routeRefresh   bool
	extendedMsg    bool
	operational    bool

	restarting       bool
	restartTime      int
	forwardingStates map[protocol.Family]bool
}

// Build computes the negotiated view from both OPEN messages. localAS
// and peerAS are the effective (4-byte) ASNs already resolved by the
// caller from the OPEN's 2-byte field plus any ASN4 capability.
func Build(local, peer *protocol.OpenMessage, localAS, peerAS uint32) *Negotiated {
	n := &Negotiated{
		localOpen: local,
		peerOpen:  peer,
		localASN:  localAS,
		peerASN:   peerAS,
		families:  make(map[protocol.Family]bool),
		addPath:   make(map[addPathKey]bool),
	}

	localFamilies := capabilityFamilies(local)
	peerFamilies := capabilityFamilies(peer)

	for f := range localFamilies {
		if peerFamilies[f] {
			n.families[f] = true
		} else {
			n.mismatched = append(n.mismatched, f)
		}
	}
	for f := range peerFamilies {
		if !localFamilies[f] {
			n.mismatched = append(n.mismatched, f)
		}
	}
	if len(localFamilies) == 0 && len(peerFamilies) == 0 {
		// Neither side sent multiprotocol capabilities: the session falls
		// back to plain IPv4 unicast, per RFC 4760 §8.
		n.families[protocol.FamilyIPv4Unicast] = true
	}

	n.asn4 = hasCapability(local, protocol.CapASN4) && hasCapability(peer, protocol.CapASN4)
	n.routeRefresh = hasCapability(local, protocol.CapRouteRefresh) && hasCapability(peer, protocol.CapRouteRefresh)
	n.extendedMsg = hasCapability(local, protocol.CapExtendedMessage) && hasCapability(peer, protocol.CapExtendedMessage)
	n.operational = hasCapability(local, protocol.CapOperational) && hasCapability(peer, protocol.CapOperational)

	if int(local.HoldTime) < int(peer.HoldTime) {
		n.holdTime = int(local.HoldTime)
	} else {
		n.holdTime = int(peer.HoldTime)
	}

	n.mergeAddPath(local)
	n.mergeAddPath(peer)

	n.forwardingStates = make(map[protocol.Family]bool)
	for _, c := range peer.Capabilities {
		if c.Code != protocol.CapGracefulRestart {
			continue
		}
		gr, err := c.GracefulRestartValue()
		if err != nil {
			continue
		}
		n.restarting = gr.Restarting
		n.restartTime = int(gr.RestartTime)
		for _, f := range gr.Families {
			n.forwardingStates[f.Family] = f.Forwarding
		}
	}

	return n
}

func capabilityFamilies(o *protocol.OpenMessage) map[protocol.Family]bool {
	out := make(map[protocol.Family]bool)
	for _, c := range o.Capabilities {
		if c.Code != protocol.CapMultiprotocol {
			continue
		}
		f, err := c.MultiprotocolValue()
		if err == nil {
			out[f] = true
		}
	}
	return out
}

func hasCapability(o *protocol.OpenMessage, code uint8) bool {
	for _, c := range o.Capabilities {
		if c.Code == code {
			return true
		}
	}
	return false
}

// mergeAddPath records the *sender's* declared direction against the
// matrix from the sender's own point of view: a capability entry of
// AddPathSend on the peer's OPEN means "I will send you this family",
// i.e. we should be prepared to *receive* it; symmetric for "receive".
func (n *Negotiated) mergeAddPath(side *protocol.OpenMessage) {
	isPeer := side == n.peerOpen
	for _, c := range side.Capabilities {
		if c.Code != protocol.CapAddPath {
			continue
		}
		entries, err := c.AddPathEntries()
		if err != nil {
			continue
		}
		for _, e := range entries {
			declaresSend := e.Direction == protocol.AddPathSend || e.Direction == protocol.AddPathBoth
			declaresReceive := e.Direction == protocol.AddPathReceive || e.Direction == protocol.AddPathBoth
			if isPeer {
				if declaresSend {
					n.addPath[addPathKey{e.Family, protocol.AddPathReceive}] = true
				}
				if declaresReceive {
					n.addPath[addPathKey{e.Family, protocol.AddPathSend}] = true
				}
			} else {
				// Local side's own declaration only takes effect if the
				// peer agrees with the reciprocal direction; the second
				// pass (processing the peer) is authoritative, so here we
				// only seed entries the peer hasn't spoken to yet.
				key := addPathKey{e.Family, protocol.AddPathSend}
				if declaresSend {
					if _, ok := n.addPath[key]; !ok {
						n.addPath[key] = false
					}
				}
			}
		}
	}
}

func (n *Negotiated) ASN4() bool         { return n.asn4 }
func (n *Negotiated) LocalAS() uint32    { return n.localASN }
func (n *Negotiated) PeerAS() uint32     { return n.peerASN }
func (n *Negotiated) IsIBGP() bool       { return n.localASN == n.peerASN }
func (n *Negotiated) RouteRefresh() bool { return n.routeRefresh }
func (n *Negotiated) ExtendedMessage() bool { return n.extendedMsg }
func (n *Negotiated) OperationalCapable() bool { return n.operational }
func (n *Negotiated) HoldTime() int      { return n.holdTime }

func (n *Negotiated) MessageSizeCeiling() int {
	if n.extendedMsg {
		return 65535
	}
	return 4096
}

func (n *Negotiated) FamilyNegotiated(f protocol.Family) bool { return n.families[f] }

func (n *Negotiated) AddPathReceive(f protocol.Family) bool {
	return n.addPath[addPathKey{f, protocol.AddPathReceive}]
}

func (n *Negotiated) AddPathSend(f protocol.Family) bool {
	return n.addPath[addPathKey{f, protocol.AddPathSend}]
}

// MismatchedFamilies lists families advertised by only one side: these
// generate a warning but never tear down the session (spec.md §4.1).
func (n *Negotiated) MismatchedFamilies() []protocol.Family { return n.mismatched }

func (n *Negotiated) Families() []protocol.Family {
	out := make([]protocol.Family, 0, len(n.families))
	for f := range n.families {
		out = append(out, f)
	}
	return out
}

// Restarting reports whether the peer advertised graceful-restart with
// its restart-state bit set, meaning the session dropped and is being
// re-established while the peer claims to have preserved forwarding
// state.
func (n *Negotiated) Restarting() bool { return n.restarting }
func (n *Negotiated) RestartTimeSeconds() int { return n.restartTime }

func (n *Negotiated) ForwardingStatePreserved(f protocol.Family) bool {
	return n.forwardingStates[f]
}

func (n *Negotiated) String() string {
	return fmt.Sprintf("negotiated{local-as=%d peer-as=%d asn4=%v families=%d}", n.localASN, n.peerASN, n.asn4, len(n.families))
}

var _ protocol.Capabilities = (*Negotiated)(nil)
