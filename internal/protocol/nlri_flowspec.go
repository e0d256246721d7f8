package protocol

import (
	"fmt"
	"net/netip"
)

// Flowspec component types (RFC 5575 §4), shared by the ipv4-flow and
// ipv4-flow-vpn SAFIs.
const (
	FlowDestinationPrefix uint8 = 1
	FlowSourcePrefix      uint8 = 2
	FlowIPProtocol        uint8 = 3
	FlowPort              uint8 = 4
	FlowDestinationPort   uint8 = 5
	FlowSourcePort        uint8 = 6
	FlowICMPType          uint8 = 7
	FlowICMPCode          uint8 = 8
	FlowTCPFlags          uint8 = 9
	FlowPacketLength      uint8 = 10
	FlowDSCP              uint8 = 11
	FlowFragment          uint8 = 12
)

// Numeric-operator (op/value) bit flags for the "numeric" component
// encoding (port, packet-length, DSCP, ICMP type/code).
const (
	NumericOpEnd      uint8 = 0x80
	NumericOpAnd      uint8 = 0x40
	NumericOpLess     uint8 = 0x04
	NumericOpGreater  uint8 = 0x02
	NumericOpEqual    uint8 = 0x01
	NumericOpLenShift      = 4 // bits 5-6 encode value length as 2^n bytes
)

// FlowOp is one (operator, value) term within a flowspec component's
// and/or'd list of terms.
type FlowOp struct {
	AndWithNext bool
	Flags       uint8 // comparison bits only, excluding end/and
	Value       uint64
}

// FlowComponent is one typed matcher clause (e.g. "destination-port
// =80") within a flow NLRI.
type FlowComponent struct {
	Type   uint8
	Prefix netip.Prefix // valid for FlowDestinationPrefix/FlowSourcePrefix
	Ops    []FlowOp      // valid for numeric/bitmask component types
}

// FlowspecNLRI is an RFC 5575 traffic-filter NLRI: an ordered list of
// components that together define the match, with no associated prefix
// of its own (the destination-prefix component, if present, plays that
// role for RIB indexing purposes).
type FlowspecNLRI struct {
	family     Family
	rd         RouteDistinguisher
	hasRD      bool
	components []FlowComponent
}

func (n *FlowspecNLRI) Family() Family         { return n.family }
func (n *FlowspecNLRI) PathID() (uint32, bool) { return 0, false }
func (n *FlowspecNLRI) WithPathID(uint32) NLRI { return n }

func (n *FlowspecNLRI) Pack(_ Capabilities) []byte {
	var body []byte
	if n.hasRD {
		body = append(body, n.rd[:]...)
	}
	for _, c := range n.components {
		body = append(body, packFlowComponent(c)...)
	}
	var out []byte
	if len(body) < 240 {
		out = append(out, byte(len(body)))
	} else {
		out = append(out, byte(0xF0|(len(body)>>8)), byte(len(body)))
	}
	return append(out, body...)
}

func packFlowComponent(c FlowComponent) []byte {
	out := []byte{c.Type}
	switch c.Type {
	case FlowDestinationPrefix, FlowSourcePrefix:
		out = append(out, byte(c.Prefix.Bits()))
		out = append(out, packPrefixBytes(c.Prefix.Addr().AsSlice(), c.Prefix.Bits())...)
	default:
		for i, op := range c.Ops {
			flags := op.Flags
			if op.AndWithNext {
				flags |= NumericOpAnd
			}
			if i == len(c.Ops)-1 {
				flags |= NumericOpEnd
			}
			valLen, valBytes := packFlowValue(op.Value)
			flags |= valLen << NumericOpLenShift
			out = append(out, flags)
			out = append(out, valBytes...)
		}
	}
	return out
}

func packFlowValue(v uint64) (lenCode uint8, data []byte) {
	switch {
	case v <= 0xFF:
		return 0, []byte{byte(v)}
	case v <= 0xFFFF:
		return 1, []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFFFF:
		return 2, []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return 3, []byte{byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func (n *FlowspecNLRI) Index() string {
	return fmt.Sprintf("flow(%d components)", len(n.components))
}

func (n *FlowspecNLRI) Equal(other NLRI) bool {
	o, ok := other.(*FlowspecNLRI)
	if !ok || o.family != n.family || len(o.components) != len(n.components) {
		return false
	}
	return n.Index() == o.Index()
}

func (n *FlowspecNLRI) JSON() map[string]any {
	out := make([]map[string]any, 0, len(n.components))
	for _, c := range n.components {
		out = append(out, map[string]any{"type": c.Type})
	}
	return map[string]any{"flow": out}
}

func decodeFlowspec(family Family, hasRD bool) nlriDecoder {
	return func(data []byte, _ Capabilities, _ bool) (NLRI, []byte, error) {
		if len(data) < 1 {
			return nil, nil, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
		}
		var length int
		var body []byte
		if data[0]&0xF0 == 0xF0 {
			if len(data) < 2 {
				return nil, nil, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
			}
			length = int(data[0]&0x0F)<<8 | int(data[1])
			data = data[2:]
		} else {
			length = int(data[0])
			data = data[1:]
		}
		if length > len(data) {
			return nil, nil, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
		}
		body = data[:length]
		rest := data[length:]

		n := &FlowspecNLRI{family: family, hasRD: hasRD}
		if hasRD {
			if len(body) < 8 {
				return nil, nil, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
			}
			copy(n.rd[:], body[:8])
			body = body[8:]
		}
		addrLen := maxPrefixBits(family.AFI) / 8
		for len(body) > 0 {
			c, consumed, err := decodeFlowComponent(body, addrLen)
			if err != nil {
				return nil, nil, err
			}
			n.components = append(n.components, c)
			body = body[consumed:]
		}
		return n, rest, nil
	}
}

func decodeFlowComponent(data []byte, addrLen int) (FlowComponent, int, error) {
	ctype := data[0]
	offset := 1
	c := FlowComponent{Type: ctype}
	switch ctype {
	case FlowDestinationPrefix, FlowSourcePrefix:
		if offset >= len(data) {
			return c, 0, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
		}
		mask := int(data[offset])
		offset++
		addr, _, err := readPrefixBytes(data[offset:], mask, addrLen)
		if err != nil {
			return c, 0, err
		}
		n := (mask + 7) / 8
		offset += n
		var a netip.Addr
		if addrLen == 16 {
			var b [16]byte
			copy(b[:], addr)
			a = netip.AddrFrom16(b)
		} else {
			var b [4]byte
			copy(b[:], addr)
			a = netip.AddrFrom4(b)
		}
		c.Prefix = netip.PrefixFrom(a, mask)
	default:
		for {
			if offset >= len(data) {
				return c, 0, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
			}
			flags := data[offset]
			offset++
			valLen := 1 << ((flags >> NumericOpLenShift) & 0x3)
			if offset+valLen > len(data) {
				return c, 0, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
			}
			var value uint64
			for i := 0; i < valLen; i++ {
				value = value<<8 | uint64(data[offset+i])
			}
			offset += valLen
			c.Ops = append(c.Ops, FlowOp{
				AndWithNext: flags&NumericOpAnd != 0,
				Flags:       flags & (NumericOpLess | NumericOpGreater | NumericOpEqual),
				Value:       value,
			})
			if flags&NumericOpEnd != 0 {
				break
			}
		}
	}
	return c, offset, nil
}

func init() {
	registerNLRIDecoder(FamilyIPv4FlowSpec, decodeFlowspec(FamilyIPv4FlowSpec, false))
	registerNLRIDecoder(FamilyIPv4FlowSpecVPN, decodeFlowspec(FamilyIPv4FlowSpecVPN, true))
	registerNLRIDecoder(FamilyIPv6FlowSpec, decodeFlowspec(FamilyIPv6FlowSpec, false))
}

// NewFlowspecNLRI builds a flowspec NLRI from its ordered match
// components, for API-driven "announce flow route" injection (spec.md
// §8 scenario 5).
func NewFlowspecNLRI(family Family, components []FlowComponent) *FlowspecNLRI {
	return &FlowspecNLRI{family: family, components: components}
}

// NumericOp builds a single numeric-operator term (e.g. "=80",
// ">1024") for a flowspec component, the building block the route
// parser assembles destination-port/source-port/packet-length/etc.
// clauses from.
func NumericOp(equal, less, greater, andWithNext bool, value uint64) FlowOp {
	var flags uint8
	if equal {
		flags |= NumericOpEqual
	}
	if less {
		flags |= NumericOpLess
	}
	if greater {
		flags |= NumericOpGreater
	}
	return FlowOp{AndWithNext: andWithNext, Flags: flags, Value: value}
}
