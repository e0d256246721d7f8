package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// RouteDistinguisher is the 8-byte VPN disambiguator (RFC 4364 §4), one
// of three wire encodings distinguished by its 2-byte type field.
type RouteDistinguisher [8]byte

func (rd RouteDistinguisher) Type() uint16 { return binary.BigEndian.Uint16(rd[0:2]) }

func (rd RouteDistinguisher) String() string {
	switch rd.Type() {
	case 0: // type 0: 2-byte ASN : 4-byte number
		asn := binary.BigEndian.Uint16(rd[2:4])
		num := binary.BigEndian.Uint32(rd[4:8])
		return fmt.Sprintf("%d:%d", asn, num)
	case 1: // type 1: IPv4 address : 2-byte number
		ip := netip.AddrFrom4([4]byte{rd[2], rd[3], rd[4], rd[5]})
		num := binary.BigEndian.Uint16(rd[6:8])
		return fmt.Sprintf("%s:%d", ip, num)
	case 2: // type 2: 4-byte ASN : 2-byte number
		asn := binary.BigEndian.Uint32(rd[2:6])
		num := binary.BigEndian.Uint16(rd[6:8])
		return fmt.Sprintf("%d:%d", asn, num)
	default:
		return fmt.Sprintf("rd(%x)", [8]byte(rd))
	}
}

func NewRouteDistinguisherType0(asn uint16, number uint32) RouteDistinguisher {
	var rd RouteDistinguisher
	binary.BigEndian.PutUint16(rd[0:2], 0)
	binary.BigEndian.PutUint16(rd[2:4], asn)
	binary.BigEndian.PutUint32(rd[4:8], number)
	return rd
}

// VPNNLRI is an L3VPN (mpls-vpn SAFI) NLRI: label stack + RD + prefix.
type VPNNLRI struct {
	family Family
	rd     RouteDistinguisher
	addr   []byte
	mask   int // host-prefix mask, excluding label and RD bits
	labels []uint32
	pathID uint32
	hasID  bool
}

func (n *VPNNLRI) Family() Family         { return n.family }
func (n *VPNNLRI) PathID() (uint32, bool) { return n.pathID, n.hasID }

func (n *VPNNLRI) WithPathID(id uint32) NLRI {
	cp := *n
	cp.pathID = id
	cp.hasID = true
	return &cp
}

func (n *VPNNLRI) Prefix() netip.Prefix {
	var a netip.Addr
	if n.family.AFI == AFIIPv6 {
		var b [16]byte
		copy(b[:], n.addr)
		a = netip.AddrFrom16(b)
	} else {
		var b [4]byte
		copy(b[:], n.addr)
		a = netip.AddrFrom4(b)
	}
	return netip.PrefixFrom(a, n.mask)
}

func (n *VPNNLRI) Pack(_ Capabilities) []byte {
	var out []byte
	if n.hasID {
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], n.pathID)
		out = append(out, idBuf[:]...)
	}
	labelBytes := packLabelStack(n.labels, false)
	totalBits := n.mask + len(labelBytes)*8 + 64
	out = append(out, byte(totalBits))
	out = append(out, labelBytes...)
	out = append(out, n.rd[:]...)
	out = append(out, packPrefixBytes(n.addr, n.mask)...)
	return out
}

func (n *VPNNLRI) Index() string {
	return fmt.Sprintf("%s:%s labels=%v", n.rd, n.Prefix(), n.labels)
}

func (n *VPNNLRI) Equal(other NLRI) bool {
	o, ok := other.(*VPNNLRI)
	if !ok || o.family != n.family || o.rd != n.rd || o.mask != n.mask || string(o.addr) != string(n.addr) || len(o.labels) != len(n.labels) {
		return false
	}
	for i := range o.labels {
		if o.labels[i] != n.labels[i] {
			return false
		}
	}
	return true
}

func (n *VPNNLRI) JSON() map[string]any {
	return map[string]any{"nlri": n.Prefix().String(), "rd": n.rd.String(), "labels": n.labels}
}

func decodeVPN(family Family) nlriDecoder {
	addrLen := maxPrefixBits(family.AFI) / 8
	return func(data []byte, _ Capabilities, addPath bool) (NLRI, []byte, error) {
		var pathID uint32
		hasID := false
		if addPath {
			if len(data) < 4 {
				return nil, nil, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
			}
			pathID = binary.BigEndian.Uint32(data[:4])
			hasID = true
			data = data[4:]
		}
		if len(data) < 1 {
			return nil, nil, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
		}
		totalBits := int(data[0])
		data = data[1:]
		labels, labelBits, rest, err := readLabelStack(data, totalBits, false)
		if err != nil {
			return nil, nil, err
		}
		if totalBits-labelBits < 64 || len(rest) < 8 {
			return nil, nil, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
		}
		var rd RouteDistinguisher
		copy(rd[:], rest[:8])
		rest = rest[8:]
		hostMask := totalBits - labelBits - 64
		addr, rest2, err := readPrefixBytes(rest, hostMask, addrLen)
		if err != nil {
			return nil, nil, err
		}
		return &VPNNLRI{family: family, rd: rd, addr: addr, mask: hostMask, labels: labels, pathID: pathID, hasID: hasID}, rest2, nil
	}
}

func init() {
	registerNLRIDecoder(FamilyIPv4VPN, decodeVPN(FamilyIPv4VPN))
	registerNLRIDecoder(FamilyIPv6VPN, decodeVPN(FamilyIPv6VPN))
}

// NewVPNNLRI builds an L3VPN NLRI for API/static-route injection
// (spec.md §4.9 route expression parser: "RD").
func NewVPNNLRI(family Family, prefix netip.Prefix, rd RouteDistinguisher, labels []uint32) *VPNNLRI {
	addr := prefix.Addr().AsSlice()
	return &VPNNLRI{family: family, rd: rd, addr: addr, mask: prefix.Bits(), labels: labels}
}
