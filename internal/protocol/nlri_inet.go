package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// InetNLRI is a plain IPv4/IPv6 unicast or multicast prefix, the most
// common NLRI on the wire: either carried bare in the UPDATE body (IPv4
// unicast) or inside MP_REACH/MP_UNREACH for every other AFI/SAFI pair
// that needs nothing beyond a prefix and an optional path-id.
type InetNLRI struct {
	family Family
	addr   []byte // 4 or 16 bytes, network order, zero-padded beyond mask
	mask   int
	pathID uint32
	hasID  bool
}

func NewInetNLRI(family Family, prefix netip.Prefix, pathID uint32, hasID bool) *InetNLRI {
	addrLen := 4
	if family.AFI == AFIIPv6 {
		addrLen = 16
	}
	buf := prefix.Addr().AsSlice()
	full := make([]byte, addrLen)
	copy(full, buf)
	return &InetNLRI{family: family, addr: full, mask: prefix.Bits(), pathID: pathID, hasID: hasID}
}

func (n *InetNLRI) Family() Family         { return n.family }
func (n *InetNLRI) PathID() (uint32, bool) { return n.pathID, n.hasID }

func (n *InetNLRI) WithPathID(id uint32) NLRI {
	cp := *n
	cp.pathID = id
	cp.hasID = true
	return &cp
}

func (n *InetNLRI) Prefix() netip.Prefix {
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

func (n *InetNLRI) Pack(_ Capabilities) []byte {
	var out []byte
	if n.hasID {
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], n.pathID)
		out = append(out, idBuf[:]...)
	}
	out = append(out, byte(n.mask))
	out = append(out, packPrefixBytes(n.addr, n.mask)...)
	return out
}

func (n *InetNLRI) Index() string {
	if n.hasID {
		return fmt.Sprintf("%s/%d#%d", n.Prefix(), n.mask, n.pathID)
	}
	return n.Prefix().String()
}

func (n *InetNLRI) Equal(other NLRI) bool {
	o, ok := other.(*InetNLRI)
	return ok && o.family == n.family && o.mask == n.mask && o.hasID == n.hasID &&
		o.pathID == n.pathID && string(o.addr) == string(n.addr)
}

func (n *InetNLRI) JSON() map[string]any {
	m := map[string]any{"nlri": n.Prefix().String()}
	if n.hasID {
		m["path-information"] = n.pathID
	}
	return m
}

func decodeInet(family Family) nlriDecoder {
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
		mask := int(data[0])
		if mask > addrLen*8 {
			return nil, nil, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
		}
		data = data[1:]
		addr, rest, err := readPrefixBytes(data, mask, addrLen)
		if err != nil {
			return nil, nil, err
		}
		return &InetNLRI{family: family, addr: addr, mask: mask, pathID: pathID, hasID: hasID}, rest, nil
	}
}

func init() {
	registerNLRIDecoder(FamilyIPv4Unicast, decodeInet(FamilyIPv4Unicast))
	registerNLRIDecoder(FamilyIPv4Multicast, decodeInet(FamilyIPv4Multicast))
	registerNLRIDecoder(FamilyIPv6Unicast, decodeInet(FamilyIPv6Unicast))
	registerNLRIDecoder(FamilyIPv6Multicast, decodeInet(FamilyIPv6Multicast))
}
