package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const withdrawLabel uint32 = 0x800000

// packLabel3 encodes a 20-bit MPLS label plus the S-bit (bottom of
// stack) into the standard 3-byte wire form (RFC 3107 §3).
func packLabel3(label uint32, bottomOfStack bool) [3]byte {
	v := (label << 4) & 0xFFFFF0
	if bottomOfStack {
		v |= 1
	}
	return [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func unpackLabel3(b []byte) (label uint32, bottomOfStack bool) {
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return v >> 4, v&1 != 0
}

// readLabelStack consumes 3-byte labels from the front of the
// mask-bit budget until the bottom-of-stack bit is set, the special
// withdraw label (0x800000) is seen on a withdrawal, or the budget is
// exhausted. Returns the labels, the bit count consumed, and the
// remaining prefix bytes.
func readLabelStack(data []byte, maskBits int, isWithdraw bool) (labels []uint32, bitsConsumed int, rest []byte, err error) {
	remaining := data
	for {
		if maskBits-bitsConsumed < 24 || len(remaining) < 3 {
			return nil, 0, nil, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
		}
		label, bos := unpackLabel3(remaining)
		remaining = remaining[3:]
		bitsConsumed += 24
		if isWithdraw && label == withdrawLabel {
			return labels, bitsConsumed, remaining, nil
		}
		labels = append(labels, label)
		if bos {
			return labels, bitsConsumed, remaining, nil
		}
	}
}

func packLabelStack(labels []uint32, isWithdraw bool) []byte {
	if isWithdraw && len(labels) == 0 {
		b := packLabel3(withdrawLabel>>4, true)
		return b[:]
	}
	var out []byte
	for i, l := range labels {
		b := packLabel3(l, i == len(labels)-1)
		out = append(out, b[:]...)
	}
	return out
}

// LabeledNLRI is an NLRI carrying a label stack (RFC 3107/8277
// labeled-unicast).
type LabeledNLRI struct {
	family Family
	addr   []byte
	mask   int // host-prefix mask bits, excluding the label-stack bits
	labels []uint32
	pathID uint32
	hasID  bool
}

func (n *LabeledNLRI) Family() Family         { return n.family }
func (n *LabeledNLRI) PathID() (uint32, bool) { return n.pathID, n.hasID }

func (n *LabeledNLRI) WithPathID(id uint32) NLRI {
	cp := *n
	cp.pathID = id
	cp.hasID = true
	return &cp
}

func (n *LabeledNLRI) Prefix() netip.Prefix {
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

func (n *LabeledNLRI) Pack(_ Capabilities) []byte {
	var out []byte
	if n.hasID {
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], n.pathID)
		out = append(out, idBuf[:]...)
	}
	labelBytes := packLabelStack(n.labels, false)
	out = append(out, byte(n.mask+len(labelBytes)*8))
	out = append(out, labelBytes...)
	out = append(out, packPrefixBytes(n.addr, n.mask)...)
	return out
}

func (n *LabeledNLRI) Index() string {
	return fmt.Sprintf("%s labels=%v", n.Prefix(), n.labels)
}

func (n *LabeledNLRI) Equal(other NLRI) bool {
	o, ok := other.(*LabeledNLRI)
	if !ok || o.family != n.family || o.mask != n.mask || string(o.addr) != string(n.addr) || len(o.labels) != len(n.labels) {
		return false
	}
	for i := range o.labels {
		if o.labels[i] != n.labels[i] {
			return false
		}
	}
	return true
}

func (n *LabeledNLRI) JSON() map[string]any {
	return map[string]any{"nlri": n.Prefix().String(), "labels": n.labels}
}

func decodeLabeled(family Family) nlriDecoder {
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
		hostMask := totalBits - labelBits
		addr, rest2, err := readPrefixBytes(rest, hostMask, addrLen)
		if err != nil {
			return nil, nil, err
		}
		return &LabeledNLRI{family: family, addr: addr, mask: hostMask, labels: labels, pathID: pathID, hasID: hasID}, rest2, nil
	}
}

func init() {
	registerNLRIDecoder(FamilyIPv4Labeled, decodeLabeled(FamilyIPv4Labeled))
	registerNLRIDecoder(FamilyIPv6Labeled, decodeLabeled(FamilyIPv6Labeled))
}

// NewLabeledNLRI builds a labeled-unicast NLRI for API/static-route
// injection (spec.md §4.9 route expression parser: "labels").
func NewLabeledNLRI(family Family, prefix netip.Prefix, labels []uint32) *LabeledNLRI {
	addr := prefix.Addr().AsSlice()
	return &LabeledNLRI{family: family, addr: addr, mask: prefix.Bits(), labels: labels}
}
