package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Path attribute type codes (RFC 4271 §5, RFC 4360, RFC 4456, RFC 4760,
// RFC 4893/6793, RFC 5512, RFC 6514, RFC 7311, RFC 7752, RFC 8669).
const (
	AttrOrigin          uint8 = 1
	AttrASPath          uint8 = 2
	AttrNextHop         uint8 = 3
	AttrMED             uint8 = 4
	AttrLocalPref       uint8 = 5
	AttrAtomicAggregate uint8 = 6
	AttrAggregator      uint8 = 7
	AttrCommunity       uint8 = 8
	AttrOriginatorID    uint8 = 9
	AttrClusterList     uint8 = 10
	AttrMPReachNLRI     uint8 = 14
	AttrMPUnreachNLRI   uint8 = 15
	AttrExtCommunity    uint8 = 16
	AttrAS4Path         uint8 = 17
	AttrAS4Aggregator   uint8 = 18
	AttrPMSITunnel      uint8 = 22
	AttrAIGP            uint8 = 26
	AttrLargeCommunity  uint8 = 32
	AttrBGPLSAttribute  uint8 = 29
	AttrPrefixSID       uint8 = 40

	// Internal pseudo-attributes used only within this process to carry
	// per-update bookkeeping alongside the wire attribute set; they are
	// never packed onto the wire and occupy a code range IANA will never
	// assign (RFC 4271 attribute type codes are a single byte).
	AttrInternalSplit    uint8 = 250
	AttrInternalWatchdog uint8 = 251
	AttrInternalWithdraw uint8 = 252
	AttrInternalName     uint8 = 253
)

// Attribute flag bits (RFC 4271 §4.3).
const (
	AttrFlagOptional   uint8 = 0x80
	AttrFlagTransitive uint8 = 0x40
	AttrFlagPartial    uint8 = 0x20
	AttrFlagExtLength  uint8 = 0x10
)

// Well-known ORIGIN values.
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

// AS_PATH segment types.
const (
	ASPathSet      uint8 = 1
	ASPathSequence uint8 = 2
	ASPathConfedSequence uint8 = 3
	ASPathConfedSet      uint8 = 4
)

const asTrans uint16 = 23456

// ASSegment is one AS_PATH or AS4_PATH segment.
type ASSegment struct {
	Type uint8
	ASNs []uint32
}

// AS_PATH segment types (RFC 4271 §4.3).
const (
	ASPathSegmentSet      uint8 = 1
	ASPathSegmentSequence uint8 = 2
)

// Attribute is a single decoded path attribute: flags plus raw value
// bytes. Typed accessors on Attributes decode the value lazily so that
// attributes this process does not understand round-trip unchanged.
type Attribute struct {
	Flags uint8
	Code  uint8
	Value []byte
}

// Attributes is the ordered, by-code-unique set of path attributes
// carried by one UPDATE. Canonical wire order is ascending type code,
// matching the convention most implementations emit and which makes
// attribute-fingerprint grouping (spec.md RIB update-batching) stable
// byte-for-byte across updates with identical attribute sets.
type Attributes struct {
	byCode map[uint8]Attribute
}

func NewAttributes() *Attributes {
	return &Attributes{byCode: make(map[uint8]Attribute)}
}

func (a *Attributes) Set(attr Attribute) {
	a.byCode[attr.Code] = attr
}

func (a *Attributes) Get(code uint8) (Attribute, bool) {
	v, ok := a.byCode[code]
	return v, ok
}

func (a *Attributes) Delete(code uint8) {
	delete(a.byCode, code)
}

func (a *Attributes) Has(code uint8) bool {
	_, ok := a.byCode[code]
	return ok
}

// Codes returns the present attribute codes in canonical ascending order.
func (a *Attributes) Codes() []uint8 {
	out := make([]uint8, 0, len(a.byCode))
	for c := range a.byCode {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fingerprint returns a stable key for attribute-equality grouping: the
// packed wire form of every wire-visible (non-internal) attribute,
// concatenated in canonical order. Two updates with identical
// fingerprints can be announced to a peer as a single MP_REACH group
// (spec.md §7 update-batching).
func (a *Attributes) Fingerprint() string {
	buf := make([]byte, 0, 128)
	for _, code := range a.Codes() {
		if code >= AttrInternalSplit {
			continue
		}
		attr := a.byCode[code]
		buf = append(buf, attr.Flags, attr.Code)
		buf = append(buf, packAttrLength(len(attr.Value))...)
		buf = append(buf, attr.Value...)
	}
	return string(buf)
}

func packAttrLength(n int) []byte {
	if n > 255 {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(n))
		return b
	}
	return []byte{byte(n)}
}

// Pack serializes the attribute set in canonical order, excluding
// internal pseudo-attributes and any attribute explicitly named in skip.
func (a *Attributes) Pack(skip ...uint8) []byte {
	skipSet := make(map[uint8]bool, len(skip))
	for _, s := range skip {
		skipSet[s] = true
	}
	var out []byte
	for _, code := range a.Codes() {
		if code >= AttrInternalSplit || skipSet[code] {
			continue
		}
		attr := a.byCode[code]
		flags := attr.Flags &^ AttrFlagExtLength
		if len(attr.Value) > 255 {
			flags |= AttrFlagExtLength
		}
		out = append(out, flags, attr.Code)
		out = append(out, packAttrLength(len(attr.Value))...)
		out = append(out, attr.Value...)
	}
	return out
}

// ParseAttributes walks the UPDATE total-path-attribute-length section,
// decoding the flags/type/length header for each attribute but leaving
// values as raw bytes; callers use the typed accessors below to decode
// specific attributes on demand.
func ParseAttributes(data []byte) (*Attributes, error) {
	attrs := NewAttributes()
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, Notify(NotifyUpdateMessageError, SubcodeMalformedAttributeList)
		}
		flags := data[offset]
		code := data[offset+1]
		offset += 2

		var length int
		if flags&AttrFlagExtLength != 0 {
			if offset+2 > len(data) {
				return nil, Notify(NotifyUpdateMessageError, SubcodeMalformedAttributeList)
			}
			length = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return nil, Notify(NotifyUpdateMessageError, SubcodeMalformedAttributeList)
			}
			length = int(data[offset])
			offset++
		}
		if offset+length > len(data) {
			return nil, Notify(NotifyUpdateMessageError, SubcodeAttributeLengthError)
		}
		value := append([]byte(nil), data[offset:offset+length]...)
		offset += length

		attrs.Set(Attribute{Flags: flags, Code: code, Value: value})
	}
	return attrs, nil
}

// ---- typed accessors ----

func (a *Attributes) Origin() (uint8, bool) {
	attr, ok := a.Get(AttrOrigin)
	if !ok || len(attr.Value) != 1 {
		return 0, false
	}
	return attr.Value[0], true
}

func (a *Attributes) SetOrigin(v uint8) {
	a.Set(Attribute{Flags: AttrFlagTransitive, Code: AttrOrigin, Value: []byte{v}})
}

// ASPath decodes the AS_PATH (4-byte ASNs only; 2-byte legacy peers are
// merged with AS4_PATH by MergeAS4Path before this is called).
func (a *Attributes) ASPath() ([]ASSegment, error) {
	attr, ok := a.Get(AttrASPath)
	if !ok {
		return nil, nil
	}
	return decodeASPath(attr.Value, 4)
}

func decodeASPath(data []byte, asnWidth int) ([]ASSegment, error) {
	var segs []ASSegment
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, Notify(NotifyUpdateMessageError, SubcodeMalformedASPath)
		}
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2
		need := segLen * asnWidth
		if offset+need > len(data) {
			return nil, Notify(NotifyUpdateMessageError, SubcodeMalformedASPath)
		}
		asns := make([]uint32, segLen)
		for i := 0; i < segLen; i++ {
			if asnWidth == 4 {
				asns[i] = binary.BigEndian.Uint32(data[offset : offset+4])
			} else {
				asns[i] = uint32(binary.BigEndian.Uint16(data[offset : offset+2]))
			}
			offset += asnWidth
		}
		segs = append(segs, ASSegment{Type: segType, ASNs: asns})
		offset += 0
	}
	return segs, nil
}

func encodeASPath(segs []ASSegment, asnWidth int) []byte {
	var out []byte
	for _, seg := range segs {
		out = append(out, seg.Type, byte(len(seg.ASNs)))
		for _, asn := range seg.ASNs {
			buf := make([]byte, asnWidth)
			if asnWidth == 4 {
				binary.BigEndian.PutUint32(buf, asn)
			} else {
				v := asn
				if v > 0xFFFF {
					v = uint32(asTrans)
				}
				binary.BigEndian.PutUint16(buf, uint16(v))
			}
			out = append(out, buf...)
		}
	}
	return out
}

func (a *Attributes) SetASPath(segs []ASSegment, peerIsASN4 bool) {
	a.Set(Attribute{Flags: AttrFlagTransitive, Code: AttrASPath, Value: encodeASPath(segs, 4)})
	if !peerIsASN4 {
		// Emit a legacy-width AS_PATH plus AS4_PATH carrying the full
		// segments, per RFC 4893 §4.2.2, for peers without ASN4 capability.
		a.Set(Attribute{Flags: AttrFlagTransitive, Code: AttrASPath, Value: encodeASPath(segs, 2)})
		a.Set(Attribute{Flags: AttrFlagOptional | AttrFlagTransitive, Code: AttrAS4Path, Value: encodeASPath(segs, 4)})
	} else {
		a.Delete(AttrAS4Path)
	}
}

// MergeAS4Path folds AS4_PATH into AS_PATH per RFC 4893 §4.2.3, for
// sessions where the peer lacks the ASN4 capability and sent a 2-byte
// AS_PATH with AS_TRANS placeholders alongside an AS4_PATH attribute.
// It is a no-op when the session negotiated ASN4 (AS_PATH is already
// 4-byte and AS4_PATH must not appear).
func (a *Attributes) MergeAS4Path(peerIsASN4 bool) error {
	if peerIsASN4 {
		return nil
	}
	asPathAttr, ok := a.Get(AttrASPath)
	if !ok {
		return nil
	}
	shortPath, err := decodeASPath(asPathAttr.Value, 2)
	if err != nil {
		return err
	}
	as4Attr, hasAS4 := a.Get(AttrAS4Path)
	if !hasAS4 {
		widened := make([]ASSegment, len(shortPath))
		for i, seg := range shortPath {
			asns := make([]uint32, len(seg.ASNs))
			copy(asns, seg.ASNs)
			widened[i] = ASSegment{Type: seg.Type, ASNs: asns}
		}
		a.Set(Attribute{Flags: AttrFlagTransitive, Code: AttrASPath, Value: encodeASPath(widened, 4)})
		return nil
	}
	longPath, err := decodeASPath(as4Attr.Value, 4)
	if err != nil {
		return err
	}
	merged := mergeASPaths(shortPath, longPath)
	a.Set(Attribute{Flags: AttrFlagTransitive, Code: AttrASPath, Value: encodeASPath(merged, 4)})
	a.Delete(AttrAS4Path)
	return nil
}

// mergeASPaths implements the RFC 4893 §4.2.3 "new AS_PATH" algorithm:
// take the trailing segments of AS4_PATH that fit within AS_PATH's
// length and prefer them, left-padding with whatever of the (possibly
// AS_TRANS-polluted) AS_PATH remains in front.
func mergeASPaths(shortPath, longPath []ASSegment) []ASSegment {
	shortLen := asSegmentsLength(shortPath)
	longLen := asSegmentsLength(longPath)
	if shortLen < longLen {
		// AS_PATH can only ever be the same length as AS4_PATH or longer
		// (AS_TRANS substitutes one-for-one, never drops a hop); a
		// shorter AS_PATH means AS4_PATH was tampered with or corrupted
		// in transit through an old-speaker AS, so it is discarded.
		return shortPath
	}
	keep := shortLen - longLen
	prefix := truncateASSegments(shortPath, keep)
	return append(prefix, longPath...)
}

func asSegmentsLength(segs []ASSegment) int {
	n := 0
	for _, s := range segs {
		n += len(s.ASNs)
	}
	return n
}

func truncateASSegments(segs []ASSegment, keep int) []ASSegment {
	var out []ASSegment
	remaining := keep
	for _, s := range segs {
		if remaining <= 0 {
			break
		}
		if len(s.ASNs) <= remaining {
			out = append(out, s)
			remaining -= len(s.ASNs)
			continue
		}
		out = append(out, ASSegment{Type: s.Type, ASNs: append([]uint32(nil), s.ASNs[:remaining]...)})
		remaining = 0
	}
	return out
}

func (a *Attributes) NextHop() (net4 [4]byte, ok bool) {
	attr, present := a.Get(AttrNextHop)
	if !present || len(attr.Value) != 4 {
		return net4, false
	}
	copy(net4[:], attr.Value)
	return net4, true
}

func (a *Attributes) SetNextHop(ip [4]byte) {
	a.Set(Attribute{Flags: AttrFlagTransitive, Code: AttrNextHop, Value: ip[:]})
}

func (a *Attributes) MED() (uint32, bool) {
	attr, ok := a.Get(AttrMED)
	if !ok || len(attr.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(attr.Value), true
}

func (a *Attributes) SetMED(v uint32) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	a.Set(Attribute{Flags: AttrFlagOptional, Code: AttrMED, Value: buf})
}

func (a *Attributes) LocalPref() (uint32, bool) {
	attr, ok := a.Get(AttrLocalPref)
	if !ok || len(attr.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(attr.Value), true
}

func (a *Attributes) SetLocalPref(v uint32) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	a.Set(Attribute{Flags: AttrFlagTransitive, Code: AttrLocalPref, Value: buf})
}

func (a *Attributes) SetAtomicAggregate() {
	a.Set(Attribute{Flags: AttrFlagTransitive, Code: AttrAtomicAggregate, Value: nil})
}

type Aggregator struct {
	ASN      uint32
	RouterID [4]byte
}

func (a *Attributes) Aggregator() (Aggregator, bool) {
	attr, ok := a.Get(AttrAggregator)
	if !ok || len(attr.Value) != 8 {
		return Aggregator{}, false
	}
	var ag Aggregator
	ag.ASN = binary.BigEndian.Uint32(attr.Value[0:4])
	copy(ag.RouterID[:], attr.Value[4:8])
	return ag, true
}

func (a *Attributes) SetAggregator(ag Aggregator, peerIsASN4 bool) {
	if peerIsASN4 {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint32(buf[0:4], ag.ASN)
		copy(buf[4:8], ag.RouterID[:])
		a.Set(Attribute{Flags: AttrFlagOptional | AttrFlagTransitive, Code: AttrAggregator, Value: buf})
		return
	}
	asn16 := uint16(ag.ASN)
	if ag.ASN > 0xFFFF {
		asn16 = asTrans
	}
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[0:2], asn16)
	copy(buf[2:6], ag.RouterID[:])
	a.Set(Attribute{Flags: AttrFlagOptional | AttrFlagTransitive, Code: AttrAggregator, Value: buf})

	buf4 := make([]byte, 8)
	binary.BigEndian.PutUint32(buf4[0:4], ag.ASN)
	copy(buf4[4:8], ag.RouterID[:])
	a.Set(Attribute{Flags: AttrFlagOptional | AttrFlagTransitive, Code: AttrAS4Aggregator, Value: buf4})
}

// Community lists decode as slices of raw wire values; callers needing
// structured (ASN, value) pairs unpack the uint32 themselves, matching
// how community values are treated as opaque 4-byte tokens on the wire.

func (a *Attributes) Communities() ([]uint32, bool) {
	attr, ok := a.Get(AttrCommunity)
	if !ok || len(attr.Value)%4 != 0 {
		return nil, false
	}
	out := make([]uint32, len(attr.Value)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(attr.Value[i*4 : i*4+4])
	}
	return out, true
}

func (a *Attributes) SetCommunities(vals []uint32) {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	a.Set(Attribute{Flags: AttrFlagOptional | AttrFlagTransitive, Code: AttrCommunity, Value: buf})
}

func (a *Attributes) LargeCommunities() ([][3]uint32, bool) {
	attr, ok := a.Get(AttrLargeCommunity)
	if !ok || len(attr.Value)%12 != 0 {
		return nil, false
	}
	out := make([][3]uint32, len(attr.Value)/12)
	for i := range out {
		off := i * 12
		out[i][0] = binary.BigEndian.Uint32(attr.Value[off : off+4])
		out[i][1] = binary.BigEndian.Uint32(attr.Value[off+4 : off+8])
		out[i][2] = binary.BigEndian.Uint32(attr.Value[off+8 : off+12])
	}
	return out, true
}

func (a *Attributes) SetLargeCommunities(vals [][3]uint32) {
	buf := make([]byte, 12*len(vals))
	for i, v := range vals {
		off := i * 12
		binary.BigEndian.PutUint32(buf[off:off+4], v[0])
		binary.BigEndian.PutUint32(buf[off+4:off+8], v[1])
		binary.BigEndian.PutUint32(buf[off+8:off+12], v[2])
	}
	a.Set(Attribute{Flags: AttrFlagOptional | AttrFlagTransitive, Code: AttrLargeCommunity, Value: buf})
}

func (a *Attributes) ExtendedCommunities() ([][8]byte, bool) {
	attr, ok := a.Get(AttrExtCommunity)
	if !ok || len(attr.Value)%8 != 0 {
		return nil, false
	}
	out := make([][8]byte, len(attr.Value)/8)
	for i := range out {
		copy(out[i][:], attr.Value[i*8:i*8+8])
	}
	return out, true
}

func (a *Attributes) SetExtendedCommunities(vals [][8]byte) {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		copy(buf[i*8:i*8+8], v[:])
	}
	a.Set(Attribute{Flags: AttrFlagOptional | AttrFlagTransitive, Code: AttrExtCommunity, Value: buf})
}

func (a *Attributes) OriginatorID() ([4]byte, bool) {
	var id [4]byte
	attr, ok := a.Get(AttrOriginatorID)
	if !ok || len(attr.Value) != 4 {
		return id, false
	}
	copy(id[:], attr.Value)
	return id, true
}

func (a *Attributes) SetOriginatorID(id [4]byte) {
	a.Set(Attribute{Flags: AttrFlagOptional, Code: AttrOriginatorID, Value: id[:]})
}

func (a *Attributes) ClusterList() ([]uint32, bool) {
	attr, ok := a.Get(AttrClusterList)
	if !ok || len(attr.Value)%4 != 0 {
		return nil, false
	}
	out := make([]uint32, len(attr.Value)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(attr.Value[i*4 : i*4+4])
	}
	return out, true
}

func (a *Attributes) SetClusterList(ids []uint32) {
	buf := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], id)
	}
	a.Set(Attribute{Flags: AttrFlagOptional, Code: AttrClusterList, Value: buf})
}

func (a *Attributes) AIGP() (uint64, bool) {
	attr, ok := a.Get(AttrAIGP)
	if !ok || len(attr.Value) < 3 {
		return 0, false
	}
	// TLV-encoded (RFC 7311 §3); type 1 is the AIGP metric, an 8-byte value.
	if attr.Value[0] != 1 || len(attr.Value) != 11 {
		return 0, false
	}
	return binary.BigEndian.Uint64(attr.Value[3:11]), true
}

func (a *Attributes) SetAIGP(metric uint64) {
	buf := make([]byte, 11)
	buf[0] = 1
	binary.BigEndian.PutUint16(buf[1:3], 11)
	binary.BigEndian.PutUint64(buf[3:11], metric)
	a.Set(Attribute{Flags: AttrFlagOptional, Code: AttrAIGP, Value: buf})
}

// ---- internal pseudo-attribute helpers (never packed on the wire) ----

func (a *Attributes) SetWatchdog(name string) {
	a.Set(Attribute{Code: AttrInternalWatchdog, Value: []byte(name)})
}

func (a *Attributes) Watchdog() (string, bool) {
	attr, ok := a.Get(AttrInternalWatchdog)
	if !ok {
		return "", false
	}
	return string(attr.Value), true
}

func (a *Attributes) SetWithdrawOnTimeout() {
	a.Set(Attribute{Code: AttrInternalWithdraw, Value: []byte{1}})
}

func (a *Attributes) WithdrawOnTimeout() bool {
	return a.Has(AttrInternalWithdraw)
}

func (a *Attributes) SetSplit(bits int) {
	a.Set(Attribute{Code: AttrInternalSplit, Value: []byte{byte(bits)}})
}

func (a *Attributes) Split() (int, bool) {
	attr, ok := a.Get(AttrInternalSplit)
	if !ok || len(attr.Value) != 1 {
		return 0, false
	}
	return int(attr.Value[0]), true
}

func (a *Attributes) SetName(name string) {
	a.Set(Attribute{Code: AttrInternalName, Value: []byte(name)})
}

func (a *Attributes) Name() (string, bool) {
	attr, ok := a.Get(AttrInternalName)
	if !ok {
		return "", false
	}
	return string(attr.Value), true
}

// Clone returns a deep copy so that RIB storage never aliases mutable
// buffers shared with a just-decoded UPDATE.
func (a *Attributes) Clone() *Attributes {
	clone := NewAttributes()
	for code, attr := range a.byCode {
		v := append([]byte(nil), attr.Value...)
		clone.byCode[code] = Attribute{Flags: attr.Flags, Code: code, Value: v}
	}
	return clone
}

func (a *Attributes) String() string {
	return fmt.Sprintf("Attributes{%d codes}", len(a.byCode))
}
