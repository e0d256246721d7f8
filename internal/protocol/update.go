package protocol

import "encoding/binary"

// UpdateMessage is a decoded BGP UPDATE: IPv4-unicast withdrawals and
// announcements travel as bare NLRIs in the message body; every other
// family travels inside the MP_REACH_NLRI / MP_UNREACH_NLRI attributes
// (spec.md §4.2).
type UpdateMessage struct {
	WithdrawnV4  []NLRI
	Attributes   *Attributes
	AnnouncedV4  []NLRI
}

func (u *UpdateMessage) Type() uint8 { return MsgUpdate }

// PackUpdate serializes an UPDATE. Callers populate MP_REACH/MP_UNREACH
// on u.Attributes themselves via SetMPReach/SetMPUnreach before calling
// this (the rib package does so per announced/withdrawn family).
func PackUpdate(u *UpdateMessage, caps Capabilities) []byte {
	withdrawn := PackNLRIs(u.WithdrawnV4, caps)
	attrs := u.Attributes.Pack()

	var body []byte
	var lenBuf [2]byte

	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(withdrawn)))
	body = append(body, lenBuf[:]...)
	body = append(body, withdrawn...)

	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(attrs)))
	body = append(body, lenBuf[:]...)
	body = append(body, attrs...)

	body = append(body, PackNLRIs(u.AnnouncedV4, caps)...)
	return packFrame(MsgUpdate, body)
}

// UnpackUpdate decodes an UPDATE. Per spec.md §4.2 the decode-time
// invariant `withdrawn-length + attributes-length + 4 +
// len(remaining-announcements) == total-payload-length` is enforced by
// construction: every byte not claimed by the two length-prefixed
// sections is treated as IPv4-unicast announcements.
func UnpackUpdate(payload []byte, caps Capabilities, addPathV4 bool) (*UpdateMessage, error) {
	if len(payload) < 2 {
		return nil, Notify(NotifyUpdateMessageError, SubcodeMalformedAttributeList)
	}
	withdrawnLen := int(binary.BigEndian.Uint16(payload[0:2]))
	offset := 2
	if offset+withdrawnLen > len(payload) {
		return nil, Notify(NotifyUpdateMessageError, SubcodeMalformedAttributeList)
	}
	withdrawnData := payload[offset : offset+withdrawnLen]
	offset += withdrawnLen

	if offset+2 > len(payload) {
		return nil, Notify(NotifyUpdateMessageError, SubcodeMalformedAttributeList)
	}
	attrLen := int(binary.BigEndian.Uint16(payload[offset : offset+2]))
	offset += 2
	if offset+attrLen > len(payload) {
		return nil, Notify(NotifyUpdateMessageError, SubcodeMalformedAttributeList)
	}
	attrData := payload[offset : offset+attrLen]
	offset += attrLen

	announcedData := payload[offset:]

	withdrawn, err := DecodeNLRIs(FamilyIPv4Unicast, withdrawnData, caps, addPathV4)
	if err != nil {
		return nil, err
	}
	attrs, err := ParseAttributes(attrData)
	if err != nil {
		return nil, err
	}
	if err := attrs.MergeAS4Path(caps.ASN4()); err != nil {
		return nil, err
	}
	announced, err := DecodeNLRIs(FamilyIPv4Unicast, announcedData, caps, addPathV4)
	if err != nil {
		return nil, err
	}

	return &UpdateMessage{WithdrawnV4: withdrawn, Attributes: attrs, AnnouncedV4: announced}, nil
}

// InjectDefaults fills in the mandatory well-known attributes an
// outgoing UPDATE must carry when the caller omitted them: ORIGIN
// defaults to IGP, AS_PATH defaults to empty (valid for iBGP), NEXT_HOP
// defaults to the supplied local address for eBGP-style sessions.
func (u *UpdateMessage) InjectDefaults(localNextHop [4]byte) {
	if _, ok := u.Attributes.Origin(); !ok {
		u.Attributes.SetOrigin(OriginIGP)
	}
	if !u.Attributes.Has(AttrASPath) {
		u.Attributes.SetASPath(nil, true)
	}
	if _, ok := u.Attributes.NextHop(); !ok {
		u.Attributes.SetNextHop(localNextHop)
	}
}

// IsEndOfRIB reports whether this UPDATE is the zero-length marker
// signalling initial-convergence completion for a family (spec.md
// GLOSSARY "EOR"): for IPv4 unicast, a completely empty UPDATE; for any
// other family, an UPDATE whose only attribute is an empty
// MP_UNREACH_NLRI for that family.
func (u *UpdateMessage) IsEndOfRIB() (Family, bool) {
	if len(u.WithdrawnV4) == 0 && len(u.AnnouncedV4) == 0 && len(u.Attributes.Codes()) == 0 {
		return FamilyIPv4Unicast, true
	}
	codes := u.Attributes.Codes()
	if len(codes) == 1 && codes[0] == AttrMPUnreachNLRI {
		attr, _ := u.Attributes.Get(AttrMPUnreachNLRI)
		if len(attr.Value) == 3 {
			afi := AFI(binary.BigEndian.Uint16(attr.Value[0:2]))
			safi := SAFI(attr.Value[2])
			return Family{afi, safi}, true
		}
	}
	return Family{}, false
}

// PackEndOfRIB builds the EOR marker for a family.
func PackEndOfRIB(f Family, caps Capabilities) []byte {
	if f == FamilyIPv4Unicast {
		return PackUpdate(&UpdateMessage{Attributes: NewAttributes()}, caps)
	}
	attrs := NewAttributes()
	attrs.SetMPUnreach(MPUnreach{Family: f}, caps)
	return PackUpdate(&UpdateMessage{Attributes: attrs}, caps)
}
