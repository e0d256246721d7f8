package protocol

import "encoding/binary"

// MPReach is the decoded MP_REACH_NLRI attribute body (RFC 4760 §3):
// next-hop of family-dependent width plus the announced NLRIs.
type MPReach struct {
	Family  Family
	NextHop []byte
	NLRIs   []NLRI
}

// MPUnreach is the decoded MP_UNREACH_NLRI attribute body: withdrawn
// NLRIs for one family.
type MPUnreach struct {
	Family Family
	NLRIs  []NLRI
}

func packMPReach(r MPReach, caps Capabilities) []byte {
	var out []byte
	var afiBuf [2]byte
	binary.BigEndian.PutUint16(afiBuf[:], uint16(r.Family.AFI))
	out = append(out, afiBuf[:]...)
	out = append(out, byte(r.Family.SAFI))
	out = append(out, byte(len(r.NextHop)))
	out = append(out, r.NextHop...)
	out = append(out, 0) // reserved SNPA count
	out = append(out, PackNLRIs(r.NLRIs, caps)...)
	return out
}

func unpackMPReach(data []byte, caps Capabilities, addPath bool) (MPReach, error) {
	if len(data) < 4 {
		return MPReach{}, Notify(NotifyUpdateMessageError, SubcodeOptionalAttrError)
	}
	afi := AFI(binary.BigEndian.Uint16(data[0:2]))
	safi := SAFI(data[2])
	nhLen := int(data[3])
	data = data[4:]
	if nhLen > len(data) {
		return MPReach{}, Notify(NotifyUpdateMessageError, SubcodeOptionalAttrError)
	}
	nextHop := append([]byte(nil), data[:nhLen]...)
	data = data[nhLen:]
	if len(data) < 1 {
		return MPReach{}, Notify(NotifyUpdateMessageError, SubcodeOptionalAttrError)
	}
	data = data[1:] // reserved SNPA count octet
	family := Family{afi, safi}
	nlris, err := DecodeNLRIs(family, data, caps, addPath)
	if err != nil {
		return MPReach{}, err
	}
	return MPReach{Family: family, NextHop: nextHop, NLRIs: nlris}, nil
}

func packMPUnreach(u MPUnreach, caps Capabilities) []byte {
	var out []byte
	var afiBuf [2]byte
	binary.BigEndian.PutUint16(afiBuf[:], uint16(u.Family.AFI))
	out = append(out, afiBuf[:]...)
	out = append(out, byte(u.Family.SAFI))
	out = append(out, PackNLRIs(u.NLRIs, caps)...)
	return out
}

func unpackMPUnreach(data []byte, caps Capabilities, addPath bool) (MPUnreach, error) {
	if len(data) < 3 {
		return MPUnreach{}, Notify(NotifyUpdateMessageError, SubcodeOptionalAttrError)
	}
	afi := AFI(binary.BigEndian.Uint16(data[0:2]))
	safi := SAFI(data[2])
	family := Family{afi, safi}
	nlris, err := DecodeNLRIs(family, data[3:], caps, addPath)
	if err != nil {
		return MPUnreach{}, err
	}
	return MPUnreach{Family: family, NLRIs: nlris}, nil
}

// SetMPReach packs and installs an MP_REACH_NLRI attribute.
func (a *Attributes) SetMPReach(r MPReach, caps Capabilities) {
	a.Set(Attribute{Flags: AttrFlagOptional, Code: AttrMPReachNLRI, Value: packMPReach(r, caps)})
}

func (a *Attributes) MPReach(caps Capabilities, addPath bool) (MPReach, bool, error) {
	attr, ok := a.Get(AttrMPReachNLRI)
	if !ok {
		return MPReach{}, false, nil
	}
	r, err := unpackMPReach(attr.Value, caps, addPath)
	if err != nil {
		return MPReach{}, false, err
	}
	return r, true, nil
}

func (a *Attributes) SetMPUnreach(u MPUnreach, caps Capabilities) {
	a.Set(Attribute{Flags: AttrFlagOptional, Code: AttrMPUnreachNLRI, Value: packMPUnreach(u, caps)})
}

func (a *Attributes) MPUnreach(caps Capabilities, addPath bool) (MPUnreach, bool, error) {
	attr, ok := a.Get(AttrMPUnreachNLRI)
	if !ok {
		return MPUnreach{}, false, nil
	}
	u, err := unpackMPUnreach(attr.Value, caps, addPath)
	if err != nil {
		return MPUnreach{}, false, err
	}
	return u, true, nil
}
