package protocol

import (
	"encoding/binary"
	"fmt"
)

// Capability codes (IANA "BGP Capability Codes").
const (
	CapMultiprotocol     uint8 = 1
	CapRouteRefresh      uint8 = 2
	CapExtendedMessage   uint8 = 6
	CapGracefulRestart   uint8 = 64
	CapASN4              uint8 = 65
	CapAddPath           uint8 = 69
	CapOperational       uint8 = 73
	CapRouteRefreshCisco uint8 = 128 // pre-standard Cisco code point
)

// AddPath send/receive bit values as carried in the per-family AddPath
// capability tuple.
const (
	AddPathReceive uint8 = 1
	AddPathSend    uint8 = 2
	AddPathBoth    uint8 = 3
)

// optional parameter type codes (RFC 3392 / RFC 5492).
const (
	OptParamAuthenticationInfo uint8 = 1 // deprecated, forbidden on receipt
	OptParamCapability         uint8 = 2
)

// Capability is one OPEN optional-parameter capability, kept opaque when
// unrecognized so it can be echoed back or inspected without a decoder.
type Capability struct {
	Code  uint8
	Value []byte
}

// MultiprotocolValue decodes a multiprotocol-extensions capability value.
func (c Capability) MultiprotocolValue() (Family, error) {
	if c.Code != CapMultiprotocol || len(c.Value) != 4 {
		return Family{}, fmt.Errorf("protocol: malformed multiprotocol capability")
	}
	afi := AFI(binary.BigEndian.Uint16(c.Value[0:2]))
	safi := SAFI(c.Value[3])
	return Family{afi, safi}, nil
}

func NewMultiprotocolCapability(f Family) Capability {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v[0:2], uint16(f.AFI))
	v[2] = 0
	v[3] = byte(f.SAFI)
	return Capability{Code: CapMultiprotocol, Value: v}
}

func NewASN4Capability(asn uint32) Capability {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, asn)
	return Capability{Code: CapASN4, Value: v}
}

func (c Capability) ASN4Value() (uint32, error) {
	if c.Code != CapASN4 || len(c.Value) != 4 {
		return 0, fmt.Errorf("protocol: malformed asn4 capability")
	}
	return binary.BigEndian.Uint32(c.Value), nil
}

// AddPathEntry is one (family, send/receive) tuple within an AddPath
// capability, which may carry several such tuples.
type AddPathEntry struct {
	Family    Family
	Direction uint8 // AddPathReceive | AddPathSend | AddPathBoth
}

func NewAddPathCapability(entries []AddPathEntry) Capability {
	v := make([]byte, 0, 4*len(entries))
	for _, e := range entries {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:2], uint16(e.Family.AFI))
		buf[2] = byte(e.Family.SAFI)
		buf[3] = e.Direction
		v = append(v, buf...)
	}
	return Capability{Code: CapAddPath, Value: v}
}

func (c Capability) AddPathEntries() ([]AddPathEntry, error) {
	if c.Code != CapAddPath || len(c.Value)%4 != 0 {
		return nil, fmt.Errorf("protocol: malformed add-path capability")
	}
	var out []AddPathEntry
	for i := 0; i+4 <= len(c.Value); i += 4 {
		afi := AFI(binary.BigEndian.Uint16(c.Value[i : i+2]))
		safi := SAFI(c.Value[i+2])
		dir := c.Value[i+3]
		out = append(out, AddPathEntry{Family{afi, safi}, dir})
	}
	return out, nil
}

// GracefulRestartValue is the decoded graceful-restart capability: a
// restart-time plus per-family forwarding-state-preserved flags.
type GracefulRestartValue struct {
	Restarting  bool
	RestartTime uint16 // seconds, 12 bits on the wire
	Families    []GracefulRestartFamily
}

type GracefulRestartFamily struct {
	Family     Family
	Forwarding bool
}

func NewGracefulRestartCapability(g GracefulRestartValue) Capability {
	v := make([]byte, 2, 2+4*len(g.Families))
	flagsAndTime := g.RestartTime & 0x0FFF
	if g.Restarting {
		flagsAndTime |= 0x8000
	}
	binary.BigEndian.PutUint16(v[0:2], flagsAndTime)
	for _, f := range g.Families {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:2], uint16(f.Family.AFI))
		buf[2] = byte(f.Family.SAFI)
		if f.Forwarding {
			buf[3] = 0x80
		}
		v = append(v, buf...)
	}
	return Capability{Code: CapGracefulRestart, Value: v}
}

func (c Capability) GracefulRestartValue() (GracefulRestartValue, error) {
	if c.Code != CapGracefulRestart || len(c.Value) < 2 {
		return GracefulRestartValue{}, fmt.Errorf("protocol: malformed graceful-restart capability")
	}
	flagsAndTime := binary.BigEndian.Uint16(c.Value[0:2])
	g := GracefulRestartValue{
		Restarting:  flagsAndTime&0x8000 != 0,
		RestartTime: flagsAndTime & 0x0FFF,
	}
	rest := c.Value[2:]
	for i := 0; i+4 <= len(rest); i += 4 {
		afi := AFI(binary.BigEndian.Uint16(rest[i : i+2]))
		safi := SAFI(rest[i+2])
		g.Families = append(g.Families, GracefulRestartFamily{
			Family:     Family{afi, safi},
			Forwarding: rest[i+3]&0x80 != 0,
		})
	}
	return g, nil
}

// packCapabilities wraps each capability in its TLV and then in the
// optional-parameter TLV, combining all capabilities into a single
// optional parameter as modern implementations do (RFC 3392 allows one
// parameter carrying multiple capability TLVs).
func packCapabilities(caps []Capability) []byte {
	var body []byte
	for _, c := range caps {
		body = append(body, c.Code, byte(len(c.Value)))
		body = append(body, c.Value...)
	}
	out := []byte{OptParamCapability, byte(len(body))}
	return append(out, body...)
}

// parseOptionalParameters walks the OPEN optional-parameters blob,
// returning the flattened capability list. Authentication-info
// parameters (type 1) are rejected per spec.md §4.1.
func parseOptionalParameters(data []byte) ([]Capability, error) {
	var caps []Capability
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, Notify(NotifyOpenMessageError, SubcodeUnsupportedOptionalParam)
		}
		ptype := data[offset]
		plen := int(data[offset+1])
		offset += 2
		if offset+plen > len(data) {
			return nil, Notify(NotifyOpenMessageError, SubcodeUnsupportedOptionalParam)
		}
		pval := data[offset : offset+plen]
		offset += plen

		switch ptype {
		case OptParamAuthenticationInfo:
			return nil, Notify(NotifyOpenMessageError, SubcodeAuthenticationFailure)
		case OptParamCapability:
			inner, err := parseCapabilityTLVs(pval)
			if err != nil {
				return nil, err
			}
			caps = append(caps, inner...)
		default:
			// Unknown parameter kind: ignore, matching "opaque preserved"
			// handling for unrecognized capabilities elsewhere in the codec.
		}
	}
	return caps, nil
}

func parseCapabilityTLVs(data []byte) ([]Capability, error) {
	var caps []Capability
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, Notify(NotifyOpenMessageError, SubcodeUnsupportedCapability)
		}
		code := data[offset]
		clen := int(data[offset+1])
		offset += 2
		if offset+clen > len(data) {
			return nil, Notify(NotifyOpenMessageError, SubcodeUnsupportedCapability)
		}
		caps = append(caps, Capability{Code: code, Value: append([]byte(nil), data[offset:offset+clen]...)})
		offset += clen
	}
	return caps, nil
}
