package protocol

import (
	"encoding/hex"
	"fmt"
)

// NLRI is the single interface every address family implements (spec.md
// §9's "duck-typed NLRI families" redesign note). Dispatch on (AFI, SAFI)
// happens through the decoder table below, built once at init time
// instead of via import-time side effects.
type NLRI interface {
	Family() Family
	PathID() (uint32, bool)
	WithPathID(id uint32) NLRI
	Pack(caps Capabilities) []byte
	Index() string
	JSON() map[string]any
	Equal(other NLRI) bool
}

// nlriDecoder consumes exactly one NLRI from the front of data and
// returns it plus the remaining bytes.
type nlriDecoder func(data []byte, caps Capabilities, addPath bool) (NLRI, []byte, error)

var nlriDecoders = map[Family]nlriDecoder{}

func registerNLRIDecoder(f Family, dec nlriDecoder) {
	nlriDecoders[f] = dec
}

// DecodeNLRIs repeatedly decodes NLRIs of the given family from data
// until it is exhausted, per spec.md §4.2 ("consumes as many NLRIs as
// remain in its buffer").
func DecodeNLRIs(f Family, data []byte, caps Capabilities, addPath bool) ([]NLRI, error) {
	dec, ok := nlriDecoders[f]
	if !ok {
		return nil, fmt.Errorf("protocol: no NLRI decoder registered for family %s", f)
	}
	var out []NLRI
	for len(data) > 0 {
		n, rest, err := dec(data, caps, addPath)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		data = rest
	}
	return out, nil
}

func PackNLRIs(nlris []NLRI, caps Capabilities) []byte {
	var out []byte
	for _, n := range nlris {
		out = append(out, n.Pack(caps)...)
	}
	return out
}

// unknownNLRI is the opaque fallback for a (AFI, SAFI) combination this
// process has no typed decoder for: the raw family payload round-trips
// unchanged but is not individually addressable.
type unknownNLRI struct {
	family Family
	raw    []byte
}

func (u *unknownNLRI) Family() Family                { return u.family }
func (u *unknownNLRI) PathID() (uint32, bool)        { return 0, false }
func (u *unknownNLRI) WithPathID(uint32) NLRI        { return u }
func (u *unknownNLRI) Pack(Capabilities) []byte      { return append([]byte(nil), u.raw...) }
func (u *unknownNLRI) Index() string                 { return fmt.Sprintf("%s:%s", u.family, hex.EncodeToString(u.raw)) }
func (u *unknownNLRI) Equal(other NLRI) bool {
	o, ok := other.(*unknownNLRI)
	return ok && o.family == u.family && string(o.raw) == string(u.raw)
}
func (u *unknownNLRI) JSON() map[string]any {
	return map[string]any{"raw": hex.EncodeToString(u.raw)}
}

func init() {
	registerNLRIDecoder(FamilyBGPLS, func(data []byte, _ Capabilities, _ bool) (NLRI, []byte, error) {
		return &unknownNLRI{family: FamilyBGPLS, raw: append([]byte(nil), data...)}, nil, nil
	})
}

// packPrefixBytes returns ceil(mask/8) bytes of the address, per
// spec.md §3's "wire length is a function of mask and family" invariant.
func packPrefixBytes(addr []byte, maskBits int) []byte {
	n := (maskBits + 7) / 8
	if n > len(addr) {
		n = len(addr)
	}
	out := append([]byte(nil), addr[:n]...)
	if maskBits%8 != 0 && n > 0 {
		shift := uint(8 - maskBits%8)
		out[n-1] &^= (1 << shift) - 1
	}
	return out
}

func readPrefixBytes(data []byte, maskBits, addrLen int) ([]byte, []byte, error) {
	n := (maskBits + 7) / 8
	if n > addrLen || n > len(data) {
		return nil, nil, Notify(NotifyUpdateMessageError, SubcodeInvalidNetworkField)
	}
	addr := make([]byte, addrLen)
	copy(addr, data[:n])
	return addr, data[n:], nil
}
