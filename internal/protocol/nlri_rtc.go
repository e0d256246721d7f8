package protocol

import (
	"encoding/binary"
	"fmt"
)

// RTCNLRI is a route-target constrain NLRI (RFC 4684): an origin-AS plus
// an opaque 8-byte route-target extended-community prefix, the pair
// itself treated as a prefix whose "mask" is in units of bits over the
// (origin-AS || route-target) bit string. A mask of 0 is the wildcard
// "default route" RTC entry matching every route-target.
type RTCNLRI struct {
	family     Family
	originAS   uint32
	mask       int
	rtPrefix   []byte // up to 8 bytes, truncated to ceil(mask/8) on the wire
	pathID     uint32
	hasID      bool
}

func (n *RTCNLRI) Family() Family         { return n.family }
func (n *RTCNLRI) PathID() (uint32, bool) { return n.pathID, n.hasID }

func (n *RTCNLRI) WithPathID(id uint32) NLRI {
	cp := *n
	cp.pathID = id
	cp.hasID = true
	return &cp
}

func (n *RTCNLRI) Pack(_ Capabilities) []byte {
	var out []byte
	if n.hasID {
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], n.pathID)
		out = append(out, idBuf[:]...)
	}
	out = append(out, byte(n.mask))
	if n.mask == 0 {
		return out
	}
	var asBuf [4]byte
	binary.BigEndian.PutUint32(asBuf[:], n.originAS)
	full := append(asBuf[:], n.rtPrefix...)
	out = append(out, packPrefixBytes(full, n.mask)...)
	return out
}

func (n *RTCNLRI) Index() string {
	return fmt.Sprintf("rtc origin-as=%d mask=%d rt=%x", n.originAS, n.mask, n.rtPrefix)
}

func (n *RTCNLRI) Equal(other NLRI) bool {
	o, ok := other.(*RTCNLRI)
	return ok && o.mask == n.mask && o.originAS == n.originAS && string(o.rtPrefix) == string(n.rtPrefix)
}

func (n *RTCNLRI) JSON() map[string]any {
	return map[string]any{"origin-as": n.originAS, "mask": n.mask, "route-target": fmt.Sprintf("%x", n.rtPrefix)}
}

func decodeRTC(data []byte, _ Capabilities, addPath bool) (NLRI, []byte, error) {
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
	data = data[1:]
	if mask == 0 {
		return &RTCNLRI{family: FamilyIPv4RTC, mask: 0, pathID: pathID, hasID: hasID}, data, nil
	}
	full, rest, err := readPrefixBytes(data, mask, 12)
	if err != nil {
		return nil, nil, err
	}
	return &RTCNLRI{
		family:   FamilyIPv4RTC,
		originAS: binary.BigEndian.Uint32(full[:4]),
		mask:     mask,
		rtPrefix: full[4:12],
		pathID:   pathID,
		hasID:    hasID,
	}, rest, nil
}

func init() {
	registerNLRIDecoder(FamilyIPv4RTC, decodeRTC)
}
