package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Message type codes (RFC 4271 §4, RFC 2918, RFC 8203).
const (
	MsgOpen           uint8 = 1
	MsgUpdate         uint8 = 2
	MsgNotification   uint8 = 3
	MsgKeepalive      uint8 = 4
	MsgRouteRefresh   uint8 = 5
	MsgOperational    uint8 = 6 // non-standard, exabgp-style operational message
)

const (
	markerLength       = 16
	headerLength       = 19 // marker(16) + length(2) + type(1)
	minMessageLength   = headerLength
	maxMessageStandard = 4096
	maxMessageExtended = 65535
)

// Capabilities is the minimal read-only view of a negotiated session
// that the codec needs. package negotiated implements it; defining the
// interface here (rather than importing negotiated) avoids a package
// cycle since NLRI/attribute packing for MP families needs AddPath
// negotiation while negotiated itself is built from decoded OPEN
// messages.
type Capabilities interface {
	ASN4() bool
	LocalAS() uint32
	PeerAS() uint32
	AddPathReceive(f Family) bool
	AddPathSend(f Family) bool
	MessageSizeCeiling() int
	FamilyNegotiated(f Family) bool
	IsIBGP() bool
}

// Message is the common interface for all six message kinds.
type Message interface {
	Type() uint8
}

// Frame is a single length-delimited wire message as read off the
// connection, before type-specific decoding.
type Frame struct {
	Type    uint8
	Payload []byte
}

// SplitFrame consumes exactly one framed message from the front of buf.
// It returns (frame, bytesConsumed, nil) on success. If buf holds fewer
// than headerLength bytes, or fewer bytes than the declared length, it
// returns (Frame{}, 0, nil) — "need more bytes" — matching the
// Connection reader's yield-empty-and-return obligation in spec.md §4.3.
func SplitFrame(buf []byte, extendedMessage bool) (Frame, int, error) {
	if len(buf) < headerLength {
		return Frame{}, 0, nil
	}
	marker := buf[:markerLength]
	for _, b := range marker {
		if b != 0xFF {
			return Frame{}, 0, Notify(NotifyMessageHeaderError, SubcodeConnectionNotSynchronized)
		}
	}
	length := int(binary.BigEndian.Uint16(buf[16:18]))
	maxLen := maxMessageStandard
	if extendedMessage {
		maxLen = maxMessageExtended
	}
	if length < minMessageLength || length > maxLen {
		lenBytes := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBytes, uint16(length))
		return Frame{}, 0, Notify(NotifyMessageHeaderError, SubcodeBadMessageLength, lenBytes...)
	}
	if len(buf) < length {
		return Frame{}, 0, nil
	}
	mtype := buf[18]
	payload := append([]byte(nil), buf[headerLength:length]...)
	return Frame{Type: mtype, Payload: payload}, length, nil
}

// packFrame wraps a message body with the 19-byte BGP header.
func packFrame(mtype uint8, body []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, headerLength+len(body)))
	for i := 0; i < markerLength; i++ {
		buf.WriteByte(0xFF)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(headerLength+len(body)))
	buf.Write(lenBuf[:])
	buf.WriteByte(mtype)
	buf.Write(body)
	return buf.Bytes()
}

// ---- OPEN ----

type OpenMessage struct {
	Version      uint8
	ASN          uint16 // 2-byte field; true ASN may be larger, see EffectiveASN
	HoldTime     uint16
	RouterID     [4]byte
	Capabilities []Capability
}

// EffectiveASN returns the 4-byte ASN: the ASN4 capability value when
// present (with AS_TRANS=23456 as the 2-byte field), else the 2-byte
// field widened.
func (o *OpenMessage) EffectiveASN() uint32 {
	for _, c := range o.Capabilities {
		if c.Code == CapASN4 {
			if v, err := c.ASN4Value(); err == nil {
				return v
			}
		}
	}
	return uint32(o.ASN)
}

func (o *OpenMessage) Type() uint8 { return MsgOpen }

func PackOpen(o *OpenMessage) []byte {
	body := make([]byte, 10)
	body[0] = 4 // version
	binary.BigEndian.PutUint16(body[1:3], o.ASN)
	binary.BigEndian.PutUint16(body[3:5], o.HoldTime)
	copy(body[5:9], o.RouterID[:])

	params := packCapabilities(o.Capabilities)
	body[9] = byte(len(params))
	body = append(body, params...)
	return packFrame(MsgOpen, body)
}

func UnpackOpen(payload []byte) (*OpenMessage, error) {
	if len(payload) < 10 {
		return nil, Notify(NotifyOpenMessageError, 0)
	}
	o := &OpenMessage{
		Version:  payload[0],
		ASN:      binary.BigEndian.Uint16(payload[1:3]),
		HoldTime: binary.BigEndian.Uint16(payload[3:5]),
	}
	copy(o.RouterID[:], payload[5:9])

	if o.Version != 4 {
		return nil, Notify(NotifyOpenMessageError, SubcodeUnsupportedVersionNumber, 0, 4)
	}
	if o.HoldTime != 0 && o.HoldTime < 3 {
		return nil, Notify(NotifyOpenMessageError, SubcodeUnacceptableHoldTime)
	}

	paramLen := int(payload[9])
	if 10+paramLen > len(payload) {
		return nil, Notify(NotifyOpenMessageError, 0)
	}
	caps, err := parseOptionalParameters(payload[10 : 10+paramLen])
	if err != nil {
		return nil, err
	}
	o.Capabilities = caps
	return o, nil
}

// ---- KEEPALIVE ----

type KeepaliveMessage struct{}

func (k *KeepaliveMessage) Type() uint8 { return MsgKeepalive }

func PackKeepalive() []byte { return packFrame(MsgKeepalive, nil) }

// ---- NOTIFICATION ----

type NotificationMessage struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (n *NotificationMessage) Type() uint8 { return MsgNotification }

func PackNotification(n *NotificationMessage) []byte {
	body := append([]byte{n.Code, n.Subcode}, n.Data...)
	return packFrame(MsgNotification, body)
}

func UnpackNotification(payload []byte) (*NotificationMessage, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("protocol: notification too short")
	}
	return &NotificationMessage{Code: payload[0], Subcode: payload[1], Data: append([]byte(nil), payload[2:]...)}, nil
}

// ---- ROUTE-REFRESH ----

type RouteRefreshMessage struct {
	Family Family
}

func (r *RouteRefreshMessage) Type() uint8 { return MsgRouteRefresh }

func PackRouteRefresh(r *RouteRefreshMessage) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:2], uint16(r.Family.AFI))
	body[2] = 0
	body[3] = byte(r.Family.SAFI)
	return packFrame(MsgRouteRefresh, body)
}

func UnpackRouteRefresh(payload []byte) (*RouteRefreshMessage, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("protocol: route-refresh too short")
	}
	afi := AFI(binary.BigEndian.Uint16(payload[0:2]))
	safi := SAFI(payload[3])
	return &RouteRefreshMessage{Family: Family{afi, safi}}, nil
}

// ---- OPERATIONAL ----

// OperationalMessage is the exabgp-style operational-message extension
// (spec.md §4.8 "operational" subscription kind): a typed, opaque
// payload used for advisory signaling (e.g. ASN4 discovery probes,
// operator-injected notices) that never affects RIB state.
type OperationalMessage struct {
	What  uint16
	Value []byte
}

func (op *OperationalMessage) Type() uint8 { return MsgOperational }

func PackOperational(op *OperationalMessage) []byte {
	body := make([]byte, 2, 2+len(op.Value))
	binary.BigEndian.PutUint16(body, op.What)
	body = append(body, op.Value...)
	return packFrame(MsgOperational, body)
}

func UnpackOperational(payload []byte) (*OperationalMessage, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("protocol: operational message too short")
	}
	return &OperationalMessage{
		What:  binary.BigEndian.Uint16(payload[0:2]),
		Value: append([]byte(nil), payload[2:]...),
	}, nil
}
