package protocol

import "fmt"

// NotifyError is the typed replacement for the source's Notify exception
// (see SPEC_FULL.md on the control-flow redesign): decoders
// return it as an ordinary error instead of raising, and the FSM
// boundary type-asserts it into an outgoing NOTIFICATION message.
type NotifyError struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (n *NotifyError) Error() string {
	return fmt.Sprintf("NOTIFICATION %d/%d (%d bytes data)", n.Code, n.Subcode, len(n.Data))
}

func Notify(code, subcode uint8, data ...byte) *NotifyError {
	return &NotifyError{Code: code, Subcode: subcode, Data: data}
}

// Standard NOTIFICATION codes (RFC 4271 §4.5 and extensions).
const (
	NotifyMessageHeaderError      uint8 = 1
	NotifyOpenMessageError        uint8 = 2
	NotifyUpdateMessageError      uint8 = 3
	NotifyHoldTimerExpired        uint8 = 4
	NotifyFiniteStateMachineError uint8 = 5
	NotifyCease                   uint8 = 6
)

const (
	SubcodeConnectionNotSynchronized uint8 = 1
	SubcodeBadMessageLength          uint8 = 2
	SubcodeBadMessageType            uint8 = 3
)

const (
	SubcodeUnsupportedVersionNumber uint8 = 1
	SubcodeBadPeerAS                uint8 = 2
	SubcodeBadBGPIdentifier         uint8 = 3
	SubcodeUnsupportedOptionalParam uint8 = 4
	SubcodeAuthenticationFailure    uint8 = 5 // deprecated
	SubcodeUnacceptableHoldTime     uint8 = 6
	SubcodeUnsupportedCapability    uint8 = 7
)

const (
	SubcodeMalformedAttributeList    uint8 = 1
	SubcodeUnrecognizedWellKnownAttr uint8 = 2
	SubcodeMissingWellKnownAttr      uint8 = 3
	SubcodeAttributeFlagsError       uint8 = 4
	SubcodeAttributeLengthError      uint8 = 5
	SubcodeInvalidOriginAttr         uint8 = 6
	SubcodeInvalidNextHopAttr        uint8 = 8
	SubcodeOptionalAttrError         uint8 = 9
	SubcodeInvalidNetworkField       uint8 = 10
	SubcodeMalformedASPath           uint8 = 11
)

const (
	SubcodeCeaseConnectionRejected   uint8 = 5
	SubcodeCeaseConnectionCollision  uint8 = 7
	SubcodeCeaseAdministrativeReset  uint8 = 4
	SubcodeCeaseAdministrativeShut   uint8 = 2
)
