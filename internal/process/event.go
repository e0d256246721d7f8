// Package process spawns and supervises the helper processes that
// receive BGP events and may send route-injection commands back, and
// encodes events in the line protocol those helpers speak.
package process

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/routebeacon/bgpd/internal/negotiated"
	"github.com/routebeacon/bgpd/internal/protocol"
)

const envelopeVersion = "4.0"

// Kind names a subscribable event category. A helper declares interest
// in a set of Kinds via its config.ProcessSpec.Receive list.
type Kind string

const (
	KindNeighborChanges Kind = "neighbor-changes"
	KindNegotiated      Kind = "negotiated"
	KindFSM             Kind = "fsm"
	KindSignal          Kind = "signal"
	KindPackets         Kind = "packets"
	KindParsed          Kind = "parsed"
	KindOpen            Kind = "open"
	KindUpdate          Kind = "update"
	KindKeepalive       Kind = "keepalive"
	KindNotification    Kind = "notification"
	KindRefresh         Kind = "refresh"
	KindOperational     Kind = "operational"
)

// Direction labels whether an event came from the peer or is about to
// be sent to it.
type Direction string

const (
	DirectionIn  Direction = "receive"
	DirectionOut Direction = "send"
)

// NeighborRef identifies the session an event is about, the fields a
// JSON-encoded event's "neighbor" sub-object carries.
type NeighborRef struct {
	Name        string
	LocalAddr   string
	PeerAddr    string
	LocalAS     uint32
	PeerAS      uint32
	Direction   Direction
}

// Event is one emitted occurrence: a state change, a parsed message, or
// a raw packet, destined for every helper whose subscription includes
// its Kind. Exactly one of the optional fields below is populated,
// selected by Kind.
type Event struct {
	Kind      Kind
	Neighbor  NeighborRef
	Counter   int

	// Free-text line, used for neighbor up/down/connected and shutdown
	// notices where Text encoding and JSON encoding both just carry a
	// human message.
	Reason string

	Header []byte
	Body   []byte

	Open         *protocol.OpenMessage
	Update       *protocol.UpdateMessage
	Notification *protocol.NotifyError
	Refresh      *protocol.RouteRefreshMessage
	Negotiated   *negotiated.Negotiated
}

// Encoder turns an Event into zero or more newline-terminated lines,
// ready to be written to a helper's stdin.
type Encoder interface {
	Encode(ev *Event) string
}

// TextEncoder renders events the way the original line protocol does:
// human-readable space-separated fields, one logical message per
// "start"/"end" bracketed block for updates.
type TextEncoder struct{}

func (TextEncoder) Encode(ev *Event) string {
	prefix := fmt.Sprintf("neighbor %s %s", ev.Neighbor.PeerAddr, ev.Neighbor.Direction)

	switch ev.Kind {
	case KindNeighborChanges:
		return fmt.Sprintf("neighbor %s %s\n", ev.Neighbor.PeerAddr, ev.Reason)
	case KindOpen:
		o := ev.Open
		return fmt.Sprintf("%s open version 4 asn %d hold_time %d router_id %s%s\n",
			prefix, o.EffectiveASN(), o.HoldTime, routerIDString(o.RouterID), headerBody(ev.Header, ev.Body))
	case KindKeepalive:
		return fmt.Sprintf("%s keepalive%s\n", prefix, headerBody(ev.Header, ev.Body))
	case KindNotification:
		n := ev.Notification
		return fmt.Sprintf("%s notification %d code %d subcode %d data %s\n",
			prefix, n.Code, n.Code, n.Subcode, hexstring(n.Data))
	case KindRefresh:
		r := ev.Refresh
		return fmt.Sprintf("%s route-refresh afi %d safi %d%s\n",
			prefix, r.Family.AFI, r.Family.SAFI, headerBody(ev.Header, ev.Body))
	case KindUpdate:
		return textUpdate(prefix, ev.Update, ev.Header, ev.Body)
	case KindPackets, KindParsed:
		return fmt.Sprintf("%s %s%s\n", prefix, string(ev.Kind), headerBody(ev.Header, ev.Body))
	default:
		return fmt.Sprintf("%s %s\n", prefix, ev.Reason)
	}
}

func textUpdate(prefix string, u *protocol.UpdateMessage, header, body []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s update start\n", prefix)
	for _, n := range u.AnnouncedV4 {
		fmt.Fprintf(&b, "%s announced %s\n", prefix, n.Index())
	}
	for _, n := range u.WithdrawnV4 {
		fmt.Fprintf(&b, "%s withdrawn %s\n", prefix, n.Index())
	}
	if len(header) > 0 || len(body) > 0 {
		fmt.Fprintf(&b, "%s%s\n", prefix, headerBody(header, body))
	}
	fmt.Fprintf(&b, "%s update end\n", prefix)
	return b.String()
}

func headerBody(header, body []byte) string {
	s := ""
	if len(header) > 0 {
		s += " header " + hexstring(header)
	}
	if len(body) > 0 {
		s += " body " + hexstring(body)
	}
	return s
}

func hexstring(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func routerIDString(id [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", id[0], id[1], id[2], id[3])
}

// JSONEncoder renders the envelope described by the helper-process
// protocol: exabgp/time/host/pid/ppid/counter/type, plus a per-kind
// payload.
type JSONEncoder struct {
	hostname string
	pid      int
	ppid     int
}

func NewJSONEncoder() *JSONEncoder {
	host, _ := os.Hostname()
	return &JSONEncoder{hostname: host, pid: os.Getpid(), ppid: os.Getppid()}
}

func (e *JSONEncoder) Encode(ev *Event) string {
	payload := e.payload(ev)
	env := map[string]any{
		"exabgp":  envelopeVersion,
		"time":    time.Now().Unix(),
		"host":    e.hostname,
		"pid":     e.pid,
		"ppid":    e.ppid,
		"counter": ev.Counter,
		"type":    string(ev.Kind),
	}
	for k, v := range payload {
		env[k] = v
	}
	out, err := json.Marshal(env)
	if err != nil {
		return fmt.Sprintf(`{"exabgp":%q,"type":"error","message":%q}`+"\n", envelopeVersion, err.Error())
	}
	return string(out) + "\n"
}

func (e *JSONEncoder) payload(ev *Event) map[string]any {
	neighbor := map[string]any{
		"address": map[string]string{
			"local": ev.Neighbor.LocalAddr,
			"peer":  ev.Neighbor.PeerAddr,
		},
		"asn": map[string]uint32{
			"local": ev.Neighbor.LocalAS,
			"peer":  ev.Neighbor.PeerAS,
		},
		"direction": string(ev.Neighbor.Direction),
	}

	switch ev.Kind {
	case KindUpdate:
		return map[string]any{"neighbor": neighbor, "update": jsonUpdate(ev.Update)}
	case KindNotification:
		n := ev.Notification
		return map[string]any{
			"neighbor": neighbor,
			"notification": map[string]any{
				"code":    n.Code,
				"subcode": n.Subcode,
				"data":    hexstring(n.Data),
			},
		}
	case KindOpen:
		o := ev.Open
		return map[string]any{
			"neighbor": neighbor,
			"open": map[string]any{
				"asn":       o.EffectiveASN(),
				"hold_time": o.HoldTime,
				"router_id": routerIDString(o.RouterID),
			},
		}
	case KindRefresh:
		r := ev.Refresh
		return map[string]any{
			"neighbor": neighbor,
			"route-refresh": map[string]any{
				"afi":  r.Family.AFI,
				"safi": r.Family.SAFI,
			},
		}
	default:
		return map[string]any{"neighbor": neighbor, "reason": ev.Reason}
	}
}

func jsonUpdate(u *protocol.UpdateMessage) map[string]any {
	if family, ok := u.IsEndOfRIB(); ok {
		return map[string]any{"eor": map[string]any{"afi": family.AFI, "safi": family.SAFI}}
	}
	announced := []map[string]any{}
	withdrawn := []map[string]any{}
	for _, n := range u.AnnouncedV4 {
		announced = append(announced, n.JSON())
	}
	for _, n := range u.WithdrawnV4 {
		withdrawn = append(withdrawn, n.JSON())
	}
	return map[string]any{
		"announce": map[string]any{"1 1": announced},
		"withdraw": map[string]any{"1 1": withdrawn},
	}
}
