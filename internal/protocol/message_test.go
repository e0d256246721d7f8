package protocol

import (
	"net/netip"
	"testing"
)

type fakeCaps struct {
	asn4     bool
	families map[Family]bool
}

func (f fakeCaps) ASN4() bool                            { return f.asn4 }
func (f fakeCaps) LocalAS() uint32                        { return 65000 }
func (f fakeCaps) PeerAS() uint32                         { return 65001 }
func (f fakeCaps) AddPathReceive(Family) bool             { return false }
func (f fakeCaps) AddPathSend(Family) bool                { return false }
func (f fakeCaps) MessageSizeCeiling() int                { return maxMessageStandard }
func (f fakeCaps) FamilyNegotiated(fam Family) bool       { return f.families[fam] }
func (f fakeCaps) IsIBGP() bool                           { return false }

func TestOpenRoundTrip(t *testing.T) {
	open := &OpenMessage{
		ASN:      64512,
		HoldTime: 180,
		RouterID: [4]byte{10, 0, 0, 1},
		Capabilities: []Capability{
			NewASN4Capability(64512),
			NewMultiprotocolCapability(FamilyIPv4Unicast),
			NewMultiprotocolCapability(FamilyIPv6Unicast),
		},
	}
	wire := PackOpen(open)

	frame, n, err := SplitFrame(wire, false)
	if err != nil {
		t.Fatalf("SplitFrame: %v", err)
	}
	if n != len(wire) {
		t.Fatalf("consumed %d, want %d", n, len(wire))
	}
	if frame.Type != MsgOpen {
		t.Fatalf("type = %d, want MsgOpen", frame.Type)
	}

	got, err := UnpackOpen(frame.Payload)
	if err != nil {
		t.Fatalf("UnpackOpen: %v", err)
	}
	if got.HoldTime != 180 || got.EffectiveASN() != 64512 {
		t.Fatalf("got %+v", got)
	}
	if len(got.Capabilities) != 3 {
		t.Fatalf("capabilities = %d, want 3", len(got.Capabilities))
	}
}

func TestSplitFrameNeedsMoreBytes(t *testing.T) {
	open := PackOpen(&OpenMessage{ASN: 100, HoldTime: 90, RouterID: [4]byte{1, 2, 3, 4}})
	frame, n, err := SplitFrame(open[:len(open)-1], false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 || frame.Type != 0 {
		t.Fatalf("expected need-more-bytes, got frame=%+v n=%d", frame, n)
	}
}

func TestSplitFrameBadMarker(t *testing.T) {
	buf := make([]byte, headerLength)
	buf[16] = 0
	buf[17] = headerLength
	if _, _, err := SplitFrame(buf, false); err == nil {
		t.Fatal("expected error for bad marker")
	}
}

func TestUpdateRoundTripIPv4Unicast(t *testing.T) {
	caps := fakeCaps{asn4: true}
	attrs := NewAttributes()
	attrs.SetOrigin(OriginIGP)
	attrs.SetASPath([]ASSegment{{Type: ASPathSequence, ASNs: []uint32{65001, 65002}}}, true)
	attrs.SetNextHop([4]byte{192, 0, 2, 1})
	attrs.SetLocalPref(200)

	prefix := netip.MustParsePrefix("198.51.100.0/24")
	announced := []NLRI{NewInetNLRI(FamilyIPv4Unicast, prefix, 0, false)}

	u := &UpdateMessage{Attributes: attrs, AnnouncedV4: announced}
	wire := PackUpdate(u, caps)

	frame, _, err := SplitFrame(wire, false)
	if err != nil {
		t.Fatalf("SplitFrame: %v", err)
	}
	got, err := UnpackUpdate(frame.Payload, caps, false)
	if err != nil {
		t.Fatalf("UnpackUpdate: %v", err)
	}
	if len(got.AnnouncedV4) != 1 {
		t.Fatalf("announced = %d, want 1", len(got.AnnouncedV4))
	}
	if !got.AnnouncedV4[0].Equal(announced[0]) {
		t.Fatalf("nlri mismatch: got %s want %s", got.AnnouncedV4[0].Index(), announced[0].Index())
	}
	lp, ok := got.Attributes.LocalPref()
	if !ok || lp != 200 {
		t.Fatalf("local-pref = %v, %v", lp, ok)
	}
}

func TestEndOfRIBIPv4Unicast(t *testing.T) {
	caps := fakeCaps{asn4: true}
	wire := PackEndOfRIB(FamilyIPv4Unicast, caps)
	frame, _, err := SplitFrame(wire, false)
	if err != nil {
		t.Fatalf("SplitFrame: %v", err)
	}
	got, err := UnpackUpdate(frame.Payload, caps, false)
	if err != nil {
		t.Fatalf("UnpackUpdate: %v", err)
	}
	if _, ok := got.IsEndOfRIB(); !ok {
		t.Fatal("expected IsEndOfRIB true")
	}
}

func TestASPathMergeWithAS4Path(t *testing.T) {
	attrs := NewAttributes()
	shortPath := []ASSegment{{Type: ASPathSequence, ASNs: []uint32{uint32(asTrans), uint32(asTrans), 100}}}
	longPath := []ASSegment{{Type: ASPathSequence, ASNs: []uint32{70000, 70001}}}
	attrs.Set(Attribute{Flags: AttrFlagTransitive, Code: AttrASPath, Value: encodeASPath(shortPath, 2)})
	attrs.Set(Attribute{Flags: AttrFlagOptional | AttrFlagTransitive, Code: AttrAS4Path, Value: encodeASPath(longPath, 4)})

	if err := attrs.MergeAS4Path(false); err != nil {
		t.Fatalf("MergeAS4Path: %v", err)
	}
	merged, err := attrs.ASPath()
	if err != nil {
		t.Fatalf("ASPath: %v", err)
	}
	var all []uint32
	for _, seg := range merged {
		all = append(all, seg.ASNs...)
	}
	want := []uint32{uint32(asTrans), 70000, 70001}
	if len(all) != len(want) {
		t.Fatalf("merged = %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("merged[%d] = %d, want %d", i, all[i], want[i])
		}
	}
	if attrs.Has(AttrAS4Path) {
		t.Fatal("AS4_PATH should be removed after merge")
	}
}

// TestASPathMergeKeepsShorterAS2Path covers the case AS_PATH is
// shorter than AS4_PATH: AS4_PATH can only have been corrupted or
// truncated in transit (AS_TRANS substitutes one-for-one, it never
// drops a hop), so it is discarded and AS_PATH is kept unchanged.
func TestASPathMergeKeepsShorterAS2Path(t *testing.T) {
	attrs := NewAttributes()
	shortPath := []ASSegment{{Type: ASPathSequence, ASNs: []uint32{100}}}
	longPath := []ASSegment{{Type: ASPathSequence, ASNs: []uint32{100, 200, 300}}}
	attrs.Set(Attribute{Flags: AttrFlagTransitive, Code: AttrASPath, Value: encodeASPath(shortPath, 2)})
	attrs.Set(Attribute{Flags: AttrFlagOptional | AttrFlagTransitive, Code: AttrAS4Path, Value: encodeASPath(longPath, 4)})

	if err := attrs.MergeAS4Path(false); err != nil {
		t.Fatalf("MergeAS4Path: %v", err)
	}
	merged, err := attrs.ASPath()
	if err != nil {
		t.Fatalf("ASPath: %v", err)
	}
	var all []uint32
	for _, seg := range merged {
		all = append(all, seg.ASNs...)
	}
	want := []uint32{100}
	if len(all) != len(want) || all[0] != want[0] {
		t.Fatalf("merged = %v, want %v", all, want)
	}
	if attrs.Has(AttrAS4Path) {
		t.Fatal("AS4_PATH should be removed after merge")
	}
}

func TestAttributeFingerprintStableAcrossNLRI(t *testing.T) {
	a1 := NewAttributes()
	a1.SetOrigin(OriginIGP)
	a1.SetLocalPref(100)

	a2 := NewAttributes()
	a2.SetLocalPref(100)
	a2.SetOrigin(OriginIGP)

	if a1.Fingerprint() != a2.Fingerprint() {
		t.Fatal("fingerprints should match regardless of Set order")
	}

	a3 := a1.Clone()
	a3.SetLocalPref(101)
	if a1.Fingerprint() == a3.Fingerprint() {
		t.Fatal("fingerprints should differ when local-pref differs")
	}
}

func TestNotificationRoundTrip(t *testing.T) {
	n := &NotificationMessage{Code: NotifyCease, Subcode: SubcodeCeaseAdministrativeShut, Data: []byte("bye")}
	wire := PackNotification(n)
	frame, _, err := SplitFrame(wire, false)
	if err != nil {
		t.Fatalf("SplitFrame: %v", err)
	}
	got, err := UnpackNotification(frame.Payload)
	if err != nil {
		t.Fatalf("UnpackNotification: %v", err)
	}
	if got.Code != NotifyCease || got.Subcode != SubcodeCeaseAdministrativeShut || string(got.Data) != "bye" {
		t.Fatalf("got %+v", got)
	}
}

func TestRouteRefreshRoundTrip(t *testing.T) {
	r := &RouteRefreshMessage{Family: FamilyIPv6Unicast}
	wire := PackRouteRefresh(r)
	frame, _, err := SplitFrame(wire, false)
	if err != nil {
		t.Fatalf("SplitFrame: %v", err)
	}
	got, err := UnpackRouteRefresh(frame.Payload)
	if err != nil {
		t.Fatalf("UnpackRouteRefresh: %v", err)
	}
	if got.Family != FamilyIPv6Unicast {
		t.Fatalf("got %+v", got.Family)
	}
}
