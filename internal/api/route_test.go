package api

import (
	"testing"

	"github.com/routebeacon/bgpd/internal/protocol"
	"github.com/routebeacon/bgpd/internal/rib"
)

func TestParseRouteExpressionBasic(t *testing.T) {
	tokens := []string{
		"1.2.3.0/24", "next-hop", "10.0.0.1", "local-preference", "200",
		"med", "10", "community", "65000:100,65000:200", "watchdog", "site-down", "name", "custA",
	}
	change, err := parseRouteExpression(tokens, rib.Announce, 65000)
	if err != nil {
		t.Fatalf("parseRouteExpression: %v", err)
	}
	if change.Action != rib.Announce {
		t.Fatalf("action = %v, want Announce", change.Action)
	}
	nh, ok := change.Attributes.NextHop()
	if !ok || nh != [4]byte{10, 0, 0, 1} {
		t.Fatalf("next-hop = %v, %v", nh, ok)
	}
	lp, ok := change.Attributes.LocalPref()
	if !ok || lp != 200 {
		t.Fatalf("local-pref = %v, %v", lp, ok)
	}
	med, ok := change.Attributes.MED()
	if !ok || med != 10 {
		t.Fatalf("med = %v, %v", med, ok)
	}
	comms, ok := change.Attributes.Communities()
	if !ok || len(comms) != 2 {
		t.Fatalf("communities = %v, %v", comms, ok)
	}
	wd, ok := change.Attributes.Watchdog()
	if !ok || wd != "site-down" {
		t.Fatalf("watchdog = %v, %v", wd, ok)
	}
	name, ok := change.Attributes.Name()
	if !ok || name != "custA" {
		t.Fatalf("name = %v, %v", name, ok)
	}
}

func TestParseRouteExpressionWithdraw(t *testing.T) {
	change, err := parseRouteExpression([]string{"1.2.3.0/24"}, rib.Withdraw, 65000)
	if err != nil {
		t.Fatalf("parseRouteExpression: %v", err)
	}
	if change.Action != rib.Withdraw {
		t.Fatalf("action = %v, want Withdraw", change.Action)
	}
	if change.Attributes != nil {
		t.Fatalf("withdraw must not carry attributes, got %v", change.Attributes)
	}
}

func TestParseRouteExpressionLabeled(t *testing.T) {
	change, err := parseRouteExpression([]string{"1.2.3.0/24", "label", "1000"}, rib.Announce, 65000)
	if err != nil {
		t.Fatalf("parseRouteExpression: %v", err)
	}
	if change.NLRI.Family() != protocol.FamilyIPv4Labeled {
		t.Fatalf("family = %v, want FamilyIPv4Labeled", change.NLRI.Family())
	}
}

func TestParseRouteExpressionVPN(t *testing.T) {
	change, err := parseRouteExpression([]string{"1.2.3.0/24", "rd", "65000:1", "label", "1000"}, rib.Announce, 65000)
	if err != nil {
		t.Fatalf("parseRouteExpression: %v", err)
	}
	if change.NLRI.Family() != protocol.FamilyIPv4VPN {
		t.Fatalf("family = %v, want FamilyIPv4VPN", change.NLRI.Family())
	}
}

func TestParseRouteExpressionASPath(t *testing.T) {
	change, err := parseRouteExpression([]string{"1.2.3.0/24", "as-path", "65001,65002"}, rib.Announce, 65000)
	if err != nil {
		t.Fatalf("parseRouteExpression: %v", err)
	}
	segs, err := change.Attributes.ASPath()
	if err != nil {
		t.Fatalf("ASPath: %v", err)
	}
	if len(segs) != 1 || len(segs[0].ASNs) != 2 {
		t.Fatalf("as-path = %v", segs)
	}
}

func TestParseRouteExpressionMalformedPrefix(t *testing.T) {
	if _, err := parseRouteExpression([]string{"not-a-prefix"}, rib.Announce, 65000); err == nil {
		t.Fatal("expected error for malformed prefix")
	}
}

func TestParseRouteExpressionUnknownClause(t *testing.T) {
	if _, err := parseRouteExpression([]string{"1.2.3.0/24", "bogus", "1"}, rib.Announce, 65000); err == nil {
		t.Fatal("expected error for unknown clause")
	}
}

func TestParseCommunityMalformed(t *testing.T) {
	if _, err := parseCommunity("not-a-community"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := parseCommunity("65000:100"); err != nil {
		t.Fatalf("parseCommunity: %v", err)
	}
}
