package api

import (
	"testing"

	"github.com/routebeacon/bgpd/internal/protocol"
	"github.com/routebeacon/bgpd/internal/rib"
)

func TestParseFlowRouteExpressionDiscard(t *testing.T) {
	tokens := []string{"destination", "1.2.3.0/24", "destination-port", "=80", "then", "discard"}
	change, err := parseFlowRouteExpression(tokens, rib.Announce)
	if err != nil {
		t.Fatalf("parseFlowRouteExpression: %v", err)
	}
	if change.NLRI.Family() != protocol.FamilyIPv4FlowSpec {
		t.Fatalf("family = %v, want FamilyIPv4FlowSpec", change.NLRI.Family())
	}
	ecs, ok := change.Attributes.ExtendedCommunities()
	if !ok || len(ecs) != 1 {
		t.Fatalf("extended communities = %v, %v", ecs, ok)
	}
	if ecs[0][0] != 0x80 || ecs[0][1] != 0x06 {
		t.Fatalf("traffic-rate community type = %x %x", ecs[0][0], ecs[0][1])
	}
}

func TestParseFlowRouteExpressionRateLimit(t *testing.T) {
	tokens := []string{"source-port", ">1024", "then", "rate-limit", "1000000"}
	change, err := parseFlowRouteExpression(tokens, rib.Announce)
	if err != nil {
		t.Fatalf("parseFlowRouteExpression: %v", err)
	}
	ecs, ok := change.Attributes.ExtendedCommunities()
	if !ok || len(ecs) != 1 {
		t.Fatalf("extended communities = %v, %v", ecs, ok)
	}
}

func TestParseFlowRouteExpressionWithdrawNoAttributes(t *testing.T) {
	tokens := []string{"destination", "1.2.3.0/24"}
	change, err := parseFlowRouteExpression(tokens, rib.Withdraw)
	if err != nil {
		t.Fatalf("parseFlowRouteExpression: %v", err)
	}
	if change.Attributes != nil {
		t.Fatalf("withdraw must not carry attributes, got %v", change.Attributes)
	}
}

func TestParseFlowRouteExpressionIPv6(t *testing.T) {
	tokens := []string{"destination", "2001:db8::/32"}
	change, err := parseFlowRouteExpression(tokens, rib.Withdraw)
	if err != nil {
		t.Fatalf("parseFlowRouteExpression: %v", err)
	}
	if change.NLRI.Family() != protocol.FamilyIPv6FlowSpec {
		t.Fatalf("family = %v, want FamilyIPv6FlowSpec", change.NLRI.Family())
	}
}

func TestParseFlowRouteExpressionNoMatchClause(t *testing.T) {
	if _, err := parseFlowRouteExpression([]string{"then", "discard"}, rib.Announce); err == nil {
		t.Fatal("expected error with no match clauses")
	}
}

func TestParseFlowOpsAndChain(t *testing.T) {
	ops, err := parseFlowOps("=80&<100")
	if err != nil {
		t.Fatalf("parseFlowOps: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("ops = %v, want 2 entries", ops)
	}
	if !ops[0].AndWithNext {
		t.Fatal("first op should chain with AND")
	}
	if ops[1].AndWithNext {
		t.Fatal("last op should not chain further")
	}
}

func TestParseFlowOpsDefaultEqual(t *testing.T) {
	ops, err := parseFlowOps("443")
	if err != nil {
		t.Fatalf("parseFlowOps: %v", err)
	}
	if len(ops) != 1 || ops[0].Flags&protocol.NumericOpEqual == 0 {
		t.Fatalf("ops = %v, want bare value to default to equality", ops)
	}
}

func TestParseFlowOpsMalformed(t *testing.T) {
	if _, err := parseFlowOps("=abc"); err == nil {
		t.Fatal("expected error for non-numeric value")
	}
}
