package maintenance

import "testing"

func TestNewPartitionManagerDefaultsAheadDays(t *testing.T) {
	pm := NewPartitionManager(nil, 30, "UTC", 0, nil)
	if pm.aheadDays != 2 {
		t.Errorf("aheadDays = %d, want 2 (today/tomorrow default)", pm.aheadDays)
	}

	pm = NewPartitionManager(nil, 30, "UTC", 5, nil)
	if pm.aheadDays != 5 {
		t.Errorf("aheadDays = %d, want 5 (explicit config value preserved)", pm.aheadDays)
	}
}

func TestValidPartitionName_Valid(t *testing.T) {
	name := "route_events_20250115"
	if !validPartitionName.MatchString(name) {
		t.Errorf("expected %q to match validPartitionName regex", name)
	}
}

func TestValidPartitionName_Invalid(t *testing.T) {
	invalid := []string{
		"route_events_abc",
		"other_table_20250115",
		"route_events_2025011",
		"",
	}
	for _, name := range invalid {
		if validPartitionName.MatchString(name) {
			t.Errorf("expected %q to NOT match validPartitionName regex", name)
		}
	}
}

func TestValidPartitionName_InjectionAttempt(t *testing.T) {
	name := "route_events_20250115; DROP TABLE x"
	if validPartitionName.MatchString(name) {
		t.Errorf("expected %q to NOT match validPartitionName regex (SQL injection attempt)", name)
	}
}
