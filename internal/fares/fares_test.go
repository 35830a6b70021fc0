package fares

import "testing"

func TestFarePerKm(t *testing.T) {
	tbl := NewTable()
	got, err := tbl.Fare("taxi", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 180 {
		t.Fatalf("expected 180, got %f", got)
	}
}

func TestFareMinimumFloor(t *testing.T) {
	tbl := NewTable()
	got, err := tbl.Fare("taxi", 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 40 {
		t.Fatalf("short trip should price at the minimum, got %f", got)
	}
	got, _ = tbl.Fare("taxi", 0)
	if got != 40 {
		t.Fatalf("zero distance should price at the minimum, got %f", got)
	}
}

func TestFareUnknownClass(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Fare("rickshaw", 5); err == nil {
		t.Fatalf("expected error for unknown class")
	}
}

func TestReloadRejectsEmptyAndInvalid(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Reload(nil); err == nil {
		t.Fatalf("expected empty reload to fail")
	}
	if err := tbl.Reload(map[string]Rate{"taxi": {PerKm: -1, Minimum: 40}}); err == nil {
		t.Fatalf("expected invalid rate to fail")
	}
	// a failed reload must not clobber the existing table
	if _, err := tbl.Fare("taxi", 1); err != nil {
		t.Fatalf("old table should survive failed reload: %v", err)
	}
}

func TestReloadSwapsTable(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Reload(map[string]Rate{"suv": {PerKm: 30, Minimum: 100}}); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if _, err := tbl.Fare("taxi", 5); err == nil {
		t.Fatalf("replaced class should be gone")
	}
	got, err := tbl.Fare("suv", 10)
	if err != nil || got != 300 {
		t.Fatalf("expected 300 for suv, got %f err=%v", got, err)
	}
}
