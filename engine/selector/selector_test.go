package selector

import (
	"testing"
	"time"
)

func TestBlocklistDefaults(t *testing.T) {
	b := NewBlocklist(nil)

	cases := []struct {
		name    string
		blocked bool
	}{
		{"Unidad 12", false},
		{"STOCK bodega", true},
		{"equipo demo", true},
		{"rastreador_old", true},
		{"Demostracion", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := b.Blocked(tc.name); got != tc.blocked {
			t.Errorf("Blocked(%q) = %v, want %v", tc.name, got, tc.blocked)
		}
	}
}

func TestBlocklistExtraTerms(t *testing.T) {
	b := NewBlocklist([]string{" Taller ", ""})
	if !b.Blocked("unidad taller norte") {
		t.Fatal("extra term not matched")
	}
	if b.Blocked("unidad normal") {
		t.Fatal("false positive")
	}
}

func TestBlocklistChecksEveryName(t *testing.T) {
	b := NewBlocklist(nil)
	if !b.Blocked("Unidad 12", "Empresa Demo SA") {
		t.Fatal("company name not checked")
	}
}

func TestMinutesBetween(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	if got := minutesBetween(now.Add(-20*time.Minute), now); got != 20 {
		t.Fatalf("minutesBetween = %d, want 20", got)
	}
	if got := minutesBetween(time.Time{}, now); got != 0 {
		t.Fatalf("zero time should yield 0, got %d", got)
	}
	if got := minutesBetween(now.Add(time.Hour), now); got != 0 {
		t.Fatalf("future report should yield 0, got %d", got)
	}
	if got := daysBetween(now.Add(-49*time.Hour), now); got != 2 {
		t.Fatalf("daysBetween = %d, want 2", got)
	}
}
