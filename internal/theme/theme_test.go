package theme

import "testing"

func TestForNameFallsBackToDefault(t *testing.T) {
	if got, want := ForName("  HIGH_CONTRAST "), themes["high_contrast"]; got.Error.GetBold() != want.Error.GetBold() {
		t.Fatalf("ForName should normalise names")
	}
	if got := ForName("nope"); got.Prompt.GetForeground() != themes[Default].Prompt.GetForeground() {
		t.Fatalf("unknown theme should fall back to default")
	}
}

func TestNamesSorted(t *testing.T) {
	names := Names()
	want := []string{"default", "high_contrast", "plain"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}
