package palette

import (
	"regexp"
	"testing"
)

var hexColor = regexp.MustCompile(`^#[0-9a-f]{6}$`)

func TestInitialColorsDeterministic(t *testing.T) {
	first := InitialColors("participant-1")
	second := InitialColors("participant-1")

	if len(first) != cellCount {
		t.Fatalf("expected %d colors, got %d", cellCount, len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("color %d differs between runs: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestInitialColorsVaryByID(t *testing.T) {
	a := InitialColors("participant-a")
	b := InitialColors("participant-b")

	same := 0
	for i := range a {
		if a[i] == b[i] {
			same++
		}
	}
	if same == len(a) {
		t.Fatal("different ids produced identical palettes")
	}
}

func TestInitialColorsAreHex(t *testing.T) {
	for i, color := range InitialColors("hex-check") {
		if !hexColor.MatchString(color) {
			t.Fatalf("color %d is not lowercase hex: %q", i, color)
		}
	}
}

func TestUserColorMatchesFirstPaletteEntry(t *testing.T) {
	id := "representative"
	if got, want := UserColor(id), InitialColors(id)[0]; got != want {
		t.Fatalf("UserColor %q does not match palette[0] %q", got, want)
	}
}

func TestSeedFoldsBytes(t *testing.T) {
	if Seed("") != 0 {
		t.Fatal("empty id should seed to zero")
	}
	if Seed("a") != uint32('a') {
		t.Fatalf("unexpected seed for single byte: %d", Seed("a"))
	}
	if Seed("ab") != uint32('a')<<8+uint32('b') {
		t.Fatalf("unexpected seed for two bytes: %d", Seed("ab"))
	}
}
