package textutil

import (
	"reflect"
	"testing"
)

func TestFoldKeyword(t *testing.T) {
	cases := map[string]string{
		"  Café ":  "cafe",
		"ESPRESSO": "espresso",
		"Åland":    "aland",
		"":         "",
	}
	for input, expected := range cases {
		if got := FoldKeyword(input); got != expected {
			t.Errorf("FoldKeyword(%q) = %q, want %q", input, got, expected)
		}
	}
}

func TestKeywords(t *testing.T) {
	got := Keywords("Café Espresso Machine, café-grade!")
	expected := []string{"cafe", "espresso", "machine", "grade"}
	if !reflect.DeepEqual(got, expected) {
		t.Fatalf("Keywords returned %#v, want %#v", got, expected)
	}

	if Keywords("a & 1") != nil {
		t.Fatalf("expected nil for tokens below minimum length")
	}
}
