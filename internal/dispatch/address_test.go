package dispatch

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	n := AddressNormalizer{CountryCode: "51", Suffix: "@c.us"}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare local number gets country code", "987654321", "51987654321@c.us"},
		{"already prefixed is not double-prefixed", "51987654321", "51987654321@c.us"},
		{"existing suffix is replaced", "51987654321@c.us", "51987654321@c.us"},
		{"foreign suffix is stripped", "51987654321@s.whatsapp.net", "51987654321@c.us"},
		{"spaces and dashes stripped", "987 654-321", "51987654321@c.us"},
		{"plus and parens stripped", "+51 (987) 654.321", "51987654321@c.us"},
		{"other country code passes through", "14155552671", "14155552671@c.us"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.input)
			if err != nil {
				t.Fatalf("Normalize(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	n := AddressNormalizer{CountryCode: "51", Suffix: "@c.us"}

	tests := []struct {
		name  string
		input string
	}{
		{"too short", "1234"},
		{"empty", ""},
		{"too long", "1234567890123456"},
		{"letters", "9876543a1"},
		{"only punctuation", "---"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.input)
			if err == nil {
				t.Fatalf("Normalize(%q) should fail", tt.input)
			}
			if !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("Normalize(%q): got %v, want ErrInvalidAddress", tt.input, err)
			}
		})
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	n := AddressNormalizer{CountryCode: "51", Suffix: "@c.us"}

	first, err := n.Normalize("987654321")
	if err != nil {
		t.Fatal(err)
	}
	// Re-normalizing its own output must be a fixed point.
	second, err := n.Normalize(first)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("normalization not idempotent: %q then %q", first, second)
	}
}
