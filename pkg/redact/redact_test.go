package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +34 612 345 678"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	cases := []struct {
		in   string
		want string
	}{
		{"escríbeme a ana@example.com", "[REDACTED_EMAIL]"},
		{"mi teléfono es +34 612 345 678", "[REDACTED_PHONE]"},
		{"la tarjeta 4111 1111 1111 1111 caduca", "[REDACTED_CARD]"},
		{"mi DNI es 12345678Z", "[REDACTED_ID]"},
		{"NIE X1234567L por favor", "[REDACTED_ID]"},
	}
	for _, tc := range cases {
		got := Text(tc.in)
		if !strings.Contains(got, tc.want) {
			t.Fatalf("%q: expected %s, got %q", tc.in, tc.want, got)
		}
	}
}

func TestCardNeedsLuhn(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("pedido 4111 1111 1111 1112")
	if strings.Contains(got, "[REDACTED_CARD]") {
		t.Fatalf("non-luhn number treated as a card: %q", got)
	}
}
