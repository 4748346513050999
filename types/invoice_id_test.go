package types

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateInvoiceID(t *testing.T) {
	valid := []string{
		"abc-123",
		"inv-3f2a9c01b7de",
		"ma-lx2k9-ab12c",
		"주문-42",
		strings.Repeat("é", 15) + "x", // 31 bytes
		"order:7.v2_final",
	}
	for _, id := range valid {
		if err := ValidateInvoiceID(id); err != nil {
			t.Errorf("Expected %q to be accepted, got: %v", id, err)
		}
	}

	invalid := []string{
		"",
		strings.Repeat("é", 16), // 32 bytes
		"this-invoice-id-is-far-too-long-for-bytes32",
		"nul\x00inside",
		"has space",
		"../escape",
		"a/b",
		`a\b`,
		".hidden",
		"bad\xffutf8",
	}
	for _, id := range invalid {
		if err := ValidateInvoiceID(id); !errors.Is(err, ErrValidation) {
			t.Errorf("Expected %q to be rejected with ValidationError, got: %v", id, err)
		}
	}
}

func TestEncodeInvoiceIDRoundTrip(t *testing.T) {
	for _, id := range []string{"abc-123", "주문-42", strings.Repeat("é", 15) + "x"} {
		b, err := EncodeInvoiceID(id)
		if err != nil {
			t.Fatalf("Expected %q to encode, got: %v", id, err)
		}
		if got := DecodeInvoiceID(b); got != id {
			t.Errorf("Expected %q after decoding, got %q", id, got)
		}
	}
}
