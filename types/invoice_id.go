package types

import (
	"bytes"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxInvoiceIDLength is the longest id that still fits a null-terminated bytes32.
const MaxInvoiceIDLength = 31

// ValidateInvoiceID accepts UTF-8 ids of at most 31 bytes. Control
// characters (NUL included), whitespace and path separators are rejected so
// the id round-trips through bytes32 and is usable in asset file names.
func ValidateInvoiceID(id string) error {
	if id == "" {
		return ValidationError("invoice id is required")
	}
	if len(id) > MaxInvoiceIDLength {
		return ValidationError("invoice id %q is %d bytes; at most %d fit into bytes32", id, len(id), MaxInvoiceIDLength).
			WithDetail("length", strconv.Itoa(len(id)))
	}
	if !utf8.ValidString(id) {
		return ValidationError("invoice id %q is not valid UTF-8", id)
	}
	if strings.HasPrefix(id, ".") {
		return ValidationError("invoice id %q may not start with a dot", id)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) || r == '/' || r == '\\' {
			return ValidationError("invoice id %q contains unsupported characters", id)
		}
	}
	return nil
}

// EncodeInvoiceID returns the right-zero-padded bytes32 form of id.
func EncodeInvoiceID(id string) ([32]byte, error) {
	var out [32]byte
	if err := ValidateInvoiceID(id); err != nil {
		return out, err
	}
	copy(out[:], id)
	return out, nil
}

// DecodeInvoiceID reverses EncodeInvoiceID.
func DecodeInvoiceID(b [32]byte) string {
	return string(bytes.TrimRight(b[:], "\x00"))
}

// NewInvoiceID returns a fresh id such as "inv-3f2a9c01b7de".
func NewInvoiceID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "inv-" + raw[:12]
}
