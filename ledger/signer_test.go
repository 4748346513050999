package ledger

import "testing"

// well-known development account #0
const (
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestLoadSigner(t *testing.T) {
	s, err := LoadSigner(devKey)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if s.Hex() != devAddress {
		t.Errorf("Expected address %s, got %s", devAddress, s.Hex())
	}
	if !s.CanSign() {
		t.Error("Expected loaded signer to hold a key")
	}

	noPrefix, err := LoadSigner(devKey[2:])
	if err != nil {
		t.Fatalf("Expected key without 0x prefix to load, got: %v", err)
	}
	if noPrefix.Address != s.Address {
		t.Error("Expected same address with and without prefix")
	}
}

func TestLoadSignerRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "0x1234", "zz", "0x" + "0000000000000000000000000000000000000000000000000000000000000000"} {
		if _, err := LoadSigner(key); err == nil {
			t.Errorf("Expected error for key %q", key)
		}
	}
}

func TestAddressSigner(t *testing.T) {
	s := AddressSigner(devAddress)
	if s.CanSign() {
		t.Error("Expected address-only signer to be unable to sign")
	}
	var nilSigner *Signer
	if nilSigner.Hex() != "" || nilSigner.CanSign() {
		t.Error("Expected nil signer to be empty")
	}
}

func TestClassifyRevert(t *testing.T) {
	tests := map[string]revertKind{
		"Already paid":                           revertAlreadyPaid,
		"ERC20: insufficient allowance":          revertInsufficient,
		"ERC20: transfer amount exceeds balance": revertInsufficient,
		"Invoice not found":                      revertUnknownInvoice,
		"Not seller":                             revertOther,
	}
	for reason, want := range tests {
		if got := classifyRevert(reason); got != want {
			t.Errorf("classifyRevert(%q): expected %d, got %d", reason, want, got)
		}
	}
}
