package ledger

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is an account able to send registry transactions.
// A Signer without a key can only be used with MemoryRegistry.
type Signer struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

// LoadSigner parses a hex secp256k1 private key ("0x" prefix optional).
func LoadSigner(hexKey string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex private key: %w", err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", secp256k1.PrivKeyBytesLen, len(raw))
	}

	priv := secp256k1.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("private key is zero")
	}
	pub := priv.PubKey().SerializeUncompressed()
	addr := common.BytesToAddress(crypto.Keccak256(pub[1:])[12:])

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	if crypto.PubkeyToAddress(key.PublicKey) != addr {
		return nil, fmt.Errorf("derived address mismatch for key")
	}
	return &Signer{Address: addr, key: key}, nil
}

// AddressSigner returns a key-less signer for the in-memory registry.
func AddressSigner(addr string) *Signer {
	return &Signer{Address: common.HexToAddress(addr)}
}

// Hex returns the checksummed address.
func (s *Signer) Hex() string {
	if s == nil {
		return ""
	}
	return s.Address.Hex()
}

// CanSign reports whether the signer holds a private key.
func (s *Signer) CanSign() bool {
	return s != nil && s.key != nil
}
