package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

func TestMintedTokenID(t *testing.T) {
	contract := common.HexToAddress("0x00000000000000000000000000000000000000c7")
	other := common.HexToAddress("0x00000000000000000000000000000000000000c8")
	topic := portraitNFTABI.Events["PortraitMinted"].ID
	buyer := common.BytesToHash(common.HexToAddress("0x00000000000000000000000000000000000000b1").Bytes())

	receipt := &gethtypes.Receipt{Logs: []*gethtypes.Log{
		{Address: other, Topics: []common.Hash{topic, common.BigToHash(big.NewInt(99)), buyer}},
		{Address: contract, Topics: []common.Hash{common.HexToHash("0x01")}},
		{Address: contract, Topics: []common.Hash{topic, common.BigToHash(big.NewInt(42)), buyer}},
	}}
	id := mintedTokenID(receipt, contract)
	if id == nil || id.Int64() != 42 {
		t.Errorf("Expected token id 42, got %v", id)
	}

	if id := mintedTokenID(&gethtypes.Receipt{}, contract); id != nil {
		t.Errorf("Expected no token id for a receipt without logs, got %v", id)
	}
	if id := mintedTokenID(nil, contract); id != nil {
		t.Errorf("Expected no token id for a nil receipt, got %v", id)
	}
}

func TestMemoryRegistry_MintPortrait(t *testing.T) {
	reg := NewMemoryRegistry("")
	owner := AddressSigner(sellerAddr)
	buyer := buyerAddr

	first, err := reg.MintPortrait(context.Background(), owner, MintRequest{To: buyer, Artist: "ModernArtist", Style: "modern contemporary"})
	if err != nil {
		t.Fatalf("Expected mint to succeed, got %v", err)
	}
	second, err := reg.MintPortrait(context.Background(), owner, MintRequest{To: buyer})
	if err != nil {
		t.Fatalf("Expected second mint to succeed, got %v", err)
	}
	if first.TokenID != "1" || second.TokenID != "2" {
		t.Errorf("Expected token ids 1 and 2, got %s and %s", first.TokenID, second.TokenID)
	}
	if first.TxHash == "" || first.TxHash == second.TxHash {
		t.Errorf("Expected distinct tx hashes, got %q and %q", first.TxHash, second.TxHash)
	}
	if got := reg.PortraitOwner("1"); got != common.HexToAddress(buyer).Hex() {
		t.Errorf("Expected token 1 owned by %s, got %q", buyer, got)
	}
	if got := reg.PortraitOwner("3"); got != "" {
		t.Errorf("Expected no owner for an unminted token, got %q", got)
	}

	if _, err := reg.MintPortrait(context.Background(), owner, MintRequest{To: "not-an-address"}); err == nil {
		t.Error("Expected an invalid buyer address to be rejected")
	}

	boom := errors.New("boom")
	reg.FailNext("mintPortrait", boom)
	if _, err := reg.MintPortrait(context.Background(), owner, MintRequest{To: buyer}); !errors.Is(err, boom) {
		t.Errorf("Expected injected failure, got %v", err)
	}
	if got := reg.Calls("mintPortrait"); got != 4 {
		t.Errorf("Expected 4 mint calls, got %d", got)
	}
}

func TestNewEVMMinter_RejectsBadAddress(t *testing.T) {
	if _, err := NewEVMMinter(nil, "0x00000000000000000000000000000000000000c7"); err == nil {
		t.Error("Expected a nil registry to be rejected")
	}
	reg := &EVMRegistry{}
	if _, err := NewEVMMinter(reg, "nope"); err == nil {
		t.Error("Expected an invalid contract address to be rejected")
	}
	m, err := NewEVMMinter(reg, "0x00000000000000000000000000000000000000c7")
	if err != nil {
		t.Fatalf("Expected minter, got %v", err)
	}
	if m.Contract() != common.HexToAddress("0x00000000000000000000000000000000000000c7").Hex() {
		t.Errorf("Expected checksummed contract address, got %s", m.Contract())
	}
}
