package bootstrap

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/config"
	"github.com/sage-x-project/sage-paywall/logger"
)

func quiet() *logger.Logger { return logger.NewWithWriter(io.Discard, logger.ERROR) }

func TestOpen_Memory(t *testing.T) {
	rt, err := Open(context.Background(), &config.EnvConfig{Ledger: "memory"}, quiet())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer rt.Close()

	if rt.Memory == nil || rt.EVM != nil {
		t.Fatal("Expected an in-memory registry")
	}
	if rt.Token != MemoryTokenAddress {
		t.Errorf("Expected default token %s, got %s", MemoryTokenAddress, rt.Token)
	}
	if rt.Ledger.Reference() != MemoryRegistryAddress {
		t.Errorf("Expected registry %s, got %s", MemoryRegistryAddress, rt.Ledger.Reference())
	}

	buyer, err := rt.Signer(RoleBuyer)
	if err != nil {
		t.Fatalf("Expected fallback buyer, got: %v", err)
	}
	if buyer.CanSign() {
		t.Error("Expected a key-less development signer")
	}
	rt.Mint(buyer.Hex(), decimal.NewFromInt(12))
	bal, err := rt.Ledger.TokenBalance(context.Background(), rt.Token, buyer.Hex())
	if err != nil || !bal.Equal(decimal.NewFromInt(12)) {
		t.Errorf("Expected minted balance 12, got %s, %v", bal, err)
	}
}

func TestSigner_FromKey(t *testing.T) {
	env := &config.EnvConfig{
		Ledger:           "memory",
		SellerPrivateKey: "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
		BuyerPrivateKey:  "not-hex",
	}
	rt, err := Open(context.Background(), env, quiet())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	seller, err := rt.Signer(RoleSeller)
	if err != nil {
		t.Fatalf("Expected seller key to load, got: %v", err)
	}
	if !strings.EqualFold(seller.Hex(), "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266") {
		t.Errorf("Expected hardhat account #0, got %s", seller.Hex())
	}
	if _, err := rt.Signer(RoleBuyer); err == nil {
		t.Error("Expected an invalid buyer key to fail")
	}
}

func TestOpen_EVMNeedsContracts(t *testing.T) {
	env := &config.EnvConfig{Ledger: "evm", Network: "local", LocalRPCEndpoint: "http://127.0.0.1:1"}
	if _, err := Open(context.Background(), env, quiet()); err == nil || !strings.Contains(err.Error(), "REGISTRY_ADDRESS") {
		t.Errorf("Expected missing REGISTRY_ADDRESS error, got %v", err)
	}
}

func TestSigner_EVMRequiresKey(t *testing.T) {
	rt := &Runtime{Env: &config.EnvConfig{}}
	if _, err := rt.Signer(RoleSeller); err == nil || !strings.Contains(err.Error(), "SELLER_PRIVATE_KEY") {
		t.Errorf("Expected missing key error, got %v", err)
	}
}

func TestMinter(t *testing.T) {
	rt, err := Open(context.Background(), &config.EnvConfig{Ledger: "memory"}, quiet())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	m, owner, err := rt.Minter()
	if err != nil {
		t.Fatalf("Expected memory minter, got: %v", err)
	}
	if m == nil || owner == nil {
		t.Fatal("Expected the in-memory registry to mint certificates")
	}
	if !strings.EqualFold(owner.Hex(), memorySellerAddress) {
		t.Errorf("Expected the seller to own mints, got %s", owner.Hex())
	}

	onChain := &Runtime{Env: &config.EnvConfig{Ledger: "evm"}, log: quiet()}
	m, owner, err = onChain.Minter()
	if err != nil || m != nil || owner != nil {
		t.Errorf("Expected minting skipped without a contract, got %v, %v, %v", m, owner, err)
	}
}
