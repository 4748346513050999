package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Minter issues an NFT certificate for a delivered portrait. Minting is an
// extra after fulfillment; a failed mint never undoes the sale.
type Minter interface {
	// Contract is the address of the certificate contract.
	Contract() string
	MintPortrait(ctx context.Context, owner *Signer, req MintRequest) (*MintResult, error)
}

// MintRequest describes one certificate.
type MintRequest struct {
	To          string
	Artist      string
	Style       string
	MetadataURI string
}

// MintResult identifies a minted certificate. TokenID is empty when the
// receipt carried no PortraitMinted event.
type MintResult struct {
	TokenID string
	TxHash  string
}

// IsAddress reports whether s is a hex account address.
func IsAddress(s string) bool { return common.IsHexAddress(s) }

// EVMMinter mints through a deployed portrait certificate contract. It shares
// the registry's backend and send lock, so one key can sign for both.
type EVMMinter struct {
	reg      *EVMRegistry
	contract common.Address
}

var _ Minter = (*EVMMinter)(nil)

// NewEVMMinter binds the certificate contract at contractAddr.
func NewEVMMinter(reg *EVMRegistry, contractAddr string) (*EVMMinter, error) {
	if reg == nil {
		return nil, fmt.Errorf("nft minter requires an EVM registry")
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid NFT contract address %q", contractAddr)
	}
	return &EVMMinter{reg: reg, contract: common.HexToAddress(contractAddr)}, nil
}

func (m *EVMMinter) Contract() string { return m.contract.Hex() }

func (m *EVMMinter) MintPortrait(ctx context.Context, owner *Signer, req MintRequest) (*MintResult, error) {
	if !common.IsHexAddress(req.To) {
		return nil, fmt.Errorf("invalid buyer address %q", req.To)
	}
	tx, receipt, err := m.reg.transactReceipt(ctx, owner, m.contract, portraitNFTABI, "mintPortrait",
		common.HexToAddress(req.To), req.Artist, req.Style, req.MetadataURI)
	if err != nil {
		return nil, err
	}
	res := &MintResult{TxHash: tx.Hash}
	if id := mintedTokenID(receipt, m.contract); id != nil {
		res.TokenID = id.String()
	} else {
		m.reg.log.WithField("tx_hash", tx.Hash).Warn("mint receipt has no PortraitMinted event")
	}
	return res, nil
}

// mintedTokenID reads the indexed token id of the first PortraitMinted log
// emitted by contract.
func mintedTokenID(receipt *gethtypes.Receipt, contract common.Address) *big.Int {
	if receipt == nil {
		return nil
	}
	topic := portraitNFTABI.Events["PortraitMinted"].ID
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != contract || len(lg.Topics) < 2 || lg.Topics[0] != topic {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[1].Bytes())
	}
	return nil
}
