// Package bootstrap wires the ledger, signers and language model from the
// environment for the command line entry points.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/config"
	"github.com/sage-x-project/sage-paywall/ledger"
	"github.com/sage-x-project/sage-paywall/llm"
	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/resilience"
)

// Addresses used by the in-memory ledger when no keys are configured.
const (
	MemoryRegistryAddress = "0x00000000000000000000000000000000000000a1"
	MemoryTokenAddress    = "0x00000000000000000000000000000000000000e1"
	memorySellerAddress   = "0x0000000000000000000000000000000000000051"
	memoryBuyerAddress    = "0x00000000000000000000000000000000000000b1"
)

// Role selects which configured key a signer is loaded from.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// Runtime is the ledger connection shared by one process.
type Runtime struct {
	Env     *config.EnvConfig
	Network *config.NetworkInfo
	Ledger  *ledger.Client
	Token   string

	// Exactly one of EVM and Memory is set.
	EVM    *ledger.EVMRegistry
	Memory *ledger.MemoryRegistry

	eth *ethclient.Client
	log *logger.Logger
}

// Open connects to the ledger selected by env.Ledger.
func Open(ctx context.Context, env *config.EnvConfig, log *logger.Logger) (*Runtime, error) {
	log = logger.Or(log).WithField("component", "bootstrap")
	rt := &Runtime{Env: env, log: log}

	if env.Ledger == "memory" {
		rt.Memory = ledger.NewMemoryRegistry(MemoryRegistryAddress)
		rt.Token = firstNonEmpty(env.TokenAddress, MemoryTokenAddress)
		rt.Ledger = ledger.NewClient(rt.Memory, ledger.WithClientLogger(log))
		log.Warn("using the in-memory ledger; payments are not settled on any chain")
		return rt, nil
	}

	info, err := config.GetNetworkInfo("auto", env)
	if err != nil {
		return nil, err
	}
	log.WithFields(map[string]interface{}{
		"network":  info.Name,
		"chain_id": info.ChainID,
		"registry": info.RegistryAddress,
	}).Info("connecting to ledger")

	reg, eth, err := ledger.DialEVM(ctx, info.RPCEndpoint, info.RegistryAddress, int64(info.ChainID),
		ledger.WithConfirmTimeout(env.LedgerTimeout), ledger.WithLogger(log))
	if err != nil {
		return nil, err
	}
	rt.Network = info
	rt.EVM = reg
	rt.eth = eth
	rt.Token = info.TokenAddress
	rt.Ledger = ledger.NewClient(reg, ledger.WithClientLogger(log), ledger.WithReadBreaker(readBreaker(log)))
	return rt, nil
}

func readBreaker(log *logger.Logger) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{
		Name:      "ledger-read",
		Threshold: 3,
		Cooldown:  15 * time.Second,
		IsFailure: ledger.LedgerFailure,
		OnChange: func(name string, from, to resilience.State) {
			log.WithField("breaker", name).Warnf("circuit %s -> %s", from, to)
		},
	})
}

// Signer loads the key configured for role. On the in-memory ledger a
// missing key falls back to a fixed development address.
func (rt *Runtime) Signer(role Role) (*ledger.Signer, error) {
	key := rt.Env.SellerPrivateKey
	fallback := memorySellerAddress
	if role == RoleBuyer {
		key, fallback = rt.Env.BuyerPrivateKey, memoryBuyerAddress
	}
	if strings.TrimSpace(key) == "" {
		if rt.Memory != nil {
			return ledger.AddressSigner(fallback), nil
		}
		return nil, fmt.Errorf("%s_PRIVATE_KEY not set", strings.ToUpper(string(role)))
	}
	signer, err := ledger.LoadSigner(key)
	if err != nil {
		return nil, fmt.Errorf("%s key: %w", role, err)
	}
	return signer, nil
}

// Minter returns the NFT certificate minter and the key that signs mints.
// Without NFT_CONTRACT_ADDRESS on a chain it returns nil: certificates are
// skipped and sales go ahead. The owner key falls back to the seller's.
func (rt *Runtime) Minter() (ledger.Minter, *ledger.Signer, error) {
	if rt.Memory != nil {
		owner, err := rt.Signer(RoleSeller)
		if err != nil {
			return nil, nil, err
		}
		return rt.Memory, owner, nil
	}
	if strings.TrimSpace(rt.Env.NFTContractAddress) == "" {
		rt.log.Warn("NFT contract not configured, skipping NFT minting")
		return nil, nil, nil
	}
	m, err := ledger.NewEVMMinter(rt.EVM, rt.Env.NFTContractAddress)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(rt.Env.NFTOwnerPrivateKey) == "" {
		owner, err := rt.Signer(RoleSeller)
		if err != nil {
			return nil, nil, err
		}
		return m, owner, nil
	}
	owner, err := ledger.LoadSigner(rt.Env.NFTOwnerPrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("nft owner key: %w", err)
	}
	rt.log.WithFields(map[string]interface{}{"contract": m.Contract(), "owner": owner.Hex()}).Info("NFT minting enabled")
	return m, owner, nil
}

// Mint credits tokens on the in-memory ledger. It is a no-op on a chain.
func (rt *Runtime) Mint(owner string, amount decimal.Decimal) {
	if rt.Memory == nil || !amount.IsPositive() {
		return
	}
	rt.Memory.Mint(rt.Token, owner, amount)
	rt.log.Infof("minted %s test tokens to %s", amount, owner)
}

// Close releases the RPC connection.
func (rt *Runtime) Close() {
	if rt.eth != nil {
		rt.eth.Close()
	}
}

// Model returns the configured language model behind a timeout and circuit
// breaker, or nil when no provider is configured.
func Model(log *logger.Logger) llm.Client {
	c, err := llm.NewFromEnv()
	if err != nil {
		logger.Or(log).Warnf("language model unavailable, using rule-based behaviour: %v", err)
		return nil
	}
	return llm.NewGuarded(c, 0)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
