package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/types"
)

// Backend is the subset of ethclient.Client used by EVMRegistry.
type Backend interface {
	ethereum.ContractCaller
	ethereum.ChainStateReader
	ethereum.TransactionReader
	ethereum.TransactionSender
	ethereum.GasPricer
	ethereum.GasEstimator
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// EVMRegistry implements Registry against a deployed PaymentRegistry contract.
type EVMRegistry struct {
	backend        Backend
	chainID        *big.Int
	registry       common.Address
	confirmTimeout time.Duration
	gasMultiplier  float64
	log            *logger.Logger

	// nonce fetch and send must not interleave for the same process
	sendMu sync.Mutex
}

var _ Registry = (*EVMRegistry)(nil)

// EVMOption customizes an EVMRegistry.
type EVMOption func(*EVMRegistry)

// WithConfirmTimeout bounds the wait for a transaction receipt.
func WithConfirmTimeout(d time.Duration) EVMOption {
	return func(r *EVMRegistry) { r.confirmTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) EVMOption {
	return func(r *EVMRegistry) { r.log = l }
}

// NewEVMRegistry wraps an existing backend.
func NewEVMRegistry(backend Backend, chainID *big.Int, registryAddr string, opts ...EVMOption) (*EVMRegistry, error) {
	if !common.IsHexAddress(registryAddr) {
		return nil, fmt.Errorf("invalid registry address %q", registryAddr)
	}
	r := &EVMRegistry{
		backend:        backend,
		chainID:        chainID,
		registry:       common.HexToAddress(registryAddr),
		confirmTimeout: 2 * time.Minute,
		gasMultiplier:  1.2,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.Or(r.log).WithField("component", "ledger")
	return r, nil
}

// DialEVM connects to an RPC endpoint and checks the chain id.
func DialEVM(ctx context.Context, rpcURL, registryAddr string, expectChainID int64, opts ...EVMOption) (*EVMRegistry, *ethclient.Client, error) {
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, types.LedgerUnavailable("dial rpc", err)
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, nil, types.LedgerUnavailable("chain id", err)
	}
	if expectChainID > 0 && chainID.Int64() != expectChainID {
		cli.Close()
		return nil, nil, fmt.Errorf("rpc %s serves chain %s, expected %d", rpcURL, chainID, expectChainID)
	}
	r, err := NewEVMRegistry(cli, chainID, registryAddr, opts...)
	if err != nil {
		cli.Close()
		return nil, nil, err
	}
	return r, cli, nil
}

func (r *EVMRegistry) Address() string { return r.registry.Hex() }

func (r *EVMRegistry) CreateInvoice(ctx context.Context, signer *Signer, id [32]byte, token string, amount *big.Int) (TxResult, error) {
	return r.transact(ctx, signer, r.registry, registryABI, "createInvoice", id, common.HexToAddress(token), amount)
}

func (r *EVMRegistry) Invoice(ctx context.Context, id [32]byte) (OnchainInvoice, error) {
	out, err := r.call(ctx, r.registry, registryABI, "invoices", id)
	if err != nil {
		return OnchainInvoice{}, err
	}
	if len(out) != 4 {
		return OnchainInvoice{}, fmt.Errorf("invoices: unexpected output length %d", len(out))
	}
	seller, _ := out[0].(common.Address)
	token, _ := out[1].(common.Address)
	amount, _ := out[2].(*big.Int)
	paid, _ := out[3].(bool)
	return OnchainInvoice{Seller: seller.Hex(), Token: token.Hex(), Amount: amount, Paid: paid}, nil
}

func (r *EVMRegistry) PayInvoice(ctx context.Context, signer *Signer, id [32]byte) (TxResult, error) {
	return r.transact(ctx, signer, r.registry, registryABI, "payInvoice", id)
}

func (r *EVMRegistry) Withdraw(ctx context.Context, signer *Signer, id [32]byte) (TxResult, error) {
	return r.transact(ctx, signer, r.registry, registryABI, "withdraw", id)
}

func (r *EVMRegistry) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	out, err := r.call(ctx, common.HexToAddress(token), erc20ABI, "allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	return firstBig(out, "allowance")
}

func (r *EVMRegistry) Approve(ctx context.Context, signer *Signer, token, spender string, amount *big.Int) (TxResult, error) {
	return r.transact(ctx, signer, common.HexToAddress(token), erc20ABI, "approve", common.HexToAddress(spender), amount)
}

func (r *EVMRegistry) BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	out, err := r.call(ctx, common.HexToAddress(token), erc20ABI, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	return firstBig(out, "balanceOf")
}

// NativeBalance returns the gas-token balance of addr in wei.
func (r *EVMRegistry) NativeBalance(ctx context.Context, addr string) (*big.Int, error) {
	bal, err := r.backend.BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return nil, types.LedgerUnavailable("balance", err)
	}
	return bal, nil
}

// SendNative transfers wei to addr and waits for the receipt.
func (r *EVMRegistry) SendNative(ctx context.Context, signer *Signer, to string, wei *big.Int) (TxResult, error) {
	if !signer.CanSign() {
		return TxResult{}, fmt.Errorf("signer %s has no private key", signer.Hex())
	}
	dest := common.HexToAddress(to)
	r.sendMu.Lock()
	nonce, err := r.backend.PendingNonceAt(ctx, signer.Address)
	if err != nil {
		r.sendMu.Unlock()
		return TxResult{}, types.LedgerUnavailable("nonce", err)
	}
	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		r.sendMu.Unlock()
		return TxResult{}, types.LedgerUnavailable("gas price", err)
	}
	tx := gethtypes.NewTransaction(nonce, dest, wei, 21000, gasPrice, nil)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(r.chainID), signer.key)
	if err != nil {
		r.sendMu.Unlock()
		return TxResult{}, fmt.Errorf("sign tx: %w", err)
	}
	err = r.backend.SendTransaction(ctx, signed)
	r.sendMu.Unlock()
	if err != nil {
		return TxResult{}, classifyRPCError("transfer", err)
	}
	return r.waitMined(ctx, "transfer", signed)
}

func (r *EVMRegistry) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classifyRPCError(method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (r *EVMRegistry) transact(ctx context.Context, signer *Signer, to common.Address, contract abi.ABI, method string, args ...interface{}) (TxResult, error) {
	res, _, err := r.transactReceipt(ctx, signer, to, contract, method, args...)
	return res, err
}

// transactReceipt is transact that also hands back the receipt, for callers
// that read emitted events.
func (r *EVMRegistry) transactReceipt(ctx context.Context, signer *Signer, to common.Address, contract abi.ABI, method string, args ...interface{}) (TxResult, *gethtypes.Receipt, error) {
	if !signer.CanSign() {
		return TxResult{}, nil, fmt.Errorf("signer %s has no private key", signer.Hex())
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return TxResult{}, nil, fmt.Errorf("pack %s: %w", method, err)
	}

	r.sendMu.Lock()
	nonce, err := r.backend.PendingNonceAt(ctx, signer.Address)
	if err != nil {
		r.sendMu.Unlock()
		return TxResult{}, nil, types.LedgerUnavailable("nonce", err)
	}
	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		r.sendMu.Unlock()
		return TxResult{}, nil, types.LedgerUnavailable("gas price", err)
	}
	// estimation runs the call first, so contract reverts surface here before anything is broadcast
	gas, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{From: signer.Address, To: &to, Data: data})
	if err != nil {
		r.sendMu.Unlock()
		return TxResult{}, nil, classifyRPCError(method, err)
	}
	gas = uint64(float64(gas) * r.gasMultiplier)

	tx := gethtypes.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, data)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(r.chainID), signer.key)
	if err != nil {
		r.sendMu.Unlock()
		return TxResult{}, nil, fmt.Errorf("sign tx: %w", err)
	}
	err = r.backend.SendTransaction(ctx, signed)
	r.sendMu.Unlock()
	if err != nil {
		return TxResult{}, nil, classifyRPCError(method, err)
	}

	r.log.WithFields(map[string]interface{}{"method": method, "tx_hash": signed.Hash().Hex()}).Debug("transaction sent")
	return r.waitReceipt(ctx, method, signed)
}

func (r *EVMRegistry) waitMined(ctx context.Context, method string, signed *gethtypes.Transaction) (TxResult, error) {
	res, _, err := r.waitReceipt(ctx, method, signed)
	return res, err
}

func (r *EVMRegistry) waitReceipt(ctx context.Context, method string, signed *gethtypes.Transaction) (TxResult, *gethtypes.Receipt, error) {
	hash := signed.Hash().Hex()
	waitCtx := ctx
	if r.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.confirmTimeout)
		defer cancel()
	}
	receipt, err := bind.WaitMined(waitCtx, r.backend, signed)
	if err != nil {
		// the transaction may still land; callers re-read state before concluding anything
		return TxResult{Hash: hash}, nil, types.LedgerUnavailable("wait for "+method, err).WithDetail("tx_hash", hash)
	}
	if receipt.Status == gethtypes.ReceiptStatusFailed {
		return TxResult{Hash: hash}, receipt, &RevertError{Method: method, TxHash: hash}
	}
	return TxResult{Hash: hash, BlockNumber: receipt.BlockNumber.Uint64()}, receipt, nil
}

// classifyRPCError separates contract reverts from transport failures.
func classifyRPCError(method string, err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "execution reverted"):
		reason := ""
		if i := strings.Index(lower, "execution reverted:"); i >= 0 {
			reason = strings.TrimSpace(msg[i+len("execution reverted:"):])
		}
		return &RevertError{Method: method, Reason: reason}
	case strings.Contains(lower, "insufficient funds"):
		return types.InsufficientFunds(method + ": " + msg)
	default:
		return types.LedgerUnavailable(method, err)
	}
}

func firstBig(out []interface{}, method string) (*big.Int, error) {
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty output", method)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, out[0])
	}
	return v, nil
}
