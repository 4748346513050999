package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/types"
)

// MemoryRegistry is a deterministic in-process registry and ERC20 ledger.
// It follows the contract's rules (one payment per invoice, seller-only
// withdraw) and can inject failures, reverts and finality delays.
type MemoryRegistry struct {
	mu         sync.Mutex
	address    string
	invoices   map[[32]byte]*memInvoice
	balances   map[string]map[string]*big.Int // token -> owner -> units
	allowances map[string]*big.Int            // token|owner|spender -> units
	calls      map[string]int
	failures   map[string][]error
	delays     map[string]time.Duration
	txCounter  uint64
	portraits  []string // token id - 1 -> owner

	// BeforeCall, when set, runs before each operation is applied; tests use it
	// to block or observe concurrent callers.
	BeforeCall func(method string)
}

var (
	_ Registry = (*MemoryRegistry)(nil)
	_ Minter   = (*MemoryRegistry)(nil)
)

// MemoryNFTContract is the certificate contract address reported by
// MemoryRegistry.
const MemoryNFTContract = "0x00000000000000000000000000000000000000Ab"

type memInvoice struct {
	seller string
	token  string
	amount *big.Int
	paid   bool
	buyer  string
}

// NewMemoryRegistry creates an empty registry deployed at address.
func NewMemoryRegistry(address string) *MemoryRegistry {
	if address == "" {
		address = "0x00000000000000000000000000000000000000aa"
	}
	return &MemoryRegistry{
		address:    common.HexToAddress(address).Hex(),
		invoices:   make(map[[32]byte]*memInvoice),
		balances:   make(map[string]map[string]*big.Int),
		allowances: make(map[string]*big.Int),
		calls:      make(map[string]int),
		failures:   make(map[string][]error),
		delays:     make(map[string]time.Duration),
	}
}

// Mint credits amount tokens to owner.
func (m *MemoryRegistry) Mint(token, owner string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(token, owner, ToBaseUnits(amount))
}

// FailNext makes the next call of method return err before touching state.
func (m *MemoryRegistry) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], err)
}

// SetFinalityDelay makes method apply its effect immediately but report
// success only after d; a caller whose context ends first sees
// LedgerUnavailable although the transaction landed.
func (m *MemoryRegistry) SetFinalityDelay(method string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[method] = d
}

// Calls returns how many times method was invoked, including failed calls.
func (m *MemoryRegistry) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// MarkPaidExternally flips an invoice to paid as if another party paid it.
func (m *MemoryRegistry) MarkPaidExternally(id string) error {
	key, err := types.EncodeInvoiceID(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[key]
	if !ok {
		return types.UnknownInvoice(id)
	}
	inv.paid = true
	return nil
}

func (m *MemoryRegistry) Address() string { return m.address }

func (m *MemoryRegistry) Contract() string { return common.HexToAddress(MemoryNFTContract).Hex() }

// MintPortrait issues sequential token ids starting at 1.
func (m *MemoryRegistry) MintPortrait(ctx context.Context, owner *Signer, req MintRequest) (*MintResult, error) {
	if err := m.enter(ctx, "mintPortrait"); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(req.To) {
		return nil, fmt.Errorf("invalid buyer address %q", req.To)
	}
	m.mu.Lock()
	m.portraits = append(m.portraits, common.HexToAddress(req.To).Hex())
	id := len(m.portraits)
	tx := m.nextTx()
	m.mu.Unlock()
	tx, err := m.finalize(ctx, "mintPortrait", tx)
	if err != nil {
		return nil, err
	}
	return &MintResult{TokenID: fmt.Sprintf("%d", id), TxHash: tx.Hash}, nil
}

// PortraitOwner returns the holder of a minted token id, or "".
func (m *MemoryRegistry) PortraitOwner(tokenID string) string {
	var id int
	if _, err := fmt.Sscanf(tokenID, "%d", &id); err != nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || id > len(m.portraits) {
		return ""
	}
	return m.portraits[id-1]
}

func (m *MemoryRegistry) CreateInvoice(ctx context.Context, signer *Signer, id [32]byte, token string, amount *big.Int) (TxResult, error) {
	if err := m.enter(ctx, "createInvoice"); err != nil {
		return TxResult{}, err
	}
	m.mu.Lock()
	if _, exists := m.invoices[id]; exists {
		m.mu.Unlock()
		return TxResult{}, &RevertError{Method: "createInvoice", Reason: "Invoice exists"}
	}
	if amount == nil || amount.Sign() <= 0 {
		m.mu.Unlock()
		return TxResult{}, &RevertError{Method: "createInvoice", Reason: "Invalid amount"}
	}
	m.invoices[id] = &memInvoice{
		seller: signer.Hex(),
		token:  common.HexToAddress(token).Hex(),
		amount: new(big.Int).Set(amount),
	}
	tx := m.nextTx()
	m.mu.Unlock()
	return m.finalize(ctx, "createInvoice", tx)
}

func (m *MemoryRegistry) Invoice(ctx context.Context, id [32]byte) (OnchainInvoice, error) {
	if err := m.enter(ctx, "invoices"); err != nil {
		return OnchainInvoice{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return OnchainInvoice{Seller: zeroAddress, Token: zeroAddress, Amount: big.NewInt(0)}, nil
	}
	return OnchainInvoice{
		Seller: inv.seller,
		Token:  inv.token,
		Amount: new(big.Int).Set(inv.amount),
		Paid:   inv.paid,
	}, nil
}

func (m *MemoryRegistry) PayInvoice(ctx context.Context, signer *Signer, id [32]byte) (TxResult, error) {
	if err := m.enter(ctx, "payInvoice"); err != nil {
		return TxResult{}, err
	}
	m.mu.Lock()
	inv, ok := m.invoices[id]
	if !ok {
		m.mu.Unlock()
		return TxResult{}, &RevertError{Method: "payInvoice", Reason: "Invoice not found"}
	}
	if inv.paid {
		m.mu.Unlock()
		return TxResult{}, &RevertError{Method: "payInvoice", Reason: "Already paid"}
	}
	buyer := signer.Hex()
	key := allowanceKey(inv.token, buyer, m.address)
	if m.allowanceOf(key).Cmp(inv.amount) < 0 {
		m.mu.Unlock()
		return TxResult{}, &RevertError{Method: "payInvoice", Reason: "ERC20: insufficient allowance"}
	}
	if m.balanceOf(inv.token, buyer).Cmp(inv.amount) < 0 {
		m.mu.Unlock()
		return TxResult{}, &RevertError{Method: "payInvoice", Reason: "ERC20: transfer amount exceeds balance"}
	}
	m.allowances[key] = new(big.Int).Sub(m.allowanceOf(key), inv.amount)
	m.debit(inv.token, buyer, inv.amount)
	m.credit(inv.token, m.address, inv.amount)
	inv.paid = true
	inv.buyer = buyer
	tx := m.nextTx()
	m.mu.Unlock()
	return m.finalize(ctx, "payInvoice", tx)
}

func (m *MemoryRegistry) Withdraw(ctx context.Context, signer *Signer, id [32]byte) (TxResult, error) {
	if err := m.enter(ctx, "withdraw"); err != nil {
		return TxResult{}, err
	}
	m.mu.Lock()
	inv, ok := m.invoices[id]
	switch {
	case !ok:
		m.mu.Unlock()
		return TxResult{}, &RevertError{Method: "withdraw", Reason: "Invoice not found"}
	case !strings.EqualFold(inv.seller, signer.Hex()):
		m.mu.Unlock()
		return TxResult{}, &RevertError{Method: "withdraw", Reason: "Not seller"}
	case !inv.paid:
		m.mu.Unlock()
		return TxResult{}, &RevertError{Method: "withdraw", Reason: "Not paid"}
	case inv.amount.Sign() == 0:
		m.mu.Unlock()
		return TxResult{}, &RevertError{Method: "withdraw", Reason: "Nothing to withdraw"}
	}
	m.debit(inv.token, m.address, inv.amount)
	m.credit(inv.token, inv.seller, inv.amount)
	inv.amount = big.NewInt(0)
	tx := m.nextTx()
	m.mu.Unlock()
	return m.finalize(ctx, "withdraw", tx)
}

func (m *MemoryRegistry) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	if err := m.enter(ctx, "allowance"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.allowanceOf(allowanceKey(token, owner, spender))), nil
}

func (m *MemoryRegistry) Approve(ctx context.Context, signer *Signer, token, spender string, amount *big.Int) (TxResult, error) {
	if err := m.enter(ctx, "approve"); err != nil {
		return TxResult{}, err
	}
	m.mu.Lock()
	m.allowances[allowanceKey(token, signer.Hex(), spender)] = new(big.Int).Set(amount)
	tx := m.nextTx()
	m.mu.Unlock()
	return m.finalize(ctx, "approve", tx)
}

func (m *MemoryRegistry) BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	if err := m.enter(ctx, "balanceOf"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balanceOf(token, owner)), nil
}

// enter counts the call, runs the hook and pops an injected failure.
func (m *MemoryRegistry) enter(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return types.LedgerUnavailable(method, err)
	}
	m.mu.Lock()
	m.calls[method]++
	var injected error
	if q := m.failures[method]; len(q) > 0 {
		injected = q[0]
		m.failures[method] = q[1:]
	}
	hook := m.BeforeCall
	m.mu.Unlock()

	if hook != nil {
		hook(method)
	}
	return injected
}

func (m *MemoryRegistry) finalize(ctx context.Context, method string, tx TxResult) (TxResult, error) {
	m.mu.Lock()
	d := m.delays[method]
	m.mu.Unlock()
	if d <= 0 {
		return tx, nil
	}
	select {
	case <-time.After(d):
		return tx, nil
	case <-ctx.Done():
		return tx, types.LedgerUnavailable("wait for "+method, ctx.Err()).WithDetail("tx_hash", tx.Hash)
	}
}

func (m *MemoryRegistry) nextTx() TxResult {
	m.txCounter++
	return TxResult{Hash: fmt.Sprintf("0x%064x", m.txCounter), BlockNumber: m.txCounter}
}

func (m *MemoryRegistry) balanceOf(token, owner string) *big.Int {
	if b, ok := m.balances[norm(token)][norm(owner)]; ok {
		return b
	}
	return big.NewInt(0)
}

func (m *MemoryRegistry) credit(token, owner string, amount *big.Int) {
	t := norm(token)
	if m.balances[t] == nil {
		m.balances[t] = make(map[string]*big.Int)
	}
	m.balances[t][norm(owner)] = new(big.Int).Add(m.balanceOf(token, owner), amount)
}

func (m *MemoryRegistry) debit(token, owner string, amount *big.Int) {
	m.balances[norm(token)][norm(owner)] = new(big.Int).Sub(m.balanceOf(token, owner), amount)
}

func (m *MemoryRegistry) allowanceOf(key string) *big.Int {
	if a, ok := m.allowances[key]; ok {
		return a
	}
	return big.NewInt(0)
}

func allowanceKey(token, owner, spender string) string {
	return norm(token) + "|" + norm(owner) + "|" + norm(spender)
}

func norm(addr string) string {
	return strings.ToLower(common.HexToAddress(addr).Hex())
}
