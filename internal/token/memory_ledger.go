package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryLedger is an in-memory Ledger intended for unit tests and
// single-process deployments. It is safe for concurrent use.
type MemoryLedger struct {
	mu         sync.Mutex
	account    common.Address
	balances   map[common.Address]uint64
	allowances map[common.Address]map[common.Address]uint64
}

// NewMemoryLedger creates a ledger whose Transfer/Approve operations act on
// behalf of account (normally the engine's own address).
func NewMemoryLedger(account common.Address) *MemoryLedger {
	return &MemoryLedger{
		account:    account,
		balances:   make(map[common.Address]uint64),
		allowances: make(map[common.Address]map[common.Address]uint64),
	}
}

// Mint credits amount to owner out of thin air. Test and adapter hook only.
func (l *MemoryLedger) Mint(owner common.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[owner] += amount
}

func (l *MemoryLedger) TransferFrom(_ context.Context, from, to common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	granted := l.allowances[from][l.account]
	if granted < amount {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientAllowance, granted, amount)
	}
	if l.balances[from] < amount {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientBalance, l.balances[from], amount)
	}

	l.allowances[from][l.account] = granted - amount
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

func (l *MemoryLedger) Transfer(_ context.Context, to common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[l.account] < amount {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientBalance, l.balances[l.account], amount)
	}
	l.balances[l.account] -= amount
	l.balances[to] += amount
	return nil
}

func (l *MemoryLedger) Approve(_ context.Context, spender common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allowances[l.account] == nil {
		l.allowances[l.account] = make(map[common.Address]uint64)
	}
	l.allowances[l.account][spender] = amount
	return nil
}

// ApproveFor grants spender an allowance over owner's funds. The on-chain
// equivalent is the owner calling approve themselves; tests use this to set
// up depositor allowances toward the engine account.
func (l *MemoryLedger) ApproveFor(owner, spender common.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]uint64)
	}
	l.allowances[owner][spender] = amount
}

func (l *MemoryLedger) BalanceOf(_ context.Context, owner common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[owner], nil
}

var _ Ledger = (*MemoryLedger)(nil)
