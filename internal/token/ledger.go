// Package token implements the in-process fungible-token ledgers the custody
// ledger and order escrow settle against: one ledger per underlying asset and
// one for the native base asset. Every balance mutation is atomic under the
// ledger lock, so a failed multi-leg operation can always be compensated by
// the reverse transfer.
package token

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/finbask/finbask/pkg/errors"
)

// Token is the minimal fungible surface the custody ledger and escrow need
// from an asset. Implementations must fail the whole call on any precondition
// violation and leave balances untouched.
type Token interface {
	// Transfer moves amount from the from account to the to account.
	Transfer(from, to common.Address, amount decimal.Decimal) error
	// TransferFrom moves amount from the from account to the to account,
	// spending the allowance the from account granted to spender.
	TransferFrom(spender, from, to common.Address, amount decimal.Decimal) error
	// BalanceOf returns the current balance of addr.
	BalanceOf(addr common.Address) decimal.Decimal
}

// Ledger is the standard Token implementation: balances plus owner->spender
// allowances, conserving total supply across transfers.
type Ledger struct {
	mu          sync.RWMutex
	symbol      string
	totalSupply decimal.Decimal
	balances    map[common.Address]decimal.Decimal
	allowances  map[common.Address]map[common.Address]decimal.Decimal
}

var _ Token = (*Ledger)(nil)

// NewLedger creates an empty ledger for one asset
func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:     symbol,
		balances:   make(map[common.Address]decimal.Decimal),
		allowances: make(map[common.Address]map[common.Address]decimal.Decimal),
	}
}

// Symbol returns the asset symbol the ledger was created with
func (l *Ledger) Symbol() string {
	return l.symbol
}

// Mint credits newly created units to an account
func (l *Ledger) Mint(to common.Address, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return errors.ErrInvalidParameters.Explain("mint amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[to] = l.balances[to].Add(amount)
	l.totalSupply = l.totalSupply.Add(amount)
	return nil
}

// Transfer implements Token
func (l *Ledger) Transfer(from, to common.Address, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return errors.ErrInvalidParameters.Explain("transfer amount must not be negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from].LessThan(amount) {
		return errors.ErrInsufficientBalance.Explain("%s: balance %s below transfer amount %s",
			l.symbol, l.balances[from], amount)
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// TransferFrom implements Token
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return errors.ErrInvalidParameters.Explain("transfer amount must not be negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowed := l.allowanceLocked(from, spender)
	if allowed.LessThan(amount) {
		return errors.ErrInsufficientAllowance.Explain("%s: allowance %s below transfer amount %s",
			l.symbol, allowed, amount)
	}
	if l.balances[from].LessThan(amount) {
		return errors.ErrInsufficientBalance.Explain("%s: balance %s below transfer amount %s",
			l.symbol, l.balances[from], amount)
	}
	l.allowances[from][spender] = allowed.Sub(amount)
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// Approve sets the allowance owner grants to spender, replacing any prior value
func (l *Ledger) Approve(owner, spender common.Address, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return errors.ErrInvalidParameters.Explain("allowance must not be negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]decimal.Decimal)
	}
	l.allowances[owner][spender] = amount
	return nil
}

// Allowance returns the remaining allowance owner has granted to spender
func (l *Ledger) Allowance(owner, spender common.Address) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowanceLocked(owner, spender)
}

func (l *Ledger) allowanceLocked(owner, spender common.Address) decimal.Decimal {
	if m, ok := l.allowances[owner]; ok {
		return m[spender]
	}
	return decimal.Zero
}

// BalanceOf implements Token
func (l *Ledger) BalanceOf(addr common.Address) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr]
}

// TotalSupply returns the sum of all balances
func (l *Ledger) TotalSupply() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalSupply
}
