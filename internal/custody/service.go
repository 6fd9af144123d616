// Package custody implements the fixed-weight basket custody ledger. The
// ledger owns the underlying token holdings of one basket and is itself the
// bundled token: holder balances, total supply and allowances live here.
//
// Two invariants hold after every operation:
//   - full backing: for every underlying asset, the ledger's held quantity is
//     at least totalSupply * weight
//   - conservation: the sum of holder balances equals totalSupply
//
// Every operation follows checks-effects-interactions: preconditions are
// validated, internal state is mutated, and only then are external token
// transfers invoked, so a reentrant call through a token callback observes
// already-updated state. A failed transfer leg unwinds the completed legs and
// the internal mutation, leaving state as before the call.
package custody

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finbask/finbask/internal/journal"
	"github.com/finbask/finbask/internal/registry"
	"github.com/finbask/finbask/internal/settlement"
	"github.com/finbask/finbask/internal/token"
	"github.com/finbask/finbask/internal/whitelist"
	"github.com/finbask/finbask/pkg/errors"
	"github.com/finbask/finbask/pkg/metrics"
	"github.com/finbask/finbask/pkg/models"
)

// Service is one custody ledger instance.
type Service struct {
	logger  *zap.Logger
	cfg     models.BasketConfig
	address common.Address

	assets map[common.Address]token.Token
	native token.Token

	whitelist whitelist.Checker
	registry  registry.Notifier
	journal   journal.Publisher

	mu           sync.RWMutex
	balances     map[common.Address]decimal.Decimal
	allowances   map[common.Address]map[common.Address]decimal.Decimal
	totalSupply  decimal.Decimal
	outstanding  map[common.Address]map[common.Address]decimal.Decimal
	feeRecipient common.Address
	feeRate      decimal.Decimal
}

// NewService creates a custody ledger for one basket. The assets map must
// provide a token handle for every underlying asset in the config; address is
// the account the ledger holds custodied assets under.
func NewService(
	logger *zap.Logger,
	cfg models.BasketConfig,
	address common.Address,
	assets map[common.Address]token.Token,
	native token.Token,
	wl whitelist.Checker,
	reg registry.Notifier,
	pub journal.Publisher,
) (*Service, error) {
	if len(cfg.Assets) == 0 {
		return nil, errors.ErrInvalidParameters.Explain("basket must contain at least one asset")
	}
	seen := make(map[common.Address]struct{}, len(cfg.Assets))
	for _, aw := range cfg.Assets {
		if aw.Token == (common.Address{}) {
			return nil, errors.ErrInvalidParameters.Explain("underlying asset address must not be zero")
		}
		if aw.Weight.Sign() <= 0 {
			return nil, errors.ErrInvalidParameters.Explain("asset weight must be positive")
		}
		if _, dup := seen[aw.Token]; dup {
			return nil, errors.ErrInvalidParameters.Explain("duplicate underlying asset %s", aw.Token.Hex())
		}
		seen[aw.Token] = struct{}{}
		if _, ok := assets[aw.Token]; !ok {
			return nil, errors.ErrInvalidParameters.Explain("no token handle for underlying asset %s", aw.Token.Hex())
		}
	}
	if cfg.FeeRate.Sign() < 0 {
		return nil, errors.ErrInvalidParameters.Explain("fee rate must not be negative")
	}
	if cfg.FeeRate.Sign() > 0 && cfg.FeeRecipient == (common.Address{}) {
		return nil, errors.ErrInvalidParameters.Explain("fee recipient required when fee rate is set")
	}
	if !cfg.WhitelistEnabled {
		wl = whitelist.AllowAll{}
	}
	return &Service{
		logger:       logger.Named("custody").With(zap.String("basket", cfg.Symbol)),
		cfg:          cfg,
		address:      address,
		assets:       assets,
		native:       native,
		whitelist:    wl,
		registry:     reg,
		journal:      pub,
		balances:     make(map[common.Address]decimal.Decimal),
		allowances:   make(map[common.Address]map[common.Address]decimal.Decimal),
		outstanding:  make(map[common.Address]map[common.Address]decimal.Decimal),
		feeRecipient: cfg.FeeRecipient,
		feeRate:      cfg.FeeRate,
	}, nil
}

// Address returns the account the ledger holds custodied assets under
func (s *Service) Address() common.Address { return s.address }

// Config returns the immutable basket parameters
func (s *Service) Config() models.BasketConfig { return s.cfg }

// Bundle mints quantity bundled units to caller against a pull of
// weight*quantity of every underlying asset. value is the base-asset amount
// attached to the call; it must equal feeRate*quantity exactly, and must be
// zero when no fee is configured.
func (s *Service) Bundle(ctx context.Context, caller common.Address, quantity, value decimal.Decimal) error {
	if quantity.Sign() <= 0 {
		return errors.ErrInvalidParameters.Explain("bundle quantity must be positive")
	}
	if value.Sign() < 0 {
		return errors.ErrInvalidParameters.Explain("attached value must not be negative")
	}
	if err := s.requireWhitelisted(ctx, caller); err != nil {
		return err
	}

	s.mu.RLock()
	fee := s.feeRate.Mul(quantity)
	feeRecipient := s.feeRecipient
	s.mu.RUnlock()
	if fee.Sign() > 0 {
		if !value.Equal(fee) {
			return errors.ErrInvalidParameters.Explain("attached value %s does not match bundle fee %s", value, fee)
		}
	} else if value.Sign() != 0 {
		return errors.ErrInvalidParameters.Explain("no fee configured, refusing attached value %s", value)
	}

	// Interactions before effects: the bundled balance is credited only after
	// every pull leg has settled, so a reentrant token callback sees the
	// not-yet-minted balance and cannot move it.
	rb := settlement.NewRollback(s.logger)
	abort := func(err error) error {
		rb.Unwind()
		return err
	}

	if fee.Sign() > 0 {
		if err := s.native.Transfer(caller, feeRecipient, fee); err != nil {
			return abort(err)
		}
		rb.Record("bundle fee", func() error {
			return s.native.Transfer(feeRecipient, caller, fee)
		})
	}
	for _, aw := range s.cfg.Assets {
		aw := aw
		need := aw.Weight.Mul(quantity)
		asset := s.assets[aw.Token]
		if err := asset.TransferFrom(s.address, caller, s.address, need); err != nil {
			return abort(err)
		}
		rb.Record("pull "+aw.Token.Hex(), func() error {
			return asset.Transfer(s.address, caller, need)
		})
	}

	if err := s.registry.NotifyMinted(ctx, quantity, caller); err != nil {
		return abort(err)
	}

	s.creditSupply(caller, quantity)

	metrics.BundlesProcessed.WithLabelValues("bundle").Inc()
	s.emit(ctx, models.EventBundled, caller, bundlePayload{
		Holder:   caller.Hex(),
		Quantity: quantity,
		Fee:      fee,
	})
	s.logger.Info("bundled",
		zap.String("holder", caller.Hex()),
		zap.String("quantity", quantity.String()))
	return nil
}

// Debundle burns quantity bundled units from caller and returns the
// underlying assets to caller.
func (s *Service) Debundle(ctx context.Context, caller common.Address, quantity decimal.Decimal) error {
	return s.DebundleTo(ctx, caller, caller, quantity)
}

// DebundleTo burns quantity bundled units from caller and transfers the
// underlying assets to recipient; used by internal swap flows.
func (s *Service) DebundleTo(ctx context.Context, caller, recipient common.Address, quantity decimal.Decimal) error {
	if quantity.Sign() <= 0 {
		return errors.ErrInvalidParameters.Explain("debundle quantity must be positive")
	}
	if recipient == (common.Address{}) {
		return errors.ErrInvalidParameters.Explain("recipient must not be zero")
	}

	if err := s.debitSupply(caller, quantity); err != nil {
		return err
	}

	rb := settlement.NewRollback(s.logger)
	abort := func(err error) error {
		rb.Unwind()
		s.creditSupply(caller, quantity)
		return err
	}

	for _, aw := range s.cfg.Assets {
		aw := aw
		out := aw.Weight.Mul(quantity)
		asset := s.assets[aw.Token]
		if err := asset.Transfer(s.address, recipient, out); err != nil {
			return abort(err)
		}
		rb.Record("return "+aw.Token.Hex(), func() error {
			return asset.Transfer(recipient, s.address, out)
		})
	}

	if err := s.registry.NotifyBurned(ctx, quantity, caller); err != nil {
		return abort(err)
	}

	metrics.BundlesProcessed.WithLabelValues("debundle").Inc()
	s.emit(ctx, models.EventDebundled, caller, debundlePayload{
		Holder:    caller.Hex(),
		Recipient: recipient.Hex(),
		Quantity:  quantity,
	})
	s.logger.Info("debundled",
		zap.String("holder", caller.Hex()),
		zap.String("recipient", recipient.Hex()),
		zap.String("quantity", quantity.String()))
	return nil
}

// BurnWithoutWithdrawal burns quantity bundled units from caller but leaves
// the underlying assets in custody as per-token outstanding claims, so a
// holder can unwind even when a direct transfer of some underlying would
// fail. The claims are paid out later through Withdraw.
func (s *Service) BurnWithoutWithdrawal(ctx context.Context, caller common.Address, quantity decimal.Decimal) error {
	if quantity.Sign() <= 0 {
		return errors.ErrInvalidParameters.Explain("burn quantity must be positive")
	}

	if err := s.debitSupply(caller, quantity); err != nil {
		return err
	}

	s.mu.Lock()
	if s.outstanding[caller] == nil {
		s.outstanding[caller] = make(map[common.Address]decimal.Decimal)
	}
	for _, aw := range s.cfg.Assets {
		s.outstanding[caller][aw.Token] = s.outstanding[caller][aw.Token].Add(aw.Weight.Mul(quantity))
	}
	s.mu.Unlock()

	if err := s.registry.NotifyBurned(ctx, quantity, caller); err != nil {
		s.mu.Lock()
		for _, aw := range s.cfg.Assets {
			s.outstanding[caller][aw.Token] = s.outstanding[caller][aw.Token].Sub(aw.Weight.Mul(quantity))
		}
		s.mu.Unlock()
		s.creditSupply(caller, quantity)
		return err
	}

	metrics.BundlesProcessed.WithLabelValues("burn").Inc()
	s.emit(ctx, models.EventBurned, caller, bundlePayload{
		Holder:   caller.Hex(),
		Quantity: quantity,
	})
	return nil
}

// Withdraw pays out and zeroes the caller's outstanding claim for one
// underlying token.
func (s *Service) Withdraw(ctx context.Context, caller, tokenAddr common.Address) error {
	asset, ok := s.assets[tokenAddr]
	if !ok {
		return errors.ErrInvalidParameters.Explain("token %s is not part of the basket", tokenAddr.Hex())
	}

	s.mu.Lock()
	amount := decimal.Zero
	if m := s.outstanding[caller]; m != nil {
		amount = m[tokenAddr]
	}
	if amount.Sign() <= 0 {
		s.mu.Unlock()
		return errors.ErrInsufficientBalance.Explain("no outstanding balance of %s", tokenAddr.Hex())
	}
	s.outstanding[caller][tokenAddr] = decimal.Zero
	s.mu.Unlock()

	if err := asset.Transfer(s.address, caller, amount); err != nil {
		s.mu.Lock()
		s.outstanding[caller][tokenAddr] = s.outstanding[caller][tokenAddr].Add(amount)
		s.mu.Unlock()
		return err
	}

	metrics.BundlesProcessed.WithLabelValues("withdraw").Inc()
	s.emit(ctx, models.EventWithdrawn, caller, withdrawPayload{
		Holder: caller.Hex(),
		Token:  tokenAddr.Hex(),
		Amount: amount,
	})
	return nil
}

// Transfer moves bundled tokens between holders. The recipient must pass the
// whitelist check; the sender held tokens legitimately already.
func (s *Service) Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return errors.ErrInvalidParameters.Explain("transfer amount must be positive")
	}
	if err := s.requireWhitelisted(ctx, to); err != nil {
		return err
	}
	if err := s.moveBalance(from, to, amount); err != nil {
		return err
	}
	s.emit(ctx, models.EventTransferred, from, transferPayload{
		From:   from.Hex(),
		To:     to.Hex(),
		Amount: amount,
	})
	return nil
}

// TransferFrom moves bundled tokens on behalf of a holder, spending the
// allowance the holder granted to spender.
func (s *Service) TransferFrom(ctx context.Context, spender, from, to common.Address, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return errors.ErrInvalidParameters.Explain("transfer amount must be positive")
	}
	if err := s.requireWhitelisted(ctx, to); err != nil {
		return err
	}

	s.mu.Lock()
	allowed := s.allowanceLocked(from, spender)
	if allowed.LessThan(amount) {
		s.mu.Unlock()
		return errors.ErrInsufficientAllowance.Explain("allowance %s below transfer amount %s", allowed, amount)
	}
	if s.balances[from].LessThan(amount) {
		s.mu.Unlock()
		return errors.ErrInsufficientBalance.Explain("balance %s below transfer amount %s", s.balances[from], amount)
	}
	s.allowances[from][spender] = allowed.Sub(amount)
	s.balances[from] = s.balances[from].Sub(amount)
	s.balances[to] = s.balances[to].Add(amount)
	s.mu.Unlock()

	s.emit(ctx, models.EventTransferred, spender, transferPayload{
		From:    from.Hex(),
		To:      to.Hex(),
		Spender: spender.Hex(),
		Amount:  amount,
	})
	return nil
}

// Approve sets the bundled-token allowance owner grants to spender
func (s *Service) Approve(ctx context.Context, owner, spender common.Address, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return errors.ErrInvalidParameters.Explain("allowance must not be negative")
	}
	if spender == (common.Address{}) {
		return errors.ErrInvalidParameters.Explain("spender must not be zero")
	}
	s.mu.Lock()
	if s.allowances[owner] == nil {
		s.allowances[owner] = make(map[common.Address]decimal.Decimal)
	}
	s.allowances[owner][spender] = amount
	s.mu.Unlock()

	s.emit(ctx, models.EventApproved, owner, transferPayload{
		From:    owner.Hex(),
		Spender: spender.Hex(),
		Amount:  amount,
	})
	return nil
}

// Allowance returns the remaining bundled-token allowance owner granted spender
func (s *Service) Allowance(owner, spender common.Address) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowanceLocked(owner, spender)
}

// BalanceOf returns the bundled-token balance of holder
func (s *Service) BalanceOf(holder common.Address) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[holder]
}

// TotalSupply returns the outstanding bundled-token supply
func (s *Service) TotalSupply() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalSupply
}

// OutstandingBalance returns the caller's unwithdrawn claim for one token
func (s *Service) OutstandingBalance(holder, tokenAddr common.Address) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := s.outstanding[holder]; m != nil {
		return m[tokenAddr]
	}
	return decimal.Zero
}

// FeeRate returns the current bundle fee rate
func (s *Service) FeeRate() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feeRate
}

// FeeRecipient returns the current bundle fee recipient
func (s *Service) FeeRecipient() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feeRecipient
}

// ChangeFeeRecipient updates the bundle fee recipient; arranger only
func (s *Service) ChangeFeeRecipient(ctx context.Context, caller, recipient common.Address) error {
	if caller != s.cfg.Arranger {
		return errors.ErrUnauthorized.Explain("only the arranger may change the fee recipient")
	}
	if recipient == (common.Address{}) {
		return errors.ErrInvalidParameters.Explain("fee recipient must not be zero")
	}
	s.mu.Lock()
	if recipient == s.feeRecipient {
		s.mu.Unlock()
		return errors.ErrInvalidParameters.Explain("fee recipient unchanged")
	}
	s.feeRecipient = recipient
	s.mu.Unlock()

	s.emit(ctx, models.EventFeeRecipientChanged, caller, feePayload{Recipient: recipient.Hex()})
	return nil
}

// ChangeFeeRate updates the bundle fee rate; arranger only
func (s *Service) ChangeFeeRate(ctx context.Context, caller common.Address, rate decimal.Decimal) error {
	if caller != s.cfg.Arranger {
		return errors.ErrUnauthorized.Explain("only the arranger may change the fee rate")
	}
	if rate.Sign() < 0 {
		return errors.ErrInvalidParameters.Explain("fee rate must not be negative")
	}
	s.mu.Lock()
	if rate.Sign() > 0 && s.feeRecipient == (common.Address{}) {
		s.mu.Unlock()
		return errors.ErrInvalidParameters.Explain("fee recipient required before setting a fee rate")
	}
	s.feeRate = rate
	s.mu.Unlock()

	s.emit(ctx, models.EventFeeRateChanged, caller, feePayload{Rate: rate})
	return nil
}

// Receive rejects direct base-asset transfers: value is only accepted as part
// of a Bundle call, never on its own.
func (s *Service) Receive(caller common.Address, value decimal.Decimal) error {
	return errors.ErrInvalidParameters.Explain("direct value transfer not accepted, use Bundle")
}

func (s *Service) requireWhitelisted(ctx context.Context, addr common.Address) error {
	if !s.whitelist.IsWhitelisted(ctx, addr) {
		return errors.ErrNotWhitelisted.Explain("%s is not whitelisted", addr.Hex())
	}
	return nil
}

func (s *Service) creditSupply(holder common.Address, quantity decimal.Decimal) {
	s.mu.Lock()
	s.balances[holder] = s.balances[holder].Add(quantity)
	s.totalSupply = s.totalSupply.Add(quantity)
	s.mu.Unlock()
}

func (s *Service) debitSupply(holder common.Address, quantity decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[holder].LessThan(quantity) {
		return errors.ErrInsufficientBalance.Explain("balance %s below quantity %s", s.balances[holder], quantity)
	}
	s.balances[holder] = s.balances[holder].Sub(quantity)
	s.totalSupply = s.totalSupply.Sub(quantity)
	return nil
}

func (s *Service) moveBalance(from, to common.Address, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[from].LessThan(amount) {
		return errors.ErrInsufficientBalance.Explain("balance %s below transfer amount %s", s.balances[from], amount)
	}
	s.balances[from] = s.balances[from].Sub(amount)
	s.balances[to] = s.balances[to].Add(amount)
	return nil
}

func (s *Service) allowanceLocked(owner, spender common.Address) decimal.Decimal {
	if m, ok := s.allowances[owner]; ok {
		return m[spender]
	}
	return decimal.Zero
}

func (s *Service) emit(ctx context.Context, eventType string, actor common.Address, payload interface{}) {
	evt := &models.Event{
		Type:      eventType,
		Component: "custody:" + s.cfg.Symbol,
		Actor:     actor.Hex(),
		Payload:   journal.MarshalPayload(payload),
	}
	if err := s.journal.Emit(ctx, evt); err != nil {
		s.logger.Warn("event emit failed", zap.String("type", eventType), zap.Error(err))
	}
}

type bundlePayload struct {
	Holder   string          `json:"holder"`
	Quantity decimal.Decimal `json:"quantity"`
	Fee      decimal.Decimal `json:"fee,omitempty"`
}

type debundlePayload struct {
	Holder    string          `json:"holder"`
	Recipient string          `json:"recipient"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type withdrawPayload struct {
	Holder string          `json:"holder"`
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

type transferPayload struct {
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Spender string          `json:"spender,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
}

type feePayload struct {
	Rate      decimal.Decimal `json:"rate,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
}
