// Package escrow implements the peer-to-peer order-matching escrow. Orders
// are content-addressed: the only way to cancel or fill one is to resubmit
// the exact parameter tuple the creator used, from which the escrow
// recomputes the digest. A sequential index exists purely as a read-only
// lookup handle.
//
// The escrow holds the deposited leg of every open order in trust under its
// own account: the base asset for buy orders, basket tokens for sell orders.
// Fills settle all legs atomically; if any leg fails the completed legs are
// compensated and the order returns to its open state.
package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finbask/finbask/internal/journal"
	"github.com/finbask/finbask/internal/settlement"
	"github.com/finbask/finbask/internal/token"
	"github.com/finbask/finbask/internal/whitelist"
	"github.com/finbask/finbask/pkg/errors"
	"github.com/finbask/finbask/pkg/metrics"
	"github.com/finbask/finbask/pkg/models"
)

// BasketToken is the fungible surface the escrow needs from a custody ledger.
// The custody Service satisfies it directly.
type BasketToken interface {
	Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount decimal.Decimal) error
}

// BasketSource resolves a basket address to its token surface.
type BasketSource interface {
	Basket(addr common.Address) (BasketToken, bool)
}

// StaticBaskets is a map-backed BasketSource.
type StaticBaskets map[common.Address]BasketToken

// Basket implements BasketSource
func (s StaticBaskets) Basket(addr common.Address) (BasketToken, bool) {
	b, ok := s[addr]
	return b, ok
}

// Service is the order escrow.
type Service struct {
	logger  *zap.Logger
	address common.Address
	admin   common.Address

	native    token.Token
	baskets   BasketSource
	whitelist whitelist.Checker
	journal   journal.Publisher
	now       func() time.Time

	mu            sync.RWMutex
	nextIndex     uint64
	digestToIndex map[common.Hash]uint64
	orders        map[uint64]*models.Order
	feeRecipient  common.Address
	feeRate       decimal.Decimal
}

// NewService creates an order escrow. address is the account escrowed
// deposits are held under; admin may change the transaction fee settings.
func NewService(
	logger *zap.Logger,
	address, admin common.Address,
	native token.Token,
	baskets BasketSource,
	wl whitelist.Checker,
	pub journal.Publisher,
) *Service {
	return &Service{
		logger:        logger.Named("escrow"),
		address:       address,
		admin:         admin,
		native:        native,
		baskets:       baskets,
		whitelist:     wl,
		journal:       pub,
		now:           time.Now,
		nextIndex:     1,
		digestToIndex: make(map[common.Hash]uint64),
		orders:        make(map[uint64]*models.Order),
	}
}

// Address returns the account escrowed deposits are held under
func (s *Service) Address() common.Address { return s.address }

// CreateBuyOrder escrows the attached base-asset value against a future
// delivery of basketAmount bundled tokens. value is the base amount of the
// order. Returns the new order's sequential index.
func (s *Service) CreateBuyOrder(
	ctx context.Context,
	caller, basket common.Address,
	basketAmount decimal.Decimal,
	expiresAt int64,
	nonce uint64,
	value decimal.Decimal,
) (uint64, error) {
	terms := models.OrderTerms{
		Kind:         models.OrderKindBuy,
		Creator:      caller,
		Basket:       basket,
		BasketAmount: basketAmount,
		BaseAmount:   value,
		ExpiresAt:    expiresAt,
		Nonce:        nonce,
	}
	if err := s.validateCreate(ctx, terms); err != nil {
		return 0, err
	}

	index, digest, err := s.storeOrder(terms)
	if err != nil {
		return 0, err
	}

	// Escrow the attached value. On failure the order is removed again and
	// its digest freed: the order never existed.
	if err := s.native.Transfer(caller, s.address, value); err != nil {
		s.dropOrder(index, digest)
		return 0, err
	}

	metrics.OrdersProcessed.WithLabelValues("created", terms.Kind).Inc()
	s.emitOrder(ctx, models.EventOrderCreated, index, terms)
	s.logger.Info("buy order created",
		zap.Uint64("index", index),
		zap.String("creator", caller.Hex()))
	return index, nil
}

// CreateSellOrder escrows basketAmount bundled tokens, pulled from the caller
// via prior allowance, against a future payment of baseAmount base asset.
// Returns the new order's sequential index.
func (s *Service) CreateSellOrder(
	ctx context.Context,
	caller, basket common.Address,
	basketAmount, baseAmount decimal.Decimal,
	expiresAt int64,
	nonce uint64,
) (uint64, error) {
	terms := models.OrderTerms{
		Kind:         models.OrderKindSell,
		Creator:      caller,
		Basket:       basket,
		BasketAmount: basketAmount,
		BaseAmount:   baseAmount,
		ExpiresAt:    expiresAt,
		Nonce:        nonce,
	}
	if err := s.validateCreate(ctx, terms); err != nil {
		return 0, err
	}
	basketToken, ok := s.baskets.Basket(basket)
	if !ok {
		return 0, errors.ErrInvalidParameters.Explain("unknown basket %s", basket.Hex())
	}

	index, digest, err := s.storeOrder(terms)
	if err != nil {
		return 0, err
	}

	if err := basketToken.TransferFrom(ctx, s.address, caller, s.address, basketAmount); err != nil {
		s.dropOrder(index, digest)
		return 0, err
	}

	metrics.OrdersProcessed.WithLabelValues("created", terms.Kind).Inc()
	s.emitOrder(ctx, models.EventOrderCreated, index, terms)
	s.logger.Info("sell order created",
		zap.Uint64("index", index),
		zap.String("creator", caller.Hex()))
	return index, nil
}

// CancelBuyOrder cancels the caller's buy order matching the given terms and
// refunds the escrowed base asset. Cancellation is allowed before or after
// expiry.
func (s *Service) CancelBuyOrder(
	ctx context.Context,
	caller, basket common.Address,
	basketAmount, baseAmount decimal.Decimal,
	expiresAt int64,
	nonce uint64,
) error {
	terms := models.OrderTerms{
		Kind:         models.OrderKindBuy,
		Creator:      caller,
		Basket:       basket,
		BasketAmount: basketAmount,
		BaseAmount:   baseAmount,
		ExpiresAt:    expiresAt,
		Nonce:        nonce,
	}
	order, err := s.cancelOrder(terms)
	if err != nil {
		return err
	}

	if err := s.native.Transfer(s.address, caller, baseAmount); err != nil {
		s.reopenOrder(order.Index)
		return err
	}

	metrics.OrdersProcessed.WithLabelValues("cancelled", terms.Kind).Inc()
	s.emitOrder(ctx, models.EventOrderCancelled, order.Index, terms)
	return nil
}

// CancelSellOrder cancels the caller's sell order matching the given terms
// and refunds the escrowed basket tokens.
func (s *Service) CancelSellOrder(
	ctx context.Context,
	caller, basket common.Address,
	basketAmount, baseAmount decimal.Decimal,
	expiresAt int64,
	nonce uint64,
) error {
	terms := models.OrderTerms{
		Kind:         models.OrderKindSell,
		Creator:      caller,
		Basket:       basket,
		BasketAmount: basketAmount,
		BaseAmount:   baseAmount,
		ExpiresAt:    expiresAt,
		Nonce:        nonce,
	}
	basketToken, ok := s.baskets.Basket(basket)
	if !ok {
		return errors.ErrInvalidParameters.Explain("unknown basket %s", basket.Hex())
	}

	order, err := s.cancelOrder(terms)
	if err != nil {
		return err
	}

	if err := basketToken.Transfer(ctx, s.address, caller, basketAmount); err != nil {
		s.reopenOrder(order.Index)
		return err
	}

	metrics.OrdersProcessed.WithLabelValues("cancelled", terms.Kind).Inc()
	s.emitOrder(ctx, models.EventOrderCancelled, order.Index, terms)
	return nil
}

// FillBuyOrder fills a creator's buy order: the filler delivers basketAmount
// bundled tokens to the creator and receives the escrowed base asset, less
// the configured transaction fee. All legs settle atomically.
func (s *Service) FillBuyOrder(
	ctx context.Context,
	filler, creator, basket common.Address,
	basketAmount, baseAmount decimal.Decimal,
	expiresAt int64,
	nonce uint64,
) error {
	start := time.Now()
	terms := models.OrderTerms{
		Kind:         models.OrderKindBuy,
		Creator:      creator,
		Basket:       basket,
		BasketAmount: basketAmount,
		BaseAmount:   baseAmount,
		ExpiresAt:    expiresAt,
		Nonce:        nonce,
	}
	basketToken, ok := s.baskets.Basket(basket)
	if !ok {
		return errors.ErrInvalidParameters.Explain("unknown basket %s", basket.Hex())
	}

	order, fee, feeRecipient, err := s.markFilled(terms)
	if err != nil {
		return err
	}

	rb := settlement.NewRollback(s.logger)
	abort := func(err error) error {
		rb.Unwind()
		s.unmarkFilled(order.Index)
		return err
	}

	// Leg 1: pull basket tokens from the filler into escrow.
	if err := basketToken.TransferFrom(ctx, s.address, filler, s.address, basketAmount); err != nil {
		return abort(err)
	}
	rb.Record("basket in", func() error {
		return basketToken.Transfer(ctx, s.address, filler, basketAmount)
	})

	// Leg 2: deliver basket tokens to the creator.
	if err := basketToken.Transfer(ctx, s.address, creator, basketAmount); err != nil {
		return abort(err)
	}
	rb.Record("basket out", func() error {
		return basketToken.Transfer(ctx, creator, s.address, basketAmount)
	})

	// Leg 3: release the escrowed base asset to the filler, less fee.
	if err := s.native.Transfer(s.address, filler, baseAmount.Sub(fee)); err != nil {
		return abort(err)
	}
	rb.Record("base out", func() error {
		return s.native.Transfer(filler, s.address, baseAmount.Sub(fee))
	})

	// Leg 4: transaction fee.
	if fee.Sign() > 0 {
		if err := s.native.Transfer(s.address, feeRecipient, fee); err != nil {
			return abort(err)
		}
	}

	metrics.OrdersProcessed.WithLabelValues("filled", terms.Kind).Inc()
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	s.emitFill(ctx, order.Index, terms, filler, fee)
	return nil
}

// FillSellOrder fills a creator's sell order: the filler attaches the base
// asset as value and receives the escrowed basket tokens; the creator
// receives the base asset less the configured transaction fee. The attached
// value is the order's base amount and participates in the digest, so a
// mismatched value cannot address the order.
func (s *Service) FillSellOrder(
	ctx context.Context,
	filler, creator, basket common.Address,
	basketAmount decimal.Decimal,
	expiresAt int64,
	nonce uint64,
	value decimal.Decimal,
) error {
	start := time.Now()
	terms := models.OrderTerms{
		Kind:         models.OrderKindSell,
		Creator:      creator,
		Basket:       basket,
		BasketAmount: basketAmount,
		BaseAmount:   value,
		ExpiresAt:    expiresAt,
		Nonce:        nonce,
	}
	basketToken, ok := s.baskets.Basket(basket)
	if !ok {
		return errors.ErrInvalidParameters.Explain("unknown basket %s", basket.Hex())
	}

	order, fee, feeRecipient, err := s.markFilled(terms)
	if err != nil {
		return err
	}

	rb := settlement.NewRollback(s.logger)
	abort := func(err error) error {
		rb.Unwind()
		s.unmarkFilled(order.Index)
		return err
	}

	// Leg 1: take the attached base asset into escrow.
	if err := s.native.Transfer(filler, s.address, value); err != nil {
		return abort(err)
	}
	rb.Record("base in", func() error {
		return s.native.Transfer(s.address, filler, value)
	})

	// Leg 2: pay the creator, less fee.
	if err := s.native.Transfer(s.address, creator, value.Sub(fee)); err != nil {
		return abort(err)
	}
	rb.Record("base out", func() error {
		return s.native.Transfer(creator, s.address, value.Sub(fee))
	})

	// Leg 3: transaction fee.
	if fee.Sign() > 0 {
		if err := s.native.Transfer(s.address, feeRecipient, fee); err != nil {
			return abort(err)
		}
		rb.Record("fee out", func() error {
			return s.native.Transfer(feeRecipient, s.address, fee)
		})
	}

	// Leg 4: release the escrowed basket tokens to the filler.
	if err := basketToken.Transfer(ctx, s.address, filler, basketAmount); err != nil {
		return abort(err)
	}

	metrics.OrdersProcessed.WithLabelValues("filled", terms.Kind).Inc()
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	s.emitFill(ctx, order.Index, terms, filler, fee)
	return nil
}

// GetOrderDetails returns the stored terms and state for an index. Unknown
// indexes return the zero value; this is a pure read.
func (s *Service) GetOrderDetails(index uint64) models.OrderDetails {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[index]
	if !ok {
		return models.OrderDetails{}
	}
	return models.OrderDetails{
		Creator:      order.Terms.Creator,
		CounterAsset: common.Address{}, // zero: native base asset
		BaseAmount:   order.Terms.BaseAmount,
		Basket:       order.Terms.Basket,
		BasketAmount: order.Terms.BasketAmount,
		ExpiresAt:    order.Terms.ExpiresAt,
		Nonce:        order.Terms.Nonce,
		Exists:       order.Exists,
		Filled:       order.Filled,
	}
}

// FeeRate returns the current transaction fee rate
func (s *Service) FeeRate() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feeRate
}

// FeeRecipient returns the current transaction fee recipient
func (s *Service) FeeRecipient() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feeRecipient
}

// ChangeTransactionFeeRecipient updates the fee recipient; admin only
func (s *Service) ChangeTransactionFeeRecipient(ctx context.Context, caller, recipient common.Address) error {
	if caller != s.admin {
		return errors.ErrUnauthorized.Explain("only the admin may change the fee recipient")
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

	s.emitEvent(ctx, models.EventFeeRecipientChanged, caller, feePayload{Recipient: recipient.Hex()})
	return nil
}

// ChangeTransactionFee updates the fee rate, a fraction of the base amount in
// [0, 1); admin only
func (s *Service) ChangeTransactionFee(ctx context.Context, caller common.Address, rate decimal.Decimal) error {
	if caller != s.admin {
		return errors.ErrUnauthorized.Explain("only the admin may change the fee rate")
	}
	if rate.Sign() < 0 || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.ErrInvalidParameters.Explain("fee rate must be in [0, 1)")
	}
	s.mu.Lock()
	if rate.Sign() > 0 && s.feeRecipient == (common.Address{}) {
		s.mu.Unlock()
		return errors.ErrInvalidParameters.Explain("fee recipient required before setting a fee rate")
	}
	s.feeRate = rate
	s.mu.Unlock()

	s.emitEvent(ctx, models.EventFeeRateChanged, caller, feePayload{Rate: rate})
	return nil
}

func (s *Service) validateCreate(ctx context.Context, terms models.OrderTerms) error {
	if !s.whitelist.IsWhitelisted(ctx, terms.Creator) {
		return errors.ErrNotWhitelisted.Explain("%s is not whitelisted", terms.Creator.Hex())
	}
	if terms.Basket == (common.Address{}) {
		return errors.ErrInvalidParameters.Explain("basket address must not be zero")
	}
	if terms.BasketAmount.Sign() <= 0 {
		return errors.ErrInvalidParameters.Explain("basket amount must be positive")
	}
	if terms.BaseAmount.Sign() <= 0 {
		return errors.ErrInvalidParameters.Explain("base amount must be positive")
	}
	if terms.ExpiresAt <= s.now().Unix() {
		return errors.ErrInvalidParameters.Explain("expiry must be in the future")
	}
	return nil
}

// storeOrder assigns the next index and records the order. The digest stays
// reserved for the lifetime of the escrow, even after cancellation or fill:
// identity reuse is the creator's responsibility, by varying the nonce.
func (s *Service) storeOrder(terms models.OrderTerms) (uint64, common.Hash, error) {
	digest := OrderDigest(terms)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.digestToIndex[digest]; taken {
		return 0, common.Hash{}, errors.ErrOrderAlreadyExists.Explain("an order with identical terms exists, vary the nonce")
	}
	index := s.nextIndex
	s.nextIndex++
	s.digestToIndex[digest] = index
	s.orders[index] = &models.Order{
		Index:  index,
		Terms:  terms,
		Exists: true,
	}
	return index, digest, nil
}

// dropOrder removes an order whose escrow leg failed; the index is burned but
// the digest is freed because the order never took effect.
func (s *Service) dropOrder(index uint64, digest common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, index)
	delete(s.digestToIndex, digest)
}

// cancelOrder validates and applies the state transition to cancelled,
// before any refund leg runs. Only the creator can address an order for
// cancellation: the entry points bake the caller into the digest as Creator,
// so anyone else lands on a different digest and gets OrderNotFound.
func (s *Service) cancelOrder(terms models.OrderTerms) (*models.Order, error) {
	digest := OrderDigest(terms)
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.digestToIndex[digest]
	if !ok {
		return nil, errors.ErrOrderNotFound.Explain("no order matches the supplied terms")
	}
	order := s.orders[index]
	if order.Filled {
		return nil, errors.ErrOrderAlreadyFilled.Explain("order %d is already filled", index)
	}
	if !order.Exists {
		return nil, errors.ErrOrderNotFound.Explain("order %d is cancelled", index)
	}
	order.Exists = false
	return order, nil
}

// reopenOrder undoes a cancellation whose refund leg failed
func (s *Service) reopenOrder(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[index]; ok {
		order.Exists = true
	}
}

// markFilled validates and applies the state transition to filled, before
// any settlement leg runs, and snapshots the fee configuration the fill
// settles with. Expiry is checked here and only here: an order with
// expiresAt equal to the current time is already unfillable.
func (s *Service) markFilled(terms models.OrderTerms) (*models.Order, decimal.Decimal, common.Address, error) {
	digest := OrderDigest(terms)
	s.mu.Lock()
	defer s.mu.Unlock()
	index, ok := s.digestToIndex[digest]
	if !ok {
		return nil, decimal.Zero, common.Address{}, errors.ErrOrderNotFound.Explain("no order matches the supplied terms")
	}
	order := s.orders[index]
	if !order.Exists {
		return nil, decimal.Zero, common.Address{}, errors.ErrOrderNotFound.Explain("order %d is cancelled", index)
	}
	if order.Filled {
		return nil, decimal.Zero, common.Address{}, errors.ErrOrderAlreadyFilled.Explain("order %d is already filled", index)
	}
	if s.now().Unix() >= order.Terms.ExpiresAt {
		return nil, decimal.Zero, common.Address{}, errors.ErrOrderExpired.Explain("order %d expired", index)
	}
	order.Filled = true
	fee := decimal.Zero
	if s.feeRate.Sign() > 0 {
		fee = order.Terms.BaseAmount.Mul(s.feeRate)
	}
	return order, fee, s.feeRecipient, nil
}

// unmarkFilled undoes a fill whose settlement failed
func (s *Service) unmarkFilled(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[index]; ok {
		order.Filled = false
	}
}

func (s *Service) emitOrder(ctx context.Context, eventType string, index uint64, terms models.OrderTerms) {
	s.emitEvent(ctx, eventType, terms.Creator, orderPayload{Index: index, Terms: terms})
}

func (s *Service) emitFill(ctx context.Context, index uint64, terms models.OrderTerms, filler common.Address, fee decimal.Decimal) {
	s.emitEvent(ctx, models.EventOrderFilled, filler, orderPayload{
		Index:  index,
		Terms:  terms,
		Filler: filler.Hex(),
		Fee:    fee,
	})
}

func (s *Service) emitEvent(ctx context.Context, eventType string, actor common.Address, payload interface{}) {
	evt := &models.Event{
		Type:      eventType,
		Component: "escrow",
		Actor:     actor.Hex(),
		Payload:   journal.MarshalPayload(payload),
	}
	if err := s.journal.Emit(ctx, evt); err != nil {
		s.logger.Warn("event emit failed", zap.String("type", eventType), zap.Error(err))
	}
}

type orderPayload struct {
	Index  uint64            `json:"index"`
	Terms  models.OrderTerms `json:"terms"`
	Filler string            `json:"filler,omitempty"`
	Fee    decimal.Decimal   `json:"fee"`
}

type feePayload struct {
	Rate      decimal.Decimal `json:"rate,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
}
