package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finbask/finbask/internal/journal"
	"github.com/finbask/finbask/internal/token"
	"github.com/finbask/finbask/internal/whitelist"
	"github.com/finbask/finbask/pkg/errors"
	"github.com/finbask/finbask/pkg/models"
)

var (
	escrowAddr  = common.HexToAddress("0x000000000000000000000000000000000000E5C0")
	adminAddr   = common.HexToAddress("0x0000000000000000000000000000000000000ADD")
	feeSink     = common.HexToAddress("0x00000000000000000000000000000000000000FE")
	holderA     = common.HexToAddress("0x0000000000000000000000000000000000000A01")
	marketMaker = common.HexToAddress("0x0000000000000000000000000000000000000B02")
	basketAddr  = common.HexToAddress("0x000000000000000000000000000000000000C0DE")
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// basketAdapter exposes a plain token ledger through the BasketToken surface.
type basketAdapter struct {
	l *token.Ledger
}

func (b basketAdapter) Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error {
	return b.l.Transfer(from, to, amount)
}

func (b basketAdapter) TransferFrom(ctx context.Context, spender, from, to common.Address, amount decimal.Decimal) error {
	return b.l.TransferFrom(spender, from, to, amount)
}

type fixture struct {
	svc    *Service
	native *token.Ledger
	basket *token.Ledger
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		native: token.NewLedger("NATIVE"),
		basket: token.NewLedger("AB"),
		now:    time.Unix(1_700_000_000, 0),
	}
	for _, acct := range []common.Address{holderA, marketMaker} {
		require.NoError(t, f.native.Mint(acct, dec("1000")))
		require.NoError(t, f.basket.Mint(acct, dec("100")))
		require.NoError(t, f.basket.Approve(acct, escrowAddr, dec("100")))
	}
	f.svc = NewService(
		zap.NewNop(), escrowAddr, adminAddr,
		f.native,
		StaticBaskets{basketAddr: basketAdapter{f.basket}},
		whitelist.AllowAll{}, journal.Nop{},
	)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) expiry(d time.Duration) int64 {
	return f.now.Add(d).Unix()
}

func TestCreateBuyOrderEscrowsValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	index, err := f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.expiry(time.Hour), 1, dec("5"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), index)
	assert.True(t, f.native.BalanceOf(escrowAddr).Equal(dec("5")))
	assert.True(t, f.native.BalanceOf(holderA).Equal(dec("995")))

	details := f.svc.GetOrderDetails(index)
	assert.Equal(t, holderA, details.Creator)
	assert.Equal(t, common.Address{}, details.CounterAsset)
	assert.True(t, details.BaseAmount.Equal(dec("5")))
	assert.True(t, details.BasketAmount.Equal(dec("2")))
	assert.True(t, details.Exists)
	assert.False(t, details.Filled)

	// indexes are sequential and never reused
	index2, err := f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.expiry(time.Hour), 2, dec("5"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), index2)
}

func TestDuplicateOrderDigestRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.expiry(time.Hour), 7, dec("5"))
	require.NoError(t, err)

	_, err = f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.expiry(time.Hour), 7, dec("5"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOrderAlreadyExists))

	// varying only the nonce produces a distinct identity
	_, err = f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.expiry(time.Hour), 8, dec("5"))
	require.NoError(t, err)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateBuyOrder(ctx, holderA, basketAddr, decimal.Zero, f.expiry(time.Hour), 1, dec("5"))
	assert.True(t, errors.Is(err, errors.ErrInvalidParameters))

	_, err = f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.expiry(time.Hour), 1, decimal.Zero)
	assert.True(t, errors.Is(err, errors.ErrInvalidParameters))

	// expiry at or before the current time is rejected at creation
	_, err = f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.now.Unix(), 1, dec("5"))
	assert.True(t, errors.Is(err, errors.ErrInvalidParameters))

	_, err = f.svc.CreateSellOrder(ctx, holderA, common.Address{}, dec("2"), dec("5"), f.expiry(time.Hour), 1)
	assert.True(t, errors.Is(err, errors.ErrInvalidParameters))
}

func TestCreateRequiresWhitelist(t *testing.T) {
	f := newFixture(t)
	wl := whitelist.NewStatic(marketMaker)
	f.svc.whitelist = wl

	_, err := f.svc.CreateBuyOrder(context.Background(), holderA, basketAddr, dec("2"), f.expiry(time.Hour), 1, dec("5"))
	assert.True(t, errors.Is(err, errors.ErrNotWhitelisted))
}

func TestCreateSellOrderPullsBasket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	index, err := f.svc.CreateSellOrder(ctx, holderA, basketAddr, dec("3"), dec("9"), f.expiry(time.Hour), 1)
	require.NoError(t, err)
	assert.True(t, f.basket.BalanceOf(escrowAddr).Equal(dec("3")))
	assert.True(t, f.basket.BalanceOf(holderA).Equal(dec("97")))

	details := f.svc.GetOrderDetails(index)
	assert.True(t, details.BaseAmount.Equal(dec("9")))
}

func TestCreateSellOrderWithoutAllowanceLeavesNoOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.basket.Approve(holderA, escrowAddr, decimal.Zero))

	_, err := f.svc.CreateSellOrder(ctx, holderA, basketAddr, dec("3"), dec("9"), f.expiry(time.Hour), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientAllowance))

	// the failed order never existed: identical terms can be resubmitted
	require.NoError(t, f.basket.Approve(holderA, escrowAddr, dec("100")))
	index, err := f.svc.CreateSellOrder(ctx, holderA, basketAddr, dec("3"), dec("9"), f.expiry(time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), index, "the burned index is not reused")
}

func TestFillBuyOrderSettlesAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.expiry(time.Hour), 42, dec("5"))
	require.NoError(t, err)

	require.NoError(t, f.svc.FillBuyOrder(ctx, marketMaker, holderA, basketAddr, dec("2"), dec("5"), f.expiry(time.Hour), 42))

	assert.True(t, f.basket.BalanceOf(marketMaker).Equal(dec("98")))
	assert.True(t, f.basket.BalanceOf(holderA).Equal(dec("102")))
	assert.True(t, f.native.BalanceOf(escrowAddr).IsZero())
	assert.True(t, f.native.BalanceOf(marketMaker).Equal(dec("1005")))

	details := f.svc.GetOrderDetails(1)
	assert.True(t, details.Filled)

	// a second fill with identical parameters must fail
	err = f.svc.FillBuyOrder(ctx, marketMaker, holderA, basketAddr, dec("2"), dec("5"), f.expiry(time.Hour), 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOrderAlreadyFilled))
}

func TestFillSellOrderSettlesAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSellOrder(ctx, holderA, basketAddr, dec("4"), dec("10"), f.expiry(time.Hour), 3)
	require.NoError(t, err)

	require.NoError(t, f.svc.FillSellOrder(ctx, marketMaker, holderA, basketAddr, dec("4"), f.expiry(time.Hour), 3, dec("10")))

	assert.True(t, f.basket.BalanceOf(marketMaker).Equal(dec("104")))
	assert.True(t, f.native.BalanceOf(holderA).Equal(dec("1010")))
	assert.True(t, f.native.BalanceOf(marketMaker).Equal(dec("990")))
	assert.True(t, f.basket.BalanceOf(escrowAddr).IsZero())
}

func TestFillSellOrderValueMismatchIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSellOrder(ctx, holderA, basketAddr, dec("4"), dec("10"), f.expiry(time.Hour), 3)
	require.NoError(t, err)

	// the attached value participates in the digest, so a wrong value cannot
	// address the order
	err = f.svc.FillSellOrder(ctx, marketMaker, holderA, basketAddr, dec("4"), f.expiry(time.Hour), 3, dec("9"))
	assert.True(t, errors.Is(err, errors.ErrOrderNotFound))
}

func TestCancelBuyOrderRefundsExactly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.native.BalanceOf(holderA)
	_, err := f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.expiry(time.Hour), 9, dec("5"))
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelBuyOrder(ctx, holderA, basketAddr, dec("2"), dec("5"), f.expiry(time.Hour), 9))

	assert.True(t, f.native.BalanceOf(holderA).Equal(before))
	assert.True(t, f.native.BalanceOf(escrowAddr).IsZero())
	assert.False(t, f.svc.GetOrderDetails(1).Exists)

	err = f.svc.FillBuyOrder(ctx, marketMaker, holderA, basketAddr, dec("2"), dec("5"), f.expiry(time.Hour), 9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOrderNotFound))
}

func TestCancelSellOrderRefundsBasket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSellOrder(ctx, holderA, basketAddr, dec("3"), dec("9"), f.expiry(time.Hour), 4)
	require.NoError(t, err)
	require.NoError(t, f.svc.CancelSellOrder(ctx, holderA, basketAddr, dec("3"), dec("9"), f.expiry(time.Hour), 4))

	assert.True(t, f.basket.BalanceOf(holderA).Equal(dec("100")))
	assert.True(t, f.basket.BalanceOf(escrowAddr).IsZero())
}

func TestCancelByNonCreatorDoesNotMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.expiry(time.Hour), 9, dec("5"))
	require.NoError(t, err)

	// the creator participates in the digest, so another caller cannot
	// address the order for cancellation
	err = f.svc.CancelBuyOrder(ctx, marketMaker, basketAddr, dec("2"), dec("5"), f.expiry(time.Hour), 9)
	assert.True(t, errors.Is(err, errors.ErrOrderNotFound))
	assert.True(t, f.svc.GetOrderDetails(1).Exists)
}

func TestExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expiresAt := f.expiry(time.Hour)
	_, err := f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), expiresAt, 5, dec("5"))
	require.NoError(t, err)

	// advance the clock to exactly the expiry: the order is unfillable
	f.now = time.Unix(expiresAt, 0)
	err = f.svc.FillBuyOrder(ctx, marketMaker, holderA, basketAddr, dec("2"), dec("5"), expiresAt, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOrderExpired))

	// cancellation is allowed after expiry
	require.NoError(t, f.svc.CancelBuyOrder(ctx, holderA, basketAddr, dec("2"), dec("5"), expiresAt, 5))
}

func TestTransactionFeeSplitsBaseAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ChangeTransactionFeeRecipient(ctx, adminAddr, feeSink))
	require.NoError(t, f.svc.ChangeTransactionFee(ctx, adminAddr, dec("0.1")))

	_, err := f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.expiry(time.Hour), 6, dec("5"))
	require.NoError(t, err)
	require.NoError(t, f.svc.FillBuyOrder(ctx, marketMaker, holderA, basketAddr, dec("2"), dec("5"), f.expiry(time.Hour), 6))

	// fee plus counterparty payout sums exactly to the escrowed amount
	assert.True(t, f.native.BalanceOf(feeSink).Equal(dec("0.5")))
	assert.True(t, f.native.BalanceOf(marketMaker).Equal(dec("1004.5")))
	assert.True(t, f.native.BalanceOf(escrowAddr).IsZero())
}

func TestFeeAdministration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.ChangeTransactionFee(ctx, holderA, dec("0.1"))
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	err = f.svc.ChangeTransactionFee(ctx, adminAddr, dec("1"))
	assert.True(t, errors.Is(err, errors.ErrInvalidParameters))

	err = f.svc.ChangeTransactionFeeRecipient(ctx, adminAddr, common.Address{})
	assert.True(t, errors.Is(err, errors.ErrInvalidParameters))
}

type capturingJournal struct {
	events []*models.Event
}

func (c *capturingJournal) Emit(ctx context.Context, evt *models.Event) error {
	c.events = append(c.events, evt)
	return nil
}

func TestFeeAdministrationEmitsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cj := &capturingJournal{}
	f.svc.journal = cj

	require.NoError(t, f.svc.ChangeTransactionFeeRecipient(ctx, adminAddr, feeSink))
	require.NoError(t, f.svc.ChangeTransactionFee(ctx, adminAddr, dec("0.05")))

	require.Len(t, cj.events, 2)
	assert.Equal(t, models.EventFeeRecipientChanged, cj.events[0].Type)
	assert.Equal(t, models.EventFeeRateChanged, cj.events[1].Type)
	for _, evt := range cj.events {
		assert.Equal(t, "escrow", evt.Component)
		assert.Equal(t, adminAddr.Hex(), evt.Actor)
	}
}

func TestGetOrderDetailsUnknownIndex(t *testing.T) {
	f := newFixture(t)
	details := f.svc.GetOrderDetails(99)
	assert.Equal(t, common.Address{}, details.Creator)
	assert.False(t, details.Exists)
	assert.False(t, details.Filled)
	assert.True(t, details.BaseAmount.IsZero())
}

// failingBasket fails Transfers to one address, simulating a basket token
// that cannot deliver to the creator mid-fill. Compensating transfers back
// to the filler are unaffected.
type failingBasket struct {
	basketAdapter
	failTo common.Address
}

func (b *failingBasket) Transfer(ctx context.Context, from, to common.Address, amount decimal.Decimal) error {
	if to == b.failTo {
		return errors.New("token transfer unavailable")
	}
	return b.basketAdapter.Transfer(ctx, from, to, amount)
}

func TestFillRollsBackOnFailedLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fb := &failingBasket{basketAdapter: basketAdapter{f.basket}}
	f.svc.baskets = StaticBaskets{basketAddr: fb}

	_, err := f.svc.CreateBuyOrder(ctx, holderA, basketAddr, dec("2"), f.expiry(time.Hour), 11, dec("5"))
	require.NoError(t, err)

	nativeBefore := f.native.BalanceOf(escrowAddr)
	fb.failTo = holderA
	err = f.svc.FillBuyOrder(ctx, marketMaker, holderA, basketAddr, dec("2"), dec("5"), f.expiry(time.Hour), 11)
	require.Error(t, err)

	// everything is back where it was: the pulled basket leg was compensated
	// and the order is open again
	assert.True(t, f.basket.BalanceOf(marketMaker).Equal(dec("100")))
	assert.True(t, f.basket.BalanceOf(escrowAddr).IsZero())
	assert.True(t, f.native.BalanceOf(escrowAddr).Equal(nativeBefore))
	details := f.svc.GetOrderDetails(1)
	assert.True(t, details.Exists)
	assert.False(t, details.Filled)

	// and the order can still be filled once the token recovers
	fb.failTo = common.Address{}
	require.NoError(t, f.svc.FillBuyOrder(ctx, marketMaker, holderA, basketAddr, dec("2"), dec("5"), f.expiry(time.Hour), 11))
}
