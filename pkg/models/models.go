package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AssetWeight describes one underlying asset of a basket: the token and the
// quantity of it backing a single bundled unit.
type AssetWeight struct {
	Token  common.Address  `json:"token" validate:"required"`
	Weight decimal.Decimal `json:"weight" validate:"required"`
}

// BasketConfig holds the immutable parameters a custody ledger is created
// with. FeeRecipient and FeeRate are the initial values; the arranger may
// change them later through the ledger itself.
type BasketConfig struct {
	Name             string          `json:"name" validate:"required,max=64"`
	Symbol           string          `json:"symbol" validate:"required,max=16"`
	Assets           []AssetWeight   `json:"assets" validate:"required,min=1,dive"`
	Arranger         common.Address  `json:"arranger" validate:"required"`
	FeeRecipient     common.Address  `json:"fee_recipient"`
	FeeRate          decimal.Decimal `json:"fee_rate"`
	WhitelistEnabled bool            `json:"whitelist_enabled"`
}

// Order kinds
const (
	OrderKindBuy  = "BUY"
	OrderKindSell = "SELL"
)

// OrderTerms is the full parameter tuple that identifies an order. The escrow
// reconstructs an order's digest from exactly these fields, in this order;
// any party holding the tuple can locate the order.
type OrderTerms struct {
	Kind         string          `json:"kind" validate:"required,oneof=BUY SELL"`
	Creator      common.Address  `json:"creator" validate:"required"`
	Basket       common.Address  `json:"basket" validate:"required"`
	BasketAmount decimal.Decimal `json:"basket_amount" validate:"required"`
	BaseAmount   decimal.Decimal `json:"base_amount" validate:"required"`
	ExpiresAt    int64           `json:"expires_at" validate:"required,gt=0"`
	Nonce        uint64          `json:"nonce"`
}

// Order is an escrow order record. Index is the sequential read-only handle;
// the digest over Terms is the canonical key.
type Order struct {
	Index  uint64     `json:"index"`
	Terms  OrderTerms `json:"terms"`
	Exists bool       `json:"exists"`
	Filled bool       `json:"filled"`
}

// OrderDetails is the read-model returned by GetOrderDetails. CounterAsset is
// the zero address when the counter leg is the native base asset.
type OrderDetails struct {
	Creator      common.Address  `json:"creator"`
	CounterAsset common.Address  `json:"counter_asset"`
	BaseAmount   decimal.Decimal `json:"base_amount"`
	Basket       common.Address  `json:"basket"`
	BasketAmount decimal.Decimal `json:"basket_amount"`
	ExpiresAt    int64           `json:"expires_at"`
	Nonce        uint64          `json:"nonce"`
	Exists       bool            `json:"exists"`
	Filled       bool            `json:"filled"`
}

// Event types emitted by the custody ledger
const (
	EventBundled             = "BUNDLED"
	EventDebundled           = "DEBUNDLED"
	EventBurned              = "BURNED"
	EventWithdrawn           = "WITHDRAWN"
	EventTransferred         = "TRANSFERRED"
	EventApproved            = "APPROVED"
	EventFeeRateChanged      = "FEE_RATE_CHANGED"
	EventFeeRecipientChanged = "FEE_RECIPIENT_CHANGED"
)

// Event types emitted by the order escrow
const (
	EventOrderCreated   = "ORDER_CREATED"
	EventOrderCancelled = "ORDER_CANCELLED"
	EventOrderFilled    = "ORDER_FILLED"
)

// Event is a state-change record appended to the journal. Payload carries the
// event-specific fields (full order term tuple for order events, holder and
// amounts for ledger events) so off-chain state can be reconstructed.
type Event struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Type      string    `json:"type" gorm:"index"`
	Component string    `json:"component" gorm:"index"`
	Actor     string    `json:"actor" gorm:"index"`
	Payload   string    `json:"payload" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}
