package payloads

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/krishiconnect/marketplace-backend/pkg/enums"
)

// OrderItemLine is the item snapshot carried by order.created.
type OrderItemLine struct {
	ListingID uuid.UUID       `json:"listing_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderCreatedEvent is emitted once the order, its items, its payment and the
// stock reservations commit together.
type OrderCreatedEvent struct {
	OrderID       uuid.UUID           `json:"order_id"`
	BuyerID       uuid.UUID           `json:"buyer_id"`
	PaymentMethod enums.PaymentMethod `json:"payment_method"`
	TotalAmount   decimal.Decimal     `json:"total_amount"`
	Items         []OrderItemLine     `json:"items"`
}

// OrderPaidEvent is emitted when a payment settles and reserved stock is sold.
type OrderPaidEvent struct {
	OrderID       uuid.UUID           `json:"order_id"`
	BuyerID       uuid.UUID           `json:"buyer_id"`
	PaymentMethod enums.PaymentMethod `json:"payment_method"`
	PaymentRef    string              `json:"payment_ref"`
	TotalAmount   decimal.Decimal     `json:"total_amount"`
	PaidAt        time.Time           `json:"paid_at"`
}

// OrderStatusChangedEvent reports every fulfillment transition, including
// cancellations raised by the reservation expiry job.
type OrderStatusChangedEvent struct {
	OrderID    uuid.UUID         `json:"order_id"`
	BuyerID    uuid.UUID         `json:"buyer_id"`
	FromStatus enums.OrderStatus `json:"from_status"`
	ToStatus   enums.OrderStatus `json:"to_status"`
	Reason     string            `json:"reason,omitempty"`
	ChangedAt  time.Time         `json:"changed_at"`
}
