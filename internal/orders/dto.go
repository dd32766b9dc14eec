package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
	"github.com/krishiconnect/marketplace-backend/pkg/enums"
)

// ItemInput is one requested line of a new order.
type ItemInput struct {
	ListingID uuid.UUID
	Quantity  int
}

// CreateOrderInput carries everything needed to place an order.
type CreateOrderInput struct {
	BuyerID         uuid.UUID
	Items           []ItemInput
	PaymentMethod   string
	DeliveryAddress string
	District        *string
	Municipality    *string
}

// OrderItemDTO is the API shape of an order item.
type OrderItemDTO struct {
	ID        uuid.UUID       `json:"id"`
	ListingID uuid.UUID       `json:"listing_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// PaymentDTO is the API shape of the order payment.
type PaymentDTO struct {
	ID            uuid.UUID           `json:"id"`
	Method        enums.PaymentMethod `json:"method"`
	Status        enums.PaymentStatus `json:"status"`
	Ref           *string             `json:"ref,omitempty"`
	FailureReason *string             `json:"failure_reason,omitempty"`
	PaidAt        *time.Time          `json:"paid_at,omitempty"`
}

// OrderDTO is the API shape of an order.
type OrderDTO struct {
	ID              uuid.UUID           `json:"id"`
	BuyerID         uuid.UUID           `json:"buyer_id"`
	Status          enums.OrderStatus   `json:"status"`
	PaymentMethod   enums.PaymentMethod `json:"payment_method"`
	TotalAmount     decimal.Decimal     `json:"total_amount"`
	DeliveryAddress string              `json:"delivery_address"`
	District        *string             `json:"district,omitempty"`
	Municipality    *string             `json:"municipality,omitempty"`
	Items           []OrderItemDTO      `json:"items"`
	Payment         *PaymentDTO         `json:"payment,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// OrderList wraps one page of orders plus the next page cursor.
type OrderList struct {
	Orders     []OrderDTO `json:"orders"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// NewOrderDTO maps an order with its items and payment loaded.
func NewOrderDTO(order models.Order) OrderDTO {
	return newOrderDTO(order, nil)
}

// newOrderDTO keeps only items whose listing is in visible when it is set.
func newOrderDTO(order models.Order, visible map[uuid.UUID]struct{}) OrderDTO {
	dto := OrderDTO{
		ID:              order.ID,
		BuyerID:         order.BuyerID,
		Status:          order.Status,
		PaymentMethod:   order.PaymentMethod,
		TotalAmount:     order.TotalAmount,
		DeliveryAddress: order.DeliveryAddress,
		District:        order.District,
		Municipality:    order.Municipality,
		Items:           make([]OrderItemDTO, 0, len(order.Items)),
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
	for _, item := range order.Items {
		if visible != nil {
			if _, ok := visible[item.ListingID]; !ok {
				continue
			}
		}
		dto.Items = append(dto.Items, OrderItemDTO{
			ID:        item.ID,
			ListingID: item.ListingID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal(),
		})
	}
	if p := order.Payment; p != nil {
		dto.Payment = &PaymentDTO{
			ID:            p.ID,
			Method:        p.Method,
			Status:        p.Status,
			Ref:           p.Ref,
			FailureReason: p.FailureReason,
			PaidAt:        p.PaidAt,
		}
	}
	return dto
}
