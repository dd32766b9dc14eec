package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
	"github.com/krishiconnect/marketplace-backend/pkg/enums"
	"github.com/krishiconnect/marketplace-backend/pkg/pagination"
)

// Repository defines persistence operations for orders, items and payments.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItems(ctx context.Context, items []models.OrderItem) error
	CreatePayment(ctx context.Context, payment *models.Payment) error
	FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	LockPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error)
	ListByBuyer(ctx context.Context, buyerID uuid.UUID, params pagination.Params) ([]models.Order, error)
	ListByListings(ctx context.Context, listingIDs []uuid.UUID, params pagination.Params) ([]models.Order, error)
	FindExpiredGatewayOrders(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status enums.OrderStatus) error
	UpdatePayment(ctx context.Context, paymentID uuid.UUID, updates map[string]any) error
}
