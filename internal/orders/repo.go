package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/krishiconnect/marketplace-backend/pkg/db"
	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
	"github.com/krishiconnect/marketplace-backend/pkg/enums"
	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
	"github.com/krishiconnect/marketplace-backend/pkg/pagination"
)

const paymentsOrderUnique = "ux_payments_order_id"

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateOrder(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Omit("Items", "Payment").Create(order).Error
}

func (r *repository) CreateOrderItems(ctx context.Context, items []models.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

// CreatePayment inserts the single payment row of an order. A second row for
// the same order is reported as a conflict.
func (r *repository) CreatePayment(ctx context.Context, payment *models.Payment) error {
	err := r.db.WithContext(ctx).Create(payment).Error
	if isDuplicatePayment(err) {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "order already has a payment").
			WithDetails(map[string]any{"order_id": payment.OrderID.String()})
	}
	return err
}

// sqlite reports the column rather than the index name.
func isDuplicatePayment(err error) bool {
	return db.IsUniqueViolation(err, paymentsOrderUnique) || db.IsUniqueViolation(err, "payments.order_id")
}

func (r *repository) FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return r.loadOrder(r.db.WithContext(ctx), orderID)
}

// LockOrder loads the order with a row lock held until the transaction ends.
func (r *repository) LockOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return r.loadOrder(db.ForUpdate(r.db.WithContext(ctx)), orderID)
}

func (r *repository) loadOrder(q *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := q.Preload("Items", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("created_at ASC").Order("id ASC")
	}).
		Preload("Payment").
		Where("id = ?", orderID).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) LockPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := db.ForUpdate(r.db.WithContext(ctx)).
		Where("order_id = ?", orderID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) ListByBuyer(ctx context.Context, buyerID uuid.UUID, params pagination.Params) ([]models.Order, error) {
	q, err := pagination.NewestFirst(r.db.WithContext(ctx).Where("buyer_id = ?", buyerID), params)
	if err != nil {
		return nil, err
	}
	return r.findPage(q)
}

// ListByListings returns orders containing at least one of listingIDs.
func (r *repository) ListByListings(ctx context.Context, listingIDs []uuid.UUID, params pagination.Params) ([]models.Order, error) {
	if len(listingIDs) == 0 {
		return nil, nil
	}
	sub := r.db.Model(&models.OrderItem{}).Select("order_id").Where("listing_id IN ?", listingIDs)
	q, err := pagination.NewestFirst(r.db.WithContext(ctx).Where("id IN (?)", sub), params)
	if err != nil {
		return nil, err
	}
	return r.findPage(q)
}

func (r *repository) findPage(q *gorm.DB) ([]models.Order, error) {
	var orders []models.Order
	err := q.Preload("Items").Preload("Payment").Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// FindExpiredGatewayOrders returns pending gateway orders created before
// cutoff whose payment has not succeeded, oldest first.
func (r *repository) FindExpiredGatewayOrders(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("status = ?", enums.OrderStatusPending).
		Where("payment_method = ?", enums.PaymentMethodGateway).
		Where("created_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM payments p WHERE p.order_id = orders.id AND p.status = ?)", enums.PaymentStatusSuccess).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repository) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status enums.OrderStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *repository) UpdatePayment(ctx context.Context, paymentID uuid.UUID, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ?", paymentID).
		Updates(updates).Error
}
