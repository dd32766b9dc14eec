package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/krishiconnect/marketplace-backend/internal/listings"
	"github.com/krishiconnect/marketplace-backend/pkg/auth"
	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
	"github.com/krishiconnect/marketplace-backend/pkg/enums"
	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
	"github.com/krishiconnect/marketplace-backend/pkg/logger"
	"github.com/krishiconnect/marketplace-backend/pkg/outbox"
	"github.com/krishiconnect/marketplace-backend/pkg/outbox/payloads"
	"github.com/krishiconnect/marketplace-backend/pkg/pagination"
)

// DefaultManualRef is stored when a manual confirmation carries no reference.
const DefaultManualRef = "DEMO_REF"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// InventoryLedger is the subset of the stock ledger the order flows drive.
type InventoryLedger interface {
	Reserve(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, qty int) error
	Commit(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, qty int) error
	Release(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, qty int) error
}

// Service defines order-level operations.
type Service interface {
	Create(ctx context.Context, input CreateOrderInput) (*models.Order, error)
	Get(ctx context.Context, principal auth.Principal, orderID uuid.UUID) (*models.Order, error)
	ListForBuyer(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*OrderList, error)
	ListFarmerSales(ctx context.Context, farmerID uuid.UUID, params pagination.Params) (*OrderList, error)
	ConfirmManualPayment(ctx context.Context, principal auth.Principal, orderID uuid.UUID, ref string) (*models.Order, error)
	UpdateStatus(ctx context.Context, principal auth.Principal, orderID uuid.UUID, target string) (*models.Order, error)
	SettleTx(ctx context.Context, tx *gorm.DB, order *models.Order, payment *models.Payment, ref string, actor *outbox.ActorRef) error
	ListExpiredGatewayOrders(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	ExpireReservation(ctx context.Context, orderID uuid.UUID, reason string) (bool, error)
}

type service struct {
	repo     Repository
	listings listings.Repository
	ledger   InventoryLedger
	tx       txRunner
	outbox   outboxPublisher
	logg     *logger.Logger
	now      func() time.Time
}

// NewService builds an order service with the required dependencies.
func NewService(repo Repository, listingRepo listings.Repository, ledger InventoryLedger, tx txRunner, outbox outboxPublisher, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if listingRepo == nil {
		return nil, fmt.Errorf("listings repository required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("inventory ledger required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:     repo,
		listings: listingRepo,
		ledger:   ledger,
		tx:       tx,
		outbox:   outbox,
		logg:     logg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	if input.BuyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "buyer identity missing")
	}
	method, err := enums.ParsePaymentMethod(input.PaymentMethod)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidPaymentMethod, "payment method must be COD or GATEWAY").
			WithDetails(map[string]any{"payment_method": input.PaymentMethod})
	}
	address := strings.TrimSpace(input.DeliveryAddress)
	if address == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery address required")
	}
	lines, err := mergeItems(input.Items)
	if err != nil {
		return nil, err
	}
	listingIDs := make([]uuid.UUID, 0, len(lines))
	for _, line := range lines {
		listingIDs = append(listingIDs, line.ListingID)
	}

	var created *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		found, err := s.listings.WithTx(tx).FindActiveByIDs(ctx, listingIDs)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load listings")
		}
		if missing := listings.MissingIDs(listingIDs, found); len(missing) > 0 {
			return pkgerrors.New(pkgerrors.CodeListingUnavailable, "listing not found or inactive").
				WithDetails(map[string]any{"listing_ids": missing})
		}

		total := decimal.Zero
		items := make([]models.OrderItem, 0, len(lines))
		for _, line := range lines {
			listing := found[line.ListingID]
			available := 0
			if listing.Inventory != nil {
				available = listing.Inventory.Available
			}
			if available < line.Quantity {
				return pkgerrors.New(pkgerrors.CodeInsufficientStock, fmt.Sprintf("insufficient stock for %s", listing.Name)).
					WithDetails(map[string]any{
						"listing_id": listing.ID,
						"requested":  line.Quantity,
						"available":  available,
					})
			}
			item := models.OrderItem{
				ListingID: listing.ID,
				Quantity:  line.Quantity,
				UnitPrice: listing.Price,
			}
			total = total.Add(item.LineTotal())
			items = append(items, item)
		}

		order := &models.Order{
			BuyerID:         input.BuyerID,
			Status:          enums.OrderStatusPending,
			PaymentMethod:   method,
			TotalAmount:     total,
			DeliveryAddress: address,
			District:        trimmedOrNil(input.District),
			Municipality:    trimmedOrNil(input.Municipality),
		}
		repo := s.repo.WithTx(tx)
		if err := repo.CreateOrder(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		for i := range items {
			items[i].OrderID = order.ID
		}
		if err := repo.CreateOrderItems(ctx, items); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order items")
		}
		payment := &models.Payment{
			OrderID: order.ID,
			Method:  method,
			Status:  initialPaymentStatus(method),
		}
		if err := repo.CreatePayment(ctx, payment); err != nil {
			if pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
				return err
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment")
		}

		for _, item := range items {
			if err := s.ledger.Reserve(ctx, tx, item.ListingID, item.Quantity); err != nil {
				return err
			}
		}

		order.Items = items
		order.Payment = payment
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{UserID: input.BuyerID, Role: enums.RoleBuyer},
			Data:          orderCreatedEvent(order),
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit order created")
		}
		created = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithOrderID(ctx, created.ID.String())
	s.logg.Info(s.logg.WithFields(logCtx, map[string]any{
		"buyer_id":       created.BuyerID.String(),
		"payment_method": created.PaymentMethod,
		"total_amount":   created.TotalAmount.StringFixed(2),
		"items":          len(created.Items),
	}), "order created")
	return created, nil
}

func (s *service) Get(ctx context.Context, principal auth.Principal, orderID uuid.UUID) (*models.Order, error) {
	if principal.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	order, err := s.findOrder(ctx, s.repo, orderID)
	if err != nil {
		return nil, err
	}
	switch {
	case principal.Is(enums.RoleAdmin):
		return order, nil
	case order.BuyerID == principal.UserID:
		return order, nil
	case principal.Is(enums.RoleFarmer):
		owns, err := s.listings.FarmerOwnsAny(ctx, principal.UserID, order.ListingIDs())
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check listing ownership")
		}
		if owns {
			return order, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order not accessible")
}

func (s *service) ListForBuyer(ctx context.Context, buyerID uuid.UUID, params pagination.Params) (*OrderList, error) {
	if buyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "buyer identity missing")
	}
	if err := validateCursor(params); err != nil {
		return nil, err
	}
	rows, err := s.repo.ListByBuyer(ctx, buyerID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list buyer orders")
	}
	return buildList(rows, params.Limit, nil), nil
}

// ListFarmerSales lists orders containing the farmer's listings. Items of
// other farmers are left out of each order.
func (s *service) ListFarmerSales(ctx context.Context, farmerID uuid.UUID, params pagination.Params) (*OrderList, error) {
	if farmerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "farmer identity missing")
	}
	if err := validateCursor(params); err != nil {
		return nil, err
	}
	ids, err := s.listings.ListIDsByFarmer(ctx, farmerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load farmer listings")
	}
	if len(ids) == 0 {
		return &OrderList{Orders: []OrderDTO{}}, nil
	}
	rows, err := s.repo.ListByListings(ctx, ids, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list farmer sales")
	}
	visible := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		visible[id] = struct{}{}
	}
	return buildList(rows, params.Limit, visible), nil
}

func (s *service) ConfirmManualPayment(ctx context.Context, principal auth.Principal, orderID uuid.UUID, ref string) (*models.Order, error) {
	if principal.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = DefaultManualRef
	}

	var settled bool
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if order.BuyerID != principal.UserID && !principal.Is(enums.RoleAdmin) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer or an admin can confirm payment")
		}
		payment, err := repo.LockPaymentByOrder(ctx, order.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeInvariantViolation, "order has no payment record")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
		}
		if payment.Status.IsSuccess() {
			return nil
		}
		if order.Status == enums.OrderStatusCancelled {
			return pkgerrors.New(pkgerrors.CodeConflict, "order is cancelled")
		}
		settled = true
		return s.SettleTx(ctx, tx, order, payment, ref, &outbox.ActorRef{UserID: principal.UserID, Role: principal.Role})
	})
	if err != nil {
		return nil, err
	}
	if settled {
		s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, orderID.String()), map[string]any{
			"actor_id":    principal.UserID.String(),
			"payment_ref": ref,
		}), "manual payment confirmed")
	}
	return s.findOrder(ctx, s.repo, orderID)
}

// SettleTx marks payment successful and sells every reserved item of the
// order. The caller must hold the payment row lock and have loaded the
// order items. A PENDING order moves to PAID; later fulfillment states are
// kept as they are.
func (s *service) SettleTx(ctx context.Context, tx *gorm.DB, order *models.Order, payment *models.Payment, ref string, actor *outbox.ActorRef) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "transaction required for settlement")
	}
	if order == nil || payment == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "order and payment required for settlement")
	}
	if payment.Status.IsSuccess() {
		return nil
	}
	if order.Status == enums.OrderStatusCancelled {
		return pkgerrors.New(pkgerrors.CodeConflict, "order is cancelled")
	}
	repo := s.repo.WithTx(tx)
	now := s.now()
	if err := repo.UpdatePayment(ctx, payment.ID, map[string]any{
		"status":         enums.PaymentStatusSuccess,
		"ref":            ref,
		"paid_at":        now,
		"failure_reason": nil,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment")
	}
	payment.Status = enums.PaymentStatusSuccess
	payment.Ref = &ref
	payment.PaidAt = &now
	payment.FailureReason = nil

	if order.Status == enums.OrderStatusPending {
		if err := repo.UpdateOrderStatus(ctx, order.ID, enums.OrderStatusPaid); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		order.Status = enums.OrderStatusPaid
	}

	for _, item := range order.Items {
		if err := s.ledger.Commit(ctx, tx, item.ListingID, item.Quantity); err != nil {
			return err
		}
	}

	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderPaid,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         actor,
		Data: payloads.OrderPaidEvent{
			OrderID:       order.ID,
			BuyerID:       order.BuyerID,
			PaymentMethod: payment.Method,
			PaymentRef:    ref,
			TotalAmount:   order.TotalAmount,
			PaidAt:        now,
		},
	})
}

func (s *service) findOrder(ctx context.Context, repo Repository, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := repo.FindOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func (s *service) lockOrder(ctx context.Context, repo Repository, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := repo.LockOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

// mergeItems validates the requested lines, folds repeated listings into one
// line and sorts by listing id so concurrent orders lock rows in one order.
func mergeItems(items []ItemInput) ([]ItemInput, error) {
	if len(items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order must contain at least one item")
	}
	merged := make(map[uuid.UUID]int, len(items))
	for i, item := range items {
		if item.ListingID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "listing id required").
				WithDetails(map[string]any{"item": i})
		}
		if item.Quantity <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive").
				WithDetails(map[string]any{"item": i, "listing_id": item.ListingID})
		}
		merged[item.ListingID] += item.Quantity
	}
	out := make([]ItemInput, 0, len(merged))
	for id, qty := range merged {
		out = append(out, ItemInput{ListingID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ListingID.String() < out[j].ListingID.String()
	})
	return out, nil
}

func initialPaymentStatus(method enums.PaymentMethod) enums.PaymentStatus {
	if method == enums.PaymentMethodGateway {
		return enums.PaymentStatusInitiated
	}
	return enums.PaymentStatusPending
}

func orderCreatedEvent(order *models.Order) payloads.OrderCreatedEvent {
	lines := make([]payloads.OrderItemLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, payloads.OrderItemLine{
			ListingID: item.ListingID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return payloads.OrderCreatedEvent{
		OrderID:       order.ID,
		BuyerID:       order.BuyerID,
		PaymentMethod: order.PaymentMethod,
		TotalAmount:   order.TotalAmount,
		Items:         lines,
	}
}

func buildList(rows []models.Order, limit int, visible map[uuid.UUID]struct{}) *OrderList {
	rows, next := pagination.Trim(rows, limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})
	list := &OrderList{Orders: make([]OrderDTO, 0, len(rows)), NextCursor: next}
	for _, row := range rows {
		list.Orders = append(list.Orders, newOrderDTO(row, visible))
	}
	return list
}

func validateCursor(params pagination.Params) error {
	if _, err := pagination.ParseCursor(params.Cursor); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	return nil
}

func trimmedOrNil(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}
