package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/krishiconnect/marketplace-backend/pkg/auth"
	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
	"github.com/krishiconnect/marketplace-backend/pkg/enums"
	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
	"github.com/krishiconnect/marketplace-backend/pkg/outbox"
	"github.com/krishiconnect/marketplace-backend/pkg/outbox/payloads"
)

// Failure reasons recorded on payments when an order is cancelled.
const (
	ReasonCancelledByFarmer  = "order_cancelled"
	ReasonReservationExpired = "reservation_expired"
)

// farmerTransitions lists the statuses a farmer may move an order to.
// PENDING and PAID are set only by the system.
var farmerTransitions = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusPending:   {enums.OrderStatusConfirmed, enums.OrderStatusDelivered, enums.OrderStatusCancelled},
	enums.OrderStatusPaid:      {enums.OrderStatusConfirmed, enums.OrderStatusDelivered, enums.OrderStatusCancelled},
	enums.OrderStatusConfirmed: {enums.OrderStatusDelivered, enums.OrderStatusCancelled},
}

// CanTransition reports whether a farmer may move an order from one status to another.
func CanTransition(from, to enums.OrderStatus) bool {
	for _, candidate := range farmerTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func (s *service) UpdateStatus(ctx context.Context, principal auth.Principal, orderID uuid.UUID, target string) (*models.Order, error) {
	next, err := enums.ParseOrderStatus(target)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidStatus, "unknown order status").
			WithDetails(map[string]any{"status": target})
	}
	if principal.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	var from enums.OrderStatus
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if !principal.Is(enums.RoleFarmer) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "only farmers can update order status")
		}
		owns, err := s.listings.WithTx(tx).FarmerOwnsAny(ctx, principal.UserID, order.ListingIDs())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check listing ownership")
		}
		if !owns {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order contains none of your listings")
		}
		if order.Status.IsTerminal() || !CanTransition(order.Status, next) {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "status transition not allowed").
				WithDetails(map[string]any{"from": order.Status, "to": next})
		}

		from = order.Status
		actor := &outbox.ActorRef{UserID: principal.UserID, Role: principal.Role}
		if next == enums.OrderStatusCancelled {
			return s.cancelTx(ctx, tx, order, ReasonCancelledByFarmer, actor)
		}
		if err := repo.UpdateOrderStatus(ctx, order.ID, next); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		return s.emitStatusChanged(ctx, tx, order, from, next, "", actor)
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, orderID.String()), map[string]any{
		"from":     from,
		"to":       next,
		"actor_id": principal.UserID.String(),
	}), "order status updated")
	return s.findOrder(ctx, s.repo, orderID)
}

func (s *service) ListExpiredGatewayOrders(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.repo.FindExpiredGatewayOrders(ctx, cutoff, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expired gateway orders")
	}
	return ids, nil
}

// ExpireReservation cancels a pending gateway order whose payment never
// settled and returns its stock. It reports false when the order no longer
// qualifies, for example because the payment landed in the meantime.
func (s *service) ExpireReservation(ctx context.Context, orderID uuid.UUID, reason string) (bool, error) {
	if reason == "" {
		reason = ReasonReservationExpired
	}
	var expired bool
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if order.Status != enums.OrderStatusPending || order.PaymentMethod != enums.PaymentMethodGateway {
			return nil
		}
		if order.Payment != nil && order.Payment.Status.IsSuccess() {
			return nil
		}
		expired = true
		return s.cancelTx(ctx, tx, order, reason, nil)
	})
	if err != nil {
		return false, err
	}
	if expired {
		s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, orderID.String()), map[string]any{
			"reason": reason,
		}), "order reservation expired")
	}
	return expired, nil
}

// cancelTx moves a locked order to CANCELLED. Unless the payment already
// succeeded, every item's reservation is released and an open payment is
// marked failed with reason.
func (s *service) cancelTx(ctx context.Context, tx *gorm.DB, order *models.Order, reason string, actor *outbox.ActorRef) error {
	repo := s.repo.WithTx(tx)
	from := order.Status

	payment, err := repo.LockPaymentByOrder(ctx, order.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
		}
		payment = nil
	}

	if payment == nil || !payment.Status.IsSuccess() {
		for _, item := range order.Items {
			if err := s.ledger.Release(ctx, tx, item.ListingID, item.Quantity); err != nil {
				return err
			}
		}
		if payment != nil && payment.Status != enums.PaymentStatusFailed {
			if err := repo.UpdatePayment(ctx, payment.ID, map[string]any{
				"status":         enums.PaymentStatusFailed,
				"failure_reason": reason,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fail payment")
			}
		}
	}

	if err := repo.UpdateOrderStatus(ctx, order.ID, enums.OrderStatusCancelled); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel order")
	}
	order.Status = enums.OrderStatusCancelled
	return s.emitStatusChanged(ctx, tx, order, from, enums.OrderStatusCancelled, reason, actor)
}

func (s *service) emitStatusChanged(ctx context.Context, tx *gorm.DB, order *models.Order, from, to enums.OrderStatus, reason string, actor *outbox.ActorRef) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderStatusChanged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         actor,
		Data: payloads.OrderStatusChangedEvent{
			OrderID:    order.ID,
			BuyerID:    order.BuyerID,
			FromStatus: from,
			ToStatus:   to,
			Reason:     reason,
			ChangedAt:  s.now(),
		},
	})
}
