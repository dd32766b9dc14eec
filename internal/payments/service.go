package payments

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/krishiconnect/marketplace-backend/internal/orders"
	"github.com/krishiconnect/marketplace-backend/pkg/auth"
	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
	"github.com/krishiconnect/marketplace-backend/pkg/enums"
	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
	"github.com/krishiconnect/marketplace-backend/pkg/esewa"
	"github.com/krishiconnect/marketplace-backend/pkg/logger"
	"github.com/krishiconnect/marketplace-backend/pkg/metrics"
	"github.com/krishiconnect/marketplace-backend/pkg/outbox"
	"github.com/krishiconnect/marketplace-backend/pkg/redis"
)

const (
	defaultGuardTTL      = time.Minute
	failureStatusCheck   = "status_check_unavailable"
	callbackSuccessRoute = "/api/payments/esewa/success"
	callbackFailureRoute = "/api/payments/esewa/failure"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type settler interface {
	SettleTx(ctx context.Context, tx *gorm.DB, order *models.Order, payment *models.Payment, ref string, actor *outbox.ActorRef) error
}

type signer interface {
	ProductCode() string
	BuildOutboundRequest(params esewa.OutboundParams) (*esewa.OutboundRequest, error)
	Verify(cb *esewa.Callback) error
}

type statusChecker interface {
	Check(ctx context.Context, q esewa.StatusQuery) (*esewa.StatusResponse, error)
}

// Service reconciles gateway payments with orders and stock.
type Service interface {
	Initiate(ctx context.Context, principal auth.Principal, orderID uuid.UUID) (*InitiateResult, error)
	HandleSuccess(ctx context.Context, orderID uuid.UUID, data string) Outcome
	HandleFailure(ctx context.Context, orderID uuid.UUID) Outcome
}

// InitiateResult is the signed form the browser posts to the gateway.
type InitiateResult struct {
	FormURL   string           `json:"formUrl"`
	Fields    esewa.FormFields `json:"fields"`
	PaymentID uuid.UUID        `json:"paymentId"`
	OrderID   uuid.UUID        `json:"orderId"`
}

// ServiceParams wires the payment service.
type ServiceParams struct {
	Repo       orders.Repository
	Settler    settler
	Signer     signer
	Status     statusChecker
	Guard      redis.CallbackGuard
	Tx         txRunner
	Metrics    *metrics.PaymentMetrics
	Logger     *logger.Logger
	BackendURL string
	GuardTTL   time.Duration
}

type service struct {
	repo       orders.Repository
	settler    settler
	signer     signer
	status     statusChecker
	guard      redis.CallbackGuard
	tx         txRunner
	metrics    *metrics.PaymentMetrics
	logg       *logger.Logger
	backendURL string
	guardTTL   time.Duration
	now        func() time.Time
}

// NewService validates params and builds the payment service. Guard and
// Metrics are optional.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Settler == nil {
		return nil, fmt.Errorf("settler required")
	}
	if params.Signer == nil {
		return nil, fmt.Errorf("gateway signer required")
	}
	if params.Status == nil {
		return nil, fmt.Errorf("gateway status client required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	backend := strings.TrimRight(strings.TrimSpace(params.BackendURL), "/")
	if backend == "" {
		return nil, fmt.Errorf("backend url required")
	}
	ttl := params.GuardTTL
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	return &service{
		repo:       params.Repo,
		settler:    params.Settler,
		signer:     params.Signer,
		status:     params.Status,
		guard:      params.Guard,
		tx:         params.Tx,
		metrics:    params.Metrics,
		logg:       params.Logger,
		backendURL: backend,
		guardTTL:   ttl,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Initiate(ctx context.Context, principal auth.Principal, orderID uuid.UUID) (*InitiateResult, error) {
	if principal.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	var (
		order   *models.Order
		payment *models.Payment
	)
	transactionUUID := fmt.Sprintf("ORD-%s-%d", orderID, s.now().UnixMilli())
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		order, payment, err = s.lockOrderAndPayment(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if order.BuyerID != principal.UserID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "not your order")
		}
		if order.PaymentMethod != enums.PaymentMethodGateway {
			return pkgerrors.New(pkgerrors.CodeInvalidPaymentMethod, "order is not a gateway payment").
				WithDetails(map[string]any{"payment_method": order.PaymentMethod})
		}
		if order.Status == enums.OrderStatusPaid || payment.Status.IsSuccess() {
			return pkgerrors.New(pkgerrors.CodeConflict, "order already paid")
		}
		if order.Status == enums.OrderStatusCancelled {
			return pkgerrors.New(pkgerrors.CodeConflict, "order is cancelled")
		}
		if err := repo.UpdatePayment(ctx, payment.ID, map[string]any{
			"status":           enums.PaymentStatusInitiated,
			"ref":              transactionUUID,
			"transaction_uuid": transactionUUID,
			"failure_reason":   nil,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	form, err := s.signer.BuildOutboundRequest(esewa.OutboundParams{
		Amount:          order.TotalAmount,
		TransactionUUID: transactionUUID,
		SuccessURL:      s.callbackURL(callbackSuccessRoute, order.ID),
		FailureURL:      s.callbackURL(callbackFailureRoute, order.ID),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "build gateway form")
	}

	s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
		"transaction_uuid": transactionUUID,
		"total_amount":     order.TotalAmount.StringFixed(2),
	}), "payment initiated")

	return &InitiateResult{
		FormURL:   form.FormURL,
		Fields:    form.Fields,
		PaymentID: payment.ID,
		OrderID:   order.ID,
	}, nil
}

func (s *service) HandleSuccess(ctx context.Context, orderID uuid.UUID, data string) Outcome {
	ctx = s.logg.WithOrderID(ctx, orderID.String())
	out := s.handleSuccess(ctx, orderID, data)
	s.metrics.IncCallback(out.MetricLabel())
	if !out.Success {
		s.logg.Warn(s.logg.WithField(ctx, "reason", out.Reason), "payment callback rejected")
	}
	return out
}

func (s *service) handleSuccess(ctx context.Context, orderID uuid.UUID, data string) Outcome {
	cb, err := esewa.DecodeCallback(data)
	if err == nil {
		err = s.signer.Verify(cb)
	}
	if err != nil {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"security_event": "payment.bad_signature",
			"error":          err.Error(),
		}), "gateway callback failed verification")
		s.failPayment(ctx, orderID, enums.PaymentStatusFailed, ReasonBadSignature)
		return failed(orderID, ReasonBadSignature)
	}
	ctx = s.logg.WithField(ctx, "transaction_uuid", cb.TransactionUUID)

	if !cb.IsComplete() {
		reason := statusReason(cb.Status)
		s.failPayment(ctx, orderID, enums.GatewayPaymentStatus(cb.Status), reason)
		return failed(orderID, reason)
	}

	if s.alreadySettled(ctx, orderID) {
		return succeeded(orderID)
	}

	if s.guard != nil {
		owner, claimed, err := s.guard.ClaimCallback(ctx, cb.TransactionUUID, s.guardTTL)
		switch {
		case err != nil:
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "callback guard unavailable, continuing without it")
		case !claimed:
			if s.alreadySettled(ctx, orderID) {
				return succeeded(orderID)
			}
			return failed(orderID, ReasonServerError)
		default:
			defer func() {
				if err := s.guard.ReleaseCallback(context.WithoutCancel(ctx), cb.TransactionUUID, owner); err != nil {
					s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "release callback guard")
				}
			}()
		}
	}

	started := time.Now()
	resp, err := s.status.Check(ctx, esewa.StatusQuery{
		ProductCode:     s.signer.ProductCode(),
		TotalAmount:     cb.TotalAmount,
		TransactionUUID: cb.TransactionUUID,
	})
	s.metrics.ObserveStatusCheck(time.Since(started), err)
	if err != nil {
		s.logg.Error(ctx, "gateway status check failed", err)
		s.recordFailureReason(ctx, orderID, failureStatusCheck)
		return failed(orderID, ReasonServerError)
	}
	if !resp.IsComplete() {
		reason := statusReason(resp.Status)
		s.failPayment(ctx, orderID, enums.PaymentStatusFailed, reason)
		return failed(orderID, reason)
	}

	return s.settle(ctx, orderID, cb)
}

// settle promotes the payment once both the callback and the status check
// report completion.
func (s *service) settle(ctx context.Context, orderID uuid.UUID, cb *esewa.Callback) Outcome {
	out := succeeded(orderID)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, payment, err := s.lockOrderAndPayment(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if payment.Status.IsSuccess() {
			return nil
		}
		if payment.Method != enums.PaymentMethodGateway {
			out = failed(orderID, ReasonStatusMismatch)
			return nil
		}
		if !matchesPayment(order, payment, cb) {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"security_event":    "payment.mismatch",
				"callback_amount":   cb.TotalAmount,
				"order_total":       order.TotalAmount.StringFixed(2),
				"callback_txn_uuid": cb.TransactionUUID,
			}), "gateway callback does not match payment")
			out = failed(orderID, ReasonStatusMismatch)
			return repo.UpdatePayment(ctx, payment.ID, map[string]any{
				"status":         enums.PaymentStatusFailed,
				"failure_reason": ReasonStatusMismatch,
			})
		}
		if order.Status == enums.OrderStatusCancelled {
			s.logg.Warn(s.logg.WithField(ctx, "security_event", "payment.after_cancel"), "gateway payment received for cancelled order, refund required")
			out = failed(orderID, ReasonOrderCancelled)
			return repo.UpdatePayment(ctx, payment.ID, map[string]any{
				"failure_reason": ReasonOrderCancelled,
			})
		}
		ref := cb.TransactionCode
		if ref == "" {
			ref = cb.TransactionUUID
		}
		return s.settler.SettleTx(ctx, tx, order, payment, ref, nil)
	})
	if err != nil {
		s.logg.Error(ctx, "settle gateway payment", err)
		return failed(orderID, ReasonServerError)
	}
	if out.Success {
		s.logg.Info(ctx, "gateway payment settled")
	}
	return out
}

func (s *service) HandleFailure(ctx context.Context, orderID uuid.UUID) Outcome {
	ctx = s.logg.WithOrderID(ctx, orderID.String())
	out := failed(orderID, ReasonCancelOrFailed)
	if err := s.updateGatewayPayment(ctx, orderID, map[string]any{
		"status":         enums.PaymentStatusFailed,
		"failure_reason": ReasonCancelOrFailed,
	}); err != nil {
		s.logg.Error(ctx, "record gateway failure", err)
		out = failed(orderID, ReasonServerError)
	}
	s.metrics.IncCallback(out.MetricLabel())
	return out
}

// failPayment moves an unsettled gateway payment to status with reason.
// Errors are logged; the caller's outcome already reports the failure.
func (s *service) failPayment(ctx context.Context, orderID uuid.UUID, status enums.PaymentStatus, reason string) {
	if err := s.updateGatewayPayment(ctx, orderID, map[string]any{
		"status":         status,
		"failure_reason": reason,
	}); err != nil {
		s.logg.Error(ctx, "record payment failure", err)
	}
}

// recordFailureReason notes why a payment could not be confirmed without
// changing its status, so a later callback can still settle it.
func (s *service) recordFailureReason(ctx context.Context, orderID uuid.UUID, reason string) {
	if err := s.updateGatewayPayment(ctx, orderID, map[string]any{"failure_reason": reason}); err != nil {
		s.logg.Error(ctx, "record payment failure reason", err)
	}
}

// updateGatewayPayment touches only gateway payments that have not settled.
// Cash-on-delivery payments never take callback input.
func (s *service) updateGatewayPayment(ctx context.Context, orderID uuid.UUID, updates map[string]any) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := repo.LockPaymentByOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if payment.Method != enums.PaymentMethodGateway || payment.Status.IsSuccess() {
			return nil
		}
		return repo.UpdatePayment(ctx, payment.ID, updates)
	})
}

func (s *service) alreadySettled(ctx context.Context, orderID uuid.UUID) bool {
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil || order.Payment == nil {
		return false
	}
	return order.Payment.Status.IsSuccess()
}

// lockOrderAndPayment locks the order row before the payment row, the same
// order the status workflow uses.
func (s *service) lockOrderAndPayment(ctx context.Context, repo orders.Repository, orderID uuid.UUID) (*models.Order, *models.Payment, error) {
	order, err := repo.LockOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	payment, err := repo.LockPaymentByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeInvariantViolation, "order has no payment record")
		}
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	return order, payment, nil
}

func (s *service) callbackURL(route string, orderID uuid.UUID) string {
	return s.backendURL + route + "?" + url.Values{"orderId": {orderID.String()}}.Encode()
}

// matchesPayment checks the callback against the transaction this order
// initiated and the amount it owes.
func matchesPayment(order *models.Order, payment *models.Payment, cb *esewa.Callback) bool {
	if payment.Method != enums.PaymentMethodGateway {
		return false
	}
	if payment.TransactionUUID == nil || *payment.TransactionUUID != cb.TransactionUUID {
		return false
	}
	amount, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(cb.TotalAmount), ",", ""))
	if err != nil {
		return false
	}
	return amount.Equal(order.TotalAmount)
}
