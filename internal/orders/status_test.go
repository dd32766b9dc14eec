package orders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishiconnect/marketplace-backend/pkg/auth"
	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
	"github.com/krishiconnect/marketplace-backend/pkg/enums"
	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to enums.OrderStatus
		ok       bool
	}{
		{enums.OrderStatusPending, enums.OrderStatusConfirmed, true},
		{enums.OrderStatusPending, enums.OrderStatusDelivered, true},
		{enums.OrderStatusPending, enums.OrderStatusCancelled, true},
		{enums.OrderStatusPaid, enums.OrderStatusConfirmed, true},
		{enums.OrderStatusConfirmed, enums.OrderStatusDelivered, true},
		{enums.OrderStatusConfirmed, enums.OrderStatusCancelled, true},
		{enums.OrderStatusConfirmed, enums.OrderStatusPending, false},
		{enums.OrderStatusConfirmed, enums.OrderStatusConfirmed, false},
		{enums.OrderStatusPending, enums.OrderStatusPaid, false},
		{enums.OrderStatusDelivered, enums.OrderStatusCancelled, false},
		{enums.OrderStatusCancelled, enums.OrderStatusConfirmed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestUpdateStatusHappyPathToDelivered(t *testing.T) {
	h := newHarness(t)
	farmer := uuid.New()
	l := h.listing(t, farmer, "30", 5)
	order := h.create(t, uuid.New(), "COD", ItemInput{ListingID: l.ID, Quantity: 2})
	ctx := context.Background()

	got, err := h.svc.UpdateStatus(ctx, farmerPrincipal(farmer), order.ID, "confirmed")
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusConfirmed, got.Status)

	got, err = h.svc.UpdateStatus(ctx, farmerPrincipal(farmer), order.ID, "DELIVERED")
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusDelivered, got.Status)

	_, err = h.svc.UpdateStatus(ctx, farmerPrincipal(farmer), order.ID, "CANCELLED")
	requireCode(t, err, pkgerrors.CodeInvalidTransition)

	var changes int64
	require.NoError(t, h.db.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventOrderStatusChanged).Count(&changes).Error)
	assert.Equal(t, int64(2), changes)
}

func TestUpdateStatusChecksStatusBeforeAnythingElse(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.UpdateStatus(context.Background(), auth.Principal{}, uuid.New(), "SHIPPED")
	requireCode(t, err, pkgerrors.CodeInvalidStatus)
}

func TestUpdateStatusAuthorization(t *testing.T) {
	h := newHarness(t)
	farmer := uuid.New()
	buyer := uuid.New()
	l := h.listing(t, farmer, "30", 5)
	order := h.create(t, buyer, "COD", ItemInput{ListingID: l.ID, Quantity: 1})
	ctx := context.Background()

	_, err := h.svc.UpdateStatus(ctx, farmerPrincipal(uuid.New()), order.ID, "CONFIRMED")
	requireCode(t, err, pkgerrors.CodeForbidden)

	_, err = h.svc.UpdateStatus(ctx, buyerPrincipal(buyer), order.ID, "CONFIRMED")
	requireCode(t, err, pkgerrors.CodeForbidden)

	_, err = h.svc.UpdateStatus(ctx, farmerPrincipal(farmer), uuid.New(), "CONFIRMED")
	requireCode(t, err, pkgerrors.CodeNotFound)

	_, err = h.svc.UpdateStatus(ctx, farmerPrincipal(farmer), order.ID, "PAID")
	requireCode(t, err, pkgerrors.CodeInvalidTransition)
}

func TestCancelReleasesReservationAndFailsPayment(t *testing.T) {
	h := newHarness(t)
	farmer := uuid.New()
	l := h.listing(t, farmer, "30", 5)
	order := h.create(t, uuid.New(), "GATEWAY", ItemInput{ListingID: l.ID, Quantity: 4})
	assert.Equal(t, 1, h.stock(t, l.ID).Available)

	got, err := h.svc.UpdateStatus(context.Background(), farmerPrincipal(farmer), order.ID, "CANCELLED")
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, got.Status)
	assert.Equal(t, enums.PaymentStatusFailed, got.Payment.Status)
	require.NotNil(t, got.Payment.FailureReason)
	assert.Equal(t, ReasonCancelledByFarmer, *got.Payment.FailureReason)

	rec := h.stock(t, l.ID)
	assert.Equal(t, 5, rec.Available)
	assert.Zero(t, rec.Reserved)
}

func TestCancelAfterPaymentKeepsStockSold(t *testing.T) {
	h := newHarness(t)
	farmer := uuid.New()
	buyer := uuid.New()
	l := h.listing(t, farmer, "30", 5)
	order := h.create(t, buyer, "COD", ItemInput{ListingID: l.ID, Quantity: 2})
	ctx := context.Background()

	_, err := h.svc.ConfirmManualPayment(ctx, buyerPrincipal(buyer), order.ID, "CASH-1")
	require.NoError(t, err)
	got, err := h.svc.UpdateStatus(ctx, farmerPrincipal(farmer), order.ID, "CANCELLED")
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusSuccess, got.Payment.Status)

	rec := h.stock(t, l.ID)
	assert.Equal(t, 3, rec.Available)
	assert.Equal(t, 2, rec.Sold)
	assert.Zero(t, rec.Reserved)
}

func TestSettleKeepsLaterFulfillmentStatus(t *testing.T) {
	h := newHarness(t)
	farmer := uuid.New()
	buyer := uuid.New()
	l := h.listing(t, farmer, "30", 5)
	order := h.create(t, buyer, "COD", ItemInput{ListingID: l.ID, Quantity: 1})
	ctx := context.Background()

	_, err := h.svc.UpdateStatus(ctx, farmerPrincipal(farmer), order.ID, "DELIVERED")
	require.NoError(t, err)
	got, err := h.svc.ConfirmManualPayment(ctx, buyerPrincipal(buyer), order.ID, "CASH-2")
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusDelivered, got.Status)
	assert.Equal(t, enums.PaymentStatusSuccess, got.Payment.Status)
	assert.Equal(t, 1, h.stock(t, l.ID).Sold)
}

func TestExpireReservation(t *testing.T) {
	h := newHarness(t)
	l := h.listing(t, uuid.New(), "30", 10)
	stale := h.create(t, uuid.New(), "GATEWAY", ItemInput{ListingID: l.ID, Quantity: 3})
	h.create(t, uuid.New(), "GATEWAY", ItemInput{ListingID: l.ID, Quantity: 1})
	cod := h.create(t, uuid.New(), "COD", ItemInput{ListingID: l.ID, Quantity: 2})
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	for _, id := range []uuid.UUID{stale.ID, cod.ID} {
		require.NoError(t, h.db.Model(&models.Order{}).Where("id = ?", id).Update("created_at", past).Error)
	}

	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	ids, err := h.svc.ListExpiredGatewayOrders(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{stale.ID}, ids)

	expired, err := h.svc.ExpireReservation(ctx, stale.ID, "")
	require.NoError(t, err)
	assert.True(t, expired)

	expired, err = h.svc.ExpireReservation(ctx, stale.ID, "")
	require.NoError(t, err)
	assert.False(t, expired)

	expired, err = h.svc.ExpireReservation(ctx, cod.ID, "")
	require.NoError(t, err)
	assert.False(t, expired)

	got, err := h.svc.Get(ctx, auth.Principal{UserID: uuid.New(), Role: enums.RoleAdmin}, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, got.Status)
	assert.Equal(t, enums.PaymentStatusFailed, got.Payment.Status)
	assert.Equal(t, ReasonReservationExpired, *got.Payment.FailureReason)

	rec := h.stock(t, l.ID)
	assert.Equal(t, 3, rec.Reserved)
	assert.Equal(t, 7, rec.Available)
}
