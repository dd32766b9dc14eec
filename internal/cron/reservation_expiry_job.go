package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/krishiconnect/marketplace-backend/internal/orders"
	"github.com/krishiconnect/marketplace-backend/pkg/logger"
	"github.com/krishiconnect/marketplace-backend/pkg/metrics"
)

const (
	reservationExpiryJobName = "reservation-expiry"
	defaultGatewayHoldTTL    = 30 * time.Minute
	defaultExpiryBatch       = 100
)

type reservationExpirer interface {
	ListExpiredGatewayOrders(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	ExpireReservation(ctx context.Context, orderID uuid.UUID, reason string) (bool, error)
}

type ReservationExpiryJobParams struct {
	Logger  *logger.Logger
	Orders  reservationExpirer
	Metrics *metrics.CronJobMetrics
	HoldTTL time.Duration
	Batch   int
}

// NewReservationExpiryJob cancels gateway orders whose payment never
// completed within HoldTTL, handing their reserved stock back to the
// listing.
func NewReservationExpiryJob(params ReservationExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders service required")
	}
	holdTTL := params.HoldTTL
	if holdTTL <= 0 {
		holdTTL = defaultGatewayHoldTTL
	}
	batch := params.Batch
	if batch <= 0 {
		batch = defaultExpiryBatch
	}
	return &reservationExpiryJob{
		logg:    params.Logger,
		orders:  params.Orders,
		metrics: params.Metrics,
		holdTTL: holdTTL,
		batch:   batch,
		now:     time.Now,
	}, nil
}

type reservationExpiryJob struct {
	logg    *logger.Logger
	orders  reservationExpirer
	metrics *metrics.CronJobMetrics
	holdTTL time.Duration
	batch   int
	now     func() time.Time
}

func (j *reservationExpiryJob) Name() string { return reservationExpiryJobName }

// Run expires one batch per cycle. An order that fails to expire does not
// stop the rest of the batch; the errors are combined and returned.
func (j *reservationExpiryJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.holdTTL)
	ids, err := j.orders.ListExpiredGatewayOrders(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("list expired gateway orders: %w", err)
	}

	var (
		expired int
		errs    error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		orderCtx := j.logg.WithOrderID(ctx, id.String())
		ok, err := j.orders.ExpireReservation(orderCtx, id, orders.ReasonReservationExpired)
		if err != nil {
			j.logg.Error(orderCtx, "reservation expiry failed", err)
			errs = multierr.Append(errs, fmt.Errorf("expire order %s: %w", id, err))
			continue
		}
		if ok {
			expired++
		}
	}

	j.metrics.AddProcessed(j.Name(), expired)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":     cutoff,
		"candidates": len(ids),
		"expired":    expired,
	})
	j.logg.Info(logCtx, "reservation expiry sweep complete")
	return errs
}
