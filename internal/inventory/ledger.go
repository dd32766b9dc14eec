package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/krishiconnect/marketplace-backend/pkg/db"
	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
	"github.com/krishiconnect/marketplace-backend/pkg/logger"
	"github.com/krishiconnect/marketplace-backend/pkg/metrics"
)

const (
	opReserve = "reserve"
	opCommit  = "commit"
	opRelease = "release"
)

// Ledger moves stock between the available, reserved and sold counters of a
// listing. Every mutation is a single guarded UPDATE so the check and the
// write cannot be split by a concurrent transaction.
type Ledger interface {
	Reserve(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, qty int) error
	Commit(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, qty int) error
	Release(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, qty int) error
	Get(ctx context.Context, listingID uuid.UUID) (*models.InventoryRecord, error)
}

type ledger struct {
	db      *gorm.DB
	logg    *logger.Logger
	metrics *metrics.InventoryMetrics
}

// NewLedger builds the ledger over db. tx arguments override db per call.
func NewLedger(db *gorm.DB, logg *logger.Logger, m *metrics.InventoryMetrics) (Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &ledger{db: db, logg: logg, metrics: m}, nil
}

func (l *ledger) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return l.db.WithContext(ctx)
}

func (l *ledger) Reserve(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, qty int) error {
	if err := validateQty(qty); err != nil {
		return err
	}
	affected, err := l.apply(ctx, tx, opReserve, listingID, qty, map[string]any{
		"available": gorm.Expr("available - ?", qty),
		"reserved":  gorm.Expr("reserved + ?", qty),
	}, "available >= ?", qty)
	if err != nil {
		return err
	}
	if affected == 1 {
		l.metrics.AddUnits(opReserve, qty)
		return nil
	}

	current, err := l.find(ctx, tx, listingID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.metrics.IncRejected(opReserve, "missing_record")
			return pkgerrors.New(pkgerrors.CodeListingUnavailable, "listing has no inventory").
				WithDetails(map[string]any{"listing_id": listingID})
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load inventory")
	}
	l.metrics.IncRejected(opReserve, "insufficient_stock")
	return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock for listing").
		WithDetails(map[string]any{
			"listing_id": listingID,
			"requested":  qty,
			"available":  current.Available,
		})
}

func (l *ledger) Commit(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, qty int) error {
	if err := validateQty(qty); err != nil {
		return err
	}
	affected, err := l.apply(ctx, tx, opCommit, listingID, qty, map[string]any{
		"reserved": gorm.Expr("reserved - ?", qty),
		"sold":     gorm.Expr("sold + ?", qty),
	}, "reserved >= ?", qty)
	if err != nil {
		return err
	}
	if affected != 1 {
		return l.invariantViolation(ctx, tx, opCommit, listingID, qty, nil)
	}
	l.metrics.AddUnits(opCommit, qty)
	return nil
}

func (l *ledger) Release(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, qty int) error {
	if err := validateQty(qty); err != nil {
		return err
	}
	affected, err := l.apply(ctx, tx, opRelease, listingID, qty, map[string]any{
		"reserved":  gorm.Expr("reserved - ?", qty),
		"available": gorm.Expr("available + ?", qty),
	}, "reserved >= ?", qty)
	if err != nil {
		return err
	}
	if affected != 1 {
		return l.invariantViolation(ctx, tx, opRelease, listingID, qty, nil)
	}
	l.metrics.AddUnits(opRelease, qty)
	return nil
}

func (l *ledger) Get(ctx context.Context, listingID uuid.UUID) (*models.InventoryRecord, error) {
	record, err := l.find(ctx, nil, listingID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "inventory record not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load inventory")
	}
	return record, nil
}

// apply runs one guarded counter UPDATE. A CHECK constraint rejecting the
// write means a counter would have gone negative despite the guard.
func (l *ledger) apply(ctx context.Context, tx *gorm.DB, op string, listingID uuid.UUID, qty int, updates map[string]any, guard ...any) (int64, error) {
	updates["updated_at"] = time.Now().UTC()
	query := l.conn(ctx, tx).Model(&models.InventoryRecord{}).Where("listing_id = ?", listingID)
	if len(guard) > 0 {
		query = query.Where(guard[0], guard[1:]...)
	}
	res := query.Updates(updates)
	if res.Error != nil {
		if db.IsCheckViolation(res.Error) {
			return 0, l.invariantViolation(ctx, tx, op, listingID, qty, res.Error)
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, op+" inventory")
	}
	return res.RowsAffected, nil
}

func (l *ledger) find(ctx context.Context, tx *gorm.DB, listingID uuid.UUID) (*models.InventoryRecord, error) {
	var record models.InventoryRecord
	if err := l.conn(ctx, tx).Where("listing_id = ?", listingID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// invariantViolation reports a mutation that would break the counters, either
// a guard miss on commit or release or a CHECK constraint failure. The
// counters are left untouched.
func (l *ledger) invariantViolation(ctx context.Context, tx *gorm.DB, op string, listingID uuid.UUID, qty int, cause error) error {
	fields := map[string]any{
		"listing_id": listingID.String(),
		"op":         op,
		"requested":  qty,
	}
	if current, err := l.find(ctx, tx, listingID); err == nil {
		fields["reserved"] = current.Reserved
		fields["available"] = current.Available
		fields["sold"] = current.Sold
	}
	var err *pkgerrors.Error
	if cause != nil {
		err = pkgerrors.Wrap(pkgerrors.CodeInvariantViolation, cause, fmt.Sprintf("inventory %s violates counter constraint", op)).WithDetails(fields)
	} else {
		err = pkgerrors.New(pkgerrors.CodeInvariantViolation, fmt.Sprintf("inventory %s exceeds reserved stock", op)).WithDetails(fields)
	}
	l.logg.Error(l.logg.WithFields(ctx, fields), "inventory.invariant_violation", err)
	l.metrics.IncRejected(op, "invariant_violation")
	return err
}

func validateQty(qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	return nil
}
