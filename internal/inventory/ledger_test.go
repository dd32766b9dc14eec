package inventory

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
	"github.com/krishiconnect/marketplace-backend/pkg/logger"
	"github.com/krishiconnect/marketplace-backend/pkg/migrate"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:inventory_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := migrate.AutoMigrateModels(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestLedger(t *testing.T, db *gorm.DB) Ledger {
	t.Helper()
	l, err := NewLedger(db, logger.New(logger.Options{ServiceName: "test", Output: io.Discard}), nil)
	require.NoError(t, err)
	return l
}

func seedListing(t *testing.T, db *gorm.DB, available int) uuid.UUID {
	t.Helper()
	listing := models.Listing{
		FarmerID: uuid.New(),
		Name:     "Tomatoes",
		Price:    decimal.NewFromInt(80),
		Unit:     "kg",
		IsActive: true,
	}
	require.NoError(t, db.Create(&listing).Error)
	require.NoError(t, db.Create(&models.InventoryRecord{ListingID: listing.ID, Available: available}).Error)
	return listing.ID
}

func counters(t *testing.T, db *gorm.DB, listingID uuid.UUID) models.InventoryRecord {
	t.Helper()
	var rec models.InventoryRecord
	require.NoError(t, db.First(&rec, "listing_id = ?", listingID).Error)
	return rec
}

func TestReserveThenCommitRoundTrip(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t, db)
	ctx := context.Background()
	id := seedListing(t, db, 10)

	require.NoError(t, l.Reserve(ctx, nil, id, 4))
	rec := counters(t, db, id)
	assert.Equal(t, 6, rec.Available)
	assert.Equal(t, 4, rec.Reserved)

	require.NoError(t, l.Commit(ctx, nil, id, 4))
	rec = counters(t, db, id)
	assert.Equal(t, 6, rec.Available)
	assert.Equal(t, 0, rec.Reserved)
	assert.Equal(t, 4, rec.Sold)
	assert.Equal(t, 10, rec.Total())
}

func TestReserveThenReleaseRestoresAvailable(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t, db)
	ctx := context.Background()
	id := seedListing(t, db, 3)

	require.NoError(t, l.Reserve(ctx, nil, id, 3))
	require.NoError(t, l.Release(ctx, nil, id, 3))

	rec := counters(t, db, id)
	assert.Equal(t, 3, rec.Available)
	assert.Equal(t, 0, rec.Reserved)
	assert.Equal(t, 0, rec.Sold)
}

func TestReserveInsufficientStockLeavesCountersUntouched(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t, db)
	id := seedListing(t, db, 2)

	err := l.Reserve(context.Background(), nil, id, 3)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeInsufficientStock, typed.Code())
	details, ok := typed.Details().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, details["available"])
	assert.Equal(t, id, details["listing_id"])

	rec := counters(t, db, id)
	assert.Equal(t, 2, rec.Available)
	assert.Equal(t, 0, rec.Reserved)
}

func TestReserveMissingRecordIsListingUnavailable(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t, db)
	err := l.Reserve(context.Background(), nil, uuid.New(), 1)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeListingUnavailable), "got %v", err)
}

func TestCommitAndReleaseBeyondReservedAreInvariantViolations(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t, db)
	ctx := context.Background()
	id := seedListing(t, db, 5)
	require.NoError(t, l.Reserve(ctx, nil, id, 1))

	err := l.Commit(ctx, nil, id, 2)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvariantViolation), "got %v", err)
	err = l.Release(ctx, nil, id, 2)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvariantViolation), "got %v", err)
	err = l.Commit(ctx, nil, uuid.New(), 1)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvariantViolation), "got %v", err)

	rec := counters(t, db, id)
	assert.Equal(t, 4, rec.Available)
	assert.Equal(t, 1, rec.Reserved)
	assert.Equal(t, 0, rec.Sold)
}

func TestNonPositiveQuantitiesAreRejected(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t, db)
	ctx := context.Background()
	id := seedListing(t, db, 5)

	for name, fn := range map[string]func() error{
		"reserve": func() error { return l.Reserve(ctx, nil, id, 0) },
		"commit":  func() error { return l.Commit(ctx, nil, id, -1) },
		"release": func() error { return l.Release(ctx, nil, id, 0) },
	} {
		assert.Truef(t, pkgerrors.HasCode(fn(), pkgerrors.CodeValidation), "%s should reject non-positive qty", name)
	}
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t, db)
	id := seedListing(t, db, 5)

	const buyers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Transaction(func(tx *gorm.DB) error {
				return l.Reserve(context.Background(), tx, id, 1)
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case pkgerrors.HasCode(err, pkgerrors.CodeInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, buyers-5, rejected)
	rec := counters(t, db, id)
	assert.Equal(t, 0, rec.Available)
	assert.Equal(t, 5, rec.Reserved)
}

func TestReserveInsideRolledBackTransactionLeavesNoTrace(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t, db)
	a := seedListing(t, db, 5)
	b := seedListing(t, db, 1)

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := l.Reserve(context.Background(), tx, a, 5); err != nil {
			return err
		}
		return l.Reserve(context.Background(), tx, b, 2)
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInsufficientStock))

	assert.Equal(t, 5, counters(t, db, a).Available)
	assert.Equal(t, 0, counters(t, db, a).Reserved)
}

func TestGetReadsCounters(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t, db)
	ctx := context.Background()
	id := seedListing(t, db, 4)

	require.NoError(t, l.Reserve(ctx, nil, id, 1))
	rec, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Available)
	assert.Equal(t, 1, rec.Reserved)

	_, err = l.Get(ctx, uuid.New())
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))
}

func TestCheckConstraintFailureIsInvariantViolation(t *testing.T) {
	db := newTestDB(t)
	l := newTestLedger(t, db).(*ledger)
	id := seedListing(t, db, 5)

	_, err := l.apply(context.Background(), nil, opRelease, id, 9, map[string]any{
		"available": gorm.Expr("available - ?", 9),
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvariantViolation))

	rec := counters(t, db, id)
	assert.Equal(t, 5, rec.Available)
	assert.Equal(t, 0, rec.Reserved)
}
