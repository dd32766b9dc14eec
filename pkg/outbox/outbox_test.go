package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/krishiconnect/marketplace-backend/pkg/config"
	"github.com/krishiconnect/marketplace-backend/pkg/db/models"
	"github.com/krishiconnect/marketplace-backend/pkg/enums"
	"github.com/krishiconnect/marketplace-backend/pkg/logger"
	"github.com/krishiconnect/marketplace-backend/pkg/migrate"
	"github.com/krishiconnect/marketplace-backend/pkg/outbox/payloads"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:outbox_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.AutoMigrateModels(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestService(db *gorm.DB) *Service {
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	return NewService(NewRepository(db), logg)
}

func TestEmitStoresEnvelopeInTransaction(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(db)
	orderID := uuid.New()
	buyerID := uuid.New()

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &ActorRef{UserID: buyerID, Role: enums.RoleBuyer},
			Data:          payloads.OrderCreatedEvent{OrderID: orderID, BuyerID: buyerID, PaymentMethod: enums.PaymentMethodCOD},
		})
	})
	require.NoError(t, err)

	var rows []models.OutboxEvent
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.EventOrderCreated, rows[0].EventType)
	assert.Equal(t, orderID, rows[0].AggregateID)
	assert.Nil(t, rows[0].PublishedAt)

	env, err := DecodeEnvelope(rows[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Version)
	assert.Equal(t, string(enums.EventOrderCreated), env.EventType)
	assert.NotEmpty(t, env.EventID)
	require.NotNil(t, env.Actor)
	assert.Equal(t, enums.RoleBuyer, env.Actor.Role)
	assert.Contains(t, string(env.Data), orderID.String())
}

func TestEmitRollsBackWithCaller(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(db)

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderPaid,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Data:          payloads.OrderPaidEvent{},
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestEmitRejectsMissingTxAndUnknownType(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(db)

	err := svc.Emit(context.Background(), nil, DomainEvent{EventType: enums.EventOrderPaid})
	require.Error(t, err)

	err = svc.Emit(context.Background(), db, DomainEvent{EventType: "order.exploded"})
	require.Error(t, err)
}

func seedEvent(t *testing.T, db *gorm.DB, attempts int) models.OutboxEvent {
	t.Helper()
	row := models.OutboxEvent{
		EventType:     enums.EventOrderStatusChanged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       []byte(`{"version":1,"eventId":"e-1","data":{}}`),
		AttemptCount:  attempts,
	}
	require.NoError(t, db.Create(&row).Error)
	return row
}

func TestRepositoryFetchAndMark(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	fresh := seedEvent(t, db, 0)
	retried := seedEvent(t, db, 2)
	seedEvent(t, db, 3)

	rows, err := repo.FetchUnpublishedForPublish(db, 10, 3)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{fresh.ID, retried.ID}, ids)

	require.NoError(t, repo.MarkPublishedTx(db, fresh.ID))
	require.NoError(t, repo.MarkFailedTx(db, retried.ID, errors.New("broker down")))

	var got models.OutboxEvent
	require.NoError(t, db.First(&got, "id = ?", fresh.ID).Error)
	assert.NotNil(t, got.PublishedAt)

	require.NoError(t, db.First(&got, "id = ?", retried.ID).Error)
	assert.Equal(t, 3, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "broker down", *got.LastError)

	rows, err = repo.FetchUnpublishedForPublish(db, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, rows)

	terminal, err := repo.ListTerminal(10, 3)
	require.NoError(t, err)
	assert.Len(t, terminal, 2)
}

func TestMarkTerminalParksRow(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	row := seedEvent(t, db, 0)

	require.NoError(t, repo.MarkTerminalTx(db, row.ID, errors.New("poison"), 10))
	rows, err := repo.FetchUnpublishedForPublish(db, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeletePublishedBeforeKeepsPendingRows(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	old := seedEvent(t, db, 0)
	recent := seedEvent(t, db, 0)
	pending := seedEvent(t, db, 0)

	now := time.Now().UTC()
	require.NoError(t, db.Model(&models.OutboxEvent{}).Where("id = ?", old.ID).
		Update("published_at", now.Add(-40*24*time.Hour)).Error)
	require.NoError(t, db.Model(&models.OutboxEvent{}).Where("id = ?", recent.ID).
		Update("published_at", now.Add(-time.Hour)).Error)

	deleted, err := repo.DeletePublishedBefore(db, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []models.OutboxEvent
	require.NoError(t, db.Find(&remaining).Error)
	ids := make([]uuid.UUID, 0, len(remaining))
	for _, r := range remaining {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{recent.ID, pending.ID}, ids)

	_, err = repo.DeletePublishedBefore(nil, now)
	require.Error(t, err)
}

func TestTruncateError(t *testing.T) {
	assert.Nil(t, truncateError(nil))
	long := make([]byte, maxErrorLen+50)
	for i := range long {
		long[i] = 'x'
	}
	got := truncateError(errors.New(string(long)))
	require.NotNil(t, got)
	assert.Len(t, *got, maxErrorLen)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherKeysByAggregate(t *testing.T) {
	w := &fakeWriter{}
	pub := newKafkaPublisherWithWriter(w, "marketplace.orders")
	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventOrderPaid,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       []byte(`{"version":1,"eventId":"evt-42","data":{}}`),
	}

	require.NoError(t, pub.Publish(context.Background(), event))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, event.AggregateID.String(), string(msg.Key))
	assert.JSONEq(t, string(event.Payload), string(msg.Value))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "order.paid", headers["event_type"])
	assert.Equal(t, "evt-42", headers["event_id"])
	assert.Equal(t, event.ID.String(), headers["outbox_id"])

	require.NoError(t, pub.Close())
	assert.True(t, w.closed)
	assert.Equal(t, "marketplace.orders", pub.Topic())
}

func TestKafkaPublisherPropagatesWriteError(t *testing.T) {
	pub := newKafkaPublisherWithWriter(&fakeWriter{err: errors.New("leader not available")}, "t")
	err := pub.Publish(context.Background(), models.OutboxEvent{AggregateID: uuid.New()})
	require.Error(t, err)

	var nilPub *KafkaPublisher
	require.Error(t, nilPub.Publish(context.Background(), models.OutboxEvent{}))
}

func TestNewKafkaPublisherValidatesConfig(t *testing.T) {
	_, err := NewKafkaPublisher(config.KafkaConfig{Topic: "t"})
	require.Error(t, err)
	_, err = NewKafkaPublisher(config.KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)
	pub, err := NewKafkaPublisher(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "orders"})
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}
