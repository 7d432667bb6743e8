package worker

import (
	"context"
	"time"

	"storefront/internal/broker"
	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
)

const relayLockName = "outbox-relay"

// OutboxSource is the part of the store the relay reads from
type OutboxSource interface {
	FetchPendingOutbox(ctx context.Context, limit int) ([]models.OutboxRecord, error)
	MarkOutboxSent(ctx context.Context, id int64) error
}

// Publisher sends an encoded event to the broker
type Publisher interface {
	PublishRaw(ctx context.Context, key string, value []byte) error
}

// Locker elects a single relay across replicas
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// OutboxRelay publishes committed outbox records to Kafka in insertion order.
// Delivery is at least once: a record is marked sent only after the broker acked it.
type OutboxRelay struct {
	source    OutboxSource
	publisher Publisher
	locker    Locker
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewOutboxRelay creates a new relay. locker may be nil for a single replica.
func NewOutboxRelay(source OutboxSource, publisher Publisher, locker Locker, interval time.Duration, batchSize int) *OutboxRelay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		source:    source,
		publisher: publisher,
		locker:    locker,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Start polls until ctx is cancelled
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.logger.Info("Starting outbox relay", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Outbox relay pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Stopping outbox relay")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce relays one batch and returns how many records were published. It
// stops at the first failure so later events never overtake earlier ones.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	if r.locker != nil {
		token, ok, err := r.locker.AcquireLock(ctx, relayLockName, r.interval*10)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer func() {
			if err := r.locker.ReleaseLock(context.Background(), relayLockName, token); err != nil {
				r.logger.Warn("Failed to release relay lock", zap.Error(err))
			}
		}()
	}

	records, err := r.source.FetchPendingOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range records {
		if err := r.publisher.PublishRaw(ctx, rec.Key, rec.Payload); err != nil {
			util.OutboxPublishFailed.Inc()
			return sent, err
		}
		if err := r.source.MarkOutboxSent(ctx, rec.ID); err != nil {
			return sent, err
		}
		util.OutboxPublishedTotal.Inc()
		sent++
	}

	if sent > 0 {
		r.logger.Debug("Outbox records relayed", zap.Int("count", sent))
	}
	return sent, nil
}

// OrderCacheInvalidator drops cached order views
type OrderCacheInvalidator interface {
	InvalidateOrder(ctx context.Context, orderID int64) error
}

// CacheWorker evicts cached orders whenever their status or payment changes
type CacheWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewCacheWorker creates a new cache worker
func NewCacheWorker(consumer *broker.Consumer, cache OrderCacheInvalidator) *CacheWorker {
	return &CacheWorker{
		consumer:     consumer,
		eventHandler: NewCacheEventHandler(cache),
		logger:       util.GetLogger(),
	}
}

// NewCacheEventHandler wires order events to cache eviction
func NewCacheEventHandler(cache OrderCacheInvalidator) *broker.EventHandler {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderStatusChanged(func(ctx context.Context, e *models.OrderStatusChangedEvent) error {
		return cache.InvalidateOrder(ctx, e.OrderID)
	})
	eventHandler.OnPaymentConfirmed(func(ctx context.Context, e *models.PaymentConfirmedEvent) error {
		return cache.InvalidateOrder(ctx, e.OrderID)
	})
	return eventHandler
}

// Start starts the worker
func (w *CacheWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting cache worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CacheWorker) Stop() error {
	w.logger.Info("Stopping cache worker")
	return w.consumer.Close()
}
