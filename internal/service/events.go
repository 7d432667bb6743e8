package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storefront/internal/models"
	"storefront/internal/store"

	"github.com/google/uuid"
)

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// enqueueEvent writes an event to the outbox inside the caller's transaction.
// The relay worker publishes it once the transaction has committed.
func enqueueEvent(ctx context.Context, repo store.Repository, key string, base models.BaseEvent, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	rec := &models.OutboxRecord{
		EventID:   base.EventID,
		EventType: base.EventType,
		Key:       key,
		Payload:   payload,
	}
	if err := repo.InsertOutbox(ctx, rec); err != nil {
		return err
	}
	return nil
}
