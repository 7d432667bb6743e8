package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InventoryLedger is the only writer of inventory quantities.
type InventoryLedger struct {
	store  store.TxStore
	logger *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger
func NewInventoryLedger(store store.TxStore) *InventoryLedger {
	return &InventoryLedger{
		store:  store,
		logger: util.GetLogger(),
	}
}

// GetByProduct retrieves inventory for a product
func (l *InventoryLedger) GetByProduct(ctx context.Context, productID int64) (*models.Inventory, error) {
	return l.store.GetInventory(ctx, productID)
}

// Create registers stock for a product that has none yet
func (l *InventoryLedger) Create(ctx context.Context, productID int64, initialQuantity int, warehouse string) (*models.Inventory, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Create", attribute.Int64("product_id", productID))
	defer span.End()

	if initialQuantity < 0 {
		return nil, fmt.Errorf("%w: initial quantity %d is negative", models.ErrInvalidArgument, initialQuantity)
	}

	inv := &models.Inventory{
		ProductID: productID,
		Quantity:  initialQuantity,
		Warehouse: strings.TrimSpace(warehouse),
	}
	if err := l.store.CreateInventory(ctx, inv); err != nil {
		return nil, err
	}

	l.logger.Info("Inventory created",
		zap.Int64("product_id", productID),
		zap.Int("quantity", initialQuantity),
		zap.String("warehouse", inv.Warehouse))
	return inv, nil
}

// SetQuantity overwrites the on-hand quantity (stock count corrections)
func (l *InventoryLedger) SetQuantity(ctx context.Context, productID int64, quantity int) (*models.Inventory, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.SetQuantity", attribute.Int64("product_id", productID))
	defer span.End()

	if quantity < 0 {
		return nil, fmt.Errorf("%w: quantity %d is negative", models.ErrInvalidArgument, quantity)
	}

	var inv *models.Inventory
	err := l.store.InTx(ctx, func(repo store.Repository) error {
		if _, err := repo.LockInventory(ctx, productID); err != nil {
			return err
		}
		var err error
		inv, err = repo.UpdateInventoryQuantity(ctx, productID, quantity)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Inventory quantity set",
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity))
	return inv, nil
}

// ApplyDelta adds delta to the current quantity. A result below zero is
// rejected with ErrInsufficientStock and nothing is written.
func (l *InventoryLedger) ApplyDelta(ctx context.Context, productID int64, delta int) (*models.Inventory, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.ApplyDelta",
		attribute.Int64("product_id", productID), attribute.Int("delta", delta))
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryAdjustLatency.Observe(time.Since(start).Seconds())
	}()

	var inv *models.Inventory
	err := l.store.InTx(ctx, func(repo store.Repository) error {
		var err error
		inv, err = l.applyDelta(ctx, repo, productID, delta)
		return err
	})
	if err != nil {
		l.recordFailure(err)
		return nil, err
	}
	return inv, nil
}

// HasStock reports whether requestedQty units are on hand. Non-positive requests are always satisfiable.
func (l *InventoryLedger) HasStock(ctx context.Context, productID int64, requestedQty int) (bool, error) {
	return l.hasStock(ctx, l.store, productID, requestedQty)
}

func (l *InventoryLedger) hasStock(ctx context.Context, repo store.Repository, productID int64, requestedQty int) (bool, error) {
	if requestedQty <= 0 {
		return true, nil
	}
	inv, err := repo.GetInventory(ctx, productID)
	if err != nil {
		return false, err
	}
	return inv.Quantity >= requestedQty, nil
}

func (l *InventoryLedger) applyDelta(ctx context.Context, repo store.Repository, productID int64, delta int) (*models.Inventory, error) {
	inv, err := repo.LockInventory(ctx, productID)
	if err != nil {
		return nil, err
	}

	next := inv.Quantity + delta
	if next < 0 {
		return nil, fmt.Errorf("%w: product %d has %d, delta %d",
			models.ErrInsufficientStock, productID, inv.Quantity, delta)
	}
	return repo.UpdateInventoryQuantity(ctx, productID, next)
}

// stockDelta is the net change for one product across all lines of an order.
type stockDelta struct {
	productID int64
	delta     int
}

// applyOrderDeltas applies sign × quantity for every order line within the
// caller's transaction. Lines are merged per product and locked in ascending
// product order. Every product is checked before any is written. Products
// without an inventory row are skipped when skipUnstocked is set and fail the
// whole order with ErrNotFound otherwise.
func (l *InventoryLedger) applyOrderDeltas(ctx context.Context, repo store.Repository, orderID int64, items []models.OrderItem, sign int, skipUnstocked bool) error {
	start := time.Now()
	defer func() {
		util.InventoryAdjustLatency.Observe(time.Since(start).Seconds())
	}()

	merged := make(map[int64]int, len(items))
	for _, item := range items {
		merged[item.ProductID] += sign * item.Quantity
	}
	deltas := make([]stockDelta, 0, len(merged))
	for productID, delta := range merged {
		if delta != 0 {
			deltas = append(deltas, stockDelta{productID: productID, delta: delta})
		}
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].productID < deltas[j].productID })

	type locked struct {
		stockDelta
		next int
	}
	planned := make([]locked, 0, len(deltas))
	var shortages []string

	for _, d := range deltas {
		inv, err := repo.LockInventory(ctx, d.productID)
		if errors.Is(err, models.ErrNotFound) {
			if !skipUnstocked {
				util.InventoryAdjustmentsFailed.WithLabelValues("not_found").Inc()
				return fmt.Errorf("order %d: inventory for product %d: %w", orderID, d.productID, err)
			}
			l.logger.Warn("Skipping order line without inventory row",
				zap.Int64("order_id", orderID),
				zap.Int64("product_id", d.productID))
			continue
		}
		if err != nil {
			return err
		}

		next := inv.Quantity + d.delta
		if next < 0 {
			shortages = append(shortages, fmt.Sprintf("product %d has %d, needs %d", d.productID, inv.Quantity, -d.delta))
			continue
		}
		planned = append(planned, locked{stockDelta: d, next: next})
	}

	if len(shortages) > 0 {
		util.InventoryAdjustmentsFailed.WithLabelValues("insufficient_stock").Inc()
		return fmt.Errorf("%w for order %d: %s", models.ErrInsufficientStock, orderID, strings.Join(shortages, "; "))
	}

	for _, p := range planned {
		if _, err := repo.UpdateInventoryQuantity(ctx, p.productID, p.next); err != nil {
			return err
		}
	}

	l.logger.Debug("Order inventory adjusted",
		zap.Int64("order_id", orderID),
		zap.Int("sign", sign),
		zap.Int("products", len(planned)))
	return nil
}

func (l *InventoryLedger) recordFailure(err error) {
	switch {
	case errors.Is(err, models.ErrInsufficientStock):
		util.InventoryAdjustmentsFailed.WithLabelValues("insufficient_stock").Inc()
	case errors.Is(err, models.ErrNotFound):
		util.InventoryAdjustmentsFailed.WithLabelValues("not_found").Inc()
	default:
		util.InventoryAdjustmentsFailed.WithLabelValues("error").Inc()
	}
}
