package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// errAlreadySettled aborts a payment outcome whose order has already left the
// state the outcome applies to. It never escapes the package.
var errAlreadySettled = errors.New("order already settled")

// OrderLifecycle owns order status transitions and the inventory movements they trigger.
type OrderLifecycle struct {
	store  store.TxStore
	ledger *InventoryLedger
	logger *zap.Logger
	now    func() time.Time
}

// NewOrderLifecycle creates a new lifecycle manager
func NewOrderLifecycle(store store.TxStore, ledger *InventoryLedger) *OrderLifecycle {
	return &OrderLifecycle{
		store:  store,
		ledger: ledger,
		logger: util.GetLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// UpdateStatus is the admin transition. newStatus must be a known status and
// the move must be allowed by the transition table.
func (m *OrderLifecycle) UpdateStatus(ctx context.Context, orderID int64, newStatus string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycle.UpdateStatus",
		attribute.Int64("order_id", orderID), attribute.String("status", newStatus))
	var err error
	defer func() { util.EndSpan(span, err) }()

	to, err := models.ParseOrderStatus(newStatus)
	if err != nil {
		return false, err
	}

	var from models.OrderStatus
	err = m.store.InTx(ctx, func(repo store.Repository) error {
		order, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = order.Status
		if !models.CanTransition(order.Status, to) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, order.Status, to)
		}
		return m.transition(ctx, repo, order, to, "", false)
	})
	if err != nil {
		m.logger.Warn("Order status update rejected",
			zap.Int64("order_id", orderID),
			zap.String("requested", string(to)),
			zap.Error(err))
		return false, err
	}

	m.recordTransition(orderID, from, to)
	return true, nil
}

// CancelOrder lets a customer cancel their own Pending order. Pending orders
// have not taken stock, so inventory is untouched.
func (m *OrderLifecycle) CancelOrder(ctx context.Context, orderID, requestingUserID int64) (bool, error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycle.CancelOrder",
		attribute.Int64("order_id", orderID), attribute.Int64("user_id", requestingUserID))
	var err error
	defer func() { util.EndSpan(span, err) }()

	err = m.store.InTx(ctx, func(repo store.Repository) error {
		order, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != requestingUserID {
			return fmt.Errorf("%w: order %d belongs to another user", models.ErrForbidden, orderID)
		}
		if order.Status != models.OrderStatusPending {
			return fmt.Errorf("%w: order %d is %s", models.ErrInvalidState, orderID, order.Status)
		}
		return m.transition(ctx, repo, order, models.OrderStatusCancelled, "", false)
	})
	if err != nil {
		return false, err
	}

	m.recordTransition(orderID, models.OrderStatusPending, models.OrderStatusCancelled)
	return true, nil
}

// ProcessPaymentOutcome settles an order from a payment result. Paid applies
// only to Pending orders and takes stock for every line; Cancelled applies to
// Pending or Paid orders and returns stock taken by an earlier Paid. A repeated
// outcome returns (false, nil) and changes nothing.
func (m *OrderLifecycle) ProcessPaymentOutcome(ctx context.Context, orderID int64, outcome models.OrderStatus) (bool, error) {
	return m.settle(ctx, orderID, outcome, "")
}

func (m *OrderLifecycle) settle(ctx context.Context, orderID int64, outcome models.OrderStatus, providerTxID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycle.ProcessPaymentOutcome",
		attribute.Int64("order_id", orderID), attribute.String("outcome", string(outcome)))
	var err error
	defer func() { util.EndSpan(span, err) }()

	if outcome != models.OrderStatusPaid && outcome != models.OrderStatusCancelled {
		err = fmt.Errorf("%w: payment outcome must be %s or %s", models.ErrInvalidArgument,
			models.OrderStatusPaid, models.OrderStatusCancelled)
		return false, err
	}

	var from models.OrderStatus
	err = m.store.InTx(ctx, func(repo store.Repository) error {
		order, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = order.Status

		switch {
		case outcome == models.OrderStatusPaid && order.Status != models.OrderStatusPending:
			return errAlreadySettled
		case outcome == models.OrderStatusCancelled && !models.CanTransition(order.Status, models.OrderStatusCancelled):
			return errAlreadySettled
		}
		return m.transition(ctx, repo, order, outcome, providerTxID, true)
	})
	if errors.Is(err, errAlreadySettled) {
		m.logger.Info("Duplicate payment outcome ignored",
			zap.Int64("order_id", orderID),
			zap.String("outcome", string(outcome)),
			zap.String("current", string(from)))
		err = nil
		return false, nil
	}
	if err != nil {
		m.logger.Error("Payment outcome not applied",
			zap.Int64("order_id", orderID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
		return false, err
	}

	m.recordTransition(orderID, from, outcome)
	return true, nil
}

// transition performs the side effects of moving order to `to` and the
// conditional status write, all in the caller's transaction. Payment outcomes
// pass skipUnstocked so a paid order is not held up by a product whose
// inventory row was removed; admin moves fail with ErrNotFound instead.
func (m *OrderLifecycle) transition(ctx context.Context, repo store.Repository, order *models.Order, to models.OrderStatus, providerTxID string, skipUnstocked bool) error {
	from := order.Status
	now := m.now()

	switch to {
	case models.OrderStatusPaid:
		items, err := repo.GetOrderItemsByOrderID(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := m.ledger.applyOrderDeltas(ctx, repo, order.ID, items, -1, skipUnstocked); err != nil {
			return err
		}
		if err := repo.UpdatePaymentStatus(ctx, order.ID, models.PaymentStatusPaid, providerTxID, &now); err != nil {
			return err
		}

	case models.OrderStatusCancelled:
		if from == models.OrderStatusPaid {
			items, err := repo.GetOrderItemsByOrderID(ctx, order.ID)
			if err != nil {
				return err
			}
			if err := m.ledger.applyOrderDeltas(ctx, repo, order.ID, items, +1, skipUnstocked); err != nil {
				return err
			}
		} else if err := repo.UpdatePaymentStatus(ctx, order.ID, models.PaymentStatusFailed, "", nil); err != nil {
			return err
		}

	case models.OrderStatusShipped:
		if err := repo.MarkShipped(ctx, order.ID, now); err != nil {
			return err
		}

	case models.OrderStatusDelivered:
		if err := repo.MarkDelivered(ctx, order.ID, now); err != nil {
			return err
		}
	}

	ok, err := repo.CompareAndSetOrderStatus(ctx, order.ID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: order %d changed concurrently", models.ErrConflict, order.ID)
	}

	changed := &models.OrderStatusChangedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:   order.ID,
		UserID:    order.UserID,
		From:      from,
		To:        to,
	}
	if err := enqueueEvent(ctx, repo, orderKey(order.ID), changed.BaseEvent, changed); err != nil {
		return err
	}

	if to == models.OrderStatusPaid {
		payment, err := repo.GetPaymentByOrderID(ctx, order.ID)
		if err != nil {
			return err
		}
		confirmed := &models.PaymentConfirmedEvent{
			BaseEvent: newBaseEvent(models.EventTypePaymentConfirmed),
			OrderID:   order.ID,
			PaymentID: payment.ID,
			Amount:    payment.Amount,
			TxID:      payment.ProviderTxID,
		}
		if err := enqueueEvent(ctx, repo, orderKey(order.ID), confirmed.BaseEvent, confirmed); err != nil {
			return err
		}
	}

	order.Status = to
	return nil
}

func (m *OrderLifecycle) recordTransition(orderID int64, from, to models.OrderStatus) {
	util.OrderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	m.logger.Info("Order status changed",
		zap.Int64("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}
