package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"storefront/internal/models"
	"storefront/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) orderStatus(t *testing.T, id int64) models.OrderStatus {
	t.Helper()
	order, err := e.store.GetOrderByID(context.Background(), id)
	require.NoError(t, err)
	return order.Status
}

func eventTypes(t *testing.T, e *testEnv) []string {
	t.Helper()
	recs, err := e.store.FetchPendingOutbox(context.Background(), 100)
	require.NoError(t, err)
	types := make([]string, 0, len(recs))
	for _, rec := range recs {
		types = append(types, rec.EventType)
	}
	return types
}

func TestPaymentOutcomePaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stock(t, 1, 10)
	env.stock(t, 2, 10)
	order := env.placeOrder(t, "VNPAY")

	applied, err := env.lifecycle.ProcessPaymentOutcome(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, models.OrderStatusPaid, env.orderStatus(t, order.ID))
	assert.Equal(t, 8, env.quantity(t, 1))
	assert.Equal(t, 9, env.quantity(t, 2))

	payment, err := env.store.GetPaymentByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, payment.Status)
	assert.NotNil(t, payment.PaidAt)

	assert.Equal(t, []string{
		models.EventTypeOrderCreated,
		models.EventTypeOrderStatusChanged,
		models.EventTypePaymentConfirmed,
	}, eventTypes(t, env))
}

func TestPaymentOutcomeRepeatedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stock(t, 1, 10)
	env.stock(t, 2, 10)
	order := env.placeOrder(t, "VNPAY")

	applied, err := env.lifecycle.ProcessPaymentOutcome(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = env.lifecycle.ProcessPaymentOutcome(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 8, env.quantity(t, 1))
	assert.Len(t, eventTypes(t, env), 3)
}

func TestConcurrentDuplicatePaymentOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, 1, 10)
	env.stock(t, 2, 10)
	order := env.placeOrder(t, "VNPAY")

	const deliveries = 16
	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := env.lifecycle.ProcessPaymentOutcome(context.Background(), order.ID, models.OrderStatusPaid)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied)
	assert.Equal(t, 8, env.quantity(t, 1))
	assert.Equal(t, 9, env.quantity(t, 2))
}

func TestPaymentOutcomeInsufficientStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stock(t, 1, 10)
	env.stock(t, 2, 10)
	order := env.placeOrder(t, "VNPAY")

	// stock sold elsewhere between checkout and payment
	_, err := env.ledger.SetQuantity(ctx, 2, 0)
	require.NoError(t, err)

	applied, err := env.lifecycle.ProcessPaymentOutcome(ctx, order.ID, models.OrderStatusPaid)
	assert.ErrorIs(t, err, models.ErrInsufficientStock)
	assert.False(t, applied)

	assert.Equal(t, models.OrderStatusPending, env.orderStatus(t, order.ID))
	assert.Equal(t, 10, env.quantity(t, 1))
	assert.Equal(t, 0, env.quantity(t, 2))

	payment, err := env.store.GetPaymentByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
}

func TestPaymentOutcomeCancelAfterPaidRestoresStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stock(t, 1, 10)
	env.stock(t, 2, 10)
	order := env.placeOrder(t, "VNPAY")

	_, err := env.lifecycle.ProcessPaymentOutcome(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)

	applied, err := env.lifecycle.ProcessPaymentOutcome(ctx, order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.OrderStatusCancelled, env.orderStatus(t, order.ID))
	assert.Equal(t, 10, env.quantity(t, 1))
	assert.Equal(t, 10, env.quantity(t, 2))

	applied, err = env.lifecycle.ProcessPaymentOutcome(ctx, order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 10, env.quantity(t, 1))
}

func TestPaymentOutcomeRejectsOtherStatuses(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, 1, 10)
	env.stock(t, 2, 10)
	order := env.placeOrder(t, "VNPAY")

	_, err := env.lifecycle.ProcessPaymentOutcome(context.Background(), order.ID, models.OrderStatusShipped)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = env.lifecycle.ProcessPaymentOutcome(context.Background(), 404, models.OrderStatusPaid)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stock(t, 1, 10)
	env.stock(t, 2, 10)
	order := env.placeOrder(t, "COD")

	_, err := env.lifecycle.CancelOrder(ctx, order.ID, 8)
	assert.ErrorIs(t, err, models.ErrForbidden)

	ok, err := env.lifecycle.CancelOrder(ctx, order.ID, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.OrderStatusCancelled, env.orderStatus(t, order.ID))
	assert.Equal(t, 10, env.quantity(t, 1))

	payment, err := env.store.GetPaymentByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)

	_, err = env.lifecycle.CancelOrder(ctx, order.ID, 7)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestCancelPaidOrderRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stock(t, 1, 10)
	env.stock(t, 2, 10)
	order := env.placeOrder(t, "VNPAY")

	_, err := env.lifecycle.ProcessPaymentOutcome(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)

	_, err = env.lifecycle.CancelOrder(ctx, order.ID, 7)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Equal(t, models.OrderStatusPaid, env.orderStatus(t, order.ID))
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stock(t, 1, 10)
	env.stock(t, 2, 10)
	order := env.placeOrder(t, "COD")

	_, err := env.lifecycle.UpdateStatus(ctx, order.ID, "Bogus")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = env.lifecycle.UpdateStatus(ctx, order.ID, "Shipped")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, models.OrderStatusPending, env.orderStatus(t, order.ID))

	ok, err := env.lifecycle.UpdateStatus(ctx, order.ID, "paid")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 8, env.quantity(t, 1))

	_, err = env.lifecycle.UpdateStatus(ctx, order.ID, "Shipped")
	require.NoError(t, err)
	_, err = env.lifecycle.UpdateStatus(ctx, order.ID, "Delivered")
	require.NoError(t, err)

	shipping, err := env.store.GetShippingByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.NotNil(t, shipping.ShippedDate)
	assert.NotNil(t, shipping.DeliveryDate)

	for _, next := range []string{"Pending", "Paid", "Shipped", "Cancelled"} {
		_, err = env.lifecycle.UpdateStatus(ctx, order.ID, next)
		assert.ErrorIs(t, err, models.ErrInvalidTransition, "Delivered -> %s", next)
	}
	assert.Equal(t, models.OrderStatusDelivered, env.orderStatus(t, order.ID))

	_, err = env.lifecycle.UpdateStatus(ctx, 404, "Paid")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateStatusShippedCannotCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stock(t, 1, 10)
	env.stock(t, 2, 10)
	order := env.placeOrder(t, "COD")

	_, err := env.lifecycle.UpdateStatus(ctx, order.ID, "Paid")
	require.NoError(t, err)
	_, err = env.lifecycle.UpdateStatus(ctx, order.ID, "Shipped")
	require.NoError(t, err)

	_, err = env.lifecycle.UpdateStatus(ctx, order.ID, "Cancelled")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	applied, err := env.lifecycle.ProcessPaymentOutcome(ctx, order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 8, env.quantity(t, 1))
}

func TestCancelOrderOnlyFromPending(t *testing.T) {
	tests := []struct {
		name  string
		steps []string
	}{
		{"paid", []string{"Paid"}},
		{"shipped", []string{"Paid", "Shipped"}},
		{"delivered", []string{"Paid", "Shipped", "Delivered"}},
		{"cancelled", []string{"Cancelled"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.stock(t, 1, 10)
			env.stock(t, 2, 10)
			order := env.placeOrder(t, "COD")

			for _, step := range tt.steps {
				_, err := env.lifecycle.UpdateStatus(ctx, order.ID, step)
				require.NoError(t, err)
			}
			before := env.orderStatus(t, order.ID)
			stock := env.quantity(t, 1)

			ok, err := env.lifecycle.CancelOrder(ctx, order.ID, 7)
			assert.ErrorIs(t, err, models.ErrInvalidState)
			assert.False(t, ok)
			assert.Equal(t, before, env.orderStatus(t, order.ID))
			assert.Equal(t, stock, env.quantity(t, 1))
		})
	}
}

// insertOrder writes a Pending order straight to the store, bypassing the
// checkout stock check.
func (e *testEnv) insertOrder(t *testing.T, productID int64, qty int) *models.Order {
	t.Helper()
	ctx := context.Background()
	order := &models.Order{
		UserID:      7,
		OrderDate:   time.Now().UTC(),
		Status:      models.OrderStatusPending,
		TotalAmount: dec("10.00").Mul(decimal.NewFromInt(int64(qty))),
	}
	err := e.store.InTx(ctx, func(repo store.Repository) error {
		if err := repo.CreateOrder(ctx, order); err != nil {
			return err
		}
		if err := repo.CreateOrderItem(ctx, &models.OrderItem{
			OrderID: order.ID, ProductID: productID, Quantity: qty, UnitPrice: dec("10.00"),
		}); err != nil {
			return err
		}
		return repo.CreatePayment(ctx, &models.Payment{
			OrderID: order.ID, PaymentMethod: models.PaymentMethodVNPay,
			Amount: order.TotalAmount, Status: models.PaymentStatusPending,
		})
	})
	require.NoError(t, err)
	return order
}

func TestUpdateStatusPaidRequiresInventoryRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.insertOrder(t, 9, 1)

	_, err := env.lifecycle.UpdateStatus(ctx, order.ID, "Paid")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, models.OrderStatusPending, env.orderStatus(t, order.ID))

	applied, err := env.lifecycle.ProcessPaymentOutcome(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.OrderStatusPaid, env.orderStatus(t, order.ID))
}
