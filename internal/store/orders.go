package store

import (
	"context"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = "id, user_id, order_date, status, total_amount, note"

// CreateOrder creates a new order
func (q *Queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, order_date, status, total_amount, note)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := sqlx.GetContext(ctx, q.ext, &order.ID, query,
		order.UserID, order.OrderDate, order.Status, order.TotalAmount, order.Note)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", translate(err))
	}
	return nil
}

// GetOrderByID retrieves an order by ID
func (q *Queries) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", id, translate(err))
	}
	return &order, nil
}

// LockOrder reads an order with FOR UPDATE so status checks and writes are serialised
func (q *Queries) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", id, translate(err))
	}
	return &order, nil
}

// CompareAndSetOrderStatus moves an order to `to` only if it is still in `from`
func (q *Queries) CompareAndSetOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	res, err := q.ext.ExecContext(ctx,
		"UPDATE orders SET status = $1 WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CreateOrderItem creates a new order item
func (q *Queries) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err := sqlx.GetContext(ctx, q.ext, &item.ID, query,
		item.OrderID, item.ProductID, item.Quantity, item.UnitPrice)
	if err != nil {
		return fmt.Errorf("failed to create order item: %w", translate(err))
	}
	return nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (q *Queries) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, q.ext, &items,
		"SELECT id, order_id, product_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", translate(err))
	}
	return items, nil
}

// CreatePayment creates a new payment record
func (q *Queries) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, payment_method, amount, paid_at, status, provider_tx_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := sqlx.GetContext(ctx, q.ext, &payment.ID, query,
		payment.OrderID, payment.PaymentMethod, payment.Amount, payment.PaidAt, payment.Status, payment.ProviderTxID)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", translate(err))
	}
	return nil
}

// GetPaymentByOrderID retrieves payment for an order
func (q *Queries) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q.ext, &payment,
		`SELECT id, order_id, payment_method, amount, paid_at, status, provider_tx_id
		 FROM payments WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("payment for order %d: %w", orderID, translate(err))
	}
	return &payment, nil
}

// UpdatePaymentStatus updates payment status. Empty providerTxID and nil paidAt keep the stored values.
func (q *Queries) UpdatePaymentStatus(ctx context.Context, orderID int64, status models.PaymentStatus, providerTxID string, paidAt *time.Time) error {
	_, err := q.ext.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
		    provider_tx_id = COALESCE(NULLIF($2, ''), provider_tx_id),
		    paid_at = COALESCE($3, paid_at)
		WHERE order_id = $4`,
		status, providerTxID, paidAt, orderID)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", translate(err))
	}
	return nil
}

// CreateShipping creates the shipping record of an order
func (q *Queries) CreateShipping(ctx context.Context, shipping *models.Shipping) error {
	query := `
		INSERT INTO shipping (order_id, address, city, country, postal_code, carrier, tracking_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := sqlx.GetContext(ctx, q.ext, &shipping.ID, query,
		shipping.OrderID, shipping.Address, shipping.City, shipping.Country,
		shipping.PostalCode, shipping.Carrier, shipping.TrackingNumber)
	if err != nil {
		return fmt.Errorf("failed to create shipping: %w", translate(err))
	}
	return nil
}

// GetShippingByOrderID retrieves the shipping record of an order
func (q *Queries) GetShippingByOrderID(ctx context.Context, orderID int64) (*models.Shipping, error) {
	var shipping models.Shipping
	err := sqlx.GetContext(ctx, q.ext, &shipping,
		`SELECT id, order_id, address, city, country, postal_code, carrier, tracking_number, shipped_date, delivery_date
		 FROM shipping WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("shipping for order %d: %w", orderID, translate(err))
	}
	return &shipping, nil
}

// MarkShipped stamps the shipped date
func (q *Queries) MarkShipped(ctx context.Context, orderID int64, at time.Time) error {
	_, err := q.ext.ExecContext(ctx, "UPDATE shipping SET shipped_date = $1 WHERE order_id = $2", at, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order %d shipped: %w", orderID, translate(err))
	}
	return nil
}

// MarkDelivered stamps the delivery date
func (q *Queries) MarkDelivered(ctx context.Context, orderID int64, at time.Time) error {
	_, err := q.ext.ExecContext(ctx, "UPDATE shipping SET delivery_date = $1 WHERE order_id = $2", at, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order %d delivered: %w", orderID, translate(err))
	}
	return nil
}
