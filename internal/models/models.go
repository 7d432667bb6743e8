package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Inventory represents on-hand stock for a product
type Inventory struct {
	ProductID int64     `db:"product_id" json:"product_id"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Warehouse string    `db:"warehouse" json:"warehouse"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Cart is a user's shopping cart. Items is loaded separately.
type Cart struct {
	ID     int64      `db:"id" json:"id"`
	UserID int64      `db:"user_id" json:"user_id"`
	Items  []CartItem `db:"-" json:"items"`
}

// CartItem is a cart line with the unit price captured when it was added
type CartItem struct {
	ID        int64           `db:"id" json:"id"`
	CartID    int64           `db:"cart_id" json:"cart_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// Order represents a customer order
type Order struct {
	ID          int64           `db:"id" json:"id"`
	UserID      int64           `db:"user_id" json:"user_id"`
	OrderDate   time.Time       `db:"order_date" json:"order_date"`
	Status      OrderStatus     `db:"status" json:"status"`
	TotalAmount decimal.Decimal `db:"total_amount" json:"total_amount"`
	Note        string          `db:"note" json:"note,omitempty"`

	Items    []OrderItem `db:"-" json:"items,omitempty"`
	Payment  *Payment    `db:"-" json:"payment,omitempty"`
	Shipping *Shipping   `db:"-" json:"shipping,omitempty"`
}

// OrderItem represents items in an order. UnitPrice is frozen at creation.
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// Payment represents the payment record attached to an order
type Payment struct {
	ID            int64           `db:"id" json:"id"`
	OrderID       int64           `db:"order_id" json:"order_id"`
	PaymentMethod string          `db:"payment_method" json:"payment_method"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	PaidAt        *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	Status        PaymentStatus   `db:"status" json:"status"`
	ProviderTxID  string          `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
}

// Shipping holds the delivery details of an order
type Shipping struct {
	ID             int64      `db:"id" json:"id"`
	OrderID        int64      `db:"order_id" json:"order_id"`
	Address        string     `db:"address" json:"address"`
	City           string     `db:"city" json:"city,omitempty"`
	Country        string     `db:"country" json:"country,omitempty"`
	PostalCode     string     `db:"postal_code" json:"postal_code,omitempty"`
	Carrier        string     `db:"carrier" json:"carrier,omitempty"`
	TrackingNumber string     `db:"tracking_number" json:"tracking_number,omitempty"`
	ShippedDate    *time.Time `db:"shipped_date" json:"shipped_date,omitempty"`
	DeliveryDate   *time.Time `db:"delivery_date" json:"delivery_date,omitempty"`
}

// OutboxRecord is a domain event waiting to be relayed to the broker
type OutboxRecord struct {
	ID        int64      `db:"id" json:"id"`
	EventID   string     `db:"event_id" json:"event_id"`
	EventType string     `db:"event_type" json:"event_type"`
	Key       string     `db:"key" json:"key"`
	Payload   []byte     `db:"payload" json:"payload"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	SentAt    *time.Time `db:"sent_at" json:"sent_at,omitempty"`
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusPaid      OrderStatus = "Paid"
	OrderStatusShipped   OrderStatus = "Shipped"
	OrderStatusDelivered OrderStatus = "Delivered"
	OrderStatusCancelled OrderStatus = "Cancelled"
)

var orderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

var validNext = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending: {OrderStatusPaid: true, OrderStatusCancelled: true},
	OrderStatusPaid:    {OrderStatusShipped: true, OrderStatusCancelled: true},
	OrderStatusShipped: {OrderStatusDelivered: true},
}

// ParseOrderStatus matches s case-insensitively against the known statuses.
func ParseOrderStatus(s string) (OrderStatus, error) {
	s = strings.TrimSpace(s)
	for _, st := range orderStatuses {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown order status %q", ErrInvalidArgument, s)
}

// CanTransition reports whether an order may move from one status to another
func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

// IsTerminal reports whether no further transition is possible
func (s OrderStatus) IsTerminal() bool {
	return len(validNext[s]) == 0
}

// PaymentStatus is the state of a payment record
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending PaymentStatus = "Pending"
	PaymentStatusPaid    PaymentStatus = "Paid"
	PaymentStatusFailed  PaymentStatus = "Failed"
)

// Payment methods
const (
	PaymentMethodCOD   = "COD"
	PaymentMethodVNPay = "VNPAY"
)

// NormalizePaymentMethod returns the canonical method name or ErrInvalidArgument.
func NormalizePaymentMethod(method string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case PaymentMethodCOD:
		return PaymentMethodCOD, nil
	case PaymentMethodVNPay:
		return PaymentMethodVNPay, nil
	}
	return "", fmt.Errorf("%w: unsupported payment method %q", ErrInvalidArgument, method)
}

// LineTotal returns quantity × unit price for a single line.
func LineTotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}
