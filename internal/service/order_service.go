package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService builds orders from carts and direct purchases
type OrderService struct {
	store  store.TxStore
	ledger *InventoryLedger
	logger *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store store.TxStore, ledger *InventoryLedger) *OrderService {
	return &OrderService{
		store:  store,
		ledger: ledger,
		logger: util.GetLogger(),
	}
}

// CheckoutInput is what the customer fills in at checkout
type CheckoutInput struct {
	ShippingAddress string `json:"shipping_address" binding:"required"`
	City            string `json:"city"`
	Country         string `json:"country"`
	PostalCode      string `json:"postal_code"`
	PaymentMethod   string `json:"payment_method" binding:"required"`
	Note            string `json:"note"`
}

// BuyNowRequest purchases a single product without going through the cart
type BuyNowRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
	CheckoutInput
}

func (in *CheckoutInput) normalize() error {
	in.ShippingAddress = strings.TrimSpace(in.ShippingAddress)
	in.City = strings.TrimSpace(in.City)
	in.Country = strings.TrimSpace(in.Country)
	in.PostalCode = strings.TrimSpace(in.PostalCode)
	in.Note = strings.TrimSpace(in.Note)

	if in.ShippingAddress == "" {
		return fmt.Errorf("%w: shipping address is required", models.ErrInvalidArgument)
	}
	method, err := models.NormalizePaymentMethod(in.PaymentMethod)
	if err != nil {
		return err
	}
	in.PaymentMethod = method
	return nil
}

// CreateOrder converts the user's cart into a Pending order. The order, its
// items, payment, shipping and the emptied cart are committed together.
func (s *OrderService) CreateOrder(ctx context.Context, userID int64, in CheckoutInput) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder", attribute.Int64("user_id", userID))
	var err error
	defer func() { util.EndSpan(span, err) }()

	if err = in.normalize(); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_input").Inc()
		return nil, err
	}

	var orderID int64
	err = s.store.InTx(ctx, func(repo store.Repository) error {
		cart, err := repo.LockCartByUserID(ctx, userID)
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrEmptyCart
		}
		if err != nil {
			return err
		}
		if len(cart.Items) == 0 {
			return models.ErrEmptyCart
		}

		lines := make([]models.OrderItem, 0, len(cart.Items))
		for _, ci := range cart.Items {
			lines = append(lines, models.OrderItem{
				ProductID: ci.ProductID,
				Quantity:  ci.Quantity,
				UnitPrice: ci.UnitPrice,
			})
		}

		order, err := s.persistAggregate(ctx, repo, userID, lines, in)
		if err != nil {
			return err
		}
		orderID = order.ID

		return repo.ClearCart(ctx, cart.ID)
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.WithLabelValues("cart").Inc()
	s.logger.Info("Order created from cart",
		zap.Int64("order_id", orderID),
		zap.Int64("user_id", userID))

	return s.GetOrder(ctx, orderID)
}

// BuyNow creates a single-line order at the current catalog price. The user's cart is not touched.
func (s *OrderService) BuyNow(ctx context.Context, userID, productID int64, quantity int, in CheckoutInput) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.BuyNow",
		attribute.Int64("user_id", userID), attribute.Int64("product_id", productID))
	var err error
	defer func() { util.EndSpan(span, err) }()

	if quantity <= 0 {
		err = fmt.Errorf("%w: quantity must be positive", models.ErrInvalidArgument)
		util.OrdersFailedTotal.WithLabelValues("invalid_input").Inc()
		return nil, err
	}
	if err = in.normalize(); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_input").Inc()
		return nil, err
	}

	var orderID int64
	err = s.store.InTx(ctx, func(repo store.Repository) error {
		price, err := repo.GetProductPrice(ctx, productID)
		if err != nil {
			return err
		}

		lines := []models.OrderItem{{ProductID: productID, Quantity: quantity, UnitPrice: price}}
		order, err := s.persistAggregate(ctx, repo, userID, lines, in)
		if err != nil {
			return err
		}
		orderID = order.ID
		return nil
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.WithLabelValues("buy_now").Inc()
	s.logger.Info("Order created via buy now",
		zap.Int64("order_id", orderID),
		zap.Int64("user_id", userID),
		zap.Int64("product_id", productID))

	return s.GetOrder(ctx, orderID)
}

// persistAggregate writes the order, one item per line, a Pending payment and
// the shipping record, and queues ORDER_CREATED.
func (s *OrderService) persistAggregate(ctx context.Context, repo store.Repository, userID int64, lines []models.OrderItem, in CheckoutInput) (*models.Order, error) {
	if err := s.checkStock(ctx, repo, lines); err != nil {
		return nil, err
	}

	order := &models.Order{
		UserID:      userID,
		OrderDate:   time.Now().UTC(),
		Status:      models.OrderStatusPending,
		TotalAmount: calculateTotal(lines),
		Note:        in.Note,
	}
	if err := repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	eventItems := make([]models.OrderItemData, 0, len(lines))
	for _, line := range lines {
		item := &models.OrderItem{
			OrderID:   order.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		}
		if err := repo.CreateOrderItem(ctx, item); err != nil {
			return nil, err
		}
		eventItems = append(eventItems, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	payment := &models.Payment{
		OrderID:       order.ID,
		PaymentMethod: in.PaymentMethod,
		Amount:        order.TotalAmount,
		Status:        models.PaymentStatusPending,
	}
	if err := repo.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	shipping := &models.Shipping{
		OrderID:    order.ID,
		Address:    in.ShippingAddress,
		City:       in.City,
		Country:    in.Country,
		PostalCode: in.PostalCode,
	}
	if err := repo.CreateShipping(ctx, shipping); err != nil {
		return nil, err
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderCreated),
		OrderID:       order.ID,
		UserID:        userID,
		TotalAmount:   order.TotalAmount,
		PaymentMethod: payment.PaymentMethod,
		Items:         eventItems,
	}
	if err := enqueueEvent(ctx, repo, orderKey(order.ID), event.BaseEvent, event); err != nil {
		return nil, err
	}

	return order, nil
}

// checkStock rejects lines that cannot currently be fulfilled. Stock is only
// taken when the order is paid, so this does not reserve anything.
func (s *OrderService) checkStock(ctx context.Context, repo store.Repository, lines []models.OrderItem) error {
	wanted := make(map[int64]int, len(lines))
	order := make([]int64, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for product %d must be positive", models.ErrInvalidArgument, line.ProductID)
		}
		if _, seen := wanted[line.ProductID]; !seen {
			order = append(order, line.ProductID)
		}
		wanted[line.ProductID] += line.Quantity
	}

	for _, productID := range order {
		ok, err := s.ledger.hasStock(ctx, repo, productID, wanted[productID])
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: product %d is not stocked", models.ErrInsufficientStock, productID)
		}
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: product %d", models.ErrInsufficientStock, productID)
		}
	}
	return nil
}

// calculateTotal sums quantity × unit price exactly
func calculateTotal(items []models.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(models.LineTotal(item.Quantity, item.UnitPrice))
	}
	return total
}

// GetOrder retrieves an order with its items, payment and shipping
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Items, err = s.store.GetOrderItemsByOrderID(ctx, orderID); err != nil {
		return nil, err
	}
	if order.Payment, err = s.store.GetPaymentByOrderID(ctx, orderID); err != nil {
		return nil, err
	}
	if order.Shipping, err = s.store.GetShippingByOrderID(ctx, orderID); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrderForUser is GetOrder restricted to the owner unless asAdmin is set
func (s *OrderService) GetOrderForUser(ctx context.Context, orderID, userID int64, asAdmin bool) (*models.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !asAdmin && order.UserID != userID {
		return nil, fmt.Errorf("%w: order %d belongs to another user", models.ErrForbidden, orderID)
	}
	return order, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, models.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInvalidArgument):
		return "invalid_input"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	default:
		return "db_error"
	}
}
