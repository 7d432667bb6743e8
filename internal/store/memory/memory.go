// Package memory is an in-process implementation of store.TxStore. Transactions
// are serialised by a single mutex and applied copy-on-commit, so a failed
// transaction leaves no trace and concurrent transactions never interleave.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront/internal/models"
	"storefront/internal/store"

	"github.com/shopspring/decimal"
)

type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.TxStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{state: newState()}
}

// InTx runs fn against a private copy of the data and publishes the copy only if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Seeding helpers. The catalog and carts are owned by other services; these stand in for them.

// PutProduct sets the catalog price of a product
func (s *Store) PutProduct(productID int64, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.prices[productID] = price
}

// PutCartItem appends a line to the user's cart, creating the cart if needed
func (s *Store) PutCartItem(userID, productID int64, quantity int, unitPrice decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	cartID, ok := st.cartByUser[userID]
	if !ok {
		st.seq.cart++
		cartID = st.seq.cart
		st.cartByUser[userID] = cartID
		st.carts[cartID] = models.Cart{ID: cartID, UserID: userID}
	}
	st.seq.cartItem++
	cart := st.carts[cartID]
	cart.Items = append(cart.Items, models.CartItem{
		ID:        st.seq.cartItem,
		CartID:    cartID,
		ProductID: productID,
		Quantity:  quantity,
		UnitPrice: unitPrice,
	})
	st.carts[cartID] = cart
}

type sequences struct {
	cart, cartItem, order, orderItem, payment, shipping, outbox int64
}

type state struct {
	seq        sequences
	prices     map[int64]decimal.Decimal
	inventory  map[int64]models.Inventory
	carts      map[int64]models.Cart
	cartByUser map[int64]int64
	orders     map[int64]models.Order
	orderItems map[int64][]models.OrderItem
	payments   map[int64]models.Payment
	shipping   map[int64]models.Shipping
	outbox     []models.OutboxRecord
}

func newState() *state {
	return &state{
		prices:     make(map[int64]decimal.Decimal),
		inventory:  make(map[int64]models.Inventory),
		carts:      make(map[int64]models.Cart),
		cartByUser: make(map[int64]int64),
		orders:     make(map[int64]models.Order),
		orderItems: make(map[int64][]models.OrderItem),
		payments:   make(map[int64]models.Payment),
		shipping:   make(map[int64]models.Shipping),
	}
}

func (st *state) clone() *state {
	c := newState()
	c.seq = st.seq
	for k, v := range st.prices {
		c.prices[k] = v
	}
	for k, v := range st.inventory {
		c.inventory[k] = v
	}
	for k, v := range st.carts {
		v.Items = append([]models.CartItem(nil), v.Items...)
		c.carts[k] = v
	}
	for k, v := range st.cartByUser {
		c.cartByUser[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.orderItems {
		c.orderItems[k] = append([]models.OrderItem(nil), v...)
	}
	for k, v := range st.payments {
		c.payments[k] = clonePayment(v)
	}
	for k, v := range st.shipping {
		c.shipping[k] = cloneShipping(v)
	}
	c.outbox = make([]models.OutboxRecord, len(st.outbox))
	for i, rec := range st.outbox {
		rec.Payload = append([]byte(nil), rec.Payload...)
		rec.SentAt = cloneTime(rec.SentAt)
		c.outbox[i] = rec
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func clonePayment(p models.Payment) models.Payment {
	p.PaidAt = cloneTime(p.PaidAt)
	return p
}

func cloneShipping(s models.Shipping) models.Shipping {
	s.ShippedDate = cloneTime(s.ShippedDate)
	s.DeliveryDate = cloneTime(s.DeliveryDate)
	return s
}

func notFound(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, models.ErrNotFound)...)
}

// Non-transactional reads and writes go through a single-statement transaction.

func (s *Store) do(ctx context.Context, fn func(*state) error) error {
	return s.InTx(ctx, func(r store.Repository) error { return fn(r.(*state)) })
}

func (s *Store) GetInventory(ctx context.Context, productID int64) (inv *models.Inventory, err error) {
	err = s.do(ctx, func(st *state) error { inv, err = st.GetInventory(ctx, productID); return err })
	return inv, err
}

func (s *Store) LockInventory(ctx context.Context, productID int64) (inv *models.Inventory, err error) {
	return s.GetInventory(ctx, productID)
}

func (s *Store) CreateInventory(ctx context.Context, inv *models.Inventory) error {
	return s.do(ctx, func(st *state) error { return st.CreateInventory(ctx, inv) })
}

func (s *Store) UpdateInventoryQuantity(ctx context.Context, productID int64, quantity int) (inv *models.Inventory, err error) {
	err = s.do(ctx, func(st *state) error { inv, err = st.UpdateInventoryQuantity(ctx, productID, quantity); return err })
	return inv, err
}

func (s *Store) GetProductPrice(ctx context.Context, productID int64) (price decimal.Decimal, err error) {
	err = s.do(ctx, func(st *state) error { price, err = st.GetProductPrice(ctx, productID); return err })
	return price, err
}

func (s *Store) GetCartByUserID(ctx context.Context, userID int64) (cart *models.Cart, err error) {
	err = s.do(ctx, func(st *state) error { cart, err = st.GetCartByUserID(ctx, userID); return err })
	return cart, err
}

func (s *Store) LockCartByUserID(ctx context.Context, userID int64) (*models.Cart, error) {
	return s.GetCartByUserID(ctx, userID)
}

func (s *Store) ClearCart(ctx context.Context, cartID int64) error {
	return s.do(ctx, func(st *state) error { return st.ClearCart(ctx, cartID) })
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	return s.do(ctx, func(st *state) error { return st.CreateOrder(ctx, order) })
}

func (s *Store) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	return s.do(ctx, func(st *state) error { return st.CreateOrderItem(ctx, item) })
}

func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return s.do(ctx, func(st *state) error { return st.CreatePayment(ctx, payment) })
}

func (s *Store) CreateShipping(ctx context.Context, shipping *models.Shipping) error {
	return s.do(ctx, func(st *state) error { return st.CreateShipping(ctx, shipping) })
}

func (s *Store) GetOrderByID(ctx context.Context, id int64) (order *models.Order, err error) {
	err = s.do(ctx, func(st *state) error { order, err = st.GetOrderByID(ctx, id); return err })
	return order, err
}

func (s *Store) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return s.GetOrderByID(ctx, id)
}

func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) (items []models.OrderItem, err error) {
	err = s.do(ctx, func(st *state) error { items, err = st.GetOrderItemsByOrderID(ctx, orderID); return err })
	return items, err
}

func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID int64) (p *models.Payment, err error) {
	err = s.do(ctx, func(st *state) error { p, err = st.GetPaymentByOrderID(ctx, orderID); return err })
	return p, err
}

func (s *Store) GetShippingByOrderID(ctx context.Context, orderID int64) (sh *models.Shipping, err error) {
	err = s.do(ctx, func(st *state) error { sh, err = st.GetShippingByOrderID(ctx, orderID); return err })
	return sh, err
}

func (s *Store) CompareAndSetOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (ok bool, err error) {
	err = s.do(ctx, func(st *state) error { ok, err = st.CompareAndSetOrderStatus(ctx, orderID, from, to); return err })
	return ok, err
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, orderID int64, status models.PaymentStatus, providerTxID string, paidAt *time.Time) error {
	return s.do(ctx, func(st *state) error {
		return st.UpdatePaymentStatus(ctx, orderID, status, providerTxID, paidAt)
	})
}

func (s *Store) MarkShipped(ctx context.Context, orderID int64, at time.Time) error {
	return s.do(ctx, func(st *state) error { return st.MarkShipped(ctx, orderID, at) })
}

func (s *Store) MarkDelivered(ctx context.Context, orderID int64, at time.Time) error {
	return s.do(ctx, func(st *state) error { return st.MarkDelivered(ctx, orderID, at) })
}

func (s *Store) InsertOutbox(ctx context.Context, rec *models.OutboxRecord) error {
	return s.do(ctx, func(st *state) error { return st.InsertOutbox(ctx, rec) })
}

func (s *Store) FetchPendingOutbox(ctx context.Context, limit int) (recs []models.OutboxRecord, err error) {
	err = s.do(ctx, func(st *state) error { recs, err = st.FetchPendingOutbox(ctx, limit); return err })
	return recs, err
}

func (s *Store) MarkOutboxSent(ctx context.Context, id int64) error {
	return s.do(ctx, func(st *state) error { return st.MarkOutboxSent(ctx, id) })
}

// state implements store.Repository without locking; callers hold Store.mu.

func (st *state) GetInventory(_ context.Context, productID int64) (*models.Inventory, error) {
	inv, ok := st.inventory[productID]
	if !ok {
		return nil, notFound("inventory for product %d", productID)
	}
	return &inv, nil
}

func (st *state) LockInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	return st.GetInventory(ctx, productID)
}

func (st *state) CreateInventory(_ context.Context, inv *models.Inventory) error {
	if _, ok := st.inventory[inv.ProductID]; ok {
		return fmt.Errorf("failed to create inventory for product %d: %w", inv.ProductID, models.ErrConflict)
	}
	if inv.Quantity < 0 {
		return fmt.Errorf("failed to create inventory for product %d: %w", inv.ProductID, models.ErrInsufficientStock)
	}
	inv.UpdatedAt = time.Now().UTC()
	st.inventory[inv.ProductID] = *inv
	return nil
}

func (st *state) UpdateInventoryQuantity(_ context.Context, productID int64, quantity int) (*models.Inventory, error) {
	inv, ok := st.inventory[productID]
	if !ok {
		return nil, notFound("inventory for product %d", productID)
	}
	if quantity < 0 {
		return nil, fmt.Errorf("failed to update inventory for product %d: %w", productID, models.ErrInsufficientStock)
	}
	inv.Quantity = quantity
	inv.UpdatedAt = time.Now().UTC()
	st.inventory[productID] = inv
	return &inv, nil
}

func (st *state) GetProductPrice(_ context.Context, productID int64) (decimal.Decimal, error) {
	price, ok := st.prices[productID]
	if !ok {
		return decimal.Zero, notFound("product %d", productID)
	}
	return price, nil
}

func (st *state) GetCartByUserID(_ context.Context, userID int64) (*models.Cart, error) {
	cartID, ok := st.cartByUser[userID]
	if !ok {
		return nil, notFound("cart for user %d", userID)
	}
	cart := st.carts[cartID]
	cart.Items = append([]models.CartItem(nil), cart.Items...)
	return &cart, nil
}

func (st *state) LockCartByUserID(ctx context.Context, userID int64) (*models.Cart, error) {
	return st.GetCartByUserID(ctx, userID)
}

func (st *state) ClearCart(_ context.Context, cartID int64) error {
	cart, ok := st.carts[cartID]
	if !ok {
		return nil
	}
	cart.Items = nil
	st.carts[cartID] = cart
	return nil
}

func (st *state) CreateOrder(_ context.Context, order *models.Order) error {
	st.seq.order++
	order.ID = st.seq.order
	stored := *order
	stored.Items, stored.Payment, stored.Shipping = nil, nil, nil
	st.orders[order.ID] = stored
	return nil
}

func (st *state) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	if _, ok := st.orders[item.OrderID]; !ok {
		return notFound("order %d", item.OrderID)
	}
	st.seq.orderItem++
	item.ID = st.seq.orderItem
	st.orderItems[item.OrderID] = append(st.orderItems[item.OrderID], *item)
	return nil
}

func (st *state) CreatePayment(_ context.Context, payment *models.Payment) error {
	if _, ok := st.payments[payment.OrderID]; ok {
		return fmt.Errorf("failed to create payment: %w", models.ErrConflict)
	}
	st.seq.payment++
	payment.ID = st.seq.payment
	st.payments[payment.OrderID] = clonePayment(*payment)
	return nil
}

func (st *state) CreateShipping(_ context.Context, shipping *models.Shipping) error {
	if _, ok := st.shipping[shipping.OrderID]; ok {
		return fmt.Errorf("failed to create shipping: %w", models.ErrConflict)
	}
	st.seq.shipping++
	shipping.ID = st.seq.shipping
	st.shipping[shipping.OrderID] = cloneShipping(*shipping)
	return nil
}

func (st *state) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	order, ok := st.orders[id]
	if !ok {
		return nil, notFound("order %d", id)
	}
	return &order, nil
}

func (st *state) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return st.GetOrderByID(ctx, id)
}

func (st *state) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	return append([]models.OrderItem(nil), st.orderItems[orderID]...), nil
}

func (st *state) GetPaymentByOrderID(_ context.Context, orderID int64) (*models.Payment, error) {
	p, ok := st.payments[orderID]
	if !ok {
		return nil, notFound("payment for order %d", orderID)
	}
	p = clonePayment(p)
	return &p, nil
}

func (st *state) GetShippingByOrderID(_ context.Context, orderID int64) (*models.Shipping, error) {
	sh, ok := st.shipping[orderID]
	if !ok {
		return nil, notFound("shipping for order %d", orderID)
	}
	sh = cloneShipping(sh)
	return &sh, nil
}

func (st *state) CompareAndSetOrderStatus(_ context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	order, ok := st.orders[orderID]
	if !ok || order.Status != from {
		return false, nil
	}
	order.Status = to
	st.orders[orderID] = order
	return true, nil
}

func (st *state) UpdatePaymentStatus(_ context.Context, orderID int64, status models.PaymentStatus, providerTxID string, paidAt *time.Time) error {
	p, ok := st.payments[orderID]
	if !ok {
		return nil
	}
	p.Status = status
	if providerTxID != "" {
		p.ProviderTxID = providerTxID
	}
	if paidAt != nil {
		p.PaidAt = cloneTime(paidAt)
	}
	st.payments[orderID] = p
	return nil
}

func (st *state) MarkShipped(_ context.Context, orderID int64, at time.Time) error {
	if sh, ok := st.shipping[orderID]; ok {
		sh.ShippedDate = &at
		st.shipping[orderID] = sh
	}
	return nil
}

func (st *state) MarkDelivered(_ context.Context, orderID int64, at time.Time) error {
	if sh, ok := st.shipping[orderID]; ok {
		sh.DeliveryDate = &at
		st.shipping[orderID] = sh
	}
	return nil
}

func (st *state) InsertOutbox(_ context.Context, rec *models.OutboxRecord) error {
	for _, existing := range st.outbox {
		if existing.EventID == rec.EventID {
			return fmt.Errorf("failed to insert outbox record: %w", models.ErrConflict)
		}
	}
	st.seq.outbox++
	rec.ID = st.seq.outbox
	rec.CreatedAt = time.Now().UTC()
	stored := *rec
	stored.Payload = append([]byte(nil), rec.Payload...)
	st.outbox = append(st.outbox, stored)
	return nil
}

func (st *state) FetchPendingOutbox(_ context.Context, limit int) ([]models.OutboxRecord, error) {
	var out []models.OutboxRecord
	for _, rec := range st.outbox {
		if rec.SentAt != nil {
			continue
		}
		if len(out) == limit {
			break
		}
		rec.Payload = append([]byte(nil), rec.Payload...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) MarkOutboxSent(_ context.Context, id int64) error {
	for i := range st.outbox {
		if st.outbox[i].ID == id {
			now := time.Now().UTC()
			st.outbox[i].SentAt = &now
			return nil
		}
	}
	return notFound("outbox record %d", id)
}
