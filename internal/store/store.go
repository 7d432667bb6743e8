package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

// Repository is the set of queries available both on the pool and inside a transaction.
type Repository interface {
	GetInventory(ctx context.Context, productID int64) (*models.Inventory, error)
	LockInventory(ctx context.Context, productID int64) (*models.Inventory, error)
	CreateInventory(ctx context.Context, inv *models.Inventory) error
	UpdateInventoryQuantity(ctx context.Context, productID int64, quantity int) (*models.Inventory, error)

	GetProductPrice(ctx context.Context, productID int64) (decimal.Decimal, error)

	GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, error)
	LockCartByUserID(ctx context.Context, userID int64) (*models.Cart, error)
	ClearCart(ctx context.Context, cartID int64) error

	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	CreatePayment(ctx context.Context, payment *models.Payment) error
	CreateShipping(ctx context.Context, shipping *models.Shipping) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	GetShippingByOrderID(ctx context.Context, orderID int64) (*models.Shipping, error)
	CompareAndSetOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error)
	UpdatePaymentStatus(ctx context.Context, orderID int64, status models.PaymentStatus, providerTxID string, paidAt *time.Time) error
	MarkShipped(ctx context.Context, orderID int64, at time.Time) error
	MarkDelivered(ctx context.Context, orderID int64, at time.Time) error

	InsertOutbox(ctx context.Context, rec *models.OutboxRecord) error
	FetchPendingOutbox(ctx context.Context, limit int) ([]models.OutboxRecord, error)
	MarkOutboxSent(ctx context.Context, id int64) error
}

// TxStore is a Repository that can also run a function inside one transaction.
// If fn returns an error nothing it wrote is kept.
type TxStore interface {
	Repository
	InTx(ctx context.Context, fn func(Repository) error) error
}

// Queries implements Repository over either the pool or a transaction.
type Queries struct {
	ext sqlx.ExtContext
}

type Store struct {
	*Queries
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{Queries: &Queries{ext: db}, db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema if it does not exist yet
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a transaction. The transaction is rolled back when fn
// fails or ctx is cancelled before commit.
func (s *Store) InTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Queries{ext: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", translate(err))
	}
	return nil
}

// translate maps driver errors onto the domain error taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", models.ErrConflict, pqErr.Constraint)
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", models.ErrInsufficientStock, pqErr.Constraint)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", models.ErrConflict, pqErr.Message)
		}
	}
	return err
}

// GetProductPrice returns the current catalog price of a product
func (q *Queries) GetProductPrice(ctx context.Context, productID int64) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := sqlx.GetContext(ctx, q.ext, &price, "SELECT price FROM products WHERE id = $1", productID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("product %d: %w", productID, translate(err))
	}
	return price, nil
}
