package store

import (
	"context"
	"fmt"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetCartByUserID loads a user's cart together with its items
func (q *Queries) GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, error) {
	return q.getCart(ctx, "SELECT id, user_id FROM carts WHERE user_id = $1", userID)
}

// LockCartByUserID loads a user's cart and locks the cart row until the transaction ends
func (q *Queries) LockCartByUserID(ctx context.Context, userID int64) (*models.Cart, error) {
	return q.getCart(ctx, "SELECT id, user_id FROM carts WHERE user_id = $1 FOR UPDATE", userID)
}

func (q *Queries) getCart(ctx context.Context, query string, userID int64) (*models.Cart, error) {
	var cart models.Cart
	if err := sqlx.GetContext(ctx, q.ext, &cart, query, userID); err != nil {
		return nil, fmt.Errorf("cart for user %d: %w", userID, translate(err))
	}

	err := sqlx.SelectContext(ctx, q.ext, &cart.Items,
		"SELECT id, cart_id, product_id, quantity, unit_price FROM cart_items WHERE cart_id = $1 ORDER BY id",
		cart.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart items: %w", translate(err))
	}
	return &cart, nil
}

// ClearCart removes every item from a cart
func (q *Queries) ClearCart(ctx context.Context, cartID int64) error {
	if _, err := q.ext.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", cartID); err != nil {
		return fmt.Errorf("failed to clear cart %d: %w", cartID, translate(err))
	}
	return nil
}
