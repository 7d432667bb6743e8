package store

import (
	"context"
	"fmt"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
)

const inventoryColumns = "product_id, quantity, warehouse, updated_at"

// GetInventory retrieves inventory for a product
func (q *Queries) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := sqlx.GetContext(ctx, q.ext, &inv,
		"SELECT "+inventoryColumns+" FROM inventory WHERE product_id = $1", productID)
	if err != nil {
		return nil, fmt.Errorf("inventory for product %d: %w", productID, translate(err))
	}
	return &inv, nil
}

// LockInventory reads an inventory row with FOR UPDATE. Only meaningful inside InTx.
func (q *Queries) LockInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := sqlx.GetContext(ctx, q.ext, &inv,
		"SELECT "+inventoryColumns+" FROM inventory WHERE product_id = $1 FOR UPDATE", productID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock inventory for product %d: %w", productID, translate(err))
	}
	return &inv, nil
}

// CreateInventory inserts a new inventory row. A duplicate product is ErrConflict.
func (q *Queries) CreateInventory(ctx context.Context, inv *models.Inventory) error {
	query := `
		INSERT INTO inventory (product_id, quantity, warehouse)
		VALUES ($1, $2, $3)
		RETURNING updated_at`

	err := sqlx.GetContext(ctx, q.ext, &inv.UpdatedAt, query, inv.ProductID, inv.Quantity, inv.Warehouse)
	if err != nil {
		return fmt.Errorf("failed to create inventory for product %d: %w", inv.ProductID, translate(err))
	}
	return nil
}

// UpdateInventoryQuantity sets the absolute quantity of a row and returns it
func (q *Queries) UpdateInventoryQuantity(ctx context.Context, productID int64, quantity int) (*models.Inventory, error) {
	query := `
		UPDATE inventory SET quantity = $1, updated_at = NOW()
		WHERE product_id = $2
		RETURNING ` + inventoryColumns

	var inv models.Inventory
	if err := sqlx.GetContext(ctx, q.ext, &inv, query, quantity, productID); err != nil {
		return nil, fmt.Errorf("failed to update inventory for product %d: %w", productID, translate(err))
	}
	return &inv, nil
}
