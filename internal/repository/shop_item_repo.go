package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parcelchain/custodia/internal/models"
	"github.com/parcelchain/custodia/internal/pkg/ulid"
)

// ShopItemRepository defines shop item data operations.
type ShopItemRepository interface {
	Create(ctx context.Context, item *models.ShopItem) error
	GetByID(ctx context.Context, id string) (*models.ShopItem, error)
	List(ctx context.Context, sellerID string) ([]*models.ShopItem, error)
}

type shopItemRepo struct {
	pool *pgxpool.Pool
}

// NewShopItemRepository creates a new shop item repository.
func NewShopItemRepository(pool *pgxpool.Pool) ShopItemRepository {
	return &shopItemRepo{pool: pool}
}

const shopItemColumns = `id, seller_id, name, description, price_cents, stock, created_at, updated_at`

// Create inserts a new shop item.
func (r *shopItemRepo) Create(ctx context.Context, item *models.ShopItem) error {
	if item.ID == "" {
		item.ID = ulid.New()
	}
	query := `
		INSERT INTO shop_items (id, seller_id, name, description, price_cents, stock)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return r.pool.QueryRow(ctx, query,
		item.ID,
		item.SellerID,
		item.Name,
		item.Description,
		item.PriceCents,
		item.Stock,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
}

// GetByID retrieves an item, or nil if absent.
func (r *shopItemRepo) GetByID(ctx context.Context, id string) (*models.ShopItem, error) {
	var item models.ShopItem
	err := r.pool.QueryRow(ctx,
		`SELECT `+shopItemColumns+` FROM shop_items WHERE id = $1`, id).Scan(
		&item.ID,
		&item.SellerID,
		&item.Name,
		&item.Description,
		&item.PriceCents,
		&item.Stock,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// List returns all items, optionally filtered by seller.
func (r *shopItemRepo) List(ctx context.Context, sellerID string) ([]*models.ShopItem, error) {
	query := `SELECT ` + shopItemColumns + ` FROM shop_items ORDER BY created_at DESC`
	args := []any{}
	if sellerID != "" {
		query = `SELECT ` + shopItemColumns + ` FROM shop_items WHERE seller_id = $1 ORDER BY created_at DESC`
		args = append(args, sellerID)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ShopItem
	for rows.Next() {
		var item models.ShopItem
		if err := rows.Scan(
			&item.ID,
			&item.SellerID,
			&item.Name,
			&item.Description,
			&item.PriceCents,
			&item.Stock,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}
