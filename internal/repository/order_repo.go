package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parcelchain/custodia/internal/models"
	"github.com/parcelchain/custodia/internal/pkg/ulid"
)

// OrderRepository defines order data operations.
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*models.Order, error)
	ListBySeller(ctx context.Context, sellerID string) ([]*models.Order, error)
	// UpdateStatus transitions the order and, on confirmation, records the
	// owning delivery reference.
	UpdateStatus(ctx context.Context, id string, status models.OrderStatus, deliveryID string) error
}

type orderRepo struct {
	pool *pgxpool.Pool
}

// NewOrderRepository creates a new order repository.
func NewOrderRepository(pool *pgxpool.Pool) OrderRepository {
	return &orderRepo{pool: pool}
}

const orderColumns = `id, customer_id, seller_id, items, status, delivery_id, created_at, updated_at`

// Create inserts a new order in PENDING_CONFIRMATION.
func (r *orderRepo) Create(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = ulid.New()
	}
	if order.Status == "" {
		order.Status = models.OrderPendingConfirmation
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (id, customer_id, seller_id, items, status, delivery_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return r.pool.QueryRow(ctx, query,
		order.ID,
		order.CustomerID,
		order.SellerID,
		items,
		order.Status,
		order.DeliveryID,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
}

// GetByID retrieves an order, or nil if absent.
func (r *orderRepo) GetByID(ctx context.Context, id string) (*models.Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ListByCustomer returns the customer's orders, newest first.
func (r *orderRepo) ListByCustomer(ctx context.Context, customerID string) ([]*models.Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC`, customerID)
}

// ListBySeller returns the seller's orders, newest first.
func (r *orderRepo) ListBySeller(ctx context.Context, sellerID string) ([]*models.Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE seller_id = $1 ORDER BY created_at DESC`, sellerID)
}

func (r *orderRepo) list(ctx context.Context, query string, arg any) ([]*models.Order, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// UpdateStatus transitions the order.
func (r *orderRepo) UpdateStatus(ctx context.Context, id string, status models.OrderStatus, deliveryID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2, delivery_id = $3, updated_at = $4 WHERE id = $1`,
		id, status, deliveryID, time.Now().UTC(),
	)
	return err
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var items []byte
	if err := row.Scan(
		&order.ID,
		&order.CustomerID,
		&order.SellerID,
		&items,
		&order.Status,
		&order.DeliveryID,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, err
	}
	return &order, nil
}
