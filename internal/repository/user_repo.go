// Package repository provides the entity-store data access layer.
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

// UserRepository defines user account data operations.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	SetStatus(ctx context.Context, id string, status models.UserStatus) error
	ListByRole(ctx context.Context, role string) ([]*models.User, error)
}

type userRepo struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new user repository.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepo{pool: pool}
}

const userColumns = `id, username, email, password_hash, role, full_name, address, company_id, company_name, vehicle_info, organization, status, created_at, updated_at`

// Create inserts a new user.
func (r *userRepo) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = ulid.New()
	}
	if user.Status == "" {
		user.Status = models.UserActive
	}
	addr, err := user.AddressJSON()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO users (id, username, email, password_hash, role, full_name, address, company_id, company_name, vehicle_info, organization, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`

	return r.pool.QueryRow(ctx, query,
		user.ID,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.Role,
		user.FullName,
		addr,
		user.CompanyID,
		user.CompanyName,
		user.VehicleInfo,
		user.Organization,
		user.Status,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
}

// GetByID retrieves a user by id, or nil if absent.
func (r *userRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByUsername retrieves a user by username, or nil if absent.
func (r *userRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (r *userRepo) getOne(ctx context.Context, query string, arg any) (*models.User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SetStatus updates the user's status. Registration rollback marks failed
// enrolments unusable through this.
func (r *userRepo) SetStatus(ctx context.Context, id string, status models.UserStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC(),
	)
	return err
}

// ListByRole returns all users with the given role.
func (r *userRepo) ListByRole(ctx context.Context, role string) ([]*models.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY created_at`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var addr []byte
	if err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.FullName,
		&addr,
		&user.CompanyID,
		&user.CompanyName,
		&user.VehicleInfo,
		&user.Organization,
		&user.Status,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(addr) > 0 {
		var a models.Address
		if err := json.Unmarshal(addr, &a); err == nil {
			user.Address = &a
		}
	}
	return &user, nil
}
