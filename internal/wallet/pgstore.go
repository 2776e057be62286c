package wallet

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists wallet records in the wallet_identities table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PostgreSQL-backed wallet store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Save upserts the record keyed by user id.
func (s *PGStore) Save(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO wallet_identities (user_id, msp_id, certificate, ciphertext, iv, auth_tag, algorithm, organization, enrollment_id, is_revoked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id) DO UPDATE SET
			msp_id = EXCLUDED.msp_id,
			certificate = EXCLUDED.certificate,
			ciphertext = EXCLUDED.ciphertext,
			iv = EXCLUDED.iv,
			auth_tag = EXCLUDED.auth_tag,
			algorithm = EXCLUDED.algorithm,
			organization = EXCLUDED.organization,
			enrollment_id = EXCLUDED.enrollment_id,
			is_revoked = EXCLUDED.is_revoked,
			updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		rec.UserID,
		rec.MSPID,
		rec.Certificate,
		rec.EncryptedPrivateKey.Ciphertext,
		rec.EncryptedPrivateKey.IV,
		rec.EncryptedPrivateKey.AuthTag,
		rec.EncryptedPrivateKey.Algorithm,
		rec.Organization,
		rec.EnrollmentID,
		rec.IsRevoked,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

// Load returns the record for userID, or nil if absent.
func (s *PGStore) Load(ctx context.Context, userID string) (*Record, error) {
	query := `
		SELECT user_id, msp_id, certificate, ciphertext, iv, auth_tag, algorithm, organization, enrollment_id, is_revoked, created_at, updated_at
		FROM wallet_identities WHERE user_id = $1`

	var rec Record
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&rec.UserID,
		&rec.MSPID,
		&rec.Certificate,
		&rec.EncryptedPrivateKey.Ciphertext,
		&rec.EncryptedPrivateKey.IV,
		&rec.EncryptedPrivateKey.AuthTag,
		&rec.EncryptedPrivateKey.Algorithm,
		&rec.Organization,
		&rec.EnrollmentID,
		&rec.IsRevoked,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes the record.
func (s *PGStore) Delete(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM wallet_identities WHERE user_id = $1`, userID)
	return err
}

// List returns every stored record.
func (s *PGStore) List(ctx context.Context) ([]*Record, error) {
	query := `
		SELECT user_id, msp_id, certificate, ciphertext, iv, auth_tag, algorithm, organization, enrollment_id, is_revoked, created_at, updated_at
		FROM wallet_identities ORDER BY user_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.UserID,
			&rec.MSPID,
			&rec.Certificate,
			&rec.EncryptedPrivateKey.Ciphertext,
			&rec.EncryptedPrivateKey.IV,
			&rec.EncryptedPrivateKey.AuthTag,
			&rec.EncryptedPrivateKey.Algorithm,
			&rec.Organization,
			&rec.EnrollmentID,
			&rec.IsRevoked,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

var _ Store = (*PGStore)(nil)
