// Package wallet stores per-user ledger identities: the enrolled
// certificate and an AES-256-GCM sealed private key. The gateway loads a
// decrypted identity for every chaincode call it makes on a user's behalf.
package wallet

import (
	"context"
	"time"
)

// SealedKey is the encrypted private key material as persisted. The
// plaintext key never reaches a store.
type SealedKey struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"authTag"`
	Algorithm  string `json:"algorithm"`
}

// Record is the persisted form of a wallet identity, keyed by user id.
type Record struct {
	UserID              string    `json:"userId"`
	MSPID               string    `json:"mspId"`
	Certificate         []byte    `json:"certificate"` // PEM
	EncryptedPrivateKey SealedKey `json:"encryptedPrivateKey"`
	Organization        string    `json:"organization"`
	EnrollmentID        string    `json:"enrollmentId"`
	IsRevoked           bool      `json:"isRevoked"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Store persists wallet records. Implementations must be safe for
// concurrent use; the Wallet serializes writes per user id above this
// interface.
type Store interface {
	// Save inserts or replaces the record for rec.UserID.
	Save(ctx context.Context, rec *Record) error
	// Load returns the record for userID, or nil if none exists.
	Load(ctx context.Context, userID string) (*Record, error)
	// Delete removes the record for userID. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, userID string) error
	// List returns every stored record.
	List(ctx context.Context) ([]*Record, error)
}
