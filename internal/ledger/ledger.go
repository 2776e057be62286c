// Package ledger abstracts the distributed ledger behind a small client
// interface: submit for ordered writes, evaluate for reads, and a
// committed-event subscription. Platform bindings implement Connector;
// the embedded binding runs the delivery contract in-process.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
)

// Event is a committed chaincode event. (TxID, BlockNumber) identifies an
// event uniquely; consumers must tolerate replays after reconnection.
type Event struct {
	Name        string
	Payload     []byte
	TxID        string
	BlockNumber uint64
}

// Identity is the signing identity a client connection is bound to.
type Identity struct {
	UserID      string
	MSPID       string
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// Client is a per-identity connection to the ledger. All calls respect the
// passed context's deadline; an expired deadline surfaces as
// DEPENDENCY_FAILURE with no partial state persisted.
type Client interface {
	// Submit sends a signed transaction through ordering and waits for
	// commit. Returns the chaincode's result payload, if any.
	Submit(ctx context.Context, fn string, args ...string) ([]byte, error)
	// Evaluate executes a read-only query against committed state.
	Evaluate(ctx context.Context, fn string, args ...string) ([]byte, error)
	// SubscribeEvents delivers committed chaincode events in commit order
	// until ctx is cancelled.
	SubscribeEvents(ctx context.Context) (<-chan Event, error)
	// Close releases all transport resources held by the connection.
	Close() error
}

// Connector creates per-identity clients. Implementations are shared
// across all users of an organization.
type Connector interface {
	Connect(id Identity) (Client, error)
}

// Signer produces signatures over proposal digests with a caller's key.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

type ecdsaSigner struct {
	key *ecdsa.PrivateKey
}

// NewSigner returns a Signer backed by the given ECDSA key.
func NewSigner(key *ecdsa.PrivateKey) Signer {
	return &ecdsaSigner{key: key}
}

func (s *ecdsaSigner) Sign(digest []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, s.key, digest)
}

// ProposalDigest computes the digest a client signs for a transaction
// proposal. Deterministic over (txID, fn, args).
func ProposalDigest(txID, fn string, args []string) []byte {
	h := sha256.New()
	h.Write([]byte(txID))
	h.Write([]byte{0})
	h.Write([]byte(fn))
	for _, a := range args {
		h.Write([]byte{0})
		h.Write([]byte(a))
	}
	return h.Sum(nil)
}
