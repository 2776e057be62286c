package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

// Embedded runs the delivery contract in-process. Transactions execute
// single-threaded, stage their writes into a write-set, and commit
// atomically; committed events are delivered to subscribers in commit
// order. It is the development and test binding of the Client interface.
type Embedded struct {
	mu       sync.Mutex
	contract *chaincode.Contract
	state    map[string][]byte
	history  map[string][]chaincode.HistoryRecord
	block    uint64
	lastTime time.Time

	subMu sync.Mutex
	subs  map[uint64]chan Event
	nextSub uint64

	roots *x509.CertPool
	clock func() time.Time

	// beforeCommit runs between execution and commit; tests use it to
	// force deadline expiry.
	beforeCommit func()
}

// NewEmbedded creates an embedded ledger verifying client certificates
// against the given organization CA roots.
func NewEmbedded(roots *x509.CertPool) *Embedded {
	return &Embedded{
		contract: chaincode.NewContract(),
		state:    make(map[string][]byte),
		history:  make(map[string][]chaincode.HistoryRecord),
		subs:     make(map[uint64]chan Event),
		roots:    roots,
		clock:    time.Now,
	}
}

// Connect returns a client bound to the given identity.
func (l *Embedded) Connect(id Identity) (Client, error) {
	if id.Certificate == nil {
		return nil, apperrors.InvalidArgument("identity has no certificate")
	}
	if id.PrivateKey == nil {
		return nil, apperrors.InvalidArgument("identity has no private key")
	}
	return &embeddedClient{
		ledger: l,
		id:     id,
		signer: NewSigner(id.PrivateKey),
	}, nil
}

type embeddedClient struct {
	ledger *Embedded
	id     Identity
	signer Signer

	closeMu sync.Mutex
	closed  bool
}

func (c *embeddedClient) Submit(ctx context.Context, fn string, args ...string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	txID := uuid.NewString()
	digest := ProposalDigest(txID, fn, args)
	sig, err := c.signer.Sign(digest)
	if err != nil {
		return nil, apperrors.Internal(err, "signing proposal")
	}
	return c.ledger.execute(ctx, c.id, txID, digest, sig, fn, args, true)
}

func (c *embeddedClient) Evaluate(ctx context.Context, fn string, args ...string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	txID := uuid.NewString()
	digest := ProposalDigest(txID, fn, args)
	sig, err := c.signer.Sign(digest)
	if err != nil {
		return nil, apperrors.Internal(err, "signing proposal")
	}
	return c.ledger.execute(ctx, c.id, txID, digest, sig, fn, args, false)
}

func (c *embeddedClient) SubscribeEvents(ctx context.Context) (<-chan Event, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.ledger.subscribe(ctx), nil
}

func (c *embeddedClient) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.closed = true
	return nil
}

func (c *embeddedClient) checkOpen() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return apperrors.DependencyFailure(nil, "connection is closed")
	}
	return nil
}

// txContext implements chaincode.Context and chaincode.Stub for one
// transaction, staging writes and events until commit.
type txContext struct {
	ledger   *Embedded
	identity *chaincode.Identity
	idErr    error
	txID     string
	ts       time.Time
	writes   map[string][]byte
	writeOrder []string
	events   []Event
}

func (t *txContext) Stub() chaincode.Stub { return t }

func (t *txContext) Caller() (*chaincode.Identity, error) {
	return t.identity, t.idErr
}

func (t *txContext) GetState(key string) ([]byte, error) {
	if v, ok := t.writes[key]; ok {
		return v, nil
	}
	v, ok := t.ledger.state[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (t *txContext) PutState(key string, value []byte) error {
	if _, staged := t.writes[key]; !staged {
		t.writeOrder = append(t.writeOrder, key)
	}
	t.writes[key] = value
	return nil
}

func (t *txContext) GetAllStates() ([][]byte, error) {
	keys := make([]string, 0, len(t.ledger.state))
	for k := range t.ledger.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		v, _ := t.GetState(k)
		out = append(out, v)
	}
	return out, nil
}

func (t *txContext) GetHistory(key string) ([]chaincode.HistoryRecord, error) {
	recs := t.ledger.history[key]
	out := make([]chaincode.HistoryRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (t *txContext) SetEvent(name string, payload []byte) error {
	t.events = append(t.events, Event{Name: name, Payload: payload, TxID: t.txID})
	return nil
}

func (t *txContext) TxID() string          { return t.txID }
func (t *txContext) TxTimestamp() time.Time { return t.ts }

// execute runs one transaction under the ledger lock. Writes reach the
// world state only when the invocation succeeds and the caller's deadline
// has not fired, so partial writes are impossible.
func (l *Embedded) execute(ctx context.Context, id Identity, txID string, digest, sig []byte, fn string, args []string, ordered bool) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.DependencyFailure(err, "deadline expired before dispatch")
	}

	if err := l.verifyProposal(id, digest, sig); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Commit timestamps are monotonically non-decreasing.
	now := l.clock().UTC()
	if !now.After(l.lastTime) {
		now = l.lastTime.Add(time.Millisecond)
	}

	caller, idErr := chaincode.IdentityFromCertificate(id.Certificate, id.MSPID)
	tc := &txContext{
		ledger:   l,
		identity: caller,
		idErr:    idErr,
		txID:     txID,
		ts:       now,
		writes:   make(map[string][]byte),
	}

	result, err := l.dispatch(tc, fn, args)
	if err != nil {
		return nil, err
	}

	if !ordered {
		// Evaluations never commit. A query that staged writes is a
		// contract bug; discard them.
		return result, nil
	}

	if l.beforeCommit != nil {
		l.beforeCommit()
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.DependencyFailure(err, "deadline expired before commit")
	}

	// Commit.
	l.lastTime = now
	l.block++
	tsStr := now.Format(time.RFC3339)
	for _, key := range tc.writeOrder {
		value := tc.writes[key]
		l.state[key] = value
		var d chaincode.Delivery
		rec := chaincode.HistoryRecord{TxID: txID, Timestamp: tsStr}
		if err := json.Unmarshal(value, &d); err == nil {
			rec.Delivery = &d
		}
		l.history[key] = append(l.history[key], rec)
	}
	for i := range tc.events {
		tc.events[i].BlockNumber = l.block
	}
	l.publish(tc.events)

	return result, nil
}

func (l *Embedded) verifyProposal(id Identity, digest, sig []byte) error {
	opts := x509.VerifyOptions{
		Roots:     l.roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := id.Certificate.Verify(opts); err != nil {
		return apperrors.NotAuthorized("certificate not issued by a channel organization: %v", err)
	}
	pub, ok := id.Certificate.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return apperrors.NotAuthorized("certificate key is not ECDSA")
	}
	if !ecdsa.VerifyASN1(pub, digest, sig) {
		return apperrors.NotAuthorized("proposal signature verification failed")
	}
	return nil
}

func (l *Embedded) dispatch(tc *txContext, fn string, args []string) ([]byte, error) {
	argc := func(n int) error {
		if len(args) != n {
			return apperrors.InvalidArgument("%s expects %d arguments, got %d", fn, n, len(args))
		}
		return nil
	}
	num := func(s, name string) (float64, error) {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, apperrors.InvalidArgument("%s must be a number, got %q", name, s)
		}
		return v, nil
	}

	switch fn {
	case "CreateDelivery":
		if err := argc(10); err != nil {
			return nil, err
		}
		weight, err := num(args[3], "packageWeight")
		if err != nil {
			return nil, err
		}
		length, err := num(args[4], "length")
		if err != nil {
			return nil, err
		}
		width, err := num(args[5], "width")
		if err != nil {
			return nil, err
		}
		height, err := num(args[6], "height")
		if err != nil {
			return nil, err
		}
		return nil, l.contract.CreateDelivery(tc, args[0], args[1], args[2], weight, length, width, height, args[7], args[8], args[9])

	case "ReadDelivery":
		if err := argc(1); err != nil {
			return nil, err
		}
		d, err := l.contract.ReadDelivery(tc, args[0])
		if err != nil {
			return nil, err
		}
		return json.Marshal(d)

	case "UpdateLocation":
		if err := argc(4); err != nil {
			return nil, err
		}
		return nil, l.contract.UpdateLocation(tc, args[0], args[1], args[2], args[3])

	case "InitiateHandoff":
		if err := argc(3); err != nil {
			return nil, err
		}
		return nil, l.contract.InitiateHandoff(tc, args[0], args[1], args[2])

	case "ConfirmHandoff":
		if err := argc(8); err != nil {
			return nil, err
		}
		weight, err := num(args[4], "packageWeight")
		if err != nil {
			return nil, err
		}
		length, err := num(args[5], "length")
		if err != nil {
			return nil, err
		}
		width, err := num(args[6], "width")
		if err != nil {
			return nil, err
		}
		height, err := num(args[7], "height")
		if err != nil {
			return nil, err
		}
		return nil, l.contract.ConfirmHandoff(tc, args[0], args[1], args[2], args[3], weight, length, width, height)

	case "DisputeHandoff":
		if err := argc(2); err != nil {
			return nil, err
		}
		return nil, l.contract.DisputeHandoff(tc, args[0], args[1])

	case "CancelHandoff":
		if err := argc(1); err != nil {
			return nil, err
		}
		return nil, l.contract.CancelHandoff(tc, args[0])

	case "CancelDelivery":
		if err := argc(1); err != nil {
			return nil, err
		}
		return nil, l.contract.CancelDelivery(tc, args[0])

	case "QueryDeliveriesByCustodian":
		if err := argc(1); err != nil {
			return nil, err
		}
		ds, err := l.contract.QueryDeliveriesByCustodian(tc, args[0])
		if err != nil {
			return nil, err
		}
		return json.Marshal(ds)

	case "QueryDeliveriesByStatus":
		if err := argc(1); err != nil {
			return nil, err
		}
		ds, err := l.contract.QueryDeliveriesByStatus(tc, args[0])
		if err != nil {
			return nil, err
		}
		return json.Marshal(ds)

	case "GetDeliveryHistory":
		if err := argc(1); err != nil {
			return nil, err
		}
		recs, err := l.contract.GetDeliveryHistory(tc, args[0])
		if err != nil {
			return nil, err
		}
		return json.Marshal(recs)

	default:
		return nil, apperrors.InvalidArgument("unknown chaincode function %q", fn)
	}
}

const subscriberBuffer = 256

func (l *Embedded) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	go func() {
		<-ctx.Done()
		l.subMu.Lock()
		if existing, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(existing)
		}
		l.subMu.Unlock()
	}()

	return ch
}

func (l *Embedded) publish(events []Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ev := range events {
		for _, ch := range l.subs {
			select {
			case ch <- ev:
			default:
				// Slow subscriber; events are recoverable by re-reading
				// state, so drop rather than stall commits.
			}
		}
	}
}

// BlockHeight returns the number of committed blocks.
func (l *Embedded) BlockHeight() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block
}

var _ Connector = (*Embedded)(nil)

// String identifies the binding in logs.
func (l *Embedded) String() string {
	return fmt.Sprintf("embedded ledger (height %d)", l.BlockHeight())
}
