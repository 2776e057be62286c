package ledger

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelchain/custodia/internal/ca"
	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

type testLedger struct {
	ledger *Embedded
	cas    map[string]ca.Client
}

func newTestLedger(t *testing.T) *testLedger {
	t.Helper()
	cas := make(map[string]ca.Client)
	for _, org := range []string{ca.PlatformOrg, ca.SellersOrg, ca.LogisticsOrg} {
		c, err := ca.NewLocalCA(org)
		require.NoError(t, err)
		cas[org] = c
	}
	clients := make([]ca.Client, 0, len(cas))
	for _, c := range cas {
		clients = append(clients, c)
	}
	return &testLedger{
		ledger: NewEmbedded(ca.Pool(clients...)),
		cas:    cas,
	}
}

// connectAs enrolls a fresh identity with its organization CA and opens a
// client for it.
func (tl *testLedger) connectAs(t *testing.T, userID string, role chaincode.Role) Client {
	t.Helper()
	org, err := ca.OrgForRole(role)
	require.NoError(t, err)

	secret, err := tl.cas[org].Register(context.Background(), ca.RegisterRequest{
		EnrollmentID: userID,
		Role:         role,
	})
	require.NoError(t, err)
	enr, err := tl.cas[org].Enroll(context.Background(), ca.EnrollRequest{
		EnrollmentID: userID,
		Secret:       secret,
	})
	require.NoError(t, err)

	client, err := tl.ledger.Connect(Identity{
		UserID:      userID,
		MSPID:       ca.MSPID(org),
		Certificate: enr.Certificate,
		PrivateKey:  enr.PrivateKey,
	})
	require.NoError(t, err)
	return client
}

const testDeliveryID = "DEL-20260314-ABCD1234"

func createArgs() []string {
	return []string{
		testDeliveryID, "order-1", "customer-1",
		"2.5", "30", "20", "10", "Berlin", "BE", "DE",
	}
}

func confirmArgs(city string) []string {
	return []string{testDeliveryID, city, "BE", "DE", "2.5", "30", "20", "10"}
}

func readStatus(t *testing.T, client Client) chaincode.Status {
	t.Helper()
	raw, err := client.Evaluate(context.Background(), "ReadDelivery", testDeliveryID)
	require.NoError(t, err)
	var d chaincode.Delivery
	require.NoError(t, json.Unmarshal(raw, &d))
	return d.DeliveryStatus
}

func TestSubmitCommitsAndPublishes(t *testing.T) {
	tl := newTestLedger(t)
	sellerCl := tl.connectAs(t, "seller-1", chaincode.RoleSeller)
	driverCl := tl.connectAs(t, "driver-1", chaincode.RoleDeliveryPerson)
	customerCl := tl.connectAs(t, "customer-1", chaincode.RoleCustomer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := sellerCl.SubscribeEvents(ctx)
	require.NoError(t, err)

	// Drive the full chain and record both the polled statuses and the
	// event stream; the two status sequences must agree.
	_, err = sellerCl.Submit(context.Background(), "CreateDelivery", createArgs()...)
	require.NoError(t, err)
	polled := []chaincode.Status{readStatus(t, sellerCl)}

	_, err = sellerCl.Submit(context.Background(), "InitiateHandoff", testDeliveryID, "driver-1", "DELIVERY_PERSON")
	require.NoError(t, err)
	polled = append(polled, readStatus(t, sellerCl))

	_, err = driverCl.Submit(context.Background(), "ConfirmHandoff", confirmArgs("Hamburg")...)
	require.NoError(t, err)
	polled = append(polled, readStatus(t, driverCl))

	_, err = driverCl.Submit(context.Background(), "InitiateHandoff", testDeliveryID, "customer-1", "CUSTOMER")
	require.NoError(t, err)
	polled = append(polled, readStatus(t, driverCl))

	_, err = customerCl.Submit(context.Background(), "ConfirmHandoff", confirmArgs("Munich")...)
	require.NoError(t, err)
	polled = append(polled, readStatus(t, customerCl))

	assert.Equal(t, []chaincode.Status{
		chaincode.StatusPendingPickup,
		chaincode.StatusPendingPickupHandoff,
		chaincode.StatusInTransit,
		chaincode.StatusPendingDeliveryConfirmation,
		chaincode.StatusConfirmedDelivery,
	}, polled)

	var names []string
	var streamed []chaincode.Status
	var lastBlock uint64
	for len(names) < 9 {
		ev := <-events
		names = append(names, ev.Name)
		assert.NotEmpty(t, ev.TxID)
		assert.GreaterOrEqual(t, ev.BlockNumber, lastBlock)
		lastBlock = ev.BlockNumber
		if ev.Name == chaincode.EventDeliveryStatusChanged {
			var payload chaincode.StatusChangedEvent
			require.NoError(t, json.Unmarshal(ev.Payload, &payload))
			streamed = append(streamed, payload.NewStatus)
		}
	}

	assert.Equal(t, []string{
		chaincode.EventDeliveryCreated,
		chaincode.EventHandoffInitiated, chaincode.EventDeliveryStatusChanged,
		chaincode.EventHandoffConfirmed, chaincode.EventDeliveryStatusChanged,
		chaincode.EventHandoffInitiated, chaincode.EventDeliveryStatusChanged,
		chaincode.EventHandoffConfirmed, chaincode.EventDeliveryStatusChanged,
	}, names)

	// The event stream replays exactly the status path seen by polling
	// (minus creation, which is not a status change).
	assert.Equal(t, polled[1:], streamed)
}

func TestEvaluateNeverCommits(t *testing.T) {
	tl := newTestLedger(t)
	sellerCl := tl.connectAs(t, "seller-1", chaincode.RoleSeller)

	before := tl.ledger.BlockHeight()
	_, err := sellerCl.Evaluate(context.Background(), "QueryDeliveriesByCustodian", "seller-1")
	require.NoError(t, err)
	assert.Equal(t, before, tl.ledger.BlockHeight())

	// Even a state-mutating function run as a query must not commit.
	_, err = sellerCl.Evaluate(context.Background(), "CreateDelivery", createArgs()...)
	require.NoError(t, err)
	assert.Equal(t, before, tl.ledger.BlockHeight())
	_, err = sellerCl.Evaluate(context.Background(), "ReadDelivery", testDeliveryID)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestDeadlineExpiryLeavesNoPartialState(t *testing.T) {
	tl := newTestLedger(t)
	sellerCl := tl.connectAs(t, "seller-1", chaincode.RoleSeller)

	t.Run("expired before dispatch", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := sellerCl.Submit(ctx, "CreateDelivery", createArgs()...)
		assert.Equal(t, apperrors.KindDependencyFailure, apperrors.KindOf(err))
		assert.Zero(t, tl.ledger.BlockHeight())
	})

	t.Run("expired between execution and commit", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		tl.ledger.beforeCommit = cancel
		defer func() { tl.ledger.beforeCommit = nil }()

		_, err := sellerCl.Submit(ctx, "CreateDelivery", createArgs()...)
		assert.Equal(t, apperrors.KindDependencyFailure, apperrors.KindOf(err))
		assert.Zero(t, tl.ledger.BlockHeight())

		// The aborted transaction left nothing behind.
		_, err = sellerCl.Evaluate(context.Background(), "ReadDelivery", testDeliveryID)
		assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
	})
}

func TestHistoryRecordsEveryVersion(t *testing.T) {
	tl := newTestLedger(t)
	sellerCl := tl.connectAs(t, "seller-1", chaincode.RoleSeller)
	driverCl := tl.connectAs(t, "driver-1", chaincode.RoleDeliveryPerson)

	_, err := sellerCl.Submit(context.Background(), "CreateDelivery", createArgs()...)
	require.NoError(t, err)
	_, err = sellerCl.Submit(context.Background(), "InitiateHandoff", testDeliveryID, "driver-1", "DELIVERY_PERSON")
	require.NoError(t, err)
	_, err = driverCl.Submit(context.Background(), "ConfirmHandoff", confirmArgs("Hamburg")...)
	require.NoError(t, err)

	raw, err := sellerCl.Evaluate(context.Background(), "GetDeliveryHistory", testDeliveryID)
	require.NoError(t, err)
	var history []chaincode.HistoryRecord
	require.NoError(t, json.Unmarshal(raw, &history))
	require.Len(t, history, 3)

	statuses := make([]chaincode.Status, len(history))
	for i, rec := range history {
		require.NotNil(t, rec.Delivery)
		statuses[i] = rec.Delivery.DeliveryStatus

		// Identity fields never change across versions.
		assert.Equal(t, testDeliveryID, rec.Delivery.DeliveryID)
		assert.Equal(t, "order-1", rec.Delivery.OrderID)
		assert.Equal(t, "seller-1", rec.Delivery.SellerID)
		assert.Equal(t, "customer-1", rec.Delivery.CustomerID)
		assert.NotEmpty(t, rec.TxID)
	}
	assert.Equal(t, []chaincode.Status{
		chaincode.StatusPendingPickup,
		chaincode.StatusPendingPickupHandoff,
		chaincode.StatusInTransit,
	}, statuses)
}

func TestRejectsForeignCertificates(t *testing.T) {
	tl := newTestLedger(t)

	// An identity signed by a CA outside the channel's organizations.
	foreign, err := ca.NewLocalCA(ca.SellersOrg)
	require.NoError(t, err)
	secret, err := foreign.Register(context.Background(), ca.RegisterRequest{
		EnrollmentID: "intruder",
		Role:         chaincode.RoleSeller,
	})
	require.NoError(t, err)
	enr, err := foreign.Enroll(context.Background(), ca.EnrollRequest{
		EnrollmentID: "intruder",
		Secret:       secret,
	})
	require.NoError(t, err)

	client, err := tl.ledger.Connect(Identity{
		UserID:      "intruder",
		MSPID:       ca.MSPID(ca.SellersOrg),
		Certificate: enr.Certificate,
		PrivateKey:  enr.PrivateKey,
	})
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), "CreateDelivery", createArgs()...)
	assert.Equal(t, apperrors.KindNotAuthorized, apperrors.KindOf(err))
}

func TestRejectsMismatchedSigningKey(t *testing.T) {
	tl := newTestLedger(t)

	org := ca.SellersOrg
	secret, err := tl.cas[org].Register(context.Background(), ca.RegisterRequest{
		EnrollmentID: "seller-1",
		Role:         chaincode.RoleSeller,
	})
	require.NoError(t, err)
	enr, err := tl.cas[org].Enroll(context.Background(), ca.EnrollRequest{
		EnrollmentID: "seller-1",
		Secret:       secret,
	})
	require.NoError(t, err)

	// Signing with a key that does not match the certificate.
	wrongKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	client, err := tl.ledger.Connect(Identity{
		UserID:      "seller-1",
		MSPID:       ca.MSPID(org),
		Certificate: enr.Certificate,
		PrivateKey:  wrongKey,
	})
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), "CreateDelivery", createArgs()...)
	assert.Equal(t, apperrors.KindNotAuthorized, apperrors.KindOf(err))
}

func TestDispatchArgumentChecks(t *testing.T) {
	tl := newTestLedger(t)
	sellerCl := tl.connectAs(t, "seller-1", chaincode.RoleSeller)

	t.Run("unknown function", func(t *testing.T) {
		_, err := sellerCl.Submit(context.Background(), "DestroyDelivery", testDeliveryID)
		assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
	})

	t.Run("wrong arity", func(t *testing.T) {
		_, err := sellerCl.Submit(context.Background(), "CreateDelivery", testDeliveryID)
		assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
	})

	t.Run("non-numeric weight", func(t *testing.T) {
		args := createArgs()
		args[3] = "heavy"
		_, err := sellerCl.Submit(context.Background(), "CreateDelivery", args...)
		assert.Equal(t, apperrors.KindInvalidArgument, apperrors.KindOf(err))
	})
}

func TestClosedClientRefusesCalls(t *testing.T) {
	tl := newTestLedger(t)
	client := tl.connectAs(t, "seller-1", chaincode.RoleSeller)
	require.NoError(t, client.Close())

	_, err := client.Submit(context.Background(), "CreateDelivery", createArgs()...)
	assert.Equal(t, apperrors.KindDependencyFailure, apperrors.KindOf(err))
	_, err = client.Evaluate(context.Background(), "ReadDelivery", testDeliveryID)
	assert.Equal(t, apperrors.KindDependencyFailure, apperrors.KindOf(err))
}

func TestBlockHeightAdvancesPerCommit(t *testing.T) {
	tl := newTestLedger(t)
	sellerCl := tl.connectAs(t, "seller-1", chaincode.RoleSeller)

	for i := 0; i < 3; i++ {
		id := "DEL-20260314-0000000" + strconv.Itoa(i)
		args := createArgs()
		args[0] = id
		args[1] = "order-" + strconv.Itoa(i)
		_, err := sellerCl.Submit(context.Background(), "CreateDelivery", args...)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), tl.ledger.BlockHeight())
}
