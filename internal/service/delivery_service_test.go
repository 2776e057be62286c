package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelchain/custodia/internal/ca"
	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/config"
	"github.com/parcelchain/custodia/internal/ledger"
	"github.com/parcelchain/custodia/internal/middleware"
	"github.com/parcelchain/custodia/internal/models"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

// deliveryFixture wires the whole stack short of HTTP: embedded ledger,
// organization CAs, wallet, handle cache, and registered users.
type deliveryFixture struct {
	svc   DeliveryService
	auth  AuthService
	users *fakeUserRepo
}

func testDeadlines() config.DeadlineConfig {
	return config.DeadlineConfig{
		Evaluate:     30 * time.Second,
		Endorse:      time.Minute,
		Submit:       time.Minute,
		CommitStatus: 2 * time.Minute,
	}
}

func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()
	fx := newAuthFixture(t, "")

	clients := make([]ca.Client, 0, len(fx.cas))
	for _, c := range fx.cas {
		clients = append(clients, c)
	}
	emb := ledger.NewEmbedded(ca.Pool(clients...))
	handles := ledger.NewHandleCache(emb, 16, time.Minute, testLog())
	t.Cleanup(handles.Close)
	fx.wallet.OnEvict(handles.Invalidate)

	return &deliveryFixture{
		svc:   NewDeliveryService(fx.wallet, handles, fx.users, testDeadlines(), testLog()),
		auth:  fx.svc,
		users: fx.users,
	}
}

// register enrolls a user end to end and returns its id.
func (fx *deliveryFixture) register(t *testing.T, username, role string) string {
	t.Helper()
	user, err := fx.auth.Register(context.Background(), RegisterRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "s3cret-pass",
		Role:     role,
		FullName: username,
		Address:  &models.Address{Street: "Musterstr. 1", City: "Berlin", Zip: "10117", Country: "DE"},
	})
	require.NoError(t, err)
	return user.ID
}

func createReq() CreateDeliveryRequest {
	return CreateDeliveryRequest{
		OrderID:       "order-1",
		PackageWeight: 2.5,
		PackageLength: 30,
		PackageWidth:  20,
		PackageHeight: 10,
		City:          "Berlin",
		State:         "BE",
		Country:       "DE",
	}
}

func TestNewDeliveryID(t *testing.T) {
	id, err := NewDeliveryID(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Regexp(t, `^DEL-20260314-[0-9A-F]{8}$`, id)
	_, err = chaincode.CanonicalDeliveryID(id)
	assert.NoError(t, err)
}

func TestDeliveryLifecycle(t *testing.T) {
	fx := newDeliveryFixture(t)
	sellerID := fx.register(t, "seller", "SELLER")
	customerID := fx.register(t, "customer", "CUSTOMER")
	driverID := fx.register(t, "driver", "DELIVERY_PERSON")
	ctx := context.Background()

	req := createReq()
	req.CustomerID = customerID
	d, err := fx.svc.CreateDelivery(ctx, sellerID, req)
	require.NoError(t, err)
	assert.Equal(t, chaincode.StatusPendingPickup, d.DeliveryStatus)
	assert.Equal(t, sellerID, d.CurrentCustodianID)

	// Pickup handoff to the driver.
	require.NoError(t, fx.svc.InitiateHandoff(ctx, sellerID, d.DeliveryID, driverID, "DELIVERY_PERSON"))

	t.Run("confirm with partial metrics falls back to current values", func(t *testing.T) {
		weight := 2.7
		require.NoError(t, fx.svc.ConfirmHandoff(ctx, driverID, d.DeliveryID, ConfirmHandoffRequest{
			City:          "Hamburg",
			State:         "HH",
			Country:       "DE",
			PackageWeight: &weight,
		}))
		got, err := fx.svc.Read(ctx, driverID, d.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, chaincode.StatusInTransit, got.DeliveryStatus)
		assert.Equal(t, 2.7, got.PackageWeight)
		// Dimensions were not re-measured; the prior values stand.
		assert.Equal(t, chaincode.Dimensions{Length: 30, Width: 20, Height: 10}, got.PackageDimensions)
	})

	t.Run("driver updates location in transit", func(t *testing.T) {
		require.NoError(t, fx.svc.UpdateLocation(ctx, driverID, d.DeliveryID, "Kassel", "HE", "DE"))
		got, err := fx.svc.Read(ctx, driverID, d.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, "Kassel", got.LastLocation.City)
	})

	t.Run("driver sees held deliveries", func(t *testing.T) {
		mine, err := fx.svc.MyDeliveries(ctx, driverID)
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, d.DeliveryID, mine[0].DeliveryID)
	})

	t.Run("final handoff to customer", func(t *testing.T) {
		require.NoError(t, fx.svc.InitiateHandoff(ctx, driverID, d.DeliveryID, customerID, "CUSTOMER"))
		require.NoError(t, fx.svc.ConfirmHandoff(ctx, customerID, d.DeliveryID, ConfirmHandoffRequest{
			City: "Munich", State: "BY", Country: "DE",
		}))
		got, err := fx.svc.Read(ctx, customerID, d.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, chaincode.StatusConfirmedDelivery, got.DeliveryStatus)
		assert.Equal(t, customerID, got.CurrentCustodianID)
	})

	t.Run("history shows every version to the seller", func(t *testing.T) {
		recs, err := fx.svc.History(ctx, sellerID, d.DeliveryID)
		require.NoError(t, err)
		assert.NotEmpty(t, recs)
		assert.Equal(t, chaincode.StatusPendingPickup, recs[0].Delivery.DeliveryStatus)
		assert.Equal(t, chaincode.StatusConfirmedDelivery, recs[len(recs)-1].Delivery.DeliveryStatus)
	})
}

func TestDeliveryAuthorizationFlowsThroughCertificates(t *testing.T) {
	fx := newDeliveryFixture(t)
	sellerID := fx.register(t, "seller", "SELLER")
	customerID := fx.register(t, "customer", "CUSTOMER")
	strangerID := fx.register(t, "stranger", "CUSTOMER")
	ctx := context.Background()

	req := createReq()
	req.CustomerID = customerID
	d, err := fx.svc.CreateDelivery(ctx, sellerID, req)
	require.NoError(t, err)

	t.Run("stranger cannot read", func(t *testing.T) {
		_, err := fx.svc.Read(ctx, strangerID, d.DeliveryID)
		assert.Equal(t, apperrors.KindNotAuthorized, apperrors.KindOf(err))
		assert.False(t, fx.svc.Involved(ctx, strangerID, d.DeliveryID))
	})

	t.Run("parties are involved", func(t *testing.T) {
		assert.True(t, fx.svc.Involved(ctx, sellerID, d.DeliveryID))
		assert.True(t, fx.svc.Involved(ctx, customerID, d.DeliveryID))
	})

	t.Run("customer cancels before pickup", func(t *testing.T) {
		require.NoError(t, fx.svc.CancelDelivery(ctx, customerID, d.DeliveryID))
		got, err := fx.svc.Read(ctx, customerID, d.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, chaincode.StatusCancelled, got.DeliveryStatus)
	})

	t.Run("user without a wallet identity cannot transact", func(t *testing.T) {
		_, err := fx.svc.Read(ctx, "ghost-user", d.DeliveryID)
		assert.Equal(t, apperrors.KindNotAuthorized, apperrors.KindOf(err))
	})
}

func TestCustomerAddress(t *testing.T) {
	fx := newDeliveryFixture(t)
	sellerID := fx.register(t, "seller", "SELLER")
	customerID := fx.register(t, "customer", "CUSTOMER")
	driverID := fx.register(t, "driver", "DELIVERY_PERSON")
	otherDriverID := fx.register(t, "driver2", "DELIVERY_PERSON")
	ctx := context.Background()

	req := createReq()
	req.CustomerID = customerID
	d, err := fx.svc.CreateDelivery(ctx, sellerID, req)
	require.NoError(t, err)
	require.NoError(t, fx.svc.InitiateHandoff(ctx, sellerID, d.DeliveryID, driverID, "DELIVERY_PERSON"))

	t.Run("incoming driver sees the address", func(t *testing.T) {
		addr, err := fx.svc.CustomerAddress(ctx,
			&middleware.Principal{UserID: driverID, Role: chaincode.RoleDeliveryPerson}, d.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, "Musterstr. 1", addr.Street)
	})

	t.Run("uninvolved driver does not", func(t *testing.T) {
		_, err := fx.svc.CustomerAddress(ctx,
			&middleware.Principal{UserID: otherDriverID, Role: chaincode.RoleDeliveryPerson}, d.DeliveryID)
		assert.Equal(t, apperrors.KindNotAuthorized, apperrors.KindOf(err))
	})

	t.Run("the seller never sees it", func(t *testing.T) {
		_, err := fx.svc.CustomerAddress(ctx,
			&middleware.Principal{UserID: sellerID, Role: chaincode.RoleSeller}, d.DeliveryID)
		assert.Equal(t, apperrors.KindNotAuthorized, apperrors.KindOf(err))
	})
}
