package chaincode

import (
	"encoding/json"
	"time"

	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

// Stub is the narrow view of the ledger a transaction executes against.
// Writes are staged into the transaction's write-set and committed
// atomically by the binding; a returned error aborts the transaction with
// no partial writes.
type Stub interface {
	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error
	// GetAllStates returns the raw values of every key in the world state.
	// Bindings over a query-capable state DB may translate the contract's
	// in-memory filters to native selectors as long as the result set is
	// identical.
	GetAllStates() ([][]byte, error)
	GetHistory(key string) ([]HistoryRecord, error)
	SetEvent(name string, payload []byte) error
	TxID() string
	TxTimestamp() time.Time
}

// Context carries the stub and the endorsing client's identity into a
// contract invocation.
type Context interface {
	Stub() Stub
	Caller() (*Identity, error)
}

// Contract is the delivery state machine. All methods are deterministic
// and safe to re-execute during endorsement.
type Contract struct{}

// NewContract returns the delivery contract.
func NewContract() *Contract {
	return &Contract{}
}

func (c *Contract) caller(ctx Context, allowed ...Role) (*Identity, error) {
	id, err := ctx.Caller()
	if err != nil {
		return nil, err
	}
	for _, r := range allowed {
		if id.Role == r {
			return id, nil
		}
	}
	return nil, apperrors.NotAuthorized("role %s is not authorized for this operation", id.Role)
}

func (c *Contract) getDelivery(stub Stub, deliveryID string) (*Delivery, error) {
	raw, err := stub.GetState(deliveryID)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "reading delivery %s", deliveryID)
	}
	if raw == nil {
		return nil, apperrors.NotFound("delivery %s does not exist", deliveryID)
	}
	var d Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, apperrors.Internal(err, "unmarshaling delivery %s", deliveryID)
	}
	return &d, nil
}

func (c *Contract) putDelivery(stub Stub, d *Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return apperrors.Internal(err, "marshaling delivery %s", d.DeliveryID)
	}
	if err := stub.PutState(d.DeliveryID, raw); err != nil {
		return apperrors.DependencyFailure(err, "writing delivery %s", d.DeliveryID)
	}
	return nil
}

func (c *Contract) emit(stub Stub, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Internal(err, "marshaling %s event", name)
	}
	if err := stub.SetEvent(name, raw); err != nil {
		return apperrors.DependencyFailure(err, "emitting %s event", name)
	}
	return nil
}

// txTime returns the transaction timestamp formatted RFC3339 UTC, clamped
// so a delivery's updatedAt never decreases (invariant I6).
func (c *Contract) txTime(stub Stub, prev string) string {
	ts := stub.TxTimestamp().UTC()
	if prev != "" {
		if p, err := time.Parse(time.RFC3339, prev); err == nil && ts.Before(p) {
			ts = p
		}
	}
	return ts.Format(time.RFC3339)
}

// CreateDelivery creates a delivery in PENDING_PICKUP with the seller as
// custodian. Only SELLER may create; the seller id comes from the
// certificate, never from an argument.
func (c *Contract) CreateDelivery(
	ctx Context,
	deliveryID, orderID, customerID string,
	weight float64,
	length, width, height float64,
	city, state, country string,
) error {
	caller, err := c.caller(ctx, RoleSeller)
	if err != nil {
		return err
	}

	deliveryID, err = CanonicalDeliveryID(deliveryID)
	if err != nil {
		return err
	}
	if orderID == "" {
		return apperrors.InvalidArgument("orderId must not be empty")
	}
	if customerID == "" {
		return apperrors.InvalidArgument("customerId must not be empty")
	}
	if err := validateWeight(weight); err != nil {
		return err
	}
	dims := Dimensions{Length: length, Width: width, Height: height}
	if err := validateDimensions(dims); err != nil {
		return err
	}
	loc := Location{City: city, State: state, Country: country}
	if err := validateLocation(loc); err != nil {
		return err
	}

	stub := ctx.Stub()
	existing, err := stub.GetState(deliveryID)
	if err != nil {
		return apperrors.DependencyFailure(err, "checking delivery %s", deliveryID)
	}
	if existing != nil {
		return apperrors.Conflict("delivery %s already exists", deliveryID)
	}

	now := c.txTime(stub, "")
	d := &Delivery{
		DeliveryID:           deliveryID,
		OrderID:              orderID,
		SellerID:             caller.UserID,
		CustomerID:           customerID,
		PackageWeight:        weight,
		PackageDimensions:    dims,
		DeliveryStatus:       StatusPendingPickup,
		LastLocation:         loc,
		CurrentCustodianID:   caller.UserID,
		CurrentCustodianRole: RoleSeller,
		UpdatedAt:            now,
	}
	if err := c.putDelivery(stub, d); err != nil {
		return err
	}

	return c.emit(stub, EventDeliveryCreated, DeliveryCreatedEvent{
		DeliveryID: deliveryID,
		OrderID:    orderID,
		NewStatus:  StatusPendingPickup,
		Timestamp:  now,
	})
}

// ReadDelivery returns the record if the caller is a party to it or ADMIN.
func (c *Contract) ReadDelivery(ctx Context, deliveryID string) (*Delivery, error) {
	caller, err := ctx.Caller()
	if err != nil {
		return nil, err
	}

	d, err := c.getDelivery(ctx.Stub(), deliveryID)
	if err != nil {
		return nil, err
	}
	if caller.Role != RoleAdmin && !d.InvolvedParty(caller.UserID) {
		return nil, apperrors.NotAuthorized("not authorized to access this delivery")
	}
	return d, nil
}

// UpdateLocation records the package's current location while in transit.
// Only the current DELIVERY_PERSON custodian may update. No event: a
// location update is not a status change.
func (c *Contract) UpdateLocation(ctx Context, deliveryID, city, state, country string) error {
	caller, err := c.caller(ctx, RoleDeliveryPerson)
	if err != nil {
		return err
	}
	loc := Location{City: city, State: state, Country: country}
	if err := validateLocation(loc); err != nil {
		return err
	}

	stub := ctx.Stub()
	d, err := c.getDelivery(stub, deliveryID)
	if err != nil {
		return err
	}
	if d.CurrentCustodianID != caller.UserID {
		return apperrors.NotAuthorized("only the current custodian can update location")
	}
	if d.DeliveryStatus != StatusInTransit {
		return apperrors.InvalidState("can only update location while in transit, current status %s", d.DeliveryStatus)
	}

	d.LastLocation = loc
	d.UpdatedAt = c.txTime(stub, d.UpdatedAt)
	return c.putDelivery(stub, d)
}

// InitiateHandoff proposes a custody transfer from the current custodian
// to a DELIVERY_PERSON or CUSTOMER. A seller-initiated pickup moves the
// delivery to PENDING_PICKUP_HANDOFF until the driver confirms.
func (c *Contract) InitiateHandoff(ctx Context, deliveryID, toUserID, toRole string) error {
	caller, err := c.caller(ctx, RoleSeller, RoleDeliveryPerson)
	if err != nil {
		return err
	}

	target, ok := ParseRole(toRole)
	if !ok || (target != RoleDeliveryPerson && target != RoleCustomer) {
		return apperrors.InvalidArgument("handoff target role must be DELIVERY_PERSON or CUSTOMER")
	}
	if toUserID == "" {
		return apperrors.InvalidArgument("toUserId must not be empty")
	}
	if toUserID == caller.UserID {
		return apperrors.InvalidArgument("cannot hand off to yourself")
	}
	// Sellers hand off to drivers only, never directly to the customer.
	if caller.Role == RoleSeller && target == RoleCustomer {
		return apperrors.NotAuthorized("sellers can only hand off to delivery persons")
	}

	stub := ctx.Stub()
	d, err := c.getDelivery(stub, deliveryID)
	if err != nil {
		return err
	}
	if d.CurrentCustodianID != caller.UserID {
		return apperrors.NotAuthorized("only the current custodian can initiate a handoff")
	}
	if d.PendingHandoff != nil {
		return apperrors.InvalidState("there is already a pending handoff for this delivery")
	}
	if d.DeliveryStatus != StatusPendingPickup && d.DeliveryStatus != StatusInTransit {
		return apperrors.InvalidState("cannot initiate handoff in status %s", d.DeliveryStatus)
	}

	now := c.txTime(stub, d.UpdatedAt)
	d.PendingHandoff = &PendingHandoff{
		FromUserID:  caller.UserID,
		FromRole:    caller.Role,
		ToUserID:    toUserID,
		ToRole:      target,
		InitiatedAt: now,
	}

	oldStatus := d.DeliveryStatus
	switch target {
	case RoleDeliveryPerson:
		if d.DeliveryStatus == StatusPendingPickup {
			d.DeliveryStatus = StatusPendingPickupHandoff
		} else {
			d.DeliveryStatus = StatusPendingTransitHandoff
		}
	case RoleCustomer:
		d.DeliveryStatus = StatusPendingDeliveryConfirmation
	}
	d.UpdatedAt = now

	if err := c.putDelivery(stub, d); err != nil {
		return err
	}

	if err := c.emit(stub, EventHandoffInitiated, HandoffInitiatedEvent{
		DeliveryID: d.DeliveryID,
		OrderID:    d.OrderID,
		FromUserID: caller.UserID,
		ToUserID:   toUserID,
		ToRole:     target,
		Timestamp:  now,
	}); err != nil {
		return err
	}
	if oldStatus != d.DeliveryStatus {
		return c.emit(stub, EventDeliveryStatusChanged, StatusChangedEvent{
			DeliveryID: d.DeliveryID,
			OrderID:    d.OrderID,
			OldStatus:  oldStatus,
			NewStatus:  d.DeliveryStatus,
			Timestamp:  now,
		})
	}
	return nil
}

// ConfirmHandoff transfers custody to the pending handoff's target. The
// recipient re-measures the package: location and package metrics are
// overwritten with the provided values.
func (c *Contract) ConfirmHandoff(
	ctx Context,
	deliveryID string,
	city, state, country string,
	weight float64,
	length, width, height float64,
) error {
	caller, err := c.caller(ctx, RoleDeliveryPerson, RoleCustomer)
	if err != nil {
		return err
	}
	loc := Location{City: city, State: state, Country: country}
	if err := validateLocation(loc); err != nil {
		return err
	}
	if err := validateWeight(weight); err != nil {
		return err
	}
	dims := Dimensions{Length: length, Width: width, Height: height}
	if err := validateDimensions(dims); err != nil {
		return err
	}

	stub := ctx.Stub()
	d, err := c.getDelivery(stub, deliveryID)
	if err != nil {
		return err
	}
	if d.PendingHandoff == nil {
		return apperrors.InvalidState("no pending handoff for this delivery")
	}
	if d.PendingHandoff.ToUserID != caller.UserID {
		return apperrors.NotAuthorized("only the intended recipient can confirm the handoff")
	}

	now := c.txTime(stub, d.UpdatedAt)
	handoff := d.PendingHandoff
	oldStatus := d.DeliveryStatus

	// Custody transfers before the pending record is cleared (P3).
	d.CurrentCustodianID = handoff.ToUserID
	d.CurrentCustodianRole = handoff.ToRole
	d.PendingHandoff = nil
	d.LastLocation = loc
	d.PackageWeight = weight
	d.PackageDimensions = dims

	switch handoff.ToRole {
	case RoleDeliveryPerson:
		d.DeliveryStatus = StatusInTransit
	case RoleCustomer:
		d.DeliveryStatus = StatusConfirmedDelivery
	}
	d.UpdatedAt = now

	if err := c.putDelivery(stub, d); err != nil {
		return err
	}

	if err := c.emit(stub, EventHandoffConfirmed, HandoffConfirmedEvent{
		DeliveryID: d.DeliveryID,
		OrderID:    d.OrderID,
		FromUserID: handoff.FromUserID,
		ToUserID:   handoff.ToUserID,
		Timestamp:  now,
	}); err != nil {
		return err
	}
	return c.emit(stub, EventDeliveryStatusChanged, StatusChangedEvent{
		DeliveryID: d.DeliveryID,
		OrderID:    d.OrderID,
		OldStatus:  oldStatus,
		NewStatus:  d.DeliveryStatus,
		Timestamp:  now,
	})
}

// DisputeHandoff rejects a pending custody transfer. Custody stays with
// the initiator and the delivery enters the matching disputed status,
// which is terminal.
func (c *Contract) DisputeHandoff(ctx Context, deliveryID, reason string) error {
	caller, err := c.caller(ctx, RoleDeliveryPerson, RoleCustomer)
	if err != nil {
		return err
	}
	if reason == "" {
		return apperrors.InvalidArgument("dispute reason must not be empty")
	}
	if len(reason) > MaxReasonChars {
		return apperrors.InvalidArgument("dispute reason exceeds %d characters", MaxReasonChars)
	}

	stub := ctx.Stub()
	d, err := c.getDelivery(stub, deliveryID)
	if err != nil {
		return err
	}
	if d.PendingHandoff == nil {
		return apperrors.InvalidState("no pending handoff for this delivery")
	}
	if d.PendingHandoff.ToUserID != caller.UserID {
		return apperrors.NotAuthorized("only the intended recipient can dispute the handoff")
	}

	now := c.txTime(stub, d.UpdatedAt)
	oldStatus := d.DeliveryStatus
	d.PendingHandoff = nil

	switch oldStatus {
	case StatusPendingPickupHandoff:
		d.DeliveryStatus = StatusDisputedPickup
	case StatusPendingTransitHandoff:
		d.DeliveryStatus = StatusDisputedTransitHandoff
	case StatusPendingDeliveryConfirmation:
		d.DeliveryStatus = StatusDisputedDelivery
	default:
		return apperrors.InvalidState("cannot dispute handoff in status %s", oldStatus)
	}
	d.UpdatedAt = now

	if err := c.putDelivery(stub, d); err != nil {
		return err
	}

	if err := c.emit(stub, EventHandoffDisputed, HandoffDisputedEvent{
		DeliveryID: d.DeliveryID,
		OrderID:    d.OrderID,
		DisputedBy: caller.UserID,
		Reason:     reason,
		Timestamp:  now,
	}); err != nil {
		return err
	}
	return c.emit(stub, EventDeliveryStatusChanged, StatusChangedEvent{
		DeliveryID: d.DeliveryID,
		OrderID:    d.OrderID,
		OldStatus:  oldStatus,
		NewStatus:  d.DeliveryStatus,
		Timestamp:  now,
	})
}

// CancelHandoff withdraws a pending custody transfer. Only the initiator
// may cancel; the status reverts to its pre-handoff value.
func (c *Contract) CancelHandoff(ctx Context, deliveryID string) error {
	caller, err := c.caller(ctx, RoleSeller, RoleDeliveryPerson)
	if err != nil {
		return err
	}

	stub := ctx.Stub()
	d, err := c.getDelivery(stub, deliveryID)
	if err != nil {
		return err
	}
	if d.PendingHandoff == nil {
		return apperrors.InvalidState("no pending handoff for this delivery")
	}
	if d.PendingHandoff.FromUserID != caller.UserID {
		return apperrors.NotAuthorized("only the handoff initiator can cancel it")
	}

	now := c.txTime(stub, d.UpdatedAt)
	oldStatus := d.DeliveryStatus
	d.PendingHandoff = nil

	switch oldStatus {
	case StatusPendingPickupHandoff:
		d.DeliveryStatus = StatusPendingPickup
	case StatusPendingTransitHandoff, StatusPendingDeliveryConfirmation:
		d.DeliveryStatus = StatusInTransit
	}
	d.UpdatedAt = now

	if err := c.putDelivery(stub, d); err != nil {
		return err
	}

	if oldStatus != d.DeliveryStatus {
		return c.emit(stub, EventDeliveryStatusChanged, StatusChangedEvent{
			DeliveryID: d.DeliveryID,
			OrderID:    d.OrderID,
			OldStatus:  oldStatus,
			NewStatus:  d.DeliveryStatus,
			Timestamp:  now,
		})
	}
	return nil
}

// CancelDelivery cancels a delivery before pickup. Only the delivery's
// customer may cancel, and only while still PENDING_PICKUP.
func (c *Contract) CancelDelivery(ctx Context, deliveryID string) error {
	caller, err := c.caller(ctx, RoleCustomer)
	if err != nil {
		return err
	}

	stub := ctx.Stub()
	d, err := c.getDelivery(stub, deliveryID)
	if err != nil {
		return err
	}
	if d.CustomerID != caller.UserID {
		return apperrors.NotAuthorized("only the customer can cancel this delivery")
	}
	if d.DeliveryStatus != StatusPendingPickup {
		return apperrors.InvalidState("delivery can only be cancelled before pickup, current status %s", d.DeliveryStatus)
	}

	now := c.txTime(stub, d.UpdatedAt)
	oldStatus := d.DeliveryStatus
	d.DeliveryStatus = StatusCancelled
	d.UpdatedAt = now

	if err := c.putDelivery(stub, d); err != nil {
		return err
	}

	return c.emit(stub, EventDeliveryStatusChanged, StatusChangedEvent{
		DeliveryID: d.DeliveryID,
		OrderID:    d.OrderID,
		OldStatus:  oldStatus,
		NewStatus:  StatusCancelled,
		Timestamp:  now,
	})
}

// QueryDeliveriesByCustodian returns the deliveries the given user is
// involved with, filtered by the caller's role. Non-admin callers may only
// query themselves.
func (c *Contract) QueryDeliveriesByCustodian(ctx Context, custodianID string) ([]*Delivery, error) {
	caller, err := ctx.Caller()
	if err != nil {
		return nil, err
	}
	isAdmin := caller.Role == RoleAdmin
	if !isAdmin && custodianID != caller.UserID {
		return nil, apperrors.NotAuthorized("can only query your own deliveries")
	}

	all, err := c.scanDeliveries(ctx.Stub())
	if err != nil {
		return nil, err
	}

	var out []*Delivery
	for _, d := range all {
		switch {
		case isAdmin:
			if custodianID == "" || d.CurrentCustodianID == custodianID {
				out = append(out, d)
			}
		case caller.Role == RoleCustomer:
			if d.CustomerID == caller.UserID {
				out = append(out, d)
			}
		case caller.Role == RoleSeller:
			if d.SellerID == caller.UserID {
				out = append(out, d)
			}
		case caller.Role == RoleDeliveryPerson:
			// Drivers see what they hold plus incoming handoffs.
			incoming := d.PendingHandoff != nil && d.PendingHandoff.ToUserID == caller.UserID
			if d.CurrentCustodianID == caller.UserID || incoming {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// QueryDeliveriesByStatus returns the caller's visible deliveries in the
// given status.
func (c *Contract) QueryDeliveriesByStatus(ctx Context, status string) ([]*Delivery, error) {
	caller, err := ctx.Caller()
	if err != nil {
		return nil, err
	}
	want, ok := ParseStatus(status)
	if !ok {
		return nil, apperrors.InvalidArgument("unknown delivery status %q", status)
	}

	all, err := c.scanDeliveries(ctx.Stub())
	if err != nil {
		return nil, err
	}

	var out []*Delivery
	for _, d := range all {
		if d.DeliveryStatus != want {
			continue
		}
		if caller.Role == RoleAdmin || d.InvolvedParty(caller.UserID) {
			out = append(out, d)
		}
	}
	return out, nil
}

// GetDeliveryHistory returns every committed version of a delivery. Only
// the seller, the customer, or ADMIN may view history.
func (c *Contract) GetDeliveryHistory(ctx Context, deliveryID string) ([]HistoryRecord, error) {
	caller, err := c.caller(ctx, RoleSeller, RoleCustomer, RoleAdmin)
	if err != nil {
		return nil, err
	}

	stub := ctx.Stub()
	d, err := c.getDelivery(stub, deliveryID)
	if err != nil {
		return nil, err
	}
	if caller.Role != RoleAdmin && d.SellerID != caller.UserID && d.CustomerID != caller.UserID {
		return nil, apperrors.NotAuthorized("only the seller or customer of this delivery can view its history")
	}

	history, err := stub.GetHistory(deliveryID)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "reading history for %s", deliveryID)
	}
	return history, nil
}

func (c *Contract) scanDeliveries(stub Stub) ([]*Delivery, error) {
	raws, err := stub.GetAllStates()
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "scanning world state")
	}
	out := make([]*Delivery, 0, len(raws))
	for _, raw := range raws {
		var d Delivery
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}
