// Package chaincode implements the on-ledger delivery state machine. The
// contract executes inside a ledger binding via the Stub interface and is
// deterministic: all validation reads current state through the stub and
// every mutation is staged into the transaction's write-set.
package chaincode

import (
	"regexp"
	"strings"

	"github.com/parcelchain/custodia/internal/pkg/apperrors"
)

// Role is the set of certificate-asserted user roles.
type Role string

const (
	RoleCustomer       Role = "CUSTOMER"
	RoleSeller         Role = "SELLER"
	RoleDeliveryPerson Role = "DELIVERY_PERSON"
	RoleAdmin          Role = "ADMIN"
)

// ParseRole converts a string to a Role, tolerating case.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToUpper(s)) {
	case RoleCustomer:
		return RoleCustomer, true
	case RoleSeller:
		return RoleSeller, true
	case RoleDeliveryPerson:
		return RoleDeliveryPerson, true
	case RoleAdmin:
		return RoleAdmin, true
	}
	return "", false
}

// Status is the closed set of delivery statuses.
type Status string

const (
	StatusPendingPickup               Status = "PENDING_PICKUP"
	StatusPendingPickupHandoff        Status = "PENDING_PICKUP_HANDOFF"
	StatusDisputedPickup              Status = "DISPUTED_PICKUP"
	StatusInTransit                   Status = "IN_TRANSIT"
	StatusPendingTransitHandoff       Status = "PENDING_TRANSIT_HANDOFF"
	StatusDisputedTransitHandoff      Status = "DISPUTED_TRANSIT_HANDOFF"
	StatusPendingDeliveryConfirmation Status = "PENDING_DELIVERY_CONFIRMATION"
	StatusDisputedDelivery            Status = "DISPUTED_DELIVERY"
	StatusConfirmedDelivery           Status = "CONFIRMED_DELIVERY"
	StatusCancelled                   Status = "CANCELLED"
)

// Terminal reports whether no further mutation is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmedDelivery, StatusCancelled,
		StatusDisputedPickup, StatusDisputedTransitHandoff, StatusDisputedDelivery:
		return true
	}
	return false
}

// PendingHandoffStatus reports whether s requires a pending handoff record.
func (s Status) PendingHandoffStatus() bool {
	switch s {
	case StatusPendingPickupHandoff, StatusPendingTransitHandoff, StatusPendingDeliveryConfirmation:
		return true
	}
	return false
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(s)) {
	case StatusPendingPickup, StatusPendingPickupHandoff, StatusDisputedPickup,
		StatusInTransit, StatusPendingTransitHandoff, StatusDisputedTransitHandoff,
		StatusPendingDeliveryConfirmation, StatusDisputedDelivery,
		StatusConfirmedDelivery, StatusCancelled:
		return Status(strings.ToUpper(s)), true
	}
	return "", false
}

// Dimensions are the physical dimensions of a package in centimeters.
type Dimensions struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Location is a coarse location without PII.
type Location struct {
	City    string `json:"city"`
	State   string `json:"state"`
	Country string `json:"country"`
}

// PendingHandoff tracks an in-flight custody transfer. At most one exists
// per delivery at any time.
type PendingHandoff struct {
	FromUserID  string `json:"fromUserId"`
	FromRole    Role   `json:"fromRole"`
	ToUserID    string `json:"toUserId"`
	ToRole      Role   `json:"toRole"`
	InitiatedAt string `json:"initiatedAt"`
}

// Delivery is the sole entity persisted on the ledger, keyed by DeliveryID.
type Delivery struct {
	DeliveryID           string          `json:"deliveryId"`
	OrderID              string          `json:"orderId"`
	SellerID             string          `json:"sellerId"`
	CustomerID           string          `json:"customerId"`
	PackageWeight        float64         `json:"packageWeight"`
	PackageDimensions    Dimensions      `json:"packageDimensions"`
	DeliveryStatus       Status          `json:"deliveryStatus"`
	LastLocation         Location        `json:"lastLocation"`
	CurrentCustodianID   string          `json:"currentCustodianId"`
	CurrentCustodianRole Role            `json:"currentCustodianRole"`
	PendingHandoff       *PendingHandoff `json:"pendingHandoff,omitempty"`
	UpdatedAt            string          `json:"updatedAt"`
}

// InvolvedParty reports whether userID is a party to the delivery: seller,
// customer, current custodian, or a side of the pending handoff.
func (d *Delivery) InvolvedParty(userID string) bool {
	if d.SellerID == userID || d.CustomerID == userID || d.CurrentCustodianID == userID {
		return true
	}
	if d.PendingHandoff != nil {
		if d.PendingHandoff.FromUserID == userID || d.PendingHandoff.ToUserID == userID {
			return true
		}
	}
	return false
}

// HistoryRecord is one committed version of a delivery, as recorded by the
// platform's history iterator.
type HistoryRecord struct {
	TxID      string    `json:"txId"`
	Timestamp string    `json:"timestamp"`
	IsDelete  bool      `json:"isDelete"`
	Delivery  *Delivery `json:"delivery,omitempty"`
}

// Bounds from the data model.
const (
	MaxWeightKg      = 1000.0
	MaxDimensionCm   = 500.0
	MaxLocationChars = 100
	MaxReasonChars   = 1000
)

var deliveryIDPattern = regexp.MustCompile(`^DEL-\d{8}-[0-9A-Fa-f]{8}$`)

// CanonicalDeliveryID validates the DEL-YYYYMMDD-XXXXXXXX shape and returns
// the canonical uppercase form.
func CanonicalDeliveryID(id string) (string, error) {
	if !deliveryIDPattern.MatchString(id) {
		return "", apperrors.InvalidArgument("delivery id %q does not match DEL-YYYYMMDD-XXXXXXXX", id)
	}
	return strings.ToUpper(id), nil
}

func validateWeight(weight float64) error {
	if weight <= 0 || weight > MaxWeightKg {
		return apperrors.InvalidArgument("package weight must be in (0, %v] kg, got %v", MaxWeightKg, weight)
	}
	return nil
}

func validateDimensions(d Dimensions) error {
	for _, v := range []float64{d.Length, d.Width, d.Height} {
		if v <= 0 || v > MaxDimensionCm {
			return apperrors.InvalidArgument("package dimensions must be in (0, %v] cm, got %vx%vx%v", MaxDimensionCm, d.Length, d.Width, d.Height)
		}
	}
	return nil
}

func validateLocation(l Location) error {
	for _, f := range []struct{ name, v string }{
		{"city", l.City}, {"state", l.State}, {"country", l.Country},
	} {
		if f.v == "" {
			return apperrors.InvalidArgument("location %s must not be empty", f.name)
		}
		if len(f.v) > MaxLocationChars {
			return apperrors.InvalidArgument("location %s exceeds %d characters", f.name, MaxLocationChars)
		}
	}
	return nil
}
