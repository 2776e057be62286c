package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/config"
	"github.com/parcelchain/custodia/internal/ledger"
	"github.com/parcelchain/custodia/internal/middleware"
	"github.com/parcelchain/custodia/internal/models"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
	"github.com/parcelchain/custodia/internal/repository"
	"github.com/parcelchain/custodia/internal/wallet"
)

// CreateDeliveryRequest carries the package facts a seller declares when
// confirming an order.
type CreateDeliveryRequest struct {
	OrderID       string
	CustomerID    string
	PackageWeight float64 `json:"packageWeight" validate:"required,gt=0,lte=1000"`
	PackageLength float64 `json:"packageLength" validate:"required,gt=0,lte=500"`
	PackageWidth  float64 `json:"packageWidth" validate:"required,gt=0,lte=500"`
	PackageHeight float64 `json:"packageHeight" validate:"required,gt=0,lte=500"`
	City          string  `json:"city" validate:"required,max=100"`
	State         string  `json:"state" validate:"required,max=100"`
	Country       string  `json:"country" validate:"required,max=100"`
}

// ConfirmHandoffRequest is the recipient's acceptance. Package fields are
// optional; missing values fall back to the delivery's current metrics.
type ConfirmHandoffRequest struct {
	City          string   `json:"city" validate:"required,max=100"`
	State         string   `json:"state" validate:"required,max=100"`
	Country       string   `json:"country" validate:"required,max=100"`
	PackageWeight *float64 `json:"packageWeight,omitempty" validate:"omitempty,gt=0,lte=1000"`
	PackageLength *float64 `json:"packageLength,omitempty" validate:"omitempty,gt=0,lte=500"`
	PackageWidth  *float64 `json:"packageWidth,omitempty" validate:"omitempty,gt=0,lte=500"`
	PackageHeight *float64 `json:"packageHeight,omitempty" validate:"omitempty,gt=0,lte=500"`
}

// DeliveryService drives the on-ledger delivery state machine under the
// calling user's own identity.
type DeliveryService interface {
	CreateDelivery(ctx context.Context, sellerID string, req CreateDeliveryRequest) (*chaincode.Delivery, error)
	Read(ctx context.Context, userID, deliveryID string) (*chaincode.Delivery, error)
	History(ctx context.Context, userID, deliveryID string) ([]chaincode.HistoryRecord, error)
	MyDeliveries(ctx context.Context, userID string) ([]*chaincode.Delivery, error)
	ByStatus(ctx context.Context, userID, status string) ([]*chaincode.Delivery, error)
	UpdateLocation(ctx context.Context, userID, deliveryID, city, state, country string) error
	CancelDelivery(ctx context.Context, userID, deliveryID string) error
	InitiateHandoff(ctx context.Context, userID, deliveryID, toUserID, toRole string) error
	ConfirmHandoff(ctx context.Context, userID, deliveryID string, req ConfirmHandoffRequest) error
	DisputeHandoff(ctx context.Context, userID, deliveryID, reason string) error
	CancelHandoff(ctx context.Context, userID, deliveryID string) error
	// CustomerAddress resolves the delivery's off-ledger destination for
	// the driver holding (or about to hold) the package.
	CustomerAddress(ctx context.Context, p *middleware.Principal, deliveryID string) (*models.Address, error)
	// Involved reports whether the user is a party to the delivery; the
	// WebSocket hub filters event pushes through this.
	Involved(ctx context.Context, userID, deliveryID string) bool
}

type deliveryService struct {
	wallet    *wallet.Wallet
	handles   *ledger.HandleCache
	users     repository.UserRepository
	deadlines config.DeadlineConfig
	log       *slog.Logger
}

// NewDeliveryService creates the delivery service.
func NewDeliveryService(
	w *wallet.Wallet,
	handles *ledger.HandleCache,
	users repository.UserRepository,
	deadlines config.DeadlineConfig,
	log *slog.Logger,
) DeliveryService {
	return &deliveryService{
		wallet:    w,
		handles:   handles,
		users:     users,
		deadlines: deadlines,
		log:       log,
	}
}

// NewDeliveryID generates a DEL-YYYYMMDD-XXXXXXXX id.
func NewDeliveryID(now time.Time) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", apperrors.Internal(err, "generating delivery id")
	}
	return fmt.Sprintf("DEL-%s-%s",
		now.UTC().Format("20060102"),
		strings.ToUpper(hex.EncodeToString(suffix)),
	), nil
}

// clientFor loads the user's decrypted identity and acquires their ledger
// handle.
func (s *deliveryService) clientFor(ctx context.Context, userID string) (ledger.Client, error) {
	id, err := s.wallet.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, apperrors.NotAuthorized("user %s has no ledger identity", userID)
	}
	return s.handles.Acquire(ledger.Identity{
		UserID:      id.UserID,
		MSPID:       id.MSPID,
		Certificate: id.Certificate,
		PrivateKey:  id.PrivateKey,
	})
}

func (s *deliveryService) submit(ctx context.Context, userID, fn string, args ...string) ([]byte, error) {
	client, err := s.clientFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.deadlines.Submit)
	defer cancel()

	out, err := client.Submit(ctx, fn, args...)
	s.record("submit", fn, err)
	return out, err
}

func (s *deliveryService) evaluate(ctx context.Context, userID, fn string, args ...string) ([]byte, error) {
	client, err := s.clientFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.deadlines.Evaluate)
	defer cancel()

	out, err := client.Evaluate(ctx, fn, args...)
	s.record("evaluate", fn, err)
	return out, err
}

func (s *deliveryService) record(call, fn string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.KindOf(err))
	}
	middleware.LedgerCalls.WithLabelValues(call, fn, outcome).Inc()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// CreateDelivery mints a delivery id, submits the creation, and reads the
// committed record back.
func (s *deliveryService) CreateDelivery(ctx context.Context, sellerID string, req CreateDeliveryRequest) (*chaincode.Delivery, error) {
	deliveryID, err := NewDeliveryID(time.Now())
	if err != nil {
		return nil, err
	}

	if _, err := s.submit(ctx, sellerID, "CreateDelivery",
		deliveryID,
		req.OrderID,
		req.CustomerID,
		num(req.PackageWeight),
		num(req.PackageLength),
		num(req.PackageWidth),
		num(req.PackageHeight),
		req.City,
		req.State,
		req.Country,
	); err != nil {
		return nil, err
	}
	return s.Read(ctx, sellerID, deliveryID)
}

// Read evaluates ReadDelivery as the user.
func (s *deliveryService) Read(ctx context.Context, userID, deliveryID string) (*chaincode.Delivery, error) {
	raw, err := s.evaluate(ctx, userID, "ReadDelivery", deliveryID)
	if err != nil {
		return nil, err
	}
	var d chaincode.Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, apperrors.Internal(err, "decoding delivery %s", deliveryID)
	}
	return &d, nil
}

// History returns every committed version of the delivery.
func (s *deliveryService) History(ctx context.Context, userID, deliveryID string) ([]chaincode.HistoryRecord, error) {
	raw, err := s.evaluate(ctx, userID, "GetDeliveryHistory", deliveryID)
	if err != nil {
		return nil, err
	}
	var recs []chaincode.HistoryRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, apperrors.Internal(err, "decoding history for %s", deliveryID)
	}
	return recs, nil
}

// MyDeliveries queries the ledger for the user's visible deliveries.
func (s *deliveryService) MyDeliveries(ctx context.Context, userID string) ([]*chaincode.Delivery, error) {
	return s.queryList(ctx, userID, "QueryDeliveriesByCustodian", userID)
}

// ByStatus queries the user's visible deliveries in one status.
func (s *deliveryService) ByStatus(ctx context.Context, userID, status string) ([]*chaincode.Delivery, error) {
	return s.queryList(ctx, userID, "QueryDeliveriesByStatus", status)
}

func (s *deliveryService) queryList(ctx context.Context, userID, fn string, arg string) ([]*chaincode.Delivery, error) {
	raw, err := s.evaluate(ctx, userID, fn, arg)
	if err != nil {
		return nil, err
	}
	var ds []*chaincode.Delivery
	if err := json.Unmarshal(raw, &ds); err != nil {
		return nil, apperrors.Internal(err, "decoding delivery list")
	}
	return ds, nil
}

// UpdateLocation records a new transit location.
func (s *deliveryService) UpdateLocation(ctx context.Context, userID, deliveryID, city, state, country string) error {
	_, err := s.submit(ctx, userID, "UpdateLocation", deliveryID, city, state, country)
	return err
}

// CancelDelivery cancels before pickup.
func (s *deliveryService) CancelDelivery(ctx context.Context, userID, deliveryID string) error {
	_, err := s.submit(ctx, userID, "CancelDelivery", deliveryID)
	return err
}

// InitiateHandoff proposes a custody transfer.
func (s *deliveryService) InitiateHandoff(ctx context.Context, userID, deliveryID, toUserID, toRole string) error {
	_, err := s.submit(ctx, userID, "InitiateHandoff", deliveryID, toUserID, toRole)
	return err
}

// ConfirmHandoff accepts custody. Missing package metrics fall back to the
// current on-ledger values, read as the confirming user (a handoff party
// may always read the delivery).
func (s *deliveryService) ConfirmHandoff(ctx context.Context, userID, deliveryID string, req ConfirmHandoffRequest) error {
	weight, length, width, height := req.PackageWeight, req.PackageLength, req.PackageWidth, req.PackageHeight
	if weight == nil || length == nil || width == nil || height == nil {
		current, err := s.Read(ctx, userID, deliveryID)
		if err != nil {
			return err
		}
		if weight == nil {
			weight = &current.PackageWeight
		}
		if length == nil {
			length = &current.PackageDimensions.Length
		}
		if width == nil {
			width = &current.PackageDimensions.Width
		}
		if height == nil {
			height = &current.PackageDimensions.Height
		}
	}

	_, err := s.submit(ctx, userID, "ConfirmHandoff",
		deliveryID,
		req.City, req.State, req.Country,
		num(*weight), num(*length), num(*width), num(*height),
	)
	return err
}

// DisputeHandoff rejects custody.
func (s *deliveryService) DisputeHandoff(ctx context.Context, userID, deliveryID, reason string) error {
	_, err := s.submit(ctx, userID, "DisputeHandoff", deliveryID, reason)
	return err
}

// CancelHandoff withdraws a proposed transfer.
func (s *deliveryService) CancelHandoff(ctx context.Context, userID, deliveryID string) error {
	_, err := s.submit(ctx, userID, "CancelHandoff", deliveryID)
	return err
}

// CustomerAddress returns the destination address to the driver currently
// holding the package, the driver it is being handed to, or an admin.
func (s *deliveryService) CustomerAddress(ctx context.Context, p *middleware.Principal, deliveryID string) (*models.Address, error) {
	d, err := s.Read(ctx, p.UserID, deliveryID)
	if err != nil {
		return nil, err
	}

	switch p.Role {
	case chaincode.RoleAdmin:
	case chaincode.RoleDeliveryPerson:
		holds := d.CurrentCustodianID == p.UserID
		incoming := d.PendingHandoff != nil && d.PendingHandoff.ToUserID == p.UserID
		if !holds && !incoming {
			return nil, apperrors.NotAuthorized("only the driver holding or receiving this package can view the address")
		}
	default:
		return nil, apperrors.NotAuthorized("role %s cannot view delivery addresses", p.Role)
	}

	customer, err := s.users.GetByID(ctx, d.CustomerID)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "looking up customer")
	}
	if customer == nil || customer.Address == nil {
		return nil, apperrors.NotFound("no address on file for this delivery")
	}
	return customer.Address, nil
}

// Involved evaluates ReadDelivery as the user; an authorized read means
// the user is a party (or an admin, who sees everything).
func (s *deliveryService) Involved(ctx context.Context, userID, deliveryID string) bool {
	_, err := s.Read(ctx, userID, deliveryID)
	return err == nil
}
