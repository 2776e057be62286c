package service

import (
	"context"
	"log/slog"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/models"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
	"github.com/parcelchain/custodia/internal/repository"
)

// CreateOrderRequest is a customer's new order.
type CreateOrderRequest struct {
	SellerID string             `json:"sellerId" validate:"required"`
	Items    []models.OrderItem `json:"items" validate:"required,min=1,dive"`
}

// OrderService manages the off-ledger order lifecycle. Confirmation is
// the bridge onto the ledger: it creates the delivery and records the
// owning reference on the order row.
type OrderService interface {
	Create(ctx context.Context, customerID string, req CreateOrderRequest) (*models.Order, error)
	Get(ctx context.Context, userID, orderID string) (*models.Order, error)
	ListMine(ctx context.Context, userID string, role chaincode.Role) ([]*models.Order, error)
	Confirm(ctx context.Context, sellerID, orderID string, req CreateDeliveryRequest) (*models.Order, *chaincode.Delivery, error)
	Cancel(ctx context.Context, customerID, orderID string) (*models.Order, error)
}

type orderService struct {
	orders     repository.OrderRepository
	items      repository.ShopItemRepository
	users      repository.UserRepository
	deliveries DeliveryService
	log        *slog.Logger
}

// NewOrderService creates the order service.
func NewOrderService(
	orders repository.OrderRepository,
	items repository.ShopItemRepository,
	users repository.UserRepository,
	deliveries DeliveryService,
	log *slog.Logger,
) OrderService {
	return &orderService{
		orders:     orders,
		items:      items,
		users:      users,
		deliveries: deliveries,
		log:        log,
	}
}

// Create places an order in PENDING_CONFIRMATION. Every line item must
// belong to the named seller.
func (s *orderService) Create(ctx context.Context, customerID string, req CreateOrderRequest) (*models.Order, error) {
	seller, err := s.users.GetByID(ctx, req.SellerID)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "looking up seller")
	}
	if seller == nil || seller.Role != chaincode.RoleSeller {
		return nil, apperrors.NotFound("seller %s does not exist", req.SellerID)
	}

	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return nil, apperrors.InvalidArgument("quantity for item %s must be positive", line.ItemID)
		}
		item, err := s.items.GetByID(ctx, line.ItemID)
		if err != nil {
			return nil, apperrors.DependencyFailure(err, "looking up item %s", line.ItemID)
		}
		if item == nil || item.SellerID != req.SellerID {
			return nil, apperrors.NotFound("item %s is not sold by %s", line.ItemID, req.SellerID)
		}
	}

	order := &models.Order{
		CustomerID: customerID,
		SellerID:   req.SellerID,
		Items:      req.Items,
		Status:     models.OrderPendingConfirmation,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, apperrors.DependencyFailure(err, "creating order")
	}
	return order, nil
}

// Get returns the order if the caller is its customer, its seller, or an
// admin is asking through the handler's role gate.
func (s *orderService) Get(ctx context.Context, userID, orderID string) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "loading order")
	}
	if order == nil {
		return nil, apperrors.NotFound("order %s does not exist", orderID)
	}
	if order.CustomerID != userID && order.SellerID != userID {
		return nil, apperrors.NotAuthorized("not a party to this order")
	}
	return order, nil
}

// ListMine returns the caller's orders from whichever side they sit on.
func (s *orderService) ListMine(ctx context.Context, userID string, role chaincode.Role) ([]*models.Order, error) {
	var (
		orders []*models.Order
		err    error
	)
	if role == chaincode.RoleSeller {
		orders, err = s.orders.ListBySeller(ctx, userID)
	} else {
		orders, err = s.orders.ListByCustomer(ctx, userID)
	}
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "listing orders")
	}
	return orders, nil
}

// Confirm accepts the order and creates its delivery on the ledger. The
// delivery is created first; if recording the reference then fails the
// ledger remains authoritative and the error is surfaced for the seller
// to reconcile.
func (s *orderService) Confirm(ctx context.Context, sellerID, orderID string, req CreateDeliveryRequest) (*models.Order, *chaincode.Delivery, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, nil, apperrors.DependencyFailure(err, "loading order")
	}
	if order == nil {
		return nil, nil, apperrors.NotFound("order %s does not exist", orderID)
	}
	if order.SellerID != sellerID {
		return nil, nil, apperrors.NotAuthorized("only the order's seller can confirm it")
	}
	if order.Status != models.OrderPendingConfirmation {
		return nil, nil, apperrors.InvalidState("order is %s, not PENDING_CONFIRMATION", order.Status)
	}

	req.OrderID = order.ID
	req.CustomerID = order.CustomerID
	delivery, err := s.deliveries.CreateDelivery(ctx, sellerID, req)
	if err != nil {
		return nil, nil, err
	}

	if err := s.orders.UpdateStatus(ctx, order.ID, models.OrderConfirmed, delivery.DeliveryID); err != nil {
		s.log.Error("order confirmed on ledger but status update failed",
			"order_id", order.ID, "delivery_id", delivery.DeliveryID, "error", err)
		return nil, nil, apperrors.DependencyFailure(err, "recording delivery reference; delivery %s exists", delivery.DeliveryID)
	}
	order.Status = models.OrderConfirmed
	order.DeliveryID = delivery.DeliveryID
	return order, delivery, nil
}

// Cancel withdraws an order still awaiting confirmation.
func (s *orderService) Cancel(ctx context.Context, customerID, orderID string) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "loading order")
	}
	if order == nil {
		return nil, apperrors.NotFound("order %s does not exist", orderID)
	}
	if order.CustomerID != customerID {
		return nil, apperrors.NotAuthorized("only the order's customer can cancel it")
	}
	if order.Status != models.OrderPendingConfirmation {
		return nil, apperrors.InvalidState("order is %s, not PENDING_CONFIRMATION", order.Status)
	}

	if err := s.orders.UpdateStatus(ctx, order.ID, models.OrderCancelled, ""); err != nil {
		return nil, apperrors.DependencyFailure(err, "cancelling order")
	}
	order.Status = models.OrderCancelled
	return order, nil
}
