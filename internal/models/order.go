package models

import "time"

// OrderStatus is the off-ledger order lifecycle. Custody truth lives on
// the ledger; the order only tracks the commercial state.
type OrderStatus string

const (
	OrderPendingConfirmation OrderStatus = "PENDING_CONFIRMATION"
	OrderConfirmed           OrderStatus = "CONFIRMED"
	OrderCancelled           OrderStatus = "CANCELLED"
)

// OrderItem is one line of an order.
type OrderItem struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

// Order links a customer's purchase to its delivery. The order row owns
// the order-delivery reference; the on-ledger record carries only the
// opaque order id.
type Order struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customerId"`
	SellerID   string      `json:"sellerId"`
	Items      []OrderItem `json:"items"`
	Status     OrderStatus `json:"status"`
	DeliveryID string      `json:"deliveryId,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// ShopItem is a seller's listed product.
type ShopItem struct {
	ID          string    `json:"id"`
	SellerID    string    `json:"sellerId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	PriceCents  int64     `json:"priceCents"`
	Stock       int       `json:"stock"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
