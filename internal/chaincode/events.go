package chaincode

// Chaincode event names. The gateway's event consumer decodes payloads by
// these names and the WebSocket hub maps them onto client channels.
const (
	EventDeliveryCreated       = "DeliveryCreated"
	EventDeliveryStatusChanged = "DeliveryStatusChanged"
	EventHandoffInitiated      = "HandoffInitiated"
	EventHandoffConfirmed      = "HandoffConfirmed"
	EventHandoffDisputed       = "HandoffDisputed"
)

// DeliveryCreatedEvent is emitted once when a delivery is created.
type DeliveryCreatedEvent struct {
	DeliveryID string `json:"deliveryId"`
	OrderID    string `json:"orderId"`
	NewStatus  Status `json:"newStatus"`
	Timestamp  string `json:"timestamp"`
}

// StatusChangedEvent is emitted on every status transition.
type StatusChangedEvent struct {
	DeliveryID string `json:"deliveryId"`
	OrderID    string `json:"orderId"`
	OldStatus  Status `json:"oldStatus"`
	NewStatus  Status `json:"newStatus"`
	Timestamp  string `json:"timestamp"`
}

// HandoffInitiatedEvent is emitted when a custody transfer is proposed.
type HandoffInitiatedEvent struct {
	DeliveryID string `json:"deliveryId"`
	OrderID    string `json:"orderId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	ToRole     Role   `json:"toRole"`
	Timestamp  string `json:"timestamp"`
}

// HandoffConfirmedEvent is emitted when the recipient accepts custody.
type HandoffConfirmedEvent struct {
	DeliveryID string `json:"deliveryId"`
	OrderID    string `json:"orderId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	Timestamp  string `json:"timestamp"`
}

// HandoffDisputedEvent is emitted when the recipient disputes custody.
type HandoffDisputedEvent struct {
	DeliveryID string `json:"deliveryId"`
	OrderID    string `json:"orderId"`
	DisputedBy string `json:"disputedBy"`
	Reason     string `json:"reason"`
	Timestamp  string `json:"timestamp"`
}
