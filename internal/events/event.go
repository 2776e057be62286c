// Package events consumes committed chaincode events and fans them out to
// subscribed WebSocket clients.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/ledger"
)

// Channel names pushed to WebSocket clients.
const (
	ChanDeliveryCreated  = "delivery:created"
	ChanStatusChanged    = "delivery:statusChanged"
	ChanHandoffInitiated = "handoff:initiated"
	ChanHandoffConfirmed = "handoff:confirmed"
	ChanHandoffDisputed  = "handoff:disputed"
	ChanSystemError      = "system:error"
)

var channelByEvent = map[string]string{
	chaincode.EventDeliveryCreated:       ChanDeliveryCreated,
	chaincode.EventDeliveryStatusChanged: ChanStatusChanged,
	chaincode.EventHandoffInitiated:      ChanHandoffInitiated,
	chaincode.EventHandoffConfirmed:      ChanHandoffConfirmed,
	chaincode.EventHandoffDisputed:       ChanHandoffDisputed,
}

// Notification is one decoded chaincode event ready for fan-out. Data is
// the event payload extended with the transaction id and block number so
// clients can deduplicate replays.
type Notification struct {
	Type       string
	DeliveryID string
	// Users are the user ids named in the payload (handoff parties).
	// Seller/customer involvement is resolved against the ledger.
	Users []string
	Data  map[string]any
}

// Decode turns a committed ledger event into a Notification. Unknown event
// names return an error; the consumer logs and skips them.
func Decode(ev ledger.Event) (*Notification, error) {
	channel, ok := channelByEvent[ev.Name]
	if !ok {
		return nil, fmt.Errorf("unknown chaincode event %q", ev.Name)
	}

	var data map[string]any
	if err := json.Unmarshal(ev.Payload, &data); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", ev.Name, err)
	}
	data["transactionId"] = ev.TxID
	data["blockNumber"] = ev.BlockNumber

	n := &Notification{Type: channel, Data: data}
	n.DeliveryID, _ = data["deliveryId"].(string)
	for _, field := range []string{"fromUserId", "toUserId", "disputedBy"} {
		if v, ok := data[field].(string); ok && v != "" {
			n.Users = append(n.Users, v)
		}
	}
	return n, nil
}

// Frame is the wire shape of every server-to-client WebSocket message.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ClientMessage is the wire shape of client-to-server messages.
type ClientMessage struct {
	Action     string `json:"action"`
	DeliveryID string `json:"deliveryId,omitempty"`
	UserID     string `json:"userId,omitempty"`
}

// Client subscription actions.
const (
	ActionSubscribeDelivery = "subscribe:delivery"
	ActionSubscribeUser     = "subscribe:user"
)
