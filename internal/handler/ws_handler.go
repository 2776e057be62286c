package handler

import (
	"net/http"

	"github.com/parcelchain/custodia/internal/events"
	"github.com/parcelchain/custodia/internal/middleware"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
	"github.com/parcelchain/custodia/internal/pkg/response"
)

// WSHandler upgrades /delivery-events connections into hub clients.
type WSHandler struct {
	hub *events.Hub
}

// NewWSHandler creates the WebSocket handler.
func NewWSHandler(hub *events.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// ServeHTTP hands the authenticated connection to the hub. Runs behind the
// auth middleware, which also accepts the token via ?token= for browser
// WebSocket clients that cannot set headers.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		response.Error(w, apperrors.Unauthenticated("authentication required"))
		return
	}
	h.hub.Serve(w, r, *p)
}
