package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/middleware"
	"github.com/parcelchain/custodia/internal/pkg/response"
	"github.com/parcelchain/custodia/internal/service"
)

// OrderHandler serves the off-ledger order lifecycle. Confirmation is the
// route that crosses onto the ledger.
type OrderHandler struct {
	orders service.OrderService
}

// NewOrderHandler creates the order handler.
func NewOrderHandler(orders service.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// Routes mounts /orders. All routes assume the auth middleware ran.
func (h *OrderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.listMine)
	r.Get("/{id}", h.get)
	r.With(middleware.RequireRole(chaincode.RoleCustomer)).Post("/", h.create)
	r.With(middleware.RequireRole(chaincode.RoleSeller)).Post("/{id}/confirm", h.confirm)
	r.With(middleware.RequireRole(chaincode.RoleCustomer)).Put("/{id}/cancel", h.cancel)
	return r
}

func (h *OrderHandler) create(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	var req service.CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.orders.Create(r.Context(), p.UserID, req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, order)
}

func (h *OrderHandler) get(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	order, err := h.orders.Get(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, order)
}

func (h *OrderHandler) listMine(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	orders, err := h.orders.ListMine(r.Context(), p.UserID, p.Role)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.List(w, orders, len(orders))
}

func (h *OrderHandler) confirm(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	var req service.CreateDeliveryRequest
	if !decode(w, r, &req) {
		return
	}
	order, delivery, err := h.orders.Confirm(r.Context(), p.UserID, chi.URLParam(r, "id"), req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{"order": order, "delivery": delivery})
}

func (h *OrderHandler) cancel(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	order, err := h.orders.Cancel(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, order)
}
