package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/middleware"
	"github.com/parcelchain/custodia/internal/pkg/response"
	"github.com/parcelchain/custodia/internal/service"
)

// DeliveryHandler proxies the on-ledger delivery state machine. Role gates
// here are a cheap first filter; the chaincode re-checks every caller from
// its certificate, so a gap in a gate cannot widen authority.
type DeliveryHandler struct {
	deliveries service.DeliveryService
}

// NewDeliveryHandler creates the delivery handler.
func NewDeliveryHandler(deliveries service.DeliveryService) *DeliveryHandler {
	return &DeliveryHandler{deliveries: deliveries}
}

// Routes mounts /deliveries. All routes assume the auth middleware ran.
func (h *DeliveryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/my", h.myDeliveries)
	r.Get("/status/{status}", h.byStatus)
	r.Get("/{id}", h.read)
	r.With(middleware.RequireRole(chaincode.RoleSeller, chaincode.RoleCustomer, chaincode.RoleAdmin)).
		Get("/{id}/history", h.history)
	r.With(middleware.RequireRole(chaincode.RoleDeliveryPerson, chaincode.RoleAdmin)).
		Get("/{id}/address", h.customerAddress)
	r.With(middleware.RequireRole(chaincode.RoleDeliveryPerson)).
		Put("/{id}/location", h.updateLocation)
	r.With(middleware.RequireRole(chaincode.RoleCustomer)).
		Put("/{id}/cancel", h.cancelDelivery)
	r.With(middleware.RequireRole(chaincode.RoleSeller, chaincode.RoleDeliveryPerson)).
		Post("/{id}/handoff/initiate", h.initiateHandoff)
	r.With(middleware.RequireRole(chaincode.RoleDeliveryPerson, chaincode.RoleCustomer)).
		Post("/{id}/handoff/confirm", h.confirmHandoff)
	r.With(middleware.RequireRole(chaincode.RoleDeliveryPerson, chaincode.RoleCustomer)).
		Post("/{id}/handoff/dispute", h.disputeHandoff)
	r.With(middleware.RequireRole(chaincode.RoleSeller, chaincode.RoleDeliveryPerson)).
		Post("/{id}/handoff/cancel", h.cancelHandoff)
	return r
}

func (h *DeliveryHandler) myDeliveries(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	deliveries, err := h.deliveries.MyDeliveries(r.Context(), p.UserID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.List(w, deliveries, len(deliveries))
}

func (h *DeliveryHandler) byStatus(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	deliveries, err := h.deliveries.ByStatus(r.Context(), p.UserID, chi.URLParam(r, "status"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.List(w, deliveries, len(deliveries))
}

func (h *DeliveryHandler) read(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	delivery, err := h.deliveries.Read(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, delivery)
}

func (h *DeliveryHandler) history(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	records, err := h.deliveries.History(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.List(w, records, len(records))
}

func (h *DeliveryHandler) customerAddress(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	addr, err := h.deliveries.CustomerAddress(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, addr)
}

type updateLocationRequest struct {
	City    string `json:"city" validate:"required,max=100"`
	State   string `json:"state" validate:"required,max=100"`
	Country string `json:"country" validate:"required,max=100"`
}

func (h *DeliveryHandler) updateLocation(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	var req updateLocationRequest
	if !decode(w, r, &req) {
		return
	}
	err := h.deliveries.UpdateLocation(r.Context(), p.UserID, chi.URLParam(r, "id"),
		req.City, req.State, req.Country)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, nil)
}

func (h *DeliveryHandler) cancelDelivery(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if err := h.deliveries.CancelDelivery(r.Context(), p.UserID, chi.URLParam(r, "id")); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, nil)
}

type initiateHandoffRequest struct {
	ToUserID string `json:"toUserId" validate:"required"`
	ToRole   string `json:"toRole" validate:"required"`
}

func (h *DeliveryHandler) initiateHandoff(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	var req initiateHandoffRequest
	if !decode(w, r, &req) {
		return
	}
	err := h.deliveries.InitiateHandoff(r.Context(), p.UserID, chi.URLParam(r, "id"),
		req.ToUserID, req.ToRole)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, nil)
}

func (h *DeliveryHandler) confirmHandoff(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	var req service.ConfirmHandoffRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.deliveries.ConfirmHandoff(r.Context(), p.UserID, chi.URLParam(r, "id"), req); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, nil)
}

type disputeHandoffRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

func (h *DeliveryHandler) disputeHandoff(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	var req disputeHandoffRequest
	if !decode(w, r, &req) {
		return
	}
	err := h.deliveries.DisputeHandoff(r.Context(), p.UserID, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, nil)
}

func (h *DeliveryHandler) cancelHandoff(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if err := h.deliveries.CancelHandoff(r.Context(), p.UserID, chi.URLParam(r, "id")); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, nil)
}
