package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/middleware"
	"github.com/parcelchain/custodia/internal/pkg/response"
	"github.com/parcelchain/custodia/internal/service"
)

// ShopHandler serves seller listings.
type ShopHandler struct {
	items service.ShopItemService
}

// NewShopHandler creates the shop handler.
func NewShopHandler(items service.ShopItemService) *ShopHandler {
	return &ShopHandler{items: items}
}

// Routes mounts /shop-items. All routes assume the auth middleware ran.
func (h *ShopHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.With(middleware.RequireRole(chaincode.RoleSeller)).Post("/", h.create)
	return r
}

func (h *ShopHandler) create(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	var req service.CreateShopItemRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := h.items.Create(r.Context(), p.UserID, req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, item)
}

func (h *ShopHandler) get(w http.ResponseWriter, r *http.Request) {
	item, err := h.items.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, item)
}

func (h *ShopHandler) list(w http.ResponseWriter, r *http.Request) {
	items, err := h.items.List(r.Context(), r.URL.Query().Get("sellerId"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.List(w, items, len(items))
}
