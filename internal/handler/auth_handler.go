package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parcelchain/custodia/internal/middleware"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
	"github.com/parcelchain/custodia/internal/pkg/response"
	"github.com/parcelchain/custodia/internal/service"
)

// AuthHandler serves registration, login, and the profile route.
type AuthHandler struct {
	auth          service.AuthService
	authenticator middleware.Authenticator
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(auth service.AuthService, authenticator middleware.Authenticator) *AuthHandler {
	return &AuthHandler{auth: auth, authenticator: authenticator}
}

// Routes mounts the anonymous auth endpoints plus the authenticated
// profile route.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.register)
	r.Post("/login", h.login)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(h.authenticator))
		r.Get("/me", h.me)
	})
	return r
}

func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	user, err := h.auth.Register(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, user)
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.auth.Login(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, result)
}

func (h *AuthHandler) me(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		response.Error(w, apperrors.Unauthenticated("authentication required"))
		return
	}
	user, err := h.auth.Me(r.Context(), p.UserID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, user)
}
