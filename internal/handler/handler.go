// Package handler binds the HTTP surface to the service layer. Handlers
// decode and validate request bodies, resolve the authenticated principal,
// and translate service errors through the shared response envelope.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/parcelchain/custodia/internal/pkg/apperrors"
	"github.com/parcelchain/custodia/internal/pkg/response"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// decode reads and validates a JSON request body into dst. Returns false
// after writing the error response itself.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Error(w, apperrors.InvalidArgument("malformed request body: %v", err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		response.Error(w, apperrors.InvalidArgument("invalid request: %v", err))
		return false
	}
	return true
}
