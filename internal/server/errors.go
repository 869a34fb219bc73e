package server

import (
	"encoding/json"
	"errors"
	"net/http"

	gateway "github.com/aetherlab/aether/internal"
)

// apiError is the generic error envelope for non-wire routes. Wire routes
// shape errors per client format inside dispatch.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func errorResponse(msg string) apiError {
	return apiError{Error: apiErrorBody{Message: msg}}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrAuthenticationFailed), errors.Is(err, gateway.ErrKeyExpired):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrNoProvidersAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrUpstreamConnect):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates per call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client gone, nothing to do
}

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}
