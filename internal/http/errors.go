package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-orchestrator/internal/arbiter"
	"github.com/example/ride-orchestrator/internal/fare"
	"github.com/example/ride-orchestrator/internal/identity"
	"github.com/example/ride-orchestrator/internal/registry"
	"github.com/example/ride-orchestrator/internal/trip"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

// mapped ties a sentinel to its HTTP shape. Validation and conflict errors
// return immediately with a specific reason code; collaborator outages are
// the only 5xx-class responses.
var mapped = []struct {
	err    error
	status int
	code   string
}{
	{fare.ErrInvalidCoordinates, http.StatusBadRequest, "invalid_coordinates"},
	{trip.ErrInvalidRating, http.StatusBadRequest, "invalid_rating"},
	{trip.ErrInvalidReason, http.StatusBadRequest, "invalid_cancel_reason"},

	{identity.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{identity.ErrForbidden, http.StatusForbidden, "forbidden"},
	{trip.ErrUnauthorizedActor, http.StatusForbidden, "unauthorized_actor"},
	{arbiter.ErrNotRequestOwner, http.StatusForbidden, "not_request_owner"},

	{registry.ErrRequestNotFound, http.StatusNotFound, "request_not_found"},
	{arbiter.ErrRequestNotFound, http.StatusNotFound, "request_not_found"},
	{arbiter.ErrOfferNotFound, http.StatusNotFound, "offer_not_found"},
	{trip.ErrTripNotFound, http.StatusNotFound, "trip_not_found"},

	{registry.ErrDuplicateActiveRequest, http.StatusConflict, "duplicate_active_request"},
	{arbiter.ErrDuplicateOffer, http.StatusConflict, "duplicate_offer"},
	{arbiter.ErrOfferExpired, http.StatusConflict, "offer_expired"},
	{arbiter.ErrOfferAlreadyTaken, http.StatusConflict, "offer_already_taken"},
	{arbiter.ErrRequestAlreadyMatched, http.StatusConflict, "request_already_matched"},
	{trip.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{trip.ErrAlreadyRated, http.StatusConflict, "already_rated"},
	{trip.ErrNotCompleted, http.StatusConflict, "trip_not_completed"},

	{identity.ErrUnavailable, http.StatusBadGateway, "identity_unavailable"},
}

func writeDomainError(w http.ResponseWriter, err error) {
	for _, m := range mapped {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}
