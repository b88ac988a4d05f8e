package backend

import (
	"errors"
	"net/http"

	"github.com/harborside-tech/marina/core/logger"
)

// Sentinel errors returned by the repository layer. Handlers translate
// them into HTTP status codes with errorStatus.
var (
	// ErrNotFound is returned when the addressed object does not exist.
	ErrNotFound = errors.New("no object with this id exists")
	// ErrNotOwner is returned when the object exists but is owned by a
	// different user, or the request carries no identity at all.
	ErrNotOwner = errors.New("object is owned by someone else")
	// ErrAlreadyCarried is returned when a load is assigned to a boat
	// while it is still carried by another boat.
	ErrAlreadyCarried = errors.New("load is already assigned to a boat")
	// ErrBadValue is returned when a patched field carries a value of
	// the wrong type.
	ErrBadValue = errors.New("invalid field value")
)

// client-facing error messages
const (
	msgBadRequest      = "The request object is missing at least one of the required attributes"
	msgUnauthorized    = "Unauthorized"
	msgForbidden       = "The load is already assigned to another boat"
	msgNotFound        = "No object with this id exists"
	msgNotAcceptable   = "Response must be sent as application/json"
	msgInternalFailure = "Internal server error"
)

// writeRepositoryError maps a repository error to an HTTP error response.
func writeRepositoryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrBadValue):
		writeError(w, http.StatusBadRequest, msgBadRequest)
	case errors.Is(err, ErrNotOwner):
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, msgNotFound)
	case errors.Is(err, ErrAlreadyCarried):
		writeError(w, http.StatusForbidden, msgForbidden)
	default:
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 2001: repository failure")
		writeError(w, http.StatusInternalServerError, msgInternalFailure)
	}
}
