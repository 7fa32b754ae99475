package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/warmlinelabs/warmline/internal/account/domain"
	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
	"github.com/warmlinelabs/warmline/internal/recurrence"
	scheduledomain "github.com/warmlinelabs/warmline/internal/schedule/domain"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
)

type validationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *validationError) Error() string { return e.Message }

func newValidationError(field, code, message string) error {
	return &validationError{Field: field, Code: code, Message: message}
}

// AbortWithError maps domain errors onto HTTP statuses and writes the
// standard error envelope.
func AbortWithError(c *gin.Context, err error) {
	var ve *validationError
	if errors.As(err, &ve) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ve})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized

	case errors.Is(err, accountdomain.ErrAccessDenied),
		errors.Is(err, callsessiondomain.ErrLineOptedOut),
		errors.Is(err, callsessiondomain.ErrQuietHours):
		status = http.StatusForbidden

	case errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, accountdomain.ErrLineNotFound),
		errors.Is(err, callsessiondomain.ErrSessionNotFound),
		errors.Is(err, scheduledomain.ErrScheduleNotFound):
		status = http.StatusNotFound

	case errors.Is(err, callsessiondomain.ErrDuplicateSchedulerKey),
		errors.Is(err, callsessiondomain.ErrAlreadyTerminal):
		status = http.StatusConflict

	case errors.Is(err, scheduledomain.ErrPastDated),
		errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, recurrence.ErrInvalidTimeOfDay),
		errors.Is(err, recurrence.ErrUnknownTimezone):
		status = http.StatusBadRequest
	}

	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"message": err.Error()}})
}
