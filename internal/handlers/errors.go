package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joshua-takyi/bashbay-bookings/internal/helpers"
	"github.com/joshua-takyi/bashbay-bookings/internal/models"
	"github.com/joshua-takyi/bashbay-bookings/internal/services"
)

var statusByError = []struct {
	err    error
	status int
}{
	{models.ErrInvalidRequest, http.StatusBadRequest},
	{models.ErrInvalidQuantity, http.StatusBadRequest},
	{models.ErrAttendeeMismatch, http.StatusBadRequest},
	{models.ErrForbidden, http.StatusForbidden},
	{models.ErrTicketNotFound, http.StatusNotFound},
	{models.ErrNotFound, http.StatusNotFound},
	{models.ErrCapacityExceeded, http.StatusConflict},
	{models.ErrNotCancellable, http.StatusConflict},
	{models.ErrInvalidTransition, http.StatusConflict},
	{models.ErrPurchaseLimitExceeded, http.StatusUnprocessableEntity},
	{models.ErrTicketInactive, http.StatusUnprocessableEntity},
	{models.ErrEventUnavailable, http.StatusUnprocessableEntity},
	{models.ErrEventEnded, http.StatusUnprocessableEntity},
	{models.ErrDependencyFailure, http.StatusServiceUnavailable},
}

// statusFor maps a service error onto an HTTP status. Anything outside the
// taxonomy, including invariant violations, is a 500.
func statusFor(err error) int {
	for _, m := range statusByError {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// respondError writes the error envelope. Server-side failures are recorded
// on the context for ErrorHandler and hidden from the client.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		c.JSON(status, models.ErrorResponse(err.Error()))
		return
	}

	_ = c.Error(err)
	msg := "internal server error"
	if status == http.StatusServiceUnavailable {
		msg = "service temporarily unavailable"
	}
	c.JSON(status, models.ServerErrorResponse(msg, c.GetString("request_id")))
}

// callerFrom reads the identity AuthMiddleware stored on the context.
func callerFrom(c *gin.Context) (services.Caller, bool) {
	v, exists := c.Get("user")
	if !exists {
		return services.Caller{}, false
	}
	claims, ok := v.(*helpers.EnhancedClaims)
	if !ok || claims.UserID == "" {
		return services.Caller{}, false
	}
	return services.Caller{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   claims.GetSafeRole(),
	}, true
}

// mustCaller aborts with 401 when no identity is present.
func mustCaller(c *gin.Context) (services.Caller, bool) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse("unauthorized"))
		return services.Caller{}, false
	}
	return caller, true
}
