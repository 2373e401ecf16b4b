package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/joshua-takyi/bashbay-bookings/internal/models"
	"github.com/joshua-takyi/bashbay-bookings/internal/services"
)

const defaultPageSize = 10

func CreateBooking(b *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := mustCaller(c)
		if !ok {
			return
		}

		var in services.CreateBookingInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
			return
		}

		booking, err := b.CreateBooking(c.Request.Context(), in, caller)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, models.SuccessResponse(booking, "Booking created successfully"))
	}
}

func ListMyBookings(b *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := mustCaller(c)
		if !ok {
			return
		}

		var in services.ListBookingsInput
		if err := c.ShouldBindQuery(&in); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse("invalid query parameters"))
			return
		}
		if in.Limit == 0 {
			in.Limit = defaultPageSize
		}

		bookings, total, err := b.ListMyBookings(c.Request.Context(), caller.UserID, in)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, models.PaginatedResponse(bookings, in.Offset, in.Limit, total))
	}
}

func GetBooking(b *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := mustCaller(c)
		if !ok {
			return
		}
		booking, err := b.GetBooking(c.Request.Context(), c.Param("id"), caller)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(booking, ""))
	}
}

func CancelBooking(b *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := mustCaller(c)
		if !ok {
			return
		}
		booking, err := b.CancelBooking(c.Request.Context(), c.Param("id"), caller)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(booking, "Booking cancelled"))
	}
}

func ConfirmPayment(b *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		booking, err := b.ConfirmPayment(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(booking, "Payment confirmed"))
	}
}

type attendeesRequest struct {
	Attendees []models.Attendee `json:"attendees"`
}

func UpdateAttendees(b *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := mustCaller(c)
		if !ok {
			return
		}

		var req attendeesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
			return
		}

		booking, err := b.UpdateAttendees(c.Request.Context(), c.Param("id"), req.Attendees, caller)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(booking, "Attendees updated"))
	}
}

func UpdateBookingStatus(b *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := mustCaller(c)
		if !ok {
			return
		}

		var in services.StatusUpdateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
			return
		}

		booking, err := b.UpdateBookingStatus(c.Request.Context(), c.Param("id"), in, caller)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(booking, "Booking updated"))
	}
}

func CheckInAttendee(b *services.BookingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := mustCaller(c)
		if !ok {
			return
		}

		index, err := strconv.Atoi(c.Param("index"))
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse("invalid attendee index"))
			return
		}

		booking, err := b.CheckInAttendee(c.Request.Context(), c.Param("id"), index, caller)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(booking, "Attendee checked in"))
	}
}
