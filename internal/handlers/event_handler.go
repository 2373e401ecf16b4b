package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joshua-takyi/bashbay-bookings/internal/models"
	"github.com/joshua-takyi/bashbay-bookings/internal/services"
)

func CreateEvent(e *services.EventService) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := mustCaller(c)
		if !ok {
			return
		}

		var in services.CreateEventInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
			return
		}

		ev, err := e.CreateEvent(c.Request.Context(), in, caller)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, models.SuccessResponse(ev, "Event created successfully"))
	}
}

func GetEvent(e *services.EventService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ev, err := e.GetEvent(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(ev, ""))
	}
}

func UpdateTicket(e *services.EventService) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := mustCaller(c)
		if !ok {
			return
		}

		var u models.TicketUpdate
		if err := c.ShouldBindJSON(&u); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
			return
		}

		ev, err := e.UpdateTicket(c.Request.Context(), c.Param("id"), c.Param("ticketId"), u, caller)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(ev, "Ticket updated"))
	}
}

func GetBookingStats(s *services.StatsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := s.GetBookingStats(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.SuccessResponse(stats, ""))
	}
}
