package routes

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joshua-takyi/bashbay-bookings/internal/container"
	"github.com/joshua-takyi/bashbay-bookings/internal/handlers"
	"github.com/joshua-takyi/bashbay-bookings/internal/middleware"
)

// SetupRoutes configures all routes with the dependency container
func SetupRoutes(container *container.Container) *gin.Engine {
	if container.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     container.Config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
	}))

	r.Use(middleware.RequestID())
	r.Use(middleware.StructuredLogger(container.Logger))
	r.Use(middleware.ErrorHandler(container.Logger))
	r.Use(gin.Recovery())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "OK",
				"service": "bashbay-bookings",
			})
		})
		v1.GET("/events/:id", handlers.GetEvent(container.EventService))
	}

	protected := v1.Group("/")
	protected.Use(middleware.AuthMiddleware(
		container.TokenValidator,
		container.ProfileService,
		container.Logger,
		container.Config.IsProduction(),
	))
	limited := middleware.RateLimit(container.Config.RateLimit, container.RedisClient, container.Logger)
	admin := middleware.RequireAdmin()

	bookingRoutes := protected.Group("/bookings")
	{
		bookingRoutes.POST("", limited, handlers.CreateBooking(container.BookingService))
		bookingRoutes.GET("/me", handlers.ListMyBookings(container.BookingService))
		bookingRoutes.GET("/:id", handlers.GetBooking(container.BookingService))
		bookingRoutes.PATCH("/:id/cancel", limited, handlers.CancelBooking(container.BookingService))
		bookingRoutes.PUT("/:id/attendees", limited, handlers.UpdateAttendees(container.BookingService))

		bookingRoutes.POST("/:id/confirm-payment", admin, handlers.ConfirmPayment(container.BookingService))
		bookingRoutes.PATCH("/:id/status", admin, handlers.UpdateBookingStatus(container.BookingService))
		bookingRoutes.PATCH("/:id/attendees/:index/check-in", admin, handlers.CheckInAttendee(container.BookingService))
	}

	eventRoutes := protected.Group("/events")
	eventRoutes.Use(admin)
	{
		eventRoutes.POST("", handlers.CreateEvent(container.EventService))
		eventRoutes.PATCH("/:id/tickets/:ticketId", handlers.UpdateTicket(container.EventService))
		eventRoutes.GET("/:id/booking-stats", handlers.GetBookingStats(container.StatsService))
	}

	return r
}
