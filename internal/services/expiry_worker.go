package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/joshua-takyi/bashbay-bookings/internal/clock"
	"github.com/joshua-takyi/bashbay-bookings/internal/models"
)

const (
	defaultSweepInterval = time.Minute
	sweepBatchSize       = 100
)

// ExpiryWorker periodically cancels pending bookings whose reservation
// window has passed, returning their tickets to the pool.
type ExpiryWorker struct {
	bookings models.BookingsRepo
	service  *BookingService
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
}

func NewExpiryWorker(bookings models.BookingsRepo, service *BookingService, clk clock.Clock, logger *slog.Logger, interval time.Duration) *ExpiryWorker {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryWorker{
		bookings: bookings,
		service:  service,
		clock:    clk,
		logger:   logger,
		interval: interval,
	}
}

// Start blocks until ctx is cancelled.
func (w *ExpiryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("expiry worker started", "interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("expiry worker stopped")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// Sweep expires one batch of stale reservations and returns how many were
// cancelled. A failure on one booking is logged and the batch continues.
func (w *ExpiryWorker) Sweep(ctx context.Context) (int, error) {
	expired, err := w.bookings.FindExpiredBookings(ctx, w.clock.Now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	w.logger.Info("expiring stale reservations", "count", len(expired))

	n := 0
	for _, b := range expired {
		ok, err := w.service.ExpireBooking(ctx, b)
		if err != nil {
			w.logger.Error("failed to expire booking", "booking_id", b.ID.Hex(), "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}
