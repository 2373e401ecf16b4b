package services

import (
	"context"
	"log/slog"

	"github.com/joshua-takyi/bashbay-bookings/internal/models"
)

// StatsCache is the read-through cache in front of the aggregation.
type StatsCache interface {
	Get(ctx context.Context, eventID string) (*models.BookingStats, error)
	Set(ctx context.Context, stats *models.BookingStats) error
	StatsInvalidator
}

// StatsService serves per-event booking statistics. Results may be up to
// one cache TTL stale.
type StatsService struct {
	bookings models.BookingsRepo
	cache    StatsCache
	logger   *slog.Logger
}

func NewStatsService(bookings models.BookingsRepo, cache StatsCache, logger *slog.Logger) *StatsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsService{bookings: bookings, cache: cache, logger: logger}
}

func (s *StatsService) GetBookingStats(ctx context.Context, eventID string) (*models.BookingStats, error) {
	id, err := parseID(eventID, "event")
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, id.Hex())
		if err != nil {
			s.logger.Warn("stats cache read failed", "event_id", id.Hex(), "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	stats, err := s.bookings.GetBookingStats(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, stats); err != nil {
			s.logger.Warn("stats cache write failed", "event_id", id.Hex(), "error", err)
		}
	}
	return stats, nil
}
