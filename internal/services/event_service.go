package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joshua-takyi/bashbay-bookings/internal/models"
)

// EventService is the small slice of catalog management the booking core
// needs: seeding events and editing ticket definitions. Counters are never
// written here.
type EventService struct {
	events models.EventsRepo
	logger *slog.Logger
}

func NewEventService(events models.EventsRepo, logger *slog.Logger) *EventService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventService{events: events, logger: logger}
}

type TicketInput struct {
	Name              string  `json:"name" validate:"required,max=100"`
	Description       string  `json:"description"`
	Price             float64 `json:"price" validate:"gte=0"`
	AvailableQuantity int     `json:"available_quantity" validate:"gte=0"`
	MaxPerPurchase    int     `json:"max_per_purchase" validate:"gte=1"`
	Active            *bool   `json:"active"`
}

type CreateEventInput struct {
	Title       string        `json:"title" validate:"required,max=200"`
	Description string        `json:"description"`
	StartDate   time.Time     `json:"start_date" validate:"required"`
	EndDate     time.Time     `json:"end_date" validate:"required,gtefield=StartDate"`
	Tickets     []TicketInput `json:"tickets" validate:"required,min=1,dive"`
}

func (s *EventService) CreateEvent(ctx context.Context, in CreateEventInput, caller Caller) (*models.Event, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: creating events requires the admin role", models.ErrForbidden)
	}
	if err := models.Validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}

	ev := &models.Event{
		Title:       in.Title,
		Description: in.Description,
		StartDate:   in.StartDate.UTC(),
		EndDate:     in.EndDate.UTC(),
		Status:      models.EventScheduled,
		Active:      true,
	}
	for _, t := range in.Tickets {
		active := true
		if t.Active != nil {
			active = *t.Active
		}
		ev.Tickets = append(ev.Tickets, models.Ticket{
			Name:              t.Name,
			Description:       t.Description,
			Price:             t.Price,
			AvailableQuantity: t.AvailableQuantity,
			MaxPerPurchase:    t.MaxPerPurchase,
			Active:            active,
		})
	}

	created, err := s.events.CreateEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	s.logger.Info("event created", "event_id", created.ID.Hex(), "tickets", len(created.Tickets))
	return created, nil
}

func (s *EventService) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	id, err := parseID(eventID, "event")
	if err != nil {
		return nil, err
	}
	return s.events.GetEvent(ctx, id)
}

// UpdateTicket applies a typed edit to one ticket definition and stores it
// together with the recomputed price range. Concurrent counter writes bump
// the event version, so the edit is re-applied on a fresh copy.
func (s *EventService) UpdateTicket(ctx context.Context, eventID, ticketID string, u models.TicketUpdate, caller Caller) (*models.Event, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: editing tickets requires the admin role", models.ErrForbidden)
	}
	evID, err := parseID(eventID, "event")
	if err != nil {
		return nil, err
	}
	tID, err := parseID(ticketID, "ticket")
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= defaultConflictRetries; attempt++ {
		ev, err := s.events.GetEvent(ctx, evID)
		if err != nil {
			return nil, err
		}
		if err := ev.ApplyTicketUpdate(tID, u); err != nil {
			return nil, err
		}
		err = s.events.SaveTickets(ctx, ev)
		if err == nil {
			s.logger.Info("ticket updated", "event_id", eventID, "ticket_id", ticketID)
			return ev, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return nil, err
		}
		if err := backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: event %s kept changing", models.ErrDependencyFailure, eventID)
}
