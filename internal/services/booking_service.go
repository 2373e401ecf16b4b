package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/joshua-takyi/bashbay-bookings/internal/clock"
	"github.com/joshua-takyi/bashbay-bookings/internal/models"
	"github.com/joshua-takyi/bashbay-bookings/internal/notify"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	defaultReservationTTL  = 15 * time.Minute
	defaultConflictRetries = 10
	maxCodeAttempts        = 5
	conflictBackoff        = 5 * time.Millisecond
)

// Transactor runs fn as one unit of work. MongodbRepo implements it with a
// session transaction or, on standalone servers, with compensation.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier accepts notifications without blocking the caller.
type Notifier interface {
	Send(n notify.Notification)
}

// StatsInvalidator drops cached statistics after a booking transition.
type StatsInvalidator interface {
	Invalidate(ctx context.Context, eventID string) error
}

// Caller is the identity a booking operation runs as.
type Caller struct {
	UserID string
	Email  string
	Role   string
}

func (c Caller) IsAdmin() bool {
	return c.Role == models.RoleAdmin
}

type BookingService struct {
	events   models.EventsRepo
	bookings models.BookingsRepo
	tx       Transactor

	clock    clock.Clock
	notifier Notifier
	stats    StatsInvalidator
	logger   *slog.Logger

	reservationTTL  time.Duration
	conflictRetries int
}

type BookingServiceOption func(*BookingService)

func WithClock(clk clock.Clock) BookingServiceOption {
	return func(s *BookingService) {
		if clk != nil {
			s.clock = clk
		}
	}
}

func WithNotifier(n Notifier) BookingServiceOption {
	return func(s *BookingService) {
		s.notifier = n
	}
}

func WithStatsInvalidator(inv StatsInvalidator) BookingServiceOption {
	return func(s *BookingService) {
		s.stats = inv
	}
}

func WithLogger(logger *slog.Logger) BookingServiceOption {
	return func(s *BookingService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReservationTTL sets how long a pending booking holds its tickets.
func WithReservationTTL(d time.Duration) BookingServiceOption {
	return func(s *BookingService) {
		if d > 0 {
			s.reservationTTL = d
		}
	}
}

// WithConflictRetries bounds how often an inventory write is retried after
// the stored counters stopped admitting it. Such a miss only happens when
// the touched tickets really moved, so the retry usually ends in a
// definite answer such as ErrCapacityExceeded.
func WithConflictRetries(n int) BookingServiceOption {
	return func(s *BookingService) {
		if n > 0 {
			s.conflictRetries = n
		}
	}
}

func NewBookingService(events models.EventsRepo, bookings models.BookingsRepo, tx Transactor, opts ...BookingServiceOption) *BookingService {
	svc := &BookingService{
		events:          events,
		bookings:        bookings,
		tx:              tx,
		clock:           clock.NewSystem(),
		logger:          slog.Default(),
		reservationTTL:  defaultReservationTTL,
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type SelectionInput struct {
	TicketID string `json:"ticket_id"`
	Quantity int    `json:"quantity"`
}

type CreateBookingInput struct {
	EventID   string            `json:"event_id"`
	Tickets   []SelectionInput  `json:"tickets"`
	Attendees []models.Attendee `json:"attendees"`
}

type selection struct {
	ticketID primitive.ObjectID
	quantity int
}

func parseID(raw, what string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(raw)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: invalid %s id %q", models.ErrInvalidRequest, what, raw)
	}
	return id, nil
}

func parseSelections(in []SelectionInput) ([]selection, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one ticket selection is required", models.ErrInvalidRequest)
	}
	seen := make(map[primitive.ObjectID]bool, len(in))
	out := make([]selection, 0, len(in))
	for _, s := range in {
		id, err := primitive.ObjectIDFromHex(s.TicketID)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", models.ErrTicketNotFound, s.TicketID)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: ticket %s selected more than once", models.ErrInvalidRequest, s.TicketID)
		}
		seen[id] = true
		out = append(out, selection{ticketID: id, quantity: s.Quantity})
	}
	return out, nil
}

// checkSelection applies the per-selection rules in order: the ticket must
// exist and be active, the quantity positive, within the remaining
// capacity and within the purchase limit.
func checkSelection(ev *models.Event, s selection) (*models.Ticket, error) {
	t := ev.Ticket(s.ticketID)
	if t == nil {
		return nil, fmt.Errorf("%w: %s in event %s", models.ErrTicketNotFound, s.ticketID.Hex(), ev.ID.Hex())
	}
	if !t.Active {
		return nil, fmt.Errorf("%w: %q", models.ErrTicketInactive, t.Name)
	}
	if s.quantity <= 0 {
		return nil, fmt.Errorf("%w: ticket %q quantity %d", models.ErrInvalidQuantity, t.Name, s.quantity)
	}
	if left := t.AvailableToReserve(); s.quantity > left {
		return nil, fmt.Errorf("%w: ticket %q requested %d, %d left", models.ErrCapacityExceeded, t.Name, s.quantity, left)
	}
	if s.quantity > t.MaxPerPurchase {
		return nil, fmt.Errorf("%w: ticket %q allows at most %d per purchase", models.ErrPurchaseLimitExceeded, t.Name, t.MaxPerPurchase)
	}
	return t, nil
}

// CreateBooking reserves the selected tickets and records a pending
// booking. The reservation and the booking record are committed together or
// not at all.
func (s *BookingService) CreateBooking(ctx context.Context, in CreateBookingInput, caller Caller) (*models.Booking, error) {
	if caller.UserID == "" {
		return nil, fmt.Errorf("%w: caller identity is required", models.ErrForbidden)
	}
	eventID, err := parseID(in.EventID, "event")
	if err != nil {
		return nil, err
	}

	ev, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := ev.CheckBookable(now); err != nil {
		return nil, err
	}

	selections, err := parseSelections(in.Tickets)
	if err != nil {
		return nil, err
	}

	booking := &models.Booking{
		EventID:   eventID,
		UserID:    caller.UserID,
		UserEmail: caller.Email,
		Attendees: in.Attendees,
	}
	for _, sel := range selections {
		t, err := checkSelection(ev, sel)
		if err != nil {
			return nil, err
		}
		subtotal := t.Price * float64(sel.quantity)
		booking.Tickets = append(booking.Tickets, models.TicketSelection{
			TicketID: t.ID,
			Name:     t.Name,
			Price:    t.Price,
			Quantity: sel.quantity,
			Subtotal: subtotal,
		})
		booking.TotalAmount += subtotal
	}
	if err := booking.CheckAttendees(in.Attendees); err != nil {
		return nil, err
	}

	booking.BookingDate = now
	booking.Status = models.BookingPending
	booking.PaymentStatus = models.PaymentPending
	booking.ExpiresAt = now.Add(s.reservationTTL)
	booking.CreatedAt = now
	booking.UpdatedAt = now

	for attempt := 1; ; attempt++ {
		code, err := s.newConfirmationCode(ctx)
		if err != nil {
			return nil, err
		}
		booking.ID = primitive.NewObjectID()
		booking.ConfirmationCode = code

		err = s.tx.WithTx(ctx, func(ctx context.Context) error {
			if _, err := s.reserve(ctx, eventID, selections); err != nil {
				return err
			}
			return s.bookings.InsertBooking(ctx, booking)
		})
		if err == nil {
			break
		}
		if errors.Is(err, models.ErrDuplicateConfirmationCode) && attempt < maxCodeAttempts {
			s.logger.Warn("confirmation code collision, retrying", "code", code, "attempt", attempt)
			continue
		}
		s.logFailure("create booking failed", err, "event_id", eventID.Hex(), "user_id", caller.UserID)
		return nil, err
	}

	s.logger.Info("booking created",
		"booking_id", booking.ID.Hex(),
		"event_id", eventID.Hex(),
		"tickets", booking.TotalTickets(),
		"expires_at", booking.ExpiresAt,
	)
	s.invalidateStats(ctx, eventID)
	return booking, nil
}

func (s *BookingService) newConfirmationCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := models.GenerateConfirmationCode()
		if err != nil {
			return "", err
		}
		exists, err := s.bookings.ConfirmationCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: no free confirmation code after %d attempts", models.ErrDependencyFailure, maxCodeAttempts)
}

// reserve holds every selection on the event. The selections are checked
// again against the freshly loaded event on each attempt. When the
// surrounding unit of work fails, the reservation is undone.
func (s *BookingService) reserve(ctx context.Context, eventID primitive.ObjectID, selections []selection) (*models.InventoryChange, error) {
	change, err := s.updateInventory(ctx, eventID, func(ev *models.Event, change *models.InventoryChange) error {
		if err := ev.CheckBookable(s.clock.Now()); err != nil {
			return err
		}
		for _, sel := range selections {
			if _, err := checkSelection(ev, sel); err != nil {
				return err
			}
			if err := change.Reserve(sel.ticketID, sel.quantity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	models.OnRollback(ctx, func(ctx context.Context) error {
		return s.revertInventory(ctx, change)
	})
	return change, nil
}

// updateInventory loads the event, lets mutate record counter changes and
// writes them as increments guarded by the stored counters. When the guard
// misses it reloads, so mutate decides again on current numbers. Driver
// errors return at once; inside a transaction the session retries them.
func (s *BookingService) updateInventory(ctx context.Context, eventID primitive.ObjectID, mutate func(ev *models.Event, change *models.InventoryChange) error) (*models.InventoryChange, error) {
	for attempt := 1; attempt <= s.conflictRetries; attempt++ {
		ev, err := s.events.GetEvent(ctx, eventID)
		if err != nil {
			return nil, err
		}
		change := models.NewInventoryChange(ev)
		if err := mutate(ev, change); err != nil {
			return nil, err
		}
		if err := change.CheckInvariant(); err != nil {
			return nil, err
		}

		err = s.events.ApplyInventoryChange(ctx, change)
		if err == nil {
			return change, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return nil, err
		}
		s.logger.Debug("inventory guard missed, reloading", "event_id", eventID.Hex(), "attempt", attempt)
		if err := backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: inventory of event %s kept changing after %d attempts", models.ErrDependencyFailure, eventID.Hex(), s.conflictRetries)
}

func (s *BookingService) revertInventory(ctx context.Context, change *models.InventoryChange) error {
	eventID := change.Event.ID
	for attempt := 1; attempt <= s.conflictRetries; attempt++ {
		ev, err := s.events.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		inv := change.Inverse(ev)
		if err := inv.CheckInvariant(); err != nil {
			return err
		}
		err = s.events.ApplyInventoryChange(ctx, inv)
		if err == nil {
			s.logger.Info("inventory change reverted", "event_id", eventID.Hex())
			return nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return err
		}
		if err := backoff(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: could not revert inventory of event %s", models.ErrInvariantViolation, eventID.Hex())
}

func backoff(ctx context.Context, attempt int) error {
	d := time.Duration(rand.Int64N(int64(conflictBackoff) * int64(attempt)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *BookingService) GetBooking(ctx context.Context, bookingID string, caller Caller) (*models.Booking, error) {
	id, err := parseID(bookingID, "booking")
	if err != nil {
		return nil, err
	}
	b, err := s.bookings.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.IsOwner(caller.UserID) && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: booking %s belongs to another user", models.ErrForbidden, bookingID)
	}
	return b, nil
}

type ListBookingsInput struct {
	EventID       string `form:"event_id"`
	Status        string `form:"status" validate:"omitempty,oneof=pending confirmed cancelled completed"`
	PaymentStatus string `form:"payment_status" validate:"omitempty,oneof=pending paid failed refunded"`
	Offset        int    `form:"offset" validate:"gte=0"`
	Limit         int    `form:"limit" validate:"gte=0,lte=100"`
}

// ListMyBookings returns the caller's bookings, newest first, and the total
// number matching the filter.
func (s *BookingService) ListMyBookings(ctx context.Context, userID string, in ListBookingsInput) ([]*models.Booking, int64, error) {
	if userID == "" {
		return nil, 0, fmt.Errorf("%w: user id is required", models.ErrInvalidRequest)
	}
	if err := models.Validate.Struct(in); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	filter := models.BookingFilter{
		UserID:        userID,
		Status:        models.BookingStatus(in.Status),
		PaymentStatus: models.PaymentStatus(in.PaymentStatus),
		Offset:        in.Offset,
		Limit:         in.Limit,
	}
	if in.EventID != "" {
		id, err := parseID(in.EventID, "event")
		if err != nil {
			return nil, 0, err
		}
		filter.EventID = id
	}
	return s.bookings.ListBookings(ctx, filter)
}

// UpdateAttendees replaces the attendee list of a booking that is not
// cancelled. The list must match the booked ticket count exactly.
func (s *BookingService) UpdateAttendees(ctx context.Context, bookingID string, attendees []models.Attendee, caller Caller) (*models.Booking, error) {
	id, err := parseID(bookingID, "booking")
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.conflictRetries; attempt++ {
		b, err := s.bookings.GetBooking(ctx, id)
		if err != nil {
			return nil, err
		}
		if !b.IsOwner(caller.UserID) && !caller.IsAdmin() {
			return nil, fmt.Errorf("%w: booking %s belongs to another user", models.ErrForbidden, bookingID)
		}
		if b.Status == models.BookingCancelled {
			return nil, fmt.Errorf("%w: attendees of a cancelled booking cannot change", models.ErrInvalidTransition)
		}
		if err := b.CheckAttendees(attendees); err != nil {
			return nil, err
		}

		updated, err := s.bookings.UpdateBookingIf(ctx, id, b.State(), models.BookingUpdate{Attendees: attendees})
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: booking %s kept changing", models.ErrDependencyFailure, bookingID)
}

// CheckInAttendee marks one attendee of a confirmed booking as admitted.
// Checking in twice returns the booking unchanged.
func (s *BookingService) CheckInAttendee(ctx context.Context, bookingID string, index int, caller Caller) (*models.Booking, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: check-in requires the admin role", models.ErrForbidden)
	}
	id, err := parseID(bookingID, "booking")
	if err != nil {
		return nil, err
	}
	b, err := s.bookings.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BookingConfirmed {
		return nil, fmt.Errorf("%w: only confirmed bookings can check in, booking is %s", models.ErrInvalidTransition, b.Status)
	}
	if index < 0 || index >= len(b.Attendees) {
		return nil, fmt.Errorf("%w: attendee index %d out of range", models.ErrInvalidRequest, index)
	}
	if b.Attendees[index].CheckedIn {
		return b, nil
	}

	now := s.clock.Now()
	attendees := make([]models.Attendee, len(b.Attendees))
	copy(attendees, b.Attendees)
	attendees[index].CheckedIn = true
	attendees[index].CheckedInAt = &now

	updated, err := s.bookings.UpdateBookingIf(ctx, id, b.State(), models.BookingUpdate{Attendees: attendees})
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: booking %s changed during check-in", models.ErrInvalidTransition, bookingID)
		}
		return nil, err
	}
	return updated, nil
}

func (s *BookingService) invalidateStats(ctx context.Context, eventID primitive.ObjectID) {
	if s.stats == nil {
		return
	}
	if err := s.stats.Invalidate(ctx, eventID.Hex()); err != nil {
		s.logger.Warn("stats cache invalidation failed", "event_id", eventID.Hex(), "error", err)
	}
}

func (s *BookingService) notify(n notify.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Send(n)
}

// logFailure logs invariant violations at error level. Business rule
// failures are the caller's concern and are not logged here.
func (s *BookingService) logFailure(msg string, err error, args ...any) {
	switch {
	case errors.Is(err, models.ErrInvariantViolation):
		s.logger.Error(msg, append(args, "error", err)...)
	case models.IsClientError(err):
	default:
		s.logger.Warn(msg, append(args, "error", err)...)
	}
}
