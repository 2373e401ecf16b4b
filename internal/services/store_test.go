package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/joshua-takyi/bashbay-bookings/internal/models"
	"github.com/joshua-takyi/bashbay-bookings/internal/notify"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// memStore is an in-memory EventsRepo, BookingsRepo and Transactor with
// the same conditional-write contract as the MongoDB repository. Writes
// run under compensation, as they do against a standalone server.
type memStore struct {
	mu       sync.Mutex
	events   map[primitive.ObjectID]*models.Event
	bookings map[primitive.ObjectID]*models.Booking

	insertErr     error
	failInsertFor int
}

func newMemStore() *memStore {
	return &memStore{
		events:   make(map[primitive.ObjectID]*models.Event),
		bookings: make(map[primitive.ObjectID]*models.Booking),
	}
}

func cloneEvent(ev *models.Event) *models.Event {
	cp := *ev
	cp.Tickets = append([]models.Ticket(nil), ev.Tickets...)
	return &cp
}

func cloneBooking(b *models.Booking) *models.Booking {
	cp := *b
	cp.Tickets = append([]models.TicketSelection(nil), b.Tickets...)
	cp.Attendees = append([]models.Attendee(nil), b.Attendees...)
	return &cp
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return models.RunCompensated(ctx, fn)
}

func (m *memStore) CreateEvent(ctx context.Context, ev *models.Event) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID.IsZero() {
		ev.ID = primitive.NewObjectID()
	}
	for i := range ev.Tickets {
		if ev.Tickets[i].ID.IsZero() {
			ev.Tickets[i].ID = primitive.NewObjectID()
		}
	}
	ev.RecomputePriceRange()
	m.events[ev.ID] = cloneEvent(ev)
	return ev, nil
}

func (m *memStore) GetEvent(ctx context.Context, id primitive.ObjectID) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", models.ErrNotFound, id.Hex())
	}
	return cloneEvent(ev), nil
}

func (m *memStore) ApplyInventoryChange(ctx context.Context, change *models.InventoryChange) error {
	if change.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.events[change.Event.ID]
	if !ok || !change.Fits(stored) {
		return fmt.Errorf("%w: event %s", models.ErrVersionConflict, change.Event.ID.Hex())
	}
	next := cloneEvent(stored)
	for _, d := range change.Deltas() {
		t := next.Ticket(d.TicketID)
		if t == nil {
			continue
		}
		t.ReservedQuantity += d.Reserved
		t.SoldQuantity += d.Sold
	}
	next.CurrentAttendees += change.Attendees
	next.Version++
	m.events[next.ID] = next
	return nil
}

func (m *memStore) SaveTickets(ctx context.Context, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.events[ev.ID]
	if !ok || stored.Version != ev.Version {
		return fmt.Errorf("%w: event %s", models.ErrVersionConflict, ev.ID.Hex())
	}
	ev.RecomputePriceRange()
	next := cloneEvent(stored)
	next.Tickets = append([]models.Ticket(nil), ev.Tickets...)
	next.MinPrice, next.MaxPrice, next.IsFree = ev.MinPrice, ev.MaxPrice, ev.IsFree
	next.Version++
	m.events[ev.ID] = next
	ev.Version = next.Version
	return nil
}

func (m *memStore) InsertBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsertFor > 0 {
		m.failInsertFor--
		return m.insertErr
	}
	for _, existing := range m.bookings {
		if existing.ConfirmationCode == b.ConfirmationCode {
			return fmt.Errorf("%w: %s", models.ErrDuplicateConfirmationCode, b.ConfirmationCode)
		}
	}
	m.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (m *memStore) GetBooking(ctx context.Context, id primitive.ObjectID) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("%w: booking %s", models.ErrNotFound, id.Hex())
	}
	return cloneBooking(b), nil
}

func (m *memStore) ConfirmationCodeExists(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if b.ConfirmationCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListBookings(ctx context.Context, f models.BookingFilter) ([]*models.Booking, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Booking
	for _, b := range m.bookings {
		if f.UserID != "" && b.UserID != f.UserID {
			continue
		}
		if !f.EventID.IsZero() && b.EventID != f.EventID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.PaymentStatus != "" && b.PaymentStatus != f.PaymentStatus {
			continue
		}
		out = append(out, cloneBooking(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := int64(len(out))
	if f.Offset >= len(out) {
		return []*models.Booking{}, total, nil
	}
	out = out[f.Offset:]
	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memStore) UpdateBookingIf(ctx context.Context, id primitive.ObjectID, expect models.BookingState, u models.BookingUpdate) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || b.State() != expect {
		return nil, fmt.Errorf("%w: booking %s", models.ErrVersionConflict, id.Hex())
	}
	next := cloneBooking(b)
	u.Apply(next)
	m.bookings[id] = next
	return cloneBooking(next), nil
}

func (m *memStore) FindExpiredBookings(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Booking
	for _, b := range m.bookings {
		if b.Status == models.BookingPending &&
			(b.PaymentStatus == models.PaymentPending || b.PaymentStatus == models.PaymentFailed) &&
			b.ExpiresAt.Before(now) {
			out = append(out, cloneBooking(b))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) GetBookingStats(ctx context.Context, eventID primitive.ObjectID) (*models.BookingStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.BookingStats{EventID: eventID.Hex()}
	for _, b := range m.bookings {
		if b.EventID != eventID {
			continue
		}
		if b.Status != models.BookingConfirmed && b.Status != models.BookingCompleted {
			continue
		}
		stats.TotalBookings++
		stats.TotalRevenue += b.TotalAmount
		stats.TotalTickets += int64(b.TotalTickets())
	}
	return stats, nil
}

// ticket returns a copy of the stored ticket.
func (m *memStore) ticket(eventID, ticketID primitive.ObjectID) models.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.events[eventID].Ticket(ticketID)
}

func (m *memStore) event(eventID primitive.ObjectID) models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *cloneEvent(m.events[eventID])
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) templates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.sent {
		out = append(out, n.Template)
	}
	return out
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingInvalidator) Invalidate(ctx context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[eventID]++
	return nil
}

func (c *countingInvalidator) count(eventID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[eventID]
}
