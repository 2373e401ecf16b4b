package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type EventStatus string

const (
	EventScheduled EventStatus = "scheduled"
	EventPostponed EventStatus = "postponed"
	EventCanceled  EventStatus = "canceled"
	EventCompleted EventStatus = "completed"
)

// Ticket is a purchasable category inside an Event. Its counters are only
// changed through the methods below so that
// ReservedQuantity+SoldQuantity <= AvailableQuantity always holds.
type Ticket struct {
	ID                primitive.ObjectID `bson:"_id" json:"id"`
	Name              string             `bson:"name" json:"name" validate:"required"`
	Description       string             `bson:"description,omitempty" json:"description,omitempty"`
	Price             float64            `bson:"price" json:"price" validate:"gte=0"`
	AvailableQuantity int                `bson:"available_quantity" json:"available_quantity" validate:"gte=0"`
	ReservedQuantity  int                `bson:"reserved_quantity" json:"reserved_quantity"`
	SoldQuantity      int                `bson:"sold_quantity" json:"sold_quantity"`
	MaxPerPurchase    int                `bson:"max_per_purchase" json:"max_per_purchase" validate:"gte=1"`
	Active            bool               `bson:"active" json:"active"`
}

// AvailableToReserve is the capacity not yet held by a reservation or a sale.
func (t *Ticket) AvailableToReserve() int {
	left := t.AvailableQuantity - t.ReservedQuantity - t.SoldQuantity
	if left < 0 {
		return 0
	}
	return left
}

func (t *Ticket) IsSoldOut() bool {
	return t.AvailableToReserve() == 0
}

// Reserve holds qty units for a pending booking.
func (t *Ticket) Reserve(qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: ticket %s quantity %d", ErrInvalidQuantity, t.ID.Hex(), qty)
	}
	if left := t.AvailableToReserve(); qty > left {
		return fmt.Errorf("%w: ticket %q requested %d, %d left", ErrCapacityExceeded, t.Name, qty, left)
	}
	if qty > t.MaxPerPurchase {
		return fmt.Errorf("%w: ticket %q allows at most %d per purchase", ErrPurchaseLimitExceeded, t.Name, t.MaxPerPurchase)
	}
	t.ReservedQuantity += qty
	return nil
}

// ConfirmSale converts qty reserved units into sold units.
func (t *Ticket) ConfirmSale(qty int) error {
	if t.ReservedQuantity < qty {
		return fmt.Errorf("%w: ticket %s has %d reserved, cannot sell %d", ErrInvariantViolation, t.ID.Hex(), t.ReservedQuantity, qty)
	}
	t.ReservedQuantity -= qty
	t.SoldQuantity += qty
	return nil
}

// Release returns qty units to the pool, from the sold counter when wasSold
// is set and from the reserved counter otherwise. The counter is clamped at
// zero; the returned value is the part of qty that could not be released,
// which is non-zero only when the counters were already inconsistent.
func (t *Ticket) Release(qty int, wasSold bool) (underflow int) {
	counter := &t.ReservedQuantity
	if wasSold {
		counter = &t.SoldQuantity
	}
	if *counter < qty {
		underflow = qty - *counter
		*counter = 0
		return underflow
	}
	*counter -= qty
	return 0
}

// TicketUpdate is a typed partial update of a ticket definition. Nil fields
// are left untouched. Counters are never part of it.
type TicketUpdate struct {
	Name              *string  `json:"name,omitempty"`
	Description       *string  `json:"description,omitempty"`
	Price             *float64 `json:"price,omitempty" validate:"omitempty,gte=0"`
	AvailableQuantity *int     `json:"available_quantity,omitempty" validate:"omitempty,gte=0"`
	MaxPerPurchase    *int     `json:"max_per_purchase,omitempty" validate:"omitempty,gte=1"`
	Active            *bool    `json:"active,omitempty"`
}

type Event struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Title            string             `bson:"title" json:"title"`
	Description      string             `bson:"description,omitempty" json:"description,omitempty"`
	StartDate        time.Time          `bson:"start_date" json:"start_date"`
	EndDate          time.Time          `bson:"end_date" json:"end_date"`
	Status           EventStatus        `bson:"status" json:"status"`
	Active           bool               `bson:"active" json:"active"`
	Tickets          []Ticket           `bson:"tickets" json:"tickets"`
	MinPrice         float64            `bson:"min_price" json:"min_price"`
	MaxPrice         float64            `bson:"max_price" json:"max_price"`
	IsFree           bool               `bson:"is_free" json:"is_free"`
	CurrentAttendees int                `bson:"current_attendees" json:"current_attendees"`
	// Version is bumped on every counter write and used as the
	// optimistic concurrency token.
	Version   int64     `bson:"version" json:"-"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Ticket resolves a ticket by id, or nil.
func (e *Event) Ticket(id primitive.ObjectID) *Ticket {
	for i := range e.Tickets {
		if e.Tickets[i].ID == id {
			return &e.Tickets[i]
		}
	}
	return nil
}

// IsSoldOut is true when the ticket is exhausted or does not exist.
func (e *Event) IsSoldOut(ticketID primitive.ObjectID) bool {
	t := e.Ticket(ticketID)
	return t == nil || t.IsSoldOut()
}

// CheckBookable reports whether new bookings may be placed at now.
func (e *Event) CheckBookable(now time.Time) error {
	if !e.Active || e.Status == EventCanceled {
		return fmt.Errorf("%w: event %s", ErrEventUnavailable, e.ID.Hex())
	}
	if e.EndDate.Before(now) {
		return fmt.Errorf("%w: event %s ended at %s", ErrEventEnded, e.ID.Hex(), e.EndDate.Format(time.RFC3339))
	}
	return nil
}

// RecomputePriceRange derives MinPrice, MaxPrice and IsFree from the
// active tickets.
func (e *Event) RecomputePriceRange() {
	first := true
	e.MinPrice, e.MaxPrice = 0, 0
	for _, t := range e.Tickets {
		if !t.Active {
			continue
		}
		if first || t.Price < e.MinPrice {
			e.MinPrice = t.Price
		}
		if first || t.Price > e.MaxPrice {
			e.MaxPrice = t.Price
		}
		first = false
	}
	e.IsFree = e.MaxPrice == 0
}

// ApplyTicketUpdate applies a catalog edit to one ticket. Shrinking
// AvailableQuantity below what is already held is rejected.
func (e *Event) ApplyTicketUpdate(ticketID primitive.ObjectID, u TicketUpdate) error {
	if err := Validate.Struct(u); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	t := e.Ticket(ticketID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID.Hex())
	}
	if u.AvailableQuantity != nil && *u.AvailableQuantity < t.ReservedQuantity+t.SoldQuantity {
		return fmt.Errorf("%w: ticket %q already has %d held", ErrInvalidQuantity, t.Name, t.ReservedQuantity+t.SoldQuantity)
	}
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Price != nil {
		t.Price = *u.Price
	}
	if u.AvailableQuantity != nil {
		t.AvailableQuantity = *u.AvailableQuantity
	}
	if u.MaxPerPurchase != nil {
		t.MaxPerPurchase = *u.MaxPerPurchase
	}
	if u.Active != nil {
		t.Active = *u.Active
	}
	e.RecomputePriceRange()
	return nil
}
