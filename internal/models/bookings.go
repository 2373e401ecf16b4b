package models

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type RefundStatus string

const (
	RefundNone      RefundStatus = ""
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
)

const (
	ConfirmationCodeLength  = 8
	confirmationCodeSymbols = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	CancellationExpired = "expired"
)

// TicketSelection is a snapshot of one ticket type taken when the booking
// was placed. Name and Price do not follow later catalog edits.
type TicketSelection struct {
	TicketID primitive.ObjectID `bson:"ticket_id" json:"ticket_id"`
	Name     string             `bson:"name" json:"name"`
	Price    float64            `bson:"price" json:"price"`
	Quantity int                `bson:"quantity" json:"quantity"`
	Subtotal float64            `bson:"subtotal" json:"subtotal"`
}

type Attendee struct {
	Name        string             `bson:"name" json:"name" validate:"required,max=200"`
	Email       string             `bson:"email" json:"email" validate:"required,email"`
	TicketID    primitive.ObjectID `bson:"ticket_id,omitempty" json:"ticket_id,omitempty"`
	CheckedIn   bool               `bson:"checked_in" json:"checked_in"`
	CheckedInAt *time.Time         `bson:"checked_in_at,omitempty" json:"checked_in_at,omitempty"`
}

type Booking struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	EventID          primitive.ObjectID `bson:"event_id" json:"event_id"`
	UserID           string             `bson:"user_id" json:"user_id"`
	UserEmail        string             `bson:"user_email,omitempty" json:"user_email,omitempty"`
	BookingDate      time.Time          `bson:"booking_date" json:"booking_date"`
	Tickets          []TicketSelection  `bson:"tickets" json:"tickets"`
	Attendees        []Attendee         `bson:"attendees" json:"attendees"`
	TotalAmount      float64            `bson:"total_amount" json:"total_amount"`
	Status           BookingStatus      `bson:"status" json:"status"`
	PaymentStatus    PaymentStatus      `bson:"payment_status" json:"payment_status"`
	ConfirmationCode string             `bson:"confirmation_code" json:"confirmation_code"`

	RefundStatus RefundStatus `bson:"refund_status,omitempty" json:"refund_status,omitempty"`
	RefundAmount float64      `bson:"refund_amount,omitempty" json:"refund_amount,omitempty"`
	RefundReason string       `bson:"refund_reason,omitempty" json:"refund_reason,omitempty"`

	ExpiresAt          time.Time  `bson:"expires_at" json:"expires_at"`
	ConfirmedAt        *time.Time `bson:"confirmed_at,omitempty" json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time `bson:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`
	CancellationReason string     `bson:"cancellation_reason,omitempty" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `bson:"updated_at" json:"updated_at"`
}

// TotalTickets is the sum of the selected quantities.
func (b *Booking) TotalTickets() int {
	n := 0
	for _, s := range b.Tickets {
		n += s.Quantity
	}
	return n
}

func (b *Booking) IsOwner(userID string) bool {
	return b.UserID == userID
}

// IsTerminal reports whether no further transition is possible.
func (b *Booking) IsTerminal() bool {
	return b.Status == BookingCancelled || b.Status == BookingCompleted
}

// IsCancellable is false for terminal bookings and otherwise true only
// before the event starts.
func (b *Booking) IsCancellable(eventStart, now time.Time) bool {
	if b.IsTerminal() {
		return false
	}
	return now.Before(eventStart)
}

// ReservationHeldAsSold reports whether the booking's units sit in the sold
// counters (paid) rather than the reserved ones.
func (b *Booking) ReservationHeldAsSold() bool {
	return b.PaymentStatus == PaymentPaid || b.PaymentStatus == PaymentRefunded
}

// CheckAttendees validates a replacement or initial attendee list against
// the booking's selections.
func (b *Booking) CheckAttendees(attendees []Attendee) error {
	if len(attendees) != b.TotalTickets() {
		return fmt.Errorf("%w: got %d attendees for %d tickets", ErrAttendeeMismatch, len(attendees), b.TotalTickets())
	}
	selected := make(map[primitive.ObjectID]bool, len(b.Tickets))
	for _, s := range b.Tickets {
		selected[s.TicketID] = true
	}
	for i, a := range attendees {
		if err := Validate.Struct(a); err != nil {
			return fmt.Errorf("%w: attendee %d: %v", ErrInvalidRequest, i, err)
		}
		if !a.TicketID.IsZero() && !selected[a.TicketID] {
			return fmt.Errorf("%w: attendee %d references ticket %s outside this booking", ErrInvalidRequest, i, a.TicketID.Hex())
		}
	}
	return nil
}

// GenerateConfirmationCode returns a random code drawn from a fixed
// alphanumeric symbol set. Uniqueness is enforced by the repository.
func GenerateConfirmationCode() (string, error) {
	max := big.NewInt(int64(len(confirmationCodeSymbols)))
	code := make([]byte, ConfirmationCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate confirmation code: %w", err)
		}
		code[i] = confirmationCodeSymbols[n.Int64()]
	}
	return string(code), nil
}

// BookingFilter narrows ListBookings.
type BookingFilter struct {
	UserID        string
	EventID       primitive.ObjectID
	Status        BookingStatus
	PaymentStatus PaymentStatus
	Offset        int
	Limit         int
}

// BookingStats aggregates confirmed and completed bookings of one event.
type BookingStats struct {
	EventID       string  `json:"event_id"`
	TotalBookings int64   `json:"total_bookings"`
	TotalRevenue  float64 `json:"total_revenue"`
	TotalTickets  int64   `json:"total_tickets"`
}
