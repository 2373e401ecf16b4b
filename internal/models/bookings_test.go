package models

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func twoTicketBooking() *Booking {
	return &Booking{
		ID:      primitive.NewObjectID(),
		UserID:  "user-1",
		Status:  BookingPending,
		Tickets: []TicketSelection{{TicketID: primitive.NewObjectID(), Quantity: 2}},
	}
}

func TestBooking_CheckAttendees(t *testing.T) {
	b := twoTicketBooking()
	ok := []Attendee{{Name: "Ama", Email: "ama@example.com"}, {Name: "Kofi", Email: "kofi@example.com"}}

	assert.NoError(t, b.CheckAttendees(ok))
	assert.ErrorIs(t, b.CheckAttendees(ok[:1]), ErrAttendeeMismatch)
	assert.ErrorIs(t, b.CheckAttendees(nil), ErrAttendeeMismatch)

	badEmail := []Attendee{ok[0], {Name: "Kofi", Email: "not-an-email"}}
	assert.ErrorIs(t, b.CheckAttendees(badEmail), ErrInvalidRequest)

	foreign := []Attendee{ok[0], {Name: "Kofi", Email: "kofi@example.com", TicketID: primitive.NewObjectID()}}
	assert.ErrorIs(t, b.CheckAttendees(foreign), ErrInvalidRequest)

	own := []Attendee{ok[0], {Name: "Kofi", Email: "kofi@example.com", TicketID: b.Tickets[0].TicketID}}
	assert.NoError(t, b.CheckAttendees(own))
}

func TestBooking_IsCancellable(t *testing.T) {
	start := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)
	b := twoTicketBooking()

	assert.True(t, b.IsCancellable(start, start.Add(-time.Minute)))
	assert.False(t, b.IsCancellable(start, start))
	assert.False(t, b.IsCancellable(start, start.Add(time.Hour)))

	b.Status = BookingCancelled
	assert.False(t, b.IsCancellable(start, start.Add(-time.Hour)))
	b.Status = BookingCompleted
	assert.False(t, b.IsCancellable(start, start.Add(-time.Hour)))
}

func TestBooking_ReservationHeldAsSold(t *testing.T) {
	b := twoTicketBooking()
	for status, want := range map[PaymentStatus]bool{
		PaymentPending:  false,
		PaymentFailed:   false,
		PaymentPaid:     true,
		PaymentRefunded: true,
	} {
		b.PaymentStatus = status
		assert.Equal(t, want, b.ReservationHeldAsSold(), status)
	}
}

func TestGenerateConfirmationCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := GenerateConfirmationCode()
		require.NoError(t, err)
		require.Len(t, code, ConfirmationCodeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(confirmationCodeSymbols, r), "unexpected symbol %q", r)
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestBookingUpdate_ApplyAndSet(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	status := BookingCancelled
	refund := RefundPending
	amount := 50.0
	reason := "cancelled by user"

	u := BookingUpdate{
		Status:             &status,
		RefundStatus:       &refund,
		RefundAmount:       &amount,
		CancelledAt:        &now,
		CancellationReason: &reason,
	}

	b := twoTicketBooking()
	b.PaymentStatus = PaymentPaid
	u.Apply(b)
	assert.Equal(t, BookingCancelled, b.Status)
	assert.Equal(t, PaymentPaid, b.PaymentStatus, "unset fields are untouched")
	assert.Equal(t, RefundPending, b.RefundStatus)
	assert.Equal(t, &now, b.CancelledAt)

	update := u.toUpdate(now)
	set := update["$set"].(bson.M)
	assert.Equal(t, now, set["updated_at"])
	assert.Equal(t, BookingCancelled, set["status"])
	assert.Equal(t, 50.0, set["refund_amount"])
	assert.NotContains(t, set, "payment_status")
	assert.NotContains(t, set, "attendees")
	assert.NotContains(t, update, "$unset")
}

func TestBookingUpdate_Undo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	confirmedAt := now.Add(-time.Hour)
	prev := twoTicketBooking()
	prev.Status = BookingConfirmed
	prev.PaymentStatus = PaymentPaid
	prev.ConfirmedAt = &confirmedAt

	cancelled := BookingCancelled
	refund := RefundPending
	amount := 50.0
	reason := "cancelled by user"
	u := BookingUpdate{
		Status:             &cancelled,
		RefundStatus:       &refund,
		RefundAmount:       &amount,
		RefundReason:       &reason,
		CancelledAt:        &now,
		CancellationReason: &reason,
	}

	b := *prev
	u.Apply(&b)
	require.Equal(t, RefundPending, b.RefundStatus)

	undo := u.Undo(prev)
	undo.Apply(&b)
	assert.Equal(t, *prev, b, "every touched field is back")

	update := undo.toUpdate(now)
	set := update["$set"].(bson.M)
	assert.Equal(t, BookingConfirmed, set["status"])
	assert.NotContains(t, set, "payment_status", "untouched fields stay out of the undo")
	assert.NotContains(t, set, "confirmed_at")
	assert.Equal(t, bson.M{
		"refund_status":       "",
		"refund_amount":       "",
		"refund_reason":       "",
		"cancelled_at":        "",
		"cancellation_reason": "",
	}, update["$unset"])

	// Undoing a first confirmation clears confirmed_at again.
	pending := twoTicketBooking()
	pending.PaymentStatus = PaymentPending
	confirmed, paid := BookingConfirmed, PaymentPaid
	confirm := BookingUpdate{Status: &confirmed, PaymentStatus: &paid, ConfirmedAt: &now}

	c := *pending
	confirm.Apply(&c)
	require.NotNil(t, c.ConfirmedAt)
	revert := confirm.Undo(pending)
	revert.Apply(&c)
	assert.Nil(t, c.ConfirmedAt)
	assert.Equal(t, BookingPending, c.Status)
	assert.Equal(t, PaymentPending, c.PaymentStatus)
	assert.Equal(t, bson.M{"confirmed_at": ""}, revert.toUpdate(now)["$unset"])
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(ErrCapacityExceeded))
	assert.True(t, IsClientError(errors.Join(errors.New("ctx"), ErrNotCancellable)))
	assert.False(t, IsClientError(ErrInvariantViolation))
	assert.False(t, IsClientError(ErrDependencyFailure))
	assert.False(t, IsClientError(errors.New("boom")))
}

func TestRunCompensated(t *testing.T) {
	ctx := context.Background()

	t.Run("success skips compensations", func(t *testing.T) {
		undone := false
		err := RunCompensated(ctx, func(ctx context.Context) error {
			OnRollback(ctx, func(context.Context) error { undone = true; return nil })
			return nil
		})
		assert.NoError(t, err)
		assert.False(t, undone)
	})

	t.Run("failure undoes in reverse order", func(t *testing.T) {
		var order []int
		boom := errors.New("insert failed")
		err := RunCompensated(ctx, func(ctx context.Context) error {
			OnRollback(ctx, func(context.Context) error { order = append(order, 1); return nil })
			OnRollback(ctx, func(context.Context) error { order = append(order, 2); return nil })
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []int{2, 1}, order)
	})

	t.Run("failed compensation is an invariant violation", func(t *testing.T) {
		err := RunCompensated(ctx, func(ctx context.Context) error {
			OnRollback(ctx, func(context.Context) error { return errors.New("still down") })
			return ErrDependencyFailure
		})
		assert.ErrorIs(t, err, ErrDependencyFailure)
		assert.ErrorIs(t, err, ErrInvariantViolation)
	})

	t.Run("compensations survive cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		var undoErr error
		_ = RunCompensated(cctx, func(ctx context.Context) error {
			OnRollback(ctx, func(ctx context.Context) error { undoErr = ctx.Err(); return nil })
			cancel()
			return ctx.Err()
		})
		assert.NoError(t, undoErr)
	})

	t.Run("nested scope defers to the outer one", func(t *testing.T) {
		undone := 0
		err := RunCompensated(ctx, func(ctx context.Context) error {
			_ = RunCompensated(ctx, func(ctx context.Context) error {
				OnRollback(ctx, func(context.Context) error { undone++; return nil })
				return errors.New("inner")
			})
			return errors.New("outer")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, undone)
	})

	t.Run("outside a scope registration is ignored", func(t *testing.T) {
		assert.NotPanics(t, func() {
			OnRollback(ctx, func(context.Context) error { return nil })
		})
	})
}

func TestPaginatedResponse(t *testing.T) {
	first := PaginatedResponse([]string{"a"}, 0, 10, 25)
	assert.Equal(t, 1, first.Page)
	assert.True(t, first.HasMore)

	last := PaginatedResponse([]string{"a"}, 20, 10, 25)
	assert.Equal(t, 3, last.Page)
	assert.False(t, last.HasMore)

	assert.Equal(t, 1, PaginatedResponse(nil, 5, 0, 0).Page)
}
