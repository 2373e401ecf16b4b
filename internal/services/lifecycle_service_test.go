package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/joshua-takyi/bashbay-bookings/internal/clock"
	"github.com/joshua-takyi/bashbay-bookings/internal/models"
	"github.com/joshua-takyi/bashbay-bookings/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmPayment_ConvertsReservationToSale(t *testing.T) {
	f := newFixture(t, 10, 4)
	b := f.book(t, 4)
	ctx := context.Background()

	confirmed, err := f.svc.ConfirmPayment(ctx, b.ID.Hex())
	require.NoError(t, err)

	assert.Equal(t, models.BookingConfirmed, confirmed.Status)
	assert.Equal(t, models.PaymentPaid, confirmed.PaymentStatus)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.Equal(t, testNow, *confirmed.ConfirmedAt)

	ticket := f.generalTicket()
	assert.Equal(t, 0, ticket.ReservedQuantity)
	assert.Equal(t, 4, ticket.SoldQuantity)
	assert.Equal(t, 4, f.store.event(f.event.ID).CurrentAttendees)
	assert.Equal(t, []string{notify.TemplateBookingConfirmed}, f.notifier.templates())
	assert.Equal(t, owner.Email, f.notifier.sent[0].Recipient)
	assert.Equal(t, b.ConfirmationCode, f.notifier.sent[0].Context["confirmation_code"])
}

func TestConfirmPayment_IsIdempotent(t *testing.T) {
	f := newFixture(t, 10, 4)
	b := f.book(t, 2)
	ctx := context.Background()

	_, err := f.svc.ConfirmPayment(ctx, b.ID.Hex())
	require.NoError(t, err)
	again, err := f.svc.ConfirmPayment(ctx, b.ID.Hex())
	require.NoError(t, err)

	assert.Equal(t, models.PaymentPaid, again.PaymentStatus)
	ticket := f.generalTicket()
	assert.Equal(t, 0, ticket.ReservedQuantity)
	assert.Equal(t, 2, ticket.SoldQuantity)
	assert.Equal(t, 2, f.store.event(f.event.ID).CurrentAttendees)
	assert.Len(t, f.notifier.templates(), 1)
}

func TestConfirmPayment_RejectsCancelledBooking(t *testing.T) {
	f := newFixture(t, 10, 4)
	b := f.book(t, 2)
	ctx := context.Background()

	_, err := f.svc.CancelBooking(ctx, b.ID.Hex(), owner)
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, b.ID.Hex())
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, 0, f.generalTicket().SoldQuantity)
}

func TestConfirmPayment_InvariantViolationRestoresBooking(t *testing.T) {
	f := newFixture(t, 10, 4)
	b := f.book(t, 3)
	ctx := context.Background()

	// Lose the reservation behind the service's back.
	f.store.events[f.event.ID].Tickets[0].ReservedQuantity = 1

	_, err := f.svc.ConfirmPayment(ctx, b.ID.Hex())
	assert.ErrorIs(t, err, models.ErrInvariantViolation)

	stored, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingPending, stored.Status)
	assert.Equal(t, models.PaymentPending, stored.PaymentStatus)
	assert.Nil(t, stored.ConfirmedAt)
	assert.Equal(t, 0, f.generalTicket().SoldQuantity)
	assert.Empty(t, f.notifier.templates())
}

// unavailableInventory fails every counter write, as a dropped connection
// between the booking update and the inventory update would.
type unavailableInventory struct {
	*memStore
}

func (u unavailableInventory) ApplyInventoryChange(ctx context.Context, change *models.InventoryChange) error {
	return fmt.Errorf("%w: connection reset", models.ErrDependencyFailure)
}

func (f *fixture) serviceWithoutInventory() *BookingService {
	return NewBookingService(unavailableInventory{f.store}, f.store, f.store,
		WithClock(clock.NewFixed(testNow)),
		WithNotifier(f.notifier),
		WithLogger(discardLogger()),
	)
}

func TestCancelBooking_FailedReleaseRestoresEveryField(t *testing.T) {
	f := newFixture(t, 10, 4)
	b := f.book(t, 2)
	ctx := context.Background()
	confirmed, err := f.svc.ConfirmPayment(ctx, b.ID.Hex())
	require.NoError(t, err)

	_, err = f.serviceWithoutInventory().CancelBooking(ctx, b.ID.Hex(), owner)
	assert.ErrorIs(t, err, models.ErrDependencyFailure)
	assert.NotErrorIs(t, err, models.ErrInvariantViolation)

	stored, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, stored.Status)
	assert.Equal(t, models.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, models.RefundNone, stored.RefundStatus)
	assert.Zero(t, stored.RefundAmount)
	assert.Empty(t, stored.RefundReason)
	assert.Nil(t, stored.CancelledAt)
	assert.Empty(t, stored.CancellationReason)
	assert.Equal(t, confirmed.ConfirmedAt, stored.ConfirmedAt)

	ticket := f.generalTicket()
	assert.Equal(t, 2, ticket.SoldQuantity)
	assert.Equal(t, 2, f.store.event(f.event.ID).CurrentAttendees)

	// The booking is still live and can be cancelled once inventory is back.
	cancelled, err := f.svc.CancelBooking(ctx, b.ID.Hex(), owner)
	require.NoError(t, err)
	assert.Equal(t, models.RefundPending, cancelled.RefundStatus)
}

func TestConfirmPayment_FailedSaleRestoresBooking(t *testing.T) {
	f := newFixture(t, 10, 4)
	b := f.book(t, 2)
	ctx := context.Background()

	_, err := f.serviceWithoutInventory().ConfirmPayment(ctx, b.ID.Hex())
	assert.ErrorIs(t, err, models.ErrDependencyFailure)

	stored, err := f.store.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingPending, stored.Status)
	assert.Equal(t, models.PaymentPending, stored.PaymentStatus)
	assert.Nil(t, stored.ConfirmedAt)
	assert.Equal(t, 2, f.generalTicket().ReservedQuantity)
	assert.Zero(t, f.generalTicket().SoldQuantity)
}

func TestCancelBooking_ReleasesSoldTickets(t *testing.T) {
	f := newFixture(t, 10, 4)
	b := f.book(t, 4)
	ctx := context.Background()

	_, err := f.svc.ConfirmPayment(ctx, b.ID.Hex())
	require.NoError(t, err)

	cancelled, err := f.svc.CancelBooking(ctx, b.ID.Hex(), owner)
	require.NoError(t, err)

	assert.Equal(t, models.BookingCancelled, cancelled.Status)
	assert.Equal(t, reasonCancelledByUser, cancelled.CancellationReason)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, models.RefundPending, cancelled.RefundStatus)
	assert.Equal(t, 100.0, cancelled.RefundAmount)

	ticket := f.generalTicket()
	assert.Equal(t, 0, ticket.ReservedQuantity)
	assert.Equal(t, 0, ticket.SoldQuantity)
	assert.Equal(t, 0, f.store.event(f.event.ID).CurrentAttendees)
	assert.Equal(t, []string{notify.TemplateBookingConfirmed, notify.TemplateBookingCancelled}, f.notifier.templates())
}

func TestCancelBooking_PendingRoundTrip(t *testing.T) {
	f := newFixture(t, 10, 4)
	ctx := context.Background()
	f.book(t, 1)
	before := f.generalTicket().ReservedQuantity

	b := f.book(t, 3)
	assert.Equal(t, before+3, f.generalTicket().ReservedQuantity)

	cancelled, err := f.svc.CancelBooking(ctx, b.ID.Hex(), owner)
	require.NoError(t, err)
	assert.Equal(t, before, f.generalTicket().ReservedQuantity)
	assert.Equal(t, models.RefundNone, cancelled.RefundStatus)
}

func TestCancelBooking_SecondCancelIsRejected(t *testing.T) {
	f := newFixture(t, 10, 4)
	b := f.book(t, 2)
	ctx := context.Background()

	_, err := f.svc.CancelBooking(ctx, b.ID.Hex(), owner)
	require.NoError(t, err)
	version := f.store.event(f.event.ID).Version

	_, err = f.svc.CancelBooking(ctx, b.ID.Hex(), owner)
	assert.ErrorIs(t, err, models.ErrNotCancellable)
	assert.Equal(t, version, f.store.event(f.event.ID).Version)
	assert.Equal(t, 0, f.generalTicket().ReservedQuantity)
}

func TestCancelBooking_AfterEventStart(t *testing.T) {
	// Started an hour ago, still running.
	f := newFixtureAt(t, 10, 4, testNow.Add(-time.Hour), testNow.Add(3*time.Hour))
	b := f.book(t, 2)

	_, err := f.svc.CancelBooking(context.Background(), b.ID.Hex(), owner)

	assert.ErrorIs(t, err, models.ErrNotCancellable)
	assert.Equal(t, 2, f.generalTicket().ReservedQuantity)
}

func TestCancelBooking_Authorization(t *testing.T) {
	f := newFixture(t, 10, 4)
	b := f.book(t, 2)
	ctx := context.Background()

	_, err := f.svc.CancelBooking(ctx, b.ID.Hex(), stranger)
	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.Equal(t, 2, f.generalTicket().ReservedQuantity)

	cancelled, err := f.svc.CancelBooking(ctx, b.ID.Hex(), admin)
	require.NoError(t, err)
	assert.Equal(t, reasonCancelledByAdmin, cancelled.CancellationReason)
}

func TestCancelBooking_ClampsUnderflow(t *testing.T) {
	f := newFixture(t, 10, 4)
	b := f.book(t, 3)

	f.store.events[f.event.ID].Tickets[0].ReservedQuantity = 1

	cancelled, err := f.svc.CancelBooking(context.Background(), b.ID.Hex(), owner)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, cancelled.Status)
	assert.Equal(t, 0, f.generalTicket().ReservedQuantity)
}

func TestUpdateBookingStatus(t *testing.T) {
	ctx := context.Background()
	paid := models.PaymentPaid
	failed := models.PaymentFailed
	refunded := models.PaymentRefunded
	completed := models.BookingCompleted
	confirmed := models.BookingConfirmed
	cancelled := models.BookingCancelled

	t.Run("requires admin", func(t *testing.T) {
		f := newFixture(t, 10, 4)
		b := f.book(t, 1)
		_, err := f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{PaymentStatus: &paid}, owner)
		assert.ErrorIs(t, err, models.ErrForbidden)
	})

	t.Run("requires a field", func(t *testing.T) {
		f := newFixture(t, 10, 4)
		b := f.book(t, 1)
		_, err := f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{}, admin)
		assert.ErrorIs(t, err, models.ErrInvalidRequest)
	})

	t.Run("rejects unknown values", func(t *testing.T) {
		f := newFixture(t, 10, 4)
		b := f.book(t, 1)
		archived := models.BookingStatus("archived")
		_, err := f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{Status: &archived}, admin)
		assert.ErrorIs(t, err, models.ErrInvalidRequest)
	})

	t.Run("paid runs confirmation", func(t *testing.T) {
		f := newFixture(t, 10, 4)
		b := f.book(t, 2)
		got, err := f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{Status: &confirmed, PaymentStatus: &paid}, admin)
		require.NoError(t, err)
		assert.Equal(t, models.BookingConfirmed, got.Status)
		assert.Equal(t, 2, f.generalTicket().SoldQuantity)
	})

	t.Run("confirmed without payment", func(t *testing.T) {
		f := newFixture(t, 10, 4)
		b := f.book(t, 2)
		_, err := f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{Status: &confirmed}, admin)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("completed only from confirmed", func(t *testing.T) {
		f := newFixture(t, 10, 4)
		b := f.book(t, 2)
		_, err := f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{Status: &completed}, admin)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		_, err = f.svc.ConfirmPayment(ctx, b.ID.Hex())
		require.NoError(t, err)
		got, err := f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{Status: &completed}, admin)
		require.NoError(t, err)
		assert.Equal(t, models.BookingCompleted, got.Status)
		assert.Equal(t, 2, f.generalTicket().SoldQuantity)

		_, err = f.svc.CancelBooking(ctx, b.ID.Hex(), owner)
		assert.ErrorIs(t, err, models.ErrNotCancellable)
	})

	t.Run("failed payment keeps reservation", func(t *testing.T) {
		f := newFixture(t, 10, 4)
		b := f.book(t, 2)
		got, err := f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{PaymentStatus: &failed}, admin)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentFailed, got.PaymentStatus)
		assert.Equal(t, models.BookingPending, got.Status)
		assert.Equal(t, 2, f.generalTicket().ReservedQuantity)

		// A retried payment still confirms.
		got, err = f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{PaymentStatus: &paid}, admin)
		require.NoError(t, err)
		assert.Equal(t, models.BookingConfirmed, got.Status)
	})

	t.Run("cancel then refund", func(t *testing.T) {
		f := newFixture(t, 10, 4)
		b := f.book(t, 2)

		_, err := f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{PaymentStatus: &refunded}, admin)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		_, err = f.svc.ConfirmPayment(ctx, b.ID.Hex())
		require.NoError(t, err)
		got, err := f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{Status: &cancelled}, admin)
		require.NoError(t, err)
		assert.Equal(t, models.RefundPending, got.RefundStatus)
		assert.Equal(t, 0, f.generalTicket().SoldQuantity)

		got, err = f.svc.UpdateBookingStatus(ctx, b.ID.Hex(), StatusUpdateInput{PaymentStatus: &refunded}, admin)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentRefunded, got.PaymentStatus)
		assert.Equal(t, models.RefundCompleted, got.RefundStatus)
		assert.Equal(t, 0, f.generalTicket().SoldQuantity)
	})
}
