package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/joshua-takyi/bashbay-bookings/internal/models"
	"github.com/joshua-takyi/bashbay-bookings/internal/notify"
)

const (
	reasonCancelledByUser  = "cancelled by user"
	reasonCancelledByAdmin = "cancelled by admin"
)

// ConfirmPayment runs the payment confirmation transition: the booking
// becomes confirmed and paid, and its reserved tickets become sold.
// Confirming an already paid booking returns it unchanged.
func (s *BookingService) ConfirmPayment(ctx context.Context, bookingID string) (*models.Booking, error) {
	id, err := parseID(bookingID, "booking")
	if err != nil {
		return nil, err
	}
	b, err := s.bookings.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.confirmPayment(ctx, b)
}

func (s *BookingService) confirmPayment(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	if b.PaymentStatus == models.PaymentPaid {
		return b, nil
	}
	if b.IsTerminal() || b.PaymentStatus == models.PaymentRefunded {
		return nil, fmt.Errorf("%w: booking %s is %s, payment cannot be confirmed", models.ErrInvalidTransition, b.ID.Hex(), b.Status)
	}

	now := s.clock.Now()
	firstConfirmation := b.Status != models.BookingConfirmed
	confirmed, paid := models.BookingConfirmed, models.PaymentPaid
	before := b.State()
	u := models.BookingUpdate{
		Status:        &confirmed,
		PaymentStatus: &paid,
		ConfirmedAt:   &now,
	}

	var updated *models.Booking
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.bookings.UpdateBookingIf(ctx, b.ID, before, u)
		if err != nil {
			return err
		}
		models.OnRollback(ctx, func(ctx context.Context) error {
			return s.restoreBooking(ctx, b, updated.State(), u)
		})

		_, err = s.updateInventory(ctx, b.EventID, func(ev *models.Event, change *models.InventoryChange) error {
			for _, sel := range b.Tickets {
				if err := change.ConfirmSale(sel.TicketID, sel.Quantity); err != nil {
					return err
				}
			}
			if firstConfirmation {
				change.AddAttendees(b.TotalTickets())
			}
			return nil
		})
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			current, getErr := s.bookings.GetBooking(ctx, b.ID)
			if getErr == nil && current.PaymentStatus == models.PaymentPaid {
				return current, nil
			}
			return nil, fmt.Errorf("%w: booking %s changed during payment confirmation", models.ErrInvalidTransition, b.ID.Hex())
		}
		s.logFailure("payment confirmation failed", err, "booking_id", b.ID.Hex(), "event_id", b.EventID.Hex())
		return nil, err
	}

	s.logger.Info("booking confirmed", "booking_id", b.ID.Hex(), "event_id", b.EventID.Hex())
	s.notify(bookingNotification(updated, notify.TemplateBookingConfirmed, "Your booking is confirmed"))
	s.invalidateStats(ctx, b.EventID)
	return updated, nil
}

// CancelBooking cancels a booking on behalf of its owner or an admin and
// releases its tickets. Only bookings that are not terminal and whose event
// has not started can be cancelled.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID string, caller Caller) (*models.Booking, error) {
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

	reason := reasonCancelledByUser
	if !b.IsOwner(caller.UserID) {
		reason = reasonCancelledByAdmin
	}
	return s.cancelIfAllowed(ctx, b, reason)
}

func (s *BookingService) cancelIfAllowed(ctx context.Context, b *models.Booking, reason string) (*models.Booking, error) {
	if b.IsTerminal() {
		return nil, fmt.Errorf("%w: booking %s is already %s", models.ErrNotCancellable, b.ID.Hex(), b.Status)
	}
	ev, err := s.events.GetEvent(ctx, b.EventID)
	if err != nil {
		return nil, err
	}
	if !b.IsCancellable(ev.StartDate, s.clock.Now()) {
		return nil, fmt.Errorf("%w: booking %s is %s and event starts %s", models.ErrNotCancellable, b.ID.Hex(), b.Status, ev.StartDate.Format("2006-01-02 15:04"))
	}

	updated, err := s.cancel(ctx, b, reason)
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: booking %s changed concurrently", models.ErrNotCancellable, b.ID.Hex())
		}
		return nil, err
	}
	s.notify(bookingNotification(updated, notify.TemplateBookingCancelled, "Your booking was cancelled"))
	return updated, nil
}

// cancel moves b to cancelled and releases its tickets, from the sold
// counters if it was paid and from the reserved counters otherwise. It
// returns ErrVersionConflict if b changed since it was read.
func (s *BookingService) cancel(ctx context.Context, b *models.Booking, reason string) (*models.Booking, error) {
	now := s.clock.Now()
	before := b.State()
	wasSold := b.PaymentStatus == models.PaymentPaid
	wasConfirmed := b.Status == models.BookingConfirmed

	cancelled := models.BookingCancelled
	u := models.BookingUpdate{
		Status:             &cancelled,
		CancelledAt:        &now,
		CancellationReason: &reason,
	}
	if wasSold {
		refund := models.RefundPending
		amount := b.TotalAmount
		u.RefundStatus = &refund
		u.RefundAmount = &amount
		u.RefundReason = &reason
	}

	var (
		updated *models.Booking
		change  *models.InventoryChange
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.bookings.UpdateBookingIf(ctx, b.ID, before, u)
		if err != nil {
			return err
		}
		models.OnRollback(ctx, func(ctx context.Context) error {
			return s.restoreBooking(ctx, b, updated.State(), u)
		})

		change, err = s.updateInventory(ctx, b.EventID, func(ev *models.Event, change *models.InventoryChange) error {
			for _, sel := range b.Tickets {
				change.Release(sel.TicketID, sel.Quantity, wasSold)
			}
			if wasConfirmed {
				change.AddAttendees(-b.TotalTickets())
			}
			return nil
		})
		return err
	})
	if err != nil {
		if !errors.Is(err, models.ErrVersionConflict) {
			s.logFailure("booking cancellation failed", err, "booking_id", b.ID.Hex(), "event_id", b.EventID.Hex())
		}
		return nil, err
	}

	for ticketID, n := range change.Underflows {
		s.logger.Warn("ticket counter underflow clamped on release",
			"booking_id", b.ID.Hex(),
			"event_id", b.EventID.Hex(),
			"ticket_id", ticketID.Hex(),
			"missing", n,
			"was_sold", wasSold,
		)
	}
	s.logger.Info("booking cancelled", "booking_id", b.ID.Hex(), "event_id", b.EventID.Hex(), "reason", reason)
	s.invalidateStats(ctx, b.EventID)
	return updated, nil
}

// restoreBooking undoes applied during compensation, putting back every
// field it wrote to the value prev held.
func (s *BookingService) restoreBooking(ctx context.Context, prev *models.Booking, current models.BookingState, applied models.BookingUpdate) error {
	_, err := s.bookings.UpdateBookingIf(ctx, prev.ID, current, applied.Undo(prev))
	return err
}

// ExpireBooking cancels a pending booking whose reservation window has
// passed. It reports false when the booking was paid or changed in the
// meantime and was left alone.
func (s *BookingService) ExpireBooking(ctx context.Context, b *models.Booking) (bool, error) {
	if b.Status != models.BookingPending || b.PaymentStatus == models.PaymentPaid {
		return false, nil
	}
	if !b.ExpiresAt.Before(s.clock.Now()) {
		return false, nil
	}

	updated, err := s.cancel(ctx, b, models.CancellationExpired)
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return false, nil
		}
		return false, err
	}
	s.notify(bookingNotification(updated, notify.TemplateBookingExpired, "Your reservation has expired"))
	return true, nil
}

type StatusUpdateInput struct {
	Status        *models.BookingStatus `json:"status,omitempty" validate:"omitempty,oneof=pending confirmed cancelled completed"`
	PaymentStatus *models.PaymentStatus `json:"payment_status,omitempty" validate:"omitempty,oneof=pending paid failed refunded"`
}

// UpdateBookingStatus lets an admin drive a booking through its lifecycle.
// A payment change is applied first, then a status change; each goes
// through the same transition as its dedicated operation.
func (s *BookingService) UpdateBookingStatus(ctx context.Context, bookingID string, in StatusUpdateInput, caller Caller) (*models.Booking, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: status updates require the admin role", models.ErrForbidden)
	}
	if in.Status == nil && in.PaymentStatus == nil {
		return nil, fmt.Errorf("%w: status or payment_status is required", models.ErrInvalidRequest)
	}
	if err := models.Validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}
	id, err := parseID(bookingID, "booking")
	if err != nil {
		return nil, err
	}
	b, err := s.bookings.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.PaymentStatus != nil {
		if b, err = s.applyPaymentStatus(ctx, b, *in.PaymentStatus); err != nil {
			return nil, err
		}
	}
	if in.Status != nil {
		if b, err = s.applyStatus(ctx, b, *in.Status); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (s *BookingService) applyPaymentStatus(ctx context.Context, b *models.Booking, to models.PaymentStatus) (*models.Booking, error) {
	if b.PaymentStatus == to {
		return b, nil
	}
	switch to {
	case models.PaymentPaid:
		return s.confirmPayment(ctx, b)
	case models.PaymentFailed:
		if b.Status != models.BookingPending || b.PaymentStatus != models.PaymentPending {
			return nil, invalidTransition(b, "payment_status", string(to))
		}
		return s.transition(ctx, b, models.BookingUpdate{PaymentStatus: &to})
	case models.PaymentRefunded:
		if b.Status != models.BookingCancelled || b.PaymentStatus != models.PaymentPaid {
			return nil, invalidTransition(b, "payment_status", string(to))
		}
		completed := models.RefundCompleted
		return s.transition(ctx, b, models.BookingUpdate{PaymentStatus: &to, RefundStatus: &completed})
	default:
		return nil, invalidTransition(b, "payment_status", string(to))
	}
}

func (s *BookingService) applyStatus(ctx context.Context, b *models.Booking, to models.BookingStatus) (*models.Booking, error) {
	if b.Status == to {
		return b, nil
	}
	switch to {
	case models.BookingCancelled:
		return s.cancelIfAllowed(ctx, b, reasonCancelledByAdmin)
	case models.BookingCompleted:
		if b.Status != models.BookingConfirmed {
			return nil, invalidTransition(b, "status", string(to))
		}
		return s.transition(ctx, b, models.BookingUpdate{Status: &to})
	default:
		// pending is never re-entered and confirmed requires payment.
		return nil, invalidTransition(b, "status", string(to))
	}
}

// transition applies a state-only change that touches no inventory.
func (s *BookingService) transition(ctx context.Context, b *models.Booking, u models.BookingUpdate) (*models.Booking, error) {
	updated, err := s.bookings.UpdateBookingIf(ctx, b.ID, b.State(), u)
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: booking %s changed concurrently", models.ErrInvalidTransition, b.ID.Hex())
		}
		return nil, err
	}
	s.logger.Info("booking status updated",
		"booking_id", b.ID.Hex(),
		"status", updated.Status,
		"payment_status", updated.PaymentStatus,
	)
	s.invalidateStats(ctx, b.EventID)
	return updated, nil
}

func invalidTransition(b *models.Booking, field, to string) error {
	return fmt.Errorf("%w: booking %s is %s/%s, cannot set %s to %s",
		models.ErrInvalidTransition, b.ID.Hex(), b.Status, b.PaymentStatus, field, to)
}

func bookingNotification(b *models.Booking, template, subject string) notify.Notification {
	return notify.Notification{
		Recipient: b.UserEmail,
		Subject:   subject,
		Template:  template,
		Context: map[string]any{
			"booking_id":        b.ID.Hex(),
			"event_id":          b.EventID.Hex(),
			"confirmation_code": b.ConfirmationCode,
			"total_amount":      b.TotalAmount,
			"tickets":           b.TotalTickets(),
			"status":            string(b.Status),
		},
	}
}
