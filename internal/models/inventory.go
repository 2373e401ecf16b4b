package models

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TicketDelta is the net change applied to one ticket's counters.
type TicketDelta struct {
	TicketID primitive.ObjectID
	Reserved int
	Sold     int
}

// InventoryChange collects counter mutations against one loaded Event. The
// mutations are applied to the in-memory event as they are recorded, so
// every invariant check sees the running totals. They are persisted as
// relative increments in a single write that is conditional on the stored
// counters, not on the copy that was read (see Fits).
type InventoryChange struct {
	Event     *Event
	Attendees int

	deltas []TicketDelta
	// Underflows lists ticket ids whose release had to be clamped at zero.
	Underflows map[primitive.ObjectID]int
}

func NewInventoryChange(ev *Event) *InventoryChange {
	return &InventoryChange{Event: ev}
}

func (c *InventoryChange) ticket(id primitive.ObjectID) (*Ticket, error) {
	t := c.Event.Ticket(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s in event %s", ErrTicketNotFound, id.Hex(), c.Event.ID.Hex())
	}
	return t, nil
}

func (c *InventoryChange) add(id primitive.ObjectID, reserved, sold int) {
	for i := range c.deltas {
		if c.deltas[i].TicketID == id {
			c.deltas[i].Reserved += reserved
			c.deltas[i].Sold += sold
			return
		}
	}
	c.deltas = append(c.deltas, TicketDelta{TicketID: id, Reserved: reserved, Sold: sold})
}

func (c *InventoryChange) Reserve(ticketID primitive.ObjectID, qty int) error {
	t, err := c.ticket(ticketID)
	if err != nil {
		return err
	}
	if err := t.Reserve(qty); err != nil {
		return err
	}
	c.add(ticketID, qty, 0)
	return nil
}

func (c *InventoryChange) ConfirmSale(ticketID primitive.ObjectID, qty int) error {
	t, err := c.ticket(ticketID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	if err := t.ConfirmSale(qty); err != nil {
		return err
	}
	c.add(ticketID, -qty, qty)
	return nil
}

// Release gives qty back from the sold or reserved counter. A missing
// ticket or a counter that would go negative is recorded in Underflows and
// the rest of the change proceeds.
func (c *InventoryChange) Release(ticketID primitive.ObjectID, qty int, wasSold bool) {
	t := c.Event.Ticket(ticketID)
	if t == nil {
		c.underflow(ticketID, qty)
		return
	}
	before := t.ReservedQuantity
	if wasSold {
		before = t.SoldQuantity
	}
	if under := t.Release(qty, wasSold); under > 0 {
		c.underflow(ticketID, under)
	}
	released := before - t.ReservedQuantity
	if wasSold {
		released = before - t.SoldQuantity
		c.add(ticketID, 0, -released)
		return
	}
	c.add(ticketID, -released, 0)
}

func (c *InventoryChange) underflow(id primitive.ObjectID, n int) {
	if c.Underflows == nil {
		c.Underflows = make(map[primitive.ObjectID]int)
	}
	c.Underflows[id] += n
}

// AddAttendees changes the event's CurrentAttendees, clamped at zero.
func (c *InventoryChange) AddAttendees(n int) {
	if c.Event.CurrentAttendees+n < 0 {
		n = -c.Event.CurrentAttendees
	}
	c.Event.CurrentAttendees += n
	c.Attendees += n
}

// Deltas returns the non-zero per-ticket changes.
func (c *InventoryChange) Deltas() []TicketDelta {
	out := make([]TicketDelta, 0, len(c.deltas))
	for _, d := range c.deltas {
		if d.Reserved != 0 || d.Sold != 0 {
			out = append(out, d)
		}
	}
	return out
}

func (c *InventoryChange) Empty() bool {
	return len(c.Deltas()) == 0 && c.Attendees == 0
}

// Inverse returns the change that undoes c, for compensation. It must be
// applied to a freshly loaded event.
func (c *InventoryChange) Inverse(current *Event) *InventoryChange {
	inv := NewInventoryChange(current)
	for _, d := range c.Deltas() {
		if t := current.Ticket(d.TicketID); t != nil {
			t.ReservedQuantity -= d.Reserved
			t.SoldQuantity -= d.Sold
		}
		inv.deltas = append(inv.deltas, TicketDelta{TicketID: d.TicketID, Reserved: -d.Reserved, Sold: -d.Sold})
	}
	if c.Attendees != 0 {
		current.CurrentAttendees -= c.Attendees
		inv.Attendees = -c.Attendees
	}
	return inv
}

// Fits reports whether stored still admits the change: every touched ticket
// exists, no counter drops below zero, and any growth of reserved+sold stays
// within the available quantity. Writers evaluate it against the current
// document at write time.
func (c *InventoryChange) Fits(stored *Event) bool {
	for _, d := range c.Deltas() {
		t := stored.Ticket(d.TicketID)
		if t == nil {
			return false
		}
		if t.ReservedQuantity+d.Reserved < 0 || t.SoldQuantity+d.Sold < 0 {
			return false
		}
		if grow := d.Reserved + d.Sold; grow > 0 && t.ReservedQuantity+t.SoldQuantity+grow > t.AvailableQuantity {
			return false
		}
	}
	return stored.CurrentAttendees+c.Attendees >= 0
}

// CheckInvariant verifies reserved+sold <= available and non-negative
// counters on every ticket touched by the change.
func (c *InventoryChange) CheckInvariant() error {
	for _, d := range c.deltas {
		t := c.Event.Ticket(d.TicketID)
		if t == nil {
			continue
		}
		if t.ReservedQuantity < 0 || t.SoldQuantity < 0 || t.ReservedQuantity+t.SoldQuantity > t.AvailableQuantity {
			return fmt.Errorf("%w: ticket %s reserved=%d sold=%d available=%d",
				ErrInvariantViolation, t.ID.Hex(), t.ReservedQuantity, t.SoldQuantity, t.AvailableQuantity)
		}
	}
	return nil
}
