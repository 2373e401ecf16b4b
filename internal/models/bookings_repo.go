package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// BookingState is the precondition of a conditional booking update.
type BookingState struct {
	Status        BookingStatus
	PaymentStatus PaymentStatus
}

func (b *Booking) State() BookingState {
	return BookingState{Status: b.Status, PaymentStatus: b.PaymentStatus}
}

// BookingUpdate lists the mutable lifecycle fields. Nil fields are left
// untouched. Optional fields set to their zero value are removed from the
// stored document.
type BookingUpdate struct {
	Status             *BookingStatus
	PaymentStatus      *PaymentStatus
	RefundStatus       *RefundStatus
	RefundAmount       *float64
	RefundReason       *string
	ConfirmedAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason *string
	Attendees          []Attendee

	clearConfirmedAt bool
	clearCancelledAt bool
}

// Undo returns the update that puts every field u touches back to the value
// it had in prev.
func (u BookingUpdate) Undo(prev *Booking) BookingUpdate {
	var r BookingUpdate
	if u.Status != nil {
		v := prev.Status
		r.Status = &v
	}
	if u.PaymentStatus != nil {
		v := prev.PaymentStatus
		r.PaymentStatus = &v
	}
	if u.RefundStatus != nil {
		v := prev.RefundStatus
		r.RefundStatus = &v
	}
	if u.RefundAmount != nil {
		v := prev.RefundAmount
		r.RefundAmount = &v
	}
	if u.RefundReason != nil {
		v := prev.RefundReason
		r.RefundReason = &v
	}
	if u.ConfirmedAt != nil || u.clearConfirmedAt {
		if prev.ConfirmedAt != nil {
			v := *prev.ConfirmedAt
			r.ConfirmedAt = &v
		} else {
			r.clearConfirmedAt = true
		}
	}
	if u.CancelledAt != nil || u.clearCancelledAt {
		if prev.CancelledAt != nil {
			v := *prev.CancelledAt
			r.CancelledAt = &v
		} else {
			r.clearCancelledAt = true
		}
	}
	if u.CancellationReason != nil {
		v := prev.CancellationReason
		r.CancellationReason = &v
	}
	if u.Attendees != nil {
		r.Attendees = append([]Attendee{}, prev.Attendees...)
	}
	return r
}

// Apply copies the set fields onto b.
func (u BookingUpdate) Apply(b *Booking) {
	if u.Status != nil {
		b.Status = *u.Status
	}
	if u.PaymentStatus != nil {
		b.PaymentStatus = *u.PaymentStatus
	}
	if u.RefundStatus != nil {
		b.RefundStatus = *u.RefundStatus
	}
	if u.RefundAmount != nil {
		b.RefundAmount = *u.RefundAmount
	}
	if u.RefundReason != nil {
		b.RefundReason = *u.RefundReason
	}
	if u.ConfirmedAt != nil {
		b.ConfirmedAt = u.ConfirmedAt
	}
	if u.clearConfirmedAt {
		b.ConfirmedAt = nil
	}
	if u.CancelledAt != nil {
		b.CancelledAt = u.CancelledAt
	}
	if u.clearCancelledAt {
		b.CancelledAt = nil
	}
	if u.CancellationReason != nil {
		b.CancellationReason = *u.CancellationReason
	}
	if u.Attendees != nil {
		b.Attendees = u.Attendees
	}
}

// toUpdate renders u as a $set, plus an $unset for optional fields that
// go back to empty, matching how InsertBooking omits them.
func (u BookingUpdate) toUpdate(now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	unset := bson.M{}
	optional := func(field string, v interface{}, empty bool) {
		if empty {
			unset[field] = ""
			return
		}
		set[field] = v
	}

	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.PaymentStatus != nil {
		set["payment_status"] = *u.PaymentStatus
	}
	if u.RefundStatus != nil {
		optional("refund_status", *u.RefundStatus, *u.RefundStatus == RefundNone)
	}
	if u.RefundAmount != nil {
		optional("refund_amount", *u.RefundAmount, *u.RefundAmount == 0)
	}
	if u.RefundReason != nil {
		optional("refund_reason", *u.RefundReason, *u.RefundReason == "")
	}
	if u.ConfirmedAt != nil {
		set["confirmed_at"] = *u.ConfirmedAt
	} else if u.clearConfirmedAt {
		unset["confirmed_at"] = ""
	}
	if u.CancelledAt != nil {
		set["cancelled_at"] = *u.CancelledAt
	} else if u.clearCancelledAt {
		unset["cancelled_at"] = ""
	}
	if u.CancellationReason != nil {
		optional("cancellation_reason", *u.CancellationReason, *u.CancellationReason == "")
	}
	if u.Attendees != nil {
		set["attendees"] = u.Attendees
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

type BookingsRepo interface {
	InsertBooking(ctx context.Context, b *Booking) error
	GetBooking(ctx context.Context, id primitive.ObjectID) (*Booking, error)
	ConfirmationCodeExists(ctx context.Context, code string) (bool, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]*Booking, int64, error)
	// UpdateBookingIf applies u only when the stored booking is still in
	// state expect. It returns the updated booking, or ErrVersionConflict
	// when the precondition no longer holds.
	UpdateBookingIf(ctx context.Context, id primitive.ObjectID, expect BookingState, u BookingUpdate) (*Booking, error)
	FindExpiredBookings(ctx context.Context, now time.Time, limit int) ([]*Booking, error)
	GetBookingStats(ctx context.Context, eventID primitive.ObjectID) (*BookingStats, error)
}

// EnsureBookingIndexes creates the indexes the booking queries rely on,
// including the unique confirmation code.
func (mdb *MongodbRepo) EnsureBookingIndexes(ctx context.Context) error {
	col, err := mdb.collection(ctx, BookingsColName)
	if err != nil {
		return err
	}

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "confirmation_code", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("confirmation_code_unique"),
		},
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("user_created_at_idx"),
		},
		{
			Keys: bson.D{
				{Key: "event_id", Value: 1},
				{Key: "status", Value: 1},
			},
			Options: options.Index().SetName("event_status_idx"),
		},
		// Expiry sweep
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "expires_at", Value: 1},
			},
			Options: options.Index().SetName("status_expires_at_idx"),
		},
	}

	if _, err := col.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("error creating booking indexes: %v", err)
	}
	return nil
}

func (mdb *MongodbRepo) InsertBooking(ctx context.Context, b *Booking) error {
	col, err := mdb.collection(ctx, BookingsColName)
	if err != nil {
		return err
	}
	if b.ID.IsZero() {
		b.ID = primitive.NewObjectID()
	}

	if _, err := col.InsertOne(ctx, b); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateConfirmationCode, b.ConfirmationCode)
		}
		return dependencyError("insert booking", err)
	}
	return nil
}

func (mdb *MongodbRepo) GetBooking(ctx context.Context, id primitive.ObjectID) (*Booking, error) {
	col, err := mdb.collection(ctx, BookingsColName)
	if err != nil {
		return nil, err
	}

	var b Booking
	if err := col.FindOne(ctx, bson.M{"_id": id}).Decode(&b); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: booking %s", ErrNotFound, id.Hex())
		}
		return nil, dependencyError("find booking", err)
	}
	return &b, nil
}

func (mdb *MongodbRepo) ConfirmationCodeExists(ctx context.Context, code string) (bool, error) {
	col, err := mdb.collection(ctx, BookingsColName)
	if err != nil {
		return false, err
	}

	n, err := col.CountDocuments(ctx, bson.M{"confirmation_code": code}, options.Count().SetLimit(1))
	if err != nil {
		return false, dependencyError("count confirmation code", err)
	}
	return n > 0, nil
}

func (mdb *MongodbRepo) ListBookings(ctx context.Context, f BookingFilter) ([]*Booking, int64, error) {
	col, err := mdb.collection(ctx, BookingsColName)
	if err != nil {
		return nil, 0, err
	}

	filter := bson.M{}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if !f.EventID.IsZero() {
		filter["event_id"] = f.EventID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.PaymentStatus != "" {
		filter["payment_status"] = f.PaymentStatus
	}

	total, err := col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, dependencyError("count bookings", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxBookingsLimit {
		limit = maxBookingsLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(f.Offset)).
		SetLimit(int64(limit))

	cursor, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, dependencyError("find bookings", err)
	}
	defer cursor.Close(ctx)

	bookings := []*Booking{}
	if err := cursor.All(ctx, &bookings); err != nil {
		return nil, 0, dependencyError("decode bookings", err)
	}
	return bookings, total, nil
}

func (mdb *MongodbRepo) UpdateBookingIf(ctx context.Context, id primitive.ObjectID, expect BookingState, u BookingUpdate) (*Booking, error) {
	col, err := mdb.collection(ctx, BookingsColName)
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"_id":            id,
		"status":         expect.Status,
		"payment_status": expect.PaymentStatus,
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated Booking
	err = col.FindOneAndUpdate(ctx, filter, u.toUpdate(time.Now().UTC()), opts).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: booking %s is no longer %s/%s", ErrVersionConflict, id.Hex(), expect.Status, expect.PaymentStatus)
		}
		return nil, dependencyError("update booking", err)
	}
	return &updated, nil
}

func (mdb *MongodbRepo) FindExpiredBookings(ctx context.Context, now time.Time, limit int) ([]*Booking, error) {
	col, err := mdb.collection(ctx, BookingsColName)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > expiredBatchLimit {
		limit = expiredBatchLimit
	}

	filter := bson.M{
		"status":         BookingPending,
		"payment_status": bson.M{"$in": []PaymentStatus{PaymentPending, PaymentFailed}},
		"expires_at":     bson.M{"$lt": now},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "expires_at", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, dependencyError("find expired bookings", err)
	}
	defer cursor.Close(ctx)

	var bookings []*Booking
	if err := cursor.All(ctx, &bookings); err != nil {
		return nil, dependencyError("decode expired bookings", err)
	}
	return bookings, nil
}

func (mdb *MongodbRepo) GetBookingStats(ctx context.Context, eventID primitive.ObjectID) (*BookingStats, error) {
	col, err := mdb.collection(ctx, BookingsColName)
	if err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"event_id": eventID,
			"status":   bson.M{"$in": []BookingStatus{BookingConfirmed, BookingCompleted}},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":            nil,
			"total_bookings": bson.M{"$sum": 1},
			"total_revenue":  bson.M{"$sum": "$total_amount"},
			"total_tickets":  bson.M{"$sum": bson.M{"$sum": "$tickets.quantity"}},
		}}},
	}

	cursor, err := col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, dependencyError("aggregate booking stats", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		TotalBookings int64   `bson:"total_bookings"`
		TotalRevenue  float64 `bson:"total_revenue"`
		TotalTickets  int64   `bson:"total_tickets"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, dependencyError("decode booking stats", err)
	}

	stats := &BookingStats{EventID: eventID.Hex()}
	if len(rows) > 0 {
		stats.TotalBookings = rows[0].TotalBookings
		stats.TotalRevenue = rows[0].TotalRevenue
		stats.TotalTickets = rows[0].TotalTickets
	}
	return stats, nil
}
