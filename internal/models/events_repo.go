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

type EventsRepo interface {
	CreateEvent(ctx context.Context, ev *Event) (*Event, error)
	GetEvent(ctx context.Context, id primitive.ObjectID) (*Event, error)
	// ApplyInventoryChange increments the stored counters by the change's
	// deltas in one write, only if change.Fits the stored event at that
	// moment. Otherwise it returns ErrVersionConflict and writes nothing.
	ApplyInventoryChange(ctx context.Context, change *InventoryChange) error
	// SaveTickets replaces the ticket definitions and derived price range
	// of ev, guarded by ev.Version.
	SaveTickets(ctx context.Context, ev *Event) error
}

func (mdb *MongodbRepo) CreateEvent(ctx context.Context, ev *Event) (*Event, error) {
	col, err := mdb.collection(ctx, EventsColName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if ev.ID.IsZero() {
		ev.ID = primitive.NewObjectID()
	}
	for i := range ev.Tickets {
		if ev.Tickets[i].ID.IsZero() {
			ev.Tickets[i].ID = primitive.NewObjectID()
		}
		if err := Validate.Struct(ev.Tickets[i]); err != nil {
			return nil, fmt.Errorf("%w: ticket %d: %v", ErrInvalidRequest, i, err)
		}
	}
	if ev.Status == "" {
		ev.Status = EventScheduled
	}
	ev.RecomputePriceRange()
	ev.Version = 0
	ev.CreatedAt = now
	ev.UpdatedAt = now

	if _, err := col.InsertOne(ctx, ev); err != nil {
		return nil, dependencyError("insert event", err)
	}
	return ev, nil
}

func (mdb *MongodbRepo) GetEvent(ctx context.Context, id primitive.ObjectID) (*Event, error) {
	col, err := mdb.collection(ctx, EventsColName)
	if err != nil {
		return nil, err
	}

	var ev Event
	err = col.FindOne(ctx, bson.M{"_id": id}).Decode(&ev)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: event %s", ErrNotFound, id.Hex())
		}
		return nil, dependencyError("find event", err)
	}
	return &ev, nil
}

func (mdb *MongodbRepo) ApplyInventoryChange(ctx context.Context, change *InventoryChange) error {
	if change.Empty() {
		return nil
	}
	col, err := mdb.collection(ctx, EventsColName)
	if err != nil {
		return err
	}

	inc := bson.M{"version": 1}
	var arrayFilters []interface{}
	for i, d := range change.Deltas() {
		ident := fmt.Sprintf("t%d", i)
		if d.Reserved != 0 {
			inc[fmt.Sprintf("tickets.$[%s].reserved_quantity", ident)] = d.Reserved
		}
		if d.Sold != 0 {
			inc[fmt.Sprintf("tickets.$[%s].sold_quantity", ident)] = d.Sold
		}
		arrayFilters = append(arrayFilters, bson.M{ident + "._id": d.TicketID})
	}
	if change.Attendees != 0 {
		inc["current_attendees"] = change.Attendees
	}

	filter := bson.M{"_id": change.Event.ID}
	if guard := inventoryGuard(change); len(guard) > 0 {
		filter["$expr"] = bson.M{"$and": guard}
	}
	update := bson.M{
		"$inc": inc,
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	opts := options.Update()
	if len(arrayFilters) > 0 {
		opts.SetArrayFilters(options.ArrayFilters{Filters: arrayFilters})
	}

	res, err := col.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return dependencyError("update event inventory", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: event %s no longer admits the inventory change", ErrVersionConflict, change.Event.ID.Hex())
	}
	return nil
}

// inventoryGuard is Fits as an aggregation expression over the stored
// document. Each touched ticket must match one array element that
// satisfies its bounds.
func inventoryGuard(change *InventoryChange) bson.A {
	var conds bson.A
	for _, d := range change.Deltas() {
		bounds := bson.A{bson.M{"$eq": bson.A{"$$t._id", d.TicketID}}}
		if d.Reserved < 0 {
			bounds = append(bounds, bson.M{"$gte": bson.A{"$$t.reserved_quantity", -d.Reserved}})
		}
		if d.Sold < 0 {
			bounds = append(bounds, bson.M{"$gte": bson.A{"$$t.sold_quantity", -d.Sold}})
		}
		if grow := d.Reserved + d.Sold; grow > 0 {
			bounds = append(bounds, bson.M{"$lte": bson.A{
				bson.M{"$add": bson.A{"$$t.reserved_quantity", "$$t.sold_quantity", grow}},
				"$$t.available_quantity",
			}})
		}
		conds = append(conds, bson.M{"$anyElementTrue": bson.A{
			bson.M{"$map": bson.M{"input": "$tickets", "as": "t", "in": bson.M{"$and": bounds}}},
		}})
	}
	if change.Attendees < 0 {
		conds = append(conds, bson.M{"$gte": bson.A{"$current_attendees", -change.Attendees}})
	}
	return conds
}

func (mdb *MongodbRepo) SaveTickets(ctx context.Context, ev *Event) error {
	col, err := mdb.collection(ctx, EventsColName)
	if err != nil {
		return err
	}

	ev.RecomputePriceRange()
	filter := bson.M{"_id": ev.ID, "version": ev.Version}
	update := bson.M{
		"$set": bson.M{
			"tickets":    ev.Tickets,
			"min_price":  ev.MinPrice,
			"max_price":  ev.MaxPrice,
			"is_free":    ev.IsFree,
			"updated_at": time.Now().UTC(),
		},
		"$inc": bson.M{"version": 1},
	}

	res, err := col.UpdateOne(ctx, filter, update)
	if err != nil {
		return dependencyError("save tickets", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: event %s at version %d", ErrVersionConflict, ev.ID.Hex(), ev.Version)
	}
	ev.Version++
	return nil
}
