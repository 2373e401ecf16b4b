package models

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/supabase-community/supabase-go"
	"go.mongodb.org/mongo-driver/mongo"
)

var Validate = validator.New()

const (
	DefaultDbName     = "bashbay"
	EventsColName     = "events"
	BookingsColName   = "bookings"
	maxBookingsLimit  = 100
	defaultPageLimit  = 10
	expiredBatchLimit = 100
)

type SupabaseRepo struct {
	supabaseClient *supabase.Client
	url            string
	key            string
}

func SupabaseNewRepo(supabaseClient *supabase.Client, url, key string) *SupabaseRepo {
	return &SupabaseRepo{
		supabaseClient: supabaseClient,
		url:            url,
		key:            key,
	}
}

// GetAuthenticatedClient returns a Supabase client with the given access token
func (su *SupabaseRepo) GetAuthenticatedClient(accessToken string) (*supabase.Client, error) {
	if su.url == "" || su.key == "" {
		return su.supabaseClient, nil
	}

	options := &supabase.ClientOptions{
		Headers: map[string]string{
			"Authorization": "Bearer " + accessToken,
		},
	}

	return supabase.NewClient(su.url, su.key, options)
}

type MongodbRepo struct {
	mongodbClient *mongo.Client
	dbName        string
	transactions  bool
}

type MongodbOption func(*MongodbRepo)

// WithDatabase overrides the default database name.
func WithDatabase(name string) MongodbOption {
	return func(m *MongodbRepo) {
		if name != "" {
			m.dbName = name
		}
	}
}

// WithTransactions enables multi-document transactions. Requires a replica
// set or sharded cluster; standalone servers must run without it and rely
// on compensation instead.
func WithTransactions(enabled bool) MongodbOption {
	return func(m *MongodbRepo) {
		m.transactions = enabled
	}
}

func MongodbNewRepo(mongodbClient *mongo.Client, opts ...MongodbOption) *MongodbRepo {
	repo := &MongodbRepo{
		mongodbClient: mongodbClient,
		dbName:        DefaultDbName,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

func (mdb *MongodbRepo) GetCollection(ctx context.Context, dbName, colName string) (*mongo.Collection, error) {
	if mdb.mongodbClient == nil {
		return nil, fmt.Errorf("mongodb client is not initialized")
	}
	return mdb.mongodbClient.Database(dbName).Collection(colName), nil
}

func (mdb *MongodbRepo) collection(ctx context.Context, name string) (*mongo.Collection, error) {
	col, err := mdb.GetCollection(ctx, mdb.dbName, name)
	if err != nil {
		return nil, dependencyError("mongodb", err)
	}
	return col, nil
}

// WithTx runs fn inside a MongoDB transaction when transactions are
// enabled. The session re-runs fn on errors labelled
// TransientTransactionError, so fn must return driver errors wrapped with
// %w. Otherwise fn runs directly and any compensations it registered with
// OnRollback are executed if it fails.
func (mdb *MongodbRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if !mdb.transactions {
		return RunCompensated(ctx, fn)
	}
	if mdb.mongodbClient == nil {
		return fmt.Errorf("%w: mongodb client is not initialized", ErrDependencyFailure)
	}

	session, err := mdb.mongodbClient.StartSession()
	if err != nil {
		return dependencyError("start session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}
