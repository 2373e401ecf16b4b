package models

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestDependencyError_KeepsDriverLabels(t *testing.T) {
	driverErr := mongo.CommandError{
		Code:   112,
		Name:   "WriteConflict",
		Labels: []string{"TransientTransactionError"},
	}
	err := dependencyError("update event inventory", driverErr)

	assert.ErrorIs(t, err, ErrDependencyFailure)
	assert.False(t, IsClientError(err))

	var labeled mongo.LabeledError
	require.True(t, errors.As(err, &labeled), "transaction retry needs the label")
	assert.True(t, labeled.HasErrorLabel("TransientTransactionError"))

	var cmdErr mongo.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, int32(112), cmdErr.Code)
}

func TestRunCompensated_KeepsCompensationCause(t *testing.T) {
	undoErr := dependencyError("update booking", mongo.CommandError{Code: 91, Labels: []string{"RetryableWriteError"}})
	err := RunCompensated(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func(context.Context) error { return undoErr })
		return ErrCapacityExceeded
	})

	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	var labeled mongo.LabeledError
	require.True(t, errors.As(err, &labeled))
	assert.True(t, labeled.HasErrorLabel("RetryableWriteError"))
}

func TestWithTx_TransactionModeWithoutClient(t *testing.T) {
	repo := MongodbNewRepo(nil, WithTransactions(true))
	called := false
	err := repo.WithTx(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrDependencyFailure)
	assert.False(t, called)
}
