package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointsLedger_Credit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO user_points").
		WithArgs("u1", 50).
		WillReturnResult(sqlmock.NewResult(1, 1))

	ledger := NewPointsLedger(db)
	require.NoError(t, ledger.Credit(context.Background(), "u1", 50))
	assert.NoError(t, mock.ExpectationsWereMet())
}
