package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "room-1", "u1", "u2", "alice", "bob", "hi", MessageText, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewMessageRepository(db)
	msg, err := repo.Create(context.Background(), Message{
		RoomID: "room-1", SenderID: "u1", ReceiverID: "u2",
		SenderUsername: "alice", ReceiverUsername: "bob",
		Content: "hi", Type: MessageText,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageRepository_Create_RejectsGeneralRoom(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewMessageRepository(db)
	_, err = repo.Create(context.Background(), Message{RoomID: GeneralRoomID, Content: "hi"})
	assert.Error(t, err)
}
