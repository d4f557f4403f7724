package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &Postgres{
		db: sqlx.NewDb(db, "postgres"),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "test"}),
	}, mock
}

func TestPostgres_RoomExists(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("room-a").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := p.RoomExists(context.Background(), "room-a")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateRoom_Success(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(`INSERT INTO rooms`).
		WithArgs("room-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.CreateRoom(context.Background(), "room-a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateRoom_AlreadyExists(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(`INSERT INTO rooms`).
		WithArgs("room-a").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.CreateRoom(context.Background(), "room-a")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteRoom_NotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(`DELETE FROM rooms`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.DeleteRoom(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendUpdates_AllocatesContiguousRangeInOneTransaction(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE rooms`).
		WithArgs("room-a", int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"first_seq", "last_seq"}).AddRow(int64(1), int64(3)))
	mock.ExpectPrepare(`INSERT INTO room_updates`)
	mock.ExpectExec(`INSERT INTO room_updates`).
		WithArgs("room-a", int64(1), []byte("a")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO room_updates`).
		WithArgs("room-a", int64(2), []byte("b")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO room_updates`).
		WithArgs("room-a", int64(3), []byte("c")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	first, last, err := p.AppendUpdates(context.Background(), "room-a", [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	assert.Equal(t, LogSeq(1), first)
	assert.Equal(t, LogSeq(3), last)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendUpdates_UnknownRoomRollsBack(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE rooms`).
		WithArgs("ghost", int64(1)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, _, err := p.AppendUpdates(context.Background(), "ghost", [][]byte{[]byte("a")})
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendUpdates_EmptyBatchRejected(t *testing.T) {
	p, _ := newMockPostgres(t)
	_, _, err := p.AppendUpdates(context.Background(), "room-a", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPostgres_LoadSnapshotBest_NotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT covered_through, bytes FROM room_snapshots`).
		WillReturnError(sql.ErrNoRows)

	_, err := p.LoadSnapshotBest(context.Background(), "room-a", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Ping(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectPing()

	require.NoError(t, p.Ping(context.Background()))
}
