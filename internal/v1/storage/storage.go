package storage

import "context"

// Storage is the durable persistence contract a RoomManager and its
// PersistenceWorkers depend on. Implementations must uphold:
//
//   - Sequence contiguity: AppendUpdate(s) assigns seq numbers with no
//     gaps and no repeats, per room.
//   - Batch atomicity: AppendUpdates allocates and writes an entire batch
//     as one indivisible step — a concurrent LoadUpdates never observes
//     part of a batch.
//
// Snapshot validity (a Snapshot's CoveredThrough not exceeding the room's
// LastSeq when it was stored) is not checked by the implementations:
// StoreSnapshot accepts any coveredThrough, and the persistence worker
// only stores snapshots at a seq it has already appended.
//
// Every method takes a context for cancellation/timeout.
type Storage interface {
	// RoomExists reports whether roomID has been created.
	RoomExists(ctx context.Context, roomID string) (bool, error)

	// CreateRoom creates a new, empty room. Returns ErrAlreadyExists if
	// roomID is already in use.
	CreateRoom(ctx context.Context, roomID string) error

	// DeleteRoom removes a room and all of its updates and snapshots.
	// Returns ErrNotFound if roomID does not exist.
	DeleteRoom(ctx context.Context, roomID string) error

	// ListRooms returns a summary of every known room.
	ListRooms(ctx context.Context) ([]RoomInfo, error)

	// GetRoomInfo returns a summary of one room. Returns ErrNotFound if
	// roomID does not exist.
	GetRoomInfo(ctx context.Context, roomID string) (RoomInfo, error)

	// AppendUpdate appends a single update, returning its assigned
	// sequence number.
	AppendUpdate(ctx context.Context, roomID string, update []byte) (LogSeq, error)

	// AppendUpdates appends a batch of updates as one atomic step,
	// returning the sequence number assigned to the first and last
	// entries in the batch. Returns ErrInvalidArgument if updates is
	// empty.
	AppendUpdates(ctx context.Context, roomID string, updates [][]byte) (first, last LogSeq, err error)

	// LoadUpdates returns every update with seq in [from, to], ordered
	// ascending by seq. A nil to means "through the current LastSeq".
	LoadUpdates(ctx context.Context, roomID string, from LogSeq, to *LogSeq) ([]UpdateEntry, error)

	// StoreSnapshot records a full-state snapshot covering updates
	// through coveredThrough. Storing at an already-used coveredThrough
	// overwrites the prior snapshot there.
	StoreSnapshot(ctx context.Context, roomID string, coveredThrough LogSeq, bytes []byte) error

	// LoadSnapshotAt returns the snapshot stored at exactly
	// coveredThrough. Returns ErrNotFound if none exists there.
	LoadSnapshotAt(ctx context.Context, roomID string, coveredThrough LogSeq) (Snapshot, error)

	// LoadSnapshotBest returns the snapshot with the largest
	// CoveredThrough not exceeding maxCoveredThrough (nil means
	// unbounded). Returns ErrNotFound if no eligible snapshot exists.
	LoadSnapshotBest(ctx context.Context, roomID string, maxCoveredThrough *LogSeq) (Snapshot, error)

	// ListSnapshots returns every snapshot recorded for roomID, ascending
	// by CoveredThrough.
	ListSnapshots(ctx context.Context, roomID string) ([]SnapshotInfo, error)

	// Ping verifies the backend is reachable, for readiness probes.
	Ping(ctx context.Context) error
}
