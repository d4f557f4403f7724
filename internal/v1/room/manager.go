package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/crdt"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/metrics"
	"github.com/roomsync/server/internal/v1/storage"
)

// LiveRoom is a materialized room: a doc replica behind the broadcast
// fabric, its persistence worker, and a connection count. At most one
// LiveRoom exists per room_id in-process (I6).
type LiveRoom struct {
	roomID string
	fabric *fabric
	worker *worker
	count  int64
}

// Subscribe attaches a new peer to the room's broadcast fabric.
func (lr *LiveRoom) Subscribe(peerID string) *Peer {
	return lr.fabric.Subscribe(peerID)
}

// Unsubscribe detaches peerID from the broadcast fabric.
func (lr *LiveRoom) Unsubscribe(peerID string) {
	lr.fabric.Unsubscribe(peerID)
}

// Apply merges an inbound update from peerID, broadcasts it to every
// other peer, and forwards it into the persistence pipeline.
func (lr *LiveRoom) Apply(peerID string, update []byte) error {
	return lr.fabric.Apply(peerID, update)
}

// StateAsUpdate returns a full-state encoding for initial peer sync.
func (lr *LiveRoom) StateAsUpdate() []byte {
	return lr.fabric.StateAsUpdate()
}

func (lr *LiveRoom) inc() int64 { return atomic.AddInt64(&lr.count, 1) }
func (lr *LiveRoom) dec() int64 { return atomic.AddInt64(&lr.count, -1) }
func (lr *LiveRoom) load() int64 { return atomic.LoadInt64(&lr.count) }

func (lr *LiveRoom) shutdown() { lr.worker.shutdown() }

// Manager is the RoomManager: room admission, lazy materialization, and
// eviction on last-disconnect. It holds the only shared pointer to each
// LiveRoom; there is no cycle back to the Manager itself.
type Manager struct {
	storage storage.Storage

	mu   sync.RWMutex
	live map[string]*LiveRoom

	broadcastBufferSize        int
	persistenceChannelCapacity int
	snapshotCadence            int
}

// Config bundles the four construction-time values spec.md names:
// broadcast buffer capacity, persistence channel capacity, snapshot
// cadence, and the storage handle (passed separately to New).
type Config struct {
	BroadcastBufferSize        int
	PersistenceChannelCapacity int
	SnapshotCadence            int
}

// New constructs a Manager over the given storage backend.
func New(st storage.Storage, cfg Config) *Manager {
	return &Manager{
		storage:                    st,
		live:                       make(map[string]*LiveRoom),
		broadcastBufferSize:        cfg.BroadcastBufferSize,
		persistenceChannelCapacity: cfg.PersistenceChannelCapacity,
		snapshotCadence:            cfg.SnapshotCadence,
	}
}

// CreateRoom creates a room at rest. Fails with storage.ErrAlreadyExists
// if a persisted record is already present.
func (m *Manager) CreateRoom(ctx context.Context, roomID string) error {
	exists, err := m.storage.RoomExists(ctx, roomID)
	if err != nil {
		return err
	}
	if exists {
		return storage.ErrAlreadyExists
	}
	return m.storage.CreateRoom(ctx, roomID)
}

// DeleteRoom removes a room's persisted state. If the room is currently
// live, the live materialization is evicted too.
func (m *Manager) DeleteRoom(ctx context.Context, roomID string) error {
	if err := m.storage.DeleteRoom(ctx, roomID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if lr, ok := m.live[roomID]; ok {
		delete(m.live, roomID)
		lr.shutdown()
		metrics.ActiveRooms.Dec()
	}
	return nil
}

func (m *Manager) ListRooms(ctx context.Context) ([]storage.RoomInfo, error) {
	return m.storage.ListRooms(ctx)
}

func (m *Manager) GetRoomInfo(ctx context.Context, roomID string) (storage.RoomInfo, error) {
	return m.storage.GetRoomInfo(ctx, roomID)
}

// Connect returns the LiveRoom for roomID, materializing it if necessary,
// and increments its connection count. Fails with storage.ErrNotFound if
// the room does not exist at rest.
func (m *Manager) Connect(ctx context.Context, roomID string) (*LiveRoom, error) {
	m.mu.RLock()
	if lr, ok := m.live[roomID]; ok {
		lr.inc()
		m.mu.RUnlock()
		return lr, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-checked: someone may have materialized the room between the
	// read-unlock above and this write-lock.
	if lr, ok := m.live[roomID]; ok {
		lr.inc()
		return lr, nil
	}

	exists, err := m.storage.RoomExists(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, storage.ErrNotFound
	}

	lr, err := m.materialize(ctx, roomID)
	if err != nil {
		return nil, err
	}

	lr.inc()
	m.live[roomID] = lr
	metrics.ActiveRooms.Inc()
	return lr, nil
}

// Disconnect decrements roomID's connection count; if it reaches zero,
// evicts the room from the live map under the write lock, re-checking the
// count so a racing Connect is never torn (I7).
func (m *Manager) Disconnect(roomID string) {
	m.mu.RLock()
	lr, ok := m.live[roomID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	if lr.dec() != 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.live[roomID]
	if !ok || current != lr {
		return
	}
	if current.load() != 0 {
		// A Connect raced in and bumped the count back up; abort eviction.
		return
	}

	delete(m.live, roomID)
	current.shutdown()
	metrics.ActiveRooms.Dec()
}

// materialize loads the best snapshot (if any), replays updates after it,
// and spawns the fabric and persistence worker over the reconstructed doc.
func (m *Manager) materialize(ctx context.Context, roomID string) (*LiveRoom, error) {
	doc := crdt.NewDoc(roomID)

	startFrom := storage.LogSeq(1)
	lastSeq := storage.LogSeq(0)

	snap, err := m.storage.LoadSnapshotBest(ctx, roomID, nil)
	switch {
	case err == nil:
		if err := doc.Apply(snap.Bytes); err != nil {
			return nil, fmt.Errorf("%w: applying snapshot for room %q: %v", storage.ErrDecoding, roomID, err)
		}
		startFrom = snap.CoveredThrough + 1
		lastSeq = snap.CoveredThrough
	case errors.Is(err, storage.ErrNotFound):
		// No snapshot yet; replay the full log from seq 1.
	default:
		return nil, err
	}

	entries, err := m.storage.LoadUpdates(ctx, roomID, startFrom, nil)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if err := doc.Apply(entry.Bytes); err != nil {
			return nil, fmt.Errorf("%w: replaying update seq %d for room %q: %v", storage.ErrDecoding, entry.Seq, roomID, err)
		}
		lastSeq = entry.Seq
	}

	w := newWorker(roomID, m.storage, doc, m.persistenceChannelCapacity, m.snapshotCadence)
	w.lastSeq = lastSeq

	f := newFabric(roomID, doc, m.broadcastBufferSize)
	f.observe = w.trySend

	go w.run(context.Background())

	logging.Info(ctx, "materialized room",
		zap.String("room_id", roomID), zap.Int64("replayed_updates", int64(len(entries))), zap.Int64("last_seq", lastSeq))

	return &LiveRoom{roomID: roomID, fabric: f, worker: w}, nil
}
