package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roomsync/server/internal/v1/crdt"
)

// demoRoomID is auto-seeded at construction so a fresh in-memory backend
// has something to connect to without an explicit CreateRoom call first —
// mirroring the original system's own demo fixture.
const demoRoomID = "demo-room-1"

const demoRoomScript = `EXT. BRICK'S PATIO - DAY

A gorgeous day. The sun is shining. But BRICK BRADDOCK, retired police detective, is sitting quietly, contemplating -- something.

The SCREEN DOOR slides open and DICK STEEL, his former partner and fellow retiree, emerges with two cold beers.

STEEL
Beer's ready!

BRICK
Are they cold?`

type memoryRoom struct {
	lastSeq   LogSeq
	updates   []UpdateEntry
	snapshots map[LogSeq][]byte
	// snapshotOrder keeps CoveredThrough values sorted ascending so
	// LoadSnapshotBest doesn't need to sort on every call.
	snapshotOrder []LogSeq
}

// Memory is an in-memory Storage implementation, intended for tests, demos,
// and single-process deployments that don't need durability across
// restarts. All state is lost on process exit.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

// NewMemory returns a Memory backend pre-seeded with a demo room.
func NewMemory() *Memory {
	m := &Memory{rooms: make(map[string]*memoryRoom)}

	seed := crdt.NewText("seed")
	update := seed.Insert(0, demoRoomScript)

	room := &memoryRoom{snapshots: make(map[LogSeq][]byte)}
	room.updates = append(room.updates, UpdateEntry{Seq: 1, Bytes: update})
	room.lastSeq = 1
	m.rooms[demoRoomID] = room

	return m
}

func (m *Memory) RoomExists(_ context.Context, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok, nil
}

func (m *Memory) CreateRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[roomID]; ok {
		return ErrAlreadyExists
	}
	m.rooms[roomID] = &memoryRoom{snapshots: make(map[LogSeq][]byte)}
	return nil
}

func (m *Memory) DeleteRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[roomID]; !ok {
		return ErrNotFound
	}
	delete(m.rooms, roomID)
	return nil
}

func (m *Memory) ListRooms(_ context.Context) ([]RoomInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(m.rooms))
	for id, room := range m.rooms {
		infos = append(infos, roomInfoLocked(id, room))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].RoomID < infos[j].RoomID })
	return infos, nil
}

func (m *Memory) GetRoomInfo(_ context.Context, roomID string) (RoomInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return RoomInfo{}, ErrNotFound
	}
	return roomInfoLocked(roomID, room), nil
}

func roomInfoLocked(roomID string, room *memoryRoom) RoomInfo {
	info := RoomInfo{RoomID: roomID, LastSeq: room.lastSeq}
	if n := len(room.snapshotOrder); n > 0 {
		latest := room.snapshotOrder[n-1]
		info.LatestSnapshot = &SnapshotInfo{
			CoveredThrough: latest,
			SizeBytes:      int64(len(room.snapshots[latest])),
		}
	}
	return info
}

func (m *Memory) AppendUpdate(ctx context.Context, roomID string, update []byte) (LogSeq, error) {
	first, _, err := m.AppendUpdates(ctx, roomID, [][]byte{update})
	return first, err
}

// AppendUpdates allocates the whole batch's sequence range and appends it
// under a single write-lock acquisition, so a concurrent LoadUpdates never
// observes a partial batch.
func (m *Memory) AppendUpdates(_ context.Context, roomID string, updates [][]byte) (LogSeq, LogSeq, error) {
	if len(updates) == 0 {
		return 0, 0, fmt.Errorf("%w: updates batch is empty", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return 0, 0, ErrNotFound
	}

	first := room.lastSeq + 1
	for i, u := range updates {
		room.updates = append(room.updates, UpdateEntry{Seq: first + LogSeq(i), Bytes: u})
	}
	last := first + LogSeq(len(updates)) - 1
	room.lastSeq = last

	return first, last, nil
}

func (m *Memory) LoadUpdates(_ context.Context, roomID string, from LogSeq, to *LogSeq) ([]UpdateEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}

	var out []UpdateEntry
	for _, u := range room.updates {
		if u.Seq < from {
			continue
		}
		if to != nil && u.Seq > *to {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (m *Memory) StoreSnapshot(_ context.Context, roomID string, coveredThrough LogSeq, bytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}

	if _, exists := room.snapshots[coveredThrough]; !exists {
		idx := sort.Search(len(room.snapshotOrder), func(i int) bool {
			return room.snapshotOrder[i] >= coveredThrough
		})
		room.snapshotOrder = append(room.snapshotOrder, 0)
		copy(room.snapshotOrder[idx+1:], room.snapshotOrder[idx:])
		room.snapshotOrder[idx] = coveredThrough
	}
	room.snapshots[coveredThrough] = bytes
	return nil
}

func (m *Memory) LoadSnapshotAt(_ context.Context, roomID string, coveredThrough LogSeq) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	bytes, ok := room.snapshots[coveredThrough]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return Snapshot{CoveredThrough: coveredThrough, Bytes: bytes}, nil
}

func (m *Memory) LoadSnapshotBest(_ context.Context, roomID string, maxCoveredThrough *LogSeq) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	for i := len(room.snapshotOrder) - 1; i >= 0; i-- {
		seq := room.snapshotOrder[i]
		if maxCoveredThrough == nil || seq <= *maxCoveredThrough {
			return Snapshot{CoveredThrough: seq, Bytes: room.snapshots[seq]}, nil
		}
	}
	return Snapshot{}, ErrNotFound
}

func (m *Memory) ListSnapshots(_ context.Context, roomID string) ([]SnapshotInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}

	infos := make([]SnapshotInfo, 0, len(room.snapshotOrder))
	for _, seq := range room.snapshotOrder {
		infos = append(infos, SnapshotInfo{CoveredThrough: seq, SizeBytes: int64(len(room.snapshots[seq]))})
	}
	return infos, nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }
