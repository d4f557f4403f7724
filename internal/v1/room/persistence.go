package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/crdt"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/metrics"
	"github.com/roomsync/server/internal/v1/storage"
)

// worker is the persistence pipeline for one live room: it drains updates
// observed by the fabric, appends them to durable storage, and snapshots
// the doc every cadence updates. One worker per live room.
type worker struct {
	roomID  string
	storage storage.Storage
	doc     crdt.Doc

	updates chan []byte
	cadence int

	sinceSnapshot int
	lastSeq       storage.LogSeq
}

func newWorker(roomID string, st storage.Storage, doc crdt.Doc, capacity, cadence int) *worker {
	return &worker{
		roomID:  roomID,
		storage: st,
		doc:     doc,
		updates: make(chan []byte, capacity),
		cadence: cadence,
	}
}

// trySend is the fabric's non-blocking producer hook. When the channel is
// full the update is dropped from the durable log — the live doc and
// broadcast already have it, so this is a deliberate availability-over-
// durability trade-off, not a bug.
func (w *worker) trySend(update []byte) {
	select {
	case w.updates <- update:
	default:
		metrics.PersistenceChannelDroppedTotal.WithLabelValues(w.roomID).Inc()
		logging.Warn(context.Background(), "dropping update: persistence channel full",
			zap.String("room_id", w.roomID))
	}
}

// run drains updates until the channel is closed (the shutdown signal),
// then returns. No explicit cancellation is used — closing the channel is
// the signal.
func (w *worker) run(ctx context.Context) {
	for update := range w.updates {
		w.handle(ctx, update)
	}
}

func (w *worker) handle(ctx context.Context, update []byte) {
	start := time.Now()
	seq, err := w.storage.AppendUpdate(ctx, w.roomID, update)
	metrics.PersistenceOperationDuration.WithLabelValues("append").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistenceAppendFailuresTotal.WithLabelValues(w.roomID).Inc()
		logging.Error(ctx, "persistence append failed, update lost from durable log",
			zap.String("room_id", w.roomID), zap.Error(err))
		return
	}

	w.lastSeq = seq
	w.sinceSnapshot++
	metrics.PersistenceAppendsTotal.WithLabelValues(w.roomID).Inc()

	if w.sinceSnapshot < w.cadence {
		return
	}

	snapStart := time.Now()
	bytes := w.doc.StateAsUpdate()
	err = w.storage.StoreSnapshot(ctx, w.roomID, w.lastSeq, bytes)
	metrics.PersistenceOperationDuration.WithLabelValues("snapshot").Observe(time.Since(snapStart).Seconds())
	if err != nil {
		logging.Error(ctx, "persistence snapshot failed, will retry at next cadence threshold",
			zap.String("room_id", w.roomID), zap.Error(err))
		return
	}
	w.sinceSnapshot = 0
	metrics.PersistenceSnapshotsTotal.WithLabelValues(w.roomID).Inc()
}

// shutdown closes the update channel, signaling run to drain and exit.
func (w *worker) shutdown() {
	close(w.updates)
}
