// Package room implements the live room lifecycle: the broadcast fabric
// that multiplexes a document replica across connected peers, the
// persistence pipeline that drains it to durable storage, and the
// RoomManager that ties materialization and eviction together.
package room

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/crdt"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/metrics"
)

// Peer is one connected client's outbound half: the ConnectionDriver reads
// from Send and writes each update to the wire.
type Peer struct {
	ID   string
	Send chan []byte
}

// fabric is the broadcast multiplexer for one live room: it owns the
// shared doc replica, forwards inbound updates to every other subscribed
// peer, and feeds the persistence pipeline through observe.
type fabric struct {
	mu         sync.RWMutex
	doc        crdt.Doc
	peers      map[string]*Peer
	bufferSize int
	roomID     string

	// observe is invoked with every successfully-applied update, after
	// broadcast. It is the PersistenceWorker's non-blocking try-send.
	observe func(update []byte)
}

func newFabric(roomID string, doc crdt.Doc, bufferSize int) *fabric {
	return &fabric{
		doc:        doc,
		peers:      make(map[string]*Peer),
		bufferSize: bufferSize,
		roomID:     roomID,
	}
}

// Subscribe registers peerID and returns its outbound channel.
func (f *fabric) Subscribe(peerID string) *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := &Peer{ID: peerID, Send: make(chan []byte, f.bufferSize)}
	f.peers[peerID] = p
	metrics.RoomConnections.WithLabelValues(f.roomID).Inc()
	return p
}

// Unsubscribe removes peerID and closes its outbound channel. Safe to call
// more than once for the same peerID.
func (f *fabric) Unsubscribe(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.peers[peerID]
	if !ok {
		return
	}
	delete(f.peers, peerID)
	close(p.Send)
	metrics.RoomConnections.WithLabelValues(f.roomID).Dec()
}

// Apply merges an inbound update from peerID into the doc, forwards it to
// every other subscribed peer, and notifies the persistence observer.
// Broadcast never blocks on a slow peer: a full outbound buffer causes
// that peer to be dropped (its channel closed), not the broadcast to
// stall — the hot path must never wait on the slowest reader.
func (f *fabric) Apply(peerID string, update []byte) error {
	if err := f.doc.Apply(update); err != nil {
		return err
	}

	f.broadcast(peerID, update)

	if f.observe != nil {
		f.observe(update)
	}
	return nil
}

func (f *fabric) broadcast(from string, update []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, p := range f.peers {
		if id == from {
			continue
		}
		select {
		case p.Send <- update:
		default:
			logging.Warn(context.Background(), "dropping slow peer: broadcast buffer full",
				zap.String("room_id", f.roomID), zap.String("peer_id", id))
			metrics.TransportEvents.WithLabelValues("broadcast", "peer_dropped").Inc()
			delete(f.peers, id)
			close(p.Send)
			metrics.RoomConnections.WithLabelValues(f.roomID).Dec()
		}
	}
}

// StateAsUpdate returns a full-state encoding of the current doc, for
// initial peer sync and snapshotting.
func (f *fabric) StateAsUpdate() []byte {
	return f.doc.StateAsUpdate()
}
