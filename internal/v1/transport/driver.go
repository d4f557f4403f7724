// Package transport implements the ConnectionDriver: the glue between one
// duplex transport connection and a LiveRoom's broadcast fabric. It knows
// nothing about CRDT semantics — every inbound message is an opaque update
// to apply and broadcast, and every outbound message is a broadcast-fabric
// emission.
package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/metrics"
	"github.com/roomsync/server/internal/v1/room"
)

// writeWait bounds how long a single outbound write may take before the
// connection is considered dead.
const writeWait = 10 * time.Second

// Conn abstracts the duplex transport so tests can substitute an in-memory
// fake instead of a real socket. In production this is satisfied by
// *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Manager is the subset of room.Manager the driver needs: admission and
// release of a live room.
type Manager interface {
	Connect(ctx context.Context, roomID string) (*room.LiveRoom, error)
	Disconnect(roomID string)
}

// Driver is the ConnectionDriver for one connection: it splits the duplex
// transport into a send half and a receive half, subscribes the receive
// half to the room's broadcast fabric, and awaits completion. On
// completion — clean or erroneous — it calls Manager.Disconnect. Terminal
// errors are logged but never propagated to crash the process.
type Driver struct {
	conn    Conn
	manager Manager
	lr      *room.LiveRoom
	roomID  string
	peerID  string
}

// New constructs a Driver for an already-admitted connection: the caller
// has already resolved roomID to a live room via Manager.Connect.
func New(conn Conn, manager Manager, lr *room.LiveRoom, roomID, peerID string) *Driver {
	return &Driver{conn: conn, manager: manager, lr: lr, roomID: roomID, peerID: peerID}
}

// Serve runs the connection to completion. It blocks until the connection
// closes, either because the peer disconnected or because a fatal
// transport error occurred. Serve always calls Manager.Disconnect exactly
// once before returning.
func (d *Driver) Serve(ctx context.Context) {
	metrics.IncConnection()
	defer metrics.DecConnection()

	peer := d.lr.Subscribe(d.peerID)
	defer func() {
		d.manager.Disconnect(d.roomID)
		d.conn.Close()
	}()

	// Send the current merged state before draining the broadcast channel,
	// so a newly joined peer's initial sync reflects everything applied so
	// far (subscribe happens first, so nothing broadcast after this point
	// is lost in the gap).
	if initial := d.lr.StateAsUpdate(); len(initial) > 0 {
		if err := d.write(initial); err != nil {
			d.logTransportError("initial sync write failed", err)
			d.lr.Unsubscribe(d.peerID)
			return
		}
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		d.writePump(peer)
	}()

	// Once readPump returns, the read side unregisters the peer,
	// independent of writePump: this closes peer.Send, which is what lets writePump's range loop (and this
	// wait) ever return. writePump must never be the one to unsubscribe —
	// it would deadlock waiting on the channel it's supposed to close.
	d.readPump()
	d.lr.Unsubscribe(d.peerID)
	<-writeDone
}

// readPump processes incoming messages from the peer until the connection
// errors or closes. Each message is treated as an opaque CRDT update: it is
// merged into the room's doc, broadcast to every other peer, and handed to
// the persistence pipeline.
func (d *Driver) readPump() {
	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			return
		}

		if err := d.lr.Apply(d.peerID, data); err != nil {
			d.logTransportError("failed to apply inbound update", err)
			metrics.TransportEvents.WithLabelValues("apply", "error").Inc()
			continue
		}
		metrics.TransportEvents.WithLabelValues("apply", "ok").Inc()
	}
}

// writePump drains the peer's broadcast channel and writes each update to
// the wire until the channel is closed by Unsubscribe.
func (d *Driver) writePump(peer *room.Peer) {
	for update := range peer.Send {
		if err := d.write(update); err != nil {
			d.logTransportError("failed to write broadcast update", err)
			return
		}
	}
}

func (d *Driver) write(data []byte) error {
	if err := d.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return d.conn.WriteMessage(binaryMessageType, data)
}

func (d *Driver) logTransportError(msg string, err error) {
	logging.Warn(context.Background(), msg,
		zap.String("room_id", d.roomID), zap.String("peer_id", d.peerID), zap.Error(err))
}
