package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/roomsync/server/internal/v1/metrics"
)

//go:embed schema.sql
var schemaSQL string

const circuitBreakerName = "postgres-storage"

// Postgres is a PostgreSQL-backed Storage implementation. Every Storage
// operation except Ping runs through a circuit breaker (EnsureSchema does
// not either), so a struggling database degrades the caller into fast
// backend errors wrapping gobreaker.ErrOpenState or ErrTooManyRequests
// instead of piling up blocked goroutines.
type Postgres struct {
	db *sqlx.DB
	cb *gobreaker.CircuitBreaker
}

// NewPostgres opens a connection pool against dsn. Callers should follow up
// with EnsureSchema on first run.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}

	st := gobreaker.Settings{
		Name:        circuitBreakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(circuitBreakerName).Set(stateVal)
		},
	}

	return &Postgres{db: db, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// EnsureSchema creates the rooms/room_updates/room_snapshots tables if they
// don't already exist. Safe to call on every startup.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("storage: ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) execute(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	start := time.Now()
	result, err := p.cb.Execute(func() (any, error) { return fn(ctx) })
	metrics.StorageOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerFailures.WithLabelValues(circuitBreakerName).Inc()
		return nil, fmt.Errorf("storage: %w", err)
	}
	return result, err
}

func (p *Postgres) RoomExists(ctx context.Context, roomID string) (bool, error) {
	res, err := p.execute(ctx, "room_exists", func(ctx context.Context) (any, error) {
		var exists bool
		err := p.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM rooms WHERE room_id = $1)`, roomID)
		return exists, err
	})
	if err != nil {
		return false, wrapBackend(err)
	}
	return res.(bool), nil
}

func (p *Postgres) CreateRoom(ctx context.Context, roomID string) error {
	_, err := p.execute(ctx, "create_room", func(ctx context.Context) (any, error) {
		res, err := p.db.ExecContext(ctx,
			`INSERT INTO rooms (room_id, last_seq) VALUES ($1, 0) ON CONFLICT (room_id) DO NOTHING`,
			roomID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrAlreadyExists
		}
		return nil, nil
	})
	if errors.Is(err, ErrAlreadyExists) {
		return ErrAlreadyExists
	}
	return wrapBackend(err)
}

func (p *Postgres) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := p.execute(ctx, "delete_room", func(ctx context.Context) (any, error) {
		res, err := p.db.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = $1`, roomID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		return nil, nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return wrapBackend(err)
}

type roomInfoRow struct {
	RoomID      string  `db:"room_id"`
	LastSeq     int64   `db:"last_seq"`
	SnapCovered *int64  `db:"snap_covered"`
	SnapSize    *int64  `db:"snap_size"`
}

const roomInfoQuery = `
SELECT
	r.room_id,
	r.last_seq,
	s.covered_through AS snap_covered,
	s.size_bytes AS snap_size
FROM rooms r
LEFT JOIN LATERAL (
	SELECT covered_through, octet_length(bytes)::bigint AS size_bytes
	FROM room_snapshots
	WHERE room_id = r.room_id
	ORDER BY covered_through DESC
	LIMIT 1
) s ON TRUE`

func (row roomInfoRow) toRoomInfo() RoomInfo {
	info := RoomInfo{RoomID: row.RoomID, LastSeq: row.LastSeq}
	if row.SnapCovered != nil {
		size := int64(0)
		if row.SnapSize != nil {
			size = *row.SnapSize
		}
		info.LatestSnapshot = &SnapshotInfo{CoveredThrough: *row.SnapCovered, SizeBytes: size}
	}
	return info
}

func (p *Postgres) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	res, err := p.execute(ctx, "list_rooms", func(ctx context.Context) (any, error) {
		var rows []roomInfoRow
		err := p.db.SelectContext(ctx, &rows, roomInfoQuery+` ORDER BY r.room_id ASC`)
		return rows, err
	})
	if err != nil {
		return nil, wrapBackend(err)
	}
	rows := res.([]roomInfoRow)
	infos := make([]RoomInfo, len(rows))
	for i, r := range rows {
		infos[i] = r.toRoomInfo()
	}
	return infos, nil
}

func (p *Postgres) GetRoomInfo(ctx context.Context, roomID string) (RoomInfo, error) {
	res, err := p.execute(ctx, "get_room_info", func(ctx context.Context) (any, error) {
		var rows []roomInfoRow
		err := p.db.SelectContext(ctx, &rows, roomInfoQuery+` WHERE r.room_id = $1`, roomID)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, ErrNotFound
		}
		return rows[0], nil
	})
	if errors.Is(err, ErrNotFound) {
		return RoomInfo{}, ErrNotFound
	}
	if err != nil {
		return RoomInfo{}, wrapBackend(err)
	}
	return res.(roomInfoRow).toRoomInfo(), nil
}

// allocSeqRange atomically reserves n sequence numbers for roomID by
// incrementing rooms.last_seq and deriving the allocated range from the
// updated value, all inside the caller's transaction.
func allocSeqRange(ctx context.Context, tx *sqlx.Tx, roomID string, n int64) (first, last LogSeq, err error) {
	var row struct {
		First LogSeq `db:"first_seq"`
		Last  LogSeq `db:"last_seq"`
	}
	err = tx.GetContext(ctx, &row, `
		UPDATE rooms
		SET last_seq = last_seq + $2
		WHERE room_id = $1
		RETURNING (last_seq - $2 + 1) AS first_seq, last_seq`,
		roomID, n)
	if err != nil {
		return 0, 0, err
	}
	return row.First, row.Last, nil
}

func (p *Postgres) AppendUpdate(ctx context.Context, roomID string, update []byte) (LogSeq, error) {
	first, _, err := p.AppendUpdates(ctx, roomID, [][]byte{update})
	return first, err
}

func (p *Postgres) AppendUpdates(ctx context.Context, roomID string, updates [][]byte) (LogSeq, LogSeq, error) {
	if len(updates) == 0 {
		return 0, 0, fmt.Errorf("%w: updates batch is empty", ErrInvalidArgument)
	}

	res, err := p.execute(ctx, "append_updates", func(ctx context.Context) (any, error) {
		tx, err := p.db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		first, last, err := allocSeqRange(ctx, tx, roomID, int64(len(updates)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO room_updates (room_id, seq, bytes) VALUES ($1, $2, $3)`)
		if err != nil {
			return nil, err
		}
		defer stmt.Close()

		for i, u := range updates {
			if _, err := stmt.ExecContext(ctx, roomID, first+LogSeq(i), u); err != nil {
				return nil, err
			}
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return [2]LogSeq{first, last}, nil
	})
	if errors.Is(err, ErrNotFound) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, wrapBackend(err)
	}
	rng := res.([2]LogSeq)
	return rng[0], rng[1], nil
}

func (p *Postgres) LoadUpdates(ctx context.Context, roomID string, from LogSeq, to *LogSeq) ([]UpdateEntry, error) {
	res, err := p.execute(ctx, "load_updates", func(ctx context.Context) (any, error) {
		var rows []UpdateEntry
		err := p.db.SelectContext(ctx, &rows, `
			SELECT seq, bytes FROM room_updates
			WHERE room_id = $1 AND seq >= $2 AND ($3::bigint IS NULL OR seq <= $3)
			ORDER BY seq ASC`,
			roomID, from, to)
		return rows, err
	})
	if err != nil {
		return nil, wrapBackend(err)
	}
	return res.([]UpdateEntry), nil
}

func (p *Postgres) StoreSnapshot(ctx context.Context, roomID string, coveredThrough LogSeq, bytes []byte) error {
	_, err := p.execute(ctx, "store_snapshot", func(ctx context.Context) (any, error) {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO room_snapshots (room_id, covered_through, bytes)
			VALUES ($1, $2, $3)
			ON CONFLICT (room_id, covered_through) DO UPDATE SET bytes = excluded.bytes`,
			roomID, coveredThrough, bytes)
		return nil, err
	})
	return wrapBackend(err)
}

func (p *Postgres) LoadSnapshotAt(ctx context.Context, roomID string, coveredThrough LogSeq) (Snapshot, error) {
	res, err := p.execute(ctx, "load_snapshot_at", func(ctx context.Context) (any, error) {
		var snap Snapshot
		err := p.db.GetContext(ctx, &snap, `
			SELECT covered_through, bytes FROM room_snapshots
			WHERE room_id = $1 AND covered_through = $2`,
			roomID, coveredThrough)
		return snap, err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, wrapBackend(err)
	}
	return res.(Snapshot), nil
}

func (p *Postgres) LoadSnapshotBest(ctx context.Context, roomID string, maxCoveredThrough *LogSeq) (Snapshot, error) {
	res, err := p.execute(ctx, "load_snapshot_best", func(ctx context.Context) (any, error) {
		var snap Snapshot
		err := p.db.GetContext(ctx, &snap, `
			SELECT covered_through, bytes FROM room_snapshots
			WHERE room_id = $1 AND ($2::bigint IS NULL OR covered_through <= $2)
			ORDER BY covered_through DESC
			LIMIT 1`,
			roomID, maxCoveredThrough)
		return snap, err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, wrapBackend(err)
	}
	return res.(Snapshot), nil
}

func (p *Postgres) ListSnapshots(ctx context.Context, roomID string) ([]SnapshotInfo, error) {
	res, err := p.execute(ctx, "list_snapshots", func(ctx context.Context) (any, error) {
		var rows []SnapshotInfo
		err := p.db.SelectContext(ctx, &rows, `
			SELECT covered_through, octet_length(bytes)::bigint AS size_bytes
			FROM room_snapshots
			WHERE room_id = $1
			ORDER BY covered_through ASC`,
			roomID)
		return rows, err
	})
	if err != nil {
		return nil, wrapBackend(err)
	}
	return res.([]SnapshotInfo), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return wrapBackend(err)
	}
	return nil
}

func wrapBackend(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrInvalidArgument) {
		return err
	}
	return fmt.Errorf("storage: backend: %w", err)
}
