package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UploadBatch records one run of the transfer upload algorithm
// (spec.md §4.5's RunBatch), for later inspection through the
// diagnostics API or an operator's sqlite3 shell.
type UploadBatch struct {
	ID         int64
	StartedAt  time.Time
	EndedAt    sql.NullTime
	ChunksSent int
	BytesSent  int64
	Aborted    bool
	Error      string
}

// ChunkAck records a single ACK_CHUNK control command handled by
// internal/session, keyed by the chunk's timestamp-derived name.
type ChunkAck struct {
	ID      int64
	TS      uint32
	AckedAt time.Time
}

// FrameDrop records a frame the recorder rejected — oversize or empty,
// per spec.md §4.3's drop conditions, or arriving while no chunk file is
// open.
type FrameDrop struct {
	ID        int64
	DroppedAt time.Time
	Reason    string
	FrameSize int
}

// Logger records upload-batch lifecycle events, ACKs, and dropped frames
// to the audit database. All methods are safe to call with a nil *Logger,
// becoming no-ops, so callers that didn't configure an audit database can
// wire a nil logger through unconditionally.
type Logger struct {
	db *DB
}

// NewLogger wraps an opened audit DB. Passing a nil db yields a Logger
// whose methods are no-ops.
func NewLogger(db *DB) *Logger {
	return &Logger{db: db}
}

// StartBatch records the start of an upload batch and returns its ID for
// use with FinishBatch. Returns 0, nil if the logger has no backing DB.
func (l *Logger) StartBatch(ctx context.Context, startedAt time.Time) (int64, error) {
	if l == nil || l.db == nil {
		return 0, nil
	}
	result, err := l.db.ExecContext(ctx,
		`INSERT INTO upload_batches (started_at, chunks_sent, bytes_sent, aborted) VALUES (?, 0, 0, 0)`,
		startedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("audit: recording batch start: %w", err)
	}
	return result.LastInsertId()
}

// FinishBatch records the outcome of an upload batch started with
// StartBatch. batchID of 0 is a no-op, matching StartBatch's no-op return.
func (l *Logger) FinishBatch(ctx context.Context, batchID int64, endedAt time.Time, chunksSent int, bytesSent int64, aborted bool, batchErr error) error {
	if l == nil || l.db == nil || batchID == 0 {
		return nil
	}
	errMsg := ""
	if batchErr != nil {
		errMsg = batchErr.Error()
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE upload_batches SET ended_at = ?, chunks_sent = ?, bytes_sent = ?, aborted = ?, error = ? WHERE id = ?`,
		endedAt, chunksSent, bytesSent, aborted, errMsg, batchID,
	)
	if err != nil {
		return fmt.Errorf("audit: recording batch finish: %w", err)
	}
	return nil
}

// RecordAck logs an ACK_CHUNK control command.
func (l *Logger) RecordAck(ctx context.Context, ts uint32, ackedAt time.Time) error {
	if l == nil || l.db == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO chunk_acks (ts, acked_at) VALUES (?, ?)`, ts, ackedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: recording ack: %w", err)
	}
	return nil
}

// RecordDrop logs a frame the recorder rejected.
func (l *Logger) RecordDrop(ctx context.Context, droppedAt time.Time, reason string, frameSize int) error {
	if l == nil || l.db == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO frame_drops (dropped_at, reason, frame_size) VALUES (?, ?, ?)`,
		droppedAt, reason, frameSize,
	)
	if err != nil {
		return fmt.Errorf("audit: recording drop: %w", err)
	}
	return nil
}

// RecentBatches returns the most recent upload batches, newest first.
func (l *Logger) RecentBatches(ctx context.Context, limit int) ([]UploadBatch, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, started_at, ended_at, chunks_sent, bytes_sent, aborted, error
		 FROM upload_batches ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: listing batches: %w", err)
	}
	defer rows.Close()

	var batches []UploadBatch
	for rows.Next() {
		var b UploadBatch
		var errMsg sql.NullString
		if err := rows.Scan(&b.ID, &b.StartedAt, &b.EndedAt, &b.ChunksSent, &b.BytesSent, &b.Aborted, &errMsg); err != nil {
			return nil, fmt.Errorf("audit: scanning batch row: %w", err)
		}
		b.Error = errMsg.String
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterating batch rows: %w", err)
	}
	return batches, nil
}

// CountDropsSince returns the number of dropped frames recorded since t.
func (l *Logger) CountDropsSince(ctx context.Context, t time.Time) (int, error) {
	if l == nil || l.db == nil {
		return 0, nil
	}
	var count int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM frame_drops WHERE dropped_at >= ?`, t,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: counting drops: %w", err)
	}
	return count, nil
}
