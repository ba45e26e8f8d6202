package audit

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRunsMigrations(t *testing.T) {
	db := newTestDB(t)

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("querying schema_migrations: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 applied migrations, got %d", count)
	}
}

func TestLoggerStartAndFinishBatch(t *testing.T) {
	db := newTestDB(t)
	logger := NewLogger(db)
	ctx := context.Background()

	start := time.Now()
	id, err := logger.StartBatch(ctx, start)
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero batch id")
	}

	end := start.Add(2 * time.Second)
	if err := logger.FinishBatch(ctx, id, end, 5, 1024, false, nil); err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}

	batches, err := logger.RecentBatches(ctx, 10)
	if err != nil {
		t.Fatalf("RecentBatches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if batches[0].ChunksSent != 5 || batches[0].BytesSent != 1024 {
		t.Errorf("unexpected batch contents: %+v", batches[0])
	}
	if batches[0].Aborted {
		t.Error("expected aborted=false")
	}
}

func TestLoggerRecordAckAndDrop(t *testing.T) {
	db := newTestDB(t)
	logger := NewLogger(db)
	ctx := context.Background()

	if err := logger.RecordAck(ctx, 12345, time.Now()); err != nil {
		t.Fatalf("RecordAck: %v", err)
	}
	if err := logger.RecordDrop(ctx, time.Now(), "oversize", 99999); err != nil {
		t.Fatalf("RecordDrop: %v", err)
	}
	if err := logger.RecordDrop(ctx, time.Now(), "empty", 0); err != nil {
		t.Fatalf("RecordDrop: %v", err)
	}

	count, err := logger.CountDropsSince(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountDropsSince: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 drops, got %d", count)
	}
}

func TestNilLoggerIsNoOp(t *testing.T) {
	var logger *Logger
	ctx := context.Background()

	id, err := logger.StartBatch(ctx, time.Now())
	if err != nil || id != 0 {
		t.Fatalf("expected no-op StartBatch, got id=%d err=%v", id, err)
	}
	if err := logger.FinishBatch(ctx, 0, time.Now(), 0, 0, false, nil); err != nil {
		t.Fatalf("expected no-op FinishBatch, got %v", err)
	}
	if err := logger.RecordAck(ctx, 1, time.Now()); err != nil {
		t.Fatalf("expected no-op RecordAck, got %v", err)
	}
	if err := logger.RecordDrop(ctx, time.Now(), "x", 1); err != nil {
		t.Fatalf("expected no-op RecordDrop, got %v", err)
	}
	batches, err := logger.RecentBatches(ctx, 10)
	if err != nil || batches != nil {
		t.Fatalf("expected no-op RecentBatches, got %v, %v", batches, err)
	}
}

func TestLoggerWithNilDBIsNoOp(t *testing.T) {
	logger := NewLogger(nil)
	ctx := context.Background()

	if _, err := logger.StartBatch(ctx, time.Now()); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
