package syncqueue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"polysync/pkg/model"
)

// SQLiteQueue is the durable queue backend. Items survive a process
// restart; any lease held at crash time is released on reopen so the
// worker picks the item up again.
type SQLiteQueue struct {
	mu     sync.Mutex
	db     *sql.DB
	wakeup chan struct{}
	closed bool
	now    func() time.Time
}

// OpenSQLiteQueue opens (creating if needed) the queue database at path.
func OpenSQLiteQueue(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// The write path is serialized by q.mu; a single connection keeps
	// sqlite from ever returning SQLITE_BUSY to ourselves.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("queue db pragma: %w", err)
		}
	}

	q := &SQLiteQueue{
		db:     db,
		wakeup: make(chan struct{}, 1),
		now:    time.Now,
	}
	if err := q.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := q.releaseLeases(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS sync_items (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    entity_type     TEXT NOT NULL,
    entity_id       TEXT NOT NULL,
    entity_key      TEXT NOT NULL,
    operation       TEXT NOT NULL,
    payload         BLOB,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    last_attempt_at INTEGER,
    last_error      TEXT NOT NULL DEFAULT '',
    next_attempt_at INTEGER NOT NULL,
    state           TEXT NOT NULL DEFAULT 'active'
);

CREATE INDEX IF NOT EXISTS idx_sync_items_entity ON sync_items(entity_key, seq);
CREATE INDEX IF NOT EXISTS idx_sync_items_state ON sync_items(state);
`
	_, err := q.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("queue db schema: %w", err)
	}
	return nil
}

// releaseLeases returns items leased by a previous process to the
// active set. Run once at open, before any worker can dequeue.
func (q *SQLiteQueue) releaseLeases() error {
	_, err := q.db.Exec(`UPDATE sync_items SET state = 'active' WHERE state = 'leased'`)
	if err != nil {
		return fmt.Errorf("queue db release leases: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, item *Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return model.ErrQueueClosed
	}

	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = q.now()
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_items (
			id, entity_type, entity_id, entity_key,
			operation, payload, next_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.EntityType, item.EntityID, item.EntityKey(),
		string(item.Operation), item.Payload, item.NextAttemptAt.UnixMilli(),
	)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("enqueue: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("enqueue: %w", err)
	}
	item.EnqueuedAt = seq
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
	return nil
}

func (q *SQLiteQueue) DequeueBatch(ctx context.Context, max int) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, model.ErrQueueClosed
	}
	if max <= 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Candidates are entity heads: per entity, the oldest non-dead item.
	// An entity with any leased item is excluded outright, so at most
	// one item per entity is ever in flight.
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, id, entity_type, entity_id, operation, payload,
		       retry_count, last_attempt_at, last_error, next_attempt_at
		FROM sync_items i
		WHERE i.state = 'active'
		  AND i.next_attempt_at <= ?
		  AND i.seq = (
		      SELECT MIN(j.seq) FROM sync_items j
		      WHERE j.entity_key = i.entity_key AND j.state != 'dead'
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM sync_items k
		      WHERE k.entity_key = i.entity_key AND k.state = 'leased'
		  )
		ORDER BY i.next_attempt_at, i.seq
		LIMIT ?
	`, q.now().UnixMilli(), max)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	batch, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	for _, item := range batch {
		if _, err := tx.ExecContext(ctx, `UPDATE sync_items SET state = 'leased' WHERE id = ?`, item.ID); err != nil {
			return nil, fmt.Errorf("dequeue lease: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return batch, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return model.ErrQueueClosed
	}

	res, err := q.db.ExecContext(ctx, `DELETE FROM sync_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return checkAffected(res, "ack", id)
}

func (q *SQLiteQueue) Fail(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return model.ErrQueueClosed
	}

	var (
		res sql.Result
		err error
	)
	if cause != nil {
		res, err = q.db.ExecContext(ctx, `
			UPDATE sync_items
			SET state = 'active',
			    retry_count = retry_count + 1,
			    last_attempt_at = ?,
			    last_error = ?,
			    next_attempt_at = ?
			WHERE id = ?
		`, q.now().UnixMilli(), cause.Error(), nextAttemptAt.UnixMilli(), id)
	} else {
		res, err = q.db.ExecContext(ctx, `
			UPDATE sync_items
			SET state = 'active', next_attempt_at = ?
			WHERE id = ?
		`, nextAttemptAt.UnixMilli(), id)
	}
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	return checkAffected(res, "fail", id)
}

func (q *SQLiteQueue) DeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return model.ErrQueueClosed
	}

	res, err := q.db.ExecContext(ctx, `UPDATE sync_items SET state = 'dead' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	return checkAffected(res, "dead-letter", id)
}

func (q *SQLiteQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return model.ErrQueueClosed
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_items
		SET state = 'active',
		    retry_count = 0,
		    last_error = '',
		    next_attempt_at = ?
		WHERE id = ? AND state = 'dead'
	`, q.now().UnixMilli(), id)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("requeue: %w", err)
	}
	if err := checkAffected(res, "requeue", id); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
	return nil
}

func (q *SQLiteQueue) DeadLetters(ctx context.Context) ([]*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, model.ErrQueueClosed
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, id, entity_type, entity_id, operation, payload,
		       retry_count, last_attempt_at, last_error, next_attempt_at
		FROM sync_items
		WHERE state = 'dead'
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	return items, nil
}

func (q *SQLiteQueue) Depth(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Stats{}, model.ErrQueueClosed
	}

	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sync_items GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("depth: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, fmt.Errorf("depth: %w", err)
		}
		switch state {
		case "active":
			stats.Active = n
		case "leased":
			stats.Leased = n
		case "dead":
			stats.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("depth: %w", err)
	}
	return stats, nil
}

func (q *SQLiteQueue) Wakeup() <-chan struct{} {
	return q.wakeup
}

func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var (
			item          Item
			op            string
			lastAttemptAt sql.NullInt64
			nextAttemptAt int64
		)
		err := rows.Scan(
			&item.EnqueuedAt, &item.ID, &item.EntityType, &item.EntityID,
			&op, &item.Payload, &item.RetryCount, &lastAttemptAt,
			&item.LastError, &nextAttemptAt,
		)
		if err != nil {
			return nil, err
		}
		item.Operation = model.Operation(op)
		if lastAttemptAt.Valid {
			t := time.UnixMilli(lastAttemptAt.Int64)
			item.LastAttemptAt = &t
		}
		item.NextAttemptAt = time.UnixMilli(nextAttemptAt)
		items = append(items, &item)
	}
	return items, rows.Err()
}

func checkAffected(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w: %s", op, model.ErrItemNotFound, id)
	}
	return nil
}
