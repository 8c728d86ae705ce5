package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/Sylva/internal/codec"
	"github.com/soaringjerry/Sylva/internal/services"
)

// SQLiteQueue stores messages in the work_queue table of the main database.
type SQLiteQueue struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

func NewSQLiteQueue(db *sql.DB, lease time.Duration) *SQLiteQueue {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &SQLiteQueue{db: db, lease: lease, now: func() time.Time { return time.Now().UTC() }}
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, taskID string) error {
	now := q.now()
	payload, err := codec.Marshal(Message{TaskID: taskID, EnqueuedAt: now})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `INSERT INTO work_queue (task_id, payload, attempts, visible_at, enqueued_at) VALUES (?, ?, 0, ?, ?)`,
		taskID, payload, now.UnixNano(), now.UnixNano())
	return err
}

// Claim leases the oldest visible message. The lease hides it from other
// claimers until it expires or the message is acked or nacked.
func (q *SQLiteQueue) Claim(ctx context.Context) (*services.Delivery, error) {
	now := q.now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	var attempts int
	var payload []byte
	err = tx.QueryRowContext(ctx, `SELECT id, payload, attempts FROM work_queue WHERE visible_at <= ? ORDER BY visible_at, id LIMIT 1`,
		now.UnixNano()).Scan(&id, &payload, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_queue SET attempts = attempts + 1, visible_at = ?, lease_token = ? WHERE id = ? AND visible_at <= ?`,
		now.Add(q.lease).UnixNano(), uuid.NewString(), id, now.UnixNano())
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	var msg Message
	if err := codec.Unmarshal(payload, &msg); err != nil {
		// Unreadable payloads would be redelivered forever.
		logger().WithError(err).WithField("id", id).Error("dropping undecodable queue message")
		_, _ = q.db.ExecContext(ctx, `DELETE FROM work_queue WHERE id = ?`, id)
		return nil, fmt.Errorf("decode message %d: %w", id, err)
	}
	return &services.Delivery{ID: id, TaskID: msg.TaskID, Attempt: attempts + 1, EnqueuedAt: msg.EnqueuedAt}, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, d *services.Delivery) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM work_queue WHERE id = ?`, d.ID)
	return err
}

func (q *SQLiteQueue) Nack(ctx context.Context, d *services.Delivery) error {
	_, err := q.db.ExecContext(ctx, `UPDATE work_queue SET visible_at = ?, lease_token = NULL WHERE id = ?`, q.now().UnixNano(), d.ID)
	return err
}

func (q *SQLiteQueue) Remove(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM work_queue WHERE task_id = ?`, taskID)
	return err
}

// Len counts messages, leased or not.
func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM work_queue`).Scan(&n)
	return n, err
}
