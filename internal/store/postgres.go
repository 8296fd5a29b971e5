package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaybroker/relay/internal/domain"
	"github.com/relaybroker/relay/internal/router"
)

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool, pings it, and provisions the schema if
// absent.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			endpoint TEXT NOT NULL,
			rps INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_heartbeat TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS queues (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			pattern TEXT NOT NULL,
			worker_id TEXT NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
			max_retries INTEGER NOT NULL DEFAULT 5,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			routing_key TEXT NOT NULL,
			body JSONB NOT NULL,
			headers JSONB,
			visible_at TIMESTAMPTZ NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		// Unified deliveries table: one row per (queue, message) fanout
		// target, discriminated by queue_id rather than a dynamic
		// per-queue table. The partial index covers the pending half of
		// the lease-acquisition predicate (unlocked, unacknowledged rows
		// for one queue, by enqueued_at); rows whose lease has expired
		// (locked = TRUE) fall outside it.
		`CREATE TABLE IF NOT EXISTS deliveries (
			id BIGSERIAL PRIMARY KEY,
			queue_id TEXT NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			routing_key TEXT NOT NULL,
			body JSONB NOT NULL,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			retries INTEGER NOT NULL DEFAULT 0,
			locked BOOLEAN NOT NULL DEFAULT FALSE,
			last_error TEXT,
			enqueued_at TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			locked_until TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_pending
			ON deliveries (queue_id, enqueued_at)
			WHERE locked = FALSE AND acknowledged = FALSE`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_queue ON deliveries(queue_id)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id BIGSERIAL PRIMARY KEY,
			queue_id TEXT NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
			message_id TEXT NOT NULL,
			routing_key TEXT NOT NULL,
			body JSONB NOT NULL,
			retries INTEGER NOT NULL,
			last_error TEXT,
			enqueued_at TIMESTAMPTZ NOT NULL,
			dead_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_queue ON dead_letters(queue_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- workers ---

func (s *PostgresStore) CreateWorker(ctx context.Context, w *domain.Worker) error {
	if err := ValidateName(w.Name); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, name, endpoint, rps, created_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, w.ID, w.Name, w.Endpoint, w.RPS, w.CreatedAt, w.LastHeartbeat)
	if err != nil {
		if isPGUniqueViolation(err) {
			return fmt.Errorf("worker already exists: %s", w.Name)
		}
		return fmt.Errorf("create worker: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	var w domain.Worker
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, endpoint, rps, created_at, last_heartbeat
		FROM workers WHERE id = $1
	`, id).Scan(&w.ID, &w.Name, &w.Endpoint, &w.RPS, &w.CreatedAt, &w.LastHeartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, endpoint, rps, created_at, last_heartbeat
		FROM workers ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Worker, 0)
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.Name, &w.Endpoint, &w.RPS, &w.CreatedAt, &w.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteWorker(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `UPDATE workers SET last_heartbeat = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("heartbeat worker: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return nil
}

// --- queues ---

func (s *PostgresStore) CreateQueue(ctx context.Context, q *domain.Queue) error {
	if err := ValidateName(q.Name); err != nil {
		return err
	}
	if q.MaxRetries <= 0 {
		q.MaxRetries = domain.DefaultMaxRetries
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (id, name, pattern, worker_id, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, q.ID, q.Name, q.Pattern, q.WorkerID, q.MaxRetries, q.CreatedAt)
	if err != nil {
		if isPGUniqueViolation(err) {
			return fmt.Errorf("queue already exists: %s", q.Name)
		}
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetQueue(ctx context.Context, id string) (*domain.Queue, error) {
	var q domain.Queue
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, pattern, worker_id, max_retries, created_at
		FROM queues WHERE id = $1
	`, id).Scan(&q.ID, &q.Name, &q.Pattern, &q.WorkerID, &q.MaxRetries, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) GetQueueByName(ctx context.Context, name string) (*domain.Queue, error) {
	var q domain.Queue
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, pattern, worker_id, max_retries, created_at
		FROM queues WHERE name = $1
	`, name).Scan(&q.ID, &q.Name, &q.Pattern, &q.WorkerID, &q.MaxRetries, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue by name: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) ListQueues(ctx context.Context) ([]domain.Queue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, pattern, worker_id, max_retries, created_at
		FROM queues ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Queue, 0)
	for rows.Next() {
		var q domain.Queue
		if err := rows.Scan(&q.ID, &q.Name, &q.Pattern, &q.WorkerID, &q.MaxRetries, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteQueue(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM queues WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, id)
	}
	return nil
}

// --- publish ---

// Publish inserts msg and fans it out to every queue whose binding pattern
// matches, within one transaction, mirroring the teacher's PublishEvent:
// look up targets, insert the message, insert one delivery row per target,
// commit once. FanoutTargets itself stays a pure function; only the
// transaction boundary lives here.
func (s *PostgresStore) Publish(ctx context.Context, msg *domain.Message) ([]string, error) {
	if len(msg.Body) == 0 {
		msg.Body = []byte(`{}`)
	}
	if len(msg.Headers) == 0 {
		msg.Headers = []byte(`{}`)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin publish tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, routing_key, body, headers, visible_at, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.RoutingKey, msg.Body, msg.Headers, msg.VisibleAt, msg.OccurredAt); err != nil {
		if isPGUniqueViolation(err) {
			return nil, fmt.Errorf("message already exists: %s", msg.ID)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT id, name, pattern, worker_id, max_retries, created_at FROM queues`)
	if err != nil {
		return nil, fmt.Errorf("list queues for publish: %w", err)
	}
	var queues []domain.Queue
	for rows.Next() {
		var q domain.Queue
		if err := rows.Scan(&q.ID, &q.Name, &q.Pattern, &q.WorkerID, &q.MaxRetries, &q.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue for publish: %w", err)
		}
		queues = append(queues, q)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate queues for publish: %w", err)
	}
	rows.Close()

	targets := router.FanoutTargets(msg.RoutingKey, queues)
	queueIDs := make([]string, 0, len(targets))
	for _, q := range targets {
		if _, err := tx.Exec(ctx, `
			INSERT INTO deliveries (queue_id, message_id, routing_key, body, enqueued_at)
			VALUES ($1, $2, $3, $4, $5)
		`, q.ID, msg.ID, msg.RoutingKey, msg.Body, msg.VisibleAt); err != nil {
			return nil, fmt.Errorf("insert delivery: %w", err)
		}
		queueIDs = append(queueIDs, q.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit publish: %w", err)
	}
	return queueIDs, nil
}

// --- lease / resolve ---

// LeaseDeliveries atomically claims due deliveries for one queue: rows
// still pending whose visibility has arrived, and rows abandoned by a
// dispatcher that died mid-lease (locked_until in the past). Both classes
// are recovered by the same WHERE clause, mirroring AcquireDueEventDelivery
// rather than running a separate sweep pass first.
func (s *PostgresStore) LeaseDeliveries(ctx context.Context, queueID string, limit int, leaseUntil time.Time) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	rows, err := s.pool.Query(ctx, `
		WITH candidate AS (
			SELECT id
			FROM deliveries
			WHERE queue_id = $1
			  AND acknowledged = FALSE
			  AND (
				(locked = FALSE AND enqueued_at <= $2)
				OR (locked = TRUE AND locked_until < $2)
			  )
			ORDER BY enqueued_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		), updated AS (
			UPDATE deliveries d
			SET locked = TRUE, locked_until = $4
			FROM candidate c
			WHERE d.id = c.id
			RETURNING d.id
		)
		SELECT d.id, d.queue_id, d.message_id, d.routing_key, d.body, d.acknowledged,
		       d.retries, d.locked, d.last_error, d.enqueued_at, d.acknowledged_at, d.locked_until
		FROM deliveries d
		JOIN updated u ON u.id = d.id
	`, queueID, now, limit, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("lease deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Delivery, 0, limit)
	for rows.Next() {
		var d domain.Delivery
		var lastError *string
		if err := rows.Scan(&d.ID, &d.QueueID, &d.MessageID, &d.RoutingKey, &d.Body, &d.Acknowledged,
			&d.Retries, &d.Locked, &lastError, &d.EnqueuedAt, &d.AcknowledgedAt, &d.LockedUntil); err != nil {
			return nil, fmt.Errorf("scan leased delivery: %w", err)
		}
		if lastError != nil {
			d.LastError = *lastError
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ack(ctx context.Context, deliveryID int64) error {
	now := time.Now().UTC()
	ct, err := s.pool.Exec(ctx, `
		UPDATE deliveries SET
			acknowledged = TRUE,
			locked = FALSE,
			locked_until = NULL,
			acknowledged_at = $2
		WHERE id = $1
	`, deliveryID, now)
	if err != nil {
		return fmt.Errorf("ack delivery: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrDeliveryNotFound, deliveryID)
	}
	return nil
}

// Retry unlocks a delivery, bumps its retry count, and makes it immediately
// visible again without touching enqueued_at: a retried row keeps its
// original position relative to fresh arrivals rather than jumping to the
// back of the queue. Callers are responsible for checking the owning
// queue's max_retries before calling Retry versus MoveToDeadLetter.
func (s *PostgresStore) Retry(ctx context.Context, deliveryID int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE deliveries SET
			locked = FALSE,
			locked_until = NULL,
			retries = retries + 1
		WHERE id = $1
	`, deliveryID)
	if err != nil {
		return fmt.Errorf("retry delivery: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrDeliveryNotFound, deliveryID)
	}
	return nil
}

func (s *PostgresStore) MoveToDeadLetter(ctx context.Context, deliveryID int64, lastError string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin dead-letter tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var d domain.Delivery
	err = tx.QueryRow(ctx, `
		DELETE FROM deliveries
		WHERE id = $1
		RETURNING queue_id, message_id, routing_key, body, retries, enqueued_at
	`, deliveryID).Scan(&d.QueueID, &d.MessageID, &d.RoutingKey, &d.Body, &d.Retries, &d.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrDeliveryNotFound, deliveryID)
	}
	if err != nil {
		return fmt.Errorf("delete delivery for dead-letter: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO dead_letters (queue_id, message_id, routing_key, body, retries, last_error, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.QueueID, d.MessageID, d.RoutingKey, d.Body, d.Retries, nullIfEmpty(lastError), d.EnqueuedAt); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit dead-letter tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, queueID string, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue_id, message_id, routing_key, body, acknowledged,
		       retries, locked, last_error, enqueued_at, acknowledged_at, locked_until
		FROM deliveries
		WHERE queue_id = $1 AND acknowledged = FALSE
		ORDER BY enqueued_at DESC
		LIMIT $2
	`, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Delivery, 0, limit)
	for rows.Next() {
		var d domain.Delivery
		var lastError *string
		if err := rows.Scan(&d.ID, &d.QueueID, &d.MessageID, &d.RoutingKey, &d.Body, &d.Acknowledged,
			&d.Retries, &d.Locked, &lastError, &d.EnqueuedAt, &d.AcknowledgedAt, &d.LockedUntil); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if lastError != nil {
			d.LastError = *lastError
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, queueID string, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue_id, message_id, routing_key, body, retries, last_error, enqueued_at, dead_at
		FROM dead_letters
		WHERE queue_id = $1
		ORDER BY dead_at DESC
		LIMIT $2
	`, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	out := make([]domain.DeadLetter, 0, limit)
	for rows.Next() {
		var d domain.DeadLetter
		var lastError *string
		if err := rows.Scan(&d.ID, &d.QueueID, &d.MessageID, &d.RoutingKey, &d.Body, &d.Retries, &lastError, &d.EnqueuedAt, &d.DeadAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if lastError != nil {
			d.LastError = *lastError
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
