package repo

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/automessage-pipeline/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATE codes
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect opens a pool and verifies the connection.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MaxConnIdleTime = 10 * time.Minute
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (r *PostgresStore) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schemaSQL)
	return err
}

func (r *PostgresStore) ListActive(ctx context.Context) ([]model.Account, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, display_name, is_active
		FROM accounts
		WHERE is_active
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Active); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const conversationColumns = `
	id, participants, pair_key, is_active, COALESCE(last_message_id, ''),
	last_message_time, total_messages, created_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	if err := row.Scan(
		&c.ID,
		&c.Participants,
		&c.PairKey,
		&c.IsActive,
		&c.LastMessageID,
		&c.LastMessageTime,
		&c.TotalMessages,
		&c.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *PostgresStore) FindOrCreateDirect(ctx context.Context, a, b string) (*model.Conversation, error) {
	conv, err := model.NewDirectConversation(a, b, time.Now())
	if err != nil {
		return nil, err
	}

	// The partial unique index on pair_key makes concurrent creators converge.
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO conversations (id, participants, pair_key, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $4)
		ON CONFLICT (pair_key) WHERE is_active DO NOTHING
	`, conv.ID, conv.Participants, conv.PairKey, conv.CreatedAt); err != nil {
		return nil, err
	}

	return scanConversation(r.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE pair_key = $1 AND is_active
	`, conv.PairKey))
}

func (r *PostgresStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return scanConversation(r.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1
	`, id))
}

// DeliverScheduled runs the three delivery writes in one transaction so a
// redelivery after a failure never finds half a delivery.
func (r *PostgresStore) DeliverScheduled(ctx context.Context, rec *model.ScheduledMessage, msg *model.Message, from model.Status) error {
	readBy, err := json.Marshal(msg.ReadBy)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, message_type, status, read_by, scheduled_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, NULLIF($8, ''), $9)
	`,
		msg.ID,
		msg.ConversationID,
		msg.Sender,
		msg.Text,
		string(msg.Type),
		string(msg.Status),
		string(readBy),
		msg.ScheduledMessageID,
		msg.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case uniqueViolation:
				return fmt.Errorf("message for %s: %w", msg.ScheduledMessageID, ErrConflict)
			case foreignKeyViolation:
				return fmt.Errorf("conversation %s: %w", msg.ConversationID, model.ErrNotFound)
			}
		}
		return fmt.Errorf("insert message: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE conversations
		SET last_message_id = $2,
		    last_message_time = $3,
		    total_messages = total_messages + 1,
		    updated_at = now()
		WHERE id = $1
	`, msg.ConversationID, msg.ID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, model.ErrNotFound)
	}

	tag, err = tx.Exec(ctx, saveScheduledSQL, saveScheduledArgs(rec, from)...)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return r.missingOrConflict(ctx, rec.ID)
	}
	return tx.Commit(ctx)
}

const scheduledColumns = `
	id, sender_id, receiver_id, conversation_id, text, template,
	scheduled_at, send_at, status, queued_at, sent_at,
	COALESCE(resulting_message_id, ''), COALESCE(resulting_conversation_id, ''),
	COALESCE(error_message, ''), COALESCE(error_code, ''), error_timestamp,
	error_retry_count, error_max_retries,
	COALESCE(batch_id, ''), priority, category, generated_by`

func scanScheduled(row pgx.Row) (model.ScheduledMessage, error) {
	var m model.ScheduledMessage
	var status, template, category, origin string
	err := row.Scan(
		&m.ID,
		&m.Sender,
		&m.Receiver,
		&m.ConversationID,
		&m.Text,
		&template,
		&m.ScheduledAt,
		&m.SendAt,
		&status,
		&m.QueuedAt,
		&m.SentAt,
		&m.ResultingMessageID,
		&m.ResultingConversationID,
		&m.Error.Message,
		&m.Error.Code,
		&m.Error.Timestamp,
		&m.Error.RetryCount,
		&m.Error.MaxRetries,
		&m.BatchID,
		&m.Priority,
		&category,
		&origin,
	)
	m.Status = model.Status(status)
	m.Template = model.Template(template)
	m.Category = model.Category(category)
	m.GeneratedBy = model.Origin(origin)
	return m, err
}

func collectScheduled(rows pgx.Rows) ([]model.ScheduledMessage, error) {
	defer rows.Close()

	var out []model.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresStore) InsertBatch(ctx context.Context, recs []*model.ScheduledMessage) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, m := range recs {
		batch.Queue(`
			INSERT INTO scheduled_messages (
				id, sender_id, receiver_id, conversation_id, text, template,
				scheduled_at, send_at, status, error_retry_count, error_max_retries,
				batch_id, priority, category, generated_by
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $14, $15)
		`,
			m.ID, m.Sender, m.Receiver, m.ConversationID, m.Text, string(m.Template),
			m.ScheduledAt, m.SendAt, string(m.Status), m.Error.RetryCount, m.Error.MaxRetries,
			m.BatchID, m.Priority, string(m.Category), string(m.GeneratedBy),
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert scheduled batch: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresStore) Get(ctx context.Context, id string) (*model.ScheduledMessage, error) {
	m, err := scanScheduled(r.pool.QueryRow(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

const saveScheduledSQL = `
	UPDATE scheduled_messages
	SET status = $3,
	    send_at = $4,
	    queued_at = $5,
	    sent_at = $6,
	    resulting_message_id = NULLIF($7, ''),
	    resulting_conversation_id = NULLIF($8, ''),
	    error_message = NULLIF($9, ''),
	    error_code = NULLIF($10, ''),
	    error_timestamp = $11,
	    error_retry_count = $12,
	    claimed_until = NULL,
	    updated_at = now()
	WHERE id = $1 AND status = $2`

func saveScheduledArgs(m *model.ScheduledMessage, from model.Status) []any {
	return []any{
		m.ID, string(from), string(m.Status), m.SendAt, m.QueuedAt, m.SentAt,
		m.ResultingMessageID, m.ResultingConversationID,
		m.Error.Message, m.Error.Code, m.Error.Timestamp, m.Error.RetryCount,
	}
}

func (r *PostgresStore) Save(ctx context.Context, m *model.ScheduledMessage, from model.Status) error {
	tag, err := r.pool.Exec(ctx, saveScheduledSQL, saveScheduledArgs(m, from)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, m.ID)
	}
	return nil
}

func (r *PostgresStore) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM scheduled_messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return model.ErrNotFound
	}
	return ErrConflict
}

func (r *PostgresStore) List(ctx context.Context, status model.Status, limit, offset int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	return collectScheduled(rows)
}

func (r *PostgresStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM scheduled_messages
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.Status]int, len(model.Statuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}

func (r *PostgresStore) FindReady(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages
		WHERE send_at <= $1
		  AND NOT is_queued
		  AND NOT is_sent
		  AND status = 'scheduled'
		  AND (claimed_until IS NULL OR claimed_until < $1)
		ORDER BY send_at ASC, priority DESC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectScheduled(rows)
}

func (r *PostgresStore) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET claimed_until = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'scheduled'
		  AND (claimed_until IS NULL OR claimed_until < $3)
	`, id, now.Add(lease), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresStore) MarkQueued(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET status = 'queued',
		    queued_at = $2,
		    claimed_until = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'scheduled'
	`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresStore) RecordPublishFailure(ctx context.Context, id, reason string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET error_message = $2,
		    error_code = 'publish_failed',
		    error_timestamp = $3,
		    error_retry_count = LEAST(error_retry_count + 1, error_max_retries),
		    claimed_until = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id, reason, now)
	return err
}
