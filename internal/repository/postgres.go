package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-events/internal/matcher"
	"github.com/telhawk-systems/telhawk-events/internal/models"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) SaveEvent(ctx context.Context, event *models.Event) error {
	query := `
		INSERT INTO events (id, type, data, user_id, session_id, timestamp, metadata, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		event.ID, event.Type, event.Data, nullable(event.UserID), nullable(event.SessionID),
		event.Timestamp, event.Metadata, nullable(event.CorrelationID),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetEventByID(ctx context.Context, id string) (*models.Event, error) {
	query := `
		SELECT id, type, data, user_id, session_id, timestamp, metadata, correlation_id
		FROM events
		WHERE id = $1
	`

	event := &models.Event{}
	var userID, sessionID, correlationID *string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&event.ID, &event.Type, &event.Data, &userID, &sessionID,
		&event.Timestamp, &event.Metadata, &correlationID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	event.UserID = deref(userID)
	event.SessionID = deref(sessionID)
	event.CorrelationID = deref(correlationID)
	return event, nil
}

func (r *PostgresRepository) DeleteOldEvents(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) SaveWebhook(ctx context.Context, webhook *models.Webhook) error {
	query := `
		INSERT INTO webhooks (id, user_id, config, event_types, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		webhook.ID, webhook.UserID, webhook.Config, webhook.EventTypes,
		webhook.Active, webhook.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save webhook: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetWebhookByID(ctx context.Context, id string) (*models.Webhook, error) {
	query := `
		SELECT id, user_id, config, event_types, active, created_at, updated_at
		FROM webhooks
		WHERE id = $1
	`

	webhook := &models.Webhook{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&webhook.ID, &webhook.UserID, &webhook.Config, &webhook.EventTypes,
		&webhook.Active, &webhook.CreatedAt, &webhook.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return webhook, nil
}

func (r *PostgresRepository) FindActiveWebhooksForEvent(ctx context.Context, eventType string) ([]*models.Webhook, error) {
	// Pattern matching happens in Go via the shared matcher so the
	// webhook path filters with exactly the same semantics as the live
	// stream path.
	query := `
		SELECT id, user_id, config, event_types, active, created_at, updated_at
		FROM webhooks
		WHERE active = true
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active webhooks: %w", err)
	}
	defer rows.Close()

	var matched []*models.Webhook
	for rows.Next() {
		webhook := &models.Webhook{}
		if err := rows.Scan(
			&webhook.ID, &webhook.UserID, &webhook.Config, &webhook.EventTypes,
			&webhook.Active, &webhook.CreatedAt, &webhook.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		if matcher.MatchesAny(webhook.EventTypes, eventType) {
			matched = append(matched, webhook)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhooks: %w", err)
	}
	return matched, nil
}

func (r *PostgresRepository) UpdateWebhook(ctx context.Context, webhook *models.Webhook) error {
	query := `
		UPDATE webhooks
		SET user_id = $2, config = $3, event_types = $4, active = $5, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		webhook.ID, webhook.UserID, webhook.Config, webhook.EventTypes, webhook.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

func (r *PostgresRepository) CancelPendingDeliveries(ctx context.Context, webhookID string) (int, error) {
	query := `
		UPDATE delivery_attempts
		SET status = $2, error_message = 'cancelled: webhook deactivated', next_retry_at = NULL
		WHERE webhook_id = $1 AND status = $3
	`

	tag, err := r.pool.Exec(ctx, query, webhookID, models.AttemptStatusFailed, models.AttemptStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending deliveries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) SaveAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts
			(id, webhook_id, event_id, attempt, status, http_status, response_body,
			 response_time_ms, error_message, next_retry_at, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.WebhookID, attempt.EventID, attempt.Attempt, attempt.Status,
		attempt.HTTPStatus, attempt.ResponseBody, attempt.ResponseTime,
		attempt.ErrorMessage, attempt.NextRetryAt, attempt.CreatedAt, attempt.DeliveredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAttempt
		}
		return fmt.Errorf("failed to save delivery attempt: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	query := `
		UPDATE delivery_attempts
		SET status = $2, http_status = $3, response_body = $4, response_time_ms = $5,
		    error_message = $6, next_retry_at = $7, delivered_at = $8
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.Status, attempt.HTTPStatus, attempt.ResponseBody,
		attempt.ResponseTime, attempt.ErrorMessage, attempt.NextRetryAt, attempt.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (r *PostgresRepository) GetAttemptByID(ctx context.Context, id string) (*models.DeliveryAttempt, error) {
	query := `
		SELECT id, webhook_id, event_id, attempt, status, http_status, response_body,
		       response_time_ms, error_message, next_retry_at, created_at, delivered_at
		FROM delivery_attempts
		WHERE id = $1
	`

	attempt := &models.DeliveryAttempt{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&attempt.ID, &attempt.WebhookID, &attempt.EventID, &attempt.Attempt, &attempt.Status,
		&attempt.HTTPStatus, &attempt.ResponseBody, &attempt.ResponseTime,
		&attempt.ErrorMessage, &attempt.NextRetryAt, &attempt.CreatedAt, &attempt.DeliveredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery attempt: %w", err)
	}
	return attempt, nil
}

func (r *PostgresRepository) CountAttempts(ctx context.Context, webhookID, eventID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM delivery_attempts WHERE webhook_id = $1 AND event_id = $2`,
		webhookID, eventID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count delivery attempts: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) HasPendingAttempt(ctx context.Context, webhookID, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM delivery_attempts
			WHERE webhook_id = $1 AND event_id = $2 AND status = $3
		)`,
		webhookID, eventID, models.AttemptStatusPending,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending attempt: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) FindPendingRetries(ctx context.Context, now time.Time, limit int) ([]*models.DeliveryAttempt, error) {
	query := `
		SELECT id, webhook_id, event_id, attempt, status, http_status, response_body,
		       response_time_ms, error_message, next_retry_at, created_at, delivered_at
		FROM delivery_attempts
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at ASC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, models.AttemptStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending retries: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func (r *PostgresRepository) ListAttempts(ctx context.Context, webhookID, eventID string) ([]*models.DeliveryAttempt, error) {
	query := `
		SELECT id, webhook_id, event_id, attempt, status, http_status, response_body,
		       response_time_ms, error_message, next_retry_at, created_at, delivered_at
		FROM delivery_attempts
		WHERE webhook_id = $1 AND event_id = $2
		ORDER BY attempt ASC
	`

	rows, err := r.pool.Query(ctx, query, webhookID, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func (r *PostgresRepository) AddDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	query := `
		INSERT INTO dead_letters
			(id, webhook_id, event_id, attempt, status, error_message, created_at, added_to_dlq_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.WebhookID, entry.EventID, entry.Attempt, entry.Status,
		nullable(entry.ErrorMessage), entry.CreatedAt, entry.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetterEntry, error) {
	query := `
		SELECT id, webhook_id, event_id, attempt, status, error_message, created_at, added_to_dlq_at
		FROM dead_letters
		ORDER BY added_to_dlq_at ASC
		LIMIT $1
	`

	// A NULL limit means no limit in Postgres.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx, query, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*models.DeadLetterEntry
	for rows.Next() {
		entry := &models.DeadLetterEntry{}
		var errorMessage *string
		if err := rows.Scan(
			&entry.ID, &entry.WebhookID, &entry.EventID, &entry.Attempt,
			&entry.Status, &errorMessage, &entry.CreatedAt, &entry.AddedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		entry.ErrorMessage = deref(errorMessage)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	return entries, nil
}

func (r *PostgresRepository) GetDeadLetterByID(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	query := `
		SELECT id, webhook_id, event_id, attempt, status, error_message, created_at, added_to_dlq_at
		FROM dead_letters
		WHERE id = $1
	`

	entry := &models.DeadLetterEntry{}
	var errorMessage *string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&entry.ID, &entry.WebhookID, &entry.EventID, &entry.Attempt,
		&entry.Status, &errorMessage, &entry.CreatedAt, &entry.AddedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	entry.ErrorMessage = deref(errorMessage)
	return entry, nil
}

func (r *PostgresRepository) RemoveDeadLetter(ctx context.Context, id string) error {
	// Deleting a nonexistent entry is a no-op by contract.
	_, err := r.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveDeadLettersOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM dead_letters WHERE added_to_dlq_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to remove old dead letters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) OldestDeadLetter(ctx context.Context) (*time.Time, error) {
	var oldest *time.Time
	err := r.pool.QueryRow(ctx, `SELECT MIN(added_to_dlq_at) FROM dead_letters`).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to get oldest dead letter: %w", err)
	}
	return oldest, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanAttempts(rows pgx.Rows) ([]*models.DeliveryAttempt, error) {
	var attempts []*models.DeliveryAttempt
	for rows.Next() {
		attempt := &models.DeliveryAttempt{}
		if err := rows.Scan(
			&attempt.ID, &attempt.WebhookID, &attempt.EventID, &attempt.Attempt, &attempt.Status,
			&attempt.HTTPStatus, &attempt.ResponseBody, &attempt.ResponseTime,
			&attempt.ErrorMessage, &attempt.NextRetryAt, &attempt.CreatedAt, &attempt.DeliveredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery attempts: %w", err)
	}
	return attempts, nil
}

func isUniqueViolation(err error) bool {
	// 23505 = unique_violation
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
