package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects a pooled postgres client.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("postgres store connected", zap.Int32("max_conns", poolConfig.MaxConns))

	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) LoadCustomers(ctx context.Context) ([]*Customer, error) {
	query := `
		SELECT id, name, phone_address, service_name, plan_name,
		       expiry_date, status, last_reminder_for, suspension_reason,
		       created_at, updated_at
		FROM customers
		ORDER BY created_at
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(
			&c.ID, &c.Name, &c.PhoneAddress, &c.ServiceName, &c.PlanName,
			&c.ExpiryDate, &c.Status, &c.LastReminderFor, &c.SuspensionReason,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		customers = append(customers, &c)
	}

	return customers, rows.Err()
}

// SaveCustomers replaces the whole collection in one transaction,
// matching the store contract's load/replace semantics.
func (s *PostgresStore) SaveCustomers(ctx context.Context, customers []*Customer) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM customers`); err != nil {
		return fmt.Errorf("clear customers: %w", err)
	}

	for _, c := range customers {
		if err := upsertCustomerTx(ctx, tx, c); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetCustomer(ctx context.Context, id uuid.UUID) (*Customer, error) {
	query := `
		SELECT id, name, phone_address, service_name, plan_name,
		       expiry_date, status, last_reminder_for, suspension_reason,
		       created_at, updated_at
		FROM customers
		WHERE id = $1
	`

	var c Customer
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.PhoneAddress, &c.ServiceName, &c.PlanName,
		&c.ExpiryDate, &c.Status, &c.LastReminderFor, &c.SuspensionReason,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query customer: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) UpsertCustomer(ctx context.Context, c *Customer) error {
	c.UpdatedAt = time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	return upsertCustomer(ctx, s.pool, c)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, rec *MessageRecord) error {
	query := `
		INSERT INTO messages (id, target, kind, body, sent, error, latency_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Target, rec.Kind, rec.Body, rec.Sent, rec.Error,
		rec.Latency.Nanoseconds(), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, target, kind, body, sent, error, latency_ns, created_at
		FROM messages
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var records []*MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var latencyNs int64
		if err := rows.Scan(
			&rec.ID, &rec.Target, &rec.Kind, &rec.Body, &rec.Sent,
			&rec.Error, &latencyNs, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.Latency = time.Duration(latencyNs)
		records = append(records, &rec)
	}

	return records, rows.Err()
}

func (s *PostgresStore) Close() {
	s.logger.Info("closing postgres store")
	s.pool.Close()
}

const upsertCustomerSQL = `
	INSERT INTO customers (
		id, name, phone_address, service_name, plan_name,
		expiry_date, status, last_reminder_for, suspension_reason,
		created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		phone_address = EXCLUDED.phone_address,
		service_name = EXCLUDED.service_name,
		plan_name = EXCLUDED.plan_name,
		expiry_date = EXCLUDED.expiry_date,
		status = EXCLUDED.status,
		last_reminder_for = EXCLUDED.last_reminder_for,
		suspension_reason = EXCLUDED.suspension_reason,
		updated_at = EXCLUDED.updated_at
`

func upsertCustomer(ctx context.Context, pool *pgxpool.Pool, c *Customer) error {
	_, err := pool.Exec(ctx, upsertCustomerSQL,
		c.ID, c.Name, c.PhoneAddress, c.ServiceName, c.PlanName,
		c.ExpiryDate, c.Status, c.LastReminderFor, c.SuspensionReason,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

func upsertCustomerTx(ctx context.Context, tx pgx.Tx, c *Customer) error {
	_, err := tx.Exec(ctx, upsertCustomerSQL,
		c.ID, c.Name, c.PhoneAddress, c.ServiceName, c.PlanName,
		c.ExpiryDate, c.Status, c.LastReminderFor, c.SuspensionReason,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}
