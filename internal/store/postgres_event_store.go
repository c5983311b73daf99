package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/kvring/internal/model"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS membership_events (
	event_id    TEXT PRIMARY KEY,
	operation   TEXT NOT NULL,
	node_name   TEXT NOT NULL,
	state       TEXT NOT NULL,
	range_start TEXT NOT NULL DEFAULT '',
	range_end   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ring_snapshots (
	snapshot_id BIGSERIAL PRIMARY KEY,
	snapshot    JSONB NOT NULL,
	node_count  INT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresEventStore implements EventStore for PostgreSQL
type PostgresEventStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresEventStore connects, pings and creates the schema if needed
func NewPostgresEventStore(ctx context.Context, connString string, logger *zap.Logger) (*PostgresEventStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, eventSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresEventStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// RecordEvent appends a membership event
func (s *PostgresEventStore) RecordEvent(ctx context.Context, event model.MembershipEvent) error {
	query := `
		INSERT INTO membership_events (event_id, operation, node_name, state, range_start, range_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	var start, end string
	if event.Range != nil {
		start, end = event.Range.Start.String(), event.Range.End.String()
	}

	_, err := s.pool.Exec(ctx, query,
		event.ID,
		string(event.Operation),
		event.NodeName,
		string(event.State),
		start,
		end,
		event.At,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first
func (s *PostgresEventStore) ListEvents(ctx context.Context, limit int) ([]model.MembershipEvent, error) {
	query := `
		SELECT event_id, operation, node_name, state, range_start, range_end, created_at
		FROM membership_events
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []model.MembershipEvent
	for rows.Next() {
		var (
			ev         model.MembershipEvent
			op, state  string
			start, end string
		)
		if err := rows.Scan(&ev.ID, &op, &ev.NodeName, &state, &start, &end, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Operation = model.Operation(op)
		ev.State = model.NodeState(state)
		if start != "" && end != "" {
			lo, loErr := model.ParseHash(start)
			hi, hiErr := model.ParseHash(end)
			if loErr == nil && hiErr == nil {
				ev.Range = model.NewHashRange(lo, hi)
			}
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// ArchiveSnapshot stores a ring snapshot
func (s *PostgresEventStore) ArchiveSnapshot(ctx context.Context, snapshot model.RingSnapshot) error {
	data, err := snapshot.Encode()
	if err != nil {
		return err
	}

	query := `INSERT INTO ring_snapshots (snapshot, node_count) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, query, data, len(snapshot.Nodes)); err != nil {
		return fmt.Errorf("failed to archive snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently archived snapshot
func (s *PostgresEventStore) LatestSnapshot(ctx context.Context) (model.RingSnapshot, error) {
	query := `SELECT snapshot FROM ring_snapshots ORDER BY snapshot_id DESC LIMIT 1`

	var data []byte
	if err := s.pool.QueryRow(ctx, query).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RingSnapshot{}, ErrNotFound
		}
		return model.RingSnapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snapshot model.RingSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.RingSnapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snapshot, nil
}

// Ping checks database connectivity
func (s *PostgresEventStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresEventStore) Close() {
	s.pool.Close()
}
