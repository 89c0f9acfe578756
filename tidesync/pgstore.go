// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore implements Store on PostgreSQL via pgx. All sync tables live in
// the `tidesync` schema and are created on construction.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgStore creates the store and initializes the schema.
func NewPgStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PgStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PgStore{pool: pool, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize tidesync schema: %w", err)
	}
	return s, nil
}

// initSchema creates the sync tables if they do not exist. Unique
// constraints back the dedup keys so replays cannot insert twice even under
// concurrent delivery.
func (s *PgStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS tidesync`,

		`CREATE TABLE IF NOT EXISTS tidesync.assessment (
			id           UUID PRIMARY KEY,
			user_id      TEXT NOT NULL,
			scale_id     TEXT NOT NULL,
			completed_at BIGINT NOT NULL,
			answers      JSONB NOT NULL DEFAULT '{}'::jsonb,
			score        INT NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, scale_id, completed_at)
		)`,

		`CREATE TABLE IF NOT EXISTS tidesync.chat_message (
			user_id    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			ts         BIGINT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, session_id, ts)
		)`,

		`CREATE TABLE IF NOT EXISTS tidesync.profile (
			user_id          TEXT PRIMARY KEY,
			fields           JSONB NOT NULL DEFAULT '{}'::jsonb,
			field_updated_at JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS tidesync.feedback (
			id         UUID PRIMARY KEY,
			user_id    TEXT NOT NULL,
			category   TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tidesync_feedback_user
			ON tidesync.feedback (user_id, created_at)`,
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("schema statement failed: %w", err)
			}
		}
		return nil
	})
}

// FindAssessment looks up the dedup key (user_id, scale_id, completed_at).
func (s *PgStore) FindAssessment(ctx context.Context, userID, scaleID string, completedAt int64) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM tidesync.assessment
		WHERE user_id = $1 AND scale_id = $2 AND completed_at = $3
	`, userID, scaleID, completedAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query assessment: %w", err)
	}
	return id, true, nil
}

// InsertAssessment inserts a completed assessment. ON CONFLICT DO NOTHING
// backstops the Service-level dedup under concurrent replays.
func (s *PgStore) InsertAssessment(ctx context.Context, row *AssessmentRow) error {
	answers, err := json.Marshal(row.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tidesync.assessment (id, user_id, scale_id, completed_at, answers, score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, scale_id, completed_at) DO NOTHING
	`, row.ID, row.UserID, row.ScaleID, row.CompletedAt, answers, row.Score, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert assessment: %w", err)
	}
	return nil
}

// ChatTimestamps returns the set of stored message timestamps for a session.
func (s *PgStore) ChatTimestamps(ctx context.Context, userID, sessionID string) (map[int64]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts FROM tidesync.chat_message
		WHERE user_id = $1 AND session_id = $2
	`, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat timestamps: %w", err)
	}
	defer rows.Close()

	stored := make(map[int64]bool)
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan chat timestamp: %w", err)
		}
		stored[ts] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat timestamps: %w", err)
	}
	return stored, nil
}

// InsertChatMessages appends messages in one transaction.
func (s *PgStore) InsertChatMessages(ctx context.Context, userID, sessionID string, msgs []ChatMessage) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, msg := range msgs {
			_, err := tx.Exec(ctx, `
				INSERT INTO tidesync.chat_message (user_id, session_id, ts, message_id, role, content)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (user_id, session_id, ts) DO NOTHING
			`, userID, sessionID, msg.Timestamp, msg.ID, msg.Role, msg.Content)
			if err != nil {
				return fmt.Errorf("failed to insert chat message: %w", err)
			}
		}
		return nil
	})
}

// GetProfile loads the stored profile document for a user.
func (s *PgStore) GetProfile(ctx context.Context, userID string) (*ProfileRow, bool, error) {
	row := &ProfileRow{UserID: userID}
	var fields, fieldTimes []byte
	err := s.pool.QueryRow(ctx, `
		SELECT fields, field_updated_at, updated_at FROM tidesync.profile
		WHERE user_id = $1
	`, userID).Scan(&fields, &fieldTimes, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query profile: %w", err)
	}

	if err := json.Unmarshal(fields, &row.Fields); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal profile fields: %w", err)
	}
	if err := json.Unmarshal(fieldTimes, &row.FieldUpdatedAt); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal field timestamps: %w", err)
	}
	return row, true, nil
}

// UpsertProfile writes the merged profile document by user ID.
func (s *PgStore) UpsertProfile(ctx context.Context, row *ProfileRow) error {
	fields, err := json.Marshal(row.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal profile fields: %w", err)
	}
	fieldTimes, err := json.Marshal(row.FieldUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to marshal field timestamps: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tidesync.profile (user_id, fields, field_updated_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET fields = EXCLUDED.fields,
		    field_updated_at = EXCLUDED.field_updated_at,
		    updated_at = EXCLUDED.updated_at
	`, row.UserID, fields, fieldTimes, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// InsertFeedback appends a feedback row.
func (s *PgStore) InsertFeedback(ctx context.Context, row *FeedbackRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tidesync.feedback (id, user_id, category, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, row.ID, row.UserID, row.Category, row.Content, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}
