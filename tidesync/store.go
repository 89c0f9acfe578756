// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"context"
	"time"
)

// Store is the persistence boundary for the sync endpoint. Every method must
// be safe under at-least-once delivery: the Service layers the dedup and
// upsert semantics, the store only promises atomic single-row operations.
type Store interface {
	// FindAssessment returns the row ID for the dedup key
	// (userID, scaleID, completedAt), if one exists.
	FindAssessment(ctx context.Context, userID, scaleID string, completedAt int64) (string, bool, error)

	// InsertAssessment inserts a completed assessment row.
	InsertAssessment(ctx context.Context, row *AssessmentRow) error

	// ChatTimestamps returns the set of message timestamps already stored
	// for the session, used for set-difference dedup.
	ChatTimestamps(ctx context.Context, userID, sessionID string) (map[int64]bool, error)

	// InsertChatMessages appends messages to the session.
	InsertChatMessages(ctx context.Context, userID, sessionID string, msgs []ChatMessage) error

	// GetProfile loads the stored profile for the user, if any.
	GetProfile(ctx context.Context, userID string) (*ProfileRow, bool, error)

	// UpsertProfile writes the merged profile row by user ID.
	UpsertProfile(ctx context.Context, row *ProfileRow) error

	// InsertFeedback appends a feedback row.
	InsertFeedback(ctx context.Context, row *FeedbackRow) error
}

// AssessmentRow is a stored completed assessment.
type AssessmentRow struct {
	ID          string
	UserID      string
	ScaleID     string
	CompletedAt int64 // unix millis
	Answers     map[string]int
	Score       int
	CreatedAt   time.Time
}

// ProfileRow is the stored profile document for a user. Fields holds the
// full current field set; FieldUpdatedAt tracks per-field edit times.
type ProfileRow struct {
	UserID         string
	Fields         map[string]any
	FieldUpdatedAt map[string]int64
	UpdatedAt      time.Time
}

// FeedbackRow is a stored feedback submission.
type FeedbackRow struct {
	ID        string
	UserID    string
	Category  string
	Content   string
	CreatedAt int64 // unix millis
}
