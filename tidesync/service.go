// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SyncService processes push and batch-push requests against a Store.
// Every handler is idempotent under at-least-once delivery: replaying a
// request that already succeeded reports a duplicate instead of writing a
// second row.
type SyncService struct {
	store  Store
	logger *slog.Logger
	config *ServiceConfig
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName      string // Application name for logs and status responses
	MaxBatchSize int    // Maximum items in a single batch push (0 = unlimited)
}

// NewSyncService creates a new sync service instance.
func NewSyncService(store Store, config *ServiceConfig, logger *slog.Logger) *SyncService {
	if config == nil {
		config = &ServiceConfig{AppName: "tidesync"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		store:  store,
		logger: logger,
		config: config,
	}
}

// ProcessPush handles a single-mutation push for the authenticated user.
// Validation faults and conflicts come back as non-zero envelopes; only
// store-level failures surface as errors (the HTTP layer maps those to
// CodeInternal so the client retries).
func (s *SyncService) ProcessPush(ctx context.Context, userID string, req *PushRequest) (*Envelope, error) {
	if !req.Action.Valid() {
		return failEnvelope(CodeValidation, fmt.Sprintf("unknown action %q", req.Action), nil)
	}
	if len(req.Data) == 0 {
		return failEnvelope(CodeValidation, "missing data", nil)
	}

	switch req.Action {
	case ActionSaveAssessment:
		return s.saveAssessment(ctx, userID, req.Data)
	case ActionSaveChat:
		return s.saveChat(ctx, userID, req.Data)
	case ActionUpdateProfile:
		return s.updateProfile(ctx, userID, req.Data)
	case ActionUploadFeedback:
		return s.uploadFeedback(ctx, userID, req.Data)
	default:
		return failEnvelope(CodeValidation, fmt.Sprintf("unknown action %q", req.Action), nil)
	}
}

// ProcessBatch fans a batch out to the single-item handlers. Items are
// independent: a failed item is reported in its slot and the rest proceed.
func (s *SyncService) ProcessBatch(ctx context.Context, userID string, req *BatchRequest) (*Envelope, error) {
	if s.config.MaxBatchSize > 0 && len(req.Items) > s.config.MaxBatchSize {
		return failEnvelope(CodeValidation,
			fmt.Sprintf("batch too large: items=%d limit=%d", len(req.Items), s.config.MaxBatchSize), nil)
	}

	result := &BatchResult{Items: make([]BatchItemResult, len(req.Items))}
	for i, item := range req.Items {
		itemRes := BatchItemResult{Index: i, ItemID: item.ItemID, Action: item.Action}

		env, err := s.ProcessPush(ctx, userID, &PushRequest{Action: item.Action, Data: item.Data})
		switch {
		case err != nil:
			s.logger.Error("Batch item failed", "index", i, "item_id", item.ItemID,
				"action", item.Action, "error", err)
			itemRes.Code = CodeInternal
			itemRes.Error = "internal error"
		case env.Code != CodeOK:
			itemRes.Code = env.Code
			itemRes.Error = env.Message
			itemRes.Result = env.Data
		default:
			itemRes.Success = true
			itemRes.Result = env.Data
		}
		result.Items[i] = itemRes
	}

	return okEnvelope(result)
}

// saveAssessment inserts a completed assessment unless the dedup key
// (userID, scaleID, completedAt) already exists.
func (s *SyncService) saveAssessment(ctx context.Context, userID string, data json.RawMessage) (*Envelope, error) {
	var payload AssessmentResult
	if err := json.Unmarshal(data, &payload); err != nil {
		return failEnvelope(CodeValidation, "malformed assessment payload", nil)
	}
	if payload.ScaleID == "" {
		return failEnvelope(CodeValidation, "scale_id is required", nil)
	}
	if payload.CompletedAt <= 0 {
		return failEnvelope(CodeValidation, "completed_at is required", nil)
	}

	existingID, found, err := s.store.FindAssessment(ctx, userID, payload.ScaleID, payload.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to look up assessment: %w", err)
	}
	if found {
		s.logger.Debug("Duplicate assessment submission",
			"user_id", userID, "scale_id", payload.ScaleID, "completed_at", payload.CompletedAt)
		return okEnvelope(SaveAssessmentResult{ID: existingID, Duplicate: true})
	}

	row := &AssessmentRow{
		ID:          uuid.New().String(),
		UserID:      userID,
		ScaleID:     payload.ScaleID,
		CompletedAt: payload.CompletedAt,
		Answers:     payload.Answers,
		Score:       payload.Score,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertAssessment(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to insert assessment: %w", err)
	}

	return okEnvelope(SaveAssessmentResult{ID: row.ID})
}

// saveChat inserts only the messages whose (session, ts) is not yet stored
// and reports saved vs duplicate counts.
func (s *SyncService) saveChat(ctx context.Context, userID string, data json.RawMessage) (*Envelope, error) {
	var payload SaveChatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return failEnvelope(CodeValidation, "malformed chat payload", nil)
	}
	if payload.SessionID == "" {
		return failEnvelope(CodeValidation, "session_id is required", nil)
	}
	if len(payload.Messages) == 0 {
		return failEnvelope(CodeValidation, "messages must not be empty", nil)
	}
	for _, msg := range payload.Messages {
		if msg.Timestamp <= 0 {
			return failEnvelope(CodeValidation, "message ts is required", nil)
		}
	}

	stored, err := s.store.ChatTimestamps(ctx, userID, payload.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat timestamps: %w", err)
	}

	var fresh []ChatMessage
	seen := make(map[int64]bool, len(payload.Messages))
	duplicates := 0
	for _, msg := range payload.Messages {
		// Dedup against stored rows and against repeats within the batch.
		if stored[msg.Timestamp] || seen[msg.Timestamp] {
			duplicates++
			continue
		}
		seen[msg.Timestamp] = true
		fresh = append(fresh, msg)
	}

	if len(fresh) > 0 {
		if err := s.store.InsertChatMessages(ctx, userID, payload.SessionID, fresh); err != nil {
			return nil, fmt.Errorf("failed to insert chat messages: %w", err)
		}
	}

	return okEnvelope(SaveChatResult{Saved: len(fresh), Duplicate: duplicates})
}

// updateProfile merges a partial field set into the stored profile. When the
// stored profile carries a newer per-field timestamp than the update, the
// write is rejected with CodeConflict and the current remote state so the
// client can run conflict resolution and re-push.
func (s *SyncService) updateProfile(ctx context.Context, userID string, data json.RawMessage) (*Envelope, error) {
	var payload ProfileUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		return failEnvelope(CodeValidation, "malformed profile payload", nil)
	}
	if len(payload.Fields) == 0 {
		return failEnvelope(CodeValidation, "fields must not be empty", nil)
	}

	current, found, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if !found {
		current = &ProfileRow{
			UserID:         userID,
			Fields:         map[string]any{},
			FieldUpdatedAt: map[string]int64{},
		}
	}

	// Divergence check: a stored field edited after the incoming edit means
	// another device won the race; let the client merge.
	for field := range payload.Fields {
		storedAt, ok := current.FieldUpdatedAt[field]
		if !ok {
			continue
		}
		incomingAt := payload.FieldUpdatedAt[field]
		if incomingAt > 0 && storedAt > incomingAt {
			remote, err := json.Marshal(ProfileUpdate{
				UserID:         userID,
				Fields:         current.Fields,
				FieldUpdatedAt: current.FieldUpdatedAt,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to marshal remote profile: %w", err)
			}
			s.logger.Debug("Profile update conflicts with stored state",
				"user_id", userID, "field", field, "stored_at", storedAt, "incoming_at", incomingAt)
			return failEnvelope(CodeConflict, "remote profile is newer", ConflictData{Remote: remote})
		}
	}

	// Partial update: touch only the submitted fields.
	now := time.Now().UnixMilli()
	applied := 0
	for field, value := range payload.Fields {
		current.Fields[field] = value
		if at, ok := payload.FieldUpdatedAt[field]; ok && at > 0 {
			current.FieldUpdatedAt[field] = at
		} else {
			current.FieldUpdatedAt[field] = now
		}
		applied++
	}
	current.UpdatedAt = time.Now().UTC()

	if err := s.store.UpsertProfile(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}

	return okEnvelope(UpdateProfileResult{FieldsApplied: applied})
}

// uploadFeedback always appends. Distinct submissions are independent even
// when content repeats, so there is no dedup key.
func (s *SyncService) uploadFeedback(ctx context.Context, userID string, data json.RawMessage) (*Envelope, error) {
	var payload Feedback
	if err := json.Unmarshal(data, &payload); err != nil {
		return failEnvelope(CodeValidation, "malformed feedback payload", nil)
	}
	if payload.Content == "" {
		return failEnvelope(CodeValidation, "content is required", nil)
	}
	if payload.CreatedAt <= 0 {
		payload.CreatedAt = time.Now().UnixMilli()
	}

	row := &FeedbackRow{
		ID:        uuid.New().String(),
		UserID:    userID,
		Category:  payload.Category,
		Content:   payload.Content,
		CreatedAt: payload.CreatedAt,
	}
	if err := s.store.InsertFeedback(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to insert feedback: %w", err)
	}

	return okEnvelope(UploadFeedbackResult{ID: row.ID})
}
