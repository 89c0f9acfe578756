// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"encoding/json"
)

// REST/JSON models for the sync endpoint. Every request and response on the
// wire is an Envelope; Data carries the action-specific result.

// Envelope is the uniform response shape: code 0 means success, any other
// code carries a machine-readable failure class plus a human message.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response codes. Codes in the 14xx range are non-retryable client faults,
// 1409 signals a divergent remote version (client runs conflict resolution),
// 15xx are server faults the client may retry.
const (
	CodeOK           = 0
	CodeValidation   = 1400
	CodeUnauthorized = 1401
	CodeConflict     = 1409
	CodeInternal     = 1500
)

// SyncAction identifies the mutation kind carried by a push.
type SyncAction string

const (
	ActionSaveAssessment SyncAction = "save_assessment"
	ActionSaveChat       SyncAction = "save_chat"
	ActionUpdateProfile  SyncAction = "update_profile"
	ActionUploadFeedback SyncAction = "upload_feedback"
)

// Valid reports whether the action is one of the known mutation kinds.
func (a SyncAction) Valid() bool {
	switch a {
	case ActionSaveAssessment, ActionSaveChat, ActionUpdateProfile, ActionUploadFeedback:
		return true
	}
	return false
}

// AppendOnly reports whether repeated submissions of the action represent
// independent facts. Append-only actions are never coalesced client-side:
// message history and feedback must not be collapsed.
func (a SyncAction) AppendOnly() bool {
	return a == ActionSaveChat || a == ActionUploadFeedback
}

// PushRequest is a single-mutation push: POST /sync/push.
type PushRequest struct {
	Action SyncAction      `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// BatchItem is one element of a batch push.
type BatchItem struct {
	ItemID string          `json:"item_id"`
	Action SyncAction      `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// BatchRequest is a batch push: POST /sync/batch.
type BatchRequest struct {
	Items []BatchItem `json:"items"`
}

// AssessmentResult is the payload of ActionSaveAssessment. The dedup key is
// (user_id, scale_id, completed_at); resubmitting the same completed
// assessment is reported as a duplicate, never inserted twice.
type AssessmentResult struct {
	UserID      string         `json:"user_id"`
	ScaleID     string         `json:"scale_id"`
	CompletedAt int64          `json:"completed_at"` // unix millis
	Answers     map[string]int `json:"answers"`
	Score       int            `json:"score"`
}

// ChatMessage is a single message inside a SaveChatPayload.
type ChatMessage struct {
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"ts"` // unix millis, dedup key within a session
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// SaveChatPayload is the payload of ActionSaveChat. Messages are deduped
// per (session_id, ts); only timestamps not yet stored are inserted.
type SaveChatPayload struct {
	SessionID string        `json:"session_id"`
	Messages  []ChatMessage `json:"messages"`
}

// ProfileUpdate is the payload of ActionUpdateProfile. Fields is a partial
// set; absent fields are left untouched on the server. FieldUpdatedAt
// carries per-field edit timestamps used for divergence detection.
type ProfileUpdate struct {
	UserID         string           `json:"user_id"`
	Fields         map[string]any   `json:"fields"`
	FieldUpdatedAt map[string]int64 `json:"field_updated_at,omitempty"`
}

// Feedback is the payload of ActionUploadFeedback. Append-only: there is no
// dedup key, distinct submissions are independent even if content repeats.
type Feedback struct {
	UserID    string `json:"user_id"`
	Category  string `json:"category,omitempty"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"` // unix millis
}

// SaveAssessmentResult reports the outcome of ActionSaveAssessment.
type SaveAssessmentResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// SaveChatResult reports per-message dedup counts.
type SaveChatResult struct {
	Saved     int `json:"saved"`
	Duplicate int `json:"duplicate"`
}

// UpdateProfileResult reports how many fields the upsert touched.
type UpdateProfileResult struct {
	FieldsApplied int `json:"fields_applied"`
}

// UploadFeedbackResult carries the generated row ID.
type UploadFeedbackResult struct {
	ID string `json:"id"`
}

// ConflictData is the Data of a CodeConflict envelope: the current remote
// state of the entity the client tried to mutate.
type ConflictData struct {
	Remote json.RawMessage `json:"remote"`
}

// BatchItemResult is the per-item outcome of a batch push. Items are
// independent: one item's failure does not roll back the others.
type BatchItemResult struct {
	Index   int             `json:"index"`
	ItemID  string          `json:"item_id"`
	Action  SyncAction      `json:"action"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Code    int             `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BatchResult enumerates one result per input item, in input order.
type BatchResult struct {
	Items []BatchItemResult `json:"items"`
}

// HealthResponse is returned by the health route.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// okEnvelope marshals data into a success envelope.
func okEnvelope(data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Code: CodeOK, Data: raw}, nil
}

// failEnvelope builds a non-success envelope with an optional data payload.
func failEnvelope(code int, message string, data any) (*Envelope, error) {
	env := &Envelope{Code: code, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return env, nil
}
