// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidewell/tidesync/tidesync"
)

// QueueItem is one pending mutation awaiting remote sync. Items are created
// when a mutation occurs (offline or write-behind while online), destroyed
// on confirmed remote success, and mutated (retries, last error) on failure.
type QueueItem struct {
	ID         string              `json:"id"`
	Action     tidesync.SyncAction `json:"action"`
	Payload    json.RawMessage     `json:"payload"`
	NaturalKey string              `json:"natural_key,omitempty"`
	Retries    int                 `json:"retries"`
	CreatedAt  time.Time           `json:"created_at"`
	LastError  string              `json:"last_error,omitempty"`
}

// NaturalKey derives the business dedup key for coalescing. Append-only
// actions return "": each chat batch and feedback submission is an
// independent fact and must never be collapsed.
func NaturalKey(action tidesync.SyncAction, payload json.RawMessage) (string, error) {
	if action.AppendOnly() {
		return "", nil
	}

	switch action {
	case tidesync.ActionUpdateProfile:
		var p tidesync.ProfileUpdate
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", fmt.Errorf("failed to parse profile payload: %w", err)
		}
		return "profile:" + p.UserID, nil

	case tidesync.ActionSaveAssessment:
		var p tidesync.AssessmentResult
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", fmt.Errorf("failed to parse assessment payload: %w", err)
		}
		return fmt.Sprintf("assessment:%s:%s:%d", p.UserID, p.ScaleID, p.CompletedAt), nil

	default:
		return "", fmt.Errorf("no natural key for action %q", action)
	}
}

// CacheLocation returns the (namespace, key) under which a mutation's data
// is cached. The engine writes here synchronously before queuing, and the
// orchestrator writes resolved remote state back to the same slot.
func CacheLocation(action tidesync.SyncAction, payload json.RawMessage) (namespace, key string, err error) {
	switch action {
	case tidesync.ActionSaveAssessment:
		var p tidesync.AssessmentResult
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", "", fmt.Errorf("failed to parse assessment payload: %w", err)
		}
		return NamespaceResults, fmt.Sprintf("%s:%d", p.ScaleID, p.CompletedAt), nil

	case tidesync.ActionSaveChat:
		var p tidesync.SaveChatPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", "", fmt.Errorf("failed to parse chat payload: %w", err)
		}
		return NamespaceChats, p.SessionID, nil

	case tidesync.ActionUpdateProfile:
		var p tidesync.ProfileUpdate
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", "", fmt.Errorf("failed to parse profile payload: %w", err)
		}
		return NamespaceProfile, p.UserID, nil

	case tidesync.ActionUploadFeedback:
		var p tidesync.Feedback
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", "", fmt.Errorf("failed to parse feedback payload: %w", err)
		}
		return NamespaceFeedback, fmt.Sprintf("%s:%d", p.UserID, p.CreatedAt), nil

	default:
		return "", "", fmt.Errorf("unknown action %q", action)
	}
}

// KindForAction maps a mutation kind to the entity kind its conflict merge
// strategy is defined over.
func KindForAction(action tidesync.SyncAction) EntityKind {
	switch action {
	case tidesync.ActionSaveChat:
		return KindMessages
	case tidesync.ActionSaveAssessment:
		return KindAssessmentAnswers
	case tidesync.ActionUpdateProfile:
		return KindUserProfile
	default:
		return KindGeneric
	}
}
