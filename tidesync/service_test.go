package tidesync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for service contract tests; the Postgres
// implementation is exercised against a live database separately.
type memStore struct {
	mu          sync.Mutex
	assessments []*AssessmentRow
	chats       map[string]map[int64]ChatMessage // user/session -> ts -> msg
	profiles    map[string]*ProfileRow
	feedback    []*FeedbackRow
}

func newMemStore() *memStore {
	return &memStore{
		chats:    make(map[string]map[int64]ChatMessage),
		profiles: make(map[string]*ProfileRow),
	}
}

func (m *memStore) FindAssessment(ctx context.Context, userID, scaleID string, completedAt int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.assessments {
		if row.UserID == userID && row.ScaleID == scaleID && row.CompletedAt == completedAt {
			return row.ID, true, nil
		}
	}
	return "", false, nil
}

func (m *memStore) InsertAssessment(ctx context.Context, row *AssessmentRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assessments = append(m.assessments, row)
	return nil
}

func (m *memStore) ChatTimestamps(ctx context.Context, userID, sessionID string) (map[int64]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]bool)
	for ts := range m.chats[userID+"/"+sessionID] {
		out[ts] = true
	}
	return out, nil
}

func (m *memStore) InsertChatMessages(ctx context.Context, userID, sessionID string, msgs []ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "/" + sessionID
	if m.chats[key] == nil {
		m.chats[key] = make(map[int64]ChatMessage)
	}
	for _, msg := range msgs {
		m.chats[key][msg.Timestamp] = msg
	}
	return nil
}

func (m *memStore) GetProfile(ctx context.Context, userID string) (*ProfileRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.profiles[userID]
	return row, ok, nil
}

func (m *memStore) UpsertProfile(ctx context.Context, row *ProfileRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[row.UserID] = row
	return nil
}

func (m *memStore) InsertFeedback(ctx context.Context, row *FeedbackRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, row)
	return nil
}

func newTestService(t *testing.T) (*SyncService, *memStore) {
	t.Helper()
	store := newMemStore()
	return NewSyncService(store, nil, nil), store
}

func push(t *testing.T, svc *SyncService, userID string, action SyncAction, payload any) *Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	env, err := svc.ProcessPush(context.Background(), userID, &PushRequest{Action: action, Data: data})
	require.NoError(t, err)
	return env
}

func TestSaveAssessment_IdempotentResubmission(t *testing.T) {
	svc, store := newTestService(t)
	payload := AssessmentResult{
		UserID:      "u1",
		ScaleID:     "phq9",
		CompletedAt: 1700000000000,
		Answers:     map[string]int{"q1": 2},
		Score:       2,
	}

	env := push(t, svc, "u1", ActionSaveAssessment, payload)
	require.Equal(t, CodeOK, env.Code)
	var first SaveAssessmentResult
	require.NoError(t, json.Unmarshal(env.Data, &first))
	require.False(t, first.Duplicate)
	require.NotEmpty(t, first.ID)

	// Same dedup key again: one stored row, duplicate reported with the
	// existing ID.
	env = push(t, svc, "u1", ActionSaveAssessment, payload)
	require.Equal(t, CodeOK, env.Code)
	var second SaveAssessmentResult
	require.NoError(t, json.Unmarshal(env.Data, &second))
	require.True(t, second.Duplicate)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, store.assessments, 1)

	// A different completion time is a new row.
	payload.CompletedAt = 1700000001000
	env = push(t, svc, "u1", ActionSaveAssessment, payload)
	require.Equal(t, CodeOK, env.Code)
	require.Len(t, store.assessments, 2)
}

func TestSaveAssessment_Validation(t *testing.T) {
	svc, _ := newTestService(t)

	env := push(t, svc, "u1", ActionSaveAssessment, AssessmentResult{CompletedAt: 100})
	require.Equal(t, CodeValidation, env.Code)

	env = push(t, svc, "u1", ActionSaveAssessment, AssessmentResult{ScaleID: "phq9"})
	require.Equal(t, CodeValidation, env.Code)
}

func TestSaveChat_SetDifferenceDedup(t *testing.T) {
	svc, _ := newTestService(t)

	env := push(t, svc, "u1", ActionSaveChat, SaveChatPayload{
		SessionID: "s1",
		Messages: []ChatMessage{
			{Timestamp: 100, Role: "user", Content: "hello"},
			{Timestamp: 200, Role: "assistant", Content: "hi"},
		},
	})
	require.Equal(t, CodeOK, env.Code)
	var result SaveChatResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Equal(t, 2, result.Saved)
	require.Equal(t, 0, result.Duplicate)

	// Overlapping resend: only the new timestamp is inserted.
	env = push(t, svc, "u1", ActionSaveChat, SaveChatPayload{
		SessionID: "s1",
		Messages: []ChatMessage{
			{Timestamp: 200, Role: "assistant", Content: "hi"},
			{Timestamp: 300, Role: "user", Content: "how are you"},
		},
	})
	require.Equal(t, CodeOK, env.Code)
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Equal(t, 1, result.Saved)
	require.Equal(t, 1, result.Duplicate)

	// Repeats inside one batch count as duplicates too.
	env = push(t, svc, "u1", ActionSaveChat, SaveChatPayload{
		SessionID: "s1",
		Messages: []ChatMessage{
			{Timestamp: 400, Role: "user", Content: "x"},
			{Timestamp: 400, Role: "user", Content: "x"},
		},
	})
	require.Equal(t, CodeOK, env.Code)
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Equal(t, 1, result.Saved)
	require.Equal(t, 1, result.Duplicate)
}

func TestUpdateProfile_PartialUpdate(t *testing.T) {
	svc, store := newTestService(t)

	env := push(t, svc, "u1", ActionUpdateProfile, ProfileUpdate{
		Fields:         map[string]any{"name": "Alice", "bio": "hello"},
		FieldUpdatedAt: map[string]int64{"name": 100, "bio": 100},
	})
	require.Equal(t, CodeOK, env.Code)
	var result UpdateProfileResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Equal(t, 2, result.FieldsApplied)

	// A later partial update touches only its own field.
	env = push(t, svc, "u1", ActionUpdateProfile, ProfileUpdate{
		Fields:         map[string]any{"bio": "updated"},
		FieldUpdatedAt: map[string]int64{"bio": 200},
	})
	require.Equal(t, CodeOK, env.Code)

	row := store.profiles["u1"]
	require.Equal(t, "Alice", row.Fields["name"])
	require.Equal(t, "updated", row.Fields["bio"])
	require.Equal(t, int64(100), row.FieldUpdatedAt["name"])
	require.Equal(t, int64(200), row.FieldUpdatedAt["bio"])
}

func TestUpdateProfile_ConflictWhenStoredFieldIsNewer(t *testing.T) {
	svc, _ := newTestService(t)

	env := push(t, svc, "u1", ActionUpdateProfile, ProfileUpdate{
		Fields:         map[string]any{"name": "Device B"},
		FieldUpdatedAt: map[string]int64{"name": 500},
	})
	require.Equal(t, CodeOK, env.Code)

	// An offline edit from before the stored edit arrives late.
	env = push(t, svc, "u1", ActionUpdateProfile, ProfileUpdate{
		Fields:         map[string]any{"name": "Device A"},
		FieldUpdatedAt: map[string]int64{"name": 100},
	})
	require.Equal(t, CodeConflict, env.Code)

	var conflict ConflictData
	require.NoError(t, json.Unmarshal(env.Data, &conflict))
	var remote ProfileUpdate
	require.NoError(t, json.Unmarshal(conflict.Remote, &remote))
	require.Equal(t, "Device B", remote.Fields["name"])
	require.Equal(t, int64(500), remote.FieldUpdatedAt["name"])

	// With no incoming timestamp the write is taken as the latest intent.
	env = push(t, svc, "u1", ActionUpdateProfile, ProfileUpdate{
		Fields: map[string]any{"name": "Device C"},
	})
	require.Equal(t, CodeOK, env.Code)
}

func TestUploadFeedback_AlwaysAppends(t *testing.T) {
	svc, store := newTestService(t)
	payload := Feedback{Content: "love it", Category: "praise", CreatedAt: 100}

	env := push(t, svc, "u1", ActionUploadFeedback, payload)
	require.Equal(t, CodeOK, env.Code)
	var first UploadFeedbackResult
	require.NoError(t, json.Unmarshal(env.Data, &first))

	// Identical content is still a new, independent row.
	env = push(t, svc, "u1", ActionUploadFeedback, payload)
	require.Equal(t, CodeOK, env.Code)
	var second UploadFeedbackResult
	require.NoError(t, json.Unmarshal(env.Data, &second))

	require.NotEqual(t, first.ID, second.ID)
	require.Len(t, store.feedback, 2)
}

func TestProcessPush_UnknownAction(t *testing.T) {
	svc, _ := newTestService(t)

	env, err := svc.ProcessPush(context.Background(), "u1", &PushRequest{
		Action: SyncAction("drop_tables"),
		Data:   json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, CodeValidation, env.Code)

	env, err = svc.ProcessPush(context.Background(), "u1", &PushRequest{Action: ActionSaveChat})
	require.NoError(t, err)
	require.Equal(t, CodeValidation, env.Code)
}

func TestProcessBatch_ItemsAreIndependent(t *testing.T) {
	svc, store := newTestService(t)

	good, err := json.Marshal(Feedback{Content: "works", CreatedAt: 100})
	require.NoError(t, err)
	bad, err := json.Marshal(AssessmentResult{}) // missing scale_id
	require.NoError(t, err)
	alsoGood, err := json.Marshal(SaveChatPayload{
		SessionID: "s1",
		Messages:  []ChatMessage{{Timestamp: 100, Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	env, err := svc.ProcessBatch(context.Background(), "u1", &BatchRequest{Items: []BatchItem{
		{ItemID: "000000000001", Action: ActionUploadFeedback, Data: good},
		{ItemID: "000000000002", Action: ActionSaveAssessment, Data: bad},
		{ItemID: "000000000003", Action: ActionSaveChat, Data: alsoGood},
	}})
	require.NoError(t, err)
	require.Equal(t, CodeOK, env.Code)

	var result BatchResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Len(t, result.Items, 3)

	require.True(t, result.Items[0].Success)
	require.Equal(t, "000000000001", result.Items[0].ItemID)

	require.False(t, result.Items[1].Success)
	require.Equal(t, CodeValidation, result.Items[1].Code)

	// The failed middle item did not block the one behind it.
	require.True(t, result.Items[2].Success)
	require.Len(t, store.feedback, 1)
	require.Len(t, store.chats["u1/s1"], 1)
}

func TestProcessBatch_SizeLimit(t *testing.T) {
	store := newMemStore()
	svc := NewSyncService(store, &ServiceConfig{AppName: "test", MaxBatchSize: 1}, nil)

	data, err := json.Marshal(Feedback{Content: "x", CreatedAt: 100})
	require.NoError(t, err)

	env, err := svc.ProcessBatch(context.Background(), "u1", &BatchRequest{Items: []BatchItem{
		{ItemID: "1", Action: ActionUploadFeedback, Data: data},
		{ItemID: "2", Action: ActionUploadFeedback, Data: data},
	}})
	require.NoError(t, err)
	require.Equal(t, CodeValidation, env.Code)
}
