// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesqlite

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/tidewell/tidesync/tidesync"
)

// EntityKind is the closed set of data shapes the resolver knows how to
// merge. Anything else goes through the generic shallow-merge fallback.
type EntityKind int

const (
	KindGeneric EntityKind = iota
	KindMessages
	KindAssessmentAnswers
	KindUserProfile
)

func (k EntityKind) String() string {
	switch k {
	case KindMessages:
		return "messages"
	case KindAssessmentAnswers:
		return "assessment_answers"
	case KindUserProfile:
		return "user_profile"
	default:
		return "generic"
	}
}

// Strategy selects how a divergence between local and remote is settled.
type Strategy int

const (
	StrategyTimestamp Strategy = iota
	StrategyMerge
	StrategyLocalFirst
	StrategyRemoteFirst
	StrategyUserChoice
)

func (s Strategy) String() string {
	switch s {
	case StrategyTimestamp:
		return "timestamp"
	case StrategyMerge:
		return "merge"
	case StrategyLocalFirst:
		return "local_first"
	case StrategyRemoteFirst:
		return "remote_first"
	case StrategyUserChoice:
		return "user_choice"
	default:
		return "unknown"
	}
}

// ResolutionAction is the outcome class of one resolution.
type ResolutionAction int

const (
	ResolveNoConflict ResolutionAction = iota
	ResolveUseLocal
	ResolveUseRemote
	ResolveMerge
)

func (a ResolutionAction) String() string {
	switch a {
	case ResolveUseLocal:
		return "use_local"
	case ResolveUseRemote:
		return "use_remote"
	case ResolveMerge:
		return "merge"
	default:
		return "no_conflict"
	}
}

// ConflictResolution is the result of one Resolve call. Result always holds
// the data the caller should keep, even when there was no conflict.
type ConflictResolution struct {
	HasConflict bool
	Action      ResolutionAction
	Reason      string
	Result      json.RawMessage
}

// ChoicePrompter presents both sides to the user and blocks until a choice.
// Returning an error (or anything other than use_local/use_remote) counts as
// a dismissal and the resolver falls back to the remote side.
type ChoicePrompter interface {
	Choose(ctx context.Context, kind EntityKind, local, remote json.RawMessage) (ResolutionAction, error)
}

// ResolutionLogEntry records one resolver invocation for diagnostics.
type ResolutionLogEntry struct {
	Kind      EntityKind
	Strategy  Strategy
	Action    ResolutionAction
	Timestamp time.Time
}

// ResolverStats aggregates the resolution log.
type ResolverStats struct {
	Total    int
	ByAction map[ResolutionAction]int
	ByKind   map[EntityKind]int
}

const resolutionLogCap = 100

// Resolver decides between divergent local and remote entity versions. It is
// a pure decision function aside from a bounded in-memory resolution log.
type Resolver struct {
	prompter ChoicePrompter
	logger   *slog.Logger

	mu  sync.Mutex
	log []ResolutionLogEntry
}

// NewResolver creates a resolver. prompter may be nil, in which case the
// user_choice strategy degrades to remote_first.
func NewResolver(prompter ChoicePrompter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{prompter: prompter, logger: logger}
}

// Resolve settles a divergence between local and remote data of the given
// kind. A conflict exists only when both sides are non-empty and
// structurally different; identical content resolves to no_conflict.
func (r *Resolver) Resolve(ctx context.Context, local, remote json.RawMessage, kind EntityKind, strategy Strategy) (*ConflictResolution, error) {
	res, err := r.decide(ctx, local, remote, kind, strategy)
	if err != nil {
		return nil, err
	}
	r.appendLog(kind, strategy, res.Action)
	return res, nil
}

func (r *Resolver) decide(ctx context.Context, local, remote json.RawMessage, kind EntityKind, strategy Strategy) (*ConflictResolution, error) {
	if isEmptyJSON(local) {
		return &ConflictResolution{Action: ResolveNoConflict, Reason: "no local data", Result: remote}, nil
	}
	if isEmptyJSON(remote) {
		return &ConflictResolution{Action: ResolveNoConflict, Reason: "no remote data", Result: local}, nil
	}
	if structurallyEqual(local, remote) {
		return &ConflictResolution{Action: ResolveNoConflict, Reason: "identical content", Result: remote}, nil
	}

	switch strategy {
	case StrategyTimestamp:
		return resolveByTimestamp(local, remote), nil

	case StrategyMerge:
		return r.resolveByMerge(local, remote, kind)

	case StrategyLocalFirst:
		return &ConflictResolution{HasConflict: true, Action: ResolveUseLocal, Reason: "local_first strategy", Result: local}, nil

	case StrategyRemoteFirst:
		return &ConflictResolution{HasConflict: true, Action: ResolveUseRemote, Reason: "remote_first strategy", Result: remote}, nil

	case StrategyUserChoice:
		return r.resolveByChoice(ctx, local, remote, kind), nil

	default:
		return &ConflictResolution{HasConflict: true, Action: ResolveUseRemote, Reason: "unknown strategy, defaulting to remote", Result: remote}, nil
	}
}

func resolveByTimestamp(local, remote json.RawMessage) *ConflictResolution {
	localTS := bestTimestamp(local)
	remoteTS := bestTimestamp(remote)
	// Ties go to remote, the authoritative store.
	if localTS > remoteTS {
		return &ConflictResolution{HasConflict: true, Action: ResolveUseLocal, Reason: "local timestamp is newer", Result: local}
	}
	return &ConflictResolution{HasConflict: true, Action: ResolveUseRemote, Reason: "remote timestamp is newer or equal", Result: remote}
}

func (r *Resolver) resolveByMerge(local, remote json.RawMessage, kind EntityKind) (*ConflictResolution, error) {
	var (
		merged json.RawMessage
		err    error
	)
	switch kind {
	case KindMessages:
		merged, err = mergeMessages(local, remote)
	case KindAssessmentAnswers:
		merged, err = mergeAssessmentAnswers(local, remote)
	case KindUserProfile:
		merged, err = mergeUserProfile(local, remote)
	default:
		merged, err = mergeShallow(local, remote)
	}
	if err != nil {
		// Unmergeable shapes keep the remote side rather than failing the sync.
		r.logger.Warn("Merge failed, keeping remote", "kind", kind, "error", err)
		return &ConflictResolution{HasConflict: true, Action: ResolveUseRemote, Reason: "merge failed: " + err.Error(), Result: remote}, nil
	}
	return &ConflictResolution{HasConflict: true, Action: ResolveMerge, Reason: "merged by " + kind.String(), Result: merged}, nil
}

func (r *Resolver) resolveByChoice(ctx context.Context, local, remote json.RawMessage, kind EntityKind) *ConflictResolution {
	if r.prompter == nil {
		return &ConflictResolution{HasConflict: true, Action: ResolveUseRemote, Reason: "no prompter, defaulting to remote", Result: remote}
	}
	choice, err := r.prompter.Choose(ctx, kind, local, remote)
	if err != nil {
		r.logger.Info("User dismissed conflict prompt, keeping remote", "kind", kind, "error", err)
		return &ConflictResolution{HasConflict: true, Action: ResolveUseRemote, Reason: "choice dismissed, defaulting to remote", Result: remote}
	}
	if choice == ResolveUseLocal {
		return &ConflictResolution{HasConflict: true, Action: ResolveUseLocal, Reason: "user chose local", Result: local}
	}
	return &ConflictResolution{HasConflict: true, Action: ResolveUseRemote, Reason: "user chose remote", Result: remote}
}

// Log returns a copy of the resolution log, oldest first.
func (r *Resolver) Log() []ResolutionLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ResolutionLogEntry, len(r.log))
	copy(out, r.log)
	return out
}

// Stats aggregates the resolution log.
func (r *Resolver) Stats() *ResolverStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &ResolverStats{
		Total:    len(r.log),
		ByAction: make(map[ResolutionAction]int),
		ByKind:   make(map[EntityKind]int),
	}
	for i := range r.log {
		stats.ByAction[r.log[i].Action]++
		stats.ByKind[r.log[i].Kind]++
	}
	return stats
}

func (r *Resolver) appendLog(kind EntityKind, strategy Strategy, action ResolutionAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, ResolutionLogEntry{Kind: kind, Strategy: strategy, Action: action, Timestamp: time.Now()})
	if len(r.log) > resolutionLogCap {
		r.log = r.log[len(r.log)-resolutionLogCap:]
	}
}

func isEmptyJSON(data json.RawMessage) bool {
	switch string(data) {
	case "", "null", "{}", "[]":
		return true
	}
	return false
}

// structurallyEqual compares decoded JSON values, so key order and
// whitespace differences do not count as divergence.
func structurallyEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// timestampFields, in priority order. Both wire-style snake_case and
// camelCase spellings are accepted.
var timestampFields = []string{
	"updated_at", "updatedAt",
	"modified_at", "modifiedAt",
	"timestamp", "ts",
	"created_at", "createdAt",
}

// bestTimestamp extracts the best-available timestamp from a JSON object as
// unix millis. Numbers are taken as millis, strings are parsed as RFC3339.
// A field that parses as neither is skipped; no usable field counts as zero.
func bestTimestamp(data json.RawMessage) int64 {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return 0
	}
	for _, field := range timestampFields {
		switch v := obj[field].(type) {
		case float64:
			return int64(v)
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return parsed.UnixMilli()
			}
		}
	}
	return 0
}

// mergeMessages unions two message lists, de-duplicated by id (falling back
// to timestamp for messages without one), sorted ascending by timestamp.
// Accepts either a bare message array or a chat payload wrapper.
func mergeMessages(local, remote json.RawMessage) (json.RawMessage, error) {
	localMsgs, localWrap, err := decodeMessages(local)
	if err != nil {
		return nil, err
	}
	remoteMsgs, remoteWrap, err := decodeMessages(remote)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	merged := make([]tidesync.ChatMessage, 0, len(localMsgs)+len(remoteMsgs))
	for _, msg := range append(localMsgs, remoteMsgs...) {
		key := msg.ID
		if key == "" {
			key = "ts:" + time.UnixMilli(msg.Timestamp).UTC().Format(time.RFC3339Nano)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, msg)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})

	if localWrap != nil || remoteWrap != nil {
		wrap := localWrap
		if wrap == nil {
			wrap = remoteWrap
		}
		wrap.Messages = merged
		return json.Marshal(wrap)
	}
	return json.Marshal(merged)
}

func decodeMessages(data json.RawMessage) ([]tidesync.ChatMessage, *tidesync.SaveChatPayload, error) {
	var msgs []tidesync.ChatMessage
	if err := json.Unmarshal(data, &msgs); err == nil {
		return msgs, nil, nil
	}
	var payload tidesync.SaveChatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, err
	}
	return payload.Messages, &payload, nil
}

// mergeAssessmentAnswers merges answer maps keyed by question: remote entries
// first, then local entries overwrite per key. Answers recorded offline are
// taken as the user's latest intent.
func mergeAssessmentAnswers(local, remote json.RawMessage) (json.RawMessage, error) {
	var localRes, remoteRes tidesync.AssessmentResult
	if err := json.Unmarshal(local, &localRes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(remote, &remoteRes); err != nil {
		return nil, err
	}

	answers := make(map[string]int, len(localRes.Answers)+len(remoteRes.Answers))
	for q, a := range remoteRes.Answers {
		answers[q] = a
	}
	for q, a := range localRes.Answers {
		answers[q] = a
	}

	merged := localRes
	merged.Answers = answers
	return json.Marshal(merged)
}

// mergeUserProfile merges field by field: when both sides carry a per-field
// update timestamp the later one wins; a local value with no remote
// timestamp for that field wins.
func mergeUserProfile(local, remote json.RawMessage) (json.RawMessage, error) {
	var localUp, remoteUp tidesync.ProfileUpdate
	if err := json.Unmarshal(local, &localUp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(remote, &remoteUp); err != nil {
		return nil, err
	}

	merged := tidesync.ProfileUpdate{
		UserID:         localUp.UserID,
		Fields:         make(map[string]any, len(localUp.Fields)+len(remoteUp.Fields)),
		FieldUpdatedAt: make(map[string]int64, len(localUp.FieldUpdatedAt)+len(remoteUp.FieldUpdatedAt)),
	}
	if merged.UserID == "" {
		merged.UserID = remoteUp.UserID
	}

	for field, value := range remoteUp.Fields {
		merged.Fields[field] = value
		merged.FieldUpdatedAt[field] = remoteUp.FieldUpdatedAt[field]
	}
	for field, value := range localUp.Fields {
		localTS := localUp.FieldUpdatedAt[field]
		remoteTS, remoteHas := remoteUp.FieldUpdatedAt[field]
		if _, present := merged.Fields[field]; !present || !remoteHas || localTS > remoteTS {
			merged.Fields[field] = value
			merged.FieldUpdatedAt[field] = localTS
		}
	}
	return json.Marshal(merged)
}

// mergeShallow overlays local fields onto the remote object; local wins key
// collisions.
func mergeShallow(local, remote json.RawMessage) (json.RawMessage, error) {
	var localObj, remoteObj map[string]any
	if err := json.Unmarshal(local, &localObj); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(remote, &remoteObj); err != nil {
		return nil, err
	}
	for k, v := range localObj {
		remoteObj[k] = v
	}
	return json.Marshal(remoteObj)
}
