package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/migadu/mailflow/ai"
	"github.com/migadu/mailflow/db"
	"github.com/migadu/mailflow/mail"
)

// mockEngine returns canned responses and records the requests it saw.
type mockEngine struct {
	mu sync.Mutex

	functionCalls  []*ai.FunctionCall
	functionErrs   []error
	functionIdx    int
	functionReqs   []ai.FunctionRequest
	structuredOut  []json.RawMessage
	structuredErrs []error
	structuredIdx  int
	structuredReqs []ai.StructuredRequest
}

func (m *mockEngine) CompleteWithFunctions(ctx context.Context, req ai.FunctionRequest) (*ai.FunctionCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.functionReqs = append(m.functionReqs, req)
	i := m.functionIdx
	if i >= len(m.functionCalls) && i >= len(m.functionErrs) {
		return nil, ai.ErrNoFunctionCall
	}
	m.functionIdx++
	var err error
	if i < len(m.functionErrs) {
		err = m.functionErrs[i]
	}
	var call *ai.FunctionCall
	if i < len(m.functionCalls) {
		call = m.functionCalls[i]
	}
	return call, err
}

func (m *mockEngine) CompleteStructured(ctx context.Context, req ai.StructuredRequest) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structuredReqs = append(m.structuredReqs, req)
	i := m.structuredIdx
	m.structuredIdx++
	var err error
	if i < len(m.structuredErrs) {
		err = m.structuredErrs[i]
	}
	var out json.RawMessage
	if i < len(m.structuredOut) {
		out = m.structuredOut[i]
	}
	return out, err
}

// mockAudit is an in-memory AuditStore. Trigger dedup mirrors the
// database semantics: a prior failed firing is re-claimed, anything
// else conflicts.
type mockAudit struct {
	mu sync.Mutex

	rules           []*db.ExecutedRule
	actions         []*db.ExecutedAction
	statusUpdates   map[int64]db.ActionStatus
	trackedThreads  []string
	resolvedThreads []string
	seenTriggers    map[string]int64
	nextID          int64
}

func newMockAudit() *mockAudit {
	return &mockAudit{
		statusUpdates: make(map[int64]db.ActionStatus),
		seenTriggers:  make(map[string]int64),
	}
}

func (m *mockAudit) InsertExecutedRule(ctx context.Context, er *db.ExecutedRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := db.TriggerHash(er.UserID, er.MessageID, er.RuleID)
	if priorID, seen := m.seenTriggers[hash]; seen {
		if m.statusUpdates[priorID] != db.StatusFailed {
			return db.ErrDuplicateTrigger
		}
		er.ID = priorID
		m.statusUpdates[priorID] = er.Status
		return nil
	}
	m.nextID++
	er.ID = m.nextID
	m.seenTriggers[hash] = er.ID
	copied := *er
	m.rules = append(m.rules, &copied)
	return nil
}

func (m *mockAudit) InsertExecutedAction(ctx context.Context, ea *db.ExecutedAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ea.ID = m.nextID
	copied := *ea
	m.actions = append(m.actions, &copied)
	return nil
}

func (m *mockAudit) UpdateExecutedRuleStatus(ctx context.Context, id int64, status db.ActionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusUpdates[id] = status
	return nil
}

func (m *mockAudit) TrackThread(ctx context.Context, userID int64, threadID string, ruleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackedThreads = append(m.trackedThreads, threadID)
	return nil
}

func (m *mockAudit) ResolveTrackedThread(ctx context.Context, userID int64, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvedThreads = append(m.resolvedThreads, threadID)
	return nil
}

// mockPlans is an in-memory PlanStore.
type mockPlans struct {
	mu    sync.Mutex
	plans map[string]*Plan
}

func newMockPlans() *mockPlans {
	return &mockPlans{plans: make(map[string]*Plan)}
}

func (m *mockPlans) key(userID int64, threadID string) string {
	return fmt.Sprintf("%d:%s", userID, threadID)
}

func (m *mockPlans) Save(userID int64, threadID string, plan *Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[m.key(userID, threadID)] = plan
}

func (m *mockPlans) Get(userID int64, threadID string) (*Plan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[m.key(userID, threadID)]
	return plan, ok
}

func (m *mockPlans) Delete(userID int64, threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plans, m.key(userID, threadID))
}

// mockProvider records provider operations.
type mockProvider struct {
	mu sync.Mutex

	sent     []*mail.OutgoingMessage
	drafts   []*mail.OutgoingMessage
	archived []string
	labeled  map[string]string
	read     []string
	trashed  []string
	messages map[string]*mail.ParsedEmail
	err      error
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		labeled:  make(map[string]string),
		messages: make(map[string]*mail.ParsedEmail),
	}
}

func (m *mockProvider) SendMessage(ctx context.Context, msg *mail.OutgoingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockProvider) CreateDraft(ctx context.Context, msg *mail.OutgoingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.drafts = append(m.drafts, msg)
	return nil
}

func (m *mockProvider) ArchiveThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.archived = append(m.archived, threadID)
	return nil
}

func (m *mockProvider) LabelThread(ctx context.Context, threadID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.labeled[threadID] = label
	return nil
}

func (m *mockProvider) MarkThreadRead(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.read = append(m.read, threadID)
	return nil
}

func (m *mockProvider) TrashThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.trashed = append(m.trashed, threadID)
	return nil
}

func (m *mockProvider) GetMessage(ctx context.Context, messageID string) (*mail.ParsedEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if email, ok := m.messages[messageID]; ok {
		return email, nil
	}
	return nil, db.ErrNotFound
}

func (m *mockProvider) GetThread(ctx context.Context, threadID string) ([]*mail.ParsedEmail, error) {
	return nil, nil
}
