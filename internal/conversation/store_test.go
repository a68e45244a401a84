package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/answerdesk/answerdesk/internal/log"
)

type mockQuerier struct {
	usageID       uuid.UUID
	usageInserted bool
	usageErr      error
	lastUsage     InsertUsageParams

	conversationID uuid.UUID
	upsertErr      error
	upsertCalls    int
	lastSession    string

	messages   []string // "sender:content" per insert
	messageIDs []uuid.UUID
	messageErr error

	attachCalls   int
	attachedUsage uuid.UUID
	attachedMsg   uuid.UUID

	events       []string
	lastPayload  []byte
	analyticsErr error
}

func (m *mockQuerier) InsertUsage(_ context.Context, params InsertUsageParams) (uuid.UUID, bool, error) {
	m.lastUsage = params
	return m.usageID, m.usageInserted, m.usageErr
}

func (m *mockQuerier) UpsertConversation(_ context.Context, _ uuid.UUID, sessionID string) (uuid.UUID, error) {
	m.upsertCalls++
	m.lastSession = sessionID
	return m.conversationID, m.upsertErr
}

func (m *mockQuerier) InsertMessage(_ context.Context, _ uuid.UUID, sender, content string) (uuid.UUID, error) {
	if m.messageErr != nil {
		return uuid.Nil, m.messageErr
	}
	m.messages = append(m.messages, sender+":"+content)
	id := uuid.New()
	m.messageIDs = append(m.messageIDs, id)
	return id, nil
}

func (m *mockQuerier) AttachUsage(_ context.Context, usageID, _, messageID uuid.UUID) error {
	m.attachCalls++
	m.attachedUsage = usageID
	m.attachedMsg = messageID
	return nil
}

func (m *mockQuerier) InsertAnalyticsEvent(_ context.Context, _ uuid.UUID, eventType string, payload []byte) error {
	if m.analyticsErr != nil {
		return m.analyticsErr
	}
	m.events = append(m.events, eventType)
	m.lastPayload = payload
	return nil
}

func sampleTurn() Turn {
	return Turn{
		RequestID:        uuid.New(),
		Query:            "how do I reset my password?",
		Answer:           "Use the settings page.",
		Model:            "gpt-4o-mini",
		PromptTokens:     120,
		CompletionTokens: 40,
		TotalTokens:      160,
		CostNanoUSD:      42_000,
		LatencyMS:        850,
	}
}

func TestPersistTurn(t *testing.T) {
	mock := &mockQuerier{
		usageID:        uuid.New(),
		usageInserted:  true,
		conversationID: uuid.New(),
	}
	store := NewStore(mock, nil, log.NewNop())
	tenantID := uuid.New()
	turn := sampleTurn()

	inserted, err := store.PersistTurn(context.Background(), tenantID, "sess-1", turn)
	if err != nil {
		t.Fatalf("PersistTurn() error: %v", err)
	}
	if !inserted {
		t.Fatal("PersistTurn() inserted = false, want true")
	}

	if mock.lastUsage.RequestID != turn.RequestID {
		t.Errorf("usage request ID = %s, want %s", mock.lastUsage.RequestID, turn.RequestID)
	}
	if mock.lastUsage.CostNanoUSD != 42_000 {
		t.Errorf("usage cost = %d, want 42000", mock.lastUsage.CostNanoUSD)
	}
	if mock.lastSession != "sess-1" {
		t.Errorf("session = %q, want sess-1", mock.lastSession)
	}

	wantMsgs := []string{
		"user:how do I reset my password?",
		"assistant:Use the settings page.",
	}
	if len(mock.messages) != 2 || mock.messages[0] != wantMsgs[0] || mock.messages[1] != wantMsgs[1] {
		t.Errorf("messages = %v, want %v", mock.messages, wantMsgs)
	}

	if mock.attachCalls != 1 {
		t.Fatalf("attachCalls = %d, want 1", mock.attachCalls)
	}
	if mock.attachedUsage != mock.usageID {
		t.Errorf("attached usage = %s, want %s", mock.attachedUsage, mock.usageID)
	}
	if mock.attachedMsg != mock.messageIDs[1] {
		t.Error("usage must link to the assistant message")
	}

	if len(mock.events) != 1 || mock.events[0] != "chat_completion" {
		t.Errorf("events = %v, want [chat_completion]", mock.events)
	}
	var payload map[string]any
	if err := json.Unmarshal(mock.lastPayload, &payload); err != nil {
		t.Fatalf("analytics payload is not JSON: %v", err)
	}
	if payload["total_tokens"] != float64(160) {
		t.Errorf("payload total_tokens = %v, want 160", payload["total_tokens"])
	}
}

func TestPersistTurnIdempotentReplay(t *testing.T) {
	// usageInserted=false simulates the unique request_id conflict.
	mock := &mockQuerier{usageInserted: false}
	store := NewStore(mock, nil, log.NewNop())

	inserted, err := store.PersistTurn(context.Background(), uuid.New(), "sess-1", sampleTurn())
	if err != nil {
		t.Fatalf("PersistTurn() error: %v", err)
	}
	if inserted {
		t.Error("replayed turn reported as inserted")
	}

	if mock.upsertCalls != 0 {
		t.Error("replayed turn must not touch conversations")
	}
	if len(mock.messages) != 0 {
		t.Error("replayed turn must not insert messages")
	}
	if len(mock.events) != 0 {
		t.Error("replayed turn must not emit analytics")
	}
}

func TestPersistTurnUsageFailure(t *testing.T) {
	mock := &mockQuerier{usageErr: errors.New("connection refused")}
	store := NewStore(mock, nil, log.NewNop())

	if _, err := store.PersistTurn(context.Background(), uuid.New(), "s", sampleTurn()); err == nil {
		t.Fatal("PersistTurn() = nil, want error")
	}
	if mock.upsertCalls != 0 {
		t.Error("failed ledger insert must stop the turn")
	}
}

func TestPersistTurnMessageFailure(t *testing.T) {
	mock := &mockQuerier{
		usageInserted: true,
		usageID:       uuid.New(),
		messageErr:    errors.New("connection refused"),
	}
	store := NewStore(mock, nil, log.NewNop())

	if _, err := store.PersistTurn(context.Background(), uuid.New(), "s", sampleTurn()); err == nil {
		t.Fatal("PersistTurn() = nil, want error")
	}
	if mock.attachCalls != 0 {
		t.Error("usage must not be attached after a message failure")
	}
}
