package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Turn is one completed chat exchange, carrying everything the ledger and
// transcript need. RequestID deduplicates redelivered turns.
type Turn struct {
	RequestID uuid.UUID

	Query  string
	Answer string
	Model  string

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostNanoUSD      int64
	LatencyMS        int64

	Cached  bool
	Errored bool
}

// Conversation groups the turns of one widget session.
type Conversation struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	SessionID string
	StartedAt time.Time
}

// Message is one side of a persisted exchange.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Sender         string
	Content        string
	CreatedAt      time.Time
}

// Senders for Message.Sender.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)
