package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/talkincode/wacrm/internal/domain"
)

// SessionRepository persists WhatsApp session rows.
type SessionRepository interface {
	Create(ctx context.Context, s *domain.WhatsAppSession) error

	GetByID(ctx context.Context, id string) (*domain.WhatsAppSession, error)

	// ListByOwner returns every row of an owner, newest first
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.WhatsAppSession, error)

	// ListByStatus is used at startup to restore linked sessions
	ListByStatus(ctx context.Context, statuses ...string) ([]*domain.WhatsAppSession, error)

	// UpdateFields applies a partial update
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error

	Delete(ctx context.Context, id string) error

	// ExpireStalePairing moves pairing rows untouched since before into error
	ExpireStalePairing(ctx context.Context, before time.Time, exclude []string) (int64, error)

	// PurgeTerminal removes error and duplicate rows last updated before the cutoff
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// ConversationRepository persists conversation threads.
type ConversationRepository interface {
	// Ensure returns the conversation for (connectionID, remoteJid), creating it when absent
	Ensure(ctx context.Context, ownerID, connectionID, remoteJid, name string) (*domain.WhatsAppConversation, error)

	GetByID(ctx context.Context, id int64) (*domain.WhatsAppConversation, error)

	ListByConnection(ctx context.Context, connectionID string, limit int) ([]*domain.WhatsAppConversation, error)

	// Touch moves the preview forward and bumps the unread counter for inbound traffic
	Touch(ctx context.Context, id int64, preview string, at time.Time, inbound bool) error

	ResetUnread(ctx context.Context, id int64) error
}

// MessageRepository persists canonical message records.
type MessageRepository interface {
	// Insert stores the record once per (connection_id, message_id); created is false on a replay
	Insert(ctx context.Context, m *domain.WhatsAppMessage) (created bool, err error)

	// UpdateMedia attaches the durable media reference produced by enrichment
	UpdateMedia(ctx context.Context, id int64, mime, url string, size int64) error

	ListByConversation(ctx context.Context, conversationID int64, limit int) ([]*domain.WhatsAppMessage, error)

	// MarkRead flags every inbound message of the conversation as read
	MarkRead(ctx context.Context, conversationID int64) (int64, error)
}

// Repositories groups the stores the engine depends on.
type Repositories struct {
	Sessions      SessionRepository
	Conversations ConversationRepository
	Messages      MessageRepository
}

// IDGenerator hands out snowflake ids for conversation and message rows.
type IDGenerator interface {
	NextID() int64
}

type snowflakeIDs struct {
	node *snowflake.Node
}

func (s *snowflakeIDs) NextID() int64 {
	return s.node.Generate().Int64()
}

// NewIDGenerator creates a snowflake generator for the given node number.
func NewIDGenerator(node int64) (IDGenerator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, err
	}
	return &snowflakeIDs{node: n}, nil
}
