package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Session states as persisted and published.
const (
	SessionPairing      = "pairing"
	SessionConnected    = "connected"
	SessionDisconnected = "disconnected"
	SessionError        = "error"
	SessionDuplicate    = "duplicate"
)

// Message kinds.
const (
	KindText          = "text"
	KindImage         = "image"
	KindVideo         = "video"
	KindAudio         = "audio"
	KindSticker       = "sticker"
	KindFile          = "file"
	KindLocation      = "location"
	KindButtonReply   = "button_reply"
	KindListReply     = "list_reply"
	KindTemplateReply = "template_reply"
	KindUnknown       = "unknown"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// WhatsAppSession is one attempt to link a WhatsApp account to an owner.
type WhatsAppSession struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	OwnerID        string     `json:"owner_id" gorm:"index;size:64"`
	Name           string     `json:"name"`
	Status         string     `json:"status" gorm:"index;size:16"`
	QRCode         string     `json:"qr_code,omitempty"`
	Phone          string     `json:"phone" gorm:"index;size:32"`
	Jid            string     `json:"jid" gorm:"size:128"` // device JID, set once paired
	LastError      string     `json:"last_error,omitempty"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (WhatsAppSession) TableName() string {
	return "whatsapp_session"
}

// WhatsAppConversation is the thread between a session and a remote JID.
type WhatsAppConversation struct {
	ID                 int64      `json:"id,string" gorm:"primaryKey"`
	OwnerID            string     `json:"owner_id" gorm:"index;size:64"`
	ConnectionID       string     `json:"connection_id" gorm:"uniqueIndex:uk_conv_remote;size:36"`
	RemoteJid          string     `json:"remote_jid" gorm:"uniqueIndex:uk_conv_remote;size:128"`
	Name               string     `json:"name"`
	LastMessagePreview string     `json:"last_message_preview"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty" gorm:"index"`
	UnreadCount        int        `json:"unread_count"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (WhatsAppConversation) TableName() string {
	return "whatsapp_conversation"
}

// WhatsAppMessage is the canonical record every provider payload maps into.
type WhatsAppMessage struct {
	ID             int64          `json:"id,string" gorm:"primaryKey"`
	MessageID      string         `json:"message_id" gorm:"uniqueIndex:uk_msg_provider;size:128"`
	ConnectionID   string         `json:"connection_id" gorm:"uniqueIndex:uk_msg_provider;size:36"`
	ConversationID int64          `json:"conversation_id,string" gorm:"index"`
	OwnerID        string         `json:"owner_id" gorm:"index;size:64"`
	FromMe         bool           `json:"from_me"`
	Direction      string         `json:"direction" gorm:"size:16"`
	Kind           string         `json:"kind" gorm:"size:32"`
	Content        string         `json:"content"`
	MediaMime      *string        `json:"media_mime,omitempty"`
	MediaURL       *string        `json:"media_url,omitempty"`
	MediaSize      *int64         `json:"media_size,omitempty"`
	DurationMs     *int64         `json:"duration_ms,omitempty"`
	Latitude       *float64       `json:"latitude,omitempty"`
	Longitude      *float64       `json:"longitude,omitempty"`
	SelectedID     *string        `json:"selected_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp" gorm:"index"`
	Read           bool           `json:"read"`
	Raw            datatypes.JSON `json:"raw,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (WhatsAppMessage) TableName() string {
	return "whatsapp_message"
}
