package repository

import (
	"context"
	"errors"
	"time"

	"github.com/talkincode/wacrm/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = gorm.ErrRecordNotFound

// IsNotFound reports whether err is a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// NewGormRepositories wires every store against one database handle.
func NewGormRepositories(db *gorm.DB, ids IDGenerator) *Repositories {
	return &Repositories{
		Sessions:      NewGormSessionRepository(db),
		Conversations: NewGormConversationRepository(db, ids),
		Messages:      NewGormMessageRepository(db, ids),
	}
}

// GormSessionRepository is the GORM implementation of SessionRepository
type GormSessionRepository struct {
	db *gorm.DB
}

func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

func (r *GormSessionRepository) Create(ctx context.Context, s *domain.WhatsAppSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *GormSessionRepository) GetByID(ctx context.Context, id string) (*domain.WhatsAppSession, error) {
	var s domain.WhatsAppSession
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GormSessionRepository) ListByOwner(ctx context.Context, ownerID string) ([]*domain.WhatsAppSession, error) {
	var rows []*domain.WhatsAppSession
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (r *GormSessionRepository) ListByStatus(ctx context.Context, statuses ...string) ([]*domain.WhatsAppSession, error) {
	var rows []*domain.WhatsAppSession
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *GormSessionRepository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	return r.db.WithContext(ctx).Model(&domain.WhatsAppSession{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *GormSessionRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.WhatsAppSession{}).Error
}

func (r *GormSessionRepository) ExpireStalePairing(ctx context.Context, before time.Time, exclude []string) (int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.WhatsAppSession{}).
		Where("status = ? AND updated_at < ?", domain.SessionPairing, before)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	res := q.Updates(map[string]interface{}{
		"status":     domain.SessionError,
		"qr_code":    "",
		"last_error": "pairing abandoned",
		"updated_at": time.Now(),
	})
	return res.RowsAffected, res.Error
}

func (r *GormSessionRepository) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{domain.SessionError, domain.SessionDuplicate}, before).
		Delete(&domain.WhatsAppSession{})
	return res.RowsAffected, res.Error
}

// GormConversationRepository is the GORM implementation of ConversationRepository
type GormConversationRepository struct {
	db  *gorm.DB
	ids IDGenerator
}

func NewGormConversationRepository(db *gorm.DB, ids IDGenerator) *GormConversationRepository {
	return &GormConversationRepository{db: db, ids: ids}
}

func (r *GormConversationRepository) Ensure(ctx context.Context, ownerID, connectionID, remoteJid, name string) (*domain.WhatsAppConversation, error) {
	db := r.db.WithContext(ctx)
	conv := &domain.WhatsAppConversation{
		ID:           r.ids.NextID(),
		OwnerID:      ownerID,
		ConnectionID: connectionID,
		RemoteJid:    remoteJid,
		Name:         name,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}, {Name: "remote_jid"}},
		DoNothing: true,
	}).Create(conv).Error
	if err != nil {
		return nil, err
	}

	var existing domain.WhatsAppConversation
	if err := db.Where("connection_id = ? AND remote_jid = ?", connectionID, remoteJid).First(&existing).Error; err != nil {
		return nil, err
	}
	// the name is best effort: a failed update must not cost the caller its message
	if name != "" && existing.Name == "" {
		if err := db.Model(&domain.WhatsAppConversation{}).Where("id = ?", existing.ID).Update("name", name).Error; err != nil {
			zap.L().Warn("repository: conversation name update failed",
				zap.Int64("conversation_id", existing.ID), zap.Error(err))
		} else {
			existing.Name = name
		}
	}
	return &existing, nil
}

func (r *GormConversationRepository) GetByID(ctx context.Context, id int64) (*domain.WhatsAppConversation, error) {
	var conv domain.WhatsAppConversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *GormConversationRepository) ListByConnection(ctx context.Context, connectionID string, limit int) ([]*domain.WhatsAppConversation, error) {
	var rows []*domain.WhatsAppConversation
	q := r.db.WithContext(ctx).Where("connection_id = ?", connectionID).Order("last_message_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (r *GormConversationRepository) Touch(ctx context.Context, id int64, preview string, at time.Time, inbound bool) error {
	db := r.db.WithContext(ctx)
	// older messages arriving late never rewind the preview
	err := db.Model(&domain.WhatsAppConversation{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", id, at).
		Updates(map[string]interface{}{
			"last_message_preview": preview,
			"last_message_at":      at,
			"updated_at":           time.Now(),
		}).Error
	if err != nil || !inbound {
		return err
	}
	return db.Model(&domain.WhatsAppConversation{}).
		Where("id = ?", id).
		Update("unread_count", gorm.Expr("unread_count + ?", 1)).Error
}

func (r *GormConversationRepository) ResetUnread(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Model(&domain.WhatsAppConversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"unread_count": 0, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GormMessageRepository is the GORM implementation of MessageRepository
type GormMessageRepository struct {
	db  *gorm.DB
	ids IDGenerator
}

func NewGormMessageRepository(db *gorm.DB, ids IDGenerator) *GormMessageRepository {
	return &GormMessageRepository{db: db, ids: ids}
}

func (r *GormMessageRepository) Insert(ctx context.Context, m *domain.WhatsAppMessage) (bool, error) {
	if m.ID == 0 {
		m.ID = r.ids.NextID()
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}, {Name: "message_id"}},
		DoNothing: true,
	}).Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GormMessageRepository) UpdateMedia(ctx context.Context, id int64, mime, url string, size int64) error {
	return r.db.WithContext(ctx).Model(&domain.WhatsAppMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"media_mime": mime,
			"media_url":  url,
			"media_size": size,
		}).Error
}

func (r *GormMessageRepository) ListByConversation(ctx context.Context, conversationID int64, limit int) ([]*domain.WhatsAppMessage, error) {
	var rows []*domain.WhatsAppMessage
	q := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (r *GormMessageRepository) MarkRead(ctx context.Context, conversationID int64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.WhatsAppMessage{}).
		Where("conversation_id = ? AND from_me = ? AND read = ?", conversationID, false, false).
		Update("read", true)
	return res.RowsAffected, res.Error
}
