package whatsapp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/wacrm/config"
	"github.com/talkincode/wacrm/internal/domain"
	"github.com/talkincode/wacrm/internal/fanout"
	"github.com/talkincode/wacrm/internal/repository"
	"github.com/talkincode/wacrm/internal/storage"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
)

// Options tunes the engine.
type Options struct {
	MaxSessionsPerOwner int
	QRRefreshInterval   time.Duration
	PairingTimeout      time.Duration
	ReconnectBackoffMax time.Duration
	MediaURLTTL         time.Duration
	MediaWorkers        int
	SendRate            float64 // messages per second per session, 0 means unlimited
	SendBurst           int
}

func DefaultOptions() Options {
	return Options{
		MaxSessionsPerOwner: 5,
		QRRefreshInterval:   20 * time.Second,
		PairingTimeout:      90 * time.Second,
		ReconnectBackoffMax: time.Minute,
		MediaURLTTL:         DefaultMediaURLTTL,
		MediaWorkers:        16,
		SendRate:            1,
		SendBurst:           5,
	}
}

// OptionsFromConfig maps the whatsapp config section onto Options.
func OptionsFromConfig(cfg config.WhatsAppConfig) Options {
	opts := DefaultOptions()
	opts.MaxSessionsPerOwner = cfg.MaxSessionsPerOwner
	opts.QRRefreshInterval = time.Duration(cfg.QRRefreshSeconds) * time.Second
	opts.PairingTimeout = time.Duration(cfg.PairingTimeoutSeconds) * time.Second
	opts.MediaURLTTL = time.Duration(cfg.MediaURLTTLHours) * time.Hour
	opts.MediaWorkers = cfg.MediaWorkers
	opts.SendRate = cfg.SendRatePerSecond
	opts.SendBurst = cfg.SendBurst
	return opts
}

// Service owns every session lifecycle and is the command surface the CRM talks to.
type Service struct {
	repos    *repository.Repositories
	factory  TransportFactory
	registry *Registry
	pub      fanout.Publisher
	blobs    storage.BlobStore
	opts     Options
	pool     *ants.Pool
}

// NewService wires the engine. blobs may be nil, which turns media
// enrichment off and leaves media URLs empty.
func NewService(repos *repository.Repositories, factory TransportFactory, pub fanout.Publisher, blobs storage.BlobStore, opts Options) (*Service, error) {
	workers := opts.MediaWorkers
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		zap.L().Error("whatsapp: media worker panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create media pool: %w", err)
	}
	return &Service{
		repos:    repos,
		factory:  factory,
		registry: NewRegistry(),
		pub:      pub,
		blobs:    blobs,
		opts:     opts,
		pool:     pool,
	}, nil
}

func (s *Service) Registry() *Registry {
	return s.registry
}

// SessionView is a persisted row overlaid with the live lifecycle state.
type SessionView struct {
	*domain.WhatsAppSession
	Live    bool   `json:"live"`
	QRImage string `json:"qr_image,omitempty"`
}

// Create starts a new pairing attempt for owner.
func (s *Service) Create(ctx context.Context, ownerID, name string) (*domain.WhatsAppSession, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, invalidRequest("owner_id is required")
	}
	unlock := s.registry.LockOwner(ownerID)
	defer unlock()

	if n := len(s.registry.ListByOwner(ownerID, domain.SessionConnected)); n >= s.opts.MaxSessionsPerOwner {
		zap.L().Info("whatsapp: session quota exceeded", zap.String("owner_id", ownerID), zap.Int("connected", n))
		return nil, ErrQuotaExceeded
	}

	row := &domain.WhatsAppSession{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Name:    strings.TrimSpace(name),
		Status:  domain.SessionPairing,
	}
	if err := s.repos.Sessions.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	s.start(row, false)
	zap.L().Info("whatsapp: session created", zap.String("session_id", row.ID), zap.String("owner_id", ownerID))
	return row, nil
}

func (s *Service) start(row *domain.WhatsAppSession, restoring bool) {
	sess := newSession(s, row)
	sess.restoring = restoring
	entry := Entry{ID: row.ID, OwnerID: row.OwnerID, Name: row.Name, State: domain.SessionPairing}
	if err := s.registry.Register(entry, sess); err != nil {
		zap.L().Error("whatsapp: register session", zap.String("session_id", row.ID), zap.Error(err))
		return
	}
	go sess.run()
}

// Get returns the persisted session with its live state.
func (s *Service) Get(ctx context.Context, id string) (*SessionView, error) {
	row, err := s.repos.Sessions.GetByID(ctx, id)
	if repository.IsNotFound(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	view := &SessionView{WhatsAppSession: row}
	if e, ok := s.registry.Lookup(id); ok {
		view.Live = true
		row.Status = e.State
		row.QRCode = e.QRCode
		if e.QRCode != "" {
			view.QRImage, _ = qrDataURL(e.QRCode)
		}
	}
	return view, nil
}

// ListConnected returns sessions connected both in storage and in the registry.
func (s *Service) ListConnected(ctx context.Context, ownerID string) ([]*domain.WhatsAppSession, error) {
	rows, err := s.repos.Sessions.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.WhatsAppSession, 0, len(rows))
	for _, row := range rows {
		if row.Status != domain.SessionConnected {
			continue
		}
		if e, ok := s.registry.Lookup(row.ID); ok && e.State == domain.SessionConnected {
			out = append(out, row)
		}
	}
	return out, nil
}

// Delete aborts the session whatever its state and removes its row.
func (s *Service) Delete(ctx context.Context, id string) error {
	live := false
	if h, ok := s.registry.handle(id); ok {
		live = true
		h.stop(ctx, false)
	}
	row, err := s.repos.Sessions.GetByID(ctx, id)
	switch {
	case repository.IsNotFound(err):
		if !live {
			return ErrSessionNotFound
		}
		return nil
	case err != nil:
		return err
	}
	if !live && row.Jid != "" {
		if err := s.factory.Forget(ctx, row.Jid); err != nil {
			zap.L().Warn("whatsapp: forget device failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	if err := s.repos.Sessions.Delete(ctx, id); err != nil {
		return err
	}
	if !live {
		s.pub.Publish(fanout.NewConnectionEvent(fanout.EventRemoved, id, row.OwnerID, map[string]interface{}{
			"state":  domain.SessionDisconnected,
			"reason": "deleted",
		}))
	}
	zap.L().Info("whatsapp: session deleted", zap.String("session_id", id), zap.Bool("live", live))
	return nil
}

// Send delivers a text message and stores it as sent by the agent.
func (s *Service) Send(ctx context.Context, connectionID, to, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", invalidRequest("text is required")
	}
	dest, err := ParseDestination(to)
	if err != nil {
		return "", invalidRequest(err.Error())
	}
	entry, ok := s.registry.Lookup(connectionID)
	if !ok || entry.State != domain.SessionConnected {
		return "", ErrNotConnected
	}
	sess, ok := s.registry.handle(connectionID)
	if !ok {
		return "", ErrNotConnected
	}
	t := sess.currentTransport()
	if t == nil {
		return "", ErrNotConnected
	}

	conv, err := s.repos.Conversations.Ensure(ctx, entry.OwnerID, connectionID, dest.String(), "")
	if err != nil {
		return "", fmt.Errorf("ensure conversation: %w", err)
	}
	if err := sess.limiter.Wait(ctx); err != nil {
		return "", newError(CodeSendFailed, "send cancelled", err)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	id, ts, err := t.SendMessage(ctx, dest, msg)
	if err != nil {
		zap.L().Warn("whatsapp: send failed", zap.String("session_id", connectionID), zap.Error(err))
		return "", newError(CodeSendFailed, "message could not be delivered", err)
	}

	self := t.SelfJID()
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: dest, Sender: self.ToNonAD(), IsFromMe: true},
			ID:            id,
			Timestamp:     ts,
		},
		Message: msg,
	}
	s.store(sess, conv, evt)
	return id, nil
}

// MarkRead clears unread customer messages of a conversation.
func (s *Service) MarkRead(ctx context.Context, conversationID int64) (int64, error) {
	conv, err := s.repos.Conversations.GetByID(ctx, conversationID)
	if repository.IsNotFound(err) {
		return 0, ErrConversationNotFound
	}
	if err != nil {
		return 0, err
	}
	n, err := s.repos.Messages.MarkRead(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if err := s.repos.Conversations.ResetUnread(ctx, conversationID); err != nil && !repository.IsNotFound(err) {
		return n, err
	}
	data := map[string]interface{}{"conversation_id": strconv.FormatInt(conversationID, 10), "updated": n}
	s.pub.Publish(fanout.NewConnectionEvent(fanout.EventRead, conv.ConnectionID, conv.OwnerID, data))
	s.pub.Publish(fanout.NewConversationEvent(fanout.EventRead, strconv.FormatInt(conversationID, 10), conv.ConnectionID, conv.OwnerID, data))
	return n, nil
}

// Restore re-establishes every linked session found in storage. Sessions
// that fail to come back are deleted by their lifecycle.
func (s *Service) Restore(ctx context.Context) (int, error) {
	rows, err := s.repos.Sessions.ListByStatus(ctx, domain.SessionConnected, domain.SessionPairing)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, row := range rows {
		if row.Jid == "" {
			if row.Status == domain.SessionConnected {
				if err := s.repos.Sessions.Delete(ctx, row.ID); err != nil {
					zap.L().Error("whatsapp: delete unlinked session failed",
						zap.String("session_id", row.ID), zap.Error(err))
				}
			}
			continue
		}
		if _, live := s.registry.Lookup(row.ID); live {
			continue
		}
		s.start(row, true)
		restored++
	}
	zap.L().Info("whatsapp: sessions restored", zap.Int("count", restored))
	return restored, nil
}

// LiveIDs lists the connection ids that currently have a lifecycle.
func (s *Service) LiveIDs() []string {
	return s.registry.IDs()
}

// Shutdown disconnects every transport without logging out, so the sessions
// come back on the next start.
func (s *Service) Shutdown(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range s.registry.IDs() {
		h, ok := s.registry.handle(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			h.stop(gctx, true)
			return nil
		})
	}
	_ = g.Wait()
	s.pool.Release()
}

// ingest runs on the session goroutine for every inbound protocol message.
func (s *Service) ingest(sess *Session, evt *events.Message) {
	chat := evt.Info.Chat
	if chat == types.StatusBroadcastJID || chat.Server == types.BroadcastServer {
		return
	}
	if evt.Message == nil || Ignorable(evt.Message) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	name := ""
	if !evt.Info.IsFromMe {
		name = evt.Info.PushName
	}
	conv, err := s.repos.Conversations.Ensure(ctx, sess.ownerID, sess.id, chat.ToNonAD().String(), name)
	if err != nil {
		sess.log.Error("whatsapp: ensure conversation failed, message dropped",
			zap.String("message_id", evt.Info.ID), zap.Error(err))
		return
	}
	s.store(sess, conv, evt)
}

// store persists, updates the conversation and fans out, in that order, then
// hands media to the enrichment pool.
func (s *Service) store(sess *Session, conv *domain.WhatsAppConversation, evt *events.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rec := ToRecord(evt, conv.ID, sess.id, sess.ownerID)
	created, err := s.repos.Messages.Insert(ctx, rec)
	if err != nil {
		sess.log.Error("whatsapp: persist message failed, message dropped",
			zap.String("message_id", rec.MessageID), zap.Error(err))
		return
	}
	if !created {
		sess.log.Debug("whatsapp: duplicate delivery ignored", zap.String("message_id", rec.MessageID))
		return
	}

	var duration int64
	if rec.DurationMs != nil {
		duration = *rec.DurationMs
	}
	preview := Preview(rec.Kind, rec.Content, duration)
	if err := s.repos.Conversations.Touch(ctx, conv.ID, preview, rec.Timestamp, !rec.FromMe); err != nil {
		sess.log.Warn("whatsapp: conversation touch failed", zap.Int64("conversation_id", conv.ID), zap.Error(err))
	}

	convKey := strconv.FormatInt(conv.ID, 10)
	s.pub.Publish(fanout.NewConversationEvent(fanout.EventMessage, convKey, sess.id, sess.ownerID, rec))
	s.pub.Publish(fanout.NewConnectionEvent(fanout.EventPreview, sess.id, sess.ownerID, map[string]interface{}{
		"conversation_id": convKey,
		"remote_jid":      conv.RemoteJid,
		"preview":         preview,
		"at":              rec.Timestamp,
		"from_me":         rec.FromMe,
	}))

	if s.blobs != nil && IsMediaKind(rec.Kind) {
		s.enrich(sess, convKey, rec, evt.Message)
	}
}

func (s *Service) enrich(sess *Session, convKey string, rec *domain.WhatsAppMessage, msg *waE2E.Message) {
	t := sess.currentTransport()
	if t == nil {
		return
	}
	connID, ownerID := sess.id, sess.ownerID
	prefix := fmt.Sprintf("%s/%s/%s", ownerID, connID, rec.MessageID)
	err := s.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		media, err := FetchAndStore(ctx, t, s.blobs, msg, prefix, s.opts.MediaURLTTL)
		if err != nil {
			zap.L().Warn("whatsapp: media enrichment failed",
				zap.String("session_id", connID), zap.String("message_id", rec.MessageID), zap.Error(err))
			return
		}
		if err := s.repos.Messages.UpdateMedia(ctx, rec.ID, media.Mime, media.URL, media.Size); err != nil {
			zap.L().Warn("whatsapp: media update failed", zap.String("message_id", rec.MessageID), zap.Error(err))
			return
		}
		// a session torn down meanwhile keeps the stored media but gets no event
		if _, live := s.registry.Lookup(connID); !live {
			return
		}
		s.pub.Publish(fanout.NewConversationEvent(fanout.EventMedia, convKey, connID, ownerID, map[string]interface{}{
			"id":         strconv.FormatInt(rec.ID, 10),
			"message_id": rec.MessageID,
			"media_url":  media.URL,
			"media_mime": media.Mime,
			"media_size": media.Size,
		}))
	})
	if err != nil {
		sess.log.Warn("whatsapp: media pool rejected job", zap.String("message_id", rec.MessageID), zap.Error(err))
	}
}

// ParseDestination accepts a full JID or a phone number with optional '+'.
func ParseDestination(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.EmptyJID, fmt.Errorf("destination is required")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid destination %q", to)
		}
		return jid.ToNonAD(), nil
	}
	digits := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '+':
			return -1
		}
		return r
	}, to)
	if len(digits) < 6 {
		return types.EmptyJID, fmt.Errorf("invalid destination %q", to)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return types.EmptyJID, fmt.Errorf("invalid destination %q", to)
		}
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
