package whatsapp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/talkincode/wacrm/internal/domain"
	"github.com/talkincode/wacrm/internal/fanout"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// inbox messages produced by timers and callers
type (
	transportEvent struct {
		gen uint64
		evt interface{}
	}
	qrTick          struct{ epoch uint64 }
	pairingDeadline struct{ epoch uint64 }
	reconnectTick   struct{ epoch uint64 }
	stopRequest     struct{ shutdown bool }
)

// Session is the lifecycle of one messaging session. All state changes happen
// on its run goroutine; other goroutines talk to it through the inbox.
type Session struct {
	id      string
	ownerID string
	name    string
	svc     *Service
	log     *zap.Logger

	inbox  chan interface{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// run goroutine only
	state     string
	epoch     uint64
	deviceJID string
	restoring bool
	refresh   *time.Timer
	deadline  *time.Timer
	retry     *time.Timer
	backoff   time.Duration

	gen atomic.Uint64

	mu        sync.RWMutex
	transport Transport
	limiter   *rate.Limiter
}

func newSession(svc *Service, row *domain.WhatsAppSession) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	if svc.opts.SendRate > 0 {
		limit = rate.Limit(svc.opts.SendRate)
	}
	burst := svc.opts.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return &Session{
		id:        row.ID,
		ownerID:   row.OwnerID,
		name:      row.Name,
		svc:       svc,
		log:       zap.L().With(zap.String("session_id", row.ID), zap.String("owner_id", row.OwnerID)),
		inbox:     make(chan interface{}, 256),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		deviceJID: row.Jid,
		limiter:   rate.NewLimiter(limit, burst),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) enqueue(v interface{}) {
	select {
	case s.inbox <- v:
	case <-s.ctx.Done():
	}
}

func (s *Session) currentTransport() Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()
	if s.enterPairing() {
		return
	}
	for v := range s.inbox {
		if s.handle(v) {
			return
		}
	}
}

// stop asks the lifecycle to tear down and waits for it to exit.
func (s *Session) stop(ctx context.Context, shutdown bool) {
	s.enqueue(stopRequest{shutdown: shutdown})
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// handle applies one inbox message; it returns true once the session is terminal.
func (s *Session) handle(v interface{}) bool {
	switch m := v.(type) {
	case transportEvent:
		if m.gen != s.gen.Load() {
			return false
		}
		return s.handleProtocol(m.evt)
	case qrTick:
		if m.epoch != s.epoch || s.state != domain.SessionPairing {
			return false
		}
		if t := s.currentTransport(); t != nil {
			if code, ok := t.RefreshPairing(); ok {
				s.issueCode(code)
			}
		}
		s.armRefresh()
		return false
	case pairingDeadline:
		if m.epoch != s.epoch || s.state != domain.SessionPairing {
			return false
		}
		s.terminate(domain.SessionError, ErrPairingExpired)
		return true
	case reconnectTick:
		if m.epoch != s.epoch || s.state != domain.SessionPairing {
			return false
		}
		// the timer has fired; a later drop must be free to redial
		s.retry = nil
		return s.dialOrRetry()
	case stopRequest:
		if m.shutdown {
			s.shutdown()
		} else {
			s.abort()
		}
		return true
	}
	return false
}

func (s *Session) handleProtocol(evt interface{}) bool {
	switch e := evt.(type) {
	case *PairingCode:
		if s.state == domain.SessionPairing && s.deviceJID == "" {
			s.issueCode(e.Code)
		}
	case *events.PairSuccess:
		s.deviceJID = e.ID.String()
		s.persist(map[string]interface{}{"jid": s.deviceJID})
		s.log.Info("whatsapp: pair success", zap.String("jid", s.deviceJID), zap.String("platform", e.Platform))
	case *events.Connected:
		if s.state == domain.SessionConnected {
			return false
		}
		return s.open()
	case *events.LoggedOut:
		return s.loggedOut(fmt.Sprintf("logged out (%v)", e.Reason))
	case *events.ConnectFailure:
		if e.Reason.IsLoggedOut() {
			return s.loggedOut(fmt.Sprintf("logged out (%v)", e.Reason))
		}
		return s.closed(fmt.Sprintf("connect failure (%v)", e.Reason))
	case *events.Disconnected:
		return s.closed("connection closed")
	case *events.StreamReplaced:
		return s.closed("stream replaced")
	case *events.Message:
		if s.state == domain.SessionConnected {
			s.svc.ingest(s, e)
		}
	}
	return false
}

// enterPairing moves into PAIRING and dials a fresh transport. Unlinked
// devices get the refresh and expiry countdowns; linked devices are simply
// reconnecting and have no code on screen.
func (s *Session) enterPairing() bool {
	s.stopTimers()
	s.state = domain.SessionPairing
	s.svc.registry.Update(s.id, func(e *Entry) {
		e.State = domain.SessionPairing
		e.QRCode = ""
	})
	s.persist(map[string]interface{}{"status": domain.SessionPairing, "qr_code": ""})
	if s.deviceJID == "" {
		s.armRefresh()
		epoch := s.epoch
		s.deadline = time.AfterFunc(s.svc.opts.PairingTimeout, func() { s.enqueue(pairingDeadline{epoch: epoch}) })
	}
	return s.dialOrRetry()
}

func (s *Session) armRefresh() {
	epoch := s.epoch
	s.refresh = time.AfterFunc(s.svc.opts.QRRefreshInterval, func() { s.enqueue(qrTick{epoch: epoch}) })
}

// stopTimers cancels the countdowns and bumps the epoch so ticks already
// queued are ignored.
func (s *Session) stopTimers() {
	for _, t := range []*time.Timer{s.refresh, s.deadline, s.retry} {
		if t != nil {
			t.Stop()
		}
	}
	s.refresh, s.deadline, s.retry = nil, nil, nil
	s.epoch++
}

func (s *Session) dial() error {
	gen := s.gen.Add(1)
	handler := func(evt interface{}) {
		if s.gen.Load() != gen {
			return
		}
		s.enqueue(transportEvent{gen: gen, evt: evt})
	}
	t, err := s.svc.factory.NewTransport(s.ctx, TransportSpec{SessionID: s.id, DeviceJID: s.deviceJID}, handler)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	s.mu.Lock()
	old := s.transport
	s.transport = t
	s.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}
	if err := t.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (s *Session) dialOrRetry() bool {
	err := s.dial()
	if err == nil {
		return false
	}
	s.log.Warn("whatsapp: dial failed", zap.Error(err), zap.Bool("linked", s.deviceJID != ""))
	switch {
	case s.restoring:
		s.abandonRestore(err)
		return true
	case s.deviceJID != "":
		s.scheduleReconnect()
		return false
	default:
		s.terminate(domain.SessionError, newError(CodeNotConnected, "transport failed to start", err))
		return true
	}
}

func (s *Session) scheduleReconnect() {
	if s.backoff == 0 {
		s.backoff = time.Second
	} else {
		s.backoff *= 2
	}
	if limit := s.svc.opts.ReconnectBackoffMax; limit > 0 && s.backoff > limit {
		s.backoff = limit
	}
	epoch := s.epoch
	s.retry = time.AfterFunc(s.backoff, func() { s.enqueue(reconnectTick{epoch: epoch}) })
}

func (s *Session) issueCode(code string) {
	s.svc.registry.Update(s.id, func(e *Entry) { e.QRCode = code })
	s.persist(map[string]interface{}{"qr_code": code})
	data := map[string]interface{}{"code": code}
	if img, err := qrDataURL(code); err == nil {
		data["image"] = img
	}
	s.publish(fanout.EventQR, data)
}

func (s *Session) open() bool {
	s.stopTimers()
	s.backoff = 0
	self := s.currentTransport().SelfJID()
	if !self.IsEmpty() {
		s.deviceJID = self.String()
	}
	phone := self.User

	conflict, err := s.svc.registry.ClaimConnected(s.id, phone, s.svc.opts.MaxSessionsPerOwner)
	switch {
	case errors.Is(err, ErrDuplicateConnection):
		s.duplicate(conflict, phone)
		return true
	case errors.Is(err, ErrQuotaExceeded):
		s.terminate(domain.SessionError, err)
		return true
	case err != nil:
		// removed from the registry while connecting
		s.closeTransport(false)
		return true
	}

	s.state = domain.SessionConnected
	s.restoring = false
	now := time.Now()
	s.persist(map[string]interface{}{
		"status":       domain.SessionConnected,
		"phone":        phone,
		"jid":          s.deviceJID,
		"qr_code":      "",
		"last_error":   "",
		"connected_at": &now,
	})
	s.log.Info("whatsapp: session connected", zap.String("phone", phone))
	s.publish(fanout.EventStatus, map[string]interface{}{
		"status": "open",
		"state":  domain.SessionConnected,
		"phone":  phone,
	})
	return false
}

func (s *Session) duplicate(conflictID, phone string) {
	s.state = domain.SessionDuplicate
	s.svc.registry.Remove(s.id)
	s.closeTransport(true)
	s.persist(map[string]interface{}{
		"status":     domain.SessionDuplicate,
		"phone":      phone,
		"qr_code":    "",
		"last_error": "phone already connected by " + conflictID,
	})
	s.log.Warn("whatsapp: duplicate session torn down",
		zap.String("phone", phone), zap.String("conflict_id", conflictID))
	s.publish(fanout.EventDuplicate, map[string]interface{}{
		"connection_id":             s.id,
		"conflicting_connection_id": conflictID,
		"phone":                     phone,
		"code":                      CodeDuplicateConnection,
	})
}

// closed handles a recoverable drop: a connected session re-enters pairing,
// one already pairing just redials within its current window.
func (s *Session) closed(reason string) bool {
	switch {
	case s.restoring:
		s.abandonRestore(errors.New(reason))
		return true
	case s.state == domain.SessionConnected:
		now := time.Now()
		s.persist(map[string]interface{}{
			"status":          domain.SessionDisconnected,
			"disconnected_at": &now,
			"last_error":      reason,
		})
		s.log.Info("whatsapp: connection lost, reconnecting", zap.String("reason", reason))
		s.publish(fanout.EventStatus, map[string]interface{}{
			"state":        domain.SessionDisconnected,
			"reason":       reason,
			"reconnecting": true,
		})
		return s.enterPairing()
	case s.state == domain.SessionPairing:
		if s.retry != nil {
			return false
		}
		return s.dialOrRetry()
	}
	return false
}

func (s *Session) loggedOut(reason string) bool {
	s.stopTimers()
	s.state = domain.SessionDisconnected
	s.svc.registry.Remove(s.id)
	s.closeTransport(false)
	s.forgetDevice()
	now := time.Now()
	s.persist(map[string]interface{}{
		"status":          domain.SessionDisconnected,
		"disconnected_at": &now,
		"qr_code":         "",
		"last_error":      reason,
	})
	s.log.Info("whatsapp: session logged out", zap.String("reason", reason))
	s.publish(fanout.EventRemoved, map[string]interface{}{
		"state":  domain.SessionDisconnected,
		"reason": reason,
	})
	return true
}

// terminate ends the session in a terminal error state.
func (s *Session) terminate(state string, cause error) {
	s.stopTimers()
	s.state = state
	s.svc.registry.Remove(s.id)
	// a device that linked but may not stay is unlinked again
	s.closeTransport(s.deviceJID != "" && CodeOf(cause) == CodeQuotaExceeded)
	s.persist(map[string]interface{}{
		"status":     state,
		"qr_code":    "",
		"last_error": cause.Error(),
	})
	s.log.Warn("whatsapp: session terminated", zap.String("state", state), zap.Error(cause))
	s.publish(fanout.EventStatus, map[string]interface{}{
		"state": state,
		"code":  CodeOf(cause),
		"error": cause.Error(),
	})
}

func (s *Session) abandonRestore(cause error) {
	s.stopTimers()
	s.state = domain.SessionDisconnected
	s.svc.registry.Remove(s.id)
	s.closeTransport(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.svc.repos.Sessions.Delete(ctx, s.id); err != nil {
		s.log.Error("whatsapp: delete unrestorable session failed", zap.Error(err))
	}
	s.forgetDevice()
	s.log.Warn("whatsapp: session could not be restored, removed", zap.Error(cause))
	s.publish(fanout.EventRemoved, map[string]interface{}{
		"state":  domain.SessionDisconnected,
		"reason": "restore failed",
	})
}

// abort is the explicit delete path; the caller removes the row.
func (s *Session) abort() {
	s.stopTimers()
	s.state = domain.SessionDisconnected
	s.svc.registry.Remove(s.id)
	s.closeTransport(s.deviceJID != "")
	s.forgetDevice()
	s.publish(fanout.EventRemoved, map[string]interface{}{
		"state":  domain.SessionDisconnected,
		"reason": "deleted",
	})
}

// shutdown leaves the persisted state alone so the session is restored on the next start.
func (s *Session) shutdown() {
	s.stopTimers()
	s.svc.registry.Remove(s.id)
	s.closeTransport(false)
}

func (s *Session) closeTransport(logout bool) {
	s.gen.Add(1)
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()
	if t == nil {
		return
	}
	if !logout {
		t.Disconnect()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := t.Logout(ctx); err != nil {
		s.log.Warn("whatsapp: logout failed", zap.Error(err))
		t.Disconnect()
	}
}

func (s *Session) forgetDevice() {
	if s.deviceJID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.svc.factory.Forget(ctx, s.deviceJID); err != nil {
		s.log.Warn("whatsapp: forget device failed", zap.Error(err))
	}
}

func (s *Session) persist(fields map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.svc.repos.Sessions.UpdateFields(ctx, s.id, fields); err != nil {
		s.log.Error("whatsapp: persist session failed", zap.Error(err))
	}
}

func (s *Session) publish(typ string, data interface{}) {
	s.svc.pub.Publish(fanout.NewConnectionEvent(typ, s.id, s.ownerID, data))
}

func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
