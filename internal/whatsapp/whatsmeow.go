package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// OpenDeviceStore puts whatsmeow's auth tables next to the application tables
// on the same connection pool.
func OpenDeviceStore(ctx context.Context, sqlDB *sql.DB, dbType string) (*sqlstore.Container, error) {
	driver := "sqlite3"
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		// sqlstore migrations need foreign keys on sqlite
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}

	container := sqlstore.NewWithDB(sqlDB, driver, NewZapLogger("sqlstore"))
	if err := container.Upgrade(ctx); err != nil {
		zap.L().Error("whatsapp: sqlstore.Upgrade failed", zap.Error(err), zap.String("driver", driver))
		return nil, fmt.Errorf("sqlstore upgrade failed: %w", err)
	}
	return container, nil
}

// WhatsmeowFactory builds transports backed by whatsmeow clients.
type WhatsmeowFactory struct {
	container *sqlstore.Container
	log       waLog.Logger
}

var _ TransportFactory = (*WhatsmeowFactory)(nil)

// NewWhatsmeowFactory also sets the device name shown in the phone's linked devices list.
func NewWhatsmeowFactory(container *sqlstore.Container, deviceName string) *WhatsmeowFactory {
	if deviceName != "" {
		store.SetOSInfo(deviceName, [3]uint32{1, 0, 0})
	}
	return &WhatsmeowFactory{container: container, log: NewZapLogger("whatsmeow")}
}

func (f *WhatsmeowFactory) device(ctx context.Context, deviceJID string) (*store.Device, error) {
	if deviceJID == "" {
		return f.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(deviceJID)
	if err != nil {
		return nil, fmt.Errorf("parse device jid %q: %w", deviceJID, err)
	}
	dev, err := f.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", deviceJID, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("device %s not in store", deviceJID)
	}
	return dev, nil
}

func (f *WhatsmeowFactory) NewTransport(ctx context.Context, spec TransportSpec, handler func(evt interface{})) (Transport, error) {
	dev, err := f.device(ctx, spec.DeviceJID)
	if err != nil {
		return nil, err
	}
	client := whatsmeow.NewClient(dev, f.log.Sub(spec.SessionID))
	// reconnects are driven by the session lifecycle
	client.EnableAutoReconnect = false
	t := &whatsmeowTransport{client: client, handler: handler, sessionID: spec.SessionID, redial: client.Connect}
	client.AddEventHandler(t.dispatch)
	return t, nil
}

func (f *WhatsmeowFactory) Forget(ctx context.Context, deviceJID string) error {
	if deviceJID == "" {
		return nil
	}
	jid, err := types.ParseJID(deviceJID)
	if err != nil {
		return err
	}
	dev, err := f.container.GetDevice(ctx, jid)
	if err != nil || dev == nil {
		return err
	}
	return f.container.DeleteDevice(ctx, dev)
}

type whatsmeowTransport struct {
	client    *whatsmeow.Client
	handler   func(evt interface{})
	sessionID string
	redial    func() error

	mu     sync.Mutex
	codes  []string
	next   int
	closed bool

	// held across a pairing re-handshake so a close cannot interleave with it
	dialMu sync.Mutex
}

func (t *whatsmeowTransport) dispatch(evt interface{}) {
	qr, ok := evt.(*events.QR)
	if !ok {
		t.handler(evt)
		return
	}
	if len(qr.Codes) == 0 {
		return
	}
	t.mu.Lock()
	t.codes = qr.Codes
	t.next = 1
	t.mu.Unlock()
	t.handler(&PairingCode{Code: qr.Codes[0]})
}

func (t *whatsmeowTransport) Connect() error {
	return t.client.Connect()
}

func (t *whatsmeowTransport) Disconnect() {
	t.markClosed()
	t.dialMu.Lock()
	defer t.dialMu.Unlock()
	t.client.Disconnect()
}

func (t *whatsmeowTransport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *whatsmeowTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *whatsmeowTransport) Logout(ctx context.Context) error {
	t.markClosed()
	t.dialMu.Lock()
	defer t.dialMu.Unlock()
	if t.client.Store.ID == nil {
		t.client.Disconnect()
		return nil
	}
	return t.client.Logout(ctx)
}

func (t *whatsmeowTransport) RefreshPairing() (string, bool) {
	t.mu.Lock()
	if t.next < len(t.codes) {
		code := t.codes[t.next]
		t.next++
		t.mu.Unlock()
		return code, true
	}
	t.codes = nil
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return "", false
	}

	// batch used up: a new login handshake hands out a new one
	go func() {
		t.dialMu.Lock()
		defer t.dialMu.Unlock()
		// the session may have let go of this transport meanwhile
		if t.isClosed() {
			return
		}
		t.client.Disconnect()
		if err := t.redial(); err != nil {
			zap.L().Warn("whatsapp: pairing reconnect failed",
				zap.String("session_id", t.sessionID), zap.Error(err))
		}
	}()
	return "", false
}

func (t *whatsmeowTransport) SelfJID() types.JID {
	if t.client.Store == nil || t.client.Store.ID == nil {
		return types.EmptyJID
	}
	return *t.client.Store.ID
}

func (t *whatsmeowTransport) SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message) (types.MessageID, time.Time, error) {
	resp, err := t.client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.ID, resp.Timestamp, nil
}

func (t *whatsmeowTransport) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return t.client.Download(ctx, msg)
}

// zapLogger bridges whatsmeow's logger onto the global zap logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func NewZapLogger(module string) waLog.Logger {
	return &zapLogger{s: zap.S().Named(module)}
}

func (l *zapLogger) Debugf(msg string, args ...interface{}) { l.s.Debugf(msg, args...) }
func (l *zapLogger) Infof(msg string, args ...interface{})  { l.s.Infof(msg, args...) }
func (l *zapLogger) Warnf(msg string, args ...interface{})  { l.s.Warnf(msg, args...) }
func (l *zapLogger) Errorf(msg string, args ...interface{}) { l.s.Errorf(msg, args...) }

func (l *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{s: l.s.Named(module)}
}
