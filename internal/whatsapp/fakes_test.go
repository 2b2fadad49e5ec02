package whatsapp

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/talkincode/wacrm/internal/domain"
	"github.com/talkincode/wacrm/internal/fanout"
	"github.com/talkincode/wacrm/internal/repository"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeTransport struct {
	spec    TransportSpec
	handler func(evt interface{})

	mu           sync.Mutex
	self         types.JID
	connectErr   error
	connects     int
	refreshes    int
	disconnected bool
	loggedOut    bool
	sent         []*waE2E.Message
	payload      []byte
	downloadErr  error
}

func (f *fakeTransport) emit(evt interface{}) {
	f.handler(evt)
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeTransport) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeTransport) RefreshPairing() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return "code-refresh", true
}

func (f *fakeTransport) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fakeTransport) isLoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

func (f *fakeTransport) setSelf(jid types.JID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.self = jid
}

func (f *fakeTransport) SelfJID() types.JID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.self
}

func (f *fakeTransport) SendMessage(_ context.Context, _ types.JID, msg *waE2E.Message) (types.MessageID, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return "OUT-1", time.Unix(1700000000, 0), nil
}

func (f *fakeTransport) Download(context.Context, whatsmeow.DownloadableMessage) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.payload, nil
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failJID    string
	forgotten  []string
	// configure is applied to every transport before it is handed out
	configure func(t *fakeTransport)
}

func (f *fakeFactory) NewTransport(_ context.Context, spec TransportSpec, handler func(evt interface{})) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failJID != "" && spec.DeviceJID == f.failJID {
		return nil, errors.New("device not in store")
	}
	t := &fakeTransport{spec: spec, handler: handler}
	if f.configure != nil {
		f.configure(t)
	}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) Forget(_ context.Context, jid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, jid)
	return nil
}

// latest returns the newest transport built for a session.
func (f *fakeFactory) latest(sessionID string) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.transports) - 1; i >= 0; i-- {
		if f.transports[i].spec.SessionID == sessionID {
			return f.transports[i]
		}
	}
	return nil
}

func (f *fakeFactory) count(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.transports {
		if t.spec.SessionID == sessionID {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*fanout.Event
	hook   func(ev *fanout.Event)
}

func (p *recordingPublisher) Publish(ev *fanout.Event) {
	if p.hook != nil {
		p.hook(ev)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) find(match func(ev *fanout.Event) bool) *fanout.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if match(ev) {
			return ev
		}
	}
	return nil
}

func (p *recordingPublisher) countType(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func dataField(ev *fanout.Event, key string) interface{} {
	m, ok := ev.Data.(map[string]interface{})
	if !ok {
		return nil
	}
	return m[key]
}

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (m *memoryBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = data
	return nil
}

func (m *memoryBlobs) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blob.local/" + key, nil
}

type harness struct {
	svc     *Service
	repos   *repository.Repositories
	factory *fakeFactory
	pub     *recordingPublisher
	blobs   *memoryBlobs
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.QRRefreshInterval = 20 * time.Millisecond
	opts.PairingTimeout = 150 * time.Millisecond
	opts.ReconnectBackoffMax = 20 * time.Millisecond
	opts.SendRate = 0
	opts.MediaWorkers = 2
	return opts
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "wa.db")+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ids, err := repository.NewIDGenerator(1)
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	h := &harness{
		repos:   repository.NewGormRepositories(db, ids),
		factory: &fakeFactory{},
		pub:     &recordingPublisher{},
		blobs:   &memoryBlobs{},
	}
	h.svc, err = NewService(h.repos, h.factory, h.pub, h.blobs, opts)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.svc.Shutdown(ctx)
	})
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// transportFor waits for the session's n-th transport.
func (h *harness) transportFor(t *testing.T, sessionID string, n int) *fakeTransport {
	t.Helper()
	eventually(t, "transport", func() bool { return h.factory.count(sessionID) >= n })
	return h.factory.latest(sessionID)
}

func (h *harness) status(t *testing.T, id string) string {
	t.Helper()
	row, err := h.repos.Sessions.GetByID(context.Background(), id)
	if err != nil {
		return ""
	}
	return row.Status
}

// connect drives a freshly created session to CONNECTED as phone.
func (h *harness) connect(t *testing.T, sessionID, phone string) *fakeTransport {
	t.Helper()
	tr := h.transportFor(t, sessionID, 1)
	tr.setSelf(types.NewADJID(phone, 0, 3))
	tr.emit(&events.Connected{})
	eventually(t, "connected", func() bool {
		e, ok := h.svc.registry.Lookup(sessionID)
		return ok && e.State == domain.SessionConnected
	})
	return tr
}
