package whatsapp

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.mau.fi/whatsmeow/types/events"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newWhatsmeowTransport(t *testing.T, handler func(evt interface{})) *whatsmeowTransport {
	t.Helper()
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "device.db")+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	container, err := OpenDeviceStore(ctx, sqlDB, "sqlite")
	if err != nil {
		t.Fatalf("device store: %v", err)
	}
	tr, err := NewWhatsmeowFactory(container, "").NewTransport(ctx, TransportSpec{SessionID: "s1"}, handler)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	return tr.(*whatsmeowTransport)
}

func TestPairingRefreshServesBatchThenRehandshakes(t *testing.T) {
	var first string
	tr := newWhatsmeowTransport(t, func(evt interface{}) {
		if pc, ok := evt.(*PairingCode); ok {
			first = pc.Code
		}
	})
	var redials atomic.Int32
	tr.redial = func() error {
		redials.Add(1)
		return nil
	}

	tr.dispatch(&events.QR{Codes: []string{"c1", "c2"}})
	if first != "c1" {
		t.Fatalf("first code = %q", first)
	}
	if code, ok := tr.RefreshPairing(); !ok || code != "c2" {
		t.Fatalf("refresh = %q %v", code, ok)
	}
	if _, ok := tr.RefreshPairing(); ok {
		t.Fatal("exhausted batch must not hand out a code")
	}
	eventually(t, "re-handshake", func() bool { return redials.Load() == 1 })
}

func TestPairingRefreshAfterCloseDoesNotRedial(t *testing.T) {
	tr := newWhatsmeowTransport(t, func(interface{}) {})
	var redials atomic.Int32
	tr.redial = func() error {
		redials.Add(1)
		return nil
	}

	tr.dispatch(&events.QR{Codes: []string{"c1"}})
	tr.Disconnect()
	if _, ok := tr.RefreshPairing(); ok {
		t.Fatal("closed transport handed out a code")
	}
	time.Sleep(50 * time.Millisecond)
	if n := redials.Load(); n != 0 {
		t.Fatalf("closed transport redialed %d times", n)
	}
}
