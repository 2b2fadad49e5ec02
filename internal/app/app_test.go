package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/talkincode/wacrm/config"
	"github.com/talkincode/wacrm/internal/domain"
	"github.com/talkincode/wacrm/internal/fanout"
	"github.com/talkincode/wacrm/internal/repository"
	"github.com/talkincode/wacrm/internal/whatsapp"
)

func newTestApplication(t *testing.T) *Application {
	t.Helper()
	dir := t.TempDir()
	cfg := *config.DefaultAppConfig
	cfg.System.Workdir = dir
	cfg.Database.Name = "jobs.db"

	db, err := getDatabase(cfg.Database, dir)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	a := NewApplication(&cfg)
	a.OverrideDB(db)
	if err := a.MigrateDB(false); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ids, _ := repository.NewIDGenerator(1)
	a.repos = repository.NewGormRepositories(db, ids)
	a.hub = fanout.NewHub()
	a.wa, err = whatsapp.NewService(a.repos, nil, a.hub, nil, whatsapp.DefaultOptions())
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() { a.Release(context.Background()) })
	return a
}

func TestGetDatabaseSqliteLivesInDataDir(t *testing.T) {
	a := newTestApplication(t)
	if _, err := os.Stat(filepath.Join(a.Config().System.Workdir, "jobs.db")); err != nil {
		t.Fatalf("sqlite file not created: %v", err)
	}
	if _, err := getDatabase(config.DBConfig{Type: "oracle"}, t.TempDir()); err == nil {
		t.Fatal("unsupported database type should fail")
	}
}

func TestSweepPairingTask(t *testing.T) {
	a := newTestApplication(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	rows := []*domain.WhatsAppSession{
		{ID: "stale", OwnerID: "o1", Status: domain.SessionPairing, CreatedAt: old, UpdatedAt: old},
		{ID: "fresh", OwnerID: "o1", Status: domain.SessionPairing},
		{ID: "linked", OwnerID: "o1", Status: domain.SessionConnected, CreatedAt: old, UpdatedAt: old},
	}
	for _, r := range rows {
		if err := a.repos.Sessions.Create(ctx, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	a.SchedSweepPairingTask()

	want := map[string]string{
		"stale":  domain.SessionError,
		"fresh":  domain.SessionPairing,
		"linked": domain.SessionConnected,
	}
	for id, status := range want {
		row, err := a.repos.Sessions.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if row.Status != status {
			t.Errorf("%s: status %s, want %s", id, row.Status, status)
		}
	}
}

func TestPurgeSessionsTask(t *testing.T) {
	a := newTestApplication(t)
	ctx := context.Background()
	old := time.Now().Add(-8 * 24 * time.Hour)
	rows := []*domain.WhatsAppSession{
		{ID: "old-error", OwnerID: "o1", Status: domain.SessionError, CreatedAt: old, UpdatedAt: old},
		{ID: "old-dup", OwnerID: "o1", Status: domain.SessionDuplicate, CreatedAt: old, UpdatedAt: old},
		{ID: "new-error", OwnerID: "o1", Status: domain.SessionError},
		{ID: "old-connected", OwnerID: "o1", Status: domain.SessionConnected, CreatedAt: old, UpdatedAt: old},
	}
	for _, r := range rows {
		if err := a.repos.Sessions.Create(ctx, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	a.SchedPurgeSessionsTask()

	left, err := a.repos.Sessions.ListByOwner(ctx, "o1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("expected 2 rows to survive, got %d", len(left))
	}
	for _, r := range left {
		if r.ID == "old-error" || r.ID == "old-dup" {
			t.Fatalf("%s should have been purged", r.ID)
		}
	}
}
