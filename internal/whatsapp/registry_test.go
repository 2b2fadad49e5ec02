package whatsapp

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/talkincode/wacrm/internal/domain"
)

func pairingEntry(id, owner string) Entry {
	return Entry{ID: id, OwnerID: owner, State: domain.SessionPairing}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(pairingEntry("a", "o1"), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(pairingEntry("a", "o1"), nil); err == nil {
		t.Fatal("second registration should fail")
	}
	e, ok := r.Lookup("a")
	if !ok || e.State != domain.SessionPairing {
		t.Fatalf("lookup: %+v %v", e, ok)
	}
	e.State = "mutated"
	if again, _ := r.Lookup("a"); again.State != domain.SessionPairing {
		t.Fatal("lookup must return a copy")
	}
	if r.Update("missing", func(e *Entry) { e.State = "x" }) {
		t.Fatal("update of unknown id should report false")
	}
	r.Remove("a")
	if _, ok := r.Lookup("a"); ok || r.Len() != 0 {
		t.Fatal("entry not removed")
	}
}

func TestClaimConnectedDuplicatePhone(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(pairingEntry("a", "o1"), nil)
	_ = r.Register(pairingEntry("b", "o1"), nil)
	_ = r.Register(pairingEntry("c", "o2"), nil)

	if _, err := r.ClaimConnected("a", "551100", 5); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	conflict, err := r.ClaimConnected("b", "551100", 5)
	if !errors.Is(err, ErrDuplicateConnection) || conflict != "a" {
		t.Fatalf("expected duplicate of a, got %q %v", conflict, err)
	}
	// duplicates are scoped to one owner
	if _, err := r.ClaimConnected("c", "551100", 5); err != nil {
		t.Fatalf("other owner claim: %v", err)
	}
	if _, err := r.ClaimConnected("missing", "1", 5); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClaimConnectedQuota(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		_ = r.Register(pairingEntry(id, "o1"), nil)
	}
	_, _ = r.ClaimConnected("a", "1", 2)
	_, _ = r.ClaimConnected("b", "2", 2)
	if _, err := r.ClaimConnected("c", "3", 2); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if e, _ := r.Lookup("c"); e.State != domain.SessionPairing {
		t.Fatal("rejected claim must not change state")
	}
	if n := len(r.ListByOwner("o1", domain.SessionConnected)); n != 2 {
		t.Fatalf("connected = %d", n)
	}
}

func TestClaimConnectedRace(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := NewRegistry()
		ids := []string{"a", "b", "c", "d"}
		for _, id := range ids {
			_ = r.Register(pairingEntry(id, "o1"), nil)
		}
		var wins atomic.Int32
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := r.ClaimConnected(id, "551199", 5); err == nil {
					wins.Add(1)
				}
			}(id)
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("round %d: %d sessions claimed the same phone", round, wins.Load())
		}
	}
}

func TestLockOwnerSerializes(t *testing.T) {
	r := NewRegistry()
	unlock := r.LockOwner("o1")

	acquired := make(chan struct{})
	go func() {
		release := r.LockOwner("o1")
		close(acquired)
		release()
	}()
	select {
	case <-acquired:
		t.Fatal("second lock acquired while held")
	case <-time.After(30 * time.Millisecond):
	}

	// other owners are independent
	other := r.LockOwner("o2")
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never released")
	}
}
