package whatsapp

import (
	"sort"
	"sync"

	"github.com/talkincode/wacrm/internal/domain"
)

// Entry is the registry's view of a live session. The owning lifecycle is the
// only writer of its entry.
type Entry struct {
	ID        string
	OwnerID   string
	Name      string
	State     string
	Phone     string
	QRCode    string
	LastError string
}

// Registry indexes live sessions by connection id. It does not own them.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	handles map[string]*Session

	ownerMu    sync.Mutex
	ownerLocks map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry() *Registry {
	return &Registry{
		entries:    make(map[string]*Entry),
		handles:    make(map[string]*Session),
		ownerLocks: make(map[string]*ownerLock),
	}
}

// Register adds a new entry; a second registration of the same id fails.
func (r *Registry) Register(e Entry, handle *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.ID]; exists {
		return newError(CodeInvalidRequest, "session already registered", nil)
	}
	entry := e
	r.entries[e.ID] = &entry
	if handle != nil {
		r.handles[e.ID] = handle
	}
	return nil
}

// Lookup returns a copy of the entry.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) handle(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	delete(r.handles, id)
}

// Update mutates one entry in place; it is a no-op for unknown ids.
func (r *Registry) Update(id string, fn func(e *Entry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// ListByOwner returns copies of the owner's entries in the given state, or in
// any state when state is empty.
func (r *Registry) ListByOwner(ownerID, state string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.OwnerID != ownerID {
			continue
		}
		if state != "" && e.State != state {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs lists every registered connection id.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ClaimConnected moves id into the connected state after re-checking the
// duplicate phone and owner quota rules against every other live entry. The
// whole check happens under one lock, so of two sessions racing for the same
// phone exactly one wins; the other gets ErrDuplicateConnection along with
// the winner's id.
func (r *Registry) ClaimConnected(id, phone string, maxPerOwner int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return "", ErrSessionNotFound
	}
	connected := 0
	for otherID, other := range r.entries {
		if otherID == id || other.OwnerID != e.OwnerID || other.State != domain.SessionConnected {
			continue
		}
		if phone != "" && other.Phone == phone {
			return otherID, ErrDuplicateConnection
		}
		connected++
	}
	if maxPerOwner > 0 && connected >= maxPerOwner {
		return "", ErrQuotaExceeded
	}
	e.State = domain.SessionConnected
	e.Phone = phone
	e.QRCode = ""
	e.LastError = ""
	return "", nil
}

// LockOwner serializes quota checks for one owner. Call the returned func to release.
func (r *Registry) LockOwner(ownerID string) func() {
	r.ownerMu.Lock()
	l, ok := r.ownerLocks[ownerID]
	if !ok {
		l = &ownerLock{}
		r.ownerLocks[ownerID] = l
	}
	l.refs++
	r.ownerMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.ownerMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.ownerLocks, ownerID)
		}
		r.ownerMu.Unlock()
	}
}
