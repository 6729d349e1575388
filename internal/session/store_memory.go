package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local runs.
// It is not intended for production use.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrVersionConflict
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemoryStore) GetByConferenceRef(ctx context.Context, ref string) (Session, error) {
	return m.find(func(s Session) bool { return ref != "" && s.Conference.Ref == ref })
}

func (m *MemoryStore) GetByCallRef(ctx context.Context, ref string) (Session, error) {
	return m.find(func(s Session) bool {
		return ref != "" && (s.Provider.CallRef == ref || s.Client.CallRef == ref)
	})
}

func (m *MemoryStore) FindAwaitingParticipant(ctx context.Context, phone string, statuses []Status) (Session, error) {
	return m.find(func(s Session) bool {
		if !statusIn(s.Status, statuses) {
			return false
		}
		return s.Provider.Phone == phone || s.Client.Phone == phone
	})
}

func (m *MemoryStore) QueryByStatusIn(ctx context.Context, statuses []Status, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if statusIn(s.Status, statuses) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expectedStatus Status, expectedVersion int64, next Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if cur.Status != expectedStatus || cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	next.UpdatedAt = time.Now().UTC()
	m.sessions[id] = next
	return nil
}

func (m *MemoryStore) SettlePayment(ctx context.Context, id string, next PaymentStatus, capturedAt *time.Time, manualReview bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if cur.Payment.Status.Settled() {
		return ErrPaymentAlreadySettled
	}
	cur.Payment.Status = next
	cur.Payment.CapturedAt = capturedAt
	cur.ManualReview = manualReview
	cur.UpdatedAt = time.Now().UTC()
	m.sessions[id] = cur
	return nil
}

func (m *MemoryStore) FlagManualReview(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	cur.ManualReview = true
	cur.UpdatedAt = time.Now().UTC()
	m.sessions[id] = cur
	return nil
}

func (m *MemoryStore) SetRecordingURL(ctx context.Context, id, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	cur.Conference.RecordingURL = url
	cur.UpdatedAt = time.Now().UTC()
	m.sessions[id] = cur
	return nil
}

func (m *MemoryStore) find(match func(Session) bool) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		found Session
		ok    bool
	)
	for _, s := range m.sessions {
		if match(s) {
			// Prefer the oldest match for deterministic resolution.
			if !ok || s.Metadata.CreatedAt.Before(found.Metadata.CreatedAt) {
				found = s
				ok = true
			}
		}
	}
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return found, nil
}

func statusIn(s Status, in []Status) bool {
	for _, v := range in {
		if s == v {
			return true
		}
	}
	return false
}
