// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	identities  map[string]*Identity          // keyed by address
	publicKeys  map[string]string             // public key -> address
	challenges  map[string]*Challenge         // keyed by address
	keys        map[string]*SigningKeyVersion // keyed by key ID
	revocations map[string]*RevokedToken      // keyed by digest
	content     map[string]*ContentUnit       // keyed by content ID
	events      []*WitnessEvent               // ordered by seq
	pingErr     error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		identities:  make(map[string]*Identity),
		publicKeys:  make(map[string]string),
		challenges:  make(map[string]*Challenge),
		keys:        make(map[string]*SigningKeyVersion),
		revocations: make(map[string]*RevokedToken),
		content:     make(map[string]*ContentUnit),
	}
}

// SetPingError makes Ping return err. Pass nil to clear.
func (m *MockStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// TamperWitnessEvent mutates the stored event with the given seq in place,
// bypassing the append-only contract. Used to exercise chain verification.
func (m *MockStore) TamperWitnessEvent(seq int64, mutate func(ev *WitnessEvent)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.Seq == seq {
			mutate(ev)
			return true
		}
	}
	return false
}

// CreateIdentity stores a new identity.
func (m *MockStore) CreateIdentity(ctx context.Context, id *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.identities[id.Address]; ok {
		return ErrDuplicate
	}
	if _, ok := m.publicKeys[id.PublicKey]; ok {
		return ErrDuplicate
	}

	// Make a copy to avoid external modification
	c := *id
	m.identities[c.Address] = &c
	m.publicKeys[c.PublicKey] = c.Address
	return nil
}

// GetIdentity retrieves an identity by address.
func (m *MockStore) GetIdentity(ctx context.Context, address string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.identities[address]
	if !ok {
		return nil, ErrNotFound
	}
	result := *id
	return &result, nil
}

// AdjustReputation applies next to the stored reputation under the store lock.
func (m *MockStore) AdjustReputation(ctx context.Context, address string, next func(current float64) float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.identities[address]
	if !ok {
		return 0, ErrNotFound
	}
	id.Reputation = next(id.Reputation)
	id.UpdatedAt = time.Now().UTC()
	return id.Reputation, nil
}

// UpdatePurpose sets the declared purpose of an identity.
func (m *MockStore) UpdatePurpose(ctx context.Context, address, purpose string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.identities[address]
	if !ok {
		return ErrNotFound
	}
	id.DeclaredPurpose = purpose
	id.UpdatedAt = time.Now().UTC()
	return nil
}

// CountIdentities returns the number of identities.
func (m *MockStore) CountIdentities(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.identities), nil
}

// PutChallenge stores c, replacing any previous challenge for the address.
func (m *MockStore) PutChallenge(ctx context.Context, c *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.challenges[c.Address] = &cp
	return nil
}

// ConsumeChallenge removes and returns the challenge for address.
func (m *MockStore) ConsumeChallenge(ctx context.Context, address string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[address]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.challenges, address)
	return c, nil
}

// PurgeExpiredChallenges removes challenges expired at or before now.
func (m *MockStore) PurgeExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for addr, c := range m.challenges {
		if !c.ExpiresAt.After(now) {
			delete(m.challenges, addr)
			n++
		}
	}
	return n, nil
}

// CreateSigningKey stores k.
func (m *MockStore) CreateSigningKey(ctx context.Context, k *SigningKeyVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertKeyLocked(k)
}

func (m *MockStore) insertKeyLocked(k *SigningKeyVersion) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if _, ok := m.keys[k.ID]; ok {
		return ErrDuplicate
	}
	if k.Status == SigningKeyActive && m.activeKeyLocked() != nil {
		return ErrDuplicate
	}
	cp := *k
	cp.Secret = append([]byte(nil), k.Secret...)
	m.keys[k.ID] = &cp
	return nil
}

func (m *MockStore) activeKeyLocked() *SigningKeyVersion {
	for _, k := range m.keys {
		if k.Status == SigningKeyActive {
			return k
		}
	}
	return nil
}

// ActiveSigningKey returns the active key version.
func (m *MockStore) ActiveSigningKey(ctx context.Context) (*SigningKeyVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := m.activeKeyLocked()
	if k == nil {
		return nil, ErrNotFound
	}
	result := *k
	return &result, nil
}

// ListSigningKeys returns every key version, newest first.
func (m *MockStore) ListSigningKeys(ctx context.Context) ([]*SigningKeyVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SigningKeyVersion, 0, len(m.keys))
	for _, k := range m.keys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// RotateSigningKey demotes the active version and stores next as active.
func (m *MockStore) RotateSigningKey(ctx context.Context, next *SigningKeyVersion, rotatedAt time.Time) (*SigningKeyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var demoted *SigningKeyVersion
	if prev := m.activeKeyLocked(); prev != nil {
		prev.Status = SigningKeyExpired
		at := rotatedAt
		prev.RotatedAt = &at
		cp := *prev
		demoted = &cp
	}

	next.Status = SigningKeyActive
	if err := m.insertKeyLocked(next); err != nil {
		return nil, err
	}
	return demoted, nil
}

// RevokeToken records a revocation.
func (m *MockStore) RevokeToken(ctx context.Context, r *RevokedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.revocations[r.TokenDigest]; ok {
		return nil
	}
	cp := *r
	m.revocations[r.TokenDigest] = &cp
	return nil
}

// IsTokenRevoked reports whether digest was revoked.
func (m *MockStore) IsTokenRevoked(ctx context.Context, digest string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revocations[digest]
	return ok, nil
}

// ListRevocationsBySubject returns revocations for subject, oldest first.
func (m *MockStore) ListRevocationsBySubject(ctx context.Context, subject string) ([]*RevokedToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*RevokedToken{}
	for _, r := range m.revocations {
		if r.Subject == subject {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RevokedAt.Before(out[j].RevokedAt)
	})
	return out, nil
}

// SaveContent stores c.
func (m *MockStore) SaveContent(ctx context.Context, c *ContentUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.content[c.ID]; ok {
		return ErrDuplicate
	}
	cp := *c
	m.content[c.ID] = &cp
	return nil
}

// DeleteContent removes a content unit.
func (m *MockStore) DeleteContent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.content, id)
	return nil
}

// GetContent retrieves a content unit by ID.
func (m *MockStore) GetContent(ctx context.Context, id string) (*ContentUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.content[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListContentByAuthor returns units by author, newest first.
func (m *MockStore) ListContentByAuthor(ctx context.Context, author string, limit int) ([]*ContentUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*ContentUnit{}
	for _, c := range m.content {
		if c.Author == author {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit = normalizeWitnessLimit(limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendWitnessEvent appends ev. The seq must not already exist.
func (m *MockStore) AppendWitnessEvent(ctx context.Context, ev *WitnessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.events {
		if e.Seq == ev.Seq || e.ID == ev.ID {
			return ErrDuplicate
		}
	}
	cp := *ev
	m.events = append(m.events, &cp)
	sort.Slice(m.events, func(i, j int) bool { return m.events[i].Seq < m.events[j].Seq })
	return nil
}

// LastWitnessEvent returns the newest event.
func (m *MockStore) LastWitnessEvent(ctx context.Context) (*WitnessEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.events) == 0 {
		return nil, ErrNotFound
	}
	result := *m.events[len(m.events)-1]
	return &result, nil
}

// ListWitnessEvents returns events with seq > afterSeq, oldest first.
func (m *MockStore) ListWitnessEvents(ctx context.Context, afterSeq int64, limit int) ([]*WitnessEvent, error) {
	return m.filterEvents(limit, func(ev *WitnessEvent) bool { return ev.Seq > afterSeq }), nil
}

// ListWitnessEventsByActor returns events for actor, oldest first.
func (m *MockStore) ListWitnessEventsByActor(ctx context.Context, actor string, afterSeq int64, limit int) ([]*WitnessEvent, error) {
	return m.filterEvents(limit, func(ev *WitnessEvent) bool { return ev.Actor == actor && ev.Seq > afterSeq }), nil
}

func (m *MockStore) filterEvents(limit int, keep func(*WitnessEvent) bool) []*WitnessEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeWitnessLimit(limit)
	out := []*WitnessEvent{}
	for _, ev := range m.events {
		if !keep(ev) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out
}

// CountWitnessEvents returns the number of events.
func (m *MockStore) CountWitnessEvents(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

// PurgeIdentity removes the identity, its content and its challenge.
func (m *MockStore) PurgeIdentity(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.identities[address]
	if !ok {
		return ErrNotFound
	}
	delete(m.publicKeys, id.PublicKey)
	delete(m.identities, address)
	delete(m.challenges, address)
	for cid, c := range m.content {
		if c.Author == address {
			delete(m.content, cid)
		}
	}
	return nil
}

// Ping returns the error set by SetPingError.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)
