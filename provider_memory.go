package authcore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryProvider is a mutex-guarded in-memory [PrincipalProvider] for
// tests, examples, and prototypes. Production deployments implement the
// interface over their own account store.
type MemoryProvider struct {
	mu         sync.RWMutex
	byID       map[string]Principal
	identified map[string]string // username/email -> id
}

// NewMemoryProvider returns an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		byID:       make(map[string]Principal),
		identified: make(map[string]string),
	}
}

func (m *MemoryProvider) GetByIdentifier(ctx context.Context, identifier string) (Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identified[strings.ToLower(identifier)]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return clonePrincipal(m.byID[id]), nil
}

func (m *MemoryProvider) GetByID(ctx context.Context, id string) (Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return clonePrincipal(p), nil
}

func (m *MemoryProvider) Create(ctx context.Context, p Principal) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	username := strings.ToLower(p.Username)
	email := strings.ToLower(p.Email)
	if _, taken := m.identified[username]; taken {
		return Principal{}, ErrDuplicatePrincipal
	}
	if _, taken := m.identified[email]; taken {
		return Principal{}, ErrDuplicatePrincipal
	}
	m.byID[p.ID] = clonePrincipal(p)
	m.identified[username] = p.ID
	m.identified[email] = p.ID
	return clonePrincipal(p), nil
}

func (m *MemoryProvider) UpdatePasswordHash(ctx context.Context, id, newHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	p.PasswordHash = newHash
	m.byID[id] = p
	return nil
}

func (m *MemoryProvider) TrustFingerprint(ctx context.Context, id, fp string, maxEntries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	for _, t := range p.TrustedFingerprints {
		if t == fp {
			return nil
		}
	}
	p.TrustedFingerprints = append(p.TrustedFingerprints, fp)
	if maxEntries > 0 && len(p.TrustedFingerprints) > maxEntries {
		p.TrustedFingerprints = p.TrustedFingerprints[len(p.TrustedFingerprints)-maxEntries:]
	}
	m.byID[id] = p
	return nil
}

func (m *MemoryProvider) RecordLogin(ctx context.Context, id string, at time.Time, lat, lon float64, hasGeo bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return ErrPrincipalNotFound
	}
	p.LastLoginAt = at
	if hasGeo {
		p.LastLatitude = lat
		p.LastLongitude = lon
		p.HasLastGeo = true
	}
	m.byID[id] = p
	return nil
}

// SetLocked flips the lock flag, for tests and admin tooling.
func (m *MemoryProvider) SetLocked(id string, locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byID[id]; ok {
		p.Locked = locked
		m.byID[id] = p
	}
}

func clonePrincipal(p Principal) Principal {
	out := p
	out.TrustedFingerprints = append([]string(nil), p.TrustedFingerprints...)
	return out
}
