// Package mapping holds the per-request association between original
// PII values and the tokens substituted for them on the wire, plus the
// store that persists mappings between the request and response paths.
//
// A Mapping is owned by exactly one request. Placeholder numbers are
// allocated inside the mapping, under its lock, together with the
// insertion itself, so numbering is dense per entity type and never
// races between concurrent detector results.
package mapping

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one reversible substitution recorded in a mapping.
type Entry struct {
	Original   string `json:"original"`
	EntityType string `json:"entity_type"`
}

// Mapping is the bidirectional token store for one request lifetime.
// All methods are safe for concurrent use.
type Mapping struct {
	mu        sync.Mutex
	id        string
	tenant    string
	createdAt time.Time

	// token -> entry, for placeholder and synthetic wire tokens
	entries map[string]Entry
	// sha256 digest -> entry, the hash-strategy shadow index
	hashes map[string]Entry
	// entity type -> original -> wire token, for idempotent repetition
	forward map[string]map[string]string
	// entity type -> highest allocated placeholder number
	counters map[string]int
}

// New creates an empty mapping for the tenant with a random id.
func New(tenant string) *Mapping {
	return &Mapping{
		id:        uuid.NewString(),
		tenant:    tenant,
		createdAt: time.Now().UTC(),
		entries:   make(map[string]Entry),
		hashes:    make(map[string]Entry),
		forward:   make(map[string]map[string]string),
		counters:  make(map[string]int),
	}
}

// ID returns the mapping's random identifier.
func (m *Mapping) ID() string { return m.id }

// Tenant returns the owning tenant.
func (m *Mapping) Tenant() string { return m.tenant }

// CreatedAt returns the creation time.
func (m *Mapping) CreatedAt() time.Time { return m.createdAt }

// NextPlaceholder returns the wire placeholder for (entityType,
// original), allocating the next dense number and inserting the pair
// if the original has not been seen before. Allocation and insertion
// happen atomically under the mapping lock.
func (m *Mapping) NextPlaceholder(entityType, original string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token, ok := m.lookupLocked(entityType, original); ok {
		return token
	}
	m.counters[entityType]++
	token := fmt.Sprintf("<%s_%d>", entityType, m.counters[entityType])
	m.insertLocked(entityType, original, token, false)
	return token
}

// InsertToken records a non-placeholder reversible wire token
// (synthetic value). Idempotent for a repeated (entityType, original).
func (m *Mapping) InsertToken(entityType, original, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookupLocked(entityType, original); ok {
		return
	}
	m.insertLocked(entityType, original, token, false)
}

// InsertHash records a hash digest in the shadow index so the exact
// restore pass can map it back to the original.
func (m *Mapping) InsertHash(entityType, original, digest string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookupLocked(entityType, original); ok {
		return
	}
	m.insertLocked(entityType, original, digest, true)
}

func (m *Mapping) lookupLocked(entityType, original string) (string, bool) {
	token, ok := m.forward[entityType][original]
	return token, ok
}

func (m *Mapping) insertLocked(entityType, original, token string, hash bool) {
	if hash {
		m.hashes[token] = Entry{Original: original, EntityType: entityType}
	} else {
		m.entries[token] = Entry{Original: original, EntityType: entityType}
	}
	byOrig, ok := m.forward[entityType]
	if !ok {
		byOrig = make(map[string]string)
		m.forward[entityType] = byOrig
	}
	byOrig[original] = token
}

// RegisterAlias points an alternate spelling of an already-mapped
// value at its token, so formatting variants of one original share a
// single replacement. Aliases get no reverse entry.
func (m *Mapping) RegisterAlias(entityType, alias, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byOrig, ok := m.forward[entityType]
	if !ok {
		byOrig = make(map[string]string)
		m.forward[entityType] = byOrig
	}
	if _, exists := byOrig[alias]; !exists {
		byOrig[alias] = token
	}
}

// TokenFor returns the wire token already assigned to (entityType,
// original), if any.
func (m *Mapping) TokenFor(entityType, original string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(entityType, original)
}

// Original resolves a wire token (placeholder, synthetic, or hash
// digest) back to its entry.
func (m *Mapping) Original(token string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[token]; ok {
		return e, true
	}
	e, ok := m.hashes[token]
	return e, ok
}

// Tokens returns every reversible wire token in the mapping.
func (m *Mapping) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := make([]string, 0, len(m.entries)+len(m.hashes))
	for t := range m.entries {
		tokens = append(tokens, t)
	}
	for t := range m.hashes {
		tokens = append(tokens, t)
	}
	return tokens
}

// Len returns the number of reversible entries.
func (m *Mapping) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries) + len(m.hashes)
}
