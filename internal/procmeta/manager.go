package procmeta

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type entry struct {
	md  *ProcessMetadata
	err error
}

// Manager caches metadata per thread group. Load failures are cached as
// well so an exited process is read once per TTL.
type Manager struct {
	src   Source
	cache *expirable.LRU[uint32, entry]
}

// NewManager creates a cache of at most size processes whose entries expire
// after ttl, which bounds how long a reused pid keeps stale metadata.
func NewManager(src Source, size int, ttl time.Duration) *Manager {
	return &Manager{
		src:   src,
		cache: expirable.NewLRU[uint32, entry](size, nil, ttl),
	}
}

// Get returns metadata for tgid, loading it on first use. Thread group 0 is
// the kernel and has none.
func (m *Manager) Get(tgid uint32) (*ProcessMetadata, error) {
	if tgid == 0 {
		return nil, nil
	}
	if e, ok := m.cache.Get(tgid); ok {
		return e.md, e.err
	}
	md, err := m.src.Load(tgid)
	m.cache.Add(tgid, entry{md: md, err: err})
	return md, err
}

// Set stores metadata for tgid, replacing any cached entry.
func (m *Manager) Set(tgid uint32, md *ProcessMetadata) {
	m.cache.Add(tgid, entry{md: md})
}

// Delete forgets tgid.
func (m *Manager) Delete(tgid uint32) {
	m.cache.Remove(tgid)
}

// Len returns the number of cached processes.
func (m *Manager) Len() int { return m.cache.Len() }
