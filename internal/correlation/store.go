package correlation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/zeebo/xxh3"
)

// Policy decides what Begin does when the key's shard is full.
type Policy uint8

// Capacity policies.
const (
	// EvictOldest drops the record with the oldest Begin in the shard.
	EvictOldest Policy = iota
	// RejectNew refuses Begin for keys that have no live record.
	RejectNew
)

func (p Policy) String() string {
	switch p {
	case EvictOldest:
		return "evict-oldest"
	case RejectNew:
		return "reject-new"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses the config spelling of a policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "evict-oldest", "":
		return EvictOldest, nil
	case "reject-new":
		return RejectNew, nil
	default:
		return 0, fmt.Errorf("unknown eviction policy %q", s)
	}
}

// Record is one in-flight operation.
type Record[V any] struct {
	Key uint64
	// Epoch identifies the Begin that created this record. Two records for
	// the same key never share an epoch.
	Epoch uint64
	// Start is the Begin timestamp in nanoseconds.
	Start uint64
	Value V
}

// BeginResult reports what Begin did.
type BeginResult uint8

// Begin outcomes.
const (
	Inserted BeginResult = iota
	Overwritten
	InsertedAfterEviction
	Rejected
)

// Options configures a Store.
type Options struct {
	// Capacity is the total record bound across all shards.
	Capacity int
	// Shards splits the store; Capacity must be a multiple of it. Zero means 1.
	Shards int
	Policy Policy
}

// Stats is a point-in-time copy of the store counters.
type Stats struct {
	Begins      uint64
	Overwrites  uint64
	Evictions   uint64
	Rejections  uint64
	Resolves    uint64
	Updates     uint64
	Misses      uint64
	Reaped      uint64
	Live        int
	Capacity    int
	ShardCount  int
	EvictPolicy Policy
}

type shard[V any] struct {
	mu   sync.Mutex
	lru  *simplelru.LRU[uint64, *Record[V]]
	free []*Record[V]
}

// Store bridges entry and exit observations of the same operation. Every
// mutation is a single critical section on one shard; no call ever touches
// two keys.
type Store[V any] struct {
	shards   []*shard[V]
	capacity int
	policy   Policy
	epoch    atomic.Uint64

	begins     atomic.Uint64
	overwrites atomic.Uint64
	evictions  atomic.Uint64
	rejections atomic.Uint64
	resolves   atomic.Uint64
	updates    atomic.Uint64
	misses     atomic.Uint64
	reaped     atomic.Uint64
}

// New creates a store with all record slots allocated up front.
func New[V any](opts Options) (*Store[V], error) {
	if opts.Capacity <= 0 {
		return nil, errors.New("correlation store capacity must be positive")
	}
	n := opts.Shards
	if n <= 0 {
		n = 1
	}
	if opts.Capacity%n != 0 {
		return nil, fmt.Errorf("capacity %d is not a multiple of %d shards", opts.Capacity, n)
	}
	if opts.Policy != EvictOldest && opts.Policy != RejectNew {
		return nil, fmt.Errorf("invalid policy %v", opts.Policy)
	}

	per := opts.Capacity / n
	s := &Store[V]{
		shards:   make([]*shard[V], n),
		capacity: opts.Capacity,
		policy:   opts.Policy,
	}
	for i := range s.shards {
		// Eviction is driven explicitly so the LRU's own size is never hit.
		l, err := simplelru.NewLRU[uint64, *Record[V]](per+1, nil)
		if err != nil {
			return nil, fmt.Errorf("creating shard %d: %w", i, err)
		}
		slots := make([]Record[V], per)
		free := make([]*Record[V], per)
		for j := range slots {
			free[j] = &slots[j]
		}
		s.shards[i] = &shard[V]{lru: l, free: free}
	}
	return s, nil
}

func (s *Store[V]) shardFor(key uint64) *shard[V] {
	if len(s.shards) == 1 {
		return s.shards[0]
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return s.shards[xxh3.Hash(buf[:])%uint64(len(s.shards))]
}

// Begin inserts the record for key, superseding any live record under the
// same key. The superseded record's epoch is gone for good, so a later
// Resolve measures from this Begin.
func (s *Store[V]) Begin(key uint64, value V, ts uint64) BeginResult {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s.begins.Add(1)
	epoch := s.epoch.Add(1)

	if rec, ok := sh.lru.Get(key); ok {
		*rec = Record[V]{Key: key, Epoch: epoch, Start: ts, Value: value}
		s.overwrites.Add(1)
		return Overwritten
	}

	result := Inserted
	if len(sh.free) == 0 {
		if s.policy == RejectNew {
			s.rejections.Add(1)
			return Rejected
		}
		_, old, ok := sh.lru.RemoveOldest()
		if !ok {
			// Unreachable: no free slot means the shard is full.
			s.rejections.Add(1)
			return Rejected
		}
		sh.free = append(sh.free, old)
		s.evictions.Add(1)
		result = InsertedAfterEviction
	}

	rec := sh.free[len(sh.free)-1]
	sh.free = sh.free[:len(sh.free)-1]
	*rec = Record[V]{Key: key, Epoch: epoch, Start: ts, Value: value}
	sh.lru.Add(key, rec)
	return result
}

// Resolve removes and returns the record for key. A missing record is the
// normal outcome when the entry probe never fired for this invocation.
func (s *Store[V]) Resolve(key uint64) (Record[V], bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.lru.Peek(key)
	if !ok {
		s.misses.Add(1)
		return Record[V]{}, false
	}
	out := *rec
	sh.lru.Remove(key)
	sh.recycle(rec)
	s.resolves.Add(1)
	return out, true
}

// Update replaces the value of the live record for key with fn's result,
// without removing it or changing its eviction order. It returns the updated
// record.
func (s *Store[V]) Update(key uint64, fn func(Record[V]) V) (Record[V], bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.lru.Peek(key)
	if !ok {
		s.misses.Add(1)
		return Record[V]{}, false
	}
	rec.Value = fn(*rec)
	s.updates.Add(1)
	return *rec, true
}

// Peek returns the live record for key without side effects.
func (s *Store[V]) Peek(key uint64) (Record[V], bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.lru.Peek(key)
	if !ok {
		return Record[V]{}, false
	}
	return *rec, true
}

// Reap drops records whose Begin is older than cutoff and returns how many
// were dropped. Samples from different CPUs reach userspace slightly out of
// order, so insertion order says nothing about Start and every shard is
// scanned in full.
func (s *Store[V]) Reap(cutoff uint64) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, key := range sh.lru.Keys() {
			rec, ok := sh.lru.Peek(key)
			if !ok || rec.Start >= cutoff {
				continue
			}
			sh.lru.Remove(key)
			sh.recycle(rec)
			n++
		}
		sh.mu.Unlock()
	}
	s.reaped.Add(uint64(n))
	return n
}

// Len returns the number of live records.
func (s *Store[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.lru.Len()
		sh.mu.Unlock()
	}
	return n
}

// Capacity returns the configured bound.
func (s *Store[V]) Capacity() int {
	return s.capacity
}

// Stats returns a copy of the counters.
func (s *Store[V]) Stats() Stats {
	return Stats{
		Begins:      s.begins.Load(),
		Overwrites:  s.overwrites.Load(),
		Evictions:   s.evictions.Load(),
		Rejections:  s.rejections.Load(),
		Resolves:    s.resolves.Load(),
		Updates:     s.updates.Load(),
		Misses:      s.misses.Load(),
		Reaped:      s.reaped.Load(),
		Live:        s.Len(),
		Capacity:    s.capacity,
		ShardCount:  len(s.shards),
		EvictPolicy: s.policy,
	}
}

// Purge drops every record. Used at session teardown.
func (s *Store[V]) Purge() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for {
			_, rec, ok := sh.lru.RemoveOldest()
			if !ok {
				break
			}
			sh.recycle(rec)
		}
		sh.mu.Unlock()
	}
}

func (sh *shard[V]) recycle(rec *Record[V]) {
	var zero Record[V]
	*rec = zero
	sh.free = append(sh.free, rec)
}
