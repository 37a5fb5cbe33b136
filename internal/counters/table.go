// Package counters holds fixed-key aggregate counters that stay accurate when
// full event emission is saturated or disabled.
package counters

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// Table is a fixed key space of monotonically increasing counters. The key
// space is sized at construction; Inc never allocates.
type Table struct {
	name     string
	keys     []string
	values   []atomic.Uint64
	overflow atomic.Uint64
}

// NewTable creates a table whose key i is named keys[i]. Empty names are
// allowed for gaps in sparse enumerations.
func NewTable(name string, keys []string) (*Table, error) {
	if name == "" {
		return nil, errors.New("counter table name is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("counter table %s: empty key space", name)
	}
	names := make([]string, len(keys))
	copy(names, keys)
	return &Table{
		name:   name,
		keys:   names,
		values: make([]atomic.Uint64, len(keys)),
	}, nil
}

// NewIndexedTable creates a table with n keys named by their index, for raw
// kernel ids such as socket states.
func NewIndexedTable(name string, n int) (*Table, error) {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprint(i)
	}
	return NewTable(name, keys)
}

// Inc adds one to key. Keys outside the key space are counted in the
// overflow counter instead.
func (t *Table) Inc(key int) {
	if key < 0 || key >= len(t.values) {
		t.overflow.Add(1)
		return
	}
	t.values[key].Add(1)
}

// Get returns the current count of key.
func (t *Table) Get(key int) uint64 {
	if key < 0 || key >= len(t.values) {
		return 0
	}
	return t.values[key].Load()
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Size returns the key space size.
func (t *Table) Size() int { return len(t.values) }

// Overflow returns how many increments fell outside the key space.
func (t *Table) Overflow() uint64 { return t.overflow.Load() }

// Snapshot is a copy of a table at one point in time. Each value is read
// atomically; the set of values is not a consistent cut across keys.
type Snapshot struct {
	Name     string
	Keys     []string
	Values   []uint64
	Overflow uint64
}

// Snapshot copies the table without blocking producers.
func (t *Table) Snapshot() Snapshot {
	s := Snapshot{
		Name:     t.name,
		Keys:     t.keys,
		Values:   make([]uint64, len(t.values)),
		Overflow: t.overflow.Load(),
	}
	for i := range t.values {
		s.Values[i] = t.values[i].Load()
	}
	return s
}

// Map returns the non-gap keys with their values.
func (s Snapshot) Map() map[string]uint64 {
	m := make(map[string]uint64, len(s.Keys))
	for i, k := range s.Keys {
		if k != "" {
			m[k] = s.Values[i]
		}
	}
	return m
}

// Total sums every value including overflow.
func (s Snapshot) Total() uint64 {
	total := s.Overflow
	for _, v := range s.Values {
		total += v
	}
	return total
}

// Set is the group of tables belonging to one operation.
type Set struct {
	operation string
	tables    map[string]*Table
}

// NewSet creates an empty set for operation.
func NewSet(operation string) *Set {
	return &Set{operation: operation, tables: make(map[string]*Table)}
}

// Add registers a table; names must be unique in the set.
func (s *Set) Add(t *Table) error {
	if _, ok := s.tables[t.name]; ok {
		return fmt.Errorf("operation %s: counter table %s declared twice", s.operation, t.name)
	}
	s.tables[t.name] = t
	return nil
}

// Table returns the named table, or nil.
func (s *Set) Table(name string) *Table {
	return s.tables[name]
}

// Operation returns the owning operation name.
func (s *Set) Operation() string { return s.operation }

// Snapshot copies every table, sorted by name.
func (s *Set) Snapshot() []Snapshot {
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, n := range names {
		out = append(out, s.tables[n].Snapshot())
	}
	return out
}
