package probe

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrDuplicateName is returned when a point name is registered twice.
	ErrDuplicateName = errors.New("probe point registered twice")
	// ErrUnknownProbe is returned for names or ids that were never registered.
	ErrUnknownProbe = errors.New("unknown probe point")
)

// Registry holds every probe point of a session. Registration happens during
// setup; afterwards the registry is only read.
type Registry struct {
	mu     sync.RWMutex
	points []Point // index = ID-1
	byName map[string]ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]ID)}
}

// Register adds a point and returns its stable id.
func (r *Registry) Register(s Spec) (ID, error) {
	if s.Name == "" {
		return 0, errors.New("probe point name is empty")
	}
	if s.Operation == "" {
		return 0, fmt.Errorf("probe point %q: empty operation", s.Name)
	}
	if s.Role < RoleEntry || s.Role > RoleObservation {
		return 0, fmt.Errorf("probe point %q: invalid role %d", s.Name, s.Role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[s.Name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateName, s.Name)
	}
	if len(r.points) >= int(^ID(0)) {
		return 0, fmt.Errorf("probe point %q: registry full", s.Name)
	}

	id := ID(len(r.points) + 1)
	r.points = append(r.points, Point{
		ID:        id,
		Name:      s.Name,
		Role:      s.Role,
		Operation: s.Operation,
		Attach:    s.Attach,
		Branch:    s.Branch,
	})
	r.byName[s.Name] = id
	return id, nil
}

// Lookup returns the point for id.
func (r *Registry) Lookup(id ID) (Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) > len(r.points) {
		return Point{}, false
	}
	return r.points[id-1], true
}

// ByName returns the point registered under name.
func (r *Registry) ByName(name string) (Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Point{}, false
	}
	return r.points[id-1], true
}

// Points returns all points in id order.
func (r *Registry) Points() []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Point, len(r.points))
	copy(out, r.points)
	return out
}

// ForOperation returns the points of op in id order.
func (r *Registry) ForOperation(op Operation) []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Point
	for _, p := range r.points {
		if p.Operation == op {
			out = append(out, p)
		}
	}
	return out
}

// Operations returns the distinct operations, sorted.
func (r *Registry) Operations() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[Operation]struct{})
	var out []Operation
	for _, p := range r.points {
		if _, ok := seen[p.Operation]; !ok {
			seen[p.Operation] = struct{}{}
			out = append(out, p.Operation)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered points.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}

// ApplyOffsets reads a YAML mapping of point name to instruction offset and
// rewrites the offsets of already registered branch kprobes. Offsets differ
// between kernel builds, so they are data rather than code:
//
//	tcp_connect.invalid_addrlen: 0x4f0
//	tcp_rcv.no_socket: 0x722
func (r *Registry) ApplyOffsets(src io.Reader) (int, error) {
	var overrides map[string]uint64
	if err := yaml.NewDecoder(src).Decode(&overrides); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("decoding offsets: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Validate everything before touching any point.
	for name, off := range overrides {
		id, ok := r.byName[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownProbe, name)
		}
		p := r.points[id-1]
		if p.Attach.Kind != Kprobe || p.Attach.Offset == 0 {
			return 0, fmt.Errorf("probe point %s is not an offset kprobe", name)
		}
		if off == 0 {
			return 0, fmt.Errorf("probe point %s: zero offset", name)
		}
	}
	for name, off := range overrides {
		r.points[r.byName[name]-1].Attach.Offset = off
	}
	return len(overrides), nil
}
