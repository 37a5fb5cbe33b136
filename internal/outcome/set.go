package outcome

import (
	"errors"
	"fmt"
)

// MaxBranches bounds every operation's branch key space.
const MaxBranches = 32

// BranchDef declares one member of a Set.
type BranchDef struct {
	Code    Branch
	Name    string
	Failing bool
}

// Set is the closed branch enumeration of one operation.
type Set struct {
	names   [MaxBranches]string
	failing [MaxBranches]bool
	defined [MaxBranches]bool
	size    int
}

// NewSet builds a Set. Codes must be unique, below MaxBranches and named.
func NewSet(defs ...BranchDef) (*Set, error) {
	s := &Set{}
	for _, d := range defs {
		if int(d.Code) >= MaxBranches {
			return nil, fmt.Errorf("branch %q: code %d out of range", d.Name, d.Code)
		}
		if d.Name == "" {
			return nil, fmt.Errorf("branch code %d: empty name", d.Code)
		}
		if s.defined[d.Code] {
			return nil, fmt.Errorf("branch code %d declared twice (%q, %q)", d.Code, s.names[d.Code], d.Name)
		}
		s.names[d.Code] = d.Name
		s.failing[d.Code] = d.Failing
		s.defined[d.Code] = true
		if int(d.Code)+1 > s.size {
			s.size = int(d.Code) + 1
		}
	}
	if s.size == 0 {
		return nil, errors.New("empty branch set")
	}
	return s, nil
}

// MustSet is NewSet for package-level declarations.
func MustSet(defs ...BranchDef) *Set {
	s, err := NewSet(defs...)
	if err != nil {
		panic(err)
	}
	return s
}

// Contains reports whether b is declared in the set.
func (s *Set) Contains(b Branch) bool {
	return int(b) < MaxBranches && s.defined[b]
}

// Failing reports whether b is a failing branch.
func (s *Set) Failing(b Branch) bool {
	return s.Contains(b) && s.failing[b]
}

// Name returns the branch name, or a numeric placeholder for undeclared codes.
func (s *Set) Name(b Branch) string {
	if s.Contains(b) {
		return s.names[b]
	}
	return fmt.Sprintf("branch(%d)", uint8(b))
}

// Size is one past the highest declared code; counter tables use it as their
// key space.
func (s *Set) Size() int {
	return s.size
}

// Names returns names indexed by code, empty for gaps.
func (s *Set) Names() []string {
	out := make([]string, s.size)
	copy(out, s.names[:s.size])
	return out
}

// Lookup returns the code for a branch name.
func (s *Set) Lookup(name string) (Branch, bool) {
	for i := 0; i < s.size; i++ {
		if s.defined[i] && s.names[i] == name {
			return Branch(i), true
		}
	}
	return 0, false
}
