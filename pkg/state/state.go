// Package state holds the heterogeneous, sorted set of resources the
// reconciler operates over, along with the Op log that mutates it.
package state

import (
	"reflect"
	"sort"

	"github.com/getbettr/epok/pkg/types"
)

// State is a set of resources keyed by (Kind, ID); at most one entry
// per key. The zero value is an empty state.
type State struct {
	byKind map[types.Kind]map[string]types.Resource
}

// New returns an empty State.
func New() *State {
	return &State{byKind: make(map[types.Kind]map[string]types.Resource)}
}

func (s *State) ensure(k types.Kind) map[string]types.Resource {
	if s.byKind == nil {
		s.byKind = make(map[types.Kind]map[string]types.Resource)
	}
	m, ok := s.byKind[k]
	if !ok {
		m = make(map[string]types.Resource)
		s.byKind[k] = m
	}
	return m
}

// With replaces all resources of kind k with the contents of rs;
// other kinds are untouched. This is how higher layers scope a
// reconciliation case to one dimension (e.g. only services).
func With[R types.Resource](s *State, k types.Kind, rs []R) *State {
	out := s.clone()
	m := make(map[string]types.Resource, len(rs))
	for _, r := range rs {
		m[r.ID()] = r
	}
	out.byKind[k] = m
	return out
}

// Get extracts every resource of kind k, sorted by ID for deterministic
// iteration.
func Get[R types.Resource](s *State, k types.Kind) []R {
	var out []R
	for _, r := range s.byKind[k] {
		if typed, ok := r.(R); ok {
			out = append(out, typed)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}

func (s *State) clone() *State {
	out := New()
	for k, m := range s.byKind {
		cp := make(map[string]types.Resource, len(m))
		for id, r := range m {
			cp[id] = r
		}
		out.byKind[k] = cp
	}
	return out
}

// Clone returns an independent copy of s, the way a caller snapshots
// "before" state ahead of applying a batch of ops in place.
func (s *State) Clone() *State {
	return s.clone()
}

// Diff returns (added, removed) such that s = (prev ∪ added) ∖ removed,
// under structural equality of the full record: a mutation to any
// field of a resource with the same identity appears as both a removal
// of the old value and an addition of the new.
func (s *State) Diff(prev *State) (added, removed *State) {
	added, removed = New(), New()
	for k, m := range s.byKind {
		for id, r := range m {
			if old, ok := prev.byKind[k][id]; !ok || !reflect.DeepEqual(old, r) {
				added.ensure(k)[id] = r
			}
		}
	}
	for k, m := range prev.byKind {
		for id, r := range m {
			if cur, ok := s.byKind[k][id]; !ok || !reflect.DeepEqual(cur, r) {
				removed.ensure(k)[id] = r
			}
		}
	}
	return added, removed
}

// IsEmpty reports whether the state holds no resources of any kind.
func (s *State) IsEmpty() bool {
	for _, m := range s.byKind {
		if len(m) > 0 {
			return false
		}
	}
	return true
}

// KindChanged reports whether the resources of kind k differ between
// s and prev, by identity and by structural equality.
func (s *State) KindChanged(prev *State, k types.Kind) bool {
	a, b := s.byKind[k], prev.byKind[k]
	if len(a) != len(b) {
		return true
	}
	for id, r := range a {
		if other, ok := b[id]; !ok || !reflect.DeepEqual(other, r) {
			return true
		}
	}
	return false
}

// Op is a single mutation applied to State: Add inserts or replaces a
// resource at its (Kind, ID) key; Remove deletes by (Kind, ID), fixing
// the identity-collision sharp edge of removing by bare ID alone.
type Op struct {
	add    types.Resource
	kind   types.Kind
	id     string
	remove bool
}

// AddOp constructs an Op that inserts or replaces r.
func AddOp(r types.Resource) Op {
	return Op{add: r, kind: r.Kind(), id: r.ID()}
}

// RemoveOp constructs an Op that deletes the resource of kind k with
// the given id, if any.
func RemoveOp(k types.Kind, id string) Op {
	return Op{kind: k, id: id, remove: true}
}

// Apply performs op against s in place.
func (op Op) Apply(s *State) {
	m := s.ensure(op.kind)
	if op.remove {
		delete(m, op.id)
		return
	}
	m[op.id] = op.add
}

// ApplyAll runs every op against s in order.
func ApplyAll(s *State, ops []Op) {
	for _, op := range ops {
		op.Apply(s)
	}
}
