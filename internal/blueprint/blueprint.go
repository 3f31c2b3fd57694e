// Package blueprint describes the desired placement of data in the cluster.
//
// A Blueprint splits the keyspace into contiguous key ranges and, for each
// range, names the role every peer should play: primary, secondary or
// nothing. Peers converge towards the blueprint on their own; the blueprint
// itself is only the goal.
package blueprint

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/strata/internal/cluster"
)

// Role is what a peer should do for one key range.
type Role uint8

const (
	RoleNothing Role = iota
	RolePrimary
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RoleNothing:
		return "nothing"
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "nothing", "":
		*r = RoleNothing
	case "primary":
		*r = RolePrimary
	case "secondary":
		*r = RoleSecondary
	default:
		return fmt.Errorf("unknown role %q", b)
	}
	return nil
}

// KeyRange is the half-open interval [Start, End) of keys in byte order.
// An empty End means the range has no upper bound.
type KeyRange struct {
	Start string `msgpack:"start" json:"start" yaml:"start"`
	End   string `msgpack:"end" json:"end,omitempty" yaml:"end,omitempty"`
}

// Everything covers the whole keyspace.
var Everything = KeyRange{}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key string) bool {
	return key >= r.Start && (r.End == "" || key < r.End)
}

// Unbounded reports whether the range extends to the end of the keyspace.
func (r KeyRange) Unbounded() bool { return r.End == "" }

// Overlaps reports whether r and o share at least one key.
func (r KeyRange) Overlaps(o KeyRange) bool {
	return (r.Unbounded() || o.Start < r.End) && (o.Unbounded() || r.Start < o.End)
}

// Intersect returns the keys in both r and o, or false if there are none.
func (r KeyRange) Intersect(o KeyRange) (KeyRange, bool) {
	if !r.Overlaps(o) {
		return KeyRange{}, false
	}
	out := KeyRange{Start: max(r.Start, o.Start)}
	switch {
	case r.Unbounded():
		out.End = o.End
	case o.Unbounded():
		out.End = r.End
	default:
		out.End = min(r.End, o.End)
	}
	return out, true
}

func (r KeyRange) String() string {
	end := r.End
	if r.Unbounded() {
		end = "∞"
	}
	return fmt.Sprintf("[%q, %s)", r.Start, end)
}

// Assignment gives the role of each peer for one range. Peers missing from
// Roles play RoleNothing.
type Assignment struct {
	Range KeyRange                `json:"range"`
	Roles map[cluster.PeerID]Role `json:"roles"`
}

// Role returns the role of peer in this assignment.
func (a Assignment) Role(peer cluster.PeerID) Role {
	return a.Roles[peer]
}

// Primary returns the peer assigned the primary role, if any.
func (a Assignment) Primary() (cluster.PeerID, bool) {
	for p, role := range a.Roles {
		if role == RolePrimary {
			return p, true
		}
	}
	return cluster.NilPeer, false
}

// Blueprint is the desired placement for a whole namespace.
//
// Blueprint values are treated as immutable once built: components that
// share one never modify its maps or slices, and a new blueprint is
// published by replacing the value.
type Blueprint struct {
	Ranges []Assignment `json:"ranges"`
}

var (
	// ErrEmpty is returned when validating a blueprint with no ranges.
	ErrEmpty = errors.New("blueprint: no ranges")
	// ErrNotPartition is returned when the ranges do not tile the keyspace.
	ErrNotPartition = errors.New("blueprint: ranges do not partition the keyspace")
	// ErrMultiplePrimaries is returned when a range names two primaries.
	ErrMultiplePrimaries = errors.New("blueprint: more than one primary")
)

// Validate checks that the ranges partition the keyspace.
//
// A valid blueprint:
//   - has at least one range
//   - starts at the empty key and ends unbounded
//   - has every range ending exactly where the next begins
//   - has no empty ranges
//   - has at most one primary per range
//
// Returns nil or an error wrapping one of ErrEmpty, ErrNotPartition or
// ErrMultiplePrimaries.
func (b Blueprint) Validate() error {
	if len(b.Ranges) == 0 {
		return ErrEmpty
	}
	if b.Ranges[0].Range.Start != "" {
		return fmt.Errorf("%w: first range starts at %q", ErrNotPartition, b.Ranges[0].Range.Start)
	}
	for i, a := range b.Ranges {
		last := i == len(b.Ranges)-1
		switch {
		case last && !a.Range.Unbounded():
			return fmt.Errorf("%w: last range ends at %q", ErrNotPartition, a.Range.End)
		case !last && a.Range.Unbounded():
			return fmt.Errorf("%w: range %d is unbounded but not last", ErrNotPartition, i)
		case !last && a.Range.End <= a.Range.Start:
			return fmt.Errorf("%w: range %s is empty", ErrNotPartition, a.Range)
		case !last && a.Range.End != b.Ranges[i+1].Range.Start:
			return fmt.Errorf("%w: gap or overlap between %s and %s", ErrNotPartition, a.Range, b.Ranges[i+1].Range)
		}
		primaries := 0
		for _, role := range a.Roles {
			if role == RolePrimary {
				primaries++
			}
		}
		if primaries > 1 {
			return fmt.Errorf("%w: range %s", ErrMultiplePrimaries, a.Range)
		}
	}
	return nil
}

// RangeFor finds the assignment whose range contains key.
//
// The blueprint must be valid; ranges are searched by binary search on their
// start keys.
//
// Example:
//
//	a, ok := bp.RangeFor("user:123")
//	if ok {
//	    primary, _ := a.Primary()
//	}
func (b Blueprint) RangeFor(key string) (Assignment, bool) {
	i := sort.Search(len(b.Ranges), func(i int) bool {
		return b.Ranges[i].Range.Start > key
	}) - 1
	if i < 0 || !b.Ranges[i].Range.Contains(key) {
		return Assignment{}, false
	}
	return b.Ranges[i], true
}

// Assignment returns the assignment for exactly r.
func (b Blueprint) Assignment(r KeyRange) (Assignment, bool) {
	i := slices.IndexFunc(b.Ranges, func(a Assignment) bool { return a.Range == r })
	if i < 0 {
		return Assignment{}, false
	}
	return b.Ranges[i], true
}

// RolesFor returns the role of peer in every range, in range order.
// Ranges where peer plays nothing are included.
func (b Blueprint) RolesFor(peer cluster.PeerID) map[KeyRange]Role {
	out := make(map[KeyRange]Role, len(b.Ranges))
	for _, a := range b.Ranges {
		out[a.Range] = a.Role(peer)
	}
	return out
}

// Peers lists every peer named in the blueprint, in id order.
func (b Blueprint) Peers() []cluster.PeerID {
	seen := make(map[cluster.PeerID]struct{})
	for _, a := range b.Ranges {
		for p := range a.Roles {
			seen[p] = struct{}{}
		}
	}
	out := make([]cluster.PeerID, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.SortFunc(out, func(x, y cluster.PeerID) int {
		switch {
		case x.Less(y):
			return -1
		case y.Less(x):
			return 1
		}
		return 0
	})
	return out
}

// Describe renders the blueprint one range per line, for logs and the
// admin command.
func (b Blueprint) Describe() string {
	var sb strings.Builder
	for _, a := range b.Ranges {
		sb.WriteString(a.Range.String())
		for _, p := range sortedPeers(a.Roles) {
			fmt.Fprintf(&sb, " %s=%s", p.Short(), a.Roles[p])
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func sortedPeers(roles map[cluster.PeerID]Role) []cluster.PeerID {
	out := make([]cluster.PeerID, 0, len(roles))
	for p := range roles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
