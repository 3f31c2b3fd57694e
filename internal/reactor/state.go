package reactor

import (
	"fmt"
	"sort"

	"github.com/dreamware/strata/internal/blueprint"
	"github.com/dreamware/strata/internal/cluster"
	"github.com/dreamware/strata/internal/directory"
	"github.com/dreamware/strata/internal/mailbox"
)

// State is what a peer is currently doing for one key range.
type State uint8

const (
	StateNothing State = iota
	StateSecondaryBackfilling
	StateSecondaryUpToDate
	StatePrimary
)

var stateNames = map[State]string{
	StateNothing:              "nothing",
	StateSecondaryBackfilling: "secondary_backfilling",
	StateSecondaryUpToDate:    "secondary_up_to_date",
	StatePrimary:              "primary",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st, n := range stateNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown reactor state %q", b)
}

// Serving reports whether a replica in this state answers reads.
func (s State) Serving() bool { return s == StatePrimary || s == StateSecondaryUpToDate }

// Secondary reports whether the state receives replicated writes.
func (s State) Secondary() bool {
	return s == StateSecondaryBackfilling || s == StateSecondaryUpToDate
}

// Activity is one range's entry on a business card: the state the peer is
// in for that range and the mailboxes through which it can be reached.
type Activity struct {
	Range     blueprint.KeyRange             `msgpack:"range" json:"range"`
	State     State                          `msgpack:"state" json:"state"`
	Read      mailbox.Addr[ReadRequest]      `msgpack:"read" json:"read"`
	Write     mailbox.Addr[WriteRequest]     `msgpack:"write" json:"write"`
	Replicate mailbox.Addr[ReplicateRequest] `msgpack:"replicate" json:"replicate"`
	Backfill  mailbox.Addr[BackfillRequest]  `msgpack:"backfill" json:"backfill"`
}

// BusinessCard is everything a peer advertises about its replicas. A new
// card replaces the previous one wholesale.
type BusinessCard struct {
	Activities []Activity `msgpack:"activities" json:"activities"`
}

// Find returns the activity for exactly r.
func (c BusinessCard) Find(r blueprint.KeyRange) (Activity, bool) {
	for _, a := range c.Activities {
		if a.Range == r {
			return a, true
		}
	}
	return Activity{}, false
}

// StateOf returns the advertised state for r, StateNothing if absent.
func (c BusinessCard) StateOf(r blueprint.KeyRange) State {
	a, _ := c.Find(r)
	return a.State
}

func (c BusinessCard) equal(o BusinessCard) bool {
	if len(c.Activities) != len(o.Activities) {
		return false
	}
	for i := range c.Activities {
		if c.Activities[i] != o.Activities[i] {
			return false
		}
	}
	return true
}

func sortActivities(as []Activity) {
	sort.Slice(as, func(i, j int) bool { return as[i].Range.Start < as[j].Range.Start })
}

// Directory is the view of every peer's business card.
type Directory = directory.View[BusinessCard]

// Advertisers returns the peers advertising r with a state accepted by
// want, in peer id order.
func Advertisers(dir Directory, r blueprint.KeyRange, want func(State) bool) []cluster.PeerID {
	var out []cluster.PeerID
	for p, e := range dir {
		if a, ok := e.Value.Find(r); ok && want(a.State) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Satisfied reports whether every peer has reached the state its role in bp
// asks for: primaries primary, secondaries up to date, and nobody
// advertising a range it has no role in.
func Satisfied(bp blueprint.Blueprint, dir Directory) bool {
	for _, a := range bp.Ranges {
		for p, role := range a.Roles {
			e, ok := dir[p]
			if !ok {
				return false
			}
			st := e.Value.StateOf(a.Range)
			switch role {
			case blueprint.RolePrimary:
				if st != StatePrimary {
					return false
				}
			case blueprint.RoleSecondary:
				if st != StateSecondaryUpToDate {
					return false
				}
			case blueprint.RoleNothing:
				if st != StateNothing {
					return false
				}
			}
		}
	}
	for p, e := range dir {
		for _, act := range e.Value.Activities {
			a, ok := bp.Assignment(act.Range)
			if !ok || a.Role(p) == blueprint.RoleNothing {
				return false
			}
		}
	}
	return true
}
