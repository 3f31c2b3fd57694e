package blueprint

import (
	"fmt"
	"strings"

	"github.com/dreamware/strata/internal/cluster"
)

// SplitPoints returns n-1 boundaries dividing the keyspace into n ranges
// spread over the lowercase letters, the way Compile lays out ranges.
func SplitPoints(n int) []string {
	var out []string
	for i := 1; i < n; i++ {
		out = append(out, string(rune('a'+i*26/n)))
	}
	return out
}

// Compile builds a blueprint from a compact description, mostly for tests
// and the admin command.
//
// The description holds one comma-separated token per range. Each token has
// one letter per peer, in the order of peers: 'p' for primary, 's' for
// secondary and 'n' for nothing. Ranges are laid out by SplitPoints.
//
// Example:
//
//	// three ranges; peer 0 is primary of the first, peer 1 secondary of it
//	bp, err := Compile("psn,nps,snp", peers)
func Compile(desc string, peers []cluster.PeerID) (Blueprint, error) {
	tokens := strings.Split(desc, ",")
	bounds := SplitPoints(len(tokens))
	var bp Blueprint
	for i, tok := range tokens {
		if len(tok) != len(peers) {
			return Blueprint{}, fmt.Errorf("blueprint: token %q names %d peers, have %d", tok, len(tok), len(peers))
		}
		a := Assignment{Roles: make(map[cluster.PeerID]Role, len(peers))}
		if i > 0 {
			a.Range.Start = bounds[i-1]
		}
		if i < len(bounds) {
			a.Range.End = bounds[i]
		}
		for j, c := range tok {
			switch c {
			case 'p':
				a.Roles[peers[j]] = RolePrimary
			case 's':
				a.Roles[peers[j]] = RoleSecondary
			case 'n':
				a.Roles[peers[j]] = RoleNothing
			default:
				return Blueprint{}, fmt.Errorf("blueprint: unknown role letter %q in %q", c, tok)
			}
		}
		bp.Ranges = append(bp.Ranges, a)
	}
	if err := bp.Validate(); err != nil {
		return Blueprint{}, err
	}
	return bp, nil
}
