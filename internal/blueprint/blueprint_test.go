package blueprint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/strata/internal/cluster"
)

func testPeers(n int) []cluster.PeerID {
	out := make([]cluster.PeerID, n)
	for i := range out {
		out[i] = cluster.NewPeerID()
	}
	return out
}

func TestKeyRangeContains(t *testing.T) {
	tests := []struct {
		r    KeyRange
		key  string
		want bool
	}{
		{KeyRange{}, "", true},
		{KeyRange{}, "zzz", true},
		{KeyRange{Start: "", End: "i"}, "h", true},
		{KeyRange{Start: "", End: "i"}, "i", false},
		{KeyRange{Start: "i", End: "r"}, "i", true},
		{KeyRange{Start: "i", End: "r"}, "ia", true},
		{KeyRange{Start: "i", End: "r"}, "r", false},
		{KeyRange{Start: "r"}, "zebra", true},
		{KeyRange{Start: "r"}, "q", false},
	}
	for _, tt := range tests {
		t.Run(tt.r.String()+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Contains(tt.key))
		})
	}
}

func TestKeyRangeOverlapAndIntersect(t *testing.T) {
	tests := []struct {
		a, b KeyRange
		want KeyRange
		ok   bool
	}{
		{KeyRange{}, KeyRange{Start: "m"}, KeyRange{Start: "m"}, true},
		{KeyRange{End: "m"}, KeyRange{}, KeyRange{End: "m"}, true},
		{KeyRange{End: "m"}, KeyRange{Start: "m"}, KeyRange{}, false},
		{KeyRange{Start: "c", End: "p"}, KeyRange{Start: "i", End: "z"}, KeyRange{Start: "i", End: "p"}, true},
		{KeyRange{Start: "i", End: "r"}, KeyRange{Start: "a", End: "c"}, KeyRange{}, false},
		{KeyRange{Start: "r"}, KeyRange{Start: "i", End: "s"}, KeyRange{Start: "r", End: "s"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.a.String()+"&"+tt.b.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.ok, tt.b.Overlaps(tt.a))
			got, ok := tt.a.Intersect(tt.b)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile(t *testing.T) {
	peers := testPeers(2)

	bp, err := Compile("ps,sp,pn", peers)
	require.NoError(t, err)
	require.Len(t, bp.Ranges, 3)

	assert.Equal(t, KeyRange{Start: "", End: "i"}, bp.Ranges[0].Range)
	assert.Equal(t, KeyRange{Start: "i", End: "r"}, bp.Ranges[1].Range)
	assert.Equal(t, KeyRange{Start: "r"}, bp.Ranges[2].Range)

	assert.Equal(t, RolePrimary, bp.Ranges[0].Role(peers[0]))
	assert.Equal(t, RoleSecondary, bp.Ranges[0].Role(peers[1]))
	assert.Equal(t, RoleSecondary, bp.Ranges[1].Role(peers[0]))
	assert.Equal(t, RoleNothing, bp.Ranges[2].Role(peers[1]))
	assert.Equal(t, RoleNothing, bp.Ranges[2].Role(cluster.NewPeerID()))

	primary, ok := bp.Ranges[1].Primary()
	require.True(t, ok)
	assert.Equal(t, peers[1], primary)

	t.Run("single range covers everything", func(t *testing.T) {
		bp, err := Compile("p", peers[:1])
		require.NoError(t, err)
		require.Len(t, bp.Ranges, 1)
		assert.Equal(t, Everything, bp.Ranges[0].Range)
	})

	t.Run("errors", func(t *testing.T) {
		for _, desc := range []string{"p", "psx", "pp", "ps,s"} {
			_, err := Compile(desc, peers)
			assert.Error(t, err, desc)
		}
	})
}

func TestValidate(t *testing.T) {
	a, b := cluster.NewPeerID(), cluster.NewPeerID()
	roles := map[cluster.PeerID]Role{a: RolePrimary}
	tests := []struct {
		name   string
		ranges []KeyRange
		roles  map[cluster.PeerID]Role
		want   error
	}{
		{"valid", []KeyRange{{"", "m"}, {"m", ""}}, roles, nil},
		{"empty", nil, roles, ErrEmpty},
		{"does not start at beginning", []KeyRange{{"a", ""}}, roles, ErrNotPartition},
		{"bounded last", []KeyRange{{"", "m"}}, roles, ErrNotPartition},
		{"gap", []KeyRange{{"", "f"}, {"g", ""}}, roles, ErrNotPartition},
		{"overlap", []KeyRange{{"", "g"}, {"f", ""}}, roles, ErrNotPartition},
		{"unbounded in the middle", []KeyRange{{"", ""}, {"m", ""}}, roles, ErrNotPartition},
		{"two primaries", []KeyRange{{"", ""}}, map[cluster.PeerID]Role{a: RolePrimary, b: RolePrimary}, ErrMultiplePrimaries},
		{"no primary is fine", []KeyRange{{"", ""}}, map[cluster.PeerID]Role{a: RoleSecondary}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var bp Blueprint
			for _, r := range tt.ranges {
				bp.Ranges = append(bp.Ranges, Assignment{Range: r, Roles: tt.roles})
			}
			err := bp.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestRangeFor(t *testing.T) {
	peers := testPeers(1)
	bp, err := Compile("p,n,p,n", peers)
	require.NoError(t, err)

	for _, key := range []string{"", "a", "fzz", "g", "m", "n", "t", "zzzz", "\xff"} {
		a, ok := bp.RangeFor(key)
		require.True(t, ok, key)
		assert.True(t, a.Range.Contains(key), "%q in %s", key, a.Range)
	}

	a, ok := bp.Assignment(bp.Ranges[2].Range)
	require.True(t, ok)
	assert.Equal(t, RolePrimary, a.Role(peers[0]))
	_, ok = bp.Assignment(KeyRange{Start: "x", End: "y"})
	assert.False(t, ok)

	_, ok = Blueprint{}.RangeFor("a")
	assert.False(t, ok)
}

func TestRolesForAndPeers(t *testing.T) {
	peers := testPeers(3)
	bp, err := Compile("psn,nps", peers)
	require.NoError(t, err)

	roles := bp.RolesFor(peers[1])
	assert.Equal(t, RoleSecondary, roles[bp.Ranges[0].Range])
	assert.Equal(t, RolePrimary, roles[bp.Ranges[1].Range])
	assert.ElementsMatch(t, peers, bp.Peers())
	assert.Contains(t, bp.Describe(), peers[0].Short()+"=primary")
}

func TestRoleText(t *testing.T) {
	for _, r := range []Role{RoleNothing, RolePrimary, RoleSecondary} {
		b, err := r.MarshalText()
		require.NoError(t, err)
		var back Role
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, r, back)
	}
	var r Role
	assert.Error(t, r.UnmarshalText([]byte("leader")))
}

func TestBlueprintJSON(t *testing.T) {
	peers := testPeers(2)
	bp, err := Compile("ps,sp", peers)
	require.NoError(t, err)

	data, err := json.Marshal(bp)
	require.NoError(t, err)
	var back Blueprint
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, bp, back)
}

func TestParseAndMarshalYAML(t *testing.T) {
	peers := testPeers(2)
	bp, err := Compile("ps,np", peers)
	require.NoError(t, err)

	data, err := Marshal(bp)
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)

	require.Len(t, back.Ranges, 2)
	for i := range bp.Ranges {
		assert.Equal(t, bp.Ranges[i].Range, back.Ranges[i].Range)
		for _, p := range peers {
			assert.Equal(t, bp.Ranges[i].Role(p), back.Ranges[i].Role(p))
		}
	}

	t.Run("invalid documents", func(t *testing.T) {
		for _, doc := range []string{
			"ranges: [",
			"ranges: []",
			"ranges:\n  - start: a\n",
			"ranges:\n  - start: \"\"\n    primary: nope\n",
			"ranges:\n  - start: \"\"\n    primary: " + peers[0].String() + "\n    secondaries: [" + peers[0].String() + "]\n",
		} {
			_, err := Parse([]byte(doc))
			assert.Error(t, err, doc)
		}
	})
}

func TestWatch(t *testing.T) {
	peers := testPeers(2)
	dir := t.TempDir()
	path := filepath.Join(dir, "blueprint.yaml")

	write := func(desc string) {
		bp, err := Compile(desc, peers)
		require.NoError(t, err)
		data, err := Marshal(bp)
		require.NoError(t, err)
		tmp := path + ".tmp"
		require.NoError(t, os.WriteFile(tmp, data, 0o644))
		require.NoError(t, os.Rename(tmp, path))
	}
	write("ps")

	var (
		mu  sync.Mutex
		got []Blueprint
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zap.NewNop(), func(bp Blueprint) {
			mu.Lock()
			got = append(got, bp)
			mu.Unlock()
		})
	}()
	last := func() (Blueprint, int) {
		mu.Lock()
		defer mu.Unlock()
		if len(got) == 0 {
			return Blueprint{}, 0
		}
		return got[len(got)-1], len(got)
	}

	require.Eventually(t, func() bool { _, n := last(); return n >= 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("ranges: ["), 0o644))
	write("sp,ps")
	require.Eventually(t, func() bool {
		bp, _ := last()
		return len(bp.Ranges) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
