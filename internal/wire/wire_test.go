package wire

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Key   string `msgpack:"key"`
	Value []byte `msgpack:"value"`
	Count int    `msgpack:"count"`
}

// TestVersionsEncodeDifferently verifies that the same logical value has a
// different byte layout under each version and that each decodes back.
func TestVersionsEncodeDifferently(t *testing.T) {
	in := sample{Key: "user:1", Value: []byte("alice"), Count: 3}

	v1, err := Marshal(V1, in)
	require.NoError(t, err)
	v2, err := Marshal(V2, in)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	// V1 carries field names, V2 does not
	assert.Contains(t, string(v1), "key")
	assert.NotContains(t, string(v2), "key")

	for _, tc := range []struct {
		version Version
		data    []byte
	}{{V1, v1}, {V2, v2}} {
		var out sample
		require.NoError(t, Unmarshal(tc.version, tc.data, &out), tc.version.String())
		assert.Equal(t, in, out)
	}
}

// TestV2CompressesLargePayloads verifies the compression flag is set only
// above the threshold.
func TestV2CompressesLargePayloads(t *testing.T) {
	small, err := Marshal(V2, sample{Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, flagRaw, small[0])

	big := sample{Key: "k", Value: []byte(strings.Repeat("abcdef", 1000))}
	data, err := Marshal(V2, big)
	require.NoError(t, err)
	assert.Equal(t, flagS2, data[0])
	assert.Less(t, len(data), len(big.Value))

	var out sample
	require.NoError(t, Unmarshal(V2, data, &out))
	assert.Equal(t, big, out)
}

func TestUnsupportedVersion(t *testing.T) {
	_, err := Marshal(Version(9), sample{})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	var out sample
	assert.ErrorIs(t, Unmarshal(Version(0), []byte{0x80}, &out), ErrUnsupportedVersion)
	assert.ErrorIs(t, Unmarshal(V2, nil, &out), ErrCorrupt)
	assert.ErrorIs(t, Unmarshal(V2, []byte{7, 0x80}, &out), ErrCorrupt)
}

func TestUnmarshalRejectsOversizedExpansion(t *testing.T) {
	// an s2 block starts with its decoded length
	data := binary.AppendUvarint([]byte{flagS2}, 1<<30)
	data = append(data, 0x00, 'x')

	var out sample
	assert.ErrorIs(t, Unmarshal(V2, data, &out), ErrCorrupt)
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name           string
		lmin, lmax     Version
		rmin, rmax     Version
		want           Version
		wantCompatible bool
	}{
		{"same range", V1, V2, V1, V2, V2, true},
		{"remote older", V1, V2, V1, V1, V1, true},
		{"local older", V1, V1, V1, V2, V1, true},
		{"disjoint", V2, V2, V1, V1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Negotiate(tt.lmin, tt.lmax, tt.rmin, tt.rmax)
			assert.Equal(t, tt.wantCompatible, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.True(t, V1.Supported())
	assert.False(t, Version(3).Supported())
}
