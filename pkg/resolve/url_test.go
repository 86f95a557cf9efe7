package resolve

import (
	"testing"

	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want URL
	}{
		{"host only", "mrc.example.com", URL{Scheme: "oncrpc", Host: "mrc.example.com", Port: 32636}},
		{"host and port", "mrc:9000", URL{Scheme: "oncrpc", Host: "mrc", Port: 9000}},
		{"explicit scheme", "oncrpcs://mrc:9000/vol1", URL{Scheme: "oncrpcs", Host: "mrc", Port: 9000, Volume: "vol1"}},
		{"volume", "mrc/vol1", URL{Scheme: "oncrpc", Host: "mrc", Port: 32636, Volume: "vol1"}},
		{"root only path", "mrc/", URL{Scheme: "oncrpc", Host: "mrc", Port: 32636}},
		{"root only path with scheme", "oncrpc://mrc:32636/", URL{Scheme: "oncrpc", Host: "mrc", Port: 32636}},
		{"trailing slash after volume", "mrc/vol1/", URL{Scheme: "oncrpc", Host: "mrc", Port: 32636, Volume: "vol1"}},
		{"ipv6", "[::1]:9000/v", URL{Scheme: "oncrpc", Host: "::1", Port: 9000, Volume: "v"}},
		{"scheme case", "ONCRPC://mrc", URL{Scheme: "oncrpc", Host: "mrc", Port: 32636}},
		{"unknown scheme still parses", "http://mrc", URL{Scheme: "http", Host: "mrc", Port: 32636}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.in, xtfs.DefaultMRCPort)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParseURLInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"no host", "oncrpc://"},
		{"port without host", "oncrpc://:32636/vol"},
		{"bad port", "mrc:abc"},
		{"port out of range", "mrc:70000"},
		{"zero port", "mrc:0"},
		{"empty port", "mrc:"},
		{"query", "mrc/vol?x=1"},
		{"user info", "oncrpc://alice@mrc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseURL(tt.in, xtfs.DefaultMRCPort)
			require.Error(t, err)
			assert.True(t, fault.IsKind(err, fault.KindInvalidURL), "got %T: %v", err, err)
		})
	}
}

func TestURLString(t *testing.T) {
	u, err := ParseURL("mrc:9000/vol1", 0)
	require.NoError(t, err)
	assert.Equal(t, "oncrpc://mrc:9000/vol1", u.String())
	assert.Equal(t, "mrc:9000", u.Address())
}

func TestResolveScheme(t *testing.T) {
	for _, scheme := range []string{"oncrpc", "oncrpcs"} {
		assert.NoError(t, ResolveScheme(&URL{Scheme: scheme, Host: "h", Port: 1}))
	}

	err := ResolveScheme(&URL{Scheme: "http", Host: "h", Port: 1})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindUnknownAddressScheme))
	assert.Contains(t, err.Error(), "http")
}
