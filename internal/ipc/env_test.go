package ipc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env []string) func(string) (string, bool) {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestUnitEnvRoundTrip(t *testing.T) {
	t.Parallel()

	want := UnitEnv{ShardIDs: []int{4, 5}, TotalShards: 8, Format: FormatCBOR, UnitID: "unit-4"}
	got, err := ParseEnv(lookupFrom(want.Environ()))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     []string
		want    UnitEnv
		wantErr string
	}{
		{
			name: "default format",
			env:  []string{EnvShards + "=0", EnvShardCount + "=1"},
			want: UnitEnv{ShardIDs: []int{0}, TotalShards: 1, Format: FormatJSON},
		},
		{
			name: "spaces",
			env:  []string{EnvShards + "= 1, 2 ", EnvShardCount + "=3", EnvIPCFormat + "=json"},
			want: UnitEnv{ShardIDs: []int{1, 2}, TotalShards: 3, Format: FormatJSON},
		},
		{
			name:    "missing shards",
			env:     []string{EnvShardCount + "=1"},
			wantErr: EnvShards + " is not set",
		},
		{
			name:    "bad shard",
			env:     []string{EnvShards + "=x", EnvShardCount + "=1"},
			wantErr: "parsing " + EnvShards,
		},
		{
			name:    "missing count",
			env:     []string{EnvShards + "=0"},
			wantErr: EnvShardCount + " is not set",
		},
		{
			name:    "bad format",
			env:     []string{EnvShards + "=0", EnvShardCount + "=1", EnvIPCFormat + "=xml"},
			wantErr: "unknown ipc format",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseEnv(lookupFrom(tt.env))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
