package generation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_NewPair(t *testing.T) {
	p := NewPair("v2")
	require.Equal(t, "static-v2", p.Static)
	require.Equal(t, "dynamic-v2", p.Dynamic)
	require.True(t, p.Contains("static-v2"))
	require.True(t, p.Contains("dynamic-v2"))
	require.False(t, p.Contains("static-v1"))
}

func Test_Stale(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		current  Pair
		want     []string
	}{
		{
			name:     "empty backend",
			existing: nil,
			current:  NewPair("v1"),
			want:     nil,
		},
		{
			name:     "nothing stale",
			existing: []string{"static-v1", "dynamic-v1"},
			current:  NewPair("v1"),
			want:     nil,
		},
		{
			name:     "previous version cleaned up",
			existing: []string{"dynamic-v1", "static-v1", "static-v2", "dynamic-v2"},
			current:  NewPair("v2"),
			want:     []string{"dynamic-v1", "static-v1"},
		},
		{
			name:     "unknown buckets are stale too",
			existing: []string{"static-v1", "scratch"},
			current:  NewPair("v1"),
			want:     []string{"scratch"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Stale(tt.existing, tt.current))
		})
	}
}

func Test_Active_swap(t *testing.T) {
	a := NewActive(NewPair("v1"))
	require.Equal(t, NewPair("v1"), a.Load())

	old := a.Swap(NewPair("v2"))
	require.Equal(t, NewPair("v1"), old)
	require.Equal(t, NewPair("v2"), a.Load())
}
