package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAtSortsByStamp(t *testing.T) {
	early := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := NewAt(early.Add(time.Minute))
	b := NewAt(early)
	require.Less(t, b, a)

	got, ok := Time(b)
	require.True(t, ok)
	require.True(t, got.Equal(early))
}

func TestSameStampStaysMonotonic(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	prev := NewAt(at)
	for i := 0; i < 100; i++ {
		next := NewAt(at)
		require.Less(t, prev, next)
		prev = next
	}
}

func TestValid(t *testing.T) {
	require.True(t, Valid(New()))
	require.False(t, Valid(""))
	require.False(t, Valid("not-an-id"))
	require.False(t, Valid("8ZZZZZZZZZZZZZZZZZZZZZZZZZ"))

	_, ok := Time("nope")
	require.False(t, ok)
}
