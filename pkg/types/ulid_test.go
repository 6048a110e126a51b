package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULIDGenerator_PartNamesSortByCreation(t *testing.T) {
	gen := NewULIDGenerator()

	names := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := gen.GenerateWithTime(time.UnixMilli(int64(1700000000000 + i)))
		require.NoError(t, err)
		names = append(names, "part-"+id.String()+".tar")
	}

	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i],
			"part written later must sort after part written earlier")
	}
}

func TestULIDGenerator_MonotonicWithinMillisecond(t *testing.T) {
	gen := NewULIDGenerator()
	at := time.UnixMilli(1700000000000)

	prev, err := gen.GenerateWithTime(at)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		next, err := gen.GenerateWithTime(at)
		require.NoError(t, err)
		assert.Equal(t, -1, prev.Compare(next),
			"same-millisecond ULIDs must still increase")
		prev = next
	}
}

func TestULID_Timestamp(t *testing.T) {
	gen := NewULIDGenerator()
	at := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)

	id, err := gen.GenerateWithTime(at)
	require.NoError(t, err)

	assert.Equal(t, uint64(at.UnixMilli()), id.Timestamp())
	assert.True(t, id.Time().Equal(at))
}

func TestULID_StringRoundTrip(t *testing.T) {
	gen := NewULIDGenerator()

	id, err := gen.Generate()
	require.NoError(t, err)

	s := id.String()
	require.Len(t, s, 26)
	assert.Equal(t, strings.ToUpper(s), s)

	parsed, err := ParseULID(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseULID_Invalid(t *testing.T) {
	_, err := ParseULID("too-short")
	assert.ErrorIs(t, err, ErrInvalidULIDLength)

	// 'U' is excluded from Crockford Base32.
	_, err = ParseULID(strings.Repeat("U", 26))
	assert.ErrorIs(t, err, ErrInvalidULIDCharacter)
}
