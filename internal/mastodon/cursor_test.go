package mastodon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinkHeader(t *testing.T) {
	header := `<https://bne.social/api/v1/accounts/1/statuses?max_id=100>; rel="next", ` +
		`<https://bne.social/api/v1/accounts/1/statuses?min_id=120>; rel="prev"`

	links := ParseLinkHeader(header)
	assert.Equal(t, map[string]string{
		"next": "https://bne.social/api/v1/accounts/1/statuses?max_id=100",
		"prev": "https://bne.social/api/v1/accounts/1/statuses?min_id=120",
	}, links)

	assert.Empty(t, ParseLinkHeader(""))
	assert.Empty(t, ParseLinkHeader("garbage"))
}

func TestCursorValues(t *testing.T) {
	tests := []struct {
		name   string
		cursor Cursor
		want   string
	}{
		{"forward", Cursor{Direction: Forward, ID: "102"}, "min_id=102"},
		{"backward", Cursor{Direction: Backward, ID: "100"}, "max_id=100"},
		{"newest", Cursor{Direction: Backward}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cursor.Values().Encode())
		})
	}
}

func TestNextCursor(t *testing.T) {
	header := `<https://h/statuses?max_id=100>; rel="next", <https://h/statuses?min_id=120>; rel="prev"`

	next, ok, err := nextCursor(Backward, header)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Cursor{Direction: Backward, ID: "100"}, next)

	next, ok, err = nextCursor(Forward, header)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Cursor{Direction: Forward, ID: "120"}, next)

	_, ok, err = nextCursor(Forward, `<https://h/statuses?max_id=100>; rel="next"`)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = nextCursor(Backward, `<https://h/statuses?since_id=5>; rel="next"`)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = nextCursor(Backward, `<http://[::1>; rel="next"`)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestAdvances(t *testing.T) {
	assert.True(t, advances(Cursor{Direction: Backward}, Cursor{Direction: Backward, ID: "5"}))
	assert.True(t, advances(Cursor{Direction: Backward, ID: "100"}, Cursor{Direction: Backward, ID: "99"}))
	assert.False(t, advances(Cursor{Direction: Backward, ID: "100"}, Cursor{Direction: Backward, ID: "100"}))
	assert.True(t, advances(Cursor{Direction: Forward, ID: "99"}, Cursor{Direction: Forward, ID: "100"}))
	assert.False(t, advances(Cursor{Direction: Forward, ID: "100"}, Cursor{Direction: Forward, ID: "99"}))
}
