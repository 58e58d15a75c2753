package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_EncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123456000, time.UTC)
	c, err := Decode(Encode(ts, "65f0c0ffee0000000000abcd"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.CreatedAt.Equal(ts))
	assert.Equal(t, "65f0c0ffee0000000000abcd", c.ID)
}

func TestDecode_FirstPage(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Rejects(t *testing.T) {
	for _, raw := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|id")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := Decode(raw)
		assert.ErrorIs(t, err, ErrInvalidCursor, raw)
	}
}

type row struct {
	at time.Time
	id string
}

func TestPage(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []row{{base, "a"}, {base.Add(time.Second), "b"}, {base.Add(2 * time.Second), "c"}}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	items, next := Page(rows, 2, key)
	assert.Len(t, items, 2)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	items, next = Page(rows, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
}
