package pagination

import (
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	encoded := Encode(t0, "txn_abc123")
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, t0, cursor.CreatedAt)
	assert.Equal(t, "txn_abc123", cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"not-base64!!!", "bm9waXBl", Encode(t0, "")} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, s)
	}
}

func TestCursor_After(t *testing.T) {
	c := &Cursor{CreatedAt: t0, ID: "txn_m"}

	assert.True(t, c.After(t0.Add(-time.Second), "txn_z"))
	assert.False(t, c.After(t0.Add(time.Second), "txn_a"))
	assert.True(t, c.After(t0, "txn_a"), "same instant breaks ties on id")
	assert.False(t, c.After(t0, "txn_m"))

	var none *Cursor
	assert.True(t, none.After(t0, "anything"))
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) { return t0, s }

	items, next := ComputePage([]string{"c", "b", "a"}, 5, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)

	items, next = ComputePage([]string{"c", "b", "a"}, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)

	items, next = ComputePage([]string{"d", "c", "b", "a"}, 3, key)
	assert.Equal(t, []string{"d", "c", "b"}, items)
	require.NotEmpty(t, next)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
}
