package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_EncodeDecode(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 42, time.UTC)
	c := Cursor{ID: "ent_01", CreatedAt: ts}

	got, err := Decode(c.Encode())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c, *got)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Rejects(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	for name, in := range map[string]string{
		"not base64":    "%%%",
		"no separator":  enc("nothing"),
		"wrong version": enc("c0|1|ent_1"),
		"bad timestamp": enc("c1|abc|ent_1"),
		"empty id":      enc("c1|1|"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestPaginate(t *testing.T) {
	key := func(s string) Cursor { return Cursor{ID: s, CreatedAt: time.Unix(0, 0).UTC()} }

	p := Paginate([]string{"a", "b"}, 3, key)
	assert.Equal(t, []string{"a", "b"}, p.Items)
	assert.False(t, p.HasMore)
	assert.Empty(t, p.NextCursor)

	p = Paginate([]string{"a", "b", "c"}, 3, key)
	assert.False(t, p.HasMore)

	p = Paginate([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, p.Items)
	require.True(t, p.HasMore)
	c, err := Decode(p.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
