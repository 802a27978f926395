package histdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOp_String(t *testing.T) {
	assert.Equal(t, "put", OpPut.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "none", OpNone.String())
	assert.Equal(t, "invalid op 999", Op(999).String())
}

func TestLayer_cloneIsIndependent(t *testing.T) {
	l := newLayer(7)
	l.put([]byte("a"), []byte("1"))
	c := l.clone()
	l.put([]byte("b"), []byte("2"))
	l.del([]byte("a"))

	assert.Equal(t, 1, c.Len())
	ch, ok := c.get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, OpPut, ch.op)
	assert.Equal(t, uint32(7), c.rev)

	ch, ok = l.get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, OpDelete, ch.op)
}

func TestLayer_nilValueIsNotDelete(t *testing.T) {
	l := newLayer(0)
	l.put([]byte("k"), nil)
	v, ok := layersGet([]*layer{l}, []byte("k"))
	assert.True(t, ok)
	assert.NotNil(t, v)
	assert.Empty(t, v)
}

func collect(c Cursor, forward bool) []string {
	var out []string
	var k []byte
	if forward {
		k, _ = c.First()
	} else {
		k, _ = c.Last()
	}
	for k != nil {
		out = append(out, string(k))
		if forward {
			k, _ = c.Next()
		} else {
			k, _ = c.Prev()
		}
	}
	return out
}

func TestMergedCursor(t *testing.T) {
	eachBackend(t, func(t *testing.T, kind string) {
		be := openBackend(t, kind)
		tx, err := be.Begin(true)
		require.NoError(t, err)
		for _, k := range []string{"a", "c", "e", "g"} {
			require.NoError(t, tx.Put([]byte(k), []byte("base-"+k)))
		}
		require.NoError(t, tx.Commit())

		lower := newLayer(1)
		lower.put([]byte("b"), []byte("lower-b"))
		lower.del([]byte("c"))
		lower.put([]byte("f"), []byte("lower-f"))
		upper := newLayer(2)
		upper.put([]byte("c"), []byte("upper-c"))
		upper.del([]byte("f"))
		upper.del([]byte("g"))
		upper.del([]byte("zz"))

		rtx, err := be.Begin(false)
		require.NoError(t, err)
		defer rtx.Rollback()
		layers := []*layer{upper, lower}
		c := newMergedCursor(layers, rtx.Cursor())

		assert.Equal(t, []string{"a", "b", "c", "e"}, collect(c, true))
		assert.Equal(t, []string{"e", "c", "b", "a"}, collect(c, false))

		k, v := c.Seek([]byte("bb"))
		assert.Equal(t, "c", string(k))
		assert.Equal(t, "upper-c", string(v))

		k, _ = c.Seek([]byte("f"))
		assert.Nil(t, k)

		k, v = c.SeekLast([]byte("b"))
		assert.Equal(t, "b", string(k))
		assert.Equal(t, "lower-b", string(v))

		k, _ = c.SeekLast([]byte("d"))
		assert.Equal(t, "c", string(k))

		v, ok := layersGet(layers, []byte("g"))
		assert.True(t, ok)
		assert.Nil(t, v)
		_, ok = layersGet(layers, []byte("a"))
		assert.False(t, ok)

		// without layers the backend cursor is used as is
		assert.Equal(t, []string{"a", "c", "e", "g"}, collect(newMergedCursor(nil, rtx.Cursor()), true))
	})
}

func TestLayer_apply(t *testing.T) {
	be := NewMemory()
	defer be.Close()
	l := newLayer(0)
	l.put([]byte("x"), []byte("1"))
	l.put([]byte("y"), []byte("2"))
	l.del([]byte("y"))
	l.del([]byte("missing"))

	tx, err := be.Begin(true)
	require.NoError(t, err)
	require.NoError(t, l.apply(tx))
	require.NoError(t, tx.Commit())

	tx, err = be.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback()
	assert.Equal(t, []byte("1"), tx.Get([]byte("x")))
	assert.Nil(t, tx.Get([]byte("y")))
}
