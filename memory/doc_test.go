package memory_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olserra/meshclaw/memory"
)

func snapshot(d *memory.Doc) map[string]string {
	out := make(map[string]string)
	for _, k := range d.Keys() {
		v, _ := d.GetText(k)
		out[k] = v
	}
	return out
}

func TestInsertAndGet(t *testing.T) {
	d := memory.NewDoc()
	d.InsertText("note1", "hello")
	d.InsertText("note1", "hello again")
	d.InsertText("empty", "")

	v, ok := d.GetText("note1")
	assert.True(t, ok)
	assert.Equal(t, "hello again", v)

	v, ok = d.GetText("empty")
	assert.True(t, ok, "empty string is a present value")
	assert.Equal(t, "", v)

	_, ok = d.GetText("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"empty", "note1"}, d.Keys())
}

func TestConcurrentWritesConverge(t *testing.T) {
	a := memory.NewDocWithClient("a")
	b := memory.NewDocWithClient("b")
	c := memory.NewDocWithClient("c")

	a.InsertText("k", "from a")
	b.InsertText("k", "from b")
	c.InsertText("other", "only c")

	ua, ub, uc := a.Update(), b.Update(), c.Update()

	// Each replica sees every update, in a different order.
	require.NoError(t, a.ApplyUpdate(uc))
	require.NoError(t, a.ApplyUpdate(ub))
	require.NoError(t, b.ApplyUpdate(ua))
	require.NoError(t, b.ApplyUpdate(uc))
	require.NoError(t, c.ApplyUpdate(ub))
	require.NoError(t, c.ApplyUpdate(ua))

	assert.Equal(t, snapshot(a), snapshot(b))
	assert.Equal(t, snapshot(b), snapshot(c))

	v, _ := a.GetText("k")
	assert.Equal(t, "from b", v, "equal clocks break ties on client id")
}

func TestApplyIsIdempotent(t *testing.T) {
	src := memory.NewDoc()
	src.InsertText("x", "1")
	src.InsertText("y", "2")
	u := src.Update()

	dst := memory.NewDoc()
	require.NoError(t, dst.ApplyUpdate(u))
	once := snapshot(dst)
	require.NoError(t, dst.ApplyUpdate(u))
	require.NoError(t, dst.ApplyUpdate(u))
	assert.Equal(t, once, snapshot(dst))
	assert.Equal(t, snapshot(src), snapshot(dst))
}

func TestLocalWriteWinsAfterMerge(t *testing.T) {
	a := memory.NewDocWithClient("a")
	b := memory.NewDocWithClient("zzz")

	for i := 0; i < 5; i++ {
		b.InsertText("k", "b wrote")
	}
	require.NoError(t, a.ApplyUpdate(b.Update()))
	a.InsertText("k", "a replaced")

	v, _ := a.GetText("k")
	assert.Equal(t, "a replaced", v)
	assert.Greater(t, a.Clock(), b.Clock())

	require.NoError(t, b.ApplyUpdate(a.Update()))
	v, _ = b.GetText("k")
	assert.Equal(t, "a replaced", v)
}

func TestEmptyDocUpdateIsValid(t *testing.T) {
	empty := memory.NewDoc().Update()
	assert.NotEmpty(t, empty)

	d := memory.NewDoc()
	d.InsertText("k", "v")
	require.NoError(t, d.ApplyUpdate(empty))
	assert.Equal(t, 1, d.Len())
}

func TestApplyRejectsMalformed(t *testing.T) {
	d := memory.NewDoc()
	d.InsertText("keep", "me")
	before := snapshot(d)

	good := func() []byte {
		s := memory.NewDoc()
		s.InsertText("a", "b")
		return s.Update()
	}()

	cases := map[string][]byte{
		"nil":       nil,
		"garbage":   []byte("definitely not an update"),
		"truncated": good[:len(good)-2],
		"version 2": {0x08, 0x02},
		"no clock":  {0x08, 0x01, 0x12, 0x05, 0x0a, 0x01, 'k', 0x22, 0x00},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			err := d.ApplyUpdate(in)
			assert.True(t, errors.Is(err, memory.ErrInvalidUpdate), "got %v", err)
			assert.Equal(t, before, snapshot(d))
		})
	}
}
