package event

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnEmitOff(t *testing.T) {
	d := New(zerolog.Nop())

	var got []any
	id := d.On("tick", func(p any) { got = append(got, p) })

	d.Emit("tick", 1)
	d.Emit("tick", 2)
	require.Equal(t, []any{1, 2}, got)

	d.Off("tick", id)
	d.Emit("tick", 3)
	assert.Equal(t, []any{1, 2}, got)
	assert.Equal(t, 0, d.Len("tick"))
}

func TestOnceFiresOnce(t *testing.T) {
	d := New(zerolog.Nop())

	calls := 0
	d.Once("join", func(any) { calls++ })

	d.Emit("join", nil)
	d.Emit("join", nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, d.Len("join"))
}

func TestOnceReentrantEmit(t *testing.T) {
	d := New(zerolog.Nop())

	calls := 0
	d.Once("boom", func(any) {
		calls++
		// Re-emitting from inside the handler must not fire it again.
		d.Emit("boom", nil)
	})

	d.Emit("boom", nil)
	assert.Equal(t, 1, calls)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	d := New(zerolog.Nop())

	var after bool
	d.On("msg", func(any) { panic("bad consumer") })
	d.On("msg", func(any) { after = true })

	require.NotPanics(t, func() { d.Emit("msg", "hello") })
	assert.True(t, after, "second subscriber must still run")
}

func TestOffUnknownIDIsNoop(t *testing.T) {
	d := New(zerolog.Nop())
	d.Off("nothing", 42)

	d.On("x", func(any) {})
	d.Off("x", 999)
	assert.Equal(t, 1, d.Len("x"))
}

func TestEmitWithNoSubscribers(t *testing.T) {
	d := New(zerolog.Nop())
	assert.NotPanics(t, func() { d.Emit("silent", nil) })
}
