package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursors(t *testing.T) {
	b := Get()
	defer b.Release()

	b.WriteString("hello world")
	assert.Equal(t, 11, b.Len())
	assert.Equal(t, "hello world", b.String())

	got := b.Consume(6)
	assert.Equal(t, "hello ", string(got))
	assert.Equal(t, "world", b.String())

	b.Seek(-6)
	assert.Equal(t, "hello world", b.String())

	// Read cursor never passes the write cursor.
	b.Consume(100)
	assert.Equal(t, 0, b.Len())
}

func TestPrependUsesHeadRoom(t *testing.T) {
	b := GetWithHead(4)
	defer b.Release()

	b.Write([]byte("payload"))
	require.True(t, b.Prepend([]byte{0x00, 0x07}))
	assert.Equal(t, []byte{0x00, 0x07, 'p', 'a', 'y', 'l', 'o', 'a', 'd'}, b.Bytes())

	// Remaining head room is two bytes; a larger prepend must fail.
	assert.False(t, b.Prepend([]byte{1, 2, 3}))
}

func TestFlags(t *testing.T) {
	b := Get()
	defer b.Release()

	assert.False(t, b.HasFlag(FlagCloseAfterSend))
	b.SetFlag(FlagCloseAfterSend | FlagWSText)
	assert.True(t, b.HasFlag(FlagCloseAfterSend))
	assert.True(t, b.HasFlag(FlagWSText))
	b.ClearFlag(FlagWSText)
	assert.False(t, b.HasFlag(FlagWSText))
	assert.True(t, b.HasFlag(FlagCloseAfterSend))
}

func TestRetainRelease(t *testing.T) {
	b := From([]byte("shared"))
	b.Retain()
	b.Release()
	// Still alive after one release of two references.
	assert.Equal(t, "shared", b.String())
	b.Release()
}

func TestRecycleResetsState(t *testing.T) {
	b := Get()
	b.WriteString("stale")
	b.SetFlag(FlagFraming)
	b.Release()

	fresh := Get()
	defer fresh.Release()
	assert.Equal(t, 0, fresh.Len())
	assert.False(t, fresh.HasFlag(FlagFraming))
}
