package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minisource/evertask/ekind"
	"github.com/minisource/evertask/model"
)

func item(id string) Item {
	return Item{Task: &model.PersistedTask{ID: id}}
}

func TestPushRejectReturnsQueueFullImmediately(t *testing.T) {
	q := New("bulk", 1, Reject)
	require.NoError(t, q.Push(item("1"), nil))

	err := q.Push(item("2"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ekind.ErrQueueFull)
	assert.True(t, ekind.Is(err, ekind.QueueFull))
}

func TestPushFallbackToDefaultUsesFallbackWhenFull(t *testing.T) {
	def := New("default", 2, Wait)
	bulk := New("bulk", 1, FallbackToDefault)

	require.NoError(t, bulk.Push(item("1"), def))
	require.NoError(t, bulk.Push(item("2"), def))

	assert.Equal(t, 1, bulk.Len())
	assert.Equal(t, 1, def.Len())
}

func TestPushFallbackToDefaultFailsWhenBothFull(t *testing.T) {
	def := New("default", 1, Wait)
	bulk := New("bulk", 1, FallbackToDefault)

	require.NoError(t, bulk.Push(item("1"), def))
	require.NoError(t, def.Push(item("2"), nil))

	err := bulk.Push(item("3"), def)
	require.Error(t, err)
	assert.ErrorIs(t, err, ekind.ErrQueueFull)
}

func TestPushFallbackWithNilFallbackSurfacesQueueFull(t *testing.T) {
	q := New("default", 1, FallbackToDefault)
	require.NoError(t, q.Push(item("1"), nil))

	err := q.Push(item("2"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ekind.ErrQueueFull)
}

func TestPushWaitBlocksUntilSpaceAvailable(t *testing.T) {
	q := New("default", 1, Wait)
	require.NoError(t, q.Push(item("1"), nil))

	done := make(chan struct{})
	go func() {
		q.Push(item("2"), nil)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Push should have blocked with the queue full")
	case <-time.After(20 * time.Millisecond):
	}

	<-q.Chan()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push did not unblock after space freed up")
	}
}

func TestTryPushNeverBlocks(t *testing.T) {
	q := New("default", 1, Wait)
	assert.True(t, q.TryPush(item("1")))
	assert.False(t, q.TryPush(item("2")))
}
