package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxOrder(t *testing.T) {
	m := newMailbox()
	m.Push([]byte("one"))
	m.Push([]byte("two"))
	m.Push([]byte("three"))

	ctx := context.Background()
	for _, want := range []string{"one", "two", "three"} {
		data, ok := m.Pop(ctx)
		require.True(t, ok)
		assert.Equal(t, want, string(data))
	}
	assert.Equal(t, 0, m.Len())
}

func TestMailboxPushNeverBlocks(t *testing.T) {
	m := newMailbox()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			m.Push([]byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("push blocked")
	}
	assert.Equal(t, 10000, m.Len())
}

func TestMailboxPopBlocksUntilPush(t *testing.T) {
	m := newMailbox()

	got := make(chan []byte, 1)
	go func() {
		data, ok := m.Pop(context.Background())
		require.True(t, ok)
		got <- data
	}()

	time.Sleep(20 * time.Millisecond)
	m.Push([]byte("late"))

	select {
	case data := <-got:
		assert.Equal(t, "late", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestMailboxCloseDrains(t *testing.T) {
	m := newMailbox()
	m.Push([]byte("queued"))
	m.Close()

	// Already-queued datagrams are still delivered.
	data, ok := m.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "queued", string(data))

	_, ok = m.Pop(context.Background())
	assert.False(t, ok)

	// Pushes after close are dropped.
	m.Push([]byte("dropped"))
	_, ok = m.Pop(context.Background())
	assert.False(t, ok)
}

func TestMailboxPopHonorsContext(t *testing.T) {
	m := newMailbox()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, ok := m.Pop(ctx)
	assert.False(t, ok)
}
