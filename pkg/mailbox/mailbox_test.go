package mailbox

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushDeliversInFIFOOrderToAllHandlers(t *testing.T) {
	mb := New(Options{MaxSize: 10})

	var got1, got2 []string
	mb.OnMessage(func(payload []byte, _ Metadata) { got1 = append(got1, string(payload)) })
	mb.OnMessage(func(payload []byte, _ Metadata) { got2 = append(got2, string(payload)) })

	require.True(t, mb.Push(Entry{Payload: []byte("a")}))
	require.True(t, mb.Push(Entry{Payload: []byte("b")}))

	require.Equal(t, []string{"a", "b"}, got1)
	require.Equal(t, []string{"a", "b"}, got2)
}

func TestPushDropsNewestWhenFull(t *testing.T) {
	mb := New(Options{MaxSize: 1})

	var delivered int32
	secondAccepted := true
	mb.OnMessage(func(payload []byte, _ Metadata) {
		atomic.AddInt32(&delivered, 1)
		if string(payload) == "first" {
			// "first" stays queued until its handlers return, so the
			// mailbox is full while this handler runs.
			secondAccepted = mb.Push(Entry{Payload: []byte("second")})
		}
	})

	require.True(t, mb.Push(Entry{Payload: []byte("first")}))
	require.False(t, secondAccepted)
	require.Equal(t, int32(1), atomic.LoadInt32(&delivered))
}

func TestPanickingHandlerDoesNotAffectSiblings(t *testing.T) {
	mb := New(Options{MaxSize: 10})

	var secondCalled bool
	mb.OnMessage(func(_ []byte, _ Metadata) { panic("boom") })
	mb.OnMessage(func(_ []byte, _ Metadata) { secondCalled = true })

	require.True(t, mb.Push(Entry{Payload: []byte("x")}))
	require.True(t, secondCalled)
}

func TestDefaultMaxSize(t *testing.T) {
	mb := New(Options{})
	require.Equal(t, DefaultMaxSize, mb.maxSize)
}
