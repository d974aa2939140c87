package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendAndReceive(t *testing.T) {
	recv := New(Options{})
	port, err := recv.Listen()
	require.NoError(t, err)
	defer recv.Close()

	got := make(chan Metadata, 1)
	var gotPayload json.RawMessage
	recv.OnMessage(func(payload json.RawMessage, md Metadata) {
		gotPayload = payload
		got <- md
	})

	sender := New(Options{})
	defer sender.Close()

	payload, _ := json.Marshal(map[string]string{"hello": "world"})
	require.NoError(t, sender.Send("127.0.0.1", port, "node-a", "node-b", payload))

	select {
	case md := <-got:
		require.Equal(t, "node-a", md.From)
		require.Equal(t, "node-b", md.To)
		require.JSONEq(t, `{"hello":"world"}`, string(gotPayload))
	case <-time.After(2 * time.Second):
		t.Fatal("message was not received")
	}
}

func TestSendReusesConnection(t *testing.T) {
	recv := New(Options{})
	port, err := recv.Listen()
	require.NoError(t, err)
	defer recv.Close()

	count := make(chan struct{}, 10)
	recv.OnMessage(func(_ json.RawMessage, _ Metadata) { count <- struct{}{} })

	sender := New(Options{})
	defer sender.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, sender.Send("127.0.0.1", port, "a", "b", json.RawMessage(`{}`)))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-count:
		case <-time.After(2 * time.Second):
			t.Fatal("missing message")
		}
	}

	sender.mu.Lock()
	n := len(sender.outbound)
	sender.mu.Unlock()
	require.Equal(t, 1, n, "expected exactly one cached outbound connection")
}

func TestSendDialErrorSurfaces(t *testing.T) {
	sender := New(Options{})
	defer sender.Close()
	err := sender.Send("127.0.0.1", 1, "a", "b", json.RawMessage(`{}`))
	require.Error(t, err)
}
