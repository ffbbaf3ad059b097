package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

func testClient(hub *Hub, ownerID string, buffer int) *Client {
	return &Client{hub: hub, ownerID: ownerID, send: make(chan []byte, buffer)}
}

func TestHubRoutesEventsByOwner(t *testing.T) {
	h := NewHub(nopLogger{})

	alice := testClient(h, "owner-a", 4)
	aliceTablet := testClient(h, "owner-a", 4)
	bob := testClient(h, "owner-b", 4)
	h.add(alice)
	h.add(aliceTablet)
	h.add(bob)
	assert.Equal(t, 3, h.ConnectionCount())

	h.push(&event{OwnerID: "owner-a", Data: []byte(`{"step":1}`)})

	assert.Equal(t, []byte(`{"step":1}`), <-alice.send)
	assert.Equal(t, []byte(`{"step":1}`), <-aliceTablet.send)
	assert.Empty(t, bob.send)
}

func TestHubDropsSlowWatcher(t *testing.T) {
	h := NewHub(nopLogger{})

	slow := testClient(h, "owner-a", 1)
	h.add(slow)

	h.push(&event{OwnerID: "owner-a", Data: []byte("first")})
	h.push(&event{OwnerID: "owner-a", Data: []byte("second")})

	// The buffered event is still readable, then the channel is closed
	// and the connection is gone from the hub
	assert.Equal(t, []byte("first"), <-slow.send)
	_, open := <-slow.send
	assert.False(t, open)
	assert.Equal(t, 0, h.ConnectionCount())

	// The read pump unregister after the drop is a no-op
	h.remove(slow)
}

func TestHubRemoveClosesSendChannel(t *testing.T) {
	h := NewHub(nopLogger{})

	c := testClient(h, "owner-a", 1)
	h.add(c)
	require.Equal(t, 1, h.ConnectionCount())

	h.remove(c)
	assert.Equal(t, 0, h.ConnectionCount())
	_, open := <-c.send
	assert.False(t, open)

	// Removing twice is a no-op
	h.remove(c)
}

func TestHubPushToUnknownOwnerIsNoop(t *testing.T) {
	h := NewHub(nopLogger{})
	h.push(&event{OwnerID: "nobody", Data: []byte("x")})
	assert.Equal(t, 0, h.ConnectionCount())
}

func TestOwnerFromChannel(t *testing.T) {
	assert.Equal(t, "owner-1", ownerFromChannel("workflow:events:owner-1"))
	assert.Equal(t, "", ownerFromChannel("other:channel"))
}
