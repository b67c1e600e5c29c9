// Package bridge implements the server side of the browser-agent link: the
// single-peer WebSocket transport channel, the per-request response channel
// registry, the pending queue for requests that arrive while the agent is
// disconnected, and the replayer that recovers in-flight work on reconnect.
package bridge

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Peer is the write side of one agent connection. *websocket.Conn satisfies
// it; tests substitute an in-memory implementation.
type Peer interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Channel is the single duplex link to the browser agent. It holds at most
// one live peer; a new handshake atomically displaces the previous one.
// Writes are serialized so concurrent dispatchers never interleave frames.
type Channel struct {
	mu        sync.Mutex
	peer      Peer
	writeMu   sync.Mutex
	verifying bool

	// onConnect is invoked (on its own goroutine) after a peer attaches.
	// The recovery engine hooks in here.
	onConnect func()
}

// NewChannel creates an empty transport channel.
func NewChannel() *Channel {
	return &Channel{}
}

// OnConnect registers the callback invoked after each peer attach.
func (c *Channel) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// Attach installs a new peer, closing and replacing any previous one. A new
// connection also clears the interstitial "verifying" state: the agent only
// reconnects after its page reloaded.
func (c *Channel) Attach(p Peer) {
	c.mu.Lock()
	if c.peer != nil {
		log.Warn("new browser agent connected, replacing the previous peer")
		_ = c.peer.Close()
	}
	if c.verifying {
		log.Info("browser agent reconnected, verification state cleared")
		c.verifying = false
	}
	c.peer = p
	fn := c.onConnect
	c.mu.Unlock()

	if fn != nil {
		go fn()
	}
}

// Detach releases the slot if p is still the active peer. A stale detach
// from an already-replaced connection is ignored.
func (c *Channel) Detach(p Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == p {
		c.peer = nil
	}
}

// Connected reports whether a peer currently occupies the slot.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer != nil
}

// Send marshals v and writes it as one text frame to the peer. It returns
// ErrNoPeer when the slot is empty.
func (c *Channel) Send(v interface{}) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return ErrNoPeer
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return peer.WriteMessage(websocket.TextMessage, data)
}

// SendCommand sends a control frame such as refresh or reconnect.
func (c *Channel) SendCommand(command string) error {
	return c.Send(map[string]string{"command": command})
}

// RequestRefresh asks the agent to reload its page. Only the first call per
// verification episode issues the command; later calls report that a refresh
// is already in flight. The flag is cleared on the next peer attach.
func (c *Channel) RequestRefresh() bool {
	c.mu.Lock()
	if c.verifying {
		c.mu.Unlock()
		return false
	}
	c.verifying = true
	c.mu.Unlock()

	if err := c.SendCommand("refresh"); err != nil {
		log.Warnf("failed to send refresh command: %v", err)
	}
	return true
}

// Verifying reports whether an interstitial refresh is in flight.
func (c *Channel) Verifying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verifying
}
