package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/droidmirror/backend/internal/metrics"
	"github.com/gorilla/websocket"
)

type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newClient(conn *websocket.Conn, buffer int) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, buffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// trySend queues a message without blocking. It reports false only when
// the client's buffer is full; a message for an already-closed client is
// silently dropped. The mutex keeps the channel send and close from
// interleaving, which would panic the sender.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Broadcaster fans events out to connected WebSocket clients. It is the
// event.Sink for the watcher and the registry: delivery is best-effort,
// and a slow client is disconnected rather than allowed to stall the
// emitters.
type Broadcaster struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	buffer     int
	snapshotFn func() SnapshotPayload

	ticker    *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

func NewBroadcaster(snapshotInterval time.Duration, clientBuffer int) *Broadcaster {
	if clientBuffer <= 0 {
		clientBuffer = 256
	}
	if snapshotInterval <= 0 {
		snapshotInterval = 5 * time.Second
	}
	b := &Broadcaster{
		clients: make(map[*client]bool),
		buffer:  clientBuffer,
		done:    make(chan struct{}),
		ticker:  time.NewTicker(snapshotInterval),
	}
	go b.snapshotLoop()
	return b
}

// SetSnapshotHook wires the function that assembles full-state snapshots;
// main composes it from the watcher and the registry. Safe to call while
// the snapshot loop is already ticking.
func (b *Broadcaster) SetSnapshotHook(fn func() SnapshotPayload) {
	b.mu.Lock()
	b.snapshotFn = fn
	b.mu.Unlock()
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn, b.buffer)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	metrics.WSClients.Inc()

	// Seed the new client with the full current state. A full buffer is
	// not possible yet, but trySend keeps the one safe path to the
	// channel.
	if data, ok := b.snapshotMessage(); ok {
		c.trySend(data)
	}
	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
		metrics.WSClients.Dec()
	}
	b.mu.Unlock()
}

// Close disconnects every client and stops the snapshot loop.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.ticker.Stop()
		close(b.done)

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
			metrics.WSClients.Dec()
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.ticker.C:
			if data, ok := b.snapshotMessage(); ok {
				b.send(data)
			}
		}
	}
}

func (b *Broadcaster) snapshotMessage() ([]byte, bool) {
	b.mu.RLock()
	fn := b.snapshotFn
	b.mu.RUnlock()
	if fn == nil {
		return nil, false
	}
	// The hook reaches into the watcher and the registry, so it runs
	// outside our lock.
	data, err := json.Marshal(WSMessage{Type: MsgSnapshot, Payload: fn()})
	if err != nil {
		log.Printf("snapshot marshal error: %v", err)
		return nil, false
	}
	return data, true
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}
	b.send(data)
}

func (b *Broadcaster) send(data []byte) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	var slow []*client
	for _, c := range clients {
		if !c.trySend(data) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		// Client can't keep up, disconnect it.
		log.Printf("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

// event.Sink implementation.

func (b *Broadcaster) DevicesConnected(ids []string) {
	b.broadcast(WSMessage{Type: MsgDeviceConnected, Payload: DevicesPayload{Devices: ids}})
}

func (b *Broadcaster) DevicesDisconnected(ids []string) {
	b.broadcast(WSMessage{Type: MsgDeviceDisconnected, Payload: DevicesPayload{Devices: ids}})
}

func (b *Broadcaster) SessionLog(deviceID, runID, line string) {
	b.broadcast(WSMessage{Type: MsgSessionLog, Payload: SessionLogPayload{
		DeviceID: deviceID,
		RunID:    runID,
		Line:     line,
	}})
}

func (b *Broadcaster) SessionEnded(deviceID, runID string, exitCode *int) {
	b.broadcast(WSMessage{Type: MsgSessionEnded, Payload: SessionEndedPayload{
		DeviceID: deviceID,
		RunID:    runID,
		ExitCode: exitCode,
	}})
}

func (b *Broadcaster) Diagnostic(msg string) {
	b.broadcast(WSMessage{Type: MsgDiagnostic, Payload: DiagnosticPayload{Message: msg}})
}
