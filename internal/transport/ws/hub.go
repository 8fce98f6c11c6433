package ws

import (
	"fmt"
	"sync"
	"sync/atomic"

	"strategia.ai/internal/protocol"
)

const (
	DefaultQueue = 256
	MaxQueue     = 4096
)

type HubConfig struct {
	// Frames of at least CompressThreshold bytes go out compressed to zstd
	// clients. Zero selects protocol.CompressThreshold.
	CompressThreshold int
	// DefaultQueue applies when HELLO asks for no particular queue size;
	// MaxQueue caps what it may ask for.
	DefaultQueue int
	MaxQueue     int
}

type frame struct {
	data   []byte
	binary bool
}

type client struct {
	id     string
	name   string
	zstd   bool
	active bool

	out      chan frame
	kicked   chan struct{}
	kickOnce sync.Once
}

func (c *client) kick() {
	c.kickOnce.Do(func() { close(c.kicked) })
}

// Hub fans world output out to per-client bounded queues. A client is
// registered at handshake and only receives broadcasts once the world has
// activated it, so its snapshots always precede the deltas that follow.
// A client whose queue overflows is kicked; it would otherwise see a gap.
type Hub struct {
	cfg HubConfig

	mu      sync.RWMutex
	clients map[string]*client
	nextID  uint64

	kicks      atomic.Uint64
	compressed atomic.Uint64
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = protocol.CompressThreshold
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = MaxQueue
	}
	if cfg.DefaultQueue <= 0 {
		cfg.DefaultQueue = DefaultQueue
	}
	if cfg.DefaultQueue > cfg.MaxQueue {
		cfg.DefaultQueue = cfg.MaxQueue
	}
	return &Hub{cfg: cfg, clients: map[string]*client{}}
}

func (h *Hub) register(name string, zstd bool, maxQueue int) *client {
	if maxQueue <= 0 {
		maxQueue = h.cfg.DefaultQueue
	}
	if maxQueue > h.cfg.MaxQueue {
		maxQueue = h.cfg.MaxQueue
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c := &client{
		id:     fmt.Sprintf("C%06d", h.nextID),
		name:   name,
		zstd:   zstd,
		out:    make(chan frame, maxQueue),
		kicked: make(chan struct{}),
	}
	h.clients[c.id] = c
	return c
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// Activate starts broadcast delivery to a registered client.
func (h *Hub) Activate(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return false
	}
	c.active = true
	return true
}

// Clients counts activated clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.active {
			n++
		}
	}
	return n
}

// Broadcast queues msg for every active client. The compressed form is built
// at most once per call.
func (h *Hub) Broadcast(msg []byte) {
	plain := frame{data: msg}
	var packed *frame

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.active {
			continue
		}
		f := plain
		if c.zstd {
			if packed == nil {
				data, bin := protocol.EncodeFrame(msg, true, h.cfg.CompressThreshold)
				packed = &frame{data: data, binary: bin}
			}
			f = *packed
		}
		h.enqueue(c, f)
	}
}

// Send queues msg for one client. It reports false when the client is
// unknown or has been kicked for overflowing.
func (h *Hub) Send(clientID string, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	if !ok {
		return false
	}
	f := frame{data: msg}
	if c.zstd {
		f.data, f.binary = protocol.EncodeFrame(msg, true, h.cfg.CompressThreshold)
	}
	return h.enqueue(c, f)
}

func (h *Hub) enqueue(c *client, f frame) bool {
	select {
	case <-c.kicked:
		return false
	default:
	}
	select {
	case c.out <- f:
		if f.binary {
			h.compressed.Add(1)
		}
		return true
	default:
		h.kicks.Add(1)
		c.kick()
		return false
	}
}

// Kicks counts clients disconnected for overflowing their queue.
func (h *Hub) Kicks() uint64 { return h.kicks.Load() }

// Compressed counts frames queued in zstd form.
func (h *Hub) Compressed() uint64 { return h.compressed.Load() }
