// Package websocket fans task and chat events out to connected
// observers. The hub subscribes to the event bus, turns each event's
// payload into one JSON frame and delivers it to every client; a client
// that cannot keep up is detached rather than allowed to stall the
// stream.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/events"
	"github.com/gantryhq/gantry/internal/events/bus"
	"github.com/gantryhq/gantry/internal/metrics"
)

// Hub manages the set of connected observers. All set mutation happens
// on the Run goroutine; other goroutines reach it through the register
// and unregister channels, so a send channel is never closed while a
// fan-out is writing to it.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	frames     chan []byte
	done       chan struct{}
}

// NewHub creates a hub. Nothing is delivered until Run is started.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:        eventBus,
		logger:     log.WithComponent("ws-hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		frames:     make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run subscribes to the bus and fans events out until the context is
// cancelled. It blocks; run it in its own goroutine.
func (h *Hub) Run(ctx context.Context) error {
	subjects := []string{
		events.BuildTaskWildcardSubject(),
		events.BuildChatWildcardSubject(),
	}
	subs := make([]bus.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := h.bus.Subscribe(subject, h.enqueue)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAllClients()
			return nil

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.frames:
			h.fanOut(frame)
		}
	}
}

// Register attaches a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister detaches a client. Idempotent and safe after shutdown.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of attached observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// enqueue converts a bus event into a wire frame. The bus must never
// block on the gateway, so when the frame queue is full the event is
// dropped instead.
func (h *Hub) enqueue(_ context.Context, ev *bus.Event) error {
	frame, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	select {
	case h.frames <- frame:
	case <-h.done:
	default:
		metrics.BroadcastDrops.Inc()
		h.logger.Warn("frame queue full, dropping event", zap.String("type", ev.Type))
	}
	return nil
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	metrics.ObserversConnected.Set(float64(count))
	h.logger.Debug("observer attached", zap.String("client_id", client.ID))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, attached := h.clients[client]
	if attached {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if attached {
		metrics.ObserversConnected.Set(float64(count))
		h.logger.Debug("observer detached", zap.String("client_id", client.ID))
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.ObserversConnected.Set(0)
}

// fanOut delivers one frame to every client, iterating a snapshot of
// the set so concurrent attach and detach never invalidate it. A client
// whose buffer is full is detached; one bad observer never aborts the
// broadcast.
func (h *Hub) fanOut(frame []byte) {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		snapshot = append(snapshot, client)
	}
	h.mu.RUnlock()

	var stale []*Client
	for _, client := range snapshot {
		if !client.trySend(frame) {
			stale = append(stale, client)
		}
	}
	for _, client := range stale {
		metrics.BroadcastDrops.Inc()
		h.logger.Warn("observer too slow, detaching", zap.String("client_id", client.ID))
		h.removeClient(client)
	}
}
