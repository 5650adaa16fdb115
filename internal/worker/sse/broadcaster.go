// Package sse streams worker events to connected clients over
// Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Client is one connected SSE stream.
type Client struct {
	ID      string
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
}

// Broadcaster fans events out to every connected client. Clients whose
// connection has gone away are dropped on the next write.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*Client)}
}

// AddClient registers a response writer as a stream client. It returns an
// error when the writer cannot flush incrementally.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	client := &Client{
		ID:      uuid.NewString(),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[client.ID] = client
	count := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("clients", count).Msg("SSE client connected")
	return client, nil
}

// RemoveClient drops a client and closes its done channel.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	if _, ok := b.clients[client.ID]; ok {
		delete(b.clients, client.ID)
		close(client.Done)
	}
	count := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("clients", count).Msg("SSE client disconnected")
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends an event to every connected client. The frame is the
// payload fields flattened next to a "type" discriminator and a millisecond
// "timestamp", e.g. {"type":"new_observation","observation":{...},"timestamp":...}.
// Write failures mark the client dead and it is removed after the fan-out.
func (b *Broadcaster) Broadcast(name string, fields map[string]interface{}) {
	frame := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = name
	frame["timestamp"] = time.Now().UnixMilli()

	payload, err := json.Marshal(frame)
	if err != nil {
		log.Warn().Err(err).Str("event", name).Msg("Could not marshal SSE event")
		return
	}

	b.mu.RLock()
	var dead []*Client
	for _, client := range b.clients {
		if _, err := fmt.Fprintf(client.Writer, "data: %s\n\n", payload); err != nil {
			dead = append(dead, client)
			continue
		}
		client.Flusher.Flush()
	}
	b.mu.RUnlock()

	for _, client := range dead {
		b.RemoveClient(client)
	}
}
