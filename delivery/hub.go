// Package delivery pushes notices and finished artifacts to requesters over
// websocket connections.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/VsevolodSauta/lookuppool"
)

// ErrNotConnected is returned when the requester has no open connection.
var ErrNotConnected = errors.New("requester not connected")

const writeWait = 10 * time.Second

// Message is the JSON frame sent to clients. An artifact message is followed
// by one binary frame holding the file contents.
type Message struct {
	Type string `json:"type"`           // "notice" or "artifact"
	Text string `json:"text,omitempty"` // notice text
	Name string `json:"name,omitempty"` // artifact file name
	Kind string `json:"kind,omitempty"` // "image" or "document"
	Size int64  `json:"size,omitempty"` // artifact size in bytes
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla connections allow one concurrent writer
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *client) writeArtifact(header Message, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(header); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Hub manages websocket connections per requester. It implements both
// lookuppool.Notifier and lookuppool.Delivery.
type Hub struct {
	mu      sync.Mutex
	clients map[lookuppool.RequesterID]map[*client]struct{}
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[lookuppool.RequesterID]map[*client]struct{}),
		logger:  logger,
	}
}

// AddClient registers a connection for the requester. The connection is
// read until it fails, then unregistered and closed.
func (h *Hub) AddClient(requester lookuppool.RequesterID, conn *websocket.Conn) {
	c := &client{conn: conn}

	h.mu.Lock()
	set, ok := h.clients[requester]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[requester] = set
	}
	set[c] = struct{}{}
	total := len(set)
	h.mu.Unlock()

	h.logger.Info("client connected", "requester", requester, "connections", total)

	go func() {
		defer h.remove(requester, c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(requester lookuppool.RequesterID, c *client) {
	h.mu.Lock()
	if set, ok := h.clients[requester]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, requester)
		}
	}
	h.mu.Unlock()
	_ = c.conn.Close()
	h.logger.Info("client disconnected", "requester", requester)
}

// Connected reports whether the requester has at least one connection.
func (h *Hub) Connected(requester lookuppool.RequesterID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[requester]) > 0
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (h *Hub) snapshot(requester lookuppool.RequesterID) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients[requester]))
	for c := range h.clients[requester] {
		out = append(out, c)
	}
	return out
}

// Notify sends a text notice to every connection of the requester.
func (h *Hub) Notify(ctx context.Context, requester lookuppool.RequesterID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clients := h.snapshot(requester)
	if len(clients) == 0 {
		return ErrNotConnected
	}
	var sent int
	var lastErr error
	for _, c := range clients {
		if err := c.writeJSON(Message{Type: "notice", Text: text}); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("notify %s: %w", requester, lastErr)
	}
	return nil
}

// Deliver sends the artifact image and document to the requester and
// removes the files once every file reached at least one connection.
func (h *Hub) Deliver(ctx context.Context, requester lookuppool.RequesterID, artifact *lookuppool.Artifact) error {
	if err := ctx.Err(); err != nil {
		return &lookuppool.DeliveryError{Requester: requester, Err: err}
	}
	clients := h.snapshot(requester)
	if len(clients) == 0 {
		return &lookuppool.DeliveryError{Requester: requester, Err: ErrNotConnected}
	}

	files := []struct{ path, kind string }{
		{artifact.ImagePath, "image"},
		{artifact.PDFPath, "document"},
	}
	for _, f := range files {
		if f.path == "" {
			continue
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			return &lookuppool.DeliveryError{Requester: requester, Err: fmt.Errorf("read %s: %w", f.path, err)}
		}
		header := Message{Type: "artifact", Name: filepath.Base(f.path), Kind: f.kind, Size: int64(len(data))}

		var sent int
		var lastErr error
		for _, c := range clients {
			if err := c.writeArtifact(header, data); err != nil {
				lastErr = err
				continue
			}
			sent++
		}
		if sent == 0 {
			return &lookuppool.DeliveryError{Requester: requester, Err: lastErr}
		}
		h.logger.Debug("artifact delivered", "requester", requester, "name", header.Name, "bytes", header.Size, "connections", sent)
	}

	for _, path := range artifact.Paths() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.logger.Warn("failed to remove delivered artifact", "path", path, "error", err)
		}
	}
	return nil
}

// Close closes every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for requester, set := range h.clients {
		for c := range set {
			_ = c.conn.Close()
		}
		delete(h.clients, requester)
	}
}
