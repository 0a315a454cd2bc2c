package main

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rtsp-face-overlay/internal/camera"
)

// NewViewerHub creates an empty hub
func NewViewerHub(log zerolog.Logger) *ViewerHub {
	return &ViewerHub{
		clients: make(map[camera.ID]map[string]*Client),
		log:     log.With().Str("component", "viewers").Logger(),
	}
}

// Publish hands an encoded frame to every viewer of the camera. A viewer
// whose buffer is full misses the frame.
func (h *ViewerHub) Publish(id camera.ID, frame []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[id]))
	for _, client := range h.clients[id] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		// Check if client is still active before sending
		client.mu.Lock()
		if !client.closed {
			select {
			case client.send <- frame:
			default:
				h.log.Debug().Str("client_id", client.id).Msg("client buffer full, skipping frame")
			}
		}
		client.mu.Unlock()
	}
}

// AddClient registers a viewer connection and starts its pumps
func (h *ViewerHub) AddClient(id camera.ID, conn *websocket.Conn) *Client {
	client := h.register(id, conn)

	go client.writePump()
	go client.readPump()

	h.log.Info().Str("client_id", client.id).Str("camera_id", id.String()).Msg("viewer connected")
	return client
}

func (h *ViewerHub) register(id camera.ID, conn *websocket.Conn) *Client {
	client := &Client{
		id:       uuid.NewString(),
		cameraID: id,
		conn:     conn,
		send:     make(chan []byte, ClientBufferSize),
		hub:      h,
	}

	h.mu.Lock()
	if h.clients[id] == nil {
		h.clients[id] = make(map[string]*Client)
	}
	h.clients[id][client.id] = client
	h.mu.Unlock()
	return client
}

// RemoveClient unregisters a viewer. Removing twice is harmless.
func (h *ViewerHub) RemoveClient(client *Client) {
	// Protect against double removal
	client.mu.Lock()
	if client.closed {
		client.mu.Unlock()
		return
	}
	client.closed = true
	close(client.send)
	client.mu.Unlock()

	h.mu.Lock()
	delete(h.clients[client.cameraID], client.id)
	if len(h.clients[client.cameraID]) == 0 {
		delete(h.clients, client.cameraID)
	}
	h.mu.Unlock()

	h.log.Info().Str("client_id", client.id).Str("camera_id", client.cameraID.String()).Msg("viewer removed")
}

// DisconnectCamera closes every viewer of the camera
func (h *ViewerHub) DisconnectCamera(id camera.ID) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[id]))
	for _, client := range h.clients[id] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		h.RemoveClient(client)
	}
}

// CloseAll disconnects every viewer
func (h *ViewerHub) CloseAll() {
	h.mu.RLock()
	ids := make([]camera.ID, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.DisconnectCamera(id)
	}
}

// Count returns the number of viewers of the camera
func (h *ViewerHub) Count(id camera.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[id])
}
