package main

import "time"

// Server configuration constants
const (
	// ClientBufferSize is the maximum number of frames to buffer per viewer
	ClientBufferSize = 10

	// SuperviseInterval is how often failed streams are looked for
	SuperviseInterval = 5 * time.Second

	// MaxStallDuration is the maximum time allowed without frames before a
	// camera is reported as stalled
	MaxStallDuration = 10 * time.Second

	// WebSocketPingInterval is how often to send ping messages to viewers
	WebSocketPingInterval = 54 * time.Second

	// WebSocketReadDeadline is the deadline for reading WebSocket messages
	WebSocketReadDeadline = 60 * time.Second

	// WebSocketWriteDeadline is the deadline for writing WebSocket messages
	WebSocketWriteDeadline = 10 * time.Second

	// WebSocketReadLimit is the maximum message size for incoming WebSocket messages
	WebSocketReadLimit = 512
)
