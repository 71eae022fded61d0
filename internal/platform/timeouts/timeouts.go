// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between transport boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// SocketWrite caps a single WebSocket frame write.
const SocketWrite = 10 * time.Second

// Collaborator caps a single history store call made while handling a frame.
const Collaborator = 5 * time.Second

// AnswerGeneration caps one AI answer generation.
const AnswerGeneration = 60 * time.Second

// PresenceCall caps a single presence store round trip.
const PresenceCall = 2 * time.Second
