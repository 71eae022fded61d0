// Package chat implements the real-time transport for knowledge-base chat rooms.
//
// Subpackages own one concern each: registry tracks live connections, heartbeat
// detects dead peers, broadcast fans frames out with retry and eviction, session
// and mode hold per-room state, and dispatch routes client commands. The app
// package composes them behind a WebSocket endpoint.
package chat
