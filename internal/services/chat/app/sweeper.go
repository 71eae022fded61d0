package server

import (
	"context"
	"log"
	"time"

	"github.com/louisbranch/kbchat/internal/services/chat/protocol"
)

// startSessionSweeper closes expired sessions every interval until the
// returned cancel is called. done closes once the worker has stopped.
func startSessionSweeper(chat *chatRuntime, interval time.Duration) (context.CancelFunc, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				chat.sweepSessions(ctx)
			}
		}
	}()
	return cancel, done
}

// sweepSessions closes expired sessions and disconnects any connection still
// holding one. It returns how many sessions were closed.
func (c *chatRuntime) sweepSessions(ctx context.Context) int {
	expired := c.sessions.CleanupExpiredSessions(ctx)
	for _, sess := range expired {
		conn, ok := c.registry.Get(sess.RoomID, sess.ClientID)
		if !ok {
			continue
		}
		log.Printf("chat: session expired room=%q client=%q", sess.RoomID, sess.ClientID)
		c.hub.Detach(conn, protocol.ClosePolicyViolation, "session expired")
	}
	return len(expired)
}
