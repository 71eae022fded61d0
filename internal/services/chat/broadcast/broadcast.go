// Package broadcast fans a frame out to the connections of a room.
package broadcast

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/louisbranch/kbchat/internal/platform/timeouts"
	"github.com/louisbranch/kbchat/internal/services/chat/protocol"
	"github.com/louisbranch/kbchat/internal/services/chat/registry"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 32

// Recipients resolves the live connections of a room.
type Recipients interface {
	Lookup(roomID string) []*registry.Connection
}

// Evictor tears down a connection that could not be reached.
type Evictor interface {
	Evict(conn *registry.Connection, reason string)
}

// Config bounds retries and fan-out.
type Config struct {
	MaxRetryAttempts int
	RetryInterval    time.Duration
	Concurrency      int
	SendTimeout      time.Duration
}

// Report summarizes one broadcast. Delivered, Failed and Evicted hold client
// ids. Failed lists every live recipient that never received the frame;
// Evicted is the subset that exhausted its retries.
type Report struct {
	RoomID    string
	Delivered []string
	Failed    []string
	Evicted   []string
	Attempts  int
}

// Broadcaster delivers frames with bounded per-recipient retries.
type Broadcaster struct {
	recipients Recipients
	evictor    Evictor
	cfg        Config
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Broadcaster) {
		if sleep != nil {
			b.sleep = sleep
		}
	}
}

// New creates a broadcaster over recipients. evictor may be nil.
func New(recipients Recipients, evictor Evictor, cfg Config, opts ...Option) *Broadcaster {
	if cfg.MaxRetryAttempts < 0 {
		cfg.MaxRetryAttempts = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = timeouts.SocketWrite
	}
	b := &Broadcaster{
		recipients: recipients,
		evictor:    evictor,
		cfg:        cfg,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast sends frame to every connection in roomID except
// excludeClientID. Failed sends are retried on the failed subset only, so a
// recipient never receives the frame twice. Recipients still failing after
// MaxRetryAttempts retries are evicted; recipients left pending because ctx
// ended are reported as failed but kept.
func (b *Broadcaster) Broadcast(ctx context.Context, roomID string, frame protocol.Frame, excludeClientID string) Report {
	report := Report{RoomID: roomID}
	data, err := protocol.Encode(frame)
	if err != nil {
		log.Printf("broadcast: encode frame type=%q room=%q: %v", frame.Type, roomID, err)
		return report
	}

	pending := make([]*registry.Connection, 0)
	for _, conn := range b.recipients.Lookup(roomID) {
		if excludeClientID != "" && conn.ClientID == excludeClientID {
			continue
		}
		pending = append(pending, conn)
	}
	if len(pending) == 0 {
		return report
	}

	var failed []*registry.Connection
	exhausted := false
	for attempt := 0; ; attempt++ {
		report.Attempts++
		var delivered []string
		delivered, failed = b.sendAll(ctx, pending, data)
		report.Delivered = append(report.Delivered, delivered...)
		if len(failed) == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt >= b.cfg.MaxRetryAttempts {
			exhausted = true
			break
		}
		if err := b.sleep(ctx, b.cfg.RetryInterval*time.Duration(attempt+1)); err != nil {
			break
		}
		// Drop recipients that were detached while we waited.
		failed = stillAlive(failed)
		if len(failed) == 0 {
			break
		}
		pending = failed
	}

	for _, conn := range failed {
		if !conn.Alive() {
			continue
		}
		report.Failed = append(report.Failed, conn.ClientID)
		if !exhausted {
			log.Printf("broadcast: abandoned room=%q client=%q after %d attempts: %v", roomID, conn.ClientID, report.Attempts, ctx.Err())
			continue
		}
		report.Evicted = append(report.Evicted, conn.ClientID)
		log.Printf("broadcast: evicting room=%q client=%q after %d attempts", roomID, conn.ClientID, report.Attempts)
		if b.evictor != nil {
			b.evictor.Evict(conn, "delivery failed")
		}
	}
	sort.Strings(report.Delivered)
	sort.Strings(report.Failed)
	sort.Strings(report.Evicted)
	return report
}

// Send writes frame to a single connection with the configured timeout.
func (b *Broadcaster) Send(ctx context.Context, conn *registry.Connection, frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()
	return conn.Send(sendCtx, data)
}

func (b *Broadcaster) sendAll(ctx context.Context, conns []*registry.Connection, data []byte) ([]string, []*registry.Connection) {
	var (
		mu        sync.Mutex
		delivered []string
		failed    []*registry.Connection
	)
	var group errgroup.Group
	group.SetLimit(b.cfg.Concurrency)
	for _, conn := range conns {
		group.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
			err := conn.Send(sendCtx, data)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, conn)
				return nil
			}
			delivered = append(delivered, conn.ClientID)
			return nil
		})
	}
	_ = group.Wait()
	return delivered, failed
}

func stillAlive(conns []*registry.Connection) []*registry.Connection {
	alive := conns[:0]
	for _, conn := range conns {
		if conn.Alive() {
			alive = append(alive, conn)
		}
	}
	return alive
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
