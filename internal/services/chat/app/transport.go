package server

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
	"github.com/louisbranch/kbchat/internal/platform/timeouts"
	"github.com/louisbranch/kbchat/internal/services/chat/dispatch"
	"github.com/louisbranch/kbchat/internal/services/chat/hub"
	"github.com/louisbranch/kbchat/internal/services/chat/mode"
	"github.com/louisbranch/kbchat/internal/services/chat/protocol"
	"github.com/louisbranch/kbchat/internal/services/chat/registry"
)

const closeGracePeriod = time.Second

var errNonTextFrame = errors.New("frames must be text")

// wsPeer adapts a gorilla connection to registry.Socket. Writes are
// serialized; Close may race with a write in flight.
type wsPeer struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn}
}

func (p *wsPeer) Send(ctx context.Context, data []byte) error {
	if p.closed.Load() {
		return registry.ErrConnectionClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(timeouts.SocketWrite)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *wsPeer) Close(code int, reason string) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		message := websocket.FormatCloseMessage(code, reason)
		_ = p.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGracePeriod))
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

func (p *wsPeer) Closed() bool {
	return p.closed.Load()
}

// serveConn attaches an upgraded connection and runs its receive loop. It
// returns once the connection has been detached.
func (c *chatRuntime) serveConn(ctx context.Context, ws *websocket.Conn, admission hub.Admission) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws.SetReadLimit(maxFrameBytes)
	peer := newWSPeer(ws)
	attachment, err := c.hub.Attach(ctx, admission, peer)
	if err != nil {
		code := apperrors.CodeOf(err)
		closeCode := protocol.CloseInternalError
		message := "connection could not be attached"
		if apperrors.KindOf(err) == apperrors.KindPolicyViolation {
			closeCode = protocol.ClosePolicyViolation
			if domainErr, ok := apperrors.As(err); ok {
				message = domainErr.Message
			}
		}
		log.Printf("chat: attach room=%q client=%q: %v", admission.RoomID, admission.ClientID, err)
		if data, encodeErr := protocol.Encode(protocol.ErrorFrame("", string(code), message)); encodeErr == nil {
			_ = peer.Send(ctx, data)
		}
		_ = peer.Close(closeCode, string(code))
		return
	}
	conn := attachment.Conn
	defer c.hub.Detach(conn, protocol.CloseNormal, "connection closed")

	if err := c.sendConnected(ctx, attachment); err != nil {
		log.Printf("chat: send connected room=%q client=%q: %v", conn.RoomID, conn.ClientID, err)
		return
	}
	c.receive(ctx, ws, attachment)
}

func (c *chatRuntime) sendConnected(ctx context.Context, attachment *hub.Attachment) error {
	conn := attachment.Conn
	state, err := c.modes.State(ctx, conn.RoomID)
	if err != nil {
		log.Printf("chat: load mode room=%q: %v", conn.RoomID, err)
		state = mode.DefaultState(conn.RoomID)
	}
	return c.broadcaster.Send(ctx, conn, protocol.NewFrame(protocol.TypeSessionConnected, "", protocol.Connected{
		RoomID:                   conn.RoomID,
		ClientID:                 conn.ClientID,
		IdentityID:               attachment.Identity.ID,
		SessionID:                attachment.Session.ID,
		Role:                     string(conn.Role),
		Mode:                     string(state.Mode),
		AssignedAgentID:          state.AssignedAgentID,
		ExpiresAt:                attachment.Session.ExpiresAt,
		HeartbeatIntervalSeconds: c.heartbeatInterval,
	}))
}

func (c *chatRuntime) receive(ctx context.Context, ws *websocket.Conn, attachment *hub.Attachment) {
	conn := attachment.Conn
	caller := dispatch.Caller{
		Conn:        conn,
		RoomID:      conn.RoomID,
		ClientID:    conn.ClientID,
		IdentityID:  attachment.Identity.ID,
		IdentityRef: attachment.Identity.Ref(),
		Agent:       attachment.Identity.IsAgent(),
		EndUserRef:  attachment.Identity.EndUserRef,
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if conn.Alive() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("chat: read room=%q client=%q: %v", conn.RoomID, conn.ClientID, err)
			}
			return
		}
		c.hub.Touch(ctx, conn)

		var frame protocol.Frame
		decodeErr := errNonTextFrame
		if messageType == websocket.TextMessage {
			frame, decodeErr = protocol.DecodeFrame(data)
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			c.reply(ctx, conn, protocol.ErrorFrame(frame.RequestID, string(apperrors.CodeRateLimited), "rate limit exceeded"))
			c.hub.Detach(conn, protocol.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if decodeErr != nil || strings.TrimSpace(frame.Type) == "" {
			decodeErrors++
			c.reply(ctx, conn, protocol.ErrorFrame(frame.RequestID, string(apperrors.CodeInvalidFrame), "invalid frame"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				c.hub.Detach(conn, protocol.ClosePolicyViolation, "too many invalid frames")
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			c.reply(ctx, conn, protocol.ErrorFrame(frame.RequestID, string(apperrors.CodePayloadTooLarge), "payload too large"))
			continue
		}

		if protocol.IsHeartbeat(frame.Type) {
			if frame.Type == protocol.TypePing {
				c.reply(ctx, conn, protocol.NewFrame(protocol.TypePong, frame.RequestID, nil))
			}
			continue
		}

		if err := c.dispatcher.Dispatch(ctx, caller, frame); err != nil && apperrors.KindOf(err) == apperrors.KindPolicyViolation {
			c.hub.Detach(conn, protocol.ClosePolicyViolation, string(apperrors.CodeOf(err)))
			return
		}
	}
}

func (c *chatRuntime) reply(ctx context.Context, conn *registry.Connection, frame protocol.Frame) {
	if err := c.broadcaster.Send(ctx, conn, frame); err != nil {
		log.Printf("chat: write %s room=%q client=%q: %v", frame.Type, conn.RoomID, conn.ClientID, err)
	}
}
