// Package dispatch routes decoded protocol commands to their handlers.
//
// Each inbound frame is checked against the caller's session first. A failed
// check is returned to the transport, which must close the socket with a
// policy violation. Every other failure is answered with a response.error on
// the caller's socket and the connection stays open. Collaborator failures
// additionally surface as notification.system events.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
	platformotel "github.com/louisbranch/kbchat/internal/platform/otel"
	"github.com/louisbranch/kbchat/internal/platform/timeouts"
	"github.com/louisbranch/kbchat/internal/services/chat/broadcast"
	"github.com/louisbranch/kbchat/internal/services/chat/collab"
	"github.com/louisbranch/kbchat/internal/services/chat/mode"
	"github.com/louisbranch/kbchat/internal/services/chat/presence"
	"github.com/louisbranch/kbchat/internal/services/chat/protocol"
	"github.com/louisbranch/kbchat/internal/services/chat/registry"
)

// AssistantSenderID attributes generated replies.
const AssistantSenderID = "assistant"

// Sessions validates and extends caller sessions.
type Sessions interface {
	ValidateSession(roomID, clientID, expectedRef string) bool
	Touch(roomID, clientID string) bool
}

// Modes reads and switches room modes.
type Modes interface {
	State(ctx context.Context, roomID string) (mode.State, error)
	Switch(ctx context.Context, roomID, agentID string, target mode.Mode) (mode.State, error)
}

// Members lists local connections of a room.
type Members interface {
	Lookup(roomID string) []*registry.Connection
}

// Broadcaster delivers frames to rooms and single connections.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, frame protocol.Frame, excludeClientID string) broadcast.Report
	Send(ctx context.Context, conn *registry.Connection, frame protocol.Frame) error
}

// Caller identifies the connection a frame arrived on.
type Caller struct {
	Conn        *registry.Connection
	RoomID      string
	ClientID    string
	IdentityID  string
	IdentityRef string
	Agent       bool
	EndUserRef  string
}

// Config holds dispatcher settings.
type Config struct {
	KnowledgeBaseRef    string
	AnswerTimeout       time.Duration
	CollaboratorTimeout time.Duration
}

// Deps are the collaborators of a Dispatcher. Presence is optional.
type Deps struct {
	Sessions    Sessions
	Modes       Modes
	Members     Members
	Presence    presence.Store
	Broadcaster Broadcaster
	History     collab.HistoryStore
	Answers     collab.AnswerGenerator
	Tracer      trace.Tracer
}

// Dispatcher handles protocol commands for every connection.
type Dispatcher struct {
	cfg  Config
	deps Deps

	baseCtx context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup
}

// New creates a dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.KnowledgeBaseRef == "" {
		cfg.KnowledgeBaseRef = "default"
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = timeouts.AnswerGeneration
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = timeouts.Collaborator
	}
	if deps.Tracer == nil {
		deps.Tracer = platformotel.Tracer("internal/services/chat/dispatch")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{cfg: cfg, deps: deps, baseCtx: ctx, cancel: cancel}
}

// Wait blocks until every detached answer task has finished.
func (d *Dispatcher) Wait() {
	d.tasks.Wait()
}

// Close cancels detached answer tasks and waits for them.
func (d *Dispatcher) Close() {
	d.cancel()
	d.tasks.Wait()
}

// Dispatch handles one inbound frame from caller. The returned error is
// non-nil only for policy violations.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, frame protocol.Frame) error {
	ctx, span := d.deps.Tracer.Start(ctx, "chat.dispatch "+frame.Type,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("chat.room_id", caller.RoomID),
			attribute.String("chat.client_id", caller.ClientID),
			attribute.String("chat.frame_type", frame.Type),
			attribute.Bool("chat.agent", caller.Agent),
		),
	)
	defer span.End()

	if !d.deps.Sessions.ValidateSession(caller.RoomID, caller.ClientID, caller.IdentityRef) {
		err := apperrors.New(apperrors.CodeSessionExpired, "session is no longer valid")
		d.replyError(ctx, caller, frame.RequestID, err)
		recordError(span, err)
		return err
	}
	d.deps.Sessions.Touch(caller.RoomID, caller.ClientID)

	cmd, err := protocol.Decode(frame)
	if err != nil {
		d.replyError(ctx, caller, frame.RequestID, err)
		recordError(span, err)
		return nil
	}

	switch c := cmd.(type) {
	case protocol.MessageCreate:
		err = d.messageCreate(ctx, caller, frame.RequestID, c)
	case protocol.HistoryRequest:
		err = d.historyRequest(ctx, caller, frame.RequestID, c)
	case protocol.MembersRequest:
		err = d.membersRequest(ctx, caller, frame.RequestID)
	case protocol.TypingStart:
		err = d.typing(ctx, caller, frame.RequestID, protocol.TypeTypingStart)
	case protocol.TypingStop:
		err = d.typing(ctx, caller, frame.RequestID, protocol.TypeTypingStop)
	case protocol.MessageRead:
		err = d.messageRead(ctx, caller, frame.RequestID, c)
	case protocol.ModeSwitch:
		err = d.modeSwitch(ctx, caller, frame.RequestID, c)
	default:
		err = apperrors.New(apperrors.CodeUnknownType, "unsupported frame type")
	}
	if err != nil {
		d.replyError(ctx, caller, frame.RequestID, err)
		recordError(span, err)
	}
	return nil
}

func (d *Dispatcher) messageCreate(ctx context.Context, caller Caller, requestID string, cmd protocol.MessageCreate) error {
	state, err := d.deps.Modes.State(ctx, caller.RoomID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "room mode is unavailable", err)
	}
	// AI mode accepts end users only; HUMAN mode accepts the assigned agent only.
	messageType := collab.MessageTypeUser
	switch {
	case state.Mode == mode.ModeHuman && (!caller.Agent || state.AssignedAgentID != caller.IdentityRef):
		return apperrors.New(apperrors.CodeOperationNotAllowed, "room is served by another participant")
	case state.Mode != mode.ModeHuman && caller.Agent:
		return apperrors.New(apperrors.CodeOperationNotAllowed, "agents can send only after taking over the room")
	case caller.Agent:
		messageType = collab.MessageTypeAgent
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CollaboratorTimeout)
	stored, err := d.deps.History.AddMessage(callCtx, collab.NewMessage{
		RoomID:   caller.RoomID,
		Content:  cmd.Content,
		Type:     messageType,
		SenderID: caller.IdentityID,
		Metadata: cmd.Metadata,
	})
	cancel()
	if err != nil {
		log.Printf("chat: persist message room=%q client=%q: %v", caller.RoomID, caller.ClientID, err)
		d.notifyRoom(caller.RoomID, "Your message could not be saved. Please try again.")
		return apperrors.Wrap(apperrors.CodeCollaboratorFailure, "message could not be saved", err)
	}

	d.deps.Broadcaster.Broadcast(ctx, caller.RoomID, protocol.NewFrame(protocol.TypeMessageNew, "", protocol.MessageNew{Message: toWire(stored)}), "")
	d.replySuccess(ctx, caller, requestID, protocol.MessageCreated{MessageID: stored.ID})

	if !caller.Agent && state.Mode == mode.ModeAI {
		d.spawnAnswer(caller, cmd.Content)
	}
	return nil
}

// spawnAnswer runs answer generation detached from the caller's connection.
func (d *Dispatcher) spawnAnswer(caller Caller, query string) {
	d.tasks.Add(1)
	go func() {
		defer d.tasks.Done()
		ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.AnswerTimeout)
		defer cancel()
		ctx, span := d.deps.Tracer.Start(ctx, "chat.answer",
			trace.WithAttributes(attribute.String("chat.room_id", caller.RoomID)),
		)
		defer span.End()

		answer, err := d.deps.Answers.GenerateResponse(ctx, collab.AnswerRequest{
			RoomID:           caller.RoomID,
			UserQuery:        query,
			KnowledgeBaseRef: d.cfg.KnowledgeBaseRef,
			UserContext: collab.UserContext{
				IdentityID: caller.IdentityID,
				ClientID:   caller.ClientID,
				EndUserRef: caller.EndUserRef,
			},
		})
		if err != nil {
			log.Printf("chat: answer generation room=%q: %v", caller.RoomID, err)
			recordError(span, err)
			d.notifyRoom(caller.RoomID, "The assistant could not answer right now. A team member can take over.")
			return
		}

		state, err := d.deps.Modes.State(ctx, caller.RoomID)
		if err == nil && state.Mode == mode.ModeHuman {
			log.Printf("chat: discarding assistant reply room=%q: room taken over by %q", caller.RoomID, state.AssignedAgentID)
			return
		}

		stored, err := d.deps.History.AddMessage(ctx, collab.NewMessage{
			RoomID:   caller.RoomID,
			Content:  answer.Content,
			Type:     collab.MessageTypeAssistant,
			SenderID: AssistantSenderID,
			Metadata: answer.Metadata,
		})
		if err != nil {
			log.Printf("chat: persist assistant reply room=%q: %v", caller.RoomID, err)
			recordError(span, err)
			d.notifyRoom(caller.RoomID, "The assistant reply could not be saved.")
			return
		}
		d.deps.Broadcaster.Broadcast(ctx, caller.RoomID, protocol.NewFrame(protocol.TypeMessageNew, "", protocol.MessageNew{Message: toWire(stored)}), "")
	}()
}

func (d *Dispatcher) historyRequest(ctx context.Context, caller Caller, requestID string, cmd protocol.HistoryRequest) error {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CollaboratorTimeout)
	// One extra row tells whether an older page exists.
	messages, err := d.deps.History.GetMessageHistory(callCtx, caller.RoomID, cmd.BeforeMessageID, cmd.Limit+1)
	cancel()
	if err != nil {
		if isNotFound(err) {
			return apperrors.Wrap(apperrors.CodeNotFound, "before_message_id does not exist", err)
		}
		log.Printf("chat: load history room=%q: %v", caller.RoomID, err)
		d.reply(ctx, caller, protocol.NotificationFrame(protocol.LevelError, "History is temporarily unavailable."))
		return apperrors.Wrap(apperrors.CodeCollaboratorFailure, "history is unavailable", err)
	}

	hasMore := len(messages) > cmd.Limit
	if hasMore {
		messages = messages[len(messages)-cmd.Limit:]
	}
	wire := make([]protocol.Message, 0, len(messages))
	for _, msg := range messages {
		wire = append(wire, toWire(msg))
	}
	d.reply(ctx, caller, protocol.SuccessFrame(requestID, protocol.History{Messages: wire, HasMore: hasMore}))
	return nil
}

func (d *Dispatcher) membersRequest(ctx context.Context, caller Caller, requestID string) error {
	local := make(map[string]bool)
	clientIDs := make([]string, 0)
	for _, conn := range d.deps.Members.Lookup(caller.RoomID) {
		local[conn.ClientID] = true
		clientIDs = append(clientIDs, conn.ClientID)
	}
	sort.Strings(clientIDs)

	var remote []string
	if d.deps.Presence != nil {
		callCtx, cancel := context.WithTimeout(ctx, timeouts.PresenceCall)
		records, err := d.deps.Presence.Scan(callCtx, caller.RoomID)
		cancel()
		if err != nil {
			log.Printf("chat: scan presence room=%q: %v", caller.RoomID, err)
		}
		for _, record := range records {
			if !local[record.ClientID] {
				remote = append(remote, record.ClientID)
			}
		}
		sort.Strings(remote)
	}

	d.reply(ctx, caller, protocol.SuccessFrame(requestID, protocol.Members{ClientIDs: clientIDs, RemoteClientIDs: remote}))
	return nil
}

func (d *Dispatcher) typing(ctx context.Context, caller Caller, requestID, frameType string) error {
	d.deps.Broadcaster.Broadcast(ctx, caller.RoomID, protocol.NewFrame(frameType, "", protocol.Typing{
		ClientID:   caller.ClientID,
		IdentityID: caller.IdentityID,
	}), caller.ClientID)
	d.replySuccess(ctx, caller, requestID, protocol.Ack{Status: "ok"})
	return nil
}

func (d *Dispatcher) messageRead(ctx context.Context, caller Caller, requestID string, cmd protocol.MessageRead) error {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CollaboratorTimeout)
	err := d.deps.History.MarkMessagesAsRead(callCtx, caller.RoomID, caller.IdentityID, cmd.MessageIDs)
	cancel()
	if err != nil {
		log.Printf("chat: mark read room=%q identity=%q: %v", caller.RoomID, caller.IdentityID, err)
		d.notifyRoom(caller.RoomID, "Read receipts could not be saved.")
		return apperrors.Wrap(apperrors.CodeCollaboratorFailure, "read state could not be saved", err)
	}
	d.deps.Broadcaster.Broadcast(ctx, caller.RoomID, protocol.NewFrame(protocol.TypeMessageReadUpdate, "", protocol.ReadUpdate{
		IdentityID: caller.IdentityID,
		ClientID:   caller.ClientID,
		MessageIDs: cmd.MessageIDs,
	}), "")
	d.replySuccess(ctx, caller, requestID, protocol.Ack{Status: "ok"})
	return nil
}

func (d *Dispatcher) modeSwitch(ctx context.Context, caller Caller, requestID string, cmd protocol.ModeSwitch) error {
	if !caller.Agent {
		return apperrors.New(apperrors.CodeOperationNotAllowed, "only agents can switch the room mode")
	}
	target, err := mode.Parse(cmd.Mode)
	if err != nil {
		return err
	}
	state, err := d.deps.Modes.Switch(ctx, caller.RoomID, caller.IdentityRef, target)
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return err
		}
		return apperrors.Wrap(apperrors.CodeInternal, "room mode could not be changed", err)
	}
	changed := protocol.ModeChanged{
		Mode:            string(state.Mode),
		AssignedAgentID: state.AssignedAgentID,
		ChangedBy:       caller.IdentityRef,
	}
	d.deps.Broadcaster.Broadcast(ctx, caller.RoomID, protocol.NewFrame(protocol.TypeModeChanged, "", changed), "")
	d.replySuccess(ctx, caller, requestID, changed)
	return nil
}

// replySuccess answers fire-and-forget commands only when they asked for a
// correlated response.
func (d *Dispatcher) replySuccess(ctx context.Context, caller Caller, requestID string, payload any) {
	if requestID == "" {
		return
	}
	d.reply(ctx, caller, protocol.SuccessFrame(requestID, payload))
}

func (d *Dispatcher) replyError(ctx context.Context, caller Caller, requestID string, err error) {
	code := apperrors.CodeInternal
	message := "internal error"
	if domainErr, ok := apperrors.As(err); ok {
		code = domainErr.Code
		message = domainErr.Message
	}
	d.reply(ctx, caller, protocol.ErrorFrame(requestID, string(code), message))
}

func (d *Dispatcher) reply(ctx context.Context, caller Caller, frame protocol.Frame) {
	if caller.Conn == nil {
		return
	}
	if err := d.deps.Broadcaster.Send(ctx, caller.Conn, frame); err != nil {
		log.Printf("chat: reply type=%q room=%q client=%q: %v", frame.Type, caller.RoomID, caller.ClientID, err)
	}
}

// notifyRoom broadcasts a system error on a context that outlives the
// triggering request.
func (d *Dispatcher) notifyRoom(roomID, message string) {
	ctx, cancel := context.WithTimeout(d.baseCtx, timeouts.SocketWrite)
	defer cancel()
	d.deps.Broadcaster.Broadcast(ctx, roomID, protocol.NotificationFrame(protocol.LevelError, message), "")
}

func toWire(msg collab.Message) protocol.Message {
	return protocol.Message{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		Content:   msg.Content,
		Type:      string(msg.Type),
		SenderID:  msg.SenderID,
		Metadata:  msg.Metadata,
		CreatedAt: msg.CreatedAt,
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, collab.ErrMessageNotFound) || apperrors.CodeOf(err) == apperrors.CodeNotFound
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
}
