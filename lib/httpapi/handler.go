package httpapi

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"golang.org/x/xerrors"

	"github.com/mindfulware/companionapi/lib/dialogue"
)

// SessionHandler serves one dialogue session over HTTP. All dialogue
// failures are absorbed by the core; the only errors surfaced here are
// login rejections and local validation.
type SessionHandler struct {
	dispatcher *dialogue.Dispatcher
	emitter    *EventEmitter
	logger     *slog.Logger
}

func NewSessionHandler(dispatcher *dialogue.Dispatcher, emitter *EventEmitter, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		dispatcher: dispatcher,
		emitter:    emitter,
		logger:     logger,
	}
}

// Login handles POST /login
func (h *SessionHandler) Login(ctx context.Context, input *LoginRequest) (*LoginResponse, error) {
	if h.dispatcher.Session().LoggedIn() {
		return nil, huma.Error409Conflict("a session is already active; log out first")
	}
	err := h.dispatcher.Login(ctx, input.Body.Username, input.Body.Password)
	var authErr *dialogue.AuthError
	if errors.As(err, &authErr) {
		return nil, huma.Error401Unauthorized(authErr.Error())
	}
	if err != nil {
		h.logger.Error("Login failed", "error", err)
		return nil, huma.Error502BadGateway("the dialogue service is unreachable")
	}

	resp := &LoginResponse{}
	resp.Body.Ok = true
	resp.Body.Username = input.Body.Username
	return resp, nil
}

// CreateMessage handles POST /message
func (h *SessionHandler) CreateMessage(ctx context.Context, input *MessageRequest) (*MessageResponse, error) {
	resp := &MessageResponse{}
	if h.dispatcher.Session().Status().Busy {
		// A turn is already in flight; this one is dropped, not queued.
		resp.Body.Ok = true
		resp.Body.Dropped = true
		return resp, nil
	}
	err := h.dispatcher.SubmitTurn(ctx, input.Body.Content)
	switch {
	case errors.Is(err, dialogue.ErrNoSession):
		return nil, huma.Error409Conflict("no active session; log in first")
	case errors.Is(err, dialogue.ErrEmptyMessage):
		return nil, huma.Error400BadRequest("message must not be empty")
	case err != nil:
		return nil, xerrors.Errorf("failed to submit turn: %w", err)
	}
	resp.Body.Ok = true
	return resp, nil
}

// GetMessages handles GET /messages
func (h *SessionHandler) GetMessages(ctx context.Context, input *struct{}) (*MessagesResponse, error) {
	transcript := h.dispatcher.Session().Transcript()
	resp := &MessagesResponse{}
	resp.Body.Messages = make([]Message, len(transcript))
	for i, msg := range transcript {
		resp.Body.Messages[i] = Message{
			Id:            msg.ID,
			Author:        msg.Author,
			Text:          msg.Text,
			Mode:          msg.Mode,
			RevealDelayMs: msg.RevealDelay.Milliseconds(),
			Time:          msg.Time,
		}
	}
	return resp, nil
}

// GetStatus handles GET /status
func (h *SessionHandler) GetStatus(ctx context.Context, input *struct{}) (*StatusResponse, error) {
	status := h.dispatcher.Session().Status()
	resp := &StatusResponse{}
	resp.Body = StatusChangeBody{
		LoggedIn:                  status.LoggedIn,
		Mode:                      status.Mode,
		Busy:                      status.Busy,
		AwaitingProtocolSelection: status.AwaitingProtocolSelection,
		DeepReflection:            status.DeepReflection,
		ProtocolList:              status.ProtocolList,
	}
	return resp, nil
}

// ToggleReflection handles POST /reflection
func (h *SessionHandler) ToggleReflection(ctx context.Context, input *struct{}) (*ReflectionResponse, error) {
	resp := &ReflectionResponse{}
	resp.Body.DeepReflection = h.dispatcher.Session().ToggleDeepReflection()
	return resp, nil
}

// Logout handles POST /logout
func (h *SessionHandler) Logout(ctx context.Context, input *struct{}) (*LogoutResponse, error) {
	h.dispatcher.Session().Logout()
	h.emitter.Reset()
	resp := &LogoutResponse{}
	resp.Body.Ok = true
	return resp, nil
}

// SubscribeEvents is the SSE endpoint streaming transcript appends and
// status changes to presentation surfaces.
func (h *SessionHandler) SubscribeEvents(ctx context.Context, input *struct{}, send sse.Sender) {
	subscriberId, ch, stateEvents := h.emitter.Subscribe()
	defer h.emitter.Unsubscribe(subscriberId)
	h.logger.Info("New subscriber", "subscriberId", subscriberId)
	for _, event := range stateEvents {
		if err := send.Data(event.Payload); err != nil {
			h.logger.Error("Failed to send event", "subscriberId", subscriberId, "error", err)
			return
		}
	}
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				h.logger.Info("Channel closed", "subscriberId", subscriberId)
				return
			}
			if err := send.Data(event.Payload); err != nil {
				h.logger.Error("Failed to send event", "subscriberId", subscriberId, "error", err)
				return
			}
		case <-ctx.Done():
			h.logger.Info("Context done", "subscriberId", subscriberId)
			return
		}
	}
}
