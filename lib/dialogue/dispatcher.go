package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Canned recovery and prompt texts. Failures never surface technical
// detail to the user; every path ends in one of these.
const (
	FallbackUnavailableText   = "Sorry, the service is temporarily unavailable. Please try again in a moment."
	FallbackNotUnderstoodText = "Sorry, I didn't quite understand that. Please continue."
	ProtocolPromptText        = "Please type a protocol number (1-20), using the workshops to help you."
)

const (
	protocolMin = 1
	protocolMax = 20
)

var (
	ErrNoSession    = xerrors.New("no active session")
	ErrEmptyMessage = xerrors.New("message must not be empty")
)

// protocolRangeTokens is the declared accepted-input list for a
// synthesized protocol selection payload: the literal sequence 1..20.
var protocolRangeTokens = func() []string {
	tokens := make([]string, 0, protocolMax)
	for i := protocolMin; i <= protocolMax; i++ {
		tokens = append(tokens, strconv.Itoa(i))
	}
	return tokens
}()

type DispatcherConfig struct {
	Backend Backend
	Logger  *slog.Logger
}

// Dispatcher serializes user turns into backend calls and routes every
// outcome, success or failure, back into the session. No backend error
// propagates past it: callers observe only transcript updates.
type Dispatcher struct {
	session *Session
	backend Backend
	logger  *slog.Logger
}

func NewDispatcher(session *Session, cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		session: session,
		backend: cfg.Backend,
		logger:  logger,
	}
}

func (d *Dispatcher) Session() *Session {
	return d.session
}

// Login authenticates against the backend and initializes the session.
// Credential rejection is returned to the caller as *AuthError; it is
// the one error class that belongs to the login surface rather than the
// dialogue state machine.
func (d *Dispatcher) Login(ctx context.Context, username, password string) error {
	res, err := d.backend.Login(ctx, username, password)
	if err != nil {
		return xerrors.Errorf("login failed: %w", err)
	}
	if res.Username == "" {
		res.Username = username
	}
	d.session.ApplyLoginResult(*res)
	return nil
}

// SubmitTurn processes one raw user input. The input is echoed into the
// transcript immediately; the protocol sub-mode intercepts it before it
// reaches the normal dispatch path; and at most one backend request is
// in flight at a time. A submit while a request is in flight is a
// silent no-op, not an error.
func (d *Dispatcher) SubmitTurn(ctx context.Context, rawInput string) error {
	if !d.session.LoggedIn() {
		return ErrNoSession
	}
	if strings.TrimSpace(rawInput) == "" {
		return ErrEmptyMessage
	}
	if !d.session.TryBeginRequest() {
		d.logger.Debug("Dropping turn: request already in flight")
		return nil
	}
	defer d.session.EndRequest()

	d.session.AppendUserTurn(rawInput)

	req, dispatch := d.buildTurnRequest(rawInput)
	if !dispatch {
		// Protocol range rejection is purely local: repeat the prompt
		// and consume no backend call.
		d.session.AppendPrompt(ProtocolPromptText)
		return nil
	}

	resp, err := d.backend.SendChoice(ctx, req)
	if err != nil {
		d.recover(err)
		return nil
	}
	d.session.ApplyReply(resp)
	return nil
}

// buildTurnRequest builds the payload for one turn. In the protocol
// sub-mode it validates the input against the 1..20 range and
// synthesizes the selection payload; the second return value is false
// when the turn must not be dispatched.
func (d *Dispatcher) buildTurnRequest(rawInput string) (TurnRequest, bool) {
	userID, sessionID := d.session.Identifiers()

	if d.session.AwaitingProtocolSelection() {
		n, err := strconv.Atoi(strings.TrimSpace(rawInput))
		if err != nil || n < protocolMin || n > protocolMax {
			return TurnRequest{}, false
		}
		d.session.ClearProtocolSelection()
		return TurnRequest{
			UserID:         userID,
			SessionID:      sessionID,
			Choice:         strconv.Itoa(n),
			AcceptedInputs: protocolRangeTokens,
		}, true
	}

	return TurnRequest{
		UserID:         userID,
		SessionID:      sessionID,
		Choice:         rawInput,
		AcceptedInputs: d.session.AcceptedInputs(),
	}, true
}

// recover maps a backend failure to its canned transcript message and
// resets the mode to free text. Malformed responses are logged for
// diagnostics; neither class is ever fatal.
func (d *Dispatcher) recover(err error) {
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		d.logger.Warn("Backend returned an unusable body", "error", err)
		d.session.ResetToFreeText(FallbackNotUnderstoodText)
		return
	}
	d.logger.Warn("Backend request failed", "error", err)
	d.session.ResetToFreeText(FallbackUnavailableText)
}
