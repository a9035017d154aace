package dialogue

import (
	"sync"

	"github.com/coder/quartz"
)

// SessionStatus is a point-in-time snapshot of the parts of the session
// the presentation layer renders outside the transcript.
type SessionStatus struct {
	LoggedIn                  bool
	Username                  string
	Mode                      InteractionMode
	Busy                      bool
	AwaitingProtocolSelection bool
	DeepReflection            bool
	ProtocolList              []string
}

// Emitter receives session updates. Transcript events are delivered in
// append order, each carrying its own reveal delay.
type Emitter interface {
	EmitTranscript([]ChatMessage)
	EmitStatus(SessionStatus)
}

type noopEmitter struct{}

func (noopEmitter) EmitTranscript([]ChatMessage) {}
func (noopEmitter) EmitStatus(SessionStatus)     {}

type SessionConfig struct {
	// Clock provides time operations for the session
	Clock   quartz.Clock
	Emitter Emitter
}

// Session is the single source of truth for one dialogue session:
// identifiers, current interaction mode, the protocol sub-mode flag, and
// the running transcript. All mutation goes through the named transition
// methods; no caller may read-modify-write fields directly.
type Session struct {
	cfg  SessionConfig
	lock sync.Mutex

	userID    string
	sessionID string
	username  string

	acceptedInputs []string
	// rawMode is the table classification of acceptedInputs before the
	// deep reflection override; currentMode is rawMode with the override
	// applied. Keeping both lets the toggle re-derive the mode without
	// disturbing the session phase.
	rawMode                   InteractionMode
	currentMode               InteractionMode
	protocolList              []string
	awaitingProtocolSelection bool
	deepReflection            bool
	// hasReceivedOptionsBefore is the phase flag that disambiguates
	// unrecognized option lists: the first one after login is the
	// initial choice set, all later ones are protocol lists. A
	// non-initial unrecognized list is therefore silently treated as a
	// protocol list; that is deliberate, if surprising.
	hasReceivedOptionsBefore bool

	transcript []ChatMessage
	// busy is set while one turn's backend request is in flight. At most
	// one request may be in flight per session; a second submit while
	// busy is dropped, not queued.
	busy bool
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = noopEmitter{}
	}
	return &Session{
		cfg:         cfg,
		rawMode:     ModeFreeText,
		currentMode: ModeFreeText,
	}
}

// ApplyLoginResult installs the identifiers issued by the backend and
// appends the opening prompt to the transcript.
func (s *Session) ApplyLoginResult(res LoginResult) {
	s.lock.Lock()
	s.userID = res.UserID
	s.sessionID = res.SessionID
	s.username = res.Username
	appended := s.applyReplyLocked(res.Prompt, res.AcceptedInputs, "")
	status := s.statusLocked()
	s.lock.Unlock()

	s.emit(appended, status)
}

// AppendUserTurn echoes one user input into the transcript. The echo is
// optimistic: it happens before, and independent of, the backend call.
func (s *Session) AppendUserTurn(text string) ChatMessage {
	s.lock.Lock()
	msg := s.appendLocked(ChatMessage{
		Text:   text,
		Author: AuthorUser,
		Time:   s.cfg.Clock.Now(),
	})
	status := s.statusLocked()
	s.lock.Unlock()

	s.emit([]ChatMessage{msg}, status)
	return msg
}

// ApplyReply classifies and sequences a successful backend reply,
// appends the resulting events, and recomputes the current mode.
func (s *Session) ApplyReply(resp *TurnResponse) []ChatMessage {
	s.lock.Lock()
	appended := s.applyReplyLocked(resp.Reply, resp.AcceptedInputs, resp.Emotion)
	status := s.statusLocked()
	s.lock.Unlock()

	s.emit(appended, status)
	return appended
}

// caller MUST hold s.lock
func (s *Session) applyReplyLocked(reply Reply, acceptedInputs []string, emotion string) []ChatMessage {
	rawMode := Classify(acceptedInputs, ClassifyInput{
		SeenOptionsBefore: s.hasReceivedOptionsBefore,
	})
	mode := ApplyDeepReflectionPolicy(rawMode, s.deepReflection)

	s.acceptedInputs = append([]string(nil), acceptedInputs...)
	s.rawMode = rawMode
	s.currentMode = mode
	if rawMode.IsOptionList() {
		// The raw list is kept even when deep reflection suppresses the
		// widget, so the UI can still render it once the toggle flips.
		s.protocolList = append([]string(nil), acceptedInputs...)
		s.hasReceivedOptionsBefore = true
	}
	if mode == ModeProtocolList {
		s.awaitingProtocolSelection = true
	}

	events := SequenceReply(reply, mode, EmotionPrefix(emotion, s.deepReflection), s.cfg.Clock.Now())
	appended := make([]ChatMessage, 0, len(events))
	for _, ev := range events {
		appended = append(appended, s.appendLocked(ev))
	}
	return appended
}

// ResetToFreeText appends a recovery message and drops back to plain
// free text so the user can always continue by typing. Every failure
// path terminates here.
func (s *Session) ResetToFreeText(fallbackText string) ChatMessage {
	s.lock.Lock()
	s.rawMode = ModeFreeText
	s.currentMode = ModeFreeText
	s.acceptedInputs = nil
	s.awaitingProtocolSelection = false
	msg := s.appendLocked(ChatMessage{
		Text:   fallbackText,
		Author: AuthorBot,
		Mode:   ModeFreeText,
		Time:   s.cfg.Clock.Now(),
	})
	status := s.statusLocked()
	s.lock.Unlock()

	s.emit([]ChatMessage{msg}, status)
	return msg
}

// AppendPrompt appends an instructional bot message without touching the
// current mode, e.g. the protocol range repeat prompt.
func (s *Session) AppendPrompt(text string) ChatMessage {
	s.lock.Lock()
	msg := s.appendLocked(ChatMessage{
		Text:   text,
		Author: AuthorBot,
		Time:   s.cfg.Clock.Now(),
	})
	status := s.statusLocked()
	s.lock.Unlock()

	s.emit([]ChatMessage{msg}, status)
	return msg
}

// ClearProtocolSelection leaves the protocol sub-mode before a selection
// is dispatched.
func (s *Session) ClearProtocolSelection() {
	s.lock.Lock()
	s.awaitingProtocolSelection = false
	status := s.statusLocked()
	s.lock.Unlock()

	s.emit(nil, status)
}

// ToggleDeepReflection flips the user-controlled deep reflection toggle
// and returns the new value. The current mode is re-derived from the
// last declared inputs so an open widget is suppressed or restored
// immediately. A pending protocol selection is exempt: input is still
// intercepted into the number check, so the list widget has to stay up.
func (s *Session) ToggleDeepReflection() bool {
	s.lock.Lock()
	s.deepReflection = !s.deepReflection
	mode := ApplyDeepReflectionPolicy(s.rawMode, s.deepReflection)
	if s.awaitingProtocolSelection {
		mode = s.rawMode
	} else if mode == ModeProtocolList {
		// Restoring a list that was classified while the toggle was on
		// arms the selection sub-mode it would have armed at the time.
		s.awaitingProtocolSelection = true
	}
	s.currentMode = mode
	enabled := s.deepReflection
	status := s.statusLocked()
	s.lock.Unlock()

	s.emit(nil, status)
	return enabled
}

// TryBeginRequest claims the single in-flight request slot. It returns
// false when a request is already in flight, in which case the caller
// must drop the turn.
func (s *Session) TryBeginRequest() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

// EndRequest releases the in-flight slot. Called on settle, success or
// failure.
func (s *Session) EndRequest() {
	s.lock.Lock()
	s.busy = false
	status := s.statusLocked()
	s.lock.Unlock()

	s.emit(nil, status)
}

// Logout clears the identifiers and transcript together. The session
// value may be reused for a fresh login afterwards.
func (s *Session) Logout() {
	s.lock.Lock()
	s.userID = ""
	s.sessionID = ""
	s.username = ""
	s.acceptedInputs = nil
	s.rawMode = ModeFreeText
	s.currentMode = ModeFreeText
	s.protocolList = nil
	s.awaitingProtocolSelection = false
	s.hasReceivedOptionsBefore = false
	s.transcript = nil
	s.busy = false
	status := s.statusLocked()
	s.lock.Unlock()

	s.emit(nil, status)
}

// caller MUST hold s.lock
func (s *Session) appendLocked(msg ChatMessage) ChatMessage {
	msg.ID = len(s.transcript)
	if msg.Time.IsZero() {
		msg.Time = s.cfg.Clock.Now()
	}
	s.transcript = append(s.transcript, msg)
	return msg
}

func (s *Session) emit(appended []ChatMessage, status SessionStatus) {
	if len(appended) > 0 {
		s.cfg.Emitter.EmitTranscript(appended)
	}
	s.cfg.Emitter.EmitStatus(status)
}

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []ChatMessage {
	s.lock.Lock()
	defer s.lock.Unlock()

	result := make([]ChatMessage, len(s.transcript))
	copy(result, s.transcript)
	return result
}

func (s *Session) Status() SessionStatus {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.statusLocked()
}

// caller MUST hold s.lock
func (s *Session) statusLocked() SessionStatus {
	return SessionStatus{
		LoggedIn:                  s.sessionID != "",
		Username:                  s.username,
		Mode:                      s.currentMode,
		Busy:                      s.busy,
		AwaitingProtocolSelection: s.awaitingProtocolSelection,
		DeepReflection:            s.deepReflection,
		ProtocolList:              append([]string(nil), s.protocolList...),
	}
}

func (s *Session) LoggedIn() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.sessionID != ""
}

func (s *Session) AwaitingProtocolSelection() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.awaitingProtocolSelection
}

func (s *Session) DeepReflection() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.deepReflection
}

// Identifiers returns the backend-issued identifiers for building turn
// payloads.
func (s *Session) Identifiers() (userID, sessionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.userID, s.sessionID
}

// AcceptedInputs returns the token list the backend declared as valid
// next replies.
func (s *Session) AcceptedInputs() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string(nil), s.acceptedInputs...)
}
