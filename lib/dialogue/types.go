package dialogue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/xerrors"

	"github.com/mindfulware/companionapi/lib/util"
)

type Author string

const (
	AuthorUser Author = "user"
	AuthorBot  Author = "bot"
)

var AuthorValues = []Author{AuthorUser, AuthorBot}

func (a Author) Schema(r huma.Registry) *huma.Schema {
	return util.OpenAPISchema(r, "Author", AuthorValues)
}

// ChatMessage is one transcript entry. Entries are append-only: they are
// never edited or removed after the fact.
type ChatMessage struct {
	ID     int
	Text   string
	Author Author
	// Mode is attached only to the final bot message of a reply. It is
	// ModeNone on user messages and on non-final parts of a multi-part
	// reply, so no widget renders mid-sequence.
	Mode InteractionMode
	// RevealDelay is the offset from reply arrival at which the entry
	// becomes visible. Delays within one reply are monotonically
	// non-decreasing, so display order matches append order.
	RevealDelay time.Duration
	Time        time.Time
}

// Reply is a backend reply body: either a single string or an ordered
// list of strings on the wire, always an ordered list in memory.
type Reply []string

func (r *Reply) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = Reply{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return xerrors.Errorf("reply must be a string or a list of strings: %w", err)
	}
	*r = Reply(many)
	return nil
}

func (r Reply) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

// LoginResult carries the identifiers and opening prompt issued by the
// backend on a successful login.
type LoginResult struct {
	UserID         string
	SessionID      string
	Username       string
	Prompt         Reply
	AcceptedInputs []string
}

// TurnRequest is one user turn serialized for the backend.
type TurnRequest struct {
	UserID         string
	SessionID      string
	Choice         string
	AcceptedInputs []string
}

// TurnResponse is a successfully parsed backend reply.
type TurnResponse struct {
	Reply          Reply
	AcceptedInputs []string
	Emotion        string
}

// Backend is the abstract request/response transport to the remote
// dialogue service. Implementations must classify their failures with
// the error types below.
type Backend interface {
	Login(ctx context.Context, username, password string) (*LoginResult, error)
	SendChoice(ctx context.Context, req TurnRequest) (*TurnResponse, error)
}

// AuthError is a credential rejection at login. It is surfaced directly
// to the login surface and never enters the dialogue state machine.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "invalid credentials"
	}
	return e.Reason
}

// TransportError is a network failure or non-success status.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError is a success status whose body satisfies none
// of the recognized reply fields.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string { return "malformed response: " + e.Err.Error() }
func (e *MalformedResponseError) Unwrap() error { return e.Err }
