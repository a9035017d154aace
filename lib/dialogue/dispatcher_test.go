package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/mindfulware/companionapi/lib/logctx"
)

// fakeBackend is a scriptable Backend. Each SendChoice pops the next
// queued response or error and records the request it received.
type fakeBackend struct {
	loginResult *LoginResult
	loginErr    error

	responses []*TurnResponse
	errs      []error
	requests  []TurnRequest
}

func (f *fakeBackend) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	res := *f.loginResult
	res.Username = username
	return &res, nil
}

func (f *fakeBackend) SendChoice(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if len(f.responses) == 0 {
		panic("fakeBackend: no scripted response left")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func newTestDispatcher(backend *fakeBackend) *Dispatcher {
	session := NewSession(SessionConfig{})
	return NewDispatcher(session, DispatcherConfig{
		Backend: backend,
		Logger:  slog.New(logctx.DiscardHandler),
	})
}

func testLoginResult() *LoginResult {
	return &LoginResult{
		UserID:    "42",
		SessionID: "abc123",
		Prompt:    Reply{"Welcome back."},
		AcceptedInputs: []string{
			"Happy", "Sad", "Angry",
		},
	}
}

func TestDispatcher_Login(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		backend := &fakeBackend{loginResult: testLoginResult()}
		d := newTestDispatcher(backend)

		require.NoError(t, d.Login(context.Background(), "kirsten", "pw"))
		assert.True(t, d.Session().LoggedIn())
		assert.Equal(t, "kirsten", d.Session().Status().Username)
	})

	t.Run("auth rejection surfaces", func(t *testing.T) {
		backend := &fakeBackend{loginErr: &AuthError{Reason: "bad credentials"}}
		d := newTestDispatcher(backend)

		err := d.Login(context.Background(), "kirsten", "wrong")
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		assert.False(t, d.Session().LoggedIn())
	})
}

func TestDispatcher_SubmitTurn_Validation(t *testing.T) {
	backend := &fakeBackend{loginResult: testLoginResult()}
	d := newTestDispatcher(backend)

	assert.ErrorIs(t, d.SubmitTurn(context.Background(), "hello"), ErrNoSession)

	require.NoError(t, d.Login(context.Background(), "kirsten", "pw"))
	assert.ErrorIs(t, d.SubmitTurn(context.Background(), "   "), ErrEmptyMessage)
	assert.Empty(t, backend.requests)
}

func TestDispatcher_SubmitTurn_Success(t *testing.T) {
	backend := &fakeBackend{
		loginResult: testLoginResult(),
		responses: []*TurnResponse{{
			Reply:          Reply{"Okay.", "Was it recent or distant?"},
			AcceptedInputs: []string{"recent", "distant"},
		}},
	}
	d := newTestDispatcher(backend)
	require.NoError(t, d.Login(context.Background(), "kirsten", "pw"))

	require.NoError(t, d.SubmitTurn(context.Background(), "Sad"))

	require.Len(t, backend.requests, 1)
	assert.Equal(t, "Sad", backend.requests[0].Choice)
	assert.Equal(t, "42", backend.requests[0].UserID)
	assert.Equal(t, "abc123", backend.requests[0].SessionID)
	// The accepted-input list sent is the one the backend declared on
	// the previous turn.
	assert.Equal(t, []string{"Happy", "Sad", "Angry"}, backend.requests[0].AcceptedInputs)

	transcript := d.Session().Transcript()
	// login prompt + user echo + two reply parts
	require.Len(t, transcript, 4)
	assert.Equal(t, AuthorUser, transcript[1].Author)
	assert.Equal(t, "Sad", transcript[1].Text)
	assert.Equal(t, ModeRecentOrDistant, d.Session().Status().Mode)
}

func TestDispatcher_SubmitTurn_DroppedWhileBusy(t *testing.T) {
	backend := &fakeBackend{loginResult: testLoginResult()}
	d := newTestDispatcher(backend)
	require.NoError(t, d.Login(context.Background(), "kirsten", "pw"))

	// Claim the in-flight slot as if a request were pending.
	require.True(t, d.Session().TryBeginRequest())
	before := len(d.Session().Transcript())

	// The turn is dropped silently: no error, no echo, no backend call.
	require.NoError(t, d.SubmitTurn(context.Background(), "hello"))
	assert.Empty(t, backend.requests)
	assert.Len(t, d.Session().Transcript(), before)

	d.Session().EndRequest()
}

func enterProtocolSelection(t *testing.T, d *Dispatcher, backend *fakeBackend) {
	t.Helper()
	backend.responses = append(backend.responses, &TurnResponse{
		Reply:          Reply{"Please choose a protocol."},
		AcceptedInputs: []string{"13. Changing our Perspective", "15. Solving Personal Crises"},
	})
	require.NoError(t, d.SubmitTurn(context.Background(), "yes, i would like to try one of these protocols"))
	require.True(t, d.Session().AwaitingProtocolSelection())
	backend.requests = nil
}

func TestDispatcher_ProtocolSelection_Valid(t *testing.T) {
	backend := &fakeBackend{loginResult: testLoginResult()}
	d := newTestDispatcher(backend)
	require.NoError(t, d.Login(context.Background(), "kirsten", "pw"))
	enterProtocolSelection(t, d, backend)

	backend.responses = append(backend.responses, &TurnResponse{
		Reply:          Reply{"Good choice.", "Press continue when done."},
		AcceptedInputs: []string{"continue"},
	})
	require.NoError(t, d.SubmitTurn(context.Background(), " 15 "))

	require.Len(t, backend.requests, 1)
	assert.Equal(t, "15", backend.requests[0].Choice)
	// A synthesized selection declares the full numeric range.
	require.Len(t, backend.requests[0].AcceptedInputs, 20)
	assert.Equal(t, "1", backend.requests[0].AcceptedInputs[0])
	assert.Equal(t, "20", backend.requests[0].AcceptedInputs[19])

	assert.False(t, d.Session().AwaitingProtocolSelection())
	assert.Equal(t, ModeContinue, d.Session().Status().Mode)
}

func TestDispatcher_ProtocolSelection_Rejected(t *testing.T) {
	for _, input := range []string{"21", "0", "abc", "15.5"} {
		t.Run(input, func(t *testing.T) {
			backend := &fakeBackend{loginResult: testLoginResult()}
			d := newTestDispatcher(backend)
			require.NoError(t, d.Login(context.Background(), "kirsten", "pw"))
			enterProtocolSelection(t, d, backend)

			require.NoError(t, d.SubmitTurn(context.Background(), input))

			// No backend call; the prompt repeats and the sub-mode
			// stays armed.
			assert.Empty(t, backend.requests)
			transcript := d.Session().Transcript()
			assert.Equal(t, ProtocolPromptText, transcript[len(transcript)-1].Text)
			assert.True(t, d.Session().AwaitingProtocolSelection())
			// The slot is released; the next submit goes through.
			assert.True(t, d.Session().TryBeginRequest())
		})
	}
}

func TestDispatcher_Fallbacks(t *testing.T) {
	t.Run("transport failure", func(t *testing.T) {
		backend := &fakeBackend{
			loginResult: testLoginResult(),
			errs:        []error{&TransportError{Err: xerrors.New("connection refused")}},
		}
		d := newTestDispatcher(backend)
		require.NoError(t, d.Login(context.Background(), "kirsten", "pw"))

		require.NoError(t, d.SubmitTurn(context.Background(), "hello"))

		transcript := d.Session().Transcript()
		assert.Equal(t, FallbackUnavailableText, transcript[len(transcript)-1].Text)
		assert.Equal(t, ModeFreeText, d.Session().Status().Mode)
		assert.False(t, d.Session().Status().Busy)
	})

	t.Run("malformed response", func(t *testing.T) {
		backend := &fakeBackend{
			loginResult: testLoginResult(),
			errs:        []error{&MalformedResponseError{Err: errors.New("no reply field")}},
		}
		d := newTestDispatcher(backend)
		require.NoError(t, d.Login(context.Background(), "kirsten", "pw"))

		require.NoError(t, d.SubmitTurn(context.Background(), "hello"))

		transcript := d.Session().Transcript()
		assert.Equal(t, FallbackNotUnderstoodText, transcript[len(transcript)-1].Text)
		assert.Equal(t, ModeFreeText, d.Session().Status().Mode)
	})

	t.Run("recovery keeps the session usable", func(t *testing.T) {
		backend := &fakeBackend{
			loginResult: testLoginResult(),
			errs:        []error{&TransportError{Err: errors.New("boom")}},
			responses: []*TurnResponse{{
				Reply:          Reply{"Back again."},
				AcceptedInputs: []string{"continue"},
			}},
		}
		d := newTestDispatcher(backend)
		require.NoError(t, d.Login(context.Background(), "kirsten", "pw"))

		require.NoError(t, d.SubmitTurn(context.Background(), "first"))
		require.NoError(t, d.SubmitTurn(context.Background(), "second"))

		require.Len(t, backend.requests, 2)
		assert.Equal(t, ModeContinue, d.Session().Status().Mode)
	})
}
