package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindfulware/companionapi/lib/dialogue"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(ClientConfig{BaseURL: srv.URL, HTTPClient: srv.Client()}), srv
}

func TestClient_Login(t *testing.T) {
	t.Run("success with numeric identifiers", func(t *testing.T) {
		var captured map[string]any
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/login", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			w.Header().Set("Content-Type", "application/json")
			// The service issues identifiers as JSON numbers.
			_, _ = w.Write([]byte(`{
				"validID": true,
				"userID": 42,
				"sessionID": 7,
				"model_prompt": ["Welcome back.", "How are you feeling today?"],
				"choices": ["Happy", "Sad"]
			}`))
		})
		defer srv.Close()

		res, err := client.Login(context.Background(), "kirsten", "pw")
		require.NoError(t, err)

		userInfo := captured["user_info"].(map[string]any)
		assert.Equal(t, "kirsten", userInfo["username"])
		assert.Equal(t, "pw", userInfo["password"])

		assert.Equal(t, "42", res.UserID)
		assert.Equal(t, "7", res.SessionID)
		assert.Equal(t, dialogue.Reply{"Welcome back.", "How are you feeling today?"}, res.Prompt)
		assert.Equal(t, []string{"Happy", "Sad"}, res.AcceptedInputs)
	})

	t.Run("string prompt collapses to one part", func(t *testing.T) {
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"validID": true, "userID": "u", "sessionID": "s", "model_prompt": "Hello."}`))
		})
		defer srv.Close()

		res, err := client.Login(context.Background(), "kirsten", "pw")
		require.NoError(t, err)
		assert.Equal(t, dialogue.Reply{"Hello."}, res.Prompt)
	})

	t.Run("rejected credentials", func(t *testing.T) {
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"validID": false}`))
		})
		defer srv.Close()

		_, err := client.Login(context.Background(), "kirsten", "wrong")
		var authErr *dialogue.AuthError
		require.ErrorAs(t, err, &authErr)
	})

	t.Run("missing identifiers", func(t *testing.T) {
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"validID": true}`))
		})
		defer srv.Close()

		_, err := client.Login(context.Background(), "kirsten", "pw")
		var malformed *dialogue.MalformedResponseError
		require.ErrorAs(t, err, &malformed)
	})
}

func TestClient_SendChoice(t *testing.T) {
	turnReply := `{"chatbot_response": ["Okay.", "Continue when ready."], "user_options": ["continue"], "emotion": "happy"}`

	t.Run("success", func(t *testing.T) {
		var captured map[string]any
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/update_session", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(turnReply))
		})
		defer srv.Close()

		resp, err := client.SendChoice(context.Background(), dialogue.TurnRequest{
			UserID:         "42",
			SessionID:      "7",
			Choice:         "yes",
			AcceptedInputs: []string{"yes", "no"},
		})
		require.NoError(t, err)

		choiceInfo := captured["choice_info"].(map[string]any)
		assert.Equal(t, "42", choiceInfo["user_id"])
		assert.Equal(t, "7", choiceInfo["session_id"])
		assert.Equal(t, "yes", choiceInfo["user_choice"])
		assert.Equal(t, []any{"yes", "no"}, choiceInfo["input_type"])

		assert.Equal(t, dialogue.Reply{"Okay.", "Continue when ready."}, resp.Reply)
		assert.Equal(t, []string{"continue"}, resp.AcceptedInputs)
		assert.Equal(t, "happy", resp.Emotion)
	})

	t.Run("single token collapses to a bare string", func(t *testing.T) {
		var captured map[string]any
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(turnReply))
		})
		defer srv.Close()

		_, err := client.SendChoice(context.Background(), dialogue.TurnRequest{
			Choice:         "continue",
			AcceptedInputs: []string{"continue"},
		})
		require.NoError(t, err)

		choiceInfo := captured["choice_info"].(map[string]any)
		assert.Equal(t, "continue", choiceInfo["input_type"])
	})

	t.Run("numeric tokens are sent as integers", func(t *testing.T) {
		var captured map[string]any
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(turnReply))
		})
		defer srv.Close()

		_, err := client.SendChoice(context.Background(), dialogue.TurnRequest{
			Choice:         "15",
			AcceptedInputs: []string{"1", "2", "3"},
		})
		require.NoError(t, err)

		choiceInfo := captured["choice_info"].(map[string]any)
		assert.Equal(t, []any{float64(1), float64(2), float64(3)}, choiceInfo["input_type"])
	})

	t.Run("server error is a transport error", func(t *testing.T) {
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		})
		defer srv.Close()

		_, err := client.SendChoice(context.Background(), dialogue.TurnRequest{Choice: "x"})
		var transportErr *dialogue.TransportError
		require.ErrorAs(t, err, &transportErr)
	})

	t.Run("unreachable host is a transport error", func(t *testing.T) {
		client := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
		_, err := client.SendChoice(context.Background(), dialogue.TurnRequest{Choice: "x"})
		var transportErr *dialogue.TransportError
		require.ErrorAs(t, err, &transportErr)
	})

	t.Run("undecodable body is malformed", func(t *testing.T) {
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		})
		defer srv.Close()

		_, err := client.SendChoice(context.Background(), dialogue.TurnRequest{Choice: "x"})
		var malformed *dialogue.MalformedResponseError
		require.ErrorAs(t, err, &malformed)
	})

	t.Run("empty reply is malformed", func(t *testing.T) {
		client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"user_options": ["yes", "no"]}`))
		})
		defer srv.Close()

		_, err := client.SendChoice(context.Background(), dialogue.TurnRequest{Choice: "x"})
		var malformed *dialogue.MalformedResponseError
		require.ErrorAs(t, err, &malformed)
	})
}

func TestEncodeInputType(t *testing.T) {
	assert.Nil(t, encodeInputType(nil))
	assert.Equal(t, "continue", encodeInputType([]string{"continue"}))
	assert.Equal(t, []int{1, 2, 3}, encodeInputType([]string{"1", "2", "3"}))
	assert.Equal(t, []string{"yes", "no"}, encodeInputType([]string{"yes", "no"}))
	// A mixed list stays textual.
	assert.Equal(t, []string{"1", "one"}, encodeInputType([]string{"1", "one"}))
}
