// Package backend implements the HTTP transport to the remote dialogue
// service. It is the only package that knows the wire format; the core
// sees the dialogue.Backend interface and its typed error classes.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/mindfulware/companionapi/lib/dialogue"
)

const defaultRequestTimeout = 30 * time.Second

type ClientConfig struct {
	// BaseURL of the dialogue service, without a trailing slash.
	BaseURL string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	http    *http.Client
}

var _ dialogue.Backend = &Client{}

func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
	}
}

type loginRequestBody struct {
	UserInfo struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"user_info"`
}

type loginResponseBody struct {
	ValidID     bool            `json:"validID"`
	UserID      json.RawMessage `json:"userID"`
	SessionID   json.RawMessage `json:"sessionID"`
	ModelPrompt dialogue.Reply  `json:"model_prompt"`
	Choices     []string        `json:"choices"`
}

func (c *Client) Login(ctx context.Context, username, password string) (*dialogue.LoginResult, error) {
	var body loginRequestBody
	body.UserInfo.Username = username
	body.UserInfo.Password = password

	var parsed loginResponseBody
	if err := c.post(ctx, "/api/login", body, &parsed); err != nil {
		return nil, err
	}
	if !parsed.ValidID {
		return nil, &dialogue.AuthError{Reason: "the user ID and password combination is not valid"}
	}
	userID := decodeIdentifier(parsed.UserID)
	sessionID := decodeIdentifier(parsed.SessionID)
	if userID == "" || sessionID == "" {
		return nil, &dialogue.MalformedResponseError{Err: xerrors.New("login response missing identifiers")}
	}
	return &dialogue.LoginResult{
		UserID:         userID,
		SessionID:      sessionID,
		Username:       username,
		Prompt:         parsed.ModelPrompt,
		AcceptedInputs: parsed.Choices,
	}, nil
}

type turnRequestBody struct {
	ChoiceInfo struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
		Choice    string `json:"user_choice"`
		InputType any    `json:"input_type"`
	} `json:"choice_info"`
}

type turnResponseBody struct {
	ChatbotResponse dialogue.Reply `json:"chatbot_response"`
	UserOptions     []string       `json:"user_options"`
	Emotion         string         `json:"emotion"`
}

func (c *Client) SendChoice(ctx context.Context, req dialogue.TurnRequest) (*dialogue.TurnResponse, error) {
	var body turnRequestBody
	body.ChoiceInfo.UserID = req.UserID
	body.ChoiceInfo.SessionID = req.SessionID
	body.ChoiceInfo.Choice = req.Choice
	body.ChoiceInfo.InputType = encodeInputType(req.AcceptedInputs)

	var parsed turnResponseBody
	if err := c.post(ctx, "/api/update_session", body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.ChatbotResponse) == 0 {
		return nil, &dialogue.MalformedResponseError{Err: xerrors.New("response body carries no reply")}
	}
	return &dialogue.TurnResponse{
		Reply:          parsed.ChatbotResponse,
		AcceptedInputs: parsed.UserOptions,
		Emotion:        parsed.Emotion,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return xerrors.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return &dialogue.TransportError{Err: xerrors.Errorf("request to %s failed: %w", path, err)}
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &dialogue.TransportError{Err: xerrors.Errorf("%s returned status %s", path, res.Status)}
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return &dialogue.TransportError{Err: xerrors.Errorf("failed to read %s response: %w", path, err)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &dialogue.MalformedResponseError{Err: xerrors.Errorf("failed to decode %s response: %w", path, err)}
	}
	return nil
}

// encodeInputType reproduces the wire quirks of the original service: a
// single token collapses to a bare string, and all-numeric token lists
// (the synthesized protocol range) are sent as integers.
func encodeInputType(tokens []string) any {
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) == 1 {
		return tokens[0]
	}
	numbers := make([]int, 0, len(tokens))
	for _, t := range tokens {
		n, err := strconv.Atoi(t)
		if err != nil {
			return tokens
		}
		numbers = append(numbers, n)
	}
	return numbers
}

// decodeIdentifier accepts backend identifiers issued as either JSON
// strings or numbers.
func decodeIdentifier(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
