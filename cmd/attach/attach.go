package attach

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	sse "github.com/tmaxmax/go-sse"
	"golang.org/x/term"
	"golang.org/x/xerrors"

	"github.com/mindfulware/companionapi/lib/dialogue"
	"github.com/mindfulware/companionapi/lib/httpapi"
	"github.com/mindfulware/companionapi/lib/util"
)

var (
	botStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	optionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// client is a thin HTTP wrapper over the session server's control API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: baseURL,
		apiKey:  os.Getenv("COMPANIONAPI_KEY"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return xerrors.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return xerrors.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return xerrors.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return xerrors.Errorf("%s %s: %w", method, path, errors.New(res.Status))
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return xerrors.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *client) getStatus(ctx context.Context) (httpapi.StatusChangeBody, error) {
	var status httpapi.StatusChangeBody
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return httpapi.StatusChangeBody{}, err
	}
	return status, nil
}

func (c *client) login(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	return c.do(ctx, http.MethodPost, "/login", body, nil)
}

type sendResult struct {
	Ok      bool `json:"ok"`
	Dropped bool `json:"dropped"`
}

func (c *client) sendMessage(ctx context.Context, content string) (sendResult, error) {
	var res sendResult
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, "/message", body, &res); err != nil {
		return sendResult{}, err
	}
	return res, nil
}

func (c *client) toggleReflection(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reflection", nil, nil)
}

func (c *client) logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", nil, nil)
}

// readEvents consumes the /events SSE stream and forwards each event to
// the bubbletea program. It returns when the stream closes or ctx is
// canceled.
func (c *client) readEvents(ctx context.Context, send func(tea.Msg)) error {
	url := c.baseURL + "/events"
	if c.apiKey != "" {
		// EventSource-style auth: the key travels as a query parameter.
		url += "?api_key=" + c.apiKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return xerrors.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return xerrors.Errorf("failed to connect to events stream: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	for ev, err := range sse.Read(res.Body, &sse.ReadConfig{
		MaxEventSize: 64 * 1024,
	}) {
		if err != nil {
			return xerrors.Errorf("failed to read sse: %w", err)
		}
		switch ev.Type {
		case string(httpapi.EventTypeMessageAppend):
			var body httpapi.MessageAppendBody
			if err := json.Unmarshal([]byte(ev.Data), &body); err != nil {
				continue
			}
			send(appendMsg{body})
		case string(httpapi.EventTypeStatusChange):
			var body httpapi.StatusChangeBody
			if err := json.Unmarshal([]byte(ev.Data), &body); err != nil {
				continue
			}
			send(statusMsg{body})
		}
	}
	return nil
}

type appendMsg struct {
	body httpapi.MessageAppendBody
}

type statusMsg struct {
	body httpapi.StatusChangeBody
}

type sentMsg struct {
	dropped bool
}

type streamClosedMsg struct {
	err error
}

type chatModel struct {
	client   *client
	input    textinput.Model
	messages []httpapi.MessageAppendBody
	status   httpapi.StatusChangeBody
	notice   string
	err      error
}

func newChatModel(c *client) chatModel {
	input := textinput.New()
	input.Placeholder = "Type a message"
	input.Focus()
	input.CharLimit = 2000
	return chatModel{client: c, input: input}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case appendMsg:
		m.messages = append(m.messages, msg.body)
		m.notice = ""
		return m, nil
	case statusMsg:
		m.status = msg.body
		if !msg.body.LoggedIn {
			return m, tea.Quit
		}
		return m, nil
	case sentMsg:
		if msg.dropped {
			m.notice = "Still waiting for the previous reply."
		}
		return m, nil
	case streamClosedMsg:
		m.err = msg.err
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "ctrl+r":
			client := m.client
			return m, func() tea.Msg {
				_ = client.toggleReflection(context.Background())
				return nil
			}
		case "enter":
			content := strings.TrimSpace(m.input.Value())
			if content == "" {
				return m, nil
			}
			m.input.Reset()
			client := m.client
			return m, func() tea.Msg {
				res, err := client.sendMessage(context.Background(), content)
				if err != nil {
					return streamClosedMsg{err: err}
				}
				return sentMsg{dropped: res.Dropped}
			}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func modeHint(mode dialogue.InteractionMode) string {
	switch mode {
	case dialogue.ModeContinue:
		return "press enter or type Continue"
	case dialogue.ModeYesNo, dialogue.ModeYesNoProtocolOffer:
		return "answer Yes or No"
	case dialogue.ModeRecentOrDistant:
		return "Recent or Distant"
	case dialogue.ModeEmotionValence:
		return "Positive, Neutral or Negative"
	case dialogue.ModeFeedback:
		return "Better, Worse or No change"
	case dialogue.ModeProtocolList:
		return "type a protocol number"
	default:
		return ""
	}
}

func (m chatModel) View() string {
	var b strings.Builder
	for _, msg := range m.messages {
		switch msg.Author {
		case dialogue.AuthorUser:
			b.WriteString(userStyle.Render("you> "+msg.Text) + "\n")
		default:
			b.WriteString(botStyle.Render("bot> "+msg.Text) + "\n")
		}
	}
	if len(m.status.ProtocolList) > 0 && m.status.Mode.IsOptionList() {
		b.WriteString("\n")
		for i, option := range m.status.ProtocolList {
			b.WriteString(optionStyle.Render(fmt.Sprintf("  %d. %s", i+1, option)) + "\n")
		}
	}
	if m.status.Busy {
		b.WriteString(hintStyle.Render("thinking...") + "\n")
	}
	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice) + "\n")
	}
	b.WriteString("\n")
	if hint := modeHint(m.status.Mode); hint != "" {
		b.WriteString(hintStyle.Render("("+hint+")") + "\n")
	}
	b.WriteString(m.input.View() + "\n")
	if m.status.DeepReflection {
		b.WriteString(hintStyle.Render("deep reflection on · ctrl+r toggles · ctrl+c quits") + "\n")
	} else {
		b.WriteString(hintStyle.Render("ctrl+r toggles deep reflection · ctrl+c quits") + "\n")
	}
	return b.String()
}

// promptCredentials collects the username and password from the
// terminal. The password is read without echo when stdin is a TTY.
func promptCredentials(username string) (string, string, error) {
	reader := bufio.NewReader(os.Stdin)
	if username == "" {
		fmt.Fprint(os.Stderr, "Username: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", "", xerrors.Errorf("failed to read username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if username == "" {
		return "", "", xerrors.Errorf("username is required")
	}

	fmt.Fprint(os.Stderr, "Password: ")
	var password string
	if isatty.IsTerminal(os.Stdin.Fd()) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", "", xerrors.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	} else {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", "", xerrors.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimSpace(line)
	}
	return username, password, nil
}

func runAttach(remoteURL, username string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClient(remoteURL)

	// The server may still be starting. Poll /status until it answers.
	err := util.WaitFor(ctx, util.WaitTimeout{Timeout: 15 * time.Second}, func() (bool, error) {
		_, err := c.getStatus(ctx)
		return err == nil, nil
	})
	if err != nil {
		return xerrors.Errorf("server at %s is not responding: %w", remoteURL, err)
	}

	status, err := c.getStatus(ctx)
	if err != nil {
		return xerrors.Errorf("failed to get status: %w", err)
	}
	if !status.LoggedIn {
		user, password, err := promptCredentials(username)
		if err != nil {
			return err
		}
		if err := c.login(ctx, user, password); err != nil {
			return xerrors.Errorf("login failed: %w", err)
		}
	}

	p := tea.NewProgram(newChatModel(c), tea.WithAltScreen())

	readEventsErrCh := make(chan error, 1)
	go func() {
		defer close(readEventsErrCh)
		err := c.readEvents(ctx, func(msg tea.Msg) {
			if msg != nil {
				p.Send(msg)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			readEventsErrCh <- err
			p.Send(streamClosedMsg{err: err})
		}
	}()

	finalModel, err := p.Run()
	if err != nil {
		return xerrors.Errorf("failed to run program: %w", err)
	}
	cancel()

	if m, ok := finalModel.(chatModel); ok && m.err != nil {
		return m.err
	}
	select {
	case err, ok := <-readEventsErrCh:
		if ok && err != nil {
			return err
		}
	case <-time.After(time.Second):
	}
	return nil
}

var (
	remoteURLArg string
	usernameArg  string
)

var AttachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach a terminal chat client to a running session server",
	Long:  "Attach a terminal chat client to a running session server. Prompts for credentials when no session is active, then follows the event stream.",
	Run: func(cmd *cobra.Command, args []string) {
		remoteURL := remoteURLArg
		if remoteURL == "" {
			fmt.Fprintln(os.Stderr, "URL is required")
			os.Exit(1)
		}
		if !strings.HasPrefix(remoteURL, "http") {
			remoteURL = "http://" + remoteURL
		}
		remoteURL = strings.TrimRight(remoteURL, "/")

		if err := runAttach(remoteURL, usernameArg); err != nil {
			fmt.Fprintf(os.Stderr, "Attach failed: %+v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	AttachCmd.Flags().StringVarP(&remoteURLArg, "url", "u", "localhost:3284", "URL of the session server to attach to. May optionally include a protocol and a path.")
	AttachCmd.Flags().StringVarP(&usernameArg, "user", "U", "", "Username to log in with. Prompted for when omitted.")
}
