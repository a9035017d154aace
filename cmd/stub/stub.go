// Package stub runs a local scripted dialogue backend for development.
// It speaks the same wire format as the real service, walking one fixed
// conversation script so every widget shape shows up without network
// access or credentials.
package stub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

type scriptStep int

const (
	stepFeeling scriptStep = iota
	stepEventAsked
	stepRecencyAsked
	stepValenceAsked
	stepProtocolOffered
	stepProtocolChosen
	stepExerciseRunning
	stepFeedbackAsked
	stepAnotherAsked
	stepDone
)

var (
	initialFeelings = []string{"Happy", "Sad", "Angry", "Anxious", "Calm"}
	protocolTitles  = []string{
		"1. Connecting with the Child",
		"7. Laughing at our Two Selves",
		"13. Changing our Perspective",
		"15. Solving Personal Crises",
		"19. Changing our Rigid Beliefs",
	}
)

type session struct {
	mu      sync.Mutex
	step    scriptStep
	emotion string
}

type scriptReply struct {
	reply   []string
	options []string
}

// advance consumes one user choice and moves the script forward.
func (s *session) advance(choice string) scriptReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := strings.ToLower(strings.TrimSpace(choice))
	switch s.step {
	case stepFeeling:
		s.emotion = detectEmotion(normalized)
		s.step = stepEventAsked
		return scriptReply{
			reply:   []string{"Thank you for sharing that with me.", "Was this feeling caused by a specific event?"},
			options: []string{"yes", "no"},
		}
	case stepEventAsked:
		if normalized == "no" {
			s.step = stepProtocolOffered
			return scriptReply{
				reply:   []string{"That's okay, feelings don't always need a reason.", "I know some exercises that could help.", "Would you like to try one of them?"},
				options: []string{"yes, i would like to try one of these protocols", "no, i would like to try something else"},
			}
		}
		s.step = stepRecencyAsked
		return scriptReply{
			reply:   []string{"I see.", "Was the event recent, or in the more distant past?"},
			options: []string{"recent", "distant"},
		}
	case stepRecencyAsked:
		s.step = stepValenceAsked
		return scriptReply{
			reply:   []string{"Thank you.", "Overall, would you describe the feeling as positive, neutral or negative?"},
			options: []string{"positive", "neutral", "negative"},
		}
	case stepValenceAsked:
		s.step = stepProtocolOffered
		return scriptReply{
			reply:   []string{"That helps me understand.", "I know some exercises that could help with this.", "Would you like to try one of them?"},
			options: []string{"yes, i would like to try one of these protocols", "no, i would like to try something else"},
		}
	case stepProtocolOffered:
		if strings.HasPrefix(normalized, "no") {
			s.step = stepDone
			return scriptReply{
				reply:   []string{"Of course.", "Feel free to tell me more whenever you are ready."},
				options: []string{"any"},
			}
		}
		s.step = stepProtocolChosen
		return scriptReply{
			reply:   []string{"Wonderful.", "Please choose a protocol that feels right for you."},
			options: protocolTitles,
		}
	case stepProtocolChosen:
		s.step = stepExerciseRunning
		return scriptReply{
			reply:   []string{fmt.Sprintf("Protocol %s is a good choice.", strings.TrimSpace(choice)), "Take as long as you need with the exercise.", "Press continue when you have finished."},
			options: []string{"continue"},
		}
	case stepExerciseRunning:
		s.step = stepFeedbackAsked
		return scriptReply{
			reply:   []string{"Well done.", "How do you feel now, compared to before the exercise?"},
			options: []string{"better", "worse", "no change"},
		}
	case stepFeedbackAsked:
		s.step = stepAnotherAsked
		return scriptReply{
			reply:   []string{"Thank you for telling me.", "Would you like to try another exercise?"},
			options: []string{"yes", "no"},
		}
	case stepAnotherAsked:
		if normalized == "yes" {
			s.step = stepProtocolChosen
			return scriptReply{
				reply:   []string{"Great.", "Please choose a protocol that feels right for you."},
				options: protocolTitles,
			}
		}
		s.step = stepDone
		return scriptReply{
			reply:   []string{"Take good care of yourself.", "I will be here whenever you want to talk."},
			options: []string{"any"},
		}
	default:
		return scriptReply{
			reply:   []string{"I'm listening."},
			options: []string{"any"},
		}
	}
}

func detectEmotion(input string) string {
	for _, emotion := range []string{"happy", "sad", "angry", "anxious"} {
		if strings.Contains(input, emotion) {
			return emotion
		}
	}
	return ""
}

type stubServer struct {
	mu       sync.Mutex
	logger   *slog.Logger
	sessions map[string]*session
	delay    time.Duration
	// failEvery returns an error for every Nth turn when non-zero, to
	// exercise client fallback handling.
	failEvery int
	turnCount int
}

func (s *stubServer) lookup(sessionID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

func (s *stubServer) create() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.sessions[id] = &session{}
	return id
}

func (s *stubServer) shouldFail() bool {
	if s.failEvery <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnCount++
	return s.turnCount%s.failEvery == 0
}

type loginRequest struct {
	UserInfo struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"user_info"`
}

type loginResponse struct {
	ValidID     bool     `json:"validID"`
	UserID      string   `json:"userID,omitempty"`
	SessionID   string   `json:"sessionID,omitempty"`
	ModelPrompt []string `json:"model_prompt,omitempty"`
	Choices     []string `json:"choices,omitempty"`
}

func (s *stubServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserInfo.Username == "" || req.UserInfo.Password == "" {
		writeJSON(w, loginResponse{ValidID: false})
		return
	}

	sessionID := s.create()
	s.logger.Info("Session started", "username", req.UserInfo.Username, "sessionID", sessionID)
	writeJSON(w, loginResponse{
		ValidID:     true,
		UserID:      uuid.NewString(),
		SessionID:   sessionID,
		ModelPrompt: []string{
			fmt.Sprintf("Welcome back, %s.", req.UserInfo.Username),
			"How are you feeling today?",
		},
		Choices: initialFeelings,
	})
}

type turnRequest struct {
	ChoiceInfo struct {
		UserID    string          `json:"user_id"`
		SessionID string          `json:"session_id"`
		Choice    string          `json:"user_choice"`
		InputType json.RawMessage `json:"input_type"`
	} `json:"choice_info"`
}

type turnResponse struct {
	ChatbotResponse []string `json:"chatbot_response"`
	UserOptions     []string `json:"user_options"`
	Emotion         string   `json:"emotion,omitempty"`
}

func (s *stubServer) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sess := s.lookup(req.ChoiceInfo.SessionID)
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if s.shouldFail() {
		s.logger.Warn("Injecting turn failure", "sessionID", req.ChoiceInfo.SessionID)
		http.Error(w, "simulated outage", http.StatusServiceUnavailable)
		return
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	result := sess.advance(req.ChoiceInfo.Choice)
	sess.mu.Lock()
	emotion := sess.emotion
	sess.mu.Unlock()
	writeJSON(w, turnResponse{
		ChatbotResponse: result.reply,
		UserOptions:     result.options,
		Emotion:         emotion,
	})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func newStubServer(logger *slog.Logger, delay time.Duration, failEvery int) *stubServer {
	return &stubServer{
		logger:    logger,
		sessions:  make(map[string]*session),
		delay:     delay,
		failEvery: failEvery,
	}
}

func (s *stubServer) router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	router.Post("/api/login", s.handleLogin)
	router.Post("/api/update_session", s.handleTurn)
	return router
}

func runStub(ctx context.Context, logger *slog.Logger, port int, delay time.Duration, failEvery int) error {
	s := newStubServer(logger, delay, failEvery)

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: s.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("Stub dialogue backend listening", "port", port, "delay", delay, "failEvery", failEvery)

	select {
	case err := <-errCh:
		return xerrors.Errorf("stub server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

var (
	portArg      int
	delayArg     time.Duration
	failEveryArg int
)

func CreateStubCmd() *cobra.Command {
	stubCmd := &cobra.Command{
		Use:   "stub",
		Short: "Run a local scripted dialogue backend",
		Long:  "Run a local scripted dialogue backend that speaks the remote service's wire format, for development and demos.",
		Run: func(cmd *cobra.Command, args []string) {
			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			if err := runStub(ctx, logger, portArg, delayArg, failEveryArg); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}
	stubCmd.Flags().IntVarP(&portArg, "port", "p", 5000, "Port to listen on")
	stubCmd.Flags().DurationVar(&delayArg, "delay", 0, "Artificial latency added to each turn")
	stubCmd.Flags().IntVar(&failEveryArg, "fail-every", 0, "Fail every Nth turn with a 503, 0 disables")
	return stubCmd
}
