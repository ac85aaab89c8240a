// Package api implements the public HTTP handlers: account registration,
// login, the authenticated profile, and credit-debiting speech synthesis.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voicegate/voicegate/internal/auth"
	"github.com/voicegate/voicegate/internal/middleware"
	"github.com/voicegate/voicegate/internal/observability"
	"github.com/voicegate/voicegate/internal/store"
	"github.com/voicegate/voicegate/internal/tts"
)

// Handlers carries the dependencies shared by all public routes.
type Handlers struct {
	store   *store.Store
	tokens  *auth.TokenService
	synth   tts.Synthesizer
	logger  *slog.Logger
	metrics *observability.Metrics

	// simDelay is how long /concurrent-requests holds its gate slot.
	simDelay time.Duration
}

// New creates the public route handlers.
func New(
	st *store.Store,
	tokens *auth.TokenService,
	synth tts.Synthesizer,
	simDelay time.Duration,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Handlers {
	return &Handlers{
		store:    st,
		tokens:   tokens,
		synth:    synth,
		logger:   logger,
		metrics:  metrics,
		simDelay: simDelay,
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	auth.TokenPair
	TokenType string `json:"token_type"`
}

type profileResponse struct {
	Username string `json:"username"`
	Credits  int    `json:"credits"`
}

type recordRequest struct {
	Text string `json:"text"`
}

// Register creates a new account with the configured starting credit balance.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.store.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			middleware.WriteDetail(w, http.StatusBadRequest, "Username already exists")
			return
		}
		h.logger.Error("registration failed", "error", err)
		middleware.WriteDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.metrics.PromRegistered.Inc()
	h.logger.Info("user registered", "user_id", user.ID)
	w.WriteHeader(http.StatusCreated)
}

// Login exchanges form credentials for an access/refresh token pair.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		middleware.WriteDetail(w, http.StatusBadRequest, "Invalid username or password")
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")

	user, err := h.store.Authenticate(username, password)
	if err != nil {
		// Same response for unknown username and wrong password.
		middleware.WriteDetail(w, http.StatusBadRequest, "Invalid username or password")
		return
	}

	pair, err := h.tokens.IssuePair(user.ID, user.Username)
	if err != nil {
		h.logger.Error("token issue failed", "error", err, "user_id", user.ID)
		middleware.WriteDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.metrics.PromLogins.Inc()
	writeJSON(w, http.StatusOK, tokenResponse{TokenPair: *pair, TokenType: "bearer"})
}

// Profile returns the authenticated user's name and remaining credits.
// The route is read-only and sits outside the gated set, so it carries
// its own bearer check.
func (h *Handlers) Profile(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		Username: user.Username,
		Credits:  user.Credits,
	})
}

// CreateRecord synthesizes speech from the request text, debiting one credit
// per whitespace-delimited word. The admission middleware has already
// authenticated the caller and acquired their gate slot.
func (h *Handlers) CreateRecord(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		middleware.WriteDetail(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cost := len(strings.Fields(req.Text))

	if _, err := h.store.Debit(userID, cost); err != nil {
		var insufficient *store.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			h.metrics.PromCreditsDeclined.Inc()
			middleware.WriteDetail(w, http.StatusBadRequest, fmt.Sprintf(
				"You have not enough credits. Your credits: %d, the cost is %d credits.",
				insufficient.Credits, insufficient.Cost))
		case errors.Is(err, store.ErrUserNotFound):
			middleware.WriteDetail(w, http.StatusUnauthorized, "Invalid token")
		default:
			h.logger.Error("debit failed", "error", err, "user_id", userID)
			middleware.WriteDetail(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.metrics.PromCreditsDebited.Add(float64(cost))

	audio, err := h.synth.Synthesize(r.Context(), req.Text)
	if err != nil {
		// Credits stay spent; surface the gap to operators instead.
		h.metrics.PromSynthErrors.Inc()
		h.logger.Error("synthesis failed after debit",
			"error", err, "user_id", userID, "cost", cost)
		middleware.WriteDetail(w, http.StatusBadGateway, "Speech synthesis failed")
		return
	}
	defer audio.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", "attachment; filename=record.mp3")
	if _, err := io.Copy(w, audio); err != nil {
		h.logger.Debug("audio stream interrupted", "error", err, "user_id", userID)
	}
}

// Simulate holds a gate slot for the configured delay without touching
// credits or the synthesis provider. Exists to exercise the per-user
// admission limit.
func (h *Handlers) Simulate(w http.ResponseWriter, r *http.Request) {
	timer := time.NewTimer(h.simDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		w.WriteHeader(http.StatusOK)
	case <-r.Context().Done():
	}
}

// currentUser authenticates the bearer token on routes outside the gated
// set and loads the caller's account.
func (h *Handlers) currentUser(w http.ResponseWriter, r *http.Request) (store.User, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		h.metrics.PromAuthDenied.Inc()
		middleware.WriteDetail(w, http.StatusUnauthorized, "Not authenticated")
		return store.User{}, false
	}

	userID, err := h.tokens.VerifyAccess(token)
	if err != nil {
		h.metrics.PromAuthDenied.Inc()
		middleware.WriteDetail(w, http.StatusUnauthorized, "Invalid token")
		return store.User{}, false
	}
	user, err := h.store.Get(userID)
	if err != nil {
		h.metrics.PromAuthDenied.Inc()
		middleware.WriteDetail(w, http.StatusUnauthorized, "Invalid token")
		return store.User{}, false
	}
	return user, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
