package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voicegate/voicegate/internal/auth"
	"github.com/voicegate/voicegate/internal/middleware"
	"github.com/voicegate/voicegate/internal/observability"
	"github.com/voicegate/voicegate/internal/store"
	"github.com/voicegate/voicegate/internal/tts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	handlers *Handlers
	store    *store.Store
	tokens   *auth.TokenService
	metrics  *observability.Metrics
	synth    *tts.Stub
}

func newFixture(t *testing.T, startingCredits int) *fixture {
	t.Helper()
	st := store.New(auth.NewHasher(4), startingCredits)
	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour, 7*24*time.Hour)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	synth := &tts.Stub{}
	return &fixture{
		handlers: New(st, tokens, synth, 10*time.Millisecond, testLogger(), metrics),
		store:    st,
		tokens:   tokens,
		metrics:  metrics,
		synth:    synth,
	}
}

func (f *fixture) registeredUser(t *testing.T, username, password string) store.User {
	t.Helper()
	u, err := f.store.Register(username, password)
	require.NoError(t, err)
	return u
}

func detailOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestRegister(t *testing.T) {
	t.Run("creates an account", func(t *testing.T) {
		f := newFixture(t, 10)
		rec := httptest.NewRecorder()
		f.handlers.Register(rec, jsonRequest(http.MethodPost, "/register",
			`{"username":"alice","password":"secret"}`))

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PromRegistered))

		u, err := f.store.Authenticate("alice", "secret")
		require.NoError(t, err)
		assert.Equal(t, 10, u.Credits)
	})

	t.Run("duplicate username", func(t *testing.T) {
		f := newFixture(t, 10)
		f.registeredUser(t, "alice", "secret")

		rec := httptest.NewRecorder()
		f.handlers.Register(rec, jsonRequest(http.MethodPost, "/register",
			`{"username":"alice","password":"other"}`))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Username already exists", detailOf(t, rec))
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t, 10)
		rec := httptest.NewRecorder()
		f.handlers.Register(rec, jsonRequest(http.MethodPost, "/register", `{broken`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestLogin(t *testing.T) {
	loginRequest := func(username, password string) *http.Request {
		form := url.Values{"username": {username}, "password": {password}}
		req := httptest.NewRequest(http.MethodPost, "/login",
			strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req
	}

	t.Run("returns a token pair", func(t *testing.T) {
		f := newFixture(t, 10)
		f.registeredUser(t, "alice", "secret")

		rec := httptest.NewRecorder()
		f.handlers.Login(rec, loginRequest("alice", "secret"))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			TokenType    string `json:"token_type"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "bearer", body.TokenType)
		assert.NotEmpty(t, body.RefreshToken)

		id, err := f.tokens.VerifyAccess(body.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)
	})

	t.Run("identical error for unknown user and wrong password", func(t *testing.T) {
		f := newFixture(t, 10)
		f.registeredUser(t, "alice", "secret")

		for _, creds := range [][2]string{{"nobody", "secret"}, {"alice", "wrong"}} {
			rec := httptest.NewRecorder()
			f.handlers.Login(rec, loginRequest(creds[0], creds[1]))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Invalid username or password", detailOf(t, rec))
		}
	})
}

func TestProfile(t *testing.T) {
	t.Run("returns username and credits", func(t *testing.T) {
		f := newFixture(t, 10)
		u := f.registeredUser(t, "alice", "secret")
		pair, err := f.tokens.IssuePair(u.ID, u.Username)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/user", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		rec := httptest.NewRecorder()
		f.handlers.Profile(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Username string `json:"username"`
			Credits  int    `json:"credits"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "alice", body.Username)
		assert.Equal(t, 10, body.Credits)
	})

	t.Run("missing bearer", func(t *testing.T) {
		f := newFixture(t, 10)
		rec := httptest.NewRecorder()
		f.handlers.Profile(rec, httptest.NewRequest(http.MethodGet, "/user", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Not authenticated", detailOf(t, rec))
	})

	t.Run("refresh token rejected as bearer credential", func(t *testing.T) {
		f := newFixture(t, 10)
		u := f.registeredUser(t, "alice", "secret")
		pair, err := f.tokens.IssuePair(u.ID, u.Username)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/user", nil)
		req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
		rec := httptest.NewRecorder()
		f.handlers.Profile(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Invalid token", detailOf(t, rec))
	})
}

func TestCreateRecord(t *testing.T) {
	recordReq := func(userID int64, text string) *http.Request {
		body, _ := json.Marshal(map[string]string{"text": text})
		req := jsonRequest(http.MethodPost, "/records", string(body))
		return req.WithContext(middleware.WithUserID(req.Context(), userID))
	}

	t.Run("streams audio and debits one credit per word", func(t *testing.T) {
		f := newFixture(t, 10)
		u := f.registeredUser(t, "alice", "secret")

		rec := httptest.NewRecorder()
		f.handlers.CreateRecord(rec, recordReq(u.ID, "one two three"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
		assert.Equal(t, "attachment; filename=record.mp3",
			rec.Header().Get("Content-Disposition"))
		assert.Greater(t, rec.Body.Len(), 1000)

		after, err := f.store.Get(u.ID)
		require.NoError(t, err)
		assert.Equal(t, 7, after.Credits)
		assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.PromCreditsDebited))
	})

	t.Run("insufficient credits", func(t *testing.T) {
		f := newFixture(t, 2)
		u := f.registeredUser(t, "alice", "secret")

		rec := httptest.NewRecorder()
		f.handlers.CreateRecord(rec, recordReq(u.ID, "one two three"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t,
			"You have not enough credits. Your credits: 2, the cost is 3 credits.",
			detailOf(t, rec))
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PromCreditsDeclined))

		after, err := f.store.Get(u.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, after.Credits, "declined request must not debit")
	})

	t.Run("empty text costs nothing", func(t *testing.T) {
		f := newFixture(t, 0)
		u := f.registeredUser(t, "alice", "secret")

		rec := httptest.NewRecorder()
		f.handlers.CreateRecord(rec, recordReq(u.ID, "   "))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("synthesis failure after debit is not refunded", func(t *testing.T) {
		f := newFixture(t, 10)
		u := f.registeredUser(t, "alice", "secret")
		f.synth.Err = errors.New("provider unavailable")

		rec := httptest.NewRecorder()
		f.handlers.CreateRecord(rec, recordReq(u.ID, "one two"))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PromSynthErrors))

		after, err := f.store.Get(u.ID)
		require.NoError(t, err)
		assert.Equal(t, 8, after.Credits)
	})

	t.Run("missing identity in context", func(t *testing.T) {
		f := newFixture(t, 10)
		rec := httptest.NewRecorder()
		f.handlers.CreateRecord(rec, jsonRequest(http.MethodPost, "/records",
			`{"text":"hi"}`))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSimulate(t *testing.T) {
	t.Run("holds for the configured delay", func(t *testing.T) {
		f := newFixture(t, 10)
		rec := httptest.NewRecorder()
		start := time.Now()
		f.handlers.Simulate(rec, httptest.NewRequest(http.MethodPost, "/concurrent-requests", nil))
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("returns early on cancellation", func(t *testing.T) {
		f := newFixture(t, 10)
		f.handlers.simDelay = time.Minute

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, "/concurrent-requests", nil).
			WithContext(ctx)

		start := time.Now()
		f.handlers.Simulate(httptest.NewRecorder(), req)
		assert.Less(t, time.Since(start), time.Second)
	})
}
