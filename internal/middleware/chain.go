// Package middleware implements the request admission pipeline for VoiceGate:
// bearer authentication followed by per-user gate acquisition around the
// downstream handler. Only state-changing requests to the protected routes
// pass through the gate; everything else is forwarded untouched.
package middleware

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voicegate/voicegate/internal/admit"
	"github.com/voicegate/voicegate/internal/auth"
	"github.com/voicegate/voicegate/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("voicegate.middleware")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
// ChaCha8 avoids a syscall per ID, which matters under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to
// propagate. Rejects IDs that are too long or contain non-printable /
// injection characters.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// detailResponse is the structured error body returned by VoiceGate.
type detailResponse struct {
	Detail string `json:"detail"`
}

// WriteDetail writes a structured JSON error response with a human-readable
// detail message.
func WriteDetail(w http.ResponseWriter, code int, detail string) {
	body, _ := json.Marshal(detailResponse{Detail: detail})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// userIDContextKey carries the authenticated user's ID through the request
// context for downstream handlers.
type userIDContextKey struct{}

// WithUserID returns a context carrying the authenticated user's ID.
func WithUserID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, id)
}

// UserIDFromContext returns the authenticated user ID stored by the
// admission middleware, if any.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDContextKey{}).(int64)
	return id, ok
}

// Chain is the admission middleware. For protected POST routes it
// authenticates the bearer token, resolves the caller's gate from the
// registry, and holds an admission slot for the duration of the downstream
// handler. Acquisition and release are paired via defer, so a failing or
// panicking handler can never strand gate capacity.
type Chain struct {
	next      http.Handler
	tokens    *auth.TokenService
	registry  *admit.Registry
	protected map[string]struct{}
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewChain creates the admission middleware in front of next. protectedPaths
// lists the routes whose POST requests must pass the per-user gate.
func NewChain(
	next http.Handler,
	tokens *auth.TokenService,
	registry *admit.Registry,
	protectedPaths []string,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Chain {
	protected := make(map[string]struct{}, len(protectedPaths))
	for _, p := range protectedPaths {
		protected[p] = struct{}{}
	}

	return &Chain{
		next:      next,
		tokens:    tokens,
		registry:  registry,
		protected: protected,
		logger:    logger,
		metrics:   metrics,
	}
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Flusher etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher so audio streaming flushes through the wrapper.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// ServeHTTP processes the request through authentication → gate → handler.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Propagate or generate X-Request-Id for request correlation. Validate
	// client-supplied IDs to prevent CRLF injection and log pollution.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	defer func() {
		duration := time.Since(start)
		c.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(duration.Seconds())
		c.logger.Info("access",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.code,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID)
		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()

	if !c.isProtected(r) {
		c.next.ServeHTTP(sw, r)
		return
	}

	userID, err := c.authenticate(r)
	if err != nil {
		c.metrics.PromAuthDenied.Inc()
		if errors.Is(err, errMissingCredentials) {
			WriteDetail(sw, http.StatusUnauthorized, "Not authenticated")
		} else {
			WriteDetail(sw, http.StatusUnauthorized, "Invalid token")
		}
		return
	}

	gate := c.registry.Gate(userID)

	_, span := tracer.Start(r.Context(), "voicegate.gate_acquire")
	span.SetAttributes(attribute.Int64("voicegate.user_id", userID))

	waitStart := time.Now()
	if err := gate.Acquire(r.Context()); err != nil {
		span.End()
		c.metrics.PromGateRejected.Inc()
		// The client went away while queued; nothing was admitted.
		c.logger.Debug("gate wait abandoned", "user_id", userID, "error", err)
		return
	}
	c.metrics.PromGateWait.Observe(time.Since(waitStart).Seconds())
	c.metrics.PromGateAdmitted.Inc()
	c.metrics.PromGateInFlight.Inc()
	span.End()

	defer func() {
		gate.Release()
		c.metrics.PromGateInFlight.Dec()
	}()

	c.next.ServeHTTP(sw, r.WithContext(WithUserID(r.Context(), userID)))
}

// isProtected reports whether the request must pass the admission gate.
// Only state-changing (POST) requests to the protected routes are gated.
func (c *Chain) isProtected(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	_, ok := c.protected[r.URL.Path]
	return ok
}

// errMissingCredentials distinguishes an absent/malformed Authorization
// header from a token that fails verification; the client-facing messages
// differ ("Not authenticated" vs "Invalid token").
var errMissingCredentials = errors.New("missing credentials")

// authenticate extracts and verifies the bearer token, returning the caller's
// identity for gate lookup.
func (c *Chain) authenticate(r *http.Request) (int64, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return 0, errMissingCredentials
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return 0, errMissingCredentials
	}

	userID, err := c.tokens.VerifyAccess(token)
	if err != nil {
		return 0, err
	}
	return userID, nil
}
