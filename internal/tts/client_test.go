package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voicegate/voicegate/internal/config"
)

func testTTSConfig(baseURL string) config.TTSConfig {
	return config.TTSConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Voice:   "Brian",
		Model:   "eleven_multilingual_v2",
		Timeout: "5s",
	}
}

func TestNewClient(t *testing.T) {
	t.Run("rejects empty base url", func(t *testing.T) {
		cfg := testTTSConfig("")
		_, err := NewClient(cfg)
		assert.Error(t, err)
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		c, err := NewClient(testTTSConfig("https://api.example.com/"))
		require.NoError(t, err)
		assert.Equal(t, "https://api.example.com", c.baseURL)
	})
}

func TestClientSynthesize(t *testing.T) {
	t.Run("streams audio from the provider", func(t *testing.T) {
		var gotPath, gotKey, gotAccept string
		var gotBody synthesisRequest

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotKey = r.Header.Get("xi-api-key")
			gotAccept = r.Header.Get("Accept")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("mp3-bytes"))
		}))
		defer srv.Close()

		c, err := NewClient(testTTSConfig(srv.URL))
		require.NoError(t, err)

		body, err := c.Synthesize(context.Background(), "Hello World")
		require.NoError(t, err)
		defer body.Close()

		audio, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, "mp3-bytes", string(audio))

		assert.Equal(t, "/v1/text-to-speech/Brian", gotPath)
		assert.Equal(t, "test-key", gotKey)
		assert.Equal(t, "audio/mpeg", gotAccept)
		assert.Equal(t, "Hello World", gotBody.Text)
		assert.Equal(t, "eleven_multilingual_v2", gotBody.ModelID)
	})

	t.Run("surfaces non-200 as an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"detail":"quota exceeded"}`))
		}))
		defer srv.Close()

		c, err := NewClient(testTTSConfig(srv.URL))
		require.NoError(t, err)

		_, err = c.Synthesize(context.Background(), "Hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
		assert.Contains(t, err.Error(), "quota exceeded")
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
			<-block
		}))
		defer srv.Close()
		defer close(block)

		c, err := NewClient(testTTSConfig(srv.URL))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err = c.Synthesize(ctx, "Hello")
		assert.Error(t, err)
	})
}

func TestStubSynthesize(t *testing.T) {
	t.Run("returns default audio", func(t *testing.T) {
		stub := &Stub{}
		body, err := stub.Synthesize(context.Background(), "anything")
		require.NoError(t, err)
		defer body.Close()

		audio, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Greater(t, len(audio), 1000)
	})

	t.Run("returns configured audio and error", func(t *testing.T) {
		stub := &Stub{Audio: []byte("abc")}
		body, err := stub.Synthesize(context.Background(), "x")
		require.NoError(t, err)
		audio, _ := io.ReadAll(body)
		assert.Equal(t, "abc", string(audio))
		_ = body.Close()

		boom := errors.New("boom")
		_, err = (&Stub{Err: boom}).Synthesize(context.Background(), "x")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("delay honors context", func(t *testing.T) {
		stub := &Stub{Delay: time.Second}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := stub.Synthesize(ctx, "x")
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}
