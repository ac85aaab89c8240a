package tts

import (
	"bytes"
	"context"
	"io"
	"time"
)

// Stub is a Synthesizer that returns canned audio bytes after an optional
// delay, without contacting the provider. It backs tests and the
// /concurrent-requests simulation route, which exists precisely so the gate
// can be exercised without spending provider quota.
type Stub struct {
	// Audio is the payload returned for every call. When nil, a fixed
	// MPEG-flavored filler payload is used.
	Audio []byte

	// Delay is how long Synthesize holds before returning, honoring ctx.
	Delay time.Duration

	// Err, when non-nil, is returned instead of audio.
	Err error
}

// defaultStubAudio is large enough that handlers exercising streaming copy
// more than one chunk. The leading bytes mimic an MPEG frame sync.
var defaultStubAudio = append([]byte{0xFF, 0xFB, 0x90, 0x00}, bytes.Repeat([]byte{0x55}, 2048)...)

// Synthesize implements Synthesizer.
func (s *Stub) Synthesize(ctx context.Context, _ string) (io.ReadCloser, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.Err != nil {
		return nil, s.Err
	}

	audio := s.Audio
	if audio == nil {
		audio = defaultStubAudio
	}
	return io.NopCloser(bytes.NewReader(audio)), nil
}
