package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/adapters/tts"
	"github.com/voxlane/voxlane/pkg/frames"
)

type TTSConfig struct {
	StreamID      string
	CallSID       string
	SampleRate    int
	ChunksPerText int
	EmitAudioDone bool
}

// StreamingTTS emits deterministic silent mulaw chunks for each
// SendText and records everything it was asked to speak.
type StreamingTTS struct {
	cfg     TTSConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	spoken  []string
	flushes int
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.ChunksPerText == 0 {
		cfg.ChunksPerText = 1
	}
	return &StreamingTTS{
		cfg: cfg,
		out: make(chan frames.Frame, 32),
	}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	started := s.started
	if started {
		s.spoken = append(s.spoken, text)
	}
	s.mu.Unlock()
	if !started {
		return errors.New("not started")
	}

	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "tts",
		frames.MetaEncoding: "mulaw",
	}
	for i := 0; i < s.cfg.ChunksPerText; i++ {
		pcm := make([]byte, 160)
		s.out <- frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), pcm, s.cfg.SampleRate, 1, meta)
	}
	if s.cfg.EmitAudioDone {
		s.out <- frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlAudioDone, map[string]string{
			frames.MetaSource: "tts",
		})
	}
	return nil
}

func (s *StreamingTTS) Flush() {
	s.mu.Lock()
	s.flushes++
	out := s.out
	s.mu.Unlock()
	if out == nil {
		return
	}
	for {
		select {
		case <-out:
		default:
			return
		}
	}
}

// Spoken returns the texts passed to SendText so far.
func (s *StreamingTTS) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// Flushes returns how many times Flush was called.
func (s *StreamingTTS) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
