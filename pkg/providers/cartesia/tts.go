// Package cartesia implements streaming text-to-speech over the
// Cartesia websocket API, emitting telephony-ready mulaw audio.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxlane/voxlane/pkg/adapters/tts"
	"github.com/voxlane/voxlane/pkg/frames"
	"github.com/voxlane/voxlane/pkg/logging"
	"github.com/voxlane/voxlane/pkg/resilience"
)

const (
	wsEndpoint      = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2024-06-10"
	recvTimeout     = 2 * time.Second
)

type Config struct {
	APIKey     string
	ModelID    string
	VoiceID    string
	Language   string
	SampleRate int
	StreamID   string
	CallSID    string
}

// CartesiaTTS holds one websocket per call. Each SendText opens a fresh
// synthesis context; Flush abandons the active context so any audio
// still in flight for it is dropped.
type CartesiaTTS struct {
	cfg    Config
	conn   *websocket.Conn
	out    chan frames.Frame
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu        sync.Mutex
	activeCtx string
}

type streamingRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceSpec    `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
	ContextID    string       `json:"context_id"`
	Language     string       `json:"language,omitempty"`
	Continue     bool         `json:"continue,omitempty"`
}

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cancelRequest struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

type wsResponse struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
}

func New(cfg Config) *CartesiaTTS {
	if cfg.ModelID == "" {
		cfg.ModelID = "sonic-multilingual"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	return &CartesiaTTS{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(slog.Default(), "cartesia_tts"),
	}
}

func (s *CartesiaTTS) Name() string { return "cartesia_tts" }

func (s *CartesiaTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing cartesia config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	q := url.Values{}
	q.Set("api_key", s.cfg.APIKey)
	q.Set("cartesia_version", cartesiaVersion)
	u := wsEndpoint + "?" + q.Encode()

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(s.ctx, u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("cartesia_rate_limited",
				slog.String("stream_id", s.cfg.StreamID),
				slog.String("status", resp.Status))
			return &resilience.RateLimitError{Err: err}
		}
		s.logger.Error("cartesia_connect_failed",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return err
	}
	s.conn = conn

	s.logger.Info("cartesia_connected",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("call_sid", s.cfg.CallSID),
		slog.String("model_id", s.cfg.ModelID),
		slog.String("voice_id", s.cfg.VoiceID))

	go s.readLoop()
	return nil
}

func (s *CartesiaTTS) Close() error {
	s.logger.Info("tts_close",
		slog.String("stream_id", s.cfg.StreamID))
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}

// SendText starts a new synthesis context for text. Audio for any
// previous context is still delivered until Flush is called.
func (s *CartesiaTTS) SendText(text string) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	ctxID := fmt.Sprintf("ctx_%d", time.Now().UnixMilli())
	s.mu.Lock()
	s.activeCtx = ctxID
	s.mu.Unlock()

	req := streamingRequest{
		ModelID:    s.cfg.ModelID,
		Transcript: text,
		Voice:      voiceSpec{Mode: "id", ID: s.cfg.VoiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_mulaw",
			SampleRate: s.cfg.SampleRate,
		},
		ContextID: ctxID,
		Language:  s.cfg.Language,
	}

	s.logger.Debug("tts_request_sent",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("context_id", ctxID),
		slog.Int("text_len", len(text)))

	return s.writeJSON(req)
}

// Flush abandons the active context and purges any buffered audio so
// nothing stale is played after an interruption.
func (s *CartesiaTTS) Flush() {
	s.mu.Lock()
	ctxID := s.activeCtx
	s.activeCtx = ""
	s.mu.Unlock()

	if ctxID != "" && s.conn != nil {
		_ = s.writeJSON(cancelRequest{ContextID: ctxID, Cancel: true})
	}

drainLoop:
	for {
		select {
		case f := <-s.out:
			frames.ReleaseAudioFrame(f)
		default:
			break drainLoop
		}
	}
	s.logger.Info("tts_channel_purged",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("context_id", ctxID))
}

func (s *CartesiaTTS) Results() <-chan frames.Frame { return s.out }

func (s *CartesiaTTS) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() == nil {
				s.logger.Error("tts_read_error",
					slog.String("stream_id", s.cfg.StreamID),
					slog.String("error", err.Error()))
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *CartesiaTTS) handleMessage(data []byte) {
	var msg wsResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("tts_unparseable_message",
			slog.String("stream_id", s.cfg.StreamID))
		return
	}

	s.mu.Lock()
	active := s.activeCtx
	s.mu.Unlock()
	if msg.ContextID != "" && msg.ContextID != active {
		// Late audio from an abandoned context.
		return
	}

	switch {
	case msg.Type == "error" || msg.Error != "":
		s.logger.Error("tts_stream_error",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("context_id", msg.ContextID),
			slog.String("error", msg.Error))
	case msg.Type == "done" || msg.Done:
		s.emitDone(msg.ContextID)
	case msg.Type == "chunk" && msg.Data != "":
		s.emitChunk(msg)
	}
}

func (s *CartesiaTTS) emitChunk(msg wsResponse) {
	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		s.logger.Error("tts_audio_decode_error",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return
	}

	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "cartesia",
		frames.MetaEncoding: "mulaw",
	}

	f := frames.NewAudioFrameFromPool(s.cfg.StreamID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, meta)
	select {
	case s.out <- f:
	default:
		frames.ReleaseAudioFrame(f)
		s.logger.Warn("tts_output_buffer_full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

func (s *CartesiaTTS) emitDone(ctxID string) {
	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "cartesia",
	}
	f := frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlAudioDone, meta)
	select {
	case s.out <- f:
	default:
	}
	s.logger.Debug("tts_context_done",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("context_id", ctxID))
}

func (s *CartesiaTTS) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.StreamingTTS = (*CartesiaTTS)(nil)
