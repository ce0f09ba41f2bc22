// Package deepgram implements streaming speech-to-text over the
// Deepgram live websocket API.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/voxlane/voxlane/pkg/adapters/stt"
	"github.com/voxlane/voxlane/pkg/frames"
	"github.com/voxlane/voxlane/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	VADEvents      bool
	EndpointingMS  int
	UtteranceEndMS int
	StreamID       string
	CallSID        string
	TraceID        string
}

// StreamingSTT feeds telephony audio into a Deepgram live session and
// emits transcript text frames plus utterance-boundary control frames.
type StreamingSTT struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *StreamingSTT {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.EndpointingMS == 0 {
		cfg.EndpointingMS = 300
	}
	if cfg.UtteranceEndMS == 0 {
		cfg.UtteranceEndMS = 1000
	}

	baseLogger := slog.Default()
	logger := logging.NewComponentLogger(baseLogger, "deepgram_stt")

	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logger,
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		Channels:       1,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
		Endpointing:    fmt.Sprintf("%d", s.cfg.EndpointingMS),
		UtteranceEndMs: fmt.Sprintf("%d", s.cfg.UtteranceEndMS),
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("call_sid", s.cfg.CallSID),
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}

	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
		return err
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("stream_id", s.cfg.StreamID))
		return fmt.Errorf("deepgram connection failed")
	}

	s.logger.Info("deepgram_connected",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("call_sid", s.cfg.CallSID))

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", s.cfg.StreamID))
		}
	}()

	return nil
}

func (s *StreamingSTT) Close() error {
	s.logger.Info("closing deepgram connection",
		slog.String("stream_id", s.cfg.StreamID))

	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := s.pipeWriter.Write(frame.RawPayload())
	if err != nil {
		s.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
	}
	return err
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

// --- Callback Implementation ---

type callback struct {
	parent *StreamingSTT
}

func (c *callback) baseMeta() map[string]string {
	meta := map[string]string{
		frames.MetaStreamID: c.parent.cfg.StreamID,
		frames.MetaCallSID:  c.parent.cfg.CallSID,
		frames.MetaSource:   "stt",
	}
	if c.parent.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = c.parent.cfg.TraceID
	}
	return meta
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}

	meta := c.baseMeta()
	meta[frames.MetaIsFinal] = fmt.Sprintf("%t", mr.IsFinal)
	meta[frames.MetaSpeechFinal] = fmt.Sprintf("%t", mr.SpeechFinal)

	c.parent.logger.Debug("transcript_received",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("transcript", transcript),
		slog.Bool("is_final", mr.IsFinal),
		slog.Bool("speech_final", mr.SpeechFinal))

	f := frames.NewTextFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), transcript, meta)

	select {
	case c.parent.out <- f:
	default:
		c.parent.logger.Warn("deepgram_out_channel_full",
			slog.String("stream_id", c.parent.cfg.StreamID))
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	meta := c.baseMeta()
	meta[frames.MetaReason] = "utterance_end"

	c.parent.logger.Info("utterance_end_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.Int("utterance_end_ms", c.parent.cfg.UtteranceEndMS))

	f := frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlUtteranceEnd, meta)

	select {
	case c.parent.out <- f:
	default:
		c.parent.logger.Warn("failed_to_emit_utterance_end",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("reason", "channel_full"))
	}
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("data", string(byData)))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
