// Package twilio implements the media-stream transport and outbound
// dialer against the Twilio programmable voice API.
package twilio

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"context"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/voxlane/voxlane/pkg/errorsx"
	"github.com/voxlane/voxlane/pkg/frames"
	twilioclient "github.com/twilio/twilio-go/client"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	FromNumber         string   `mapstructure:"from_number"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport serves the Twilio media-stream websocket and translates
// wire events into frames. One session per active stream.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	mu          sync.Mutex
	sessions    map[string]*session
	callSIDs    map[string]string
	callStreams map[string]string
	traceIDs    map[string]string
	callParams  map[string]map[string]string

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:      make(chan frames.Frame, 512),
		sessions:    make(map[string]*session),
		callSIDs:    make(map[string]string),
		callStreams: make(map[string]string),
		traceIDs:    make(map[string]string),
		callParams:  make(map[string]map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, sess := range t.sessions {
		_ = sess.close()
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt TwilioEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			callSID := evt.Start.CallSID
			streamID = evt.Start.StreamID
			traceID := uuid.NewString()
			oldSess := t.attach(streamID, callSID, traceID, evt.Start, conn)
			if oldSess != nil {
				_ = oldSess.close()
			}
			meta := t.metaForStream(streamID)
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
		case "media":
			if evt.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaEncoding] = "mulaw"
			meta[frames.MetaFormat] = "ulaw_8000_1ch_8bit"
			af := frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, meta)
			nonBlockingSend(t.recvCh, af)
		case "mark":
			if evt.Mark == nil {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaMarkName] = evt.Mark.Name
			nonBlockingSend(t.recvCh, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlMark, meta))
		case "stop":
			meta := t.metaForStream(streamID)
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			meta[frames.MetaCallEndReason] = reason
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
			t.detach(streamID)
			return
		}
	}
	if streamID != "" {
		meta := t.metaForStream(streamID)
		meta[frames.MetaCallEndReason] = normalizeCallEndReason("transport_closed")
		nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
		t.detach(streamID)
	}
}

func (t *Transport) Send(f frames.Frame) error {
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		streamID := cf.Meta()[frames.MetaStreamID]
		switch cf.Code() {
		case frames.ControlClear, frames.ControlCancel:
			return t.clearBuffer(streamID)
		case frames.ControlMark:
			return t.sendMark(streamID, cf.Meta()[frames.MetaMarkName])
		default:
			return nil
		}
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		streamID := af.Meta()[frames.MetaStreamID]
		sess := t.session(streamID)
		if sess == nil {
			return nil
		}
		payload := base64.StdEncoding.EncodeToString(af.RawPayload())
		msg := map[string]any{
			"event":     "media",
			"streamSid": streamID,
			"media": map[string]any{
				"payload": payload,
			},
		}
		err := sess.enqueue(msg)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonTransportSend)
		}
		return nil
	default:
		return nil
	}
}

// handleVoice answers the outbound-call webhook with TwiML that opens
// the media stream. Query parameters on the webhook URL are injected as
// custom stream parameters so they come back in the start event.
func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.websocketURL(r)
	greeting := strings.TrimSpace(t.cfg.VoiceGreeting)

	var b strings.Builder
	b.WriteString(`<Response>`)
	if greeting != "" {
		b.WriteString(`<Say>` + xmlEscape(greeting) + `</Say>`)
	}
	b.WriteString(`<Connect><Stream url="` + wsURL + `">`)
	for _, key := range streamParamKeys {
		if v := r.URL.Query().Get(key); v != "" {
			b.WriteString(`<Parameter name="` + key + `" value="` + xmlEscape(v) + `"/>`)
		}
	}
	b.WriteString(`</Stream></Connect></Response>`)

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(b.String()))
}

// streamParamKeys are the webhook query parameters forwarded into the
// media stream as custom parameters.
var streamParamKeys = []string{"kb_id", "language", "campaign_id", "phone"}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	reason := normalizeCallEndReason(status)
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	streamID := t.streamForCall(callSID)
	if streamID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaCallEndReason] = reason
	nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.VoicePath
	}
	addr := t.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + t.cfg.VoicePath
}

func (t *Transport) statusCallbackURL() string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.StatusCallbackPath
	}
	addr := t.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + t.cfg.StatusCallbackPath
}

func (t *Transport) attach(streamID, callSID, traceID string, start *TwilioStart, conn *websocket.Conn) *session {
	sess := &session{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	var oldSess *session
	t.mu.Lock()
	if callSID != "" {
		if existing := t.callStreams[callSID]; existing != "" && existing != streamID {
			oldSess = t.sessions[existing]
			delete(t.sessions, existing)
			delete(t.callSIDs, existing)
			delete(t.traceIDs, existing)
			delete(t.callParams, existing)
		}
		t.callStreams[callSID] = streamID
	}
	t.sessions[streamID] = sess
	t.callSIDs[streamID] = callSID
	t.traceIDs[streamID] = traceID
	params := map[string]string{}
	for k, v := range start.CustomParameters {
		params[k] = v
	}
	if start.From != "" {
		params["from"] = start.From
	}
	if start.To != "" {
		params["to"] = start.To
	}
	t.callParams[streamID] = params
	t.mu.Unlock()
	go sess.loop()
	return oldSess
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.sessions[streamID]
	callSID := t.callSIDs[streamID]
	delete(t.sessions, streamID)
	delete(t.callSIDs, streamID)
	delete(t.traceIDs, streamID)
	delete(t.callParams, streamID)
	if callSID != "" && t.callStreams[callSID] == streamID {
		delete(t.callStreams, callSID)
	}
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) session(streamID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[streamID]
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "transport",
	}
	if v := t.callSIDs[streamID]; v != "" {
		meta[frames.MetaCallSID] = v
	}
	if v := t.traceIDs[streamID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	params := t.callParams[streamID]
	if v := params["from"]; v != "" {
		meta[frames.MetaFromNumber] = v
	}
	if v := params["to"]; v != "" {
		meta[frames.MetaToNumber] = v
	}
	if v := params["kb_id"]; v != "" {
		meta[frames.MetaKnowledgeBase] = v
	}
	if v := params["language"]; v != "" {
		meta[frames.MetaLanguage] = v
	}
	if v := params["campaign_id"]; v != "" {
		meta[frames.MetaCampaignID] = v
	}
	return meta
}

func (t *Transport) clearBuffer(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	msg := map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	}
	return sess.enqueue(msg)
}

func (t *Transport) sendMark(streamID, name string) error {
	if name == "" {
		return nil
	}
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	msg := map[string]any{
		"event":     "mark",
		"streamSid": streamID,
		"mark": map[string]any{
			"name": name,
		},
	}
	return sess.enqueue(msg)
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *session) close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	return s.conn.Close()
}

type TwilioStart struct {
	CallSID          string            `json:"callSid"`
	StreamID         string            `json:"streamSid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	CustomParameters map[string]string `json:"customParameters"`
}

type TwilioMedia struct {
	Payload string `json:"payload"`
}

type TwilioMark struct {
	Name string `json:"name"`
}

type TwilioStop struct {
	Reason string `json:"reason"`
}

type TwilioEvent struct {
	Event string       `json:"event"`
	Start *TwilioStart `json:"start,omitempty"`
	Media *TwilioMedia `json:"media,omitempty"`
	Mark  *TwilioMark  `json:"mark,omitempty"`
	Stop  *TwilioStop  `json:"stop,omitempty"`
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	if len(v) >= 8 && v[:8] == "https://" {
		return v[8:]
	}
	if len(v) >= 7 && v[:7] == "http://" {
		return v[7:]
	}
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
