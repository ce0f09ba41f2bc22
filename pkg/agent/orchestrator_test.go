package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sttadapter "github.com/voxlane/voxlane/pkg/adapters/stt"
	ttsadapter "github.com/voxlane/voxlane/pkg/adapters/tts"
	"github.com/voxlane/voxlane/pkg/frames"
	"github.com/voxlane/voxlane/pkg/ledger"
	"github.com/voxlane/voxlane/pkg/llm"
	"github.com/voxlane/voxlane/pkg/metrics"
	"github.com/voxlane/voxlane/pkg/providers/mock"
	"github.com/voxlane/voxlane/pkg/session"
	"github.com/voxlane/voxlane/pkg/transports"
	mocktransport "github.com/voxlane/voxlane/pkg/transports/mock"
	"github.com/voxlane/voxlane/pkg/turn"
)

const (
	testStreamID = "MZtest"
	testCallSID  = "CAtest"
)

// scriptSTT is a recognizer whose results the test script pushes
// directly, so transcript timing is fully deterministic.
type scriptSTT struct {
	startErr error

	mu      sync.Mutex
	started bool
	closed  int
	sent    int
	out     chan frames.Frame
}

func newScriptSTT() *scriptSTT {
	return &scriptSTT{out: make(chan frames.Frame, 32)}
}

func (s *scriptSTT) Name() string { return "script_stt" }

func (s *scriptSTT) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *scriptSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *scriptSTT) SendAudio(frames.AudioFrame) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

func (s *scriptSTT) Results() <-chan frames.Frame { return s.out }

func (s *scriptSTT) Emit(f frames.Frame) { s.out <- f }

func (s *scriptSTT) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *scriptSTT) ClosedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ sttadapter.StreamingSTT = (*scriptSTT)(nil)

// blockingEngine holds every Stream call until released, keeping a
// response in flight for as long as the test needs.
type blockingEngine struct {
	inner   *mock.LLMAdapter
	release chan struct{}
}

func newBlockingEngine(inner *mock.LLMAdapter) *blockingEngine {
	return &blockingEngine{inner: inner, release: make(chan struct{})}
}

func (e *blockingEngine) Name() string { return "blocking_llm" }

func (e *blockingEngine) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	return e.inner.Generate(ctx, req)
}

func (e *blockingEngine) Stream(ctx context.Context, req llm.Request) (<-chan string, error) {
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.inner.Stream(ctx, req)
}

// flakyEngine fails a set number of Generate calls before delegating,
// imitating a provider that rate-limits briefly.
type flakyEngine struct {
	inner *mock.LLMAdapter

	mu    sync.Mutex
	fails int
	calls int
}

func (e *flakyEngine) Name() string { return "flaky_llm" }

func (e *flakyEngine) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	e.mu.Lock()
	e.calls++
	fail := e.fails > 0
	if fail {
		e.fails--
	}
	e.mu.Unlock()
	if fail {
		return llm.Response{}, errors.New("rate limited")
	}
	return e.inner.Generate(ctx, req)
}

func (e *flakyEngine) Stream(ctx context.Context, req llm.Request) (<-chan string, error) {
	return e.inner.Stream(ctx, req)
}

func (e *flakyEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type rig struct {
	tr    *mocktransport.Transport
	stt   *scriptSTT
	tts   *mock.StreamingTTS
	store *ledger.MemoryStore
	obs   *metrics.MemoryObserver
	pool  *session.Pool
	o     *Orchestrator
}

func newRig(t *testing.T, engine llm.Adapter, mutate func(*Call)) *rig {
	t.Helper()
	r := &rig{
		tr:    mocktransport.New(),
		stt:   newScriptSTT(),
		tts:   mock.NewTTS(mock.TTSConfig{StreamID: testStreamID, CallSID: testCallSID, EmitAudioDone: true}),
		store: ledger.NewMemoryStore(),
		obs:   metrics.NewMemoryObserver(),
	}
	r.pool = session.NewPool(session.Factory{
		NewSTT: func(session.Config) sttadapter.StreamingSTT { return r.stt },
		NewTTS: func(session.Config) ttsadapter.StreamingTTS { return r.tts },
	})
	call := &Call{
		ID:        CallIdentifier(testCallSID, time.Now()),
		StreamID:  testStreamID,
		CallSID:   testCallSID,
		Language:  DefaultProfiles().Resolve("en"),
		StartedAt: time.Now(),
	}
	if mutate != nil {
		mutate(call)
	}
	deps := managerDeps{
		transport: r.tr,
		pool:      r.pool,
		engine:    engine,
		store:     r.store,
		obs:       r.obs,
	}
	r.o = newOrchestrator(call, deps, PipelineConfig{
		SystemPrompt:     "You are a helpful phone assistant.",
		SynthIdleTimeout: 200 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.o.run(ctx)
	waitFor(t, time.Second, func() bool { return r.o.Phase() == PhaseActive })
	return r
}

func (r *rig) endCall(t *testing.T, reason string) {
	t.Helper()
	r.o.Deliver(frames.NewSystemFrame(testStreamID, time.Now().UnixNano(), "call_end", map[string]string{
		frames.MetaCallEndReason: reason,
	}))
	select {
	case <-r.o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finalize")
	}
}

func finalText(text string, speechFinal bool) frames.TextFrame {
	return frames.NewTextFrame(testStreamID, time.Now().UnixNano(), text, map[string]string{
		frames.MetaIsFinal:     "true",
		frames.MetaSpeechFinal: fmt.Sprintf("%t", speechFinal),
	})
}

func markAck(name string) frames.ControlFrame {
	return frames.NewControlFrame(testStreamID, time.Now().UnixNano(), frames.ControlMark, map[string]string{
		frames.MetaMarkName: name,
	})
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func TestUtteranceProducesMarkedResponse(t *testing.T) {
	engine := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{"We open ", "at nine."}})
	r := newRig(t, engine, nil)

	r.stt.Emit(finalText("what are your opening hours", true))

	waitFor(t, 2*time.Second, func() bool {
		return len(r.tr.SentControls(frames.ControlMark)) == 1
	})
	mark := r.tr.SentControls(frames.ControlMark)[0]
	if got := mark.Meta()[frames.MetaMarkName]; got != "response_end_1" {
		t.Fatalf("mark name = %q, want response_end_1", got)
	}
	if len(r.tr.SentControls(frames.ControlClear)) == 0 {
		t.Fatal("expected a clear before the response audio")
	}
	if len(r.tr.SentAudio()) == 0 {
		t.Fatal("expected synthesized audio on the transport")
	}

	r.o.Deliver(markAck("response_end_1"))
	waitFor(t, time.Second, func() bool { return r.o.gate.State() == turn.StateListening })

	r.endCall(t, "completed")

	rec, err := r.store.GetCall(context.Background(), r.o.call.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if rec.Status != ledger.CallCompleted {
		t.Fatalf("status = %q, want %q", rec.Status, ledger.CallCompleted)
	}
	if len(rec.Transcript) != 2 {
		t.Fatalf("transcript entries = %d, want 2", len(rec.Transcript))
	}
	if rec.Transcript[1].Text != "We open at nine." {
		t.Fatalf("assistant transcript = %q", rec.Transcript[1].Text)
	}
	if rec.Summary == "" {
		t.Fatal("expected a summary on the finalized record")
	}
	if rec.LeadLabel != "cold" {
		t.Fatalf("lead label = %q, want cold", rec.LeadLabel)
	}
}

func TestFragmentsAssembleIntoOneUtterance(t *testing.T) {
	engine := mock.NewLLMAdapter(mock.LLMConfig{})
	r := newRig(t, engine, nil)

	r.stt.Emit(finalText("hello", false))
	r.stt.Emit(finalText("how are you", false))
	r.stt.Emit(frames.NewControlFrame(testStreamID, time.Now().UnixNano(), frames.ControlUtteranceEnd, nil))

	waitFor(t, 2*time.Second, func() bool { return len(engine.Requests()) == 1 })

	msgs := engine.Requests()[0].Messages
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleUser || last.Content != "hello how are you" {
		t.Fatalf("user message = %q %q, want user %q", last.Role, last.Content, "hello how are you")
	}
}

func TestNoiseUtteranceNeverReachesEngine(t *testing.T) {
	engine := mock.NewLLMAdapter(mock.LLMConfig{})
	r := newRig(t, engine, nil)

	r.stt.Emit(finalText("Thank you for watching", true))
	r.stt.Emit(finalText("...", true))

	time.Sleep(100 * time.Millisecond)
	if n := len(engine.Requests()); n != 0 {
		t.Fatalf("engine requests = %d, want 0", n)
	}
	if n := len(r.tr.SentAudio()); n != 0 {
		t.Fatalf("audio frames sent = %d, want 0", n)
	}
	if n := r.obs.Count(metrics.EventTurnStarted); n != 0 {
		t.Fatalf("turns started = %d, want 0", n)
	}
}

func TestUtteranceDroppedWhileResponseInFlight(t *testing.T) {
	engine := newBlockingEngine(mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "sure."}))
	r := newRig(t, engine, nil)

	r.stt.Emit(finalText("tell me about the plans", true))
	waitFor(t, time.Second, func() bool { return r.obs.Count(metrics.EventTurnStarted) == 1 })

	// The first response is still generating; a second utterance must
	// be dropped, not queued.
	r.stt.Emit(finalText("are you there", true))
	waitFor(t, time.Second, func() bool { return r.obs.Count(metrics.EventUtteranceDropped) == 1 })

	close(engine.release)
	waitFor(t, 2*time.Second, func() bool {
		return len(r.tr.SentControls(frames.ControlMark)) == 1
	})
	r.o.Deliver(markAck("response_end_1"))
	waitFor(t, time.Second, func() bool { return r.o.gate.State() == turn.StateListening })

	// After the mark acknowledgment a new utterance goes through.
	r.stt.Emit(finalText("tell me more", true))
	waitFor(t, 2*time.Second, func() bool {
		return len(r.tr.SentControls(frames.ControlMark)) == 2
	})
	if got := r.tr.SentControls(frames.ControlMark)[1].Meta()[frames.MetaMarkName]; got != "response_end_2" {
		t.Fatalf("second mark = %q, want response_end_2", got)
	}
}

func TestCallerAudioDroppedWhileSpeaking(t *testing.T) {
	engine := mock.NewLLMAdapter(mock.LLMConfig{})
	r := newRig(t, engine, nil)

	audio := func() frames.AudioFrame {
		return frames.NewAudioFrame(testStreamID, time.Now().UnixNano(), make([]byte, 160), 8000, 1, nil)
	}

	r.o.handleAudio(audio())
	if got := r.stt.SentCount(); got != 1 {
		t.Fatalf("forwarded while listening = %d, want 1", got)
	}

	if !r.o.gate.TryBeginResponse() {
		t.Fatal("gate should be free")
	}
	r.o.gate.BeginSpeaking()
	r.o.handleAudio(audio())
	if got := r.stt.SentCount(); got != 1 {
		t.Fatalf("audio forwarded while speaking, recognizer saw %d frames", got)
	}

	r.o.gate.OnMarkAck()
	r.o.handleAudio(audio())
	if got := r.stt.SentCount(); got != 2 {
		t.Fatalf("forwarded after mark ack = %d, want 2", got)
	}
}

func TestFinalizeIsIdempotentAndBestEffort(t *testing.T) {
	engine := mock.NewLLMAdapter(mock.LLMConfig{Err: errors.New("engine down")})
	r := newRig(t, engine, func(c *Call) { c.CampaignID = "" })

	r.o.call.AppendTurn("hi", "hello there")
	r.endCall(t, "completed")

	// Summary and lead classification failed; the record still lands
	// with the safe defaults.
	rec, err := r.store.GetCall(context.Background(), r.o.call.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if rec.Status != ledger.CallCompleted {
		t.Fatalf("status = %q, want completed", rec.Status)
	}
	if rec.Summary != "" {
		t.Fatalf("summary = %q, want empty", rec.Summary)
	}
	if rec.LeadLabel != "cold" {
		t.Fatalf("lead label = %q, want cold", rec.LeadLabel)
	}

	// A second finalize is a no-op.
	r.o.finalize("again", ledger.CallFailed)
	rec, _ = r.store.GetCall(context.Background(), r.o.call.ID)
	if rec.Status != ledger.CallCompleted {
		t.Fatalf("status after repeat finalize = %q, want completed", rec.Status)
	}
	if n := r.obs.Count(metrics.EventCallEnded); n != 1 {
		t.Fatalf("call_ended events = %d, want 1", n)
	}
	if n := r.pool.Count(); n != 0 {
		t.Fatalf("pool entries after finalize = %d, want 0", n)
	}
}

func TestFinalizeRetriesTransientSummary(t *testing.T) {
	engine := &flakyEngine{
		inner: mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "Caller asked about opening hours."}),
		fails: 1,
	}
	r := newRig(t, engine, nil)

	r.o.call.AppendTurn("what are your opening hours", "we open at nine")
	r.endCall(t, "completed")

	rec, err := r.store.GetCall(context.Background(), r.o.call.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if rec.Summary == "" {
		t.Fatal("summary lost to a transient engine failure")
	}
	if rec.LeadLabel != "cold" {
		t.Fatalf("lead label = %q, want cold", rec.LeadLabel)
	}
	// Two summary attempts plus one classification.
	if got := engine.Calls(); got != 3 {
		t.Fatalf("generate calls = %d, want 3", got)
	}
}

func TestHotLeadIncrementsCampaignCounters(t *testing.T) {
	engine := mock.NewLLMAdapter(mock.LLMConfig{ResponseText: "hot"})
	r := newRig(t, engine, func(c *Call) { c.CampaignID = "camp_1" })

	if err := r.store.CreateCampaign(context.Background(), &ledger.Campaign{
		ID:           "camp_1",
		Name:         "Q3 outreach",
		PhoneNumbers: []string{"+15550000001"},
		Status:       ledger.CampaignProcessing,
	}); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	r.o.call.AppendTurn("yes I want to buy", "great, signing you up")
	r.endCall(t, "completed")

	camp, err := r.store.GetCampaign(context.Background(), "camp_1")
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if camp.Progress.HotLeads != 1 || camp.Progress.ColdLeads != 0 {
		t.Fatalf("lead counters = hot %d cold %d, want 1/0", camp.Progress.HotLeads, camp.Progress.ColdLeads)
	}
}

func TestAcquireFailureClosesCallAsFailed(t *testing.T) {
	tr := mocktransport.New()
	badSTT := newScriptSTT()
	badSTT.startErr = errors.New("recognizer unavailable")
	pool := session.NewPool(session.Factory{
		NewSTT: func(session.Config) sttadapter.StreamingSTT { return badSTT },
		NewTTS: func(session.Config) ttsadapter.StreamingTTS { return mock.NewTTS(mock.TTSConfig{}) },
	})
	obs := metrics.NewMemoryObserver()
	o := newOrchestrator(&Call{
		ID:        "call_bad_1",
		StreamID:  testStreamID,
		CallSID:   testCallSID,
		StartedAt: time.Now(),
	}, managerDeps{
		transport: tr,
		pool:      pool,
		engine:    mock.NewLLMAdapter(mock.LLMConfig{}),
		store:     ledger.NewMemoryStore(),
		obs:       obs,
	}, PipelineConfig{})

	go o.run(context.Background())
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not close after acquire failure")
	}
	if o.Phase() != PhaseClosed {
		t.Fatalf("phase = %v, want CLOSED", o.Phase())
	}
	if n := obs.Count(metrics.EventCallEnded); n != 1 {
		t.Fatalf("call_ended events = %d, want 1", n)
	}
}

func TestManagerRoutesCallStartAndReaps(t *testing.T) {
	tr := mocktransport.New()
	stt := newScriptSTT()
	pool := session.NewPool(session.Factory{
		NewSTT: func(session.Config) sttadapter.StreamingSTT { return stt },
		NewTTS: func(session.Config) ttsadapter.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{StreamID: testStreamID, EmitAudioDone: true})
		},
	})
	store := ledger.NewMemoryStore()
	m := NewManager(tr, pool, mock.NewLLMAdapter(mock.LLMConfig{}), nil, store, metrics.NewMemoryObserver(), ManagerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	tr.Inject(frames.NewSystemFrame(testStreamID, time.Now().UnixNano(), "call_start", map[string]string{
		frames.MetaCallSID:       testCallSID,
		frames.MetaLanguage:      "hi",
		frames.MetaKnowledgeBase: "kb_demo",
		frames.MetaCampaignID:    "camp_9",
		frames.MetaToNumber:      "+15550001234",
	}))

	waitFor(t, 2*time.Second, func() bool { return m.ActiveCalls() == 1 })

	tr.Inject(frames.NewSystemFrame(testStreamID, time.Now().UnixNano(), "call_end", map[string]string{
		frames.MetaCallEndReason: "completed",
	}))
	waitFor(t, 2*time.Second, func() bool { return m.ActiveCalls() == 0 })

	var rec *ledger.CallRecord
	waitFor(t, 2*time.Second, func() bool {
		got, err := findCallBySID(store, testCallSID)
		if err != nil {
			return false
		}
		rec = got
		return rec.Status == ledger.CallCompleted
	})
	if !strings.HasPrefix(rec.ID, "call_"+testCallSID+"_") {
		t.Fatalf("call id = %q, want call_%s_<ts> shape", rec.ID, testCallSID)
	}
	if rec.Language != "hi" || rec.KnowledgeBaseID != "kb_demo" || rec.CampaignID != "camp_9" {
		t.Fatalf("start parameters not carried onto the record: %+v", rec)
	}
	if rec.PhoneNumber != "+15550001234" {
		t.Fatalf("phone = %q", rec.PhoneNumber)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func findCallBySID(store *ledger.MemoryStore, sid string) (*ledger.CallRecord, error) {
	recs, err := store.ListCalls(context.Background())
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.CallSID == sid {
			return rec, nil
		}
	}
	return nil, errors.New("call not found")
}

var _ transports.Transport = (*mocktransport.Transport)(nil)
