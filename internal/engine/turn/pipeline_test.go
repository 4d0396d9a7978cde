package turn_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe/internal/engine/turn"
	"github.com/voxpipe/voxpipe/pkg/provider/asr"
	asrmock "github.com/voxpipe/voxpipe/pkg/provider/asr/mock"
	"github.com/voxpipe/voxpipe/pkg/provider/gen"
	genmock "github.com/voxpipe/voxpipe/pkg/provider/gen/mock"
	"github.com/voxpipe/voxpipe/pkg/provider/synth"
	synthmock "github.com/voxpipe/voxpipe/pkg/provider/synth/mock"
)

const (
	frameInterrupt = "interrupt"
	frameAudio     = "audio"
	frameComplete  = "audio_complete"
)

type emittedFrame struct {
	kind string
	pcm  []byte
}

// fakeEmitter records frames in emission order and can fail any frame type.
type fakeEmitter struct {
	mu     sync.Mutex
	frames []emittedFrame

	interruptErr error
	audioErr     error
	completeErr  error
}

func (e *fakeEmitter) SendInterrupt(ctx context.Context) error {
	return e.record(frameInterrupt, nil, e.interruptErr)
}

func (e *fakeEmitter) SendAudio(ctx context.Context, pcm []byte) error {
	return e.record(frameAudio, pcm, e.audioErr)
}

func (e *fakeEmitter) SendAudioComplete(ctx context.Context) error {
	return e.record(frameComplete, nil, e.completeErr)
}

func (e *fakeEmitter) record(kind string, pcm []byte, err error) error {
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	e.frames = append(e.frames, emittedFrame{kind: kind, pcm: buf})
	return nil
}

func (e *fakeEmitter) kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.frames))
	for i, f := range e.frames {
		out[i] = f.kind
	}
	return out
}

func (e *fakeEmitter) count(kind string) int {
	n := 0
	for _, k := range e.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type archivedExchange struct {
	sessionID string
	ex        turn.Exchange
}

type fakeArchiver struct {
	mu    sync.Mutex
	err   error
	calls []archivedExchange
}

func (a *fakeArchiver) ArchiveExchange(ctx context.Context, sessionID string, ex turn.Exchange) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, archivedExchange{sessionID: sessionID, ex: ex})
	return a.err
}

func testPipelineConfig() turn.Config {
	return turn.Config{
		SystemPrompt:        "You are a concise voice assistant.",
		SampleRate:          16000,
		InitialMinChars:     20,
		RemainingChunkChars: 20,
	}
}

type pipelineEnv struct {
	pipeline *turn.Pipeline
	coord    *turn.Coordinator
	history  *turn.History
	emitter  *fakeEmitter
}

func newPipelineEnv(t *testing.T, rec *asrmock.Provider, g *genmock.Provider, s *synthmock.Provider, opts ...turn.PipelineOption) pipelineEnv {
	t.Helper()
	env := pipelineEnv{
		coord:   turn.NewCoordinator(nil),
		history: turn.NewHistory(4),
		emitter: &fakeEmitter{},
	}
	var recognize asr.Provider
	if rec != nil {
		recognize = rec
	}
	p, err := turn.NewPipeline(testPipelineConfig(), recognize, g, s, env.coord, env.history, env.emitter, opts...)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	env.pipeline = p
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunEmitsFramesInOrder(t *testing.T) {
	t.Parallel()

	g := &genmock.Provider{Chunks: []gen.Chunk{
		{Text: "Here is the first sentence. "},
		{Text: "Then a second one arrives. "},
		{Text: "Done."},
	}}
	s := &synthmock.Provider{}
	env := newPipelineEnv(t, nil, g, s)

	if err := env.pipeline.Run(context.Background(), turn.Input{Text: "Tell me something."}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	kinds := env.emitter.kinds()
	if len(kinds) < 3 || kinds[0] != frameInterrupt || kinds[len(kinds)-1] != frameComplete {
		t.Fatalf("frames = %v, want interrupt first and audio_complete last", kinds)
	}
	for _, k := range kinds[1 : len(kinds)-1] {
		if k != frameAudio {
			t.Fatalf("frames = %v, want only audio between interrupt and completion", kinds)
		}
	}

	calls := s.RecordedCalls()
	if len(calls) == 0 {
		t.Fatal("no synthesis calls recorded")
	}
	if calls[0].Policy != synth.SplitMinimal {
		t.Errorf("initial chunk policy = %q, want %q", calls[0].Policy, synth.SplitMinimal)
	}
	if calls[0].Text != "Here is the first sentence." {
		t.Errorf("initial chunk text = %q", calls[0].Text)
	}
	for _, c := range calls[1:] {
		if c.Policy != synth.SplitPunctuation {
			t.Errorf("remaining chunk %q policy = %q, want %q", c.Text, c.Policy, synth.SplitPunctuation)
		}
	}

	if env.history.Len() != 1 {
		t.Fatalf("history Len() = %d, want 1", env.history.Len())
	}
	ex := env.history.Exchanges()[0]
	if ex.Cancelled {
		t.Error("completed turn persisted as cancelled")
	}
	if !strings.HasPrefix(ex.AssistantText, "Here is the first sentence.") || !strings.HasSuffix(ex.AssistantText, "Done.") {
		t.Errorf("assistant text = %q, want full reply", ex.AssistantText)
	}
	if env.coord.Playing() {
		t.Error("coordinator still playing after completed turn")
	}
}

func TestRunNoiseSentinelSuppressesOutput(t *testing.T) {
	t.Parallel()

	g := &genmock.Provider{Chunks: []gen.Chunk{{Text: "NOISE_DETECTED"}}}
	env := newPipelineEnv(t, nil, g, &synthmock.Provider{})

	if err := env.pipeline.Run(context.Background(), turn.Input{Text: "rustling sounds"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if frames := env.emitter.kinds(); len(frames) != 0 {
		t.Errorf("frames = %v, want none for a noise turn", frames)
	}
	if env.history.Len() != 1 {
		t.Fatalf("history Len() = %d, want the noise exchange recorded", env.history.Len())
	}
	if got := env.history.Exchanges()[0].AssistantText; got != "NOISE_DETECTED" {
		t.Errorf("assistant text = %q, want the sentinel", got)
	}
	if env.coord.Playing() {
		t.Error("coordinator still playing after noise turn")
	}
}

func TestRunBargeInPersistsPartialExchange(t *testing.T) {
	t.Parallel()

	// The stream emits one full sentence and then stalls mid-generation.
	g := &genmock.Provider{
		Chunks:    []gen.Chunk{{Text: "This is a complete first sentence. "}},
		Hang:      true,
		HangAfter: 1,
	}
	env := newPipelineEnv(t, nil, g, &synthmock.Provider{})

	runDone := make(chan error, 1)
	go func() {
		runDone <- env.pipeline.Run(context.Background(), turn.Input{Text: "keep talking"})
	}()

	waitFor(t, "initial audio frame", func() bool {
		return env.emitter.count(frameAudio) >= 1
	})

	env.coord.CancelCurrent(context.Background())

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned %v, cancellation must not be an error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not unwind after CancelCurrent")
	}

	if env.emitter.count(frameComplete) != 0 {
		t.Error("cancelled turn emitted audio_complete")
	}
	if env.history.Len() != 1 {
		t.Fatalf("history Len() = %d, want the partial exchange", env.history.Len())
	}
	ex := env.history.Exchanges()[0]
	if !ex.Cancelled {
		t.Error("partial exchange not marked cancelled")
	}
	if ex.AssistantText != "This is a complete first sentence." {
		t.Errorf("partial assistant text = %q", ex.AssistantText)
	}
	if env.coord.Playing() {
		t.Error("coordinator still playing after cancellation")
	}
}

func TestRunSynthesisFailureDegradesToSilence(t *testing.T) {
	t.Parallel()

	g := &genmock.Provider{Chunks: []gen.Chunk{{Text: "A perfectly good sentence. "}}}
	s := &synthmock.Provider{Err: errors.New("tts backend down")}
	env := newPipelineEnv(t, nil, g, s)

	if err := env.pipeline.Run(context.Background(), turn.Input{Text: "say something"}); err != nil {
		t.Fatalf("Run returned %v, engine failures must not end the session", err)
	}

	if got := env.emitter.count(frameAudio); got != 0 {
		t.Errorf("audio frames = %d, want 0", got)
	}
	if env.emitter.count(frameComplete) != 0 {
		t.Error("failed turn emitted audio_complete")
	}
	if env.coord.Playing() {
		t.Error("coordinator still playing after failed turn")
	}
}

func TestRunGenerationStartFailure(t *testing.T) {
	t.Parallel()

	g := &genmock.Provider{Err: errors.New("model unreachable")}
	env := newPipelineEnv(t, nil, g, &synthmock.Provider{})

	if err := env.pipeline.Run(context.Background(), turn.Input{Text: "hello"}); err != nil {
		t.Fatalf("Run returned %v, engine failures must not end the session", err)
	}
	if frames := env.emitter.kinds(); len(frames) != 0 {
		t.Errorf("frames = %v, want none", frames)
	}
	if env.history.Len() != 0 {
		t.Errorf("history Len() = %d, want 0 for a failed turn", env.history.Len())
	}
}

func TestRunFillerTranscriptSkipsTurn(t *testing.T) {
	t.Parallel()

	rec := &asrmock.Provider{Text: "Um..."}
	g := &genmock.Provider{Chunks: []gen.Chunk{{Text: "should never be requested"}}}
	env := newPipelineEnv(t, rec, g, &synthmock.Provider{})

	if err := env.pipeline.Run(context.Background(), turn.Input{PCM: make([]byte, 3200)}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if g.CallCount() != 0 {
		t.Error("generation requested for a filler transcript")
	}
	if frames := env.emitter.kinds(); len(frames) != 0 {
		t.Errorf("frames = %v, want none", frames)
	}
	if env.history.Len() != 0 {
		t.Errorf("history Len() = %d, want 0", env.history.Len())
	}
}

func TestRunTranscribesAudioInput(t *testing.T) {
	t.Parallel()

	rec := &asrmock.Provider{Text: " What's the weather like? "}
	g := &genmock.Provider{Chunks: []gen.Chunk{{Text: "Sunny all day today. "}}}
	env := newPipelineEnv(t, rec, g, &synthmock.Provider{})

	pcm := make([]byte, 6400)
	if err := env.pipeline.Run(context.Background(), turn.Input{PCM: pcm}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rec.CallCount() != 1 {
		t.Fatalf("Transcribe calls = %d, want 1", rec.CallCount())
	}
	if rec.Calls[0].SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rec.Calls[0].SampleRate)
	}
	req := g.StreamCalls[0].Req
	last := req.Messages[len(req.Messages)-1]
	if last.Role != gen.RoleUser || last.Content != "What's the weather like?" {
		t.Errorf("last request message = %+v, want trimmed transcript as user text", last)
	}
	if got := env.history.Exchanges()[0].UserText; got != "What's the weather like?" {
		t.Errorf("persisted user text = %q", got)
	}
}

func TestRunIncludesHistoryAndSystemPrompt(t *testing.T) {
	t.Parallel()

	g := &genmock.Provider{Chunks: []gen.Chunk{{Text: "Right, as I said before. "}}}
	env := newPipelineEnv(t, nil, g, &synthmock.Provider{})
	env.history.Append(turn.Exchange{UserText: "earlier question", AssistantText: "earlier answer"})

	if err := env.pipeline.Run(context.Background(), turn.Input{Text: "follow-up"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	req := g.StreamCalls[0].Req
	if req.SystemPrompt != testPipelineConfig().SystemPrompt {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("request messages = %d, want prior exchange plus new user text", len(req.Messages))
	}
	if req.Messages[0].Content != "earlier question" || req.Messages[1].Content != "earlier answer" {
		t.Errorf("history messages = %+v", req.Messages[:2])
	}
}

func TestRunAttachesVisionSnapshot(t *testing.T) {
	t.Parallel()

	g := &genmock.Provider{Chunks: []gen.Chunk{{Text: "I can see a desk lamp. "}}}
	snapshot := []byte{0xff, 0xd8, 0xff, 0xe0}
	env := newPipelineEnv(t, nil, g, &synthmock.Provider{},
		turn.WithVision(func() []byte { return snapshot }))

	if err := env.pipeline.Run(context.Background(), turn.Input{Text: "what do you see"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := g.StreamCalls[0].Req.ImageJPEG
	if string(got) != string(snapshot) {
		t.Errorf("request image = %v, want the snapshot bytes", got)
	}
}

// stallingEmitter blocks the interrupt send until its context is cancelled,
// so a barge-in can land while the frame is in flight.
type stallingEmitter struct {
	fakeEmitter
	sending chan struct{}
	once    sync.Once
}

func (e *stallingEmitter) SendInterrupt(ctx context.Context) error {
	e.once.Do(func() { close(e.sending) })
	<-ctx.Done()
	return ctx.Err()
}

func TestRunBargeInDuringInterruptSendIsNotAnError(t *testing.T) {
	t.Parallel()

	g := &genmock.Provider{Chunks: []gen.Chunk{{Text: "A complete first sentence. "}}}
	emitter := &stallingEmitter{sending: make(chan struct{})}
	coord := turn.NewCoordinator(nil)
	history := turn.NewHistory(4)
	p, err := turn.NewPipeline(testPipelineConfig(), nil, g, &synthmock.Provider{}, coord, history, emitter)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- p.Run(context.Background(), turn.Input{Text: "hello there"})
	}()

	<-emitter.sending
	coord.CancelCurrent(context.Background())

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned %v, a barge-in mid-send must not end the session", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not unwind after CancelCurrent")
	}

	if history.Len() != 1 {
		t.Fatalf("history Len() = %d, want the partial exchange", history.Len())
	}
	ex := history.Exchanges()[0]
	if !ex.Cancelled {
		t.Error("partial exchange not marked cancelled")
	}
	if ex.AssistantText != "A complete first sentence." {
		t.Errorf("partial assistant text = %q", ex.AssistantText)
	}
	if coord.Playing() {
		t.Error("coordinator still playing after cancellation")
	}
}

func TestRunTransportFailureEndsSession(t *testing.T) {
	t.Parallel()

	g := &genmock.Provider{Chunks: []gen.Chunk{{Text: "A complete first sentence. "}}}
	env := newPipelineEnv(t, nil, g, &synthmock.Provider{})
	env.emitter.interruptErr = errors.New("websocket closed")

	err := env.pipeline.Run(context.Background(), turn.Input{Text: "hello there"})
	if err == nil {
		t.Fatal("Run returned nil on a transport failure")
	}

	if env.history.Len() != 1 {
		t.Fatalf("history Len() = %d, want the partial exchange", env.history.Len())
	}
	if !env.history.Exchanges()[0].Cancelled {
		t.Error("partial exchange not marked cancelled")
	}
	if env.coord.Playing() {
		t.Error("coordinator still playing after transport failure")
	}
}

func TestRunArchivesCompletedExchange(t *testing.T) {
	t.Parallel()

	g := &genmock.Provider{Chunks: []gen.Chunk{{Text: "Archived reply goes here. "}}}
	arch := &fakeArchiver{}
	env := newPipelineEnv(t, nil, g, &synthmock.Provider{},
		turn.WithArchiver(arch, "session-42"))

	if err := env.pipeline.Run(context.Background(), turn.Input{Text: "remember this"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.calls) != 1 {
		t.Fatalf("archive calls = %d, want 1", len(arch.calls))
	}
	if arch.calls[0].sessionID != "session-42" {
		t.Errorf("archived session = %q", arch.calls[0].sessionID)
	}
	if arch.calls[0].ex.UserText != "remember this" {
		t.Errorf("archived user text = %q", arch.calls[0].ex.UserText)
	}
}

func TestRunArchiveFailureDoesNotFailTurn(t *testing.T) {
	t.Parallel()

	g := &genmock.Provider{Chunks: []gen.Chunk{{Text: "Reply despite archive outage. "}}}
	arch := &fakeArchiver{err: errors.New("db down")}
	env := newPipelineEnv(t, nil, g, &synthmock.Provider{},
		turn.WithArchiver(arch, "session-43"))

	if err := env.pipeline.Run(context.Background(), turn.Input{Text: "still works"}); err != nil {
		t.Fatalf("Run returned %v, archive failures must be swallowed", err)
	}
	if env.emitter.count(frameComplete) != 1 {
		t.Error("turn did not complete despite archive failure")
	}
}
