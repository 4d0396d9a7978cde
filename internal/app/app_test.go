package app_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe/internal/app"
	"github.com/voxpipe/voxpipe/internal/config"
	"github.com/voxpipe/voxpipe/internal/engine/turn"
	"github.com/voxpipe/voxpipe/internal/session"
	"github.com/voxpipe/voxpipe/pkg/provider/gen"
	genmock "github.com/voxpipe/voxpipe/pkg/provider/gen/mock"
	synthmock "github.com/voxpipe/voxpipe/pkg/provider/synth/mock"
)

// fakeTransport is an in-memory session.Transport. Inbound frames are fed
// through a channel; closing it simulates a clean client disconnect.
type fakeTransport struct {
	frames chan session.Frame

	mu    sync.Mutex
	kinds []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan session.Frame, 16)}
}

func (t *fakeTransport) ReadFrame(ctx context.Context) (session.Frame, error) {
	select {
	case f, ok := <-t.frames:
		if !ok {
			return session.Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return session.Frame{}, ctx.Err()
	}
}

func (t *fakeTransport) record(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kinds = append(t.kinds, kind)
}

func (t *fakeTransport) emitted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.kinds))
	copy(out, t.kinds)
	return out
}

func (t *fakeTransport) SendInterrupt(context.Context) error { t.record("interrupt"); return nil }

func (t *fakeTransport) SendAudio(context.Context, []byte) error {
	t.record("audio")
	return nil
}

func (t *fakeTransport) SendAudioComplete(context.Context) error {
	t.record("complete")
	return nil
}

func (t *fakeTransport) Ping(context.Context) error { return nil }

// fakeArchiver records archived exchanges.
type fakeArchiver struct {
	mu        sync.Mutex
	exchanges []turn.Exchange
}

func (a *fakeArchiver) ArchiveExchange(_ context.Context, _ string, ex turn.Exchange) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exchanges = append(a.exchanges, ex)
	return nil
}

func (a *fakeArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.exchanges)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = ":0"
	cfg.Audio.SampleRate = 16000
	cfg.Pipeline.SystemPrompt = "You are a voice assistant."
	cfg.Pipeline.InitialMinChars = 20
	cfg.Pipeline.RemainingChunkChars = 20
	cfg.Pipeline.HistoryExchanges = 2
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		Gen: &genmock.Provider{
			Chunks: []gen.Chunk{{Text: "Here is the first sentence."}},
		},
		Synth: &synthmock.Provider{},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewRequiresProviders(t *testing.T) {
	t.Parallel()

	if _, err := app.New(t.Context(), testConfig(), nil); err == nil {
		t.Error("New accepted nil providers")
	}
	if _, err := app.New(t.Context(), testConfig(), &app.Providers{Synth: &synthmock.Provider{}}); err == nil {
		t.Error("New accepted a nil generation provider")
	}
	if _, err := app.New(t.Context(), testConfig(), &app.Providers{Gen: &genmock.Provider{}}); err == nil {
		t.Error("New accepted a nil synthesis provider")
	}
}

func TestHandleSessionRunsTextTurn(t *testing.T) {
	t.Parallel()

	arch := &fakeArchiver{}
	a, err := app.New(t.Context(), testConfig(), testProviders(), app.WithArchiver(arch))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	transport := newFakeTransport()
	transport.frames <- session.Frame{Text: "Hello there"}

	done := make(chan error, 1)
	go func() { done <- a.HandleSession(t.Context(), transport, "s1") }()

	waitFor(t, func() bool {
		k := transport.emitted()
		return len(k) >= 2 && k[len(k)-1] == "complete"
	}, "turn never completed")
	close(transport.frames)

	if err := <-done; err != nil {
		t.Fatalf("HandleSession: %v", err)
	}

	k := transport.emitted()
	if k[0] != "interrupt" || k[len(k)-1] != "complete" {
		t.Errorf("emitted frames = %v", k)
	}
	if arch.count() != 1 {
		t.Errorf("archived exchanges = %d, want 1", arch.count())
	}
	if a.ActiveSessions() != 0 {
		t.Errorf("ActiveSessions after close = %d, want 0", a.ActiveSessions())
	}
}

func TestHandleSessionWithoutArchiver(t *testing.T) {
	t.Parallel()

	// No DSN and no injected archiver: turns still complete, nothing persists
	// beyond the in-memory history.
	a, err := app.New(t.Context(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	transport := newFakeTransport()
	transport.frames <- session.Frame{Text: "Hello there"}

	done := make(chan error, 1)
	go func() { done <- a.HandleSession(t.Context(), transport, "s1") }()

	waitFor(t, func() bool {
		k := transport.emitted()
		return len(k) >= 2 && k[len(k)-1] == "complete"
	}, "turn never completed")
	close(transport.frames)

	if err := <-done; err != nil {
		t.Fatalf("HandleSession: %v", err)
	}
}

func TestApplyDiffUpdatesLogLevelAndPipeline(t *testing.T) {
	t.Parallel()

	genProv := &genmock.Provider{Chunks: []gen.Chunk{{Text: "Here is the first sentence."}}}
	providers := &app.Providers{Gen: genProv, Synth: &synthmock.Provider{}}

	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	a, err := app.New(t.Context(), testConfig(), providers,
		app.WithArchiver(&fakeArchiver{}),
		app.WithLogLevelVar(level),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	newPipeline := testConfig().Pipeline
	newPipeline.SystemPrompt = "Answer in pirate speak."
	a.ApplyDiff(config.ConfigDiff{
		LogLevelChanged: true,
		NewLogLevel:     config.LogDebug,
		PipelineChanged: true,
		NewPipeline:     newPipeline,
	})

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}

	// Sessions started after the reload use the new parameters.
	transport := newFakeTransport()
	transport.frames <- session.Frame{Text: "Hello there"}

	done := make(chan error, 1)
	go func() { done <- a.HandleSession(t.Context(), transport, "s2") }()

	waitFor(t, func() bool { return genProv.CallCount() > 0 }, "generation never started")
	close(transport.frames)
	if err := <-done; err != nil {
		t.Fatalf("HandleSession: %v", err)
	}

	if got := genProv.StreamCalls[0].Req.SystemPrompt; got != "Answer in pirate speak." {
		t.Errorf("system prompt after reload = %q", got)
	}
}
