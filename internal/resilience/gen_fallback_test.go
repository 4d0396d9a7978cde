package resilience_test

import (
	"errors"
	"testing"

	"github.com/voxpipe/voxpipe/internal/resilience"
	"github.com/voxpipe/voxpipe/pkg/provider/gen"
	genmock "github.com/voxpipe/voxpipe/pkg/provider/gen/mock"
)

func TestGenFallbackPrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &genmock.Provider{Chunks: []gen.Chunk{{Text: "hi"}}}
	secondary := &genmock.Provider{}
	f := resilience.NewGenFallback(primary, "primary", resilience.BreakerConfig{})
	f.AddFallback("secondary", secondary)

	ch, err := f.GenerateStream(t.Context(), gen.Request{Messages: []gen.Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	var got string
	for c := range ch {
		got += c.Text
	}
	if got != "hi" {
		t.Errorf("streamed text = %q", got)
	}
	if secondary.CallCount() != 0 {
		t.Error("fallback was called although the primary succeeded")
	}
}

func TestGenFallbackFailsOver(t *testing.T) {
	t.Parallel()

	primary := &genmock.Provider{Err: errors.New("backend down")}
	secondary := &genmock.Provider{Chunks: []gen.Chunk{{Text: "rescued"}}}
	f := resilience.NewGenFallback(primary, "primary", resilience.BreakerConfig{})
	f.AddFallback("secondary", secondary)

	ch, err := f.GenerateStream(t.Context(), gen.Request{Messages: []gen.Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	var got string
	for c := range ch {
		got += c.Text
	}
	if got != "rescued" {
		t.Errorf("streamed text = %q, want the fallback's output", got)
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.CallCount())
	}
}

func TestGenFallbackAllFailed(t *testing.T) {
	t.Parallel()

	f := resilience.NewGenFallback(&genmock.Provider{Err: errors.New("a")}, "primary", resilience.BreakerConfig{})
	f.AddFallback("secondary", &genmock.Provider{Err: errors.New("b")})

	_, err := f.GenerateStream(t.Context(), gen.Request{Messages: []gen.Message{{Role: "user", Content: "x"}}})
	if !errors.Is(err, resilience.ErrChainExhausted) {
		t.Errorf("error = %v, want ErrChainExhausted", err)
	}
}

func TestGenFallbackSkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	primary := &genmock.Provider{Err: errors.New("backend down")}
	secondary := &genmock.Provider{Chunks: []gen.Chunk{{Text: "ok"}}}
	f := resilience.NewGenFallback(primary, "primary", resilience.BreakerConfig{Trip: 2})
	f.AddFallback("secondary", secondary)

	req := gen.Request{Messages: []gen.Message{{Role: "user", Content: "x"}}}
	for range 3 {
		if _, err := f.GenerateStream(t.Context(), req); err != nil {
			t.Fatalf("GenerateStream: %v", err)
		}
	}

	// After two failures the primary's breaker is open: the third call must
	// not have reached it.
	if primary.CallCount() != 2 {
		t.Errorf("primary calls = %d, want 2", primary.CallCount())
	}
	if secondary.CallCount() != 3 {
		t.Errorf("secondary calls = %d, want 3", secondary.CallCount())
	}
}
