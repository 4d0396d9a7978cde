package resilience_test

import (
	"errors"
	"testing"

	"github.com/voxpipe/voxpipe/internal/resilience"
	"github.com/voxpipe/voxpipe/pkg/provider/synth"
	synthmock "github.com/voxpipe/voxpipe/pkg/provider/synth/mock"
)

func TestSynthFallbackFailsOver(t *testing.T) {
	t.Parallel()

	primary := &synthmock.Provider{Err: errors.New("server gone")}
	secondary := &synthmock.Provider{PCM: []byte{1, 2, 3}}
	f := resilience.NewSynthFallback(primary, "primary", resilience.BreakerConfig{})
	f.AddFallback("secondary", secondary)

	pcm, err := f.Synthesize(t.Context(), "hello", synth.SplitMinimal)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(pcm) != 3 {
		t.Errorf("pcm length = %d, want 3", len(pcm))
	}
	if secondary.CallCount() != 1 {
		t.Errorf("fallback calls = %d, want 1", secondary.CallCount())
	}
}

func TestSynthFallbackAllFailed(t *testing.T) {
	t.Parallel()

	f := resilience.NewSynthFallback(&synthmock.Provider{Err: errors.New("a")}, "primary", resilience.BreakerConfig{})
	if _, err := f.Synthesize(t.Context(), "hello", synth.SplitMinimal); !errors.Is(err, resilience.ErrChainExhausted) {
		t.Errorf("error = %v, want ErrChainExhausted", err)
	}
}
