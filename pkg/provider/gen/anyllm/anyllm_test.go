package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxpipe/voxpipe/pkg/provider/gen"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gemma3:12b"); err == nil {
		t.Error("New accepted an empty provider name")
	}
	if _, err := New("ollama", ""); err == nil {
		t.Error("New accepted an empty model")
	}
	if _, err := New("not-a-backend", "m"); err == nil {
		t.Error("New accepted an unknown backend")
	}
	if _, err := New("ollama", "gemma3:12b"); err != nil {
		t.Errorf("New: %v", err)
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gemma3:12b"}
	params := p.buildParams(gen.Request{
		SystemPrompt: "Be brief.",
		Messages: []gen.Message{
			{Role: gen.RoleUser, Content: "hi"},
			{Role: gen.RoleAssistant, Content: "hello"},
		},
		Temperature: 0.7,
		MaxTokens:   128,
	})

	if params.Model != "gemma3:12b" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want system + 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[0].Content != "Be brief." {
		t.Errorf("first message = %+v, want the system prompt", params.Messages[0])
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Errorf("max tokens = %v, want 128", params.MaxTokens)
	}
}

func TestBuildParamsOmitsUnsetSampling(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gemma3:12b"}
	params := p.buildParams(gen.Request{
		Messages: []gen.Message{{Role: gen.RoleUser, Content: "hi"}},
	})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("sampling params = %v/%v, want provider defaults", params.Temperature, params.MaxTokens)
	}
}
