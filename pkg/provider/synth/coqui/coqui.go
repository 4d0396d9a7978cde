// Package coqui provides a synth.Provider backed by a locally-running Coqui
// TTS server via its REST API.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts
//     with URL query parameters.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is
//     performed via POST /tts_to_audio/ with a JSON body.
//
// The server operates in batch mode (one HTTP call per piece of text), so
// the split policy maps directly onto request granularity: SplitMinimal
// issues a single request for the whole text, SplitPunctuation divides the
// text at sentence boundaries and dispatches concurrent requests with a
// small lookahead while preserving output order.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithOutputSampleRate(24000),
//	)
//	pcm, err := p.Synthesize(ctx, "Hello there. Nice to meet you.", synth.SplitPunctuation)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/voxpipe/voxpipe/pkg/audio"
	"github.com/voxpipe/voxpipe/pkg/provider/synth"
)

// Compile-time interface assertion.
var _ synth.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	ttsEndpoint     = "/tts_to_audio/"
	apiTTSEndpoint  = "/api/tts"

	// maxInflight bounds how many concurrent HTTP synthesis requests may be
	// in flight for one punctuation-aware Synthesize call.
	maxInflight = 4
)

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode.
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithVoice sets the speaker ID sent with every request. Required for XTTS
// mode; optional for single-speaker standard models.
func WithVoice(id string) Option {
	return func(p *Provider) { p.voice = id }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode sets the server API mode. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// WithOutputSampleRate configures the provider to resample synthesized PCM
// to the given sample rate. When 0 (default), PCM is returned at the model's
// native rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// Provider implements synth.Provider backed by a Coqui TTS server. It is
// safe for concurrent use; multiple Synthesize calls may run in parallel.
type Provider struct {
	serverURL  string
	language   string
	voice      string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int // target sample rate; 0 = no resampling
}

// New creates a Provider targeting the TTS server at serverURL (e.g.,
// "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.apiMode == APIModeXTTS && p.voice == "" {
		return nil, errors.New("coqui: XTTS mode requires WithVoice")
	}
	return p, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// audioResult carries a synthesized PCM byte slice or an error from a
// request goroutine.
type audioResult struct {
	pcm []byte
	err error
}

// Synthesize implements synth.Provider. SplitMinimal issues one request for
// the whole text; SplitPunctuation splits the text at sentence boundaries
// and issues up to maxInflight concurrent requests, concatenating the PCM
// in the original order.
func (p *Provider) Synthesize(ctx context.Context, text string, policy synth.SplitPolicy) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if !policy.IsValid() {
		return nil, fmt.Errorf("coqui: unknown split policy %q", policy)
	}

	pieces := []string{text}
	if policy == synth.SplitPunctuation {
		pieces = splitSentences(text)
	}
	if len(pieces) == 1 {
		return p.request(ctx, pieces[0])
	}

	// Dispatch with a bounded lookahead, collect in order.
	results := make([]chan audioResult, len(pieces))
	for i := range results {
		results[i] = make(chan audioResult, 1)
	}
	sem := make(chan struct{}, maxInflight)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for i, piece := range pieces {
			select {
			case sem <- struct{}{}:
			case <-reqCtx.Done():
				return
			}
			go func(s string, out chan<- audioResult) {
				defer func() { <-sem }()
				pcm, err := p.request(reqCtx, s)
				out <- audioResult{pcm: pcm, err: err}
			}(piece, results[i])
		}
	}()

	var buf bytes.Buffer
	for _, ch := range results {
		select {
		case res := <-ch:
			if res.err != nil {
				return nil, res.err
			}
			buf.Write(res.pcm)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return buf.Bytes(), nil
}

// request dispatches to the appropriate implementation based on the API mode.
func (p *Provider) request(ctx context.Context, text string) ([]byte, error) {
	if p.apiMode == APIModeStandard {
		return p.requestStandard(ctx, text)
	}
	return p.requestXTTS(ctx, text)
}

// requestXTTS performs a single POST /tts_to_audio/ call (XTTS v2 mode) and
// returns the raw PCM with the WAV container stripped.
func (p *Provider) requestXTTS(ctx context.Context, text string) ([]byte, error) {
	body := ttsRequest{
		Text:       text,
		SpeakerWav: p.voice,
		Language:   p.language,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: POST %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: POST %s returned status %d", ttsEndpoint, resp.StatusCode)
	}

	return p.extractPCM(resp.Body)
}

// requestStandard performs a single GET /api/tts request (standard server
// mode) and returns the raw PCM with the WAV container stripped.
func (p *Provider) requestStandard(ctx context.Context, text string) ([]byte, error) {
	params := url.Values{}
	params.Set("text", text)
	if p.voice != "" {
		params.Set("speaker_id", p.voice)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	reqURL := p.serverURL + apiTTSEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", apiTTSEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", apiTTSEndpoint, resp.StatusCode)
	}

	return p.extractPCM(resp.Body)
}

// extractPCM reads a WAV response body, strips the container, and resamples
// to the configured output rate when necessary.
func (p *Provider) extractPCM(body io.Reader) ([]byte, error) {
	wav, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}

	info, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}

	pcm := wav[info.DataOffset:]
	if p.outputRate > 0 && info.SampleRate != p.outputRate && info.Channels == 1 {
		pcm = audio.ResampleMono16(pcm, info.SampleRate, p.outputRate)
	}
	return pcm, nil
}

// splitSentences divides text into sentences at '.', '!', '?' followed by
// whitespace or end of string. A trailing fragment without terminal
// punctuation becomes the final piece.
func splitSentences(text string) []string {
	var pieces []string
	rest := text
	for {
		idx := findSentenceBoundary(rest)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(rest[:idx+1]); s != "" {
			pieces = append(pieces, s)
		}
		rest = rest[idx+1:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		pieces = append(pieces, s)
	}
	return pieces
}

// findSentenceBoundary returns the index of the first sentence-ending
// character ('.', '!', '?') that is either at the end of s or immediately
// followed by whitespace. Returns -1 if no boundary is found.
//
// This keeps abbreviations like "Dr." and decimals like "3.14" intact when
// they are followed by a non-space character.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
