package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/coder/websocket"

	"github.com/voxpipe/voxpipe/internal/session"
)

// Compile-time assertion that Transport satisfies the session interface.
var _ session.Transport = (*Transport)(nil)

// Transport adapts one websocket connection to the session loop. One wire
// message may decode into several frames; the surplus is buffered and served
// on subsequent ReadFrame calls. ReadFrame must only be called from a single
// goroutine; the send methods and Ping are safe for concurrent use.
type Transport struct {
	conn    *websocket.Conn
	pending []session.Frame
}

// NewTransport wraps an accepted websocket connection.
func NewTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

// ReadFrame returns the next decoded inbound frame. A clean client close is
// reported as io.EOF. Malformed wire messages are skipped.
func (t *Transport) ReadFrame(ctx context.Context) (session.Frame, error) {
	for {
		if len(t.pending) > 0 {
			f := t.pending[0]
			t.pending = t.pending[1:]
			return f, nil
		}

		_, data, err := t.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return session.Frame{}, io.EOF
			}
			if ctx.Err() != nil {
				return session.Frame{}, ctx.Err()
			}
			return session.Frame{}, fmt.Errorf("server: read frame: %w", err)
		}
		t.pending = append(t.pending, decodeFrames(data)...)
	}
}

// SendInterrupt tells the client to stop any playback immediately.
func (t *Transport) SendInterrupt(ctx context.Context) error {
	return t.writeJSON(ctx, outboundMessage{Interrupt: true})
}

// SendAudio delivers one PCM16 chunk, base64-encoded. Empty chunks are
// dropped: an "audio" field is the only thing distinguishing an audio frame
// on the wire, and an empty one would reach the client as a bare {}.
func (t *Transport) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return t.writeJSON(ctx, outboundMessage{Audio: base64.StdEncoding.EncodeToString(pcm)})
}

// SendAudioComplete marks the end of a turn's audio.
func (t *Transport) SendAudioComplete(ctx context.Context) error {
	return t.writeJSON(ctx, outboundMessage{AudioComplete: true})
}

// Ping sends a websocket-level liveness ping and waits for the pong.
func (t *Transport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

// writeJSON marshals v and writes it as a text websocket message.
func (t *Transport) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal: %w", err)
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}
