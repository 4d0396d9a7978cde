package server

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/voxpipe/voxpipe/internal/session"
)

// ── Wire message types (inbound) ───────────────────────────────────────────────

type inboundMessage struct {
	RealtimeInput *realtimeInput `json:"realtime_input,omitempty"`
	Text          string         `json:"text,omitempty"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64-encoded
}

// ── Wire message types (outbound) ──────────────────────────────────────────────

type outboundMessage struct {
	Interrupt     bool   `json:"interrupt,omitempty"`
	Audio         string `json:"audio,omitempty"` // base64-encoded PCM16
	AudioComplete bool   `json:"audio_complete,omitempty"`
}

// decodeFrames parses one inbound wire message into session frames. Malformed
// messages, undecodable payloads, and unknown media types are skipped rather
// than failing the connection.
func decodeFrames(data []byte) []session.Frame {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}

	var frames []session.Frame
	if msg.Text != "" {
		frames = append(frames, session.Frame{Text: msg.Text})
	}
	if msg.RealtimeInput == nil {
		return frames
	}
	for _, chunk := range msg.RealtimeInput.MediaChunks {
		payload, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil || len(payload) == 0 {
			continue
		}
		switch {
		case strings.HasPrefix(chunk.MIMEType, "audio/"):
			frames = append(frames, session.Frame{Audio: payload})
		case strings.HasPrefix(chunk.MIMEType, "image/"):
			frames = append(frames, session.Frame{Image: payload})
		}
	}
	return frames
}
