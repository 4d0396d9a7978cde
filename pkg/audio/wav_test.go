package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/voxpipe/voxpipe/pkg/audio"
)

// buildWAV assembles a minimal RIFF/WAVE container around pcm, optionally
// inserting an extra chunk before "data" to exercise chunk walking.
func buildWAV(sampleRate int, channels int, pcm []byte, extraChunk bool) []byte {
	var buf []byte
	appendU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	appendU16 := func(v uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	buf = append(buf, "RIFF"...)
	appendU32(0) // size, unchecked by the parser
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	appendU32(16)
	appendU16(1) // PCM
	appendU16(uint16(channels))
	appendU32(uint32(sampleRate))
	appendU32(uint32(sampleRate * channels * 2))
	appendU16(uint16(channels * 2))
	appendU16(16)

	if extraChunk {
		buf = append(buf, "LIST"...)
		appendU32(3) // odd size forces pad-byte handling
		buf = append(buf, 'a', 'b', 'c', 0)
	}

	buf = append(buf, "data"...)
	appendU32(uint32(len(pcm)))
	buf = append(buf, pcm...)
	return buf
}

func TestParseWAV(t *testing.T) {
	t.Parallel()

	pcm := tone(1234, 50)

	tests := []struct {
		name       string
		wav        []byte
		wantRate   int
		wantCh     int
		wantErr    bool
		checkAudio bool
	}{
		{name: "plain", wav: buildWAV(22050, 1, pcm, false), wantRate: 22050, wantCh: 1, checkAudio: true},
		{name: "extra chunk before data", wav: buildWAV(48000, 2, pcm, true), wantRate: 48000, wantCh: 2, checkAudio: true},
		{name: "too short", wav: []byte("RIF"), wantErr: true},
		{name: "not riff", wav: append([]byte("JUNK"), buildWAV(22050, 1, pcm, false)[4:]...), wantErr: true},
		{name: "no data chunk", wav: buildWAV(22050, 1, pcm, false)[:20], wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			info, err := audio.ParseWAV(tc.wav)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWAV: %v", err)
			}
			if info.SampleRate != tc.wantRate {
				t.Errorf("SampleRate = %d, want %d", info.SampleRate, tc.wantRate)
			}
			if info.Channels != tc.wantCh {
				t.Errorf("Channels = %d, want %d", info.Channels, tc.wantCh)
			}
			if tc.checkAudio {
				got := tc.wav[info.DataOffset:]
				if string(got) != string(pcm) {
					t.Error("PCM payload at DataOffset does not match input")
				}
			}
		})
	}
}
