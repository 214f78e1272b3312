package fallback

import (
	"fmt"
	"os"
	"path/filepath"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/voxbridge/go-voxbridge/internal/log"
	"github.com/voxbridge/go-voxbridge/pkg/audio"
)

const (
	wavBitDepth    = 16
	wavNumChannels = 1
	wavAudioFormat = 1 // PCM
)

// WAVPlayer writes each playback to a WAV file in a spool directory and
// returns the file path as the playback handle. The telephony stack picks
// spooled files up and plays them on the call.
type WAVPlayer struct {
	spoolDir   string
	sampleRate int
	encoding   string
}

var _ Player = (*WAVPlayer)(nil)

// NewWAVPlayer creates a player spooling into dir. Audio handed to Play is
// expected in the given encoding ("ulaw" or "pcm16le") at sampleRate.
func NewWAVPlayer(dir string, sampleRate int, encoding string) (*WAVPlayer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fallback: failed to create spool dir: %w", err)
	}
	return &WAVPlayer{spoolDir: dir, sampleRate: sampleRate, encoding: encoding}, nil
}

// Play decodes the audio to PCM16, encodes it as a mono WAV file, and
// returns the file path. Returns "" on any failure; fallback playback is
// best effort and never propagates errors to the streaming path.
func (p *WAVPlayer) Play(callID string, data []byte, label string) string {
	if len(data) == 0 {
		return ""
	}

	pcm := data
	if audio.IsMulaw(p.encoding) {
		pcm = audio.MulawToPCM16(data)
	}

	name := fmt.Sprintf("%s-%s.wav", callID, uuid.NewString())
	path := filepath.Join(p.spoolDir, name)
	if err := p.writeWAV(path, pcm); err != nil {
		log.Error("fallback playback failed", "error", err, "call_id", callID, "label", label)
		return ""
	}

	log.Info("fallback playback spooled",
		"call_id", callID,
		"label", label,
		"bytes", len(data),
		"path", path)
	return path
}

func (p *WAVPlayer) writeWAV(path string, pcm []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create wav file: %w", err)
	}
	defer f.Close()

	buf := &gaudio.IntBuffer{
		Format: &gaudio.Format{
			NumChannels: wavNumChannels,
			SampleRate:  p.sampleRate,
		},
		SourceBitDepth: wavBitDepth,
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		buf.Data = append(buf.Data, int(sample))
	}

	encoder := wav.NewEncoder(f, p.sampleRate, wavBitDepth, wavNumChannels, wavAudioFormat)
	if err := encoder.Write(buf); err != nil {
		encoder.Close()
		return fmt.Errorf("failed to write wav data: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to finalize wav file: %w", err)
	}
	return nil
}
