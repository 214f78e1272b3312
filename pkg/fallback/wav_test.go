package fallback

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/wav"

	"github.com/voxbridge/go-voxbridge/pkg/audio"
)

func TestWAVPlayerSpoolsFile(t *testing.T) {
	dir := t.TempDir()
	player, err := NewWAVPlayer(dir, 8000, "ulaw")
	if err != nil {
		t.Fatalf("NewWAVPlayer() error = %v", err)
	}

	// 640 PCM16 bytes are 320 samples, one μ-law byte each on the wire.
	ulaw := audio.PCM16ToMulaw(make([]byte, 640))
	handle := player.Play("call-1", ulaw, "stream_timeout")
	if handle == "" {
		t.Fatal("Play() returned empty handle")
	}
	if !strings.HasPrefix(handle, dir) {
		t.Errorf("handle %q should be a path under the spool dir", handle)
	}

	f, err := os.Open(handle)
	if err != nil {
		t.Fatalf("spooled file missing: %v", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		t.Fatal("spooled file is not a valid WAV")
	}
	if decoder.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", decoder.SampleRate)
	}
	if decoder.NumChans != 1 {
		t.Errorf("channels = %d, want 1", decoder.NumChans)
	}
	if decoder.BitDepth != 16 {
		t.Errorf("bit depth = %d, want 16", decoder.BitDepth)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		t.Fatalf("failed to read PCM data: %v", err)
	}
	if len(buf.Data) != 320 {
		t.Errorf("decoded %d samples, want 320", len(buf.Data))
	}
}

func TestWAVPlayerEmptyAudio(t *testing.T) {
	player, err := NewWAVPlayer(t.TempDir(), 8000, "ulaw")
	if err != nil {
		t.Fatalf("NewWAVPlayer() error = %v", err)
	}
	if handle := player.Play("call-1", nil, "drain"); handle != "" {
		t.Errorf("Play() with no audio should fail, got handle %q", handle)
	}
}

func TestWAVPlayerCreatesSpoolDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "spool")
	if _, err := NewWAVPlayer(dir, 8000, "pcm16le"); err != nil {
		t.Fatalf("NewWAVPlayer() should create the spool dir: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("spool dir was not created: %v", err)
	}
}

func TestMockPlayer(t *testing.T) {
	m := NewMockPlayer()
	if m.Play("c1", []byte{1, 2}, "timeout") == "" {
		t.Error("mock Play() should succeed by default")
	}
	m.Fail()
	if m.Play("c1", []byte{3}, "timeout") != "" {
		t.Error("mock Play() should fail after Fail()")
	}
	played := m.Played()
	if len(played) != 1 || played[0].Label != "timeout" {
		t.Errorf("unexpected recorded plays: %+v", played)
	}
}
