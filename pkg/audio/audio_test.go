package audio_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/voxbridge/go-voxbridge/pkg/audio"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func TestResampleIdentity(t *testing.T) {
	in := pcm16(100, -200, 300, -400)
	out, state := audio.Resample(in, 8000, 8000, &audio.State{})
	if !bytes.Equal(in, out) {
		t.Errorf("identity resample changed data: %v != %v", out, in)
	}
	if state != nil {
		t.Error("identity resample should clear state")
	}
}

func TestResampleEmptyInput(t *testing.T) {
	prev := &audio.State{}
	out, state := audio.Resample(nil, 8000, 16000, prev)
	if len(out) != 0 {
		t.Errorf("expected empty output, got %d bytes", len(out))
	}
	if state != prev {
		t.Error("empty input should pass state through unchanged")
	}
}

func TestResampleExactSizing(t *testing.T) {
	cases := []struct {
		name       string
		nIn        int
		source     int
		target     int
		wantNOut   int
	}{
		{"upsample 8k to 16k", 160, 8000, 16000, 320},
		{"downsample 24k to 8k", 240, 24000, 8000, 80},
		{"upsample 8k to 24k", 160, 8000, 24000, 480},
		{"single sample upsample", 1, 8000, 16000, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := make([]byte, tc.nIn*2)
			for i := 0; i < tc.nIn; i++ {
				binary.LittleEndian.PutUint16(in[2*i:], uint16(int16(i%100)))
			}
			out, state := audio.Resample(in, tc.source, tc.target, nil)
			if got := len(out) / 2; got != tc.wantNOut {
				t.Errorf("expected %d output samples, got %d", tc.wantNOut, got)
			}
			if state == nil {
				t.Error("expected carry-over state after rate conversion")
			}
		})
	}
}

// Resampling two consecutive chunks with state carried forward must produce a
// smaller boundary discontinuity than resampling the second chunk cold.
func TestResampleStateContinuity(t *testing.T) {
	const rate, target = 8000, 16000
	const n = 160
	chunk1 := make([]byte, n*2)
	chunk2 := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v1 := int16(10000 * math.Sin(2*math.Pi*440*float64(i)/rate))
		v2 := int16(10000 * math.Sin(2*math.Pi*440*float64(i+n)/rate))
		binary.LittleEndian.PutUint16(chunk1[2*i:], uint16(v1))
		binary.LittleEndian.PutUint16(chunk2[2*i:], uint16(v2))
	}

	out1, state := audio.Resample(chunk1, rate, target, nil)
	withState, _ := audio.Resample(chunk2, rate, target, state)
	withoutState, _ := audio.Resample(chunk2, rate, target, nil)

	last := samples(out1)
	tail := last[len(last)-1]
	jumpWith := math.Abs(float64(samples(withState)[0]) - float64(tail))
	jumpWithout := math.Abs(float64(samples(withoutState)[0]) - float64(tail))

	if jumpWith > jumpWithout {
		t.Errorf("stateful boundary jump %v should not exceed stateless jump %v", jumpWith, jumpWithout)
	}
	if bytes.Equal(withState, withoutState) {
		t.Error("stateful and stateless output should differ at the boundary")
	}
}

func TestMulawRoundTrip(t *testing.T) {
	in := pcm16(0, 1000, -1000, 8000, -8000, 32000, -32000)
	encoded := audio.PCM16ToMulaw(in)
	if len(encoded) != len(in)/2 {
		t.Fatalf("expected %d mulaw bytes, got %d", len(in)/2, len(encoded))
	}
	decoded := samples(audio.MulawToPCM16(encoded))
	orig := samples(in)
	for i := range orig {
		diff := math.Abs(float64(decoded[i]) - float64(orig[i]))
		// mu-law is lossy; tolerance scales with magnitude.
		tolerance := math.Max(64, math.Abs(float64(orig[i]))*0.04)
		if diff > tolerance {
			t.Errorf("sample %d: %d decoded to %d (diff %v > %v)", i, orig[i], decoded[i], diff, tolerance)
		}
	}
}

func TestMulawEmpty(t *testing.T) {
	if out := audio.MulawToPCM16(nil); len(out) != 0 {
		t.Errorf("expected empty decode, got %d bytes", len(out))
	}
	if out := audio.PCM16ToMulaw(nil); len(out) != 0 {
		t.Errorf("expected empty encode, got %d bytes", len(out))
	}
}

func TestConvertToFormat(t *testing.T) {
	in := pcm16(1000, -1000, 500, -500)

	t.Run("ulaw target encodes", func(t *testing.T) {
		out := audio.ConvertToFormat(in, "ulaw")
		if len(out) != len(in)/2 {
			t.Errorf("expected %d bytes, got %d", len(in)/2, len(out))
		}
	})

	t.Run("pcm target passes through", func(t *testing.T) {
		out := audio.ConvertToFormat(in, "linear16")
		if !bytes.Equal(out, in) {
			t.Error("pcm target should pass through unchanged")
		}
	})
}

func TestBytesPerSample(t *testing.T) {
	if n := audio.BytesPerSample("mulaw"); n != 1 {
		t.Errorf("mulaw should be 1 byte per sample, got %d", n)
	}
	if n := audio.BytesPerSample("linear16"); n != 2 {
		t.Errorf("linear16 should be 2 bytes per sample, got %d", n)
	}
}
