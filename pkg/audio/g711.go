package audio

import "encoding/binary"

// G.711 mu-law codec. Telephony transports carry 8-bit mu-law at 8 kHz; the
// AI backend wants PCM16LE. Decode is table-driven, encode uses the standard
// segment search with the 0x84 bias.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		u := ^uint8(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int32(mantissa)<<3 + mulawBias) << exponent
		sample -= mulawBias
		if sign != 0 {
			sample = -sample
		}
		mulawDecodeTable[i] = int16(sample)
	}
}

// MulawToPCM16 converts 8-bit mu-law bytes to PCM16 little-endian samples.
func MulawToPCM16(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, len(data)*2)
	for i, b := range data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(mulawDecodeTable[b]))
	}
	return out
}

// PCM16ToMulaw converts PCM16 little-endian samples to 8-bit mu-law.
// A trailing odd byte is ignored.
func PCM16ToMulaw(data []byte) []byte {
	n := len(data) / 2
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(data[2*i:]))
		out[i] = encodeMulaw(sample)
	}
	return out
}

func encodeMulaw(sample int16) byte {
	var sign uint8
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := uint8(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := uint8((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// ConvertToFormat converts PCM16LE audio into the named transport encoding.
// Recognized mu-law spellings convert; anything else passes through as PCM.
func ConvertToFormat(pcm []byte, format string) []byte {
	switch format {
	case "ulaw", "mulaw", "mu-law", "g711_ulaw":
		return PCM16ToMulaw(pcm)
	default:
		return pcm
	}
}

// IsMulaw reports whether the encoding tag names mu-law.
func IsMulaw(encoding string) bool {
	switch encoding {
	case "ulaw", "mulaw", "mu-law", "g711_ulaw", "g711u":
		return true
	}
	return false
}

// BytesPerSample returns the byte width of one sample in the given encoding.
func BytesPerSample(encoding string) int {
	if IsMulaw(encoding) {
		return 1
	}
	return 2
}
