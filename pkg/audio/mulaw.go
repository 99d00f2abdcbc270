// Package audio bridges narrowband telephony audio and the wideband linear
// PCM the inference stages consume: G.711 μ-law companding, fixed-ratio
// resampling, RIFF/WAV framing, and energy-based utterance segmentation.
//
// Unless stated otherwise, PCM buffers are 16-bit signed little-endian mono.
package audio

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawToPCM maps each μ-law byte to its linear PCM16 value.
var ulawToPCM [256]int16

func init() {
	for i := range ulawToPCM {
		u := ^byte(i)
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := ((int32(mantissa) << 3) + ulawBias) << exponent
		sample -= ulawBias
		if u&0x80 != 0 {
			sample = -sample
		}
		ulawToPCM[i] = int16(sample)
	}
}

// DecodeULaw expands a G.711 μ-law frame into linear PCM16. Pure and
// allocation-bounded: the output is always exactly twice the input length.
func DecodeULaw(frame []byte) []byte {
	out := make([]byte, len(frame)*2)
	for i, b := range frame {
		s := ulawToPCM[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeULaw compands linear PCM16 into a G.711 μ-law frame, the inverse of
// DecodeULaw. A trailing odd byte is ignored.
func EncodeULaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeULawSample(s)
	}
	return out
}

// encodeULawSample compands one linear sample. int32 arithmetic avoids
// overflow when negating -32768 and when adding the bias near full scale.
func encodeULawSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
