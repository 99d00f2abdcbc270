package audio_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/voxline/voxline/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestULawRoundTrip_AllCodes(t *testing.T) {
	t.Parallel()
	for i := 0; i < 256; i++ {
		in := []byte{byte(i)}
		got := audio.EncodeULaw(audio.DecodeULaw(in))[0]
		want := byte(i)
		if i == 0x7F {
			// 0x7F is negative zero; the encoder canonicalizes zero to 0xFF.
			want = 0xFF
		}
		if got != want {
			t.Errorf("code %#02x: round trip produced %#02x, want %#02x", i, got, want)
		}
	}
}

func TestULawRoundTrip_SilenceFrame(t *testing.T) {
	t.Parallel()
	frame := bytes.Repeat([]byte{0xFF}, 160) // 20 ms of digital silence at 8 kHz
	got := audio.EncodeULaw(audio.DecodeULaw(frame))
	if !bytes.Equal(got, frame) {
		t.Fatalf("silence frame did not survive round trip")
	}
}

func TestULawRoundTrip_ToneFrame(t *testing.T) {
	t.Parallel()
	// A 440 Hz tone at 8 kHz, companded once to put it in the encoder's
	// image, must then round trip exactly.
	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = int16(12000 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	frame := audio.EncodeULaw(samplesToBytes(pcm))
	got := audio.EncodeULaw(audio.DecodeULaw(frame))
	if !bytes.Equal(got, frame) {
		t.Fatalf("tone frame did not survive round trip")
	}
}

func TestEncodeULaw_FullScale(t *testing.T) {
	t.Parallel()
	got := audio.EncodeULaw(samplesToBytes([]int16{32767, -32768}))
	if got[0] != 0x80 {
		t.Errorf("positive full scale: got %#02x, want 0x80", got[0])
	}
	if got[1] != 0x00 {
		t.Errorf("negative full scale: got %#02x, want 0x00", got[1])
	}
}

func TestDecodeULaw_Length(t *testing.T) {
	t.Parallel()
	if got := len(audio.DecodeULaw(make([]byte, 160))); got != 320 {
		t.Fatalf("decoded length = %d, want 320", got)
	}
}
