package audio_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/voxline/voxline/pkg/audio"
)

func TestEncodeWAV_Header(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	wav := audio.EncodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE magic")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
	if ch := binary.LittleEndian.Uint16(wav[22:24]); ch != 1 {
		t.Errorf("channels = %d, want 1", ch)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); int(size) != len(pcm) {
		t.Errorf("data size = %d, want %d", size, len(pcm))
	}
}

func TestDecodeWAV_RoundTrip(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, -200, 300, -400})
	wav := audio.EncodeWAV(pcm, 24000, 1)

	got, rate, ch, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != 24000 || ch != 1 {
		t.Errorf("rate=%d ch=%d, want 24000/1", rate, ch)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm mismatch: got %v, want %v", bytesToSamples(got), bytesToSamples(pcm))
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()
	if _, _, _, err := audio.DecodeWAV([]byte("not a wav file, way too short")); err == nil {
		t.Fatal("expected error for non-WAV input")
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(samplesToBytes(make([]int16, 100))); got != 0 {
		t.Errorf("RMS of silence = %f, want 0", got)
	}
	flat := make([]int16, 100)
	for i := range flat {
		flat[i] = 1000
	}
	if got := audio.RMS(samplesToBytes(flat)); got != 1000 {
		t.Errorf("RMS of flat 1000 = %f, want 1000", got)
	}
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS of empty = %f, want 0", got)
	}
}

func TestDurationMs(t *testing.T) {
	t.Parallel()
	// 320 bytes of mono PCM16 at 8 kHz is 20 ms.
	if got := audio.DurationMs(make([]byte, 320), 8000); got != 20 {
		t.Errorf("DurationMs = %d, want 20", got)
	}
}

func TestResample16_UpAndDown(t *testing.T) {
	t.Parallel()
	flat := make([]int16, 80)
	for i := range flat {
		flat[i] = 5000
	}
	up := audio.Resample16(samplesToBytes(flat), 8000, 16000)
	if len(up) != len(flat)*2*2 {
		t.Fatalf("upsampled length = %d, want %d", len(up), len(flat)*4)
	}
	for i, s := range bytesToSamples(up) {
		if s != 5000 {
			t.Fatalf("upsampled[%d] = %d, want 5000", i, s)
		}
	}

	down := audio.Resample16(up, 16000, 8000)
	if len(down) != len(flat)*2 {
		t.Fatalf("downsampled length = %d, want %d", len(down), len(flat)*2)
	}
}

func TestResample16_SameRate(t *testing.T) {
	t.Parallel()
	in := samplesToBytes([]int16{1, 2, 3})
	if got := audio.Resample16(in, 16000, 16000); !bytes.Equal(got, in) {
		t.Fatal("same-rate resample must return input unchanged")
	}
}
