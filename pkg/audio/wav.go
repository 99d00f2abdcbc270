package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// bitsPerSample is fixed at 16 for every PCM buffer in this package.
const bitsPerSample = 16

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container with a 44-byte header. The result is suitable for a
// multipart form upload to a recognition server.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV strips a RIFF/WAV container and returns the raw PCM data plus its
// sample rate and channel count. Only uncompressed 16-bit PCM is accepted.
func DecodeWAV(wav []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("audio: not a RIFF/WAVE container")
	}
	format := binary.LittleEndian.Uint16(wav[20:22])
	bits := binary.LittleEndian.Uint16(wav[34:36])
	if format != 1 || bits != bitsPerSample {
		return nil, 0, 0, fmt.Errorf("audio: unsupported WAV encoding (format=%d bits=%d)", format, bits)
	}
	channels = int(binary.LittleEndian.Uint16(wav[22:24]))
	sampleRate = int(binary.LittleEndian.Uint32(wav[24:28]))

	// Walk sub-chunks from offset 12 to find "data"; some encoders insert
	// extra chunks (LIST, fact) between fmt and data.
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if body+size > len(wav) {
			size = len(wav) - body
		}
		if id == "data" {
			return wav[body : body+size], sampleRate, channels, nil
		}
		off = body + size
		if size%2 != 0 {
			off++
		}
	}
	return nil, 0, 0, fmt.Errorf("audio: WAV data chunk not found")
}

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, in the same units as PCM sample values (0–32767). Returns 0
// for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// DurationMs returns the duration of a mono PCM buffer in milliseconds.
// Returns 0 for a non-positive sample rate.
func DurationMs(pcm []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return len(pcm) * 1000 / (sampleRate * bitsPerSample / 8)
}
