package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
)

// Minimal 16-bit PCM WAV reader/writer for the placeholder processor. Only
// the canonical RIFF layout is supported.

const (
	wavHeaderSize   = 44
	bytesPerSample  = 2
	pcmFormat       = 1
	maxSampleValue  = 32767
	normalizePeak   = 0.95
	riffChunkHeader = 8
)

var (
	// ErrInvalidWAV indicates the input is not a PCM WAV file this
	// placeholder can read.
	ErrInvalidWAV = errors.New("invalid or unsupported wav file")
)

func readWAV(path string) ([]float64, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read input file: %w", err)
	}

	if len(data) < wavHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrInvalidWAV
	}

	format := binary.LittleEndian.Uint16(data[20:22])
	channels := int(binary.LittleEndian.Uint16(data[22:24]))
	sampleRate := int(binary.LittleEndian.Uint32(data[24:28]))
	bitsPerSample := int(binary.LittleEndian.Uint16(data[34:36]))

	if format != pcmFormat || bitsPerSample != 16 || channels < 1 {
		return nil, 0, ErrInvalidWAV
	}

	// Locate the data chunk; some writers insert extra chunks before it.
	offset := 12
	dataStart, dataLen := 0, 0

	for offset+riffChunkHeader <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))

		if chunkID == "data" {
			dataStart = offset + riffChunkHeader
			dataLen = chunkLen

			break
		}

		offset += riffChunkHeader + chunkLen
	}

	if dataStart == 0 || dataStart+dataLen > len(data) {
		return nil, 0, ErrInvalidWAV
	}

	frameCount := dataLen / (bytesPerSample * channels)
	samples := make([]float64, frameCount)

	// Downmix to mono.
	for i := range frameCount {
		sum := 0.0

		for c := range channels {
			idx := dataStart + (i*channels+c)*bytesPerSample
			sum += float64(int16(binary.LittleEndian.Uint16(data[idx : idx+2])))
		}

		samples[i] = sum / float64(channels) / maxSampleValue
	}

	return samples, sampleRate, nil
}

func writeWAV(path string, samples []float64, sampleRate int) error {
	dataLen := len(samples) * bytesPerSample
	buf := make([]byte, wavHeaderSize+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], pcmFormat)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*bytesPerSample))
	binary.LittleEndian.PutUint16(buf[32:34], bytesPerSample)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, sample := range samples {
		clamped := math.Max(-1.0, math.Min(1.0, sample))
		binary.LittleEndian.PutUint16(
			buf[wavHeaderSize+i*bytesPerSample:],
			uint16(int16(clamped*maxSampleValue)),
		)
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}

	return nil
}
