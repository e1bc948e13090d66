// Package audio tests the placeholder audio task against generated WAV input.
package audio

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceforge/voice-service/internal/job"
)

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()

	log, err := logger.New(t.TempDir(), "audio-test.log")
	require.NoError(t, err)

	return NewProcessor(log)
}

// writeSine generates a one-second sine wave WAV file.
func writeSine(t *testing.T, path string, rate int, freq float64) {
	t.Helper()

	samples := make([]float64, rate)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}

	require.NoError(t, writeWAV(path, samples, rate))
}

func TestExecute_Conversion(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t)
	dir := t.TempDir()
	input := filepath.Join(dir, "in.wav")
	output := filepath.Join(dir, "out.wav")

	writeSine(t, input, 22050, 440)

	var lastProgress float64

	result, err := p.Execute(context.Background(), Request{
		Kind:       job.KindConversion,
		InputPath:  input,
		OutputPath: output,
		Params: job.Params{
			InputPath:  input,
			OutputPath: output,
			SampleRate: 22050,
			Conversion: &job.ConversionParams{Strength: 0.8, PreservePitch: 0.5},
		},
		OnProgress: func(pct float64, _ string) { lastProgress = pct },
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, output, result.OutputPath)
	assert.InDelta(t, 1.0, result.Duration, 0.01)
	assert.InDelta(t, 80.0, lastProgress, 0.001)

	samples, rate, err := readWAV(output)
	require.NoError(t, err)
	assert.Equal(t, 22050, rate)
	assert.Len(t, samples, 22050)
}

func TestExecute_CloningRequiresReference(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t)
	dir := t.TempDir()
	input := filepath.Join(dir, "in.wav")

	writeSine(t, input, 22050, 440)

	result, err := p.Execute(context.Background(), Request{
		Kind:       job.KindCloning,
		InputPath:  input,
		OutputPath: filepath.Join(dir, "out.wav"),
		Params:     job.Params{InputPath: input, SampleRate: 22050},
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestExecute_Cloning(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t)
	dir := t.TempDir()
	input := filepath.Join(dir, "in.wav")
	reference := filepath.Join(dir, "ref.wav")
	output := filepath.Join(dir, "out.wav")

	writeSine(t, input, 22050, 440)
	writeSine(t, reference, 22050, 220)

	result, err := p.Execute(context.Background(), Request{
		Kind:       job.KindCloning,
		InputPath:  input,
		OutputPath: output,
		Params: job.Params{
			InputPath:  input,
			SampleRate: 22050,
			Cloning: &job.CloningParams{
				ReferencePath: reference,
				Similarity:    0.8,
			},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	_, _, err = readWAV(output)
	require.NoError(t, err)
}

func TestExecute_Extraction(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t)
	dir := t.TempDir()
	input := filepath.Join(dir, "in.wav")
	output := filepath.Join(dir, "out.wav")

	// Three seconds, with the loudest second in the middle.
	rate := 8000
	samples := make([]float64, 3*rate)

	for i := range samples {
		amp := 0.1
		if i >= rate && i < 2*rate {
			amp = 0.8
		}

		samples[i] = amp * math.Sin(2*math.Pi*300*float64(i)/float64(rate))
	}

	require.NoError(t, writeWAV(input, samples, rate))

	result, err := p.Execute(context.Background(), Request{
		Kind:       job.KindExtraction,
		InputPath:  input,
		OutputPath: output,
		Params: job.Params{
			InputPath:  input,
			SampleRate: rate,
			Extraction: &job.ExtractionParams{SegmentSeconds: 1.0},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.InDelta(t, 1.0, result.Duration, 0.05)

	extracted, _, err := readWAV(output)
	require.NoError(t, err)

	// The extracted segment should carry the loud section's energy.
	assert.Greater(t, rms(extracted), 0.3)
}

func TestExecute_MissingInputReportsFailure(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(t)

	result, err := p.Execute(context.Background(), Request{
		Kind:       job.KindConversion,
		InputPath:  "/nonexistent/in.wav",
		OutputPath: "/nonexistent/out.wav",
		Params:     job.Params{InputPath: "/nonexistent/in.wav"},
	})
	require.NoError(t, err, "task failures are reported in the result, not raised")
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestNormalize_CapsPeaks(t *testing.T) {
	t.Parallel()

	loud := []float64{0.0, 2.0, -3.0}
	scaled := normalize(loud)

	peak := 0.0
	for _, s := range scaled {
		peak = math.Max(peak, math.Abs(s))
	}

	assert.InDelta(t, normalizePeak, peak, 0.001)

	quiet := []float64{0.1, -0.2}
	assert.Equal(t, quiet, normalize(quiet))
}
