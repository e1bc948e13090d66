// Package audio implements the opaque audio-task boundary. The routines here
// are simulated signal processing with no real model behind them; the
// scheduler only depends on the task contract, not on what happens inside.
package audio

import (
	"context"
	"fmt"
	"math"

	"github.com/book-expert/logger"

	"github.com/voiceforge/voice-service/internal/job"
)

// Request is one audio task invocation. It must not share mutable state with
// the caller.
type Request struct {
	Kind       job.Kind
	InputPath  string
	OutputPath string
	Params     job.Params
	OnProgress func(progress float64, message string)
}

// Result is the structured outcome of one audio task.
type Result struct {
	Success    bool    `json:"success"`
	OutputPath string  `json:"output_path,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Processor runs the placeholder audio transformations.
type Processor struct {
	log *logger.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(log *logger.Logger) *Processor {
	return &Processor{log: log}
}

// Execute runs one audio task to completion. Failures are reported in the
// Result rather than as an error; the error return covers only contract-level
// misuse (unknown kind).
func (p *Processor) Execute(_ context.Context, req Request) (Result, error) {
	progress := func(pct float64, msg string) {
		if req.OnProgress != nil {
			req.OnProgress(pct, msg)
		}
	}

	progress(10, "Loading audio")

	samples, sourceRate, err := readWAV(req.InputPath)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	targetRate := req.Params.SampleRate
	if targetRate <= 0 {
		targetRate = job.DefaultSampleRate
	}

	if sourceRate != targetRate {
		samples = resample(samples, sourceRate, targetRate)
	}

	progress(40, "Processing audio")

	var processed []float64

	switch req.Kind {
	case job.KindConversion:
		processed = p.convertVoice(samples, req.Params.Conversion)
	case job.KindCloning:
		processed, err = p.cloneVoice(samples, targetRate, req.Params.Cloning)
		if err != nil {
			return Result{Success: false, Error: err.Error()}, nil
		}
	case job.KindExtraction:
		processed = p.extractSpeaker(samples, targetRate, req.Params.Extraction)
	default:
		return Result{}, fmt.Errorf("%w: %q", job.ErrUnknownKind, req.Kind)
	}

	processed = normalize(processed)

	progress(80, "Writing result")

	if err := writeWAV(req.OutputPath, processed, targetRate); err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	return Result{
		Success:    true,
		OutputPath: req.OutputPath,
		Duration:   float64(len(processed)) / float64(targetRate),
		SampleRate: targetRate,
	}, nil
}

// convertVoice applies the simulated voice conversion: a strength-dependent
// gain and a naive pitch shift.
func (p *Processor) convertVoice(samples []float64, params *job.ConversionParams) []float64 {
	strength := job.DefaultConversionStrength
	pitch := job.DefaultPreservePitch

	if params != nil {
		strength = params.Strength
		pitch = params.PreservePitch
	}

	processed := make([]float64, len(samples))
	gain := 1.0 + strength*0.2

	for i, s := range samples {
		processed[i] = s * gain
	}

	if pitch != job.DefaultPreservePitch {
		processed = pitchShift(processed, (pitch-job.DefaultPreservePitch)*0.1)
	}

	return processed
}

// cloneVoice matches the target's energy to the reference, weighted by the
// similarity threshold.
func (p *Processor) cloneVoice(samples []float64, rate int, params *job.CloningParams) ([]float64, error) {
	if params == nil || params.ReferencePath == "" {
		return nil, job.ErrMissingReferencePath
	}

	reference, refRate, err := readWAV(params.ReferencePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference audio: %w", err)
	}

	if refRate != rate {
		reference = resample(reference, refRate, rate)
	}

	refEnergy := rms(reference)
	targetEnergy := rms(samples)

	if targetEnergy == 0 {
		return samples, nil
	}

	similarity := params.Similarity
	ratio := refEnergy / targetEnergy
	scale := ratio*similarity + 1.0*(1.0-similarity)

	cloned := make([]float64, len(samples))
	for i, s := range samples {
		cloned[i] = s * scale
	}

	return cloned, nil
}

// extractSpeaker returns the highest-energy segment of the requested length,
// the placeholder stand-in for speaker feature extraction.
func (p *Processor) extractSpeaker(samples []float64, rate int, params *job.ExtractionParams) []float64 {
	segmentSeconds := job.DefaultSegmentSeconds
	if params != nil && params.SegmentSeconds > 0 {
		segmentSeconds = params.SegmentSeconds
	}

	segmentLen := int(segmentSeconds * float64(rate))
	if segmentLen >= len(samples) || segmentLen <= 0 {
		return samples
	}

	windowLen := rate / 10
	if windowLen == 0 {
		windowLen = 1
	}

	bestStart, bestEnergy := 0, -1.0

	for start := 0; start+segmentLen <= len(samples); start += windowLen {
		energy := rms(samples[start : start+segmentLen])
		if energy > bestEnergy {
			bestEnergy = energy
			bestStart = start
		}
	}

	return samples[bestStart : bestStart+segmentLen]
}

func pitchShift(samples []float64, shift float64) []float64 {
	if math.Abs(shift) < 0.01 || len(samples) < 2 {
		return samples
	}

	stretched := int(float64(len(samples)) * (1 + shift))
	if stretched <= 1 {
		return samples
	}

	shifted := make([]float64, len(samples))

	for i := range shifted {
		pos := float64(i) * float64(stretched-1) / float64(len(samples)-1)
		idx := int(pos)

		if idx >= len(samples)-1 {
			shifted[i] = samples[len(samples)-1]

			continue
		}

		frac := pos - float64(idx)
		shifted[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}

	return shifted
}

func resample(samples []float64, from, to int) []float64 {
	if from == to || len(samples) < 2 {
		return samples
	}

	outLen := int(float64(len(samples)) * float64(to) / float64(from))
	if outLen < 1 {
		outLen = 1
	}

	out := make([]float64, outLen)

	for i := range out {
		pos := float64(i) * float64(len(samples)-1) / float64(max(outLen-1, 1))
		idx := int(pos)

		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]

			continue
		}

		frac := pos - float64(idx)
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}

	return out
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	sum := 0.0
	for _, s := range samples {
		sum += s * s
	}

	return math.Sqrt(sum / float64(len(samples)))
}

func normalize(samples []float64) []float64 {
	peak := 0.0

	for _, s := range samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}

	if peak <= normalizePeak {
		return samples
	}

	scaled := make([]float64, len(samples))
	factor := normalizePeak / peak

	for i, s := range samples {
		scaled[i] = s * factor
	}

	return scaled
}
