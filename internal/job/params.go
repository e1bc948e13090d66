package job

import (
	"errors"
	"fmt"
)

// Defaults for processing parameters, matching the placeholder processor.
const (
	DefaultSampleRate          = 22050
	DefaultConversionStrength  = 0.8
	DefaultPreservePitch       = 0.5
	DefaultSimilarityThreshold = 0.8
	DefaultSegmentSeconds      = 5.0
)

var (
	// ErrMissingInputPath indicates a job submitted without an input file.
	ErrMissingInputPath = errors.New("input path is required")
	// ErrMissingReferencePath indicates a cloning job without a reference file.
	ErrMissingReferencePath = errors.New("reference path is required for cloning")
	// ErrStrengthRange indicates conversion strength outside [0.0, 1.0].
	ErrStrengthRange = errors.New("conversion strength must be between 0.0 and 1.0")
	// ErrSimilarityRange indicates similarity threshold outside [0.0, 1.0].
	ErrSimilarityRange = errors.New("similarity threshold must be between 0.0 and 1.0")
)

// ConversionParams carries the fields relevant to a voice conversion job.
type ConversionParams struct {
	TargetSpeaker string  `json:"target_speaker,omitempty"`
	Strength      float64 `json:"strength"`
	PreservePitch float64 `json:"preserve_pitch"`
}

// CloningParams carries the fields relevant to a voice cloning job.
type CloningParams struct {
	ReferencePath string  `json:"reference_path"`
	Similarity    float64 `json:"similarity"`
}

// ExtractionParams carries the fields relevant to a speaker extraction job.
type ExtractionParams struct {
	SegmentSeconds float64 `json:"segment_seconds"`
}

// Params is a tagged variant selected by the job kind. Only the variant
// matching the kind is populated.
type Params struct {
	InputPath  string            `json:"input_path"`
	OutputPath string            `json:"output_path"`
	SampleRate int               `json:"sample_rate"`
	Conversion *ConversionParams `json:"conversion,omitempty"`
	Cloning    *CloningParams    `json:"cloning,omitempty"`
	Extraction *ExtractionParams `json:"extraction,omitempty"`
}

// Validate checks the params against the job kind, filling defaults for
// absent optional fields.
func (p *Params) Validate(kind Kind) error {
	if p.InputPath == "" {
		return ErrMissingInputPath
	}

	if p.SampleRate <= 0 {
		p.SampleRate = DefaultSampleRate
	}

	switch kind {
	case KindConversion:
		return p.validateConversion()
	case KindCloning:
		return p.validateCloning()
	case KindExtraction:
		if p.Extraction == nil {
			p.Extraction = &ExtractionParams{SegmentSeconds: DefaultSegmentSeconds}
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func (p *Params) validateConversion() error {
	if p.Conversion == nil {
		p.Conversion = &ConversionParams{
			Strength:      DefaultConversionStrength,
			PreservePitch: DefaultPreservePitch,
		}

		return nil
	}

	if p.Conversion.Strength < 0.0 || p.Conversion.Strength > 1.0 {
		return fmt.Errorf("%w: got %f", ErrStrengthRange, p.Conversion.Strength)
	}

	return nil
}

func (p *Params) validateCloning() error {
	if p.Cloning == nil || p.Cloning.ReferencePath == "" {
		return ErrMissingReferencePath
	}

	if p.Cloning.Similarity == 0 {
		p.Cloning.Similarity = DefaultSimilarityThreshold
	}

	if p.Cloning.Similarity < 0.0 || p.Cloning.Similarity > 1.0 {
		return fmt.Errorf("%w: got %f", ErrSimilarityRange, p.Cloning.Similarity)
	}

	return nil
}
