// Package antispoof estimates whether an image is a live capture or a
// photograph of a screen or printed page. It uses only frequency-domain and
// texture statistics of the image itself; no model is loaded.
package antispoof

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	_ "golang.org/x/image/webp"
)

// Params are the tunable constants of the heuristic.
type Params struct {
	// Threshold is the spoof score at or above which an image is rejected.
	Threshold float64
	// FrequencyWindow is the half-width of the window around the zero
	// frequency component of the shifted spectrum.
	FrequencyWindow int
	BlockSize       int
	CannyLow        float32
	CannyHigh       float32
	HoughThreshold  int
	HoughMaxGap     float32
	// LineAngleTolerance is the maximum deviation in degrees from the axis for
	// a segment to count as horizontal or vertical.
	LineAngleTolerance float64
	// MaxDimension downsizes larger images before analysis. Zero disables it.
	MaxDimension int
}

// DefaultParams returns the reference constants.
func DefaultParams() Params {
	return Params{
		Threshold:          0.6,
		FrequencyWindow:    30,
		BlockSize:          16,
		CannyLow:           50,
		CannyHigh:          150,
		HoughThreshold:     100,
		HoughMaxGap:        20,
		LineAngleTolerance: 10,
	}
}

// Components is the diagnostic breakdown behind a decision.
type Components struct {
	ScreenScore      float64 `json:"screen_score"`
	PrintScore       float64 `json:"print_score"`
	TextureVariation float64 `json:"texture_variation"`
	FrequencyRatio   float64 `json:"frequency_ratio"`
	HorizontalLines  int     `json:"horizontal_lines"`
	VerticalLines    int     `json:"vertical_lines"`
}

// Assessment is the result for one image.
type Assessment struct {
	RealnessScore float64    `json:"realness_score"`
	SpoofScore    float64    `json:"spoof_score"`
	IsReal        bool       `json:"is_real"`
	Degraded      bool       `json:"degraded,omitempty"`
	Components    Components `json:"components"`
}

// DecodeError is returned when the bytes are not a decodable image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode image: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// signals are the raw measurements the score is derived from.
type signals struct {
	width, height  int
	frequencyRatio float64
	horizontal     int
	vertical       int
	textureStd     float64
}

// Analyzer is safe for concurrent use; it keeps no state between calls.
type Analyzer struct {
	params  Params
	logger  *zap.Logger
	measure func(image.Image, Params) (signals, error)
}

// New returns an analyzer using params.
func New(params Params, logger *zap.Logger) *Analyzer {
	return &Analyzer{params: params, logger: logger.Named("antispoof"), measure: measureSignals}
}

// Params returns the constants in use.
func (a *Analyzer) Params() Params { return a.params }

// Assess scores one image. The only error it returns is *DecodeError; any
// failure after decoding yields the neutral assessment instead.
func (a *Analyzer) Assess(data []byte) (*Assessment, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, &DecodeError{Err: errors.New("image has no pixels")}
	}

	if limit := a.params.MaxDimension; limit > 0 && (bounds.Dx() > limit || bounds.Dy() > limit) {
		img = imaging.Fit(img, limit, limit, imaging.Lanczos)
	}

	s, err := a.safeMeasure(img)
	if err != nil {
		a.logger.Warn("anti-spoofing analysis failed, using neutral assessment",
			zap.Error(err),
			zap.Int("width", bounds.Dx()),
			zap.Int("height", bounds.Dy()),
		)
		return neutral(), nil
	}
	return combine(s, a.params), nil
}

func (a *Analyzer) safeMeasure(img image.Image) (s signals, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis panicked: %v", r)
		}
	}()
	return a.measure(img, a.params)
}

func neutral() *Assessment {
	return &Assessment{RealnessScore: 0.5, SpoofScore: 0.5, IsReal: true, Degraded: true}
}

// combine turns raw signals into the final scores.
func combine(s signals, p Params) *Assessment {
	area := float64(s.width) * float64(s.height) * 0.01
	screen := s.frequencyRatio
	if area > 0 {
		screen += float64(s.horizontal*s.vertical) / area
	}
	printScore := 1 - s.textureStd/50
	spoof := math.Min(math.Max(screen/10, printScore), 1.0)

	return &Assessment{
		RealnessScore: 1 - spoof,
		SpoofScore:    spoof,
		IsReal:        spoof < p.Threshold,
		Components: Components{
			ScreenScore:      screen,
			PrintScore:       printScore,
			TextureVariation: s.textureStd,
			FrequencyRatio:   s.frequencyRatio,
			HorizontalLines:  s.horizontal,
			VerticalLines:    s.vertical,
		},
	}
}
