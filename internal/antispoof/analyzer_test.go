package antispoof

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func flatGray(size int) image.Image {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

// printedGrid mimics a photographed page: white paper with a regular
// one-pixel black grid every 8 pixels.
func printedGrid(size int) image.Image {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := uint8(255)
			if x%8 == 4 || y%8 == 4 {
				v = 0
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

// liveTexture has strongly textured regions next to smooth ones, so local
// contrast varies a lot across the frame, with a little sensor noise.
func liveTexture(size int) image.Image {
	rng := rand.New(rand.NewSource(7))
	img := image.NewGray(image.Rect(0, 0, size, size))
	c := float64(size) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r := math.Hypot(float64(x)-c, float64(y)-c)
			amp := 110 * (1 - smoothstep(float64(size)*3/8, float64(size)*5/8, float64(x)))
			v := 128 + amp*math.Sin(2*math.Pi*r/16) + float64(rng.Intn(7)-3)
			img.SetGray(x, y, color.Gray{Y: uint8(math.Max(0, math.Min(255, math.Round(v))))})
		}
	}
	return img
}

func smoothstep(lo, hi, x float64) float64 {
	t := math.Max(0, math.Min(1, (x-lo)/(hi-lo)))
	return t * t * (3 - 2*t)
}

func TestAssessRejectsUndecodableBytes(t *testing.T) {
	a := New(DefaultParams(), zap.NewNop())
	valid := encodePNG(t, flatGray(32))

	inputs := map[string][]byte{
		"empty":     nil,
		"text":      []byte("definitely not an image"),
		"truncated": valid[:len(valid)/2],
	}
	for name, data := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := a.Assess(data)
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected DecodeError, got %T %v", err, err)
			}
		})
	}
}

func TestAssessFlatImageLooksPrinted(t *testing.T) {
	a := New(DefaultParams(), zap.NewNop())
	res, err := a.Assess(encodePNG(t, flatGray(200)))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if res.IsReal {
		t.Fatalf("expected flat image to be rejected, got %+v", res)
	}
	if res.Components.TextureVariation != 0 {
		t.Fatalf("expected zero texture variation, got %v", res.Components.TextureVariation)
	}
	if res.Components.PrintScore < 0.99 {
		t.Fatalf("expected print score near 1, got %v", res.Components.PrintScore)
	}
	if res.Degraded {
		t.Fatal("flat image should not degrade the analysis")
	}
}

func TestAssessDetectsGridLines(t *testing.T) {
	a := New(DefaultParams(), zap.NewNop())
	res, err := a.Assess(encodePNG(t, printedGrid(256)))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if res.IsReal {
		t.Fatalf("expected grid to be rejected, got %+v", res)
	}
	if res.Components.HorizontalLines < 16 || res.Components.VerticalLines < 16 {
		t.Fatalf("expected many grid lines, got h=%d v=%d",
			res.Components.HorizontalLines, res.Components.VerticalLines)
	}
}

func TestAssessAcceptsVariedTexture(t *testing.T) {
	a := New(DefaultParams(), zap.NewNop())
	res, err := a.Assess(encodePNG(t, liveTexture(256)))
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if !res.IsReal {
		t.Fatalf("expected textured image to pass, got %+v", res)
	}
	if res.RealnessScore <= 1-DefaultParams().Threshold {
		t.Fatalf("realness %v not above decision boundary", res.RealnessScore)
	}
}

func TestAssessIsDeterministic(t *testing.T) {
	a := New(DefaultParams(), zap.NewNop())
	data := encodePNG(t, liveTexture(128))

	first, err := a.Assess(data)
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	second, err := a.Assess(data)
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if *first != *second {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
}

func TestAssessIsSafeForConcurrentUse(t *testing.T) {
	a := New(DefaultParams(), zap.NewNop())
	data := encodePNG(t, printedGrid(128))
	want, err := a.Assess(data)
	if err != nil {
		t.Fatalf("assess: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan Assessment, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := a.Assess(data)
			if err == nil {
				results <- *got
			}
		}()
	}
	wg.Wait()
	close(results)

	n := 0
	for got := range results {
		n++
		if got != *want {
			t.Fatalf("concurrent result differs: %+v vs %+v", got, *want)
		}
	}
	if n != 8 {
		t.Fatalf("expected 8 results, got %d", n)
	}
}

func TestAssessReturnsNeutralWhenAnalysisPanics(t *testing.T) {
	a := New(DefaultParams(), zap.NewNop())
	a.measure = func(image.Image, Params) (signals, error) {
		panic("matrix exploded")
	}

	res, err := a.Assess(encodePNG(t, flatGray(32)))
	if err != nil {
		t.Fatalf("expected neutral assessment, got error %v", err)
	}
	if !res.IsReal || res.RealnessScore != 0.5 || !res.Degraded {
		t.Fatalf("unexpected neutral assessment: %+v", res)
	}
}

func TestAssessReturnsNeutralWhenAnalysisFails(t *testing.T) {
	a := New(DefaultParams(), zap.NewNop())
	a.measure = func(image.Image, Params) (signals, error) {
		return signals{}, errors.New("no blocks")
	}

	res, err := a.Assess(encodePNG(t, flatGray(32)))
	if err != nil {
		t.Fatalf("expected neutral assessment, got error %v", err)
	}
	if !res.Degraded || !res.IsReal {
		t.Fatalf("unexpected assessment: %+v", res)
	}
}

func TestAssessDownsizesLargeImages(t *testing.T) {
	params := DefaultParams()
	params.MaxDimension = 64

	var seen image.Rectangle
	a := New(params, zap.NewNop())
	a.measure = func(img image.Image, p Params) (signals, error) {
		seen = img.Bounds()
		return measureSignals(img, p)
	}

	if _, err := a.Assess(encodePNG(t, flatGray(200))); err != nil {
		t.Fatalf("assess: %v", err)
	}
	if seen.Dx() != 64 || seen.Dy() != 64 {
		t.Fatalf("expected 64x64 analysis input, got %v", seen)
	}
}

func TestCombine(t *testing.T) {
	params := DefaultParams()

	cases := []struct {
		name     string
		in       signals
		wantReal bool
		spoof    float64
	}{
		{
			name:     "grid lines dominate",
			in:       signals{width: 256, height: 256, frequencyRatio: 2, horizontal: 64, vertical: 64, textureStd: 40},
			wantReal: false,
			spoof:    0.825,
		},
		{
			name:     "flat texture",
			in:       signals{width: 100, height: 100, frequencyRatio: 0.5, textureStd: 0},
			wantReal: false,
			spoof:    1,
		},
		{
			name:     "rich texture",
			in:       signals{width: 100, height: 100, frequencyRatio: 0.3, textureStd: 35},
			wantReal: true,
			spoof:    0.3,
		},
		{
			name:     "screen term capped",
			in:       signals{width: 10, height: 10, frequencyRatio: 50, horizontal: 10, vertical: 10, textureStd: 100},
			wantReal: false,
			spoof:    1,
		},
		{
			name:     "texture beyond scale",
			in:       signals{width: 100, height: 100, frequencyRatio: 0.2, textureStd: 80},
			wantReal: true,
			spoof:    0.02,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := combine(tc.in, params)
			if got.IsReal != tc.wantReal {
				t.Fatalf("expected is_real=%v, got %+v", tc.wantReal, got)
			}
			if math.Abs(got.SpoofScore-tc.spoof) > 1e-9 {
				t.Fatalf("expected spoof %v, got %v", tc.spoof, got.SpoofScore)
			}
			if math.Abs(got.RealnessScore-(1-got.SpoofScore)) > 1e-12 {
				t.Fatalf("realness %v is not 1-spoof", got.RealnessScore)
			}
			if got.RealnessScore < 0 || got.RealnessScore > 1 {
				t.Fatalf("realness out of range: %v", got.RealnessScore)
			}
		})
	}
}

func TestCombineThresholdIsExclusive(t *testing.T) {
	params := DefaultParams()
	// print score of exactly 0.6
	got := combine(signals{width: 100, height: 100, textureStd: 20}, params)
	if got.IsReal {
		t.Fatalf("spoof score equal to the threshold must be rejected: %+v", got)
	}
}
