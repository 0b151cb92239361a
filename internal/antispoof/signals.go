package antispoof

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/montanaflynn/stats"
	"gocv.io/x/gocv"
)

func measureSignals(img image.Image, p Params) (signals, error) {
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return signals{}, fmt.Errorf("convert to mat: %w", err)
	}
	defer src.Close()
	if src.Empty() {
		return signals{}, errors.New("converted mat is empty")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	s := signals{width: gray.Cols(), height: gray.Rows()}

	if s.frequencyRatio, err = frequencyRatio(gray, p.FrequencyWindow); err != nil {
		return signals{}, err
	}
	s.horizontal, s.vertical = gridLines(gray, p)
	if s.textureStd, err = textureVariation(gray, p.BlockSize); err != nil {
		return signals{}, err
	}
	return s, nil
}

// frequencyRatio is std/mean of the log-magnitude spectrum inside a square
// window of half-width `window` around the zero-frequency component.
func frequencyRatio(gray gocv.Mat, window int) (float64, error) {
	floatMat := gocv.NewMat()
	defer floatMat.Close()
	gray.ConvertTo(&floatMat, gocv.MatTypeCV32F)

	spectrum := gocv.NewMat()
	defer spectrum.Close()
	gocv.DFT(floatMat, &spectrum, gocv.DftComplexOutput)

	planes := gocv.Split(spectrum)
	defer func() {
		for _, plane := range planes {
			plane.Close()
		}
	}()
	if len(planes) != 2 {
		return 0, fmt.Errorf("expected 2 spectrum planes, got %d", len(planes))
	}

	magnitude := gocv.NewMat()
	defer magnitude.Close()
	gocv.Magnitude(planes[0], planes[1], &magnitude)

	rows, cols := magnitude.Rows(), magnitude.Cols()
	halfR := min(window, rows/2)
	halfC := min(window, cols/2)
	if halfR == 0 || halfC == 0 {
		return 0, fmt.Errorf("image too small for frequency window: %dx%d", cols, rows)
	}

	// The unshifted spectrum has the zero frequency at (0,0); offsets in
	// [-half, half) wrap around, which is the centred window after a shift.
	values := make([]float64, 0, 4*halfR*halfC)
	for dy := -halfR; dy < halfR; dy++ {
		r := (dy + rows) % rows
		for dx := -halfC; dx < halfC; dx++ {
			c := (dx + cols) % cols
			values = append(values, math.Log1p(float64(magnitude.GetFloatAt(r, c))))
		}
	}

	mean, err := stats.Mean(values)
	if err != nil {
		return 0, err
	}
	if mean <= 0 {
		return 0, nil
	}
	std, err := stats.StandardDeviationPopulation(values)
	if err != nil {
		return 0, err
	}
	return std / mean, nil
}

// gridLines counts long horizontal and vertical segments found by a
// probabilistic Hough transform over the Canny edge map.
func gridLines(gray gocv.Mat, p Params) (horizontal, vertical int) {
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, p.CannyLow, p.CannyHigh)

	tolerance := math.Tan(p.LineAngleTolerance * math.Pi / 180)

	count := func(minLength float32, accept func(dx, dy float64) bool) int {
		lines := gocv.NewMat()
		defer lines.Close()
		gocv.HoughLinesPWithParams(edges, &lines, 1, math.Pi/180, p.HoughThreshold, minLength, p.HoughMaxGap)

		n := 0
		for i := 0; i < lines.Rows(); i++ {
			v := lines.GetVeciAt(i, 0)
			dx := math.Abs(float64(v[2] - v[0]))
			dy := math.Abs(float64(v[3] - v[1]))
			if accept(dx, dy) {
				n++
			}
		}
		return n
	}

	horizontal = count(float32(gray.Cols())/4, func(dx, dy float64) bool { return dy <= dx*tolerance })
	vertical = count(float32(gray.Rows())/4, func(dx, dy float64) bool { return dx <= dy*tolerance })
	return horizontal, vertical
}

// textureVariation is the standard deviation of per-block standard
// deviations over non-overlapping blocks; partial border blocks are skipped.
func textureVariation(gray gocv.Mat, block int) (float64, error) {
	if block <= 0 {
		return 0, fmt.Errorf("invalid block size %d", block)
	}
	rows, cols := gray.Rows(), gray.Cols()
	pix := gray.ToBytes()
	if len(pix) < rows*cols {
		return 0, fmt.Errorf("unexpected gray buffer size %d for %dx%d", len(pix), cols, rows)
	}

	var blockStds []float64
	values := make([]float64, block*block)
	for top := 0; top+block <= rows; top += block {
		for left := 0; left+block <= cols; left += block {
			i := 0
			for y := top; y < top+block; y++ {
				row := pix[y*cols : (y+1)*cols]
				for x := left; x < left+block; x++ {
					values[i] = float64(row[x])
					i++
				}
			}
			std, err := stats.StandardDeviationPopulation(values)
			if err != nil {
				return 0, err
			}
			blockStds = append(blockStds, std)
		}
	}
	if len(blockStds) == 0 {
		return 0, fmt.Errorf("image smaller than one %dx%d block", block, block)
	}
	return stats.StandardDeviationPopulation(blockStds)
}
