package dedup

import (
	"fmt"
	"image"
	"image/color"
	"log"
	"math"

	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/transform"
	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
)

// Verifier decides whether two crops show the same object. Implementations
// may wrap stateful model handles and are only ever called from one goroutine.
type Verifier interface {
	Name() string
	Vote(a, b image.Image) (bool, error)
}

// castVote runs one verifier, turning an error or panic into a "no" vote
func castVote(v Verifier, a, b image.Image) (yes bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Warning: verifier %s panicked: %v", v.Name(), r)
			yes = false
		}
	}()

	yes, err := v.Vote(a, b)
	if err != nil {
		log.Printf("Warning: verifier %s failed: %v", v.Name(), err)
		return false
	}
	return yes
}

// statFunc computes a match-count statistic for two crops
type statFunc func(a, b image.Image) (float64, error)

// thresholdVerifier votes yes when its statistic exceeds the threshold
type thresholdVerifier struct {
	name      string
	threshold float64
	minSide   int
	stat      statFunc
}

func (v *thresholdVerifier) Name() string { return v.name }

func (v *thresholdVerifier) Vote(a, b image.Image) (bool, error) {
	a = EnsureMinSide(a, v.minSide)
	b = EnsureMinSide(b, v.minSide)
	n, err := v.stat(a, b)
	if err != nil {
		return false, err
	}
	return n > v.threshold, nil
}

var verifierFactories = map[string]statFunc{
	"dhash":     dHashMatches,
	"colorgrid": colorGridMatches,
	"edgegrid":  edgeGridMatches,
}

// NewVerifiers builds the configured built-in verifiers in order
func NewVerifiers(cfgs []VerifierConfig) ([]Verifier, error) {
	verifiers := make([]Verifier, 0, len(cfgs))
	for i, cfg := range cfgs {
		stat, ok := verifierFactories[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("verifier[%d]: unknown verifier %q", i, cfg.Name)
		}
		verifiers = append(verifiers, &thresholdVerifier{
			name:      cfg.Name,
			threshold: cfg.Threshold,
			minSide:   cfg.MinSide,
			stat:      stat,
		})
	}
	return verifiers, nil
}

const (
	dHashSide = 16
	gridSide  = 8
)

// dHashMatches counts equal bits of the 16x16 difference hashes
func dHashMatches(a, b image.Image) (float64, error) {
	ha, hb := differenceHash(a), differenceHash(b)
	matches := 0
	for i := range ha {
		if ha[i] == hb[i] {
			matches++
		}
	}
	return float64(matches), nil
}

func differenceHash(img image.Image) []bool {
	small := imaging.Resize(imaging.Grayscale(img), dHashSide+1, dHashSide, imaging.Box)
	bits := make([]bool, 0, dHashSide*dHashSide)
	for y := 0; y < dHashSide; y++ {
		for x := 0; x < dHashSide; x++ {
			left := small.NRGBAAt(x, y).R
			right := small.NRGBAAt(x+1, y).R
			bits = append(bits, left > right)
		}
	}
	return bits
}

// colorGridMaxDelta is the CIEDE2000 distance below which two cells agree
const colorGridMaxDelta = 0.1

// colorGridMatches counts the 8x8 grid cells whose mean colours agree in Lab space
func colorGridMatches(a, b image.Image) (float64, error) {
	ga := imaging.Resize(a, gridSide, gridSide, imaging.Box)
	gb := imaging.Resize(b, gridSide, gridSide, imaging.Box)

	matches := 0
	for y := 0; y < gridSide; y++ {
		for x := 0; x < gridSide; x++ {
			ca, okA := colorful.MakeColor(ga.NRGBAAt(x, y))
			cb, okB := colorful.MakeColor(gb.NRGBAAt(x, y))
			if !okA || !okB {
				continue
			}
			if ca.DistanceCIEDE2000(cb) < colorGridMaxDelta {
				matches++
			}
		}
	}
	return float64(matches), nil
}

const (
	edgeGridSize     = 64
	edgeGridMaxDelta = 24.0
)

// edgeGridMatches counts the 8x8 grid cells with similar Sobel edge density
func edgeGridMatches(a, b image.Image) (float64, error) {
	ea := edgeDensity(a)
	eb := edgeDensity(b)

	matches := 0
	for i := range ea {
		if math.Abs(ea[i]-eb[i]) < edgeGridMaxDelta {
			matches++
		}
	}
	return float64(matches), nil
}

func edgeDensity(img image.Image) []float64 {
	resized := transform.Resize(img, edgeGridSize, edgeGridSize, transform.Linear)
	edges := effect.Sobel(resized)

	cell := edgeGridSize / gridSide
	density := make([]float64, gridSide*gridSide)
	for y := 0; y < edgeGridSize; y++ {
		for x := 0; x < edgeGridSize; x++ {
			g := color.GrayModel.Convert(edges.At(x, y)).(color.Gray)
			density[(y/cell)*gridSide+x/cell] += float64(g.Y)
		}
	}
	for i := range density {
		density[i] /= float64(cell * cell)
	}
	return density
}
