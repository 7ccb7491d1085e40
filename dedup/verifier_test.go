package dedup

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifierStats_IdenticalCrops(t *testing.T) {
	img := patternImage(48, 32, 40)

	tests := []struct {
		name string
		stat statFunc
		want float64
	}{
		{"dhash", dHashMatches, dHashSide * dHashSide},
		{"colorgrid", colorGridMatches, gridSide * gridSide},
		{"edgegrid", edgeGridMatches, gridSide * gridSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := tt.stat(img, img)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestColorGridMatches_OppositeColours(t *testing.T) {
	n, err := colorGridMatches(solidImage(16, 16, color.Black), solidImage(16, 16, color.White))
	require.NoError(t, err)
	assert.Equal(t, 0.0, n)
}

func TestDHashMatches_IgnoresFlatBrightness(t *testing.T) {
	// flat images hash to all-zero gradients regardless of brightness
	n, err := dHashMatches(solidImage(16, 16, color.Black), solidImage(16, 16, color.White))
	require.NoError(t, err)
	assert.Equal(t, float64(dHashSide*dHashSide), n)
}

func TestNewVerifiers(t *testing.T) {
	verifiers, err := NewVerifiers([]VerifierConfig{
		{Name: "dhash", Threshold: 200},
		{Name: "colorgrid", Threshold: 40, MinSide: 32},
		{Name: "edgegrid", Threshold: 40},
	})
	require.NoError(t, err)
	require.Len(t, verifiers, 3)
	assert.Equal(t, "dhash", verifiers[0].Name())
	assert.Equal(t, "colorgrid", verifiers[1].Name())
	assert.Equal(t, "edgegrid", verifiers[2].Name())

	_, err = NewVerifiers([]VerifierConfig{{Name: "superglue"}})
	assert.Error(t, err)
}

func TestThresholdVerifier_StrictlyAbove(t *testing.T) {
	img := patternImage(32, 32, 90)

	yes, err := (&thresholdVerifier{name: "dhash", threshold: 255, stat: dHashMatches}).Vote(img, img)
	require.NoError(t, err)
	assert.True(t, yes, "256 matches exceed 255")

	yes, err = (&thresholdVerifier{name: "dhash", threshold: 256, stat: dHashMatches}).Vote(img, img)
	require.NoError(t, err)
	assert.False(t, yes, "256 matches do not exceed 256")
}

func TestThresholdVerifier_UpscalesSmallCrops(t *testing.T) {
	var seen []int
	v := &thresholdVerifier{
		name:    "probe",
		minSide: 32,
		stat: func(a, b image.Image) (float64, error) {
			seen = append(seen, a.Bounds().Dx(), a.Bounds().Dy(), b.Bounds().Dx(), b.Bounds().Dy())
			return 0, nil
		},
	}
	_, err := v.Vote(solidImage(8, 16, color.Black), solidImage(40, 40, color.Black))
	require.NoError(t, err)
	assert.Equal(t, []int{32, 64, 40, 40}, seen)
}
