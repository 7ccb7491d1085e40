package dedup

import (
	"errors"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMajorityThreshold(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
	}
	for _, tt := range tests {
		if got := MajorityThreshold(tt.n); got != tt.want {
			t.Errorf("MajorityThreshold(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, IsDuplicate(2, 3))
	assert.False(t, IsDuplicate(1, 3))
	assert.True(t, IsDuplicate(3, 3))
	assert.False(t, IsDuplicate(0, 0))
	assert.False(t, IsDuplicate(1, 2))
}

func TestCastVote_RecoversFailures(t *testing.T) {
	a := solidImage(8, 8, color.Black)
	assert.False(t, castVote(panicVerifier{}, a, a))
	assert.False(t, castVote(fixedVerifier{name: "err", yes: true, err: errors.New("boom")}, a, a))
	assert.True(t, castVote(fixedVerifier{name: "yes", yes: true}, a, a))
}

// twoImageDataset holds one shop detection in each of two images
func twoImageDataset(t *testing.T) (*Dataset, memStore) {
	t.Helper()
	a := &Image{FileName: "a.jpg", Width: 64, Height: 64, Detections: []Detection{shopDetection(0, 0, 32, 32)}}
	b := &Image{FileName: "b.jpg", Width: 64, Height: 64, Detections: []Detection{shopDetection(8, 8, 40, 40)}}
	store := memStore{"a.jpg": patternImage(64, 64, 10), "b.jpg": patternImage(64, 64, 10)}
	return newTestDataset(t, a, b), store
}

func TestFindDuplicates_MajorityOfThree(t *testing.T) {
	tests := []struct {
		name      string
		votes     []bool
		wantEdges int
	}{
		{"two of three", []bool{true, true, false}, 1},
		{"one of three", []bool{true, false, false}, 0},
		{"three of three", []bool{true, true, true}, 1},
		{"none", []bool{false, false, false}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, store := twoImageDataset(t)
			var verifiers []Verifier
			for i, yes := range tt.votes {
				verifiers = append(verifiers, fixedVerifier{name: string(rune('a' + i)), yes: yes})
			}

			va := NewVoteAggregator(store, verifiers)
			edges, err := va.FindDuplicates(d, []CandidatePair{{A: "a.jpg", B: "b.jpg"}}, []int{1})
			require.NoError(t, err)
			assert.Len(t, edges, tt.wantEdges)
			if tt.wantEdges == 1 {
				e := edges[0]
				assert.Equal(t, NodeRef{Image: "a.jpg", Detection: 0}, e.A)
				assert.Equal(t, NodeRef{Image: "b.jpg", Detection: 0}, e.B)
				assert.Equal(t, 3, e.Verifiers)
			}
		})
	}
}

func TestFindDuplicates_SkipsZeroAreaCrops(t *testing.T) {
	d, store := twoImageDataset(t)
	d.Image("a.jpg").Detections[0].Box = Box{Left: 10, Top: 10, Right: 10, Bottom: 30}

	mv := &mockVerifier{}
	va := NewVoteAggregator(store, []Verifier{mv})
	edges, err := va.FindDuplicates(d, []CandidatePair{{A: "a.jpg", B: "b.jpg"}}, []int{1})
	require.NoError(t, err)
	assert.Empty(t, edges)
	mv.AssertNotCalled(t, "Vote", mock.Anything, mock.Anything)
}

func TestFindDuplicates_CartesianProductPerClass(t *testing.T) {
	a := &Image{FileName: "a.jpg", Detections: []Detection{
		shopDetection(0, 0, 16, 16),
		shopDetection(16, 16, 32, 32),
		{ClassID: 2, Box: Box{Left: 0, Top: 0, Right: 8, Bottom: 8}},
	}}
	b := &Image{FileName: "b.jpg", Detections: []Detection{
		shopDetection(0, 0, 16, 16),
		{ClassID: 2, Box: Box{Left: 0, Top: 0, Right: 8, Bottom: 8}},
	}}
	d := newTestDataset(t, a, b)
	store := memStore{"a.jpg": patternImage(32, 32, 1), "b.jpg": patternImage(32, 32, 2)}

	mv := &mockVerifier{}
	mv.On("Vote", mock.Anything, mock.Anything).Return(true, nil)

	va := NewVoteAggregator(store, []Verifier{mv})
	edges, err := va.FindDuplicates(d, []CandidatePair{{A: "a.jpg", B: "b.jpg"}}, []int{1, 2})
	require.NoError(t, err)

	// 2x1 shop pairs plus 1x1 sign pair
	assert.Len(t, edges, 3)
	mv.AssertNumberOfCalls(t, "Vote", 3)
	for _, e := range edges {
		assert.Equal(t, d.Image(e.A.Image).Detections[e.A.Detection].ClassID, e.ClassID)
		assert.Equal(t, d.Image(e.B.Image).Detections[e.B.Detection].ClassID, e.ClassID)
	}
}

func TestFindDuplicates_NoVerifiers(t *testing.T) {
	d, store := twoImageDataset(t)
	_, err := NewVoteAggregator(store, nil).FindDuplicates(d, nil, []int{1})
	assert.Error(t, err)
}

func TestFindDuplicates_WritesAuditPairs(t *testing.T) {
	d, store := twoImageDataset(t)
	va := NewVoteAggregator(store, []Verifier{fixedVerifier{name: "yes", yes: true}})
	va.AuditDir = t.TempDir()

	edges, err := va.FindDuplicates(d, []CandidatePair{{A: "a.jpg", B: "b.jpg"}}, []int{1})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.FileExists(t, va.AuditDir+"/pair_0_votes_1.jpg")
}
