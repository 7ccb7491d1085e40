package dedup

import (
	"fmt"
	"image"
	"log"
)

// MajorityThreshold is the number of yes votes needed out of n verifiers
func MajorityThreshold(n int) int {
	return n/2 + 1
}

// IsDuplicate applies the majority rule
func IsDuplicate(votes, n int) bool {
	return n > 0 && votes >= MajorityThreshold(n)
}

// VoteAggregator asks every verifier about each same-class detection pair of
// neighbouring images and records a duplicate edge on a majority
type VoteAggregator struct {
	Store     ImageStore
	Verifiers []Verifier

	// AuditDir receives a side-by-side crop sheet per confirmed duplicate when set
	AuditDir string

	audited int
}

// NewVoteAggregator creates an aggregator over the given store and verifiers
func NewVoteAggregator(store ImageStore, verifiers []Verifier) *VoteAggregator {
	return &VoteAggregator{
		Store:     store,
		Verifiers: verifiers,
	}
}

// Tally returns how many verifiers voted that a and b match
func (va *VoteAggregator) Tally(a, b image.Image) int {
	votes := 0
	for _, v := range va.Verifiers {
		if castVote(v, a, b) {
			votes++
		}
	}
	return votes
}

// FindDuplicates evaluates every candidate pair in order. For each class the
// Cartesian product of that class's detections in both images is verified;
// zero-area crops are skipped without a vote.
func (va *VoteAggregator) FindDuplicates(d *Dataset, pairs []CandidatePair, classIDs []int) ([]DuplicateEdge, error) {
	n := len(va.Verifiers)
	if n == 0 {
		return nil, fmt.Errorf("no verifiers configured")
	}

	var edges []DuplicateEdge
	for pi, pair := range pairs {
		imgA, imgB := d.Image(pair.A), d.Image(pair.B)
		if imgA == nil || imgB == nil {
			return nil, fmt.Errorf("candidate pair %s/%s references an image outside the dataset", pair.A, pair.B)
		}

		pixA, err := va.Store.Open(imgA.Source)
		if err != nil {
			return nil, err
		}
		pixB, err := va.Store.Open(imgB.Source)
		if err != nil {
			return nil, err
		}

		for _, classID := range classIDs {
			for _, ia := range imgA.DetectionIndices(classID) {
				cropA, ok := CropDetection(pixA, imgA.Detections[ia].Box)
				if !ok {
					continue
				}
				for _, ib := range imgB.DetectionIndices(classID) {
					cropB, ok := CropDetection(pixB, imgB.Detections[ib].Box)
					if !ok {
						continue
					}

					votes := va.Tally(cropA, cropB)
					if !IsDuplicate(votes, n) {
						continue
					}

					edges = append(edges, DuplicateEdge{
						A:         NodeRef{Image: imgA.FileName, Detection: ia},
						B:         NodeRef{Image: imgB.FileName, Detection: ib},
						ClassID:   classID,
						Votes:     votes,
						Verifiers: n,
					})
					va.audit(cropA, cropB, votes, n)
				}
			}
		}

		if (pi+1)%100 == 0 {
			log.Printf("Verified %d/%d candidate pairs, %d duplicates so far", pi+1, len(pairs), len(edges))
		}
	}

	return edges, nil
}

func (va *VoteAggregator) audit(a, b image.Image, votes, n int) {
	if va.AuditDir == "" {
		return
	}
	if _, err := SaveAuditPair(va.AuditDir, va.audited, votes, n, a, b); err != nil {
		log.Printf("Warning: %v", err)
		return
	}
	va.audited++
}
