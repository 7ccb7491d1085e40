package dedup

// ClusterSummary is the multiset shape of a cluster's image ids
type ClusterSummary struct {
	Count           int
	Distinct        int
	MaxMultiplicity int
}

// SummarizeImageIDs computes the summary of a cluster's image id list.
// Majority is the first id, in list order, reaching the maximum multiplicity.
func SummarizeImageIDs(imageIDs []string) (ClusterSummary, string) {
	counts := make(map[string]int, len(imageIDs))
	s := ClusterSummary{Count: len(imageIDs)}
	for _, id := range imageIDs {
		counts[id]++
	}
	s.Distinct = len(counts)

	var majority string
	for _, id := range imageIDs {
		if c := counts[id]; c > s.MaxMultiplicity {
			s.MaxMultiplicity = c
			majority = id
		}
	}
	return s, majority
}

// RedundancyRule is the reduction applied to one cluster
type RedundancyRule int

const (
	// KeepAll deletes nothing: a single detection or a single source image
	KeepAll RedundancyRule = iota
	// DropOneRandom deletes one entry chosen at random
	DropOneRandom
	// DropMinority deletes every entry not from the majority image
	DropMinority
	// DropMinorityPair deletes both entries of the non-majority image of a 2+2 cluster
	DropMinorityPair
	// DropMinoritySample deletes up to two random entries not from the majority image
	DropMinoritySample
	// DropRandomPair deletes both entries of one image chosen at random
	DropRandomPair
	// Fallback deletes one random entry when no other rule matches
	Fallback
)

var ruleNames = map[RedundancyRule]string{
	KeepAll:            "keep-all",
	DropOneRandom:      "drop-one-random",
	DropMinority:       "drop-minority",
	DropMinorityPair:   "drop-minority-pair",
	DropMinoritySample: "drop-minority-sample",
	DropRandomPair:     "drop-random-pair",
	Fallback:           "fallback",
}

func (r RedundancyRule) String() string {
	if name, ok := ruleNames[r]; ok {
		return name
	}
	return "unknown"
}

// ClassifyCluster maps a cluster summary onto its reduction rule
func ClassifyCluster(s ClusterSummary) RedundancyRule {
	switch {
	case s.Count <= 1, s.Distinct <= 1:
		return KeepAll
	case s.Distinct == s.Count:
		return DropOneRandom
	}

	switch s.Count {
	case 3:
		// 2+1
		return DropMinority
	case 4:
		switch {
		case s.MaxMultiplicity == 3:
			return DropMinority
		case s.MaxMultiplicity == 2 && s.Distinct == 2:
			return DropMinorityPair
		}
		// 2+1+1 has no single minority to drop
		return Fallback
	}

	switch {
	case 2*s.MaxMultiplicity > s.Count:
		return DropMinoritySample
	case s.MaxMultiplicity == 2 && 2*s.Distinct == s.Count:
		return DropRandomPair
	}
	return Fallback
}

// RedundantEntries returns the positions of a cluster's image id list to
// delete. Random picks are drawn from rng in list order.
func RedundantEntries(imageIDs []string, rng *Rand) []int {
	s, majority := SummarizeImageIDs(imageIDs)
	all := make([]int, len(imageIDs))
	for i := range all {
		all[i] = i
	}

	switch ClassifyCluster(s) {
	case KeepAll:
		return nil
	case DropOneRandom, Fallback:
		return []int{rng.IntN(len(imageIDs))}
	case DropMinority, DropMinorityPair:
		return positionsWhere(imageIDs, func(id string) bool { return id != majority })
	case DropMinoritySample:
		minority := positionsWhere(imageIDs, func(id string) bool { return id != majority })
		return rng.Sample(minority, 2)
	case DropRandomPair:
		var order []string
		seen := make(map[string]bool)
		for _, id := range imageIDs {
			if !seen[id] {
				seen[id] = true
				order = append(order, id)
			}
		}
		victim := order[rng.IntN(len(order))]
		return positionsWhere(imageIDs, func(id string) bool { return id == victim })
	}
	return nil
}

func positionsWhere(ids []string, keep func(string) bool) []int {
	var out []int
	for i, id := range ids {
		if keep(id) {
			out = append(out, i)
		}
	}
	return out
}

// ReduceLocationDuplicates applies the redundancy rules to every cluster and
// deletes the selected detections from the dataset. Returns the number removed.
func ReduceLocationDuplicates(d *Dataset, clusters []Cluster, rng *Rand) (int, error) {
	var doomed []NodeRef
	for _, c := range clusters {
		members := c.Members()
		for _, i := range RedundantEntries(c.ImageIDs, rng) {
			doomed = append(doomed, members[i])
		}
	}
	return d.RemoveDetections(doomed)
}
