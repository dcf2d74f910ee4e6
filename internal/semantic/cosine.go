package semantic

import (
	"math"
	"sort"
)

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rankTopK sorts by score, breaking ties by document then chunk order so
// results are deterministic.
func rankTopK(frags []Fragment, topK int) []Fragment {
	sort.SliceStable(frags, func(i, j int) bool {
		if frags[i].Score != frags[j].Score {
			return frags[i].Score > frags[j].Score
		}
		if frags[i].DocumentID != frags[j].DocumentID {
			return frags[i].DocumentID < frags[j].DocumentID
		}
		return frags[i].ChunkIndex < frags[j].ChunkIndex
	})
	if topK > 0 && len(frags) > topK {
		frags = frags[:topK]
	}
	return frags
}
