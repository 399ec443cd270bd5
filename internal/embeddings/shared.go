package embeddings

import (
	"math"
	"time"
)

// NormalizeEmbedding scales a vector to unit length. Zero vectors are
// returned unchanged.
func NormalizeEmbedding(embedding []float32) []float32 {
	var norm float64
	for _, val := range embedding {
		norm += float64(val) * float64(val)
	}
	norm = math.Sqrt(norm)

	if norm == 0 {
		return embedding
	}

	normalized := make([]float32, len(embedding))
	for i, val := range embedding {
		normalized[i] = float32(float64(val) / norm)
	}
	return normalized
}

// CosineSimilarity calculates cosine similarity between two vectors
func CosineSimilarity(vec1, vec2 []float32) float32 {
	if len(vec1) != len(vec2) || len(vec1) == 0 {
		return 0.0
	}

	var dotProduct, norm1, norm2 float64
	for i := range vec1 {
		dotProduct += float64(vec1[i]) * float64(vec2[i])
		norm1 += float64(vec1[i]) * float64(vec1[i])
		norm2 += float64(vec2[i]) * float64(vec2[i])
	}

	if norm1 == 0 || norm2 == 0 {
		return 0.0
	}

	return float32(dotProduct / (math.Sqrt(norm1) * math.Sqrt(norm2)))
}

// updateStats folds one call into stats. Callers hold the stats lock.
func updateStats(stats *ModelStats, texts int64, tokens int, duration time.Duration, success bool) {
	stats.TotalInferences += texts
	stats.TotalTokens += int64(tokens)
	stats.LastInferenceTime = time.Now()

	if success {
		stats.SuccessfulRuns += texts
	} else {
		stats.FailedRuns += texts
	}

	total := stats.SuccessfulRuns + stats.FailedRuns
	if total > 0 {
		stats.ErrorRate = float64(stats.FailedRuns) / float64(total)
	}

	// Average inference time over successful runs only
	if success && stats.SuccessfulRuns > 0 {
		prev := stats.SuccessfulRuns - texts
		totalTime := time.Duration(prev)*stats.AvgInferenceTime + duration
		stats.AvgInferenceTime = totalTime / time.Duration(stats.SuccessfulRuns)
	}

	if stats.TotalInferences > 0 {
		stats.AvgTokensPerText = float64(stats.TotalTokens) / float64(stats.TotalInferences)
	}

	lookups := stats.CacheHits + stats.CacheMisses
	if lookups > 0 {
		stats.CacheHitRatio = float64(stats.CacheHits) / float64(lookups)
	}
}
