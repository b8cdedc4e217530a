package db

import (
	"math"
	"sort"

	"memory-gateway/config"
)

/*
Distance calculates the distance between two vectors for the given distance type.
Smaller is closer for every type.
*/
func Distance(distanceType config.DistanceType, a, b []float32) float32 {
	switch distanceType {
	case config.DistanceTypeCosine:
		return cosineDistance(a, b)
	case config.DistanceTypeManhattan:
		return manhattanDistance(a, b)
	case config.DistanceTypeHamming:
		return hammingDistance(a, b)
	default:
		return euclideanDistance(a, b)
	}
}

func euclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return float32(math.Sqrt(float64(sum)))
}

/*
cosineDistance calculates the cosine distance between two vectors
*/
func cosineDistance(a, b []float32) float32 {
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	// Maximum distance for zero vectors
	if normA == 0 || normB == 0 {
		return 1.0
	}

	similarity := dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))

	// Clamp similarity to [-1, 1] due to floating point precision
	if similarity > 1.0 {
		similarity = 1.0
	} else if similarity < -1.0 {
		similarity = -1.0
	}

	return 1.0 - similarity
}

func manhattanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += float32(math.Abs(float64(a[i] - b[i])))
	}
	return sum
}

func hammingDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		if a[i] != b[i] {
			sum++
		}
	}
	return sum
}

/*
ExactSearch scans vectors and returns the k closest accepted ones, nearest first.
A nil accept admits every vector.
*/
func ExactSearch(distanceType config.DistanceType, vectors map[string]Vector, query []float32, k int, accept func(Vector) bool) []Neighbor {
	if k <= 0 {
		return []Neighbor{}
	}
	neighbors := make([]Neighbor, 0, len(vectors))
	for _, vector := range vectors {
		if accept != nil && !accept(vector) {
			continue
		}
		neighbors = append(neighbors, Neighbor{Vector: vector, Distance: Distance(distanceType, query, vector.Data)})
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Distance == neighbors[j].Distance {
			return neighbors[i].Vector.ID < neighbors[j].Vector.ID
		}
		return neighbors[i].Distance < neighbors[j].Distance
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors
}
