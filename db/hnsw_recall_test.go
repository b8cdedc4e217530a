package db

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-gateway/config"
)

// recallAt reports the share of the exact k nearest neighbors that approx found.
func recallAt(exact, approx []Neighbor) float64 {
	if len(exact) == 0 {
		return 1
	}
	found := make(map[string]bool, len(approx))
	for _, n := range approx {
		found[n.Vector.ID] = true
	}
	hits := 0
	for _, n := range exact {
		if found[n.Vector.ID] {
			hits++
		}
	}
	return float64(hits) / float64(len(exact))
}

func buildGraph(t testing.TB, m, efConstruction, efSearch int, vectors []Vector) *HNSWGraph {
	graph := NewHNSWGraph(m, efConstruction, config.DistanceTypeEuclidean)
	graph.EfSearch = efSearch
	for _, v := range vectors {
		require.NoError(t, graph.Insert(v))
	}
	return graph
}

// TestHNSWRecall compares approximate search against an exact scan.
func TestHNSWRecall(t *testing.T) {
	const (
		dimensions = 32
		numVectors = 2000
		numQueries = 20
		k          = 10
	)
	vectors := randomVectors(numVectors, dimensions)
	byID := make(map[string]Vector, len(vectors))
	for _, v := range vectors {
		byID[v.ID] = v
	}

	graph := buildGraph(t, 16, 200, 200, vectors)
	require.Equal(t, numVectors, graph.Len())

	var total float64
	for q := 0; q < numQueries; q++ {
		query := randomVectors(1, dimensions)[0].Data
		approx, err := graph.Search(query, k)
		require.NoError(t, err)
		require.Len(t, approx, k)
		for i := 1; i < len(approx); i++ {
			assert.LessOrEqual(t, approx[i-1].Distance, approx[i].Distance)
		}

		exact := ExactSearch(config.DistanceTypeEuclidean, byID, query, k, nil)
		total += recallAt(exact, approx)
	}

	recall := total / numQueries
	t.Logf("recall@%d over %d queries: %.3f", k, numQueries, recall)
	assert.GreaterOrEqual(t, recall, 0.9)
}

// TestHNSWRecallAfterRemoval checks that removals do not disconnect the graph.
func TestHNSWRecallAfterRemoval(t *testing.T) {
	vectors := randomVectors(1000, 16)
	graph := buildGraph(t, 16, 200, 200, vectors)

	remaining := make(map[string]Vector)
	for i, v := range vectors {
		if i%2 == 0 {
			require.True(t, graph.Remove(v.ID))
			continue
		}
		remaining[v.ID] = v
	}

	var total float64
	for q := 0; q < 10; q++ {
		query := randomVectors(1, 16)[0].Data
		approx, err := graph.Search(query, 10)
		require.NoError(t, err)
		total += recallAt(ExactSearch(config.DistanceTypeEuclidean, remaining, query, 10, nil), approx)
	}
	assert.GreaterOrEqual(t, total/10, 0.85)
}

// BenchmarkHNSWParameters searches with different graph configurations and reports recall.
func BenchmarkHNSWParameters(b *testing.B) {
	benchParams := []struct {
		name           string
		m              int
		efConstruction int
		efSearch       int
	}{
		{"LowParams", 8, 50, 100},
		{"MediumParams", 16, 100, 150},
		{"HighParams", 32, 200, 250},
		{"FastSearch", 16, 150, 50},
		{"AccurateSearch", 24, 250, 500},
	}

	vectors := randomVectors(3000, 32)
	byID := make(map[string]Vector, len(vectors))
	for _, v := range vectors {
		byID[v.ID] = v
	}
	queries := make([][]float32, 50)
	for i := range queries {
		queries[i] = randomVectors(1, 32)[0].Data
	}

	for _, params := range benchParams {
		b.Run(params.name, func(b *testing.B) {
			graph := buildGraph(b, params.m, params.efConstruction, params.efSearch, vectors)

			var total float64
			for _, query := range queries {
				approx, err := graph.Search(query, 10)
				require.NoError(b, err)
				total += recallAt(ExactSearch(config.DistanceTypeEuclidean, byID, query, 10, nil), approx)
			}
			b.ReportMetric(total/float64(len(queries)), "recall@10")

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := graph.Search(queries[rand.Intn(len(queries))], 10); err != nil {
					b.Fatal(fmt.Errorf("search: %w", err))
				}
			}
		})
	}
}
