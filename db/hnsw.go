package db

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"

	"memory-gateway/config"
)

/*
HNSWGraph represents the Hierarchical Navigable Small World graph structure.

HNSW is an approximate nearest neighbor search algorithm that builds a multi-layer
graph with skip-list-like properties. Each layer is a navigable small world graph,
with the number of connections decreasing as you go up the layers.

Key parameters:
- M: Controls the maximum number of connections per node in the graph
- EfConstruction: Controls the size of the dynamic candidate list during graph construction
- EfSearch: Controls the size of the dynamic candidate list during search
*/
type HNSWGraph struct {
	// Maximum number of connections per layer
	M int
	// Size of the dynamic candidate list during construction
	EfConstruction int
	// Size of the dynamic candidate list during search
	EfSearch int
	// Maximum layer
	MaxLayer int
	// Entry point
	EntryPoint string
	// Layers of the graph
	Layers []map[string][]string
	// Vector data
	Vectors map[string]Vector
	// Distance function
	DistanceType config.DistanceType
	// top layer of every node
	levels map[string]int
	mu     sync.RWMutex
	// Normalization factor for level generation
	mL float64
}

/*
NewHNSWGraph creates a new HNSW graph with the specified parameters.

Parameters:
- m: Maximum number of connections per node (recommended: 5-48)
- efConstruction: Size of the dynamic candidate list during construction (recommended: 100-200)
- distanceType: The distance metric to use

The mL parameter is calculated as 1/ln(M) and is used for generating the probability
distribution of nodes across layers.
*/
func NewHNSWGraph(m, efConstruction int, distanceType config.DistanceType) *HNSWGraph {
	if m <= 0 {
		m = 16
	}
	if efConstruction <= 0 {
		efConstruction = 200
	}

	// M > 1 avoids log(1)=0
	ml := 1.0
	if m > 1 {
		ml = 1.0 / math.Log(float64(m))
	}

	return &HNSWGraph{
		M:              m,
		EfConstruction: efConstruction,
		EfSearch:       efConstruction,
		MaxLayer:       0,
		Layers:         []map[string][]string{make(map[string][]string)},
		Vectors:        make(map[string]Vector),
		DistanceType:   distanceType,
		levels:         make(map[string]int),
		mL:             ml,
	}
}

/*
Insert adds a vector to the graph, replacing any vector with the same ID.

The process works as follows:
1. Randomly assign a layer level to the new vector using the mL normalization factor
2. If this is the first vector, it becomes the entry point
3. Find the best entry point for the target layer by descending from the top layer
4. For each layer from the target down to 0, find neighbors and establish connections
5. For each bidirectional connection, trim neighbor's connections if they exceed M
6. A vector placed above the previous top layer becomes the new entry point
*/
func (g *HNSWGraph) Insert(vector Vector) error {
	if len(vector.Data) == 0 {
		return ErrEmptyVector
	}
	if vector.ID == "" {
		return ErrInvalidParameter
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// upsert: drop the old node and its edges first
	if _, exists := g.Vectors[vector.ID]; exists {
		g.removeLocked(vector.ID)
	}

	layer := g.randomLevel()
	previousMax := g.MaxLayer
	if layer > g.MaxLayer {
		g.MaxLayer = layer
		for i := len(g.Layers); i <= layer; i++ {
			g.Layers = append(g.Layers, make(map[string][]string))
		}
	}

	g.Vectors[vector.ID] = vector
	g.levels[vector.ID] = layer
	for l := 0; l <= layer; l++ {
		if _, ok := g.Layers[l][vector.ID]; !ok {
			g.Layers[l][vector.ID] = []string{}
		}
	}

	if g.EntryPoint == "" {
		g.EntryPoint = vector.ID
		return nil
	}

	// First phase: Find the best entry point for the target layer
	entryPointForLayer := g.EntryPoint
	for l := previousMax; l > layer; l-- {
		pathCandidates := g.searchLayer(vector.Data, entryPointForLayer, 1, l)
		if len(pathCandidates) > 0 {
			entryPointForLayer = pathCandidates[0]
		}
	}

	// Second phase: Insert the vector in each layer from layer down to 0
	for l := min(layer, previousMax); l >= 0; l-- {
		nearestCandidates := g.searchLayer(vector.Data, entryPointForLayer, g.EfConstruction, l)
		neighbors := g.selectNeighbors(vector.Data, without(nearestCandidates, vector.ID), g.M)

		g.Layers[l][vector.ID] = neighbors
		for _, neighbor := range neighbors {
			g.Layers[l][neighbor] = append(g.Layers[l][neighbor], vector.ID)

			// Trim neighbor's connections if they exceed M
			if len(g.Layers[l][neighbor]) > g.M {
				g.Layers[l][neighbor] = g.selectNeighbors(g.Vectors[neighbor].Data, g.Layers[l][neighbor], g.M)
			}
		}

		if len(nearestCandidates) > 0 {
			entryPointForLayer = nearestCandidates[0]
		}
	}

	if layer > previousMax {
		g.EntryPoint = vector.ID
	}
	return nil
}

/*
Remove deletes a vector and every edge pointing at it. Nodes that lost a
neighbor are reconnected from the removed node's neighborhood so the layer
stays navigable.
*/
func (g *HNSWGraph) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeLocked(id)
}

func (g *HNSWGraph) removeLocked(id string) bool {
	level, ok := g.levels[id]
	if !ok {
		return false
	}

	for l := 0; l <= level && l < len(g.Layers); l++ {
		orphaned := g.Layers[l][id]
		delete(g.Layers[l], id)

		for node, neighbors := range g.Layers[l] {
			kept := without(neighbors, id)
			if len(kept) == len(neighbors) {
				continue
			}
			// repair from the removed node's neighborhood
			candidates := kept
			for _, c := range orphaned {
				if c != node && !contains(candidates, c) {
					candidates = append(candidates, c)
				}
			}
			g.Layers[l][node] = g.selectNeighbors(g.Vectors[node].Data, candidates, g.M)
		}
	}

	delete(g.Vectors, id)
	delete(g.levels, id)

	if g.EntryPoint == id {
		g.EntryPoint = ""
		g.MaxLayer = 0
		for node, nodeLevel := range g.levels {
			if g.EntryPoint == "" || nodeLevel > g.MaxLayer {
				g.EntryPoint = node
				g.MaxLayer = nodeLevel
			}
		}
		g.Layers = g.Layers[:g.MaxLayer+1]
	}
	return true
}

/*
Search finds the k nearest neighbors to a query vector.

The search process works in two phases:
1. Descend from the top layer to layer 1, finding the best entry point for each layer
2. Perform a detailed search in layer 0 using efSearch candidates
*/
func (g *HNSWGraph) Search(query []float32, k int) ([]Neighbor, error) {
	if len(query) == 0 {
		return nil, ErrEmptyVector
	}
	if k <= 0 {
		return nil, ErrInvalidParameter
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.EntryPoint == "" {
		return []Neighbor{}, nil
	}

	// Phase 1: Descend from top layer to layer 1 (only finding path)
	currentEntryPoint := g.EntryPoint
	for l := g.MaxLayer; l > 0; l-- {
		pathCandidates := g.searchLayer(query, currentEntryPoint, 1, l)
		if len(pathCandidates) == 0 {
			break
		}
		currentEntryPoint = pathCandidates[0]
	}

	// Phase 2: Detailed search in layer 0
	finalCandidates := g.searchLayer(query, currentEntryPoint, max(g.EfSearch, k), 0)
	if len(finalCandidates) > k {
		finalCandidates = finalCandidates[:k]
	}

	neighbors := make([]Neighbor, 0, len(finalCandidates))
	for _, id := range finalCandidates {
		vector := g.Vectors[id]
		neighbors = append(neighbors, Neighbor{Vector: vector, Distance: g.Distance(query, vector.Data)})
	}
	return neighbors, nil
}

/*
Len returns the number of vectors in the graph
*/
func (g *HNSWGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.Vectors)
}

func (g *HNSWGraph) randomLevel() int {
	if g.mL <= 0 {
		return 0
	}
	levelRand := rand.Float64()
	if levelRand == 0 {
		levelRand = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(levelRand) * g.mL))
}

// DistanceItem represents an item with its distance to the query vector
type DistanceItem struct {
	ID       string
	Distance float32
}

// MinHeap implementation for candidates (min distance first)
type MinHeap []DistanceItem

func (h MinHeap) Len() int            { return len(h) }
func (h MinHeap) Less(i, j int) bool  { return h[i].Distance < h[j].Distance }
func (h MinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *MinHeap) Push(x interface{}) { *h = append(*h, x.(DistanceItem)) }
func (h *MinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// MaxHeap implementation for results (max distance first, for easy removal of worst element)
type MaxHeap []DistanceItem

func (h MaxHeap) Len() int            { return len(h) }
func (h MaxHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h MaxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *MaxHeap) Push(x interface{}) { *h = append(*h, x.(DistanceItem)) }
func (h *MaxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

/*
searchLayer searches for the nearest neighbors in a specific layer using heap data structures
*/
func (g *HNSWGraph) searchLayer(query []float32, entryPoint string, k int, layer int) []string {
	if k <= 0 {
		return []string{}
	}

	visited := make(map[string]bool)
	resultSet := &MaxHeap{}
	heap.Init(resultSet)

	entryPointDist := g.Distance(query, g.Vectors[entryPoint].Data)
	heap.Push(resultSet, DistanceItem{ID: entryPoint, Distance: entryPointDist})
	visited[entryPoint] = true

	candidateSet := &MinHeap{DistanceItem{ID: entryPoint, Distance: entryPointDist}}
	heap.Init(candidateSet)

	ef := k
	if layer == 0 && g.EfSearch > k {
		ef = g.EfSearch
	} else if layer > 0 && g.EfConstruction > k {
		ef = g.EfConstruction
	}

	// Allow 10% worse candidates to be explored before stopping
	qualityThreshold := float32(1.1)

	for candidateSet.Len() > 0 {
		current := heap.Pop(candidateSet).(DistanceItem)

		if resultSet.Len() >= ef && current.Distance > (*resultSet)[0].Distance*qualityThreshold {
			break
		}

		for _, neighborID := range g.Layers[layer][current.ID] {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			neighborDist := g.Distance(query, g.Vectors[neighborID].Data)
			if resultSet.Len() < ef || neighborDist < (*resultSet)[0].Distance {
				heap.Push(resultSet, DistanceItem{ID: neighborID, Distance: neighborDist})
				if resultSet.Len() > ef {
					heap.Pop(resultSet)
				}
				heap.Push(candidateSet, DistanceItem{ID: neighborID, Distance: neighborDist})
			}
		}
	}

	resultItems := make([]DistanceItem, 0, resultSet.Len())
	for resultSet.Len() > 0 {
		resultItems = append(resultItems, heap.Pop(resultSet).(DistanceItem))
	}
	sort.Slice(resultItems, func(i, j int) bool {
		return resultItems[i].Distance < resultItems[j].Distance
	})

	resultIDs := make([]string, 0, k)
	for i := 0; i < k && i < len(resultItems); i++ {
		resultIDs = append(resultIDs, resultItems[i].ID)
	}
	return resultIDs
}

/*
selectNeighbors selects the M nearest neighbors from a set of candidates
using the heuristic selection algorithm from the original HNSW paper
*/
func (g *HNSWGraph) selectNeighbors(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}

	items := make([]DistanceItem, 0, len(candidates))
	for _, id := range candidates {
		items = append(items, DistanceItem{ID: id, Distance: g.Distance(query, g.Vectors[id].Data)})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Distance < items[j].Distance
	})

	result := make([]string, 0, m)

	// Always include the closest neighbor
	result = append(result, items[0].ID)
	items = items[1:]

	// Remaining slots go to the candidate farthest from everything already chosen
	for len(result) < m && len(items) > 0 {
		maxDist := float32(-1.0)
		maxIdx := 0

		for i, item := range items {
			minDist := float32(math.MaxFloat32)
			for _, resultID := range result {
				dist := g.Distance(g.Vectors[item.ID].Data, g.Vectors[resultID].Data)
				if dist < minDist {
					minDist = dist
				}
			}
			if minDist > maxDist {
				maxDist = minDist
				maxIdx = i
			}
		}

		result = append(result, items[maxIdx].ID)
		items = append(items[:maxIdx], items[maxIdx+1:]...)
	}

	return result
}

/*
Distance calculates the distance between two vectors based on the configured distance type
*/
func (g *HNSWGraph) Distance(a, b []float32) float32 {
	return Distance(g.DistanceType, a, b)
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, other := range ids {
		if other != id {
			out = append(out, other)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, other := range ids {
		if other == id {
			return true
		}
	}
	return false
}
