package db

import (
	"sync"

	"memory-gateway/config"
)

// FlatIndex answers queries by scanning every vector. Exact, O(n) per query.
type FlatIndex struct {
	distanceType config.DistanceType
	vectors      map[string]Vector
	mu           sync.RWMutex
}

func NewFlatIndex(distanceType config.DistanceType) *FlatIndex {
	return &FlatIndex{
		distanceType: distanceType,
		vectors:      make(map[string]Vector),
	}
}

func (f *FlatIndex) Insert(vector Vector) error {
	if len(vector.Data) == 0 {
		return ErrEmptyVector
	}
	if vector.ID == "" {
		return ErrInvalidParameter
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[vector.ID] = vector
	return nil
}

func (f *FlatIndex) Remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vectors[id]; !ok {
		return false
	}
	delete(f.vectors, id)
	return true
}

func (f *FlatIndex) Search(query []float32, k int) ([]Neighbor, error) {
	if len(query) == 0 {
		return nil, ErrEmptyVector
	}
	if k <= 0 {
		return nil, ErrInvalidParameter
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ExactSearch(f.distanceType, f.vectors, query, k, nil), nil
}

func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}
