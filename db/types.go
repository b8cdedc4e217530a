package db

/*
Vector represents a stored memory record in a collection
*/
type Vector struct {
	ID       string         `json:"id"`
	Data     []float32      `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Text     string         `json:"text,omitempty"`
}

/*
Neighbor is a search hit with its distance to the query
*/
type Neighbor struct {
	Vector   Vector
	Distance float32
}

/*
NearestNeighborIndex is the capability a collection uses to answer
k-nearest-neighbor queries. Insert has upsert semantics.
*/
type NearestNeighborIndex interface {
	Insert(vector Vector) error
	Remove(id string) bool
	Search(query []float32, k int) ([]Neighbor, error)
	Len() int
}
