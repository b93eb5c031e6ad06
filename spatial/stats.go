package spatial

// Stats is debug information about the shape of a tree.
type Stats struct {
	Dimensions int   `json:"dimensions"`
	Capacity   int   `json:"capacity"`
	MaxDepth   int   `json:"max_depth"`
	NodeCount  int   `json:"node_count"`
	LeafCount  int   `json:"leaf_count"`
	ItemCount  int   `json:"item_count"`
	Deepest    int   `json:"deepest"`
	Volume     Box   `json:"volume"`
	Occupancy  []int `json:"occupancy"` // items per depth
}

func (t *Tree[T]) Stats() Stats {
	s := Stats{
		Dimensions: t.Dimensions(),
		Capacity:   t.capacity,
		MaxDepth:   t.maxDepth,
		Volume:     t.volume,
	}

	t.Walk(func(n *Tree[T]) bool {
		s.NodeCount++
		d := n.depth - t.depth
		if d > s.Deepest {
			s.Deepest = d
		}
		for len(s.Occupancy) <= d {
			s.Occupancy = append(s.Occupancy, 0)
		}
		if n.IsLeaf() {
			s.LeafCount++
			s.ItemCount += len(n.items)
			s.Occupancy[d] += len(n.items)
		}
		return true
	})
	return s
}
