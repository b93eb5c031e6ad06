package models

import (
	"slices"
	"sync"
)

// SequentialIDGenerator hands out small numeric ids. Released ids are handed
// out again, lowest first, before the sequence moves on.
type SequentialIDGenerator struct {
	mutex    sync.Mutex
	last     uint32
	released []uint32
}

func (g *SequentialIDGenerator) New() uint32 {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if len(g.released) != 0 {
		id := g.released[0]
		g.released = g.released[1:]
		return id
	}

	g.last++
	return g.last
}

// Reuse releases the given id. Releasing an id twice or an id never handed
// out has no effect.
func (g *SequentialIDGenerator) Reuse(id uint32) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if id == 0 || id > g.last {
		return
	}

	n, found := slices.BinarySearch(g.released, id)
	if found {
		return
	}
	g.released = slices.Insert(g.released, n, id)
}
