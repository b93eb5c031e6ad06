package models

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aukilabs/dagaz/spatial"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/google/uuid"
)

// Index is a named spatial tree holding items. The tree is not safe for
// concurrent use so every access goes through the index lock: writers are
// exclusive, queries share the lock.
type Index struct {
	ID        uint32
	GlobalID  string
	IndexUUID string
	Name      string
	CreatedAt time.Time

	mutex sync.RWMutex
	tree  *spatial.Tree[string]
	items map[string]Item

	subscriberIDs   SequentialIDGenerator
	subscriberMutex sync.RWMutex
	subscribers     map[uint32]subscription
}

type subscription struct {
	region  spatial.Box
	handler func(Event)
}

func NewIndex(id uint32, name string, volume spatial.Box, capacity, maxDepth int) (*Index, error) {
	tree, err := spatial.New[string](volume, capacity, maxDepth)
	if err != nil {
		return nil, err
	}

	return &Index{
		ID:          id,
		IndexUUID:   uuid.New().String(),
		Name:        name,
		CreatedAt:   time.Now(),
		tree:        tree,
		items:       make(map[string]Item),
		subscribers: make(map[uint32]subscription),
	}, nil
}

func (i *Index) Volume() spatial.Box {
	return i.tree.Volume()
}

// Region returns the box between lo and hi after checking it can be used to
// query the index.
func (i *Index) Region(lo, hi spatial.Vector) (spatial.Box, error) {
	region := spatial.NewBox(lo, hi)
	if dims := i.tree.Dimensions(); region.Dimensions() != dims || len(hi) != dims {
		return spatial.Box{}, errors.New("region dimensions do not match the index").
			WithType(spatial.ErrTypeDimensionMismatch).
			WithTag("region", region.String()).
			WithTag("dimensions", dims)
	}
	if !region.Valid() {
		return spatial.Box{}, errors.New("invalid region").
			WithType(ErrTypeInvalidRegion).
			WithTag("region", region.String())
	}
	return region, nil
}

// CheckPosition returns an error when the position cannot be stored in the
// index.
func (i *Index) CheckPosition(position spatial.Vector) error {
	volume := i.tree.Volume()
	if dims := volume.Dimensions(); position.Dimensions() != dims {
		return errors.New("position dimensions do not match the index").
			WithType(spatial.ErrTypeDimensionMismatch).
			WithTag("position", position.String()).
			WithTag("dimensions", dims)
	}
	if !volume.Contains(position) {
		return errors.New("position is out of bounds").
			WithType(spatial.ErrTypeOutOfBounds).
			WithTag("position", position.String()).
			WithTag("volume", volume.String())
	}
	return nil
}

// Put stores an item, moving it when an item with the same id already exists.
// An item without id gets a generated one. The stored item is returned.
func (i *Index) Put(item Item) (Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item = item.copy()

	i.mutex.Lock()
	prev, exists := i.items[item.ID]
	var err error
	if exists {
		err = i.tree.Move(item.ID, prev.Position, item.Position)
	} else {
		err = i.tree.Insert(item.ID, item.Position)
	}
	if err != nil {
		i.mutex.Unlock()
		instrumentIndexOperationError("put", err)
		return Item{}, errors.New("putting item failed").
			WithType(errors.Type(err)).
			WithTag("index_id", i.ID).
			WithTag("item_id", item.ID).
			Wrap(err)
	}
	i.items[item.ID] = item
	count := len(i.items)

	// Events are sent in the order the tree applied the changes.
	i.notify(Event{Type: EventItemPut, IndexID: i.GlobalID, Item: item})
	if exists && !prev.Position.Equal(item.Position) {
		i.notifyLeft(prev, item.Position)
	}
	i.mutex.Unlock()

	instrumentIndexOperation("put")
	instrumentIndexItems(i.GlobalID, count)
	return item, nil
}

// Delete removes the item with the given id.
func (i *Index) Delete(id string) (Item, error) {
	i.mutex.Lock()
	item, ok := i.items[id]
	if !ok {
		i.mutex.Unlock()
		return Item{}, errors.New("item not found").
			WithType(ErrTypeItemNotFound).
			WithTag("index_id", i.ID).
			WithTag("item_id", id)
	}
	if err := i.tree.Remove(id, item.Position); err != nil {
		i.mutex.Unlock()
		instrumentIndexOperationError("delete", err)
		return Item{}, err
	}
	delete(i.items, id)
	count := len(i.items)
	i.notify(Event{Type: EventItemDeleted, IndexID: i.GlobalID, Item: item})
	i.mutex.Unlock()

	instrumentIndexOperation("delete")
	instrumentIndexItems(i.GlobalID, count)
	return item, nil
}

func (i *Index) Get(id string) (Item, bool) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	item, ok := i.items[id]
	return item.copy(), ok
}

// FindAt returns the first item stored exactly at the given position.
func (i *Index) FindAt(position spatial.Vector) (Item, bool) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	instrumentIndexOperation("find")

	id, ok := i.tree.Find(position)
	if !ok {
		return Item{}, false
	}
	return i.items[id].copy(), true
}

// Search returns the items located within the given region.
func (i *Index) Search(region spatial.Box) []Item {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	instrumentIndexOperation("search")

	ids := i.tree.RangeSearch(region)
	items := make([]Item, len(ids))
	for n, id := range ids {
		items[n] = i.items[id].copy()
	}
	return items
}

func (i *Index) Count() int {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return i.tree.Count()
}

func (i *Index) Stats() spatial.Stats {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	return i.tree.Stats()
}

// Walk visits the tree nodes while holding the index read lock. Nodes must
// not be retained after fn returns.
func (i *Index) Walk(fn func(n *spatial.Tree[string]) bool) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	i.tree.Walk(fn)
}

// Subscribe registers a handler called when an item is put into or deleted
// from the given region. Handlers run while the index is locked: they must
// not block nor call the index.
func (i *Index) Subscribe(region spatial.Box, h func(Event)) (cancel func()) {
	i.subscriberMutex.Lock()
	defer i.subscriberMutex.Unlock()

	id := i.subscriberIDs.New()
	i.subscribers[id] = subscription{
		region:  region,
		handler: h,
	}

	return func() {
		i.subscriberMutex.Lock()
		defer i.subscriberMutex.Unlock()

		if _, ok := i.subscribers[id]; !ok {
			return
		}
		delete(i.subscribers, id)
		i.subscriberIDs.Reuse(id)
	}
}

func (i *Index) SubscriberCount() int {
	i.subscriberMutex.RLock()
	defer i.subscriberMutex.RUnlock()

	return len(i.subscribers)
}

func (i *Index) notify(e Event) {
	i.subscriberMutex.RLock()
	defer i.subscriberMutex.RUnlock()

	for _, s := range i.subscribers {
		if s.region.Contains(e.Item.Position) {
			s.handler(e)
		}
	}
}

// notifyLeft tells the subscribers of regions the item moved out of.
func (i *Index) notifyLeft(prev Item, to spatial.Vector) {
	i.subscriberMutex.RLock()
	defer i.subscriberMutex.RUnlock()

	for _, s := range i.subscribers {
		if s.region.Contains(prev.Position) && !s.region.Contains(to) {
			s.handler(Event{Type: EventItemDeleted, IndexID: i.GlobalID, Item: prev})
		}
	}
}

// IndexStore is the registry of the indexes served.
type IndexStore struct {
	// The prefix of global index ids.
	ServerID string

	// The maximum number of indexes. Zero means no limit.
	MaxIndexes int

	initOnce sync.Once
	mutex    sync.RWMutex
	indexes  map[string]*Index
	ids      SequentialIDGenerator
}

func (s *IndexStore) init() {
	s.indexes = map[string]*Index{}

	if s.ServerID == "" {
		s.ServerID = "dagaz"
	}
}

func (s *IndexStore) NewID() uint32 {
	return s.ids.New()
}

// Add registers the index under its global id. The index id is released when
// the store is full.
func (s *IndexStore) Add(ctx context.Context, index *Index) error {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.MaxIndexes > 0 && len(s.indexes) >= s.MaxIndexes {
		s.ids.Reuse(index.ID)
		return errors.New("index store is full").
			WithType(ErrTypeStoreFull).
			WithTag("max_indexes", s.MaxIndexes)
	}

	index.GlobalID = s.GlobalIndexID(index.ID)
	s.indexes[index.GlobalID] = index

	instrumentIncreaseIndexGauge()
	instrumentCountIndex()
	return nil
}

func (s *IndexStore) Remove(ctx context.Context, index *Index) {
	s.initOnce.Do(s.init)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	id := s.GlobalIndexID(index.ID)
	if _, ok := s.indexes[id]; !ok {
		return
	}
	delete(s.indexes, id)
	s.ids.Reuse(index.ID)

	instrumentDecreaseIndexGauge()
	instrumentRemoveIndexItems(id)
}

func (s *IndexStore) GetByGlobalID(v string) (*Index, bool) {
	s.initOnce.Do(s.init)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	index, ok := s.indexes[v]
	return index, ok
}

// List returns the indexes ordered by id.
func (s *IndexStore) List() []*Index {
	s.initOnce.Do(s.init)

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	indexes := make([]*Index, 0, len(s.indexes))
	for _, index := range s.indexes {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i].ID < indexes[j].ID
	})
	return indexes
}

func (s *IndexStore) GlobalIndexID(indexID uint32) string {
	s.initOnce.Do(s.init)
	return fmt.Sprintf("%sx%x", s.ServerID, indexID)
}
