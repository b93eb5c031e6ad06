package models

import (
	"github.com/aukilabs/dagaz/spatial"
)

// An item stored in an index.
type Item struct {
	ID       string         `json:"id"`
	Position spatial.Vector `json:"position"`
	Data     any            `json:"data,omitempty"`
}

func (i Item) copy() Item {
	i.Position = i.Position.Copy()
	return i
}

type EventType string

const (
	EventItemPut     EventType = "item_put"
	EventItemDeleted EventType = "item_deleted"
)

// An event sent to the subscribers of an index region.
type Event struct {
	Type    EventType `json:"type"`
	IndexID string    `json:"index_id"`
	Item    Item      `json:"item"`
}
