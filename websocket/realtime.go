package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/dagaz/featureflag"
	"github.com/aukilabs/dagaz/models"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// The header where clients can set their id.
const HeaderClientID = "X-Dagaz-Client-Id"

// RealtimeHandler serves index operations to a single client connection and
// pushes the events of the regions it subscribed to.
type RealtimeHandler struct {
	// The time a client is idle before being disconnected.
	ClientIdleTimeout time.Duration

	// The store that contains the indexes.
	Indexes *models.IndexStore

	FeatureFlags featureflag.FeatureFlag

	conn     *websocket.Conn
	clientID string

	subscriptionIDs    models.SequentialIDGenerator
	subscriptionsMutex sync.Mutex
	subscriptions      map[uint32]func()
}

func (h *RealtimeHandler) HandleConnect(conn *websocket.Conn) {
	h.conn = conn

	h.clientID = conn.Request().Header.Get(HeaderClientID)
	if h.clientID == "" {
		h.clientID = uuid.NewString()
	}
}

func (h *RealtimeHandler) HandleDisconnect(_ error) {
	h.unsubscribeAll()
}

func (h *RealtimeHandler) HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error {
	respond.Send(Msg{
		Type:      MsgTypePingResponse,
		Timestamp: time.Now(),
		RequestID: msg.RequestID,
	})
	return nil
}

func (h *RealtimeHandler) HandlePut(ctx context.Context, respond ResponseSender, msg Msg) error {
	index, ok := h.index(respond, msg)
	if !ok {
		return nil
	}

	item, err := index.Put(models.Item{
		ID:       msg.ItemID,
		Position: msg.Position,
		Data:     msg.Data,
	})
	if err != nil {
		respond.Send(newErrorMsg(msg.RequestID, err))
		return nil
	}

	respond.Send(Msg{
		Type:      MsgTypePutResponse,
		Timestamp: time.Now(),
		RequestID: msg.RequestID,
		IndexID:   index.GlobalID,
		Item:      &item,
	})
	return nil
}

func (h *RealtimeHandler) HandleDelete(ctx context.Context, respond ResponseSender, msg Msg) error {
	index, ok := h.index(respond, msg)
	if !ok {
		return nil
	}

	item, err := index.Delete(msg.ItemID)
	if err != nil {
		respond.Send(newErrorMsg(msg.RequestID, err))
		return nil
	}

	respond.Send(Msg{
		Type:      MsgTypeDeleteResponse,
		Timestamp: time.Now(),
		RequestID: msg.RequestID,
		IndexID:   index.GlobalID,
		Item:      &item,
	})
	return nil
}

func (h *RealtimeHandler) HandleFind(ctx context.Context, respond ResponseSender, msg Msg) error {
	index, ok := h.index(respond, msg)
	if !ok {
		return nil
	}

	if err := index.CheckPosition(msg.Position); err != nil {
		respond.Send(newErrorMsg(msg.RequestID, err))
		return nil
	}

	res := Msg{
		Type:      MsgTypeFindResponse,
		Timestamp: time.Now(),
		RequestID: msg.RequestID,
		IndexID:   index.GlobalID,
	}
	if item, ok := index.FindAt(msg.Position); ok {
		res.Item = &item
	}
	respond.Send(res)
	return nil
}

func (h *RealtimeHandler) HandleSearch(ctx context.Context, respond ResponseSender, msg Msg) error {
	index, ok := h.index(respond, msg)
	if !ok {
		return nil
	}

	region, err := index.Region(msg.Min, msg.Max)
	if err != nil {
		respond.Send(newErrorMsg(msg.RequestID, err))
		return nil
	}

	items := index.Search(region)
	count := len(items)
	respond.Send(Msg{
		Type:      MsgTypeSearchResponse,
		Timestamp: time.Now(),
		RequestID: msg.RequestID,
		IndexID:   index.GlobalID,
		Items:     items,
		Count:     &count,
	})
	return nil
}

func (h *RealtimeHandler) HandleCount(ctx context.Context, respond ResponseSender, msg Msg) error {
	index, ok := h.index(respond, msg)
	if !ok {
		return nil
	}

	count := index.Count()
	respond.Send(Msg{
		Type:      MsgTypeCountResponse,
		Timestamp: time.Now(),
		RequestID: msg.RequestID,
		IndexID:   index.GlobalID,
		Count:     &count,
	})
	return nil
}

func (h *RealtimeHandler) HandleSubscribe(ctx context.Context, respond ResponseSender, msg Msg) error {
	if h.FeatureFlags.IsSet(featureflag.FlagDisableSubscriptions) {
		respond.Send(newErrorMsg(msg.RequestID, errors.New("subscriptions are disabled").
			WithType(ErrTypeSubscriptionsDisabled)))
		return nil
	}

	index, ok := h.index(respond, msg)
	if !ok {
		return nil
	}

	region, err := index.Region(msg.Min, msg.Max)
	if err != nil {
		respond.Send(newErrorMsg(msg.RequestID, err))
		return nil
	}

	id := h.subscriptionIDs.New()
	cancel := index.Subscribe(region, func(e models.Event) {
		item := e.Item
		respond.Send(Msg{
			Type:           MsgType(e.Type),
			Timestamp:      time.Now(),
			IndexID:        e.IndexID,
			SubscriptionID: id,
			Item:           &item,
		})
	})

	h.subscriptionsMutex.Lock()
	if h.subscriptions == nil {
		h.subscriptions = make(map[uint32]func())
	}
	h.subscriptions[id] = cancel
	h.subscriptionsMutex.Unlock()

	respond.Send(Msg{
		Type:           MsgTypeSubscribeResponse,
		Timestamp:      time.Now(),
		RequestID:      msg.RequestID,
		IndexID:        index.GlobalID,
		SubscriptionID: id,
	})
	return nil
}

func (h *RealtimeHandler) HandleUnsubscribe(ctx context.Context, respond ResponseSender, msg Msg) error {
	h.subscriptionsMutex.Lock()
	cancel, ok := h.subscriptions[msg.SubscriptionID]
	delete(h.subscriptions, msg.SubscriptionID)
	h.subscriptionsMutex.Unlock()

	if !ok {
		respond.Send(newErrorMsg(msg.RequestID, errors.New("subscription not found").
			WithType(ErrTypeSubscriptionNotFound).
			WithTag("subscription_id", msg.SubscriptionID)))
		return nil
	}

	cancel()
	h.subscriptionIDs.Reuse(msg.SubscriptionID)

	respond.Send(Msg{
		Type:           MsgTypeUnsubscribeResponse,
		Timestamp:      time.Now(),
		RequestID:      msg.RequestID,
		SubscriptionID: msg.SubscriptionID,
	})
	return nil
}

func (h *RealtimeHandler) Receiver() Receiver {
	return NewReceiver(h.conn)
}

func (h *RealtimeHandler) Sender() Sender {
	return NewSender(h.conn)
}

func (h *RealtimeHandler) Close() {
	h.unsubscribeAll()
}

func (h *RealtimeHandler) IdleTimeout() time.Duration {
	return h.ClientIdleTimeout
}

func (h *RealtimeHandler) GetClientID() string {
	return h.clientID
}

func (h *RealtimeHandler) SubscriptionCount() int {
	h.subscriptionsMutex.Lock()
	defer h.subscriptionsMutex.Unlock()

	return len(h.subscriptions)
}

func (h *RealtimeHandler) index(respond ResponseSender, msg Msg) (*models.Index, bool) {
	index, ok := h.Indexes.GetByGlobalID(msg.IndexID)
	if !ok {
		respond.Send(newErrorMsg(msg.RequestID, errors.New("index not found").
			WithType(models.ErrTypeIndexNotFound).
			WithTag("index_id", msg.IndexID)))
	}
	return index, ok
}

func (h *RealtimeHandler) unsubscribeAll() {
	h.subscriptionsMutex.Lock()
	defer h.subscriptionsMutex.Unlock()

	for id, cancel := range h.subscriptions {
		cancel()
		delete(h.subscriptions, id)
	}
}
