package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

const (
	sendChanSize    = 512
	receiveChanSize = 64
)

// Handler represents an index realtime handler.
type Handler interface {
	// Handles a client connection.
	HandleConnect(conn *websocket.Conn)

	// Handles a client's disconnection.
	HandleDisconnect(error)

	// Handles a ping request.
	HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to insert or move an item.
	HandlePut(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to remove an item.
	HandleDelete(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a point lookup.
	HandleFind(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a range search.
	HandleSearch(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request for the number of items in an index.
	HandleCount(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to receive the events of an index region.
	HandleSubscribe(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to stop receiving the events of a region.
	HandleUnsubscribe(ctx context.Context, respond ResponseSender, msg Msg) error

	// Creates a message receiver used to receive incoming messages.
	Receiver() Receiver

	// Creates a message sender used to send queued messages.
	Sender() Sender

	// Closes the handler and releases its allocated resources.
	Close()

	// The time a client is idle before being disconnected.
	IdleTimeout() time.Duration

	GetClientID() string
}

// Handle serves the connection until the client disconnects, stays idle for
// too long or ctx is done.
func Handle(ctx context.Context, conn *websocket.Conn, h Handler) {
	handler := handler{
		Conn:    conn,
		Handler: h,
	}

	handler.Handle(ctx)
}

type handler struct {
	// The WebSocket connection.
	Conn *websocket.Conn

	// The realtime handler.
	Handler Handler

	sendChan       chan Msg
	receiveChan    chan Msg
	sender         Sender
	receiver       Receiver
	disconnectChan chan error
}

func (h *handler) Handle(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.Handler.HandleConnect(h.Conn)

	h.disconnectChan = make(chan error, 1)
	h.sendChan = make(chan Msg, sendChanSize)
	h.receiveChan = make(chan Msg, receiveChanSize)
	h.sender = h.Handler.Sender()
	h.receiver = h.Handler.Receiver()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startSending(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startReceiving(ctx)
	}()

	idleTimeout := h.Handler.IdleTimeout()
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	responder := responseSender{send: h.send}

	var err error
	for err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()

		case <-idleTimer.C:
			err = errors.New("idle connection").WithTag("duration", idleTimeout)

		case msg := <-h.receiveChan:
			idleTimer.Stop()
			idleTimer.Reset(idleTimeout)

			if herr := h.handleMessage(ctx, msg, responder); herr != nil {
				err = errors.New("handling message failed").Wrap(herr)
			}

		case err = <-h.disconnectChan:
		}
	}

	h.handleDisconnect(err)
	cancel()
	wg.Wait()
}

// send queues a message without blocking. Messages are dropped when the
// client does not keep up.
func (h *handler) send(msg Msg) {
	select {
	case h.sendChan <- msg:
	default:
		logs.Warn(errors.New("send queue is full, message dropped").
			WithTag(logs.ClientIDTag, h.Handler.GetClientID()).
			WithTag("msg_type", msg.Type))
	}
}

func (h *handler) startSending(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-h.sendChan:
			if _, err := h.sender(msg); err != nil {
				h.disconnect(errors.New("sending message failed").Wrap(err))
				return
			}
		}
	}
}

func (h *handler) startReceiving(ctx context.Context) {
	for ctx.Err() == nil {
		msg, _, err := h.receiver()
		if errors.IsType(err, ErrTypeMsgDecode) {
			h.send(newErrorMsg(0, err))
			continue
		}
		if err != nil {
			h.disconnect(errors.New("receiving message failed").Wrap(err))
			return
		}

		select {
		case h.receiveChan <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (h *handler) handleMessage(ctx context.Context, msg Msg, respond ResponseSender) error {
	switch msg.Type {
	case MsgTypePing:
		return h.Handler.HandlePing(ctx, respond, msg)

	case MsgTypePut:
		return h.Handler.HandlePut(ctx, respond, msg)

	case MsgTypeDelete:
		return h.Handler.HandleDelete(ctx, respond, msg)

	case MsgTypeFind:
		return h.Handler.HandleFind(ctx, respond, msg)

	case MsgTypeSearch:
		return h.Handler.HandleSearch(ctx, respond, msg)

	case MsgTypeCount:
		return h.Handler.HandleCount(ctx, respond, msg)

	case MsgTypeSubscribe:
		return h.Handler.HandleSubscribe(ctx, respond, msg)

	case MsgTypeUnsubscribe:
		return h.Handler.HandleUnsubscribe(ctx, respond, msg)

	default:
		respond.Send(newErrorMsg(msg.RequestID, errors.New("unknown message type").
			WithType(ErrTypeUnknownMsgType).
			WithTag("msg_type", msg.Type)))
		return nil
	}
}

func (h *handler) disconnect(err error) {
	select {
	case h.disconnectChan <- err:
	default:
	}
}

func (h *handler) handleDisconnect(err error) {
	h.Conn.Close()
	h.Handler.HandleDisconnect(err)
}

type responseSender struct {
	send func(Msg)
}

func (r responseSender) Send(msg Msg) {
	r.send(msg)
}
